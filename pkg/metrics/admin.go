package metrics

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"net/http"

	"github.com/cuemby/enrolld/pkg/security"
)

// AdminServer exposes the authority's operational HTTP surface:
// /health, /ready, /live, /metrics and /certs on a single listener.
// Component health is reported through RegisterComponent calls that
// cmd/enrolld makes for the keystore, writer and listener at startup.
type AdminServer struct {
	srv *http.Server
}

// NewAdminServer builds an AdminServer bound to addr. certs, if non-nil,
// backs a /certs endpoint reporting the root CA and node certificate's
// subject, issuer and expiry, for operators checking rotation status
// without a TLS client. It does not start listening until Start is
// called.
func NewAdminServer(addr string, certs func() []*x509.Certificate) *AdminServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/ready", ReadyHandler())
	mux.HandleFunc("/live", LivenessHandler())
	mux.Handle("/metrics", Handler())
	if certs != nil {
		mux.HandleFunc("/certs", CertsHandler(certs))
	}

	return &AdminServer{
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// CertsHandler reports human-readable info for each certificate certs
// returns, via security.GetCertInfo.
func CertsHandler(certs func() []*x509.Certificate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos := make([]map[string]interface{}, 0)
		for _, cert := range certs() {
			infos = append(infos, security.GetCertInfo(cert))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(infos)
	}
}

// Start runs the HTTP server until Shutdown is called. It returns nil
// after Shutdown, and the listen or serve error otherwise.
func (a *AdminServer) Start() error {
	err := a.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	return a.srv.Shutdown(ctx)
}
