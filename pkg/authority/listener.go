package authority

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/enrolld/pkg/log"
	"github.com/cuemby/enrolld/pkg/security"
)

// poolSize bounds how many connections the listener services at once.
// An unbounded goroutine-per-connection accept loop would let a burst of
// enrollment attempts exhaust memory before the dispatcher ever gets to
// apply backpressure.
const poolSize = 64

// Listener is the TLS Listener module: it terminates mTLS and hands each
// accepted connection to the Dispatcher, bounded by a fixed worker pool.
type Listener struct {
	ln         net.Listener
	dispatcher *Dispatcher
	requireCli bool

	work chan net.Conn
	wg   sync.WaitGroup
}

// New builds a Listener bound to addr using cert as the server identity.
// When requireClientCert is true, client certificates are verified
// against caCert; otherwise any client is accepted at the TLS layer and
// authentication rests entirely on the enrollment request itself.
func New(addr string, cert *tls.Certificate, caCert *x509.Certificate, requireClientCert bool, dispatcher *Dispatcher) (*Listener, error) {
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}

	if requireClientCert {
		if caCert == nil {
			return nil, fmt.Errorf("client certificate verification requested but no CA certificate configured")
		}
		pool := x509.NewCertPool()
		pool.AddCert(caCert)
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsCfg.ClientAuth = tls.RequestClientCert
	}

	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to bind TLS listener on %s: %w", addr, err)
	}

	l := &Listener{
		ln:         ln,
		dispatcher: dispatcher,
		requireCli: requireClientCert,
		work:       make(chan net.Conn, poolSize),
	}

	for i := 0; i < poolSize; i++ {
		l.wg.Add(1)
		go l.worker()
	}

	return l, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until the listener is closed.
func (l *Listener) Serve(ctx context.Context) error {
	logger := log.WithComponent("listener")
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		select {
		case l.work <- conn:
		case <-ctx.Done():
			conn.Close()
			return nil
		default:
			logger.Warn().Str("remote_addr", conn.RemoteAddr().String()).Msg("worker pool saturated, dropping connection")
			conn.Close()
		}
	}
}

func (l *Listener) worker() {
	defer l.wg.Done()
	for conn := range l.work {
		peerCN := peerCommonName(conn)
		l.dispatcher.Handle(context.Background(), conn, peerCN)
	}
}

// Close stops accepting and waits for in-flight dispatches to finish.
func (l *Listener) Close() error {
	err := l.ln.Close()
	close(l.work)
	l.wg.Wait()
	return err
}

func peerCommonName(conn net.Conn) string {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return ""
	}
	// Accept() returns before the handshake completes; force it so
	// ConnectionState().PeerCertificates is populated.
	if err := tlsConn.Handshake(); err != nil {
		return ""
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return state.PeerCertificates[0].Subject.CommonName
}

// ServerCertificate issues and returns the TLS certificate the Listener's
// own identity is built on, using the authority's certificate authority.
func ServerCertificate(ca *security.CertAuthority, nodeID string, dnsNames []string, ips []net.IP) (*tls.Certificate, error) {
	return ca.IssueNodeCertificate(nodeID, "authority", dnsNames, ips)
}
