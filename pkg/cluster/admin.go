package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/enrolld/pkg/keystore"
	"github.com/cuemby/enrolld/pkg/log"
	"github.com/cuemby/enrolld/pkg/metrics"
)

// AdminService gates manual credential removal behind a bearer token
// generated at startup, rather than reusing agent mTLS identity: removal
// is an operator action, not a peer-to-peer cluster one. The token is
// logged once at startup and otherwise held only in memory.
type AdminService struct {
	token string
	ks    *keystore.KeyStore
}

// NewAdminService mints a fresh bearer token and binds it to ks.
func NewAdminService(ks *keystore.KeyStore) *AdminService {
	token := uuid.NewString()
	log.WithComponent("admin").Info().Msg("admin removal token generated, see startup output")
	return &AdminService{token: token, ks: ks}
}

// Token returns the bearer token operators must present to Remove.
func (a *AdminService) Token() string {
	return a.token
}

// Remove tombstones id if token matches the service's bearer token.
func (a *AdminService) Remove(_ context.Context, token, id string) (bool, error) {
	if token != a.token {
		return false, fmt.Errorf("invalid admin token")
	}
	ok := a.ks.Remove(id, time.Now())
	if ok {
		metrics.EnrollmentsTotal.WithLabelValues("removed").Inc()
	}
	return ok, nil
}
