package cluster

import (
	"context"
	"crypto/tls"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/enrolld/pkg/parser"
	"github.com/cuemby/enrolld/pkg/types"
)

// Forwarder is the Follower Forwarder: the follower-side Enroller that
// relays a parsed enrollment request to the primary over the cluster RPC
// and hands back the (id, key) pair the primary assigned, instead of
// minting one locally: the primary's reply reaches the agent unchanged.
type Forwarder struct {
	conn *grpc.ClientConn
}

// DialPrimary opens a connection to the primary's cluster RPC endpoint.
// When tlsCfg is nil the connection uses insecure (unauthenticated)
// credentials; cmd/enrolld currently dials with a nil tlsCfg.
func DialPrimary(ctx context.Context, addr string, tlsCfg *tls.Config) (*Forwarder, error) {
	var creds credentials.TransportCredentials
	if tlsCfg != nil {
		creds = credentials.NewTLS(tlsCfg)
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to dial primary %s: %w", addr, err)
	}
	return &Forwarder{conn: conn}, nil
}

// Close releases the underlying connection to the primary.
func (f *Forwarder) Close() error {
	return f.conn.Close()
}

// Enroll implements authority.Enroller by forwarding intent to the
// primary and returning exactly the credential record it replies with.
func (f *Forwarder) Enroll(ctx context.Context, intent parser.Intent) (*types.CredentialRecord, error) {
	req := &EnrollRequest{
		Name:       intent.Name,
		Groups:     intent.Groups,
		RemoteAddr: intent.RemoteAddr,
		PeerCertCN: intent.PeerCertCN,
	}
	if intent.IP != nil {
		req.IP = intent.IP.String()
	}

	resp := &EnrollResponse{}
	method := fmt.Sprintf("/%s/Enroll", serviceName)
	if err := f.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, fmt.Errorf("cluster: enroll RPC failed: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return &types.CredentialRecord{ID: resp.ID, Name: resp.Name, IP: resp.IP, Key: resp.Key}, nil
}

// Remove asks the primary's AdminService to remove an agent's credential.
func (f *Forwarder) Remove(ctx context.Context, token, id string) (bool, error) {
	req := &RemoveRequest{Token: token, ID: id}
	resp := &RemoveResponse{}
	method := fmt.Sprintf("/%s/Remove", serviceName)
	if err := f.conn.Invoke(ctx, method, req, resp); err != nil {
		return false, fmt.Errorf("cluster: remove RPC failed: %w", err)
	}
	if resp.Error != "" {
		return false, fmt.Errorf("%s", resp.Error)
	}
	return resp.Removed, nil
}
