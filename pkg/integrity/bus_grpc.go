package integrity

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/cuemby/enrolld/pkg/types"
)

const (
	codecName   = "json"
	serviceName = "integrity.SyncService"
)

// jsonCodec mirrors pkg/cluster's registration: both packages need the
// same encoding.Codec name registered once per process, so the
// Marshal/Unmarshal pair is duplicated here rather than importing
// pkg/cluster purely for its codec and coupling two otherwise unrelated
// RPC surfaces.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("integrity: failed to unmarshal %T: %w", v, err)
	}
	return nil
}
func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type publishRequest struct {
	Command  types.SyncCommand   `json:"command"`
	ID       int64               `json:"id"`
	Start    string              `json:"start"`
	End      string              `json:"end"`
	Checksum []byte              `json:"checksum"`
	Entity   *types.EntityRecord `json:"entity,omitempty"`
}

type publishResponse struct {
	Error string `json:"error,omitempty"`
}

// grpcPeer implements Peer over a grpc.ClientConn to a remote node's
// SyncService.
type grpcPeer struct {
	conn *grpc.ClientConn
}

// DialPeer opens a connection to a remote node's sync endpoint.
func DialPeer(ctx context.Context, addr string, tlsCfg *tls.Config) (*grpcPeer, error) {
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
		return nil, fmt.Errorf("integrity: failed to dial peer %s: %w", addr, err)
	}
	return &grpcPeer{conn: conn}, nil
}

func (p *grpcPeer) Close() error { return p.conn.Close() }

// Publish implements Peer by invoking the remote SyncService's single
// Publish method. The RPC returns after the peer's Receive has run and
// carries back its error, if any; any reply message the peer's own
// Synchronizer decides to send back arrives as an independent inbound
// Publish call, not as this call's response.
func (p *grpcPeer) Publish(ctx context.Context, msg *types.SyncMessage) error {
	req := &publishRequest{
		Command:  msg.Command,
		ID:       msg.ID,
		Start:    msg.Range.Start,
		End:      msg.Range.End,
		Checksum: msg.Checksum[:],
		Entity:   msg.Entity,
	}
	resp := &publishResponse{}
	method := fmt.Sprintf("/%s/Publish", serviceName)
	if err := p.conn.Invoke(ctx, method, req, resp); err != nil {
		return fmt.Errorf("integrity: publish RPC failed: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}

// syncServer is the server-side handler backing SyncService: it hands
// every inbound message to a Synchronizer's Receive, the same dispatch
// point that drives the anti-reordering and round bookkeeping for
// messages arriving from any other source.
type syncServer struct {
	sync *Synchronizer
}

func (s *syncServer) publish(ctx context.Context, dec func(any) error) (any, error) {
	var req publishRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	msg := &types.SyncMessage{
		Command: req.Command,
		ID:      req.ID,
		Range:   types.SyncRange{Start: req.Start, End: req.End},
		Entity:  req.Entity,
	}
	copy(msg.Checksum[:], req.Checksum)

	if err := s.sync.Receive(ctx, msg); err != nil {
		return &publishResponse{Error: err.Error()}, nil
	}
	return &publishResponse{}, nil
}

// ServiceDesc is the hand-authored registration for SyncService, the same
// pattern pkg/cluster uses for its own RPC surface.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Publish",
			Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				return srv.(*syncServer).publish(ctx, dec)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "integrity.proto",
}

// NewServer wires sync into a *grpc.Server ready for Serve.
func NewServer(sync *Synchronizer) *grpc.Server {
	gs := grpc.NewServer()
	gs.RegisterService(&ServiceDesc, &syncServer{sync: sync})
	return gs
}

// RegisterServer registers sync's SyncService onto an existing
// *grpc.Server, for a node that shares one gRPC listener across multiple
// services (the primary's cluster RPC and integrity sync both bind the
// same port).
func RegisterServer(gs *grpc.Server, sync *Synchronizer) {
	gs.RegisterService(&ServiceDesc, &syncServer{sync: sync})
}
