package cluster

import (
	"context"
	"net"

	"google.golang.org/grpc"

	"github.com/cuemby/enrolld/pkg/parser"
	"github.com/cuemby/enrolld/pkg/types"
)

func parseIP(s string) net.IP {
	return net.ParseIP(s)
}

// Enroller is satisfied by authority.Enroller; declared independently
// here so this package never needs to import authority; cmd/enrolld
// wires the two packages together.
type Enroller interface {
	Enroll(ctx context.Context, intent parser.Intent) (*types.CredentialRecord, error)
}

// EnrollRequest is the wire shape of a Follower -> Primary enroll call.
type EnrollRequest struct {
	Name       string   `json:"name"`
	IP         string   `json:"ip"`
	Groups     []string `json:"groups"`
	RemoteAddr string   `json:"remote_addr"`
	PeerCertCN string   `json:"peer_cert_cn"`
}

// EnrollResponse is the wire shape of the Primary's reply.
type EnrollResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	IP    string `json:"ip"`
	Key   string `json:"key"`
	Error string `json:"error,omitempty"`
}

// RemoveRequest is the admin-service wire shape for credential removal.
type RemoveRequest struct {
	Token string `json:"token"`
	ID    string `json:"id"`
}

// RemoveResponse is the admin-service wire shape for the removal result.
type RemoveResponse struct {
	Removed bool   `json:"removed"`
	Error   string `json:"error,omitempty"`
}

const serviceName = "cluster.ClusterService"

// clusterServer adapts an Enroller to the hand-authored ServiceDesc below.
type clusterServer struct {
	enroller Enroller
	admin    *AdminService
}

func (s *clusterServer) enroll(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req EnrollRequest
	if err := dec(&req); err != nil {
		return nil, err
	}

	intent := parser.Intent{
		Name:       req.Name,
		Groups:     req.Groups,
		RemoteAddr: req.RemoteAddr,
		PeerCertCN: req.PeerCertCN,
	}
	if req.IP != "" {
		intent.IP = parseIP(req.IP)
	}

	this := srv.(*clusterServer)
	record, err := this.enroller.Enroll(ctx, intent)
	if err != nil {
		return &EnrollResponse{Error: err.Error()}, nil
	}
	return &EnrollResponse{ID: record.ID, Name: record.Name, IP: record.IP, Key: record.Key}, nil
}

func (s *clusterServer) remove(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req RemoveRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	this := srv.(*clusterServer)
	ok, err := this.admin.Remove(ctx, req.Token, req.ID)
	if err != nil {
		return &RemoveResponse{Error: err.Error()}, nil
	}
	return &RemoveResponse{Removed: ok}, nil
}

// ServiceDesc is the hand-authored stand-in for protoc-generated service
// registration. grpc.NewServer().RegisterService(&ServiceDesc, server)
// wires it up exactly as generated code would.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Enroll",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				return srv.(*clusterServer).enroll(srv, ctx, dec, interceptor)
			},
		},
		{
			MethodName: "Remove",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				return srv.(*clusterServer).remove(srv, ctx, dec, interceptor)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cluster.proto",
}

// NewServer wires an Enroller and an AdminService into a *grpc.Server
// ready for Serve.
func NewServer(enroller Enroller, admin *AdminService) *grpc.Server {
	gs := grpc.NewServer()
	gs.RegisterService(&ServiceDesc, &clusterServer{enroller: enroller, admin: admin})
	return gs
}
