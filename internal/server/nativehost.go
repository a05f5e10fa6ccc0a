package server

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/glinharesb/yubihsm-enroll/internal/audit"
	"github.com/glinharesb/yubihsm-enroll/internal/hostrpc"
	"github.com/glinharesb/yubihsm-enroll/internal/nativehost"
)

// NativeHostServer relays native messaging requests for a single host
// name to an in-process handler.
type NativeHostServer struct {
	host    string
	handler *nativehost.Handler
	audit   *audit.Logger
}

func NewNativeHostServer(host string, h *nativehost.Handler, a *audit.Logger) *NativeHostServer {
	return &NativeHostServer{host: host, handler: h, audit: a}
}

var _ hostrpc.NativeHostServer = (*NativeHostServer)(nil)

func (s *NativeHostServer) Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	host := hostrpc.HostFromContext(ctx)
	if host == "" {
		return nil, status.Error(codes.InvalidArgument, "missing native host name")
	}
	if host != s.host {
		return nil, status.Errorf(codes.NotFound, "native host %q is not served here", host)
	}

	body, err := hostrpc.FromStruct(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "request: %v", err)
	}

	data, err := json.Marshal(s.handler.Handle(ctx, body))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := hostrpc.ToStruct(data)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "response: %v", err)
	}
	return out, nil
}
