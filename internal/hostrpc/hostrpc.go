// Package hostrpc describes the NativeHost gRPC service used to relay
// native messaging requests to a helper daemon. Requests and responses
// are the host's JSON objects carried as google.protobuf.Struct, so the
// relay needs no generated message types.
package hostrpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName          = "yubihsm.enroll.v1.NativeHost"
	CallFullMethod       = "/" + ServiceName + "/Call"
	QueryAuditFullMethod = "/" + ServiceName + "/QueryAudit"

	// HostHeader carries the target host name in request metadata.
	HostHeader = "x-native-host"
)

// NativeHostServer relays one request to the named host and exposes the
// relay's audit trail.
type NativeHostServer interface {
	Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	QueryAudit(ctx context.Context, filter *structpb.Struct) (*structpb.Struct, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NativeHostServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
		{MethodName: "QueryAudit", Handler: queryAuditHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "yubihsm/enroll/v1/nativehost.proto",
}

func RegisterNativeHostServer(s grpc.ServiceRegistrar, srv NativeHostServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NativeHostServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CallFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NativeHostServer).Call(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func queryAuditHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NativeHostServer).QueryAudit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: QueryAuditFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NativeHostServer).QueryAudit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// HostFromContext returns the host name sent by the client.
func HostFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(HostHeader); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Client is a thin NativeHost client.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Call(ctx context.Context, host string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, HostHeader, host)
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, CallFullMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) QueryAudit(ctx context.Context, filter *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, QueryAuditFullMethod, filter, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ToStruct converts an encoded JSON object to a Struct.
func ToStruct(data []byte) (*structpb.Struct, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode json object: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("convert to struct: %w", err)
	}
	return s, nil
}

// FromStruct encodes a Struct back to a JSON object.
func FromStruct(s *structpb.Struct) ([]byte, error) {
	data, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	return data, nil
}
