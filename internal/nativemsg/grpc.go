package nativemsg

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/glinharesb/yubihsm-enroll/internal/hostrpc"
)

// GRPCTransport relays requests to a helper daemon serving NativeHost.
type GRPCTransport struct {
	conn   *grpc.ClientConn
	client *hostrpc.Client
	token  string
}

// DialGRPC connects to a helper daemon. The token is sent as a bearer
// credential on every call.
func DialGRPC(addr, token string, opts ...grpc.DialOption) (*GRPCTransport, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial helper %s: %w", addr, err)
	}
	return &GRPCTransport{conn: conn, client: hostrpc.NewClient(conn), token: token}, nil
}

func (t *GRPCTransport) Close() error {
	return t.conn.Close()
}

func (t *GRPCTransport) RoundTrip(ctx context.Context, host string, request []byte) ([]byte, error) {
	in, err := hostrpc.ToStruct(request)
	if err != nil {
		return nil, err
	}
	if t.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+t.token)
	}

	out, err := t.client.Call(ctx, host, in)
	if err != nil {
		if status.Code(err) == codes.DeadlineExceeded {
			return nil, context.DeadlineExceeded
		}
		return nil, fmt.Errorf("relay to %s: %w", host, err)
	}
	return hostrpc.FromStruct(out)
}
