package interceptor

import (
	"context"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// newLimiter allows rps requests per second with a burst of rps.
// A non-positive rps disables limiting.
func newLimiter(rps int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(rps), rps)
}

// RateLimitUnary rejects unary calls above rps with ResourceExhausted.
// A device answers one session at a time, so there is no queueing.
func RateLimitUnary(rps int) grpc.UnaryServerInterceptor {
	limiter := newLimiter(rps)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !limiter.Allow() {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

// RateLimitStream is the stream counterpart of RateLimitUnary.
func RateLimitStream(rps int) grpc.StreamServerInterceptor {
	limiter := newLimiter(rps)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !limiter.Allow() {
			return status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(srv, ss)
	}
}
