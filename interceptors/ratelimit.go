package interceptors

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/feefomit/chizhick/ratelimit"
)

var errRateLimited = status.Error(codes.ResourceExhausted, "rate limit exceeded")

// RateLimitUnary rejects requests once l is exhausted. Methods under one of
// the exempt prefixes are never limited.
func RateLimitUnary(l *ratelimit.Limiter, exempt ...string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if !hasPrefix(info.FullMethod, exempt) && !l.Allow() {
			return nil, errRateLimited
		}
		return handler(ctx, req)
	}
}

func hasPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}
