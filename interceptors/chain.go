// Package interceptors holds the unary gRPC interceptors of the catalog
// server: panic recovery, request ids, access logs, origin filtering, API
// key checks and the global rate limit.
package interceptors

import (
	"context"

	"google.golang.org/grpc"
)

// ChainUnary composes interceptors into one; the first runs outermost.
func ChainUnary(interceptors []grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	switch len(interceptors) {
	case 0:
		return nil
	case 1:
		return interceptors[0]
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		return step(interceptors, info, handler)(ctx, req)
	}
}

// step runs ics[0] with the rest of the chain as its handler.
func step(ics []grpc.UnaryServerInterceptor, info *grpc.UnaryServerInfo, final grpc.UnaryHandler) grpc.UnaryHandler {
	if len(ics) == 0 {
		return final
	}
	return func(ctx context.Context, req any) (any, error) {
		return ics[0](ctx, req, info, step(ics[1:], info, final))
	}
}
