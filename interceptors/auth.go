package interceptors

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/feefomit/chizhick/auth"
)

// AuthUnary checks every call with fn and hands the context it returns to
// the handler. Errors without a gRPC code become auth.ErrInvalidKey so no
// detail of the check reaches the caller.
func AuthUnary(fn auth.AuthFunc) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		authed, err := fn(ctx, info.FullMethod, md)
		switch {
		case err == nil:
			return handler(authed, req)
		case status.Code(err) == codes.Unknown:
			return nil, auth.ErrInvalidKey
		default:
			return nil, err
		}
	}
}
