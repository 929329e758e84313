package interceptors

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/feefomit/chizhick/contextx"
	"github.com/feefomit/chizhick/security"
)

var errBlocked = status.Error(codes.PermissionDenied, "blocked")

// IPBlockUnary denies requests whose client address b rejects. The resolved
// address is recorded on the request's Caller.
func IPBlockUnary(b *security.IPBlocker) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		addr, allowed := b.Evaluate(ctx, md)
		if !allowed {
			return nil, errBlocked
		}
		if addr.IsValid() {
			c, _ := contextx.CallerFromContext(ctx)
			c.Addr = addr.String()
			ctx = contextx.WithCaller(ctx, c)
		}
		return handler(ctx, req)
	}
}
