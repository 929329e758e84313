package interceptors

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/feefomit/chizhick/contextx"
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "x-request-id"

// maxRequestIDLen bounds a caller-supplied request id.
const maxRequestIDLen = 64

func newRequestID() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

// requestID returns the caller's x-request-id when it is usable, otherwise
// a fresh one.
func requestID(ctx context.Context) string {
	if id := contextx.RequestIDFromContext(ctx); id != "" {
		return id
	}
	md, _ := metadata.FromIncomingContext(ctx)
	if vals := md.Get(HeaderRequestID); len(vals) > 0 && vals[0] != "" && len(vals[0]) <= maxRequestIDLen {
		return vals[0]
	}
	return newRequestID()
}

// RequestIDUnary puts a request id in the context and echoes it in the
// response header.
func RequestIDUnary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		id := requestID(ctx)
		// Fails only outside a real server transport, e.g. in tests.
		_ = grpc.SetHeader(ctx, metadata.Pairs(HeaderRequestID, id))
		return handler(contextx.WithRequestID(ctx, id), req)
	}
}
