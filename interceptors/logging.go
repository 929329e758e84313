package interceptors

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/feefomit/chizhick/contextx"
)

// LoggingUnary writes one access log line per request. Server faults log
// at warn, everything else at debug.
func LoggingUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		level := zapcore.DebugLevel
		switch code {
		case codes.Internal, codes.Unknown, codes.DataLoss:
			level = zapcore.WarnLevel
		}
		if ce := log.Check(level, "request"); ce != nil {
			fields := []zap.Field{
				zap.String("method", info.FullMethod),
				zap.Stringer("code", code),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", contextx.RequestIDFromContext(ctx)),
			}
			if c, ok := contextx.CallerFromContext(ctx); ok {
				fields = append(fields, zap.String("key_id", c.KeyID), zap.String("addr", c.Addr))
			}
			if err != nil {
				fields = append(fields, zap.Error(err))
			}
			ce.Write(fields...)
		}
		return resp, err
	}
}
