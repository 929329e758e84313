package server

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/feefomit/chizhick/auth"
	"github.com/feefomit/chizhick/ratelimit"
	"github.com/feefomit/chizhick/security"
	"github.com/feefomit/chizhick/tracing"
)

// config is assembled by Options. Interceptor order is fixed by slot, not
// by option order.
type config struct {
	log       *zap.Logger
	recovery  bool
	requestID bool
	accessLog bool
	tracing   *tracing.Config
	blocker   *security.IPBlocker
	authFn    auth.AuthFunc
	limiter   *ratelimit.Limiter
	grpcOpts  []grpc.ServerOption
}

// Option configures a Server.
type Option func(*config)

// WithLogger sets the server logger. Default zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRecovery turns handler panics into codes.Internal.
func WithRecovery() Option {
	return func(c *config) { c.recovery = true }
}

// WithRequestID assigns every request an id, echoed as x-request-id.
func WithRequestID() Option {
	return func(c *config) { c.requestID = true }
}

// WithAccessLog logs every request.
func WithAccessLog() Option {
	return func(c *config) { c.accessLog = true }
}

// WithTracing records a server span per request.
func WithTracing(cfg *tracing.Config) Option {
	return func(c *config) { c.tracing = cfg }
}

// WithIPBlocker filters callers by address.
func WithIPBlocker(b *security.IPBlocker) Option {
	return func(c *config) { c.blocker = b }
}

// WithAPIKey requires the x-api-key metadata on catalog methods. Health
// methods stay open. An empty key disables the check.
func WithAPIKey(key string) Option {
	return func(c *config) {
		if key != "" {
			c.authFn = auth.APIKey(key, healthPrefixes...)
		}
	}
}

// WithAuth installs a custom AuthFunc in place of WithAPIKey.
func WithAuth(fn auth.AuthFunc) Option {
	return func(c *config) { c.authFn = fn }
}

// WithRateLimitGlobal admits at most rps catalog requests per second with
// the given burst. Health methods are not limited.
func WithRateLimitGlobal(rps float64, burst int) Option {
	return func(c *config) {
		if rps > 0 {
			c.limiter = ratelimit.NewLimiter(rps, burst)
		}
	}
}

// WithServerOption passes o to grpc.NewServer.
func WithServerOption(o grpc.ServerOption) Option {
	return func(c *config) { c.grpcOpts = append(c.grpcOpts, o) }
}
