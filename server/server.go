// Package server exposes a Coordinator over gRPC: the chizhick.Catalog
// service, the chizhick.Health probe, the standard grpc.health.v1 service,
// and an HTTP side port for metrics and probes.
package server

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/feefomit/chizhick/interceptors"
	"github.com/feefomit/chizhick/internal/core"
	"github.com/feefomit/chizhick/ping"
	"github.com/feefomit/chizhick/tracing"
)

// healthPrefixes are exempt from API keys and rate limits.
var healthPrefixes = []string{"/" + ping.ServiceName + "/", "/grpc.health.v1.Health/"}

// Server wraps a grpc.Server with the catalog interceptor chain.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	log        *zap.Logger
	chain      []string
}

// NewServer builds the interceptor chain from opts. Interceptors run in
// this order: recovery, request id, tracing, access log, IP filter, auth,
// rate limit.
func NewServer(opts ...Option) *Server {
	cfg := config{log: zap.NewNop()}
	for _, o := range opts {
		o(&cfg)
	}

	var mw core.MiddlewareBuilder
	if cfg.recovery {
		mw.Add("recovery", core.OrderRecovery, interceptors.RecoveryUnary(cfg.log))
	}
	if cfg.requestID {
		mw.Add("request_id", core.OrderRequestID, interceptors.RequestIDUnary())
	}
	if cfg.tracing != nil {
		mw.Add("tracing", core.OrderTracing, tracing.UnaryServerInterceptor(cfg.tracing))
	}
	if cfg.accessLog {
		mw.Add("access_log", core.OrderLogging, interceptors.LoggingUnary(cfg.log.Named("access")))
	}
	if cfg.blocker != nil {
		mw.Add("ip_block", core.OrderIPBlock, interceptors.IPBlockUnary(cfg.blocker))
	}
	if cfg.authFn != nil {
		mw.Add("auth", core.OrderAuth, interceptors.AuthUnary(cfg.authFn))
	}
	if cfg.limiter != nil {
		mw.Add("rate_limit", core.OrderRateLimit, interceptors.RateLimitUnary(cfg.limiter, healthPrefixes...))
	}

	serverOpts := core.BuildServerOptions(mw.Build(), interceptors.ChainUnary, cfg.grpcOpts...)
	return &Server{
		grpcServer: grpc.NewServer(serverOpts...),
		health:     health.NewServer(),
		log:        cfg.log,
		chain:      mw.Names(),
	}
}

// GRPC returns the underlying *grpc.Server so callers can register services.
func (s *Server) GRPC() *grpc.Server {
	return s.grpcServer
}

// Interceptors lists the installed interceptors in execution order.
func (s *Server) Interceptors() []string {
	return s.chain
}

// RegisterCatalog registers chizhick.Catalog backed by c.
func (s *Server) RegisterCatalog(c Catalog) {
	RegisterCatalogServer(s.grpcServer, NewCatalogServer(c, s.log))
}

// RegisterHealth registers chizhick.Health and grpc.health.v1.Health
// reporting on src. The standard service starts NOT_SERVING; WatchReadiness
// keeps it current.
func (s *Server) RegisterHealth(src ping.Source) {
	ping.Register(s.grpcServer, ping.NewHandler(src))
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(CatalogServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
}

// WatchReadiness polls ready every interval and mirrors it in the standard
// health service until ctx is done.
func (s *Server) WatchReadiness(ctx context.Context, ready func() error, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if ready() == nil {
			st = healthpb.HealthCheckResponse_SERVING
		}
		if st != last {
			s.health.SetServingStatus("", st)
			s.health.SetServingStatus(CatalogServiceName, st)
			s.log.Info("serving status changed", zap.Stringer("status", st))
			last = st
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Stop drains in-flight RPCs until ctx is done, then closes every
// connection.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("forcing server stop")
		s.grpcServer.Stop()
		<-done
	}
}
