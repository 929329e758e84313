// Command chizhick serves the Chizhik catalog over gRPC with caching and
// coalescing in front of the upstream web API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/feefomit/chizhick"
	"github.com/feefomit/chizhick/breaker"
	"github.com/feefomit/chizhick/cache"
	"github.com/feefomit/chizhick/extractor"
	"github.com/feefomit/chizhick/metrics"
	"github.com/feefomit/chizhick/ratelimit"
	"github.com/feefomit/chizhick/security"
	"github.com/feefomit/chizhick/server"
	"github.com/feefomit/chizhick/tracing"
)

// Config is read from CHIZHIK_* environment variables.
type Config struct {
	Proxy     string `envconfig:"proxy"`
	UserAgent string `envconfig:"user_agent"`
	BaseURL   string `envconfig:"base_url" default:"https://app.chizhik.club/api/v1/"`
	APIKey    string `envconfig:"api_key"`

	GRPCAddr string `envconfig:"grpc_addr" default:":50051"`
	HTTPAddr string `envconfig:"http_addr" default:":9090"`

	RedisAddr     string `envconfig:"redis_addr"`
	RedisPassword string `envconfig:"redis_password"`
	RedisDB       int    `envconfig:"redis_db"`
	LocalEntries  int64  `envconfig:"local_entries" default:"100000"`

	TTLOffers   time.Duration `envconfig:"ttl_offers"`
	TTLCities   time.Duration `envconfig:"ttl_cities"`
	TTLTree     time.Duration `envconfig:"ttl_tree"`
	TTLProducts time.Duration `envconfig:"ttl_products"`

	Timeout        time.Duration `envconfig:"timeout" default:"30s"`
	JobTimeout     time.Duration `envconfig:"job_timeout" default:"3m"`
	RequestTimeout time.Duration `envconfig:"request_timeout" default:"30s"`
	GateCapacity   int           `envconfig:"gate_capacity" default:"1"`
	UpstreamRPS    float64       `envconfig:"upstream_rps"`

	WarmupAttempts int           `envconfig:"warmup_attempts" default:"6"`
	WarmupTimeout  time.Duration `envconfig:"warmup_timeout" default:"1m"`

	RateLimitRPS   float64 `envconfig:"rate_limit_rps"`
	RateLimitBurst int     `envconfig:"rate_limit_burst" default:"20"`

	IPFilterMode   string   `envconfig:"ip_filter_mode"`
	IPFilterCIDRs  []string `envconfig:"ip_filter_cidrs"`
	TrustedProxies []string `envconfig:"trusted_proxies"`

	TraceStdout bool `envconfig:"trace_stdout"`
	Debug       bool `envconfig:"debug"`
}

func main() {
	var cfg Config
	if err := envconfig.Process("chizhik", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log, err := newLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("chizhick stopped", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	hooks, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	var tc *tracing.Config
	if cfg.TraceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("stdout exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		tc = &tracing.Config{TracerProvider: tp}
	}

	store, err := newStore(cfg, log, hooks)
	if err != nil {
		return err
	}

	factory := extractor.NewHTTPFactory(
		extractor.WithBaseURL(cfg.BaseURL),
		extractor.WithProxy(cfg.Proxy),
		extractor.WithUserAgent(cfg.UserAgent),
		extractor.WithRequestTimeout(cfg.RequestTimeout),
		extractor.WithLogger(log.Named("extractor")),
	)

	bcfg := breaker.DefaultConfig()
	bcfg.OnStateChange = func(from, to breaker.State) {
		log.Warn("upstream breaker changed state", zap.Stringer("from", from), zap.Stringer("to", to))
	}

	warmup := chizhick.DefaultWarmupRetry()
	warmup.MaxAttempts = cfg.WarmupAttempts

	opts := []chizhick.Option{
		chizhick.WithStore(store),
		chizhick.WithLogger(log.Named("coordinator")),
		chizhick.WithHooks(hooks),
		chizhick.WithGateCapacity(cfg.GateCapacity),
		chizhick.WithDefaultTimeout(cfg.Timeout),
		chizhick.WithJobTimeout(cfg.JobTimeout),
		chizhick.WithWarmupRetry(warmup),
		chizhick.WithWarmupAttemptTimeout(cfg.WarmupTimeout),
		chizhick.WithBreaker(breaker.New(bcfg)),
		chizhick.WithPolicies(chizhick.CatalogPolicies(chizhick.CatalogTTLs{
			ActiveOffers: cfg.TTLOffers,
			Cities:       cfg.TTLCities,
			Tree:         cfg.TTLTree,
			Products:     cfg.TTLProducts,
		})),
		chizhick.WithTracing(tc),
	}
	if cfg.UpstreamRPS > 0 {
		opts = append(opts, chizhick.WithMiddleware(chizhick.Paced(ratelimit.NewLimiter(cfg.UpstreamRPS, 1))))
	}
	coord, err := chizhick.New(factory, opts...)
	if err != nil {
		return err
	}
	if err := hooks.TrackSession(coord); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	coord.Start(ctx)

	srvOpts := []server.Option{
		server.WithLogger(log.Named("grpc")),
		server.WithRecovery(),
		server.WithRequestID(),
		server.WithAccessLog(),
		server.WithTracing(tc),
		server.WithAPIKey(cfg.APIKey),
		server.WithRateLimitGlobal(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	if cfg.IPFilterMode != "" {
		mode, err := security.ParseMode(cfg.IPFilterMode)
		if err != nil {
			return err
		}
		blocker, err := security.NewIPBlocker(security.Config{
			Mode:           mode,
			CIDRs:          cfg.IPFilterCIDRs,
			TrustedProxies: cfg.TrustedProxies,
		})
		if err != nil {
			return fmt.Errorf("ip filter: %w", err)
		}
		srvOpts = append(srvOpts, server.WithIPBlocker(blocker))
	}
	srv := server.NewServer(srvOpts...)
	srv.RegisterCatalog(coord)
	srv.RegisterHealth(coord)
	go srv.WatchReadiness(ctx, coord.Ready, time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.HTTPHandler(coord, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 2)
	go func() { errc <- srv.Serve(lis) }()
	go func() {
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	log.Info("chizhick started",
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.Bool("redis", cfg.RedisAddr != ""),
		zap.Int("gate_capacity", cfg.GateCapacity),
	)

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errc:
		log.Error("listener failed", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Stop(shutdownCtx)
	_ = httpSrv.Shutdown(shutdownCtx)
	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Warn("coordinator shutdown", zap.Error(err))
	}
	return serveErr
}

// newStore returns redis with a local fallback when CHIZHIK_REDIS_ADDR is
// set, otherwise the local store alone.
func newStore(cfg Config, log *zap.Logger, hooks *metrics.Prometheus) (cache.Store, error) {
	local, err := cache.NewLocal(cfg.LocalEntries)
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	if cfg.RedisAddr == "" {
		return local, nil
	}
	remote := cache.NewRemote(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := remote.Ping(pingCtx); err != nil {
		log.Warn("redis unreachable at startup, serving from local cache until it recovers",
			zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	return cache.NewFailover(remote, local,
		cache.WithLogger(log.Named("cache")),
		cache.WithDegradedHook(hooks.CacheDegraded),
	), nil
}
