package chizhick

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/feefomit/chizhick/cache"
	"github.com/feefomit/chizhick/extractor"
	"github.com/feefomit/chizhick/gate"
	"github.com/feefomit/chizhick/readiness"
	"github.com/feefomit/chizhick/retry"
	"github.com/feefomit/chizhick/session"
	"github.com/feefomit/chizhick/tracing"
)

// sessionCloseTimeout bounds the session teardown in Shutdown.
const sessionCloseTimeout = 10 * time.Second

// Coordinator decides, for every query, whether to answer from cache, start
// a computation, or report that the answer is not available yet.
//
//	c, err := chizhick.New(extractor.NewHTTPFactory(), chizhick.WithStore(store))
//	c.Start(ctx)
//	defer c.Shutdown(ctx)
//	tree, err := c.Tree(ctx, "77")
type Coordinator struct {
	cfg     config
	store   cache.Store
	session *session.Session
	gate    *gate.Gate
	ready   *readiness.Gate
	sched   *scheduler
}

// New creates a Coordinator. Nothing contacts the upstream until Start or
// the first computation.
func New(factory extractor.Factory, opts ...Option) (*Coordinator, error) {
	if factory == nil {
		return nil, errors.New("chizhick: nil extractor factory")
	}
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	cfg.log = coalesce(cfg.log, zap.NewNop())
	cfg.timeout = coalesce(cfg.timeout, DefaultTimeout)
	cfg.jobTimeout = coalesce(cfg.jobTimeout, DefaultJobTimeout)
	cfg.lockTTL = coalesce(cfg.lockTTL, cfg.jobTimeout+30*time.Second)
	cfg.waitBudget = coalesce(cfg.waitBudget, DefaultWaitBudget)
	cfg.pollInterval = coalesce(cfg.pollInterval, DefaultPollInterval)
	if cfg.lockTTL < cfg.jobTimeout {
		return nil, fmt.Errorf("chizhick: lock TTL %v is shorter than job timeout %v", cfg.lockTTL, cfg.jobTimeout)
	}

	store := cfg.store
	if store == nil {
		local, err := cache.NewLocal(DefaultLocalMaxCost)
		if err != nil {
			return nil, fmt.Errorf("chizhick: default store: %w", err)
		}
		store = local
	}

	sessOpts := []session.Option{
		session.WithLogger(cfg.log.Named("session")),
		session.WithClassifier(cfg.classifier),
		session.WithRestartHook(cfg.hooks.UpstreamRestarted),
	}
	if cfg.breaker != nil {
		sessOpts = append(sessOpts, session.WithBreaker(cfg.breaker))
	}
	sess := session.New(factory, sessOpts...)

	c := &Coordinator{
		cfg:     cfg,
		store:   store,
		session: sess,
		gate:    gate.New(cfg.gateCapacity),
	}
	if cfg.warmup {
		c.ready = readiness.New(c.warmup,
			readiness.WithRetry(cfg.warmupRetry),
			readiness.WithAttemptTimeout(cfg.warmupAttemptTimeout),
			readiness.WithLogger(cfg.log.Named("readiness")),
			readiness.WithPhaseHook(cfg.hooks.WarmupPhase),
		)
	} else {
		c.ready = readiness.NewReady()
	}
	c.sched = newScheduler(store, c.gate, sess, &c.cfg)
	return c, nil
}

// Start begins warming up the upstream in the background and returns at
// once. Until the warmup succeeds Fetch returns ErrNotReady.
func (c *Coordinator) Start(ctx context.Context) {
	c.ready.Start(ctx)
}

// warmup brings the session up. A closed session is not retried.
func (c *Coordinator) warmup(ctx context.Context) error {
	_, _, err := c.session.Ensure(ctx)
	if errors.Is(err, session.ErrSessionClosed) {
		return retry.Permanent(err)
	}
	return err
}

// Ready reports the readiness of the upstream: nil, ErrNotReady, or the
// warmup failure.
func (c *Coordinator) Ready() error {
	return c.ready.Check()
}

// Readiness returns a snapshot of the warmup.
func (c *Coordinator) Readiness() readiness.State {
	return c.ready.State()
}

// Session returns the liveness and generation of the upstream session.
func (c *Coordinator) Session() (session.Liveness, uint64) {
	return c.session.State()
}

// Fetch returns the value of key, computing it with compute on a miss and
// caching the result for ttl.
//
// Errors are *FetchError: ErrNotReady while the upstream warms up,
// ErrComputationInProgress while another caller computes key,
// ErrUpstreamTimeout when the caller's wait ends first, ErrUpstreamCrash or
// ErrUpstreamFailure when the computation failed.
func (c *Coordinator) Fetch(ctx context.Context, key string, ttl time.Duration, compute Compute, opts ...FetchOption) (val []byte, err error) {
	start := c.cfg.nowFunc()
	outcome := OutcomeHit
	ctx, span := tracing.StartFetch(ctx, c.cfg.tracing, key)
	defer func() {
		if err != nil {
			outcome = outcomeOf(err)
		}
		tracing.EndFetch(span, outcome.String(), err, IsPending(err))
		c.cfg.hooks.FetchDone(key, outcome, c.cfg.nowFunc().Sub(start))
	}()

	fc := fetchConfig{
		timeout:    c.cfg.timeout,
		missPolicy: c.cfg.missPolicy,
		waitBudget: c.cfg.waitBudget,
	}
	for _, o := range opts {
		o(&fc)
	}

	if c.sched.isClosed() {
		return nil, fetchErr(KindNotReady, key, ErrShutdown)
	}
	if rerr := c.ready.Check(); rerr != nil {
		if errors.Is(rerr, readiness.ErrWarmupFailed) {
			return nil, fetchErr(KindNotReady, key, rerr)
		}
		return nil, fetchErr(KindNotReady, key, nil)
	}

	if v, ok := c.sched.lookup(ctx, key); ok {
		return v, nil
	}

	v, hit, err := c.sched.miss(ctx, key, ttl, Wrap(compute, c.cfg.middleware...), fc)
	if err != nil {
		return nil, err
	}
	if !hit {
		outcome = OutcomeComputed
	}
	return v, nil
}

// Invalidate drops key from the cache.
func (c *Coordinator) Invalidate(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.sched.degraded("delete", key, err)
	}
}

// Shutdown stops new computations, waits for running ones until ctx is
// done, cancels the remainder, then stops the warmup and closes the session
// and the store.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	if err := c.sched.shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("computations: %w", err))
	}
	c.ready.Stop()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionCloseTimeout)
	defer cancel()
	if err := c.session.Close(sctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("session: %w", err))
	}
	if err := c.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("store: %w", err))
	}
	return result.ErrorOrNil()
}
