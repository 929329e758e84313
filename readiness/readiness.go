// Package readiness tracks the one-time warmup of the upstream.
//
// Warmup runs in the background; until it has succeeded every Check returns
// a not-ready error so callers can answer "retry later" immediately instead
// of blocking for the minutes a cold start can take.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/feefomit/chizhick/retry"
)

// Phase of the warmup.
type Phase int

const (
	NotStarted Phase = iota
	Preparing
	Ready
	Failed
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not_started"
	case Preparing:
		return "preparing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

var (
	// ErrNotReady is returned by Check while the warmup has not finished.
	ErrNotReady = errors.New("readiness: warming up, retry later")

	// ErrWarmupFailed matches the *FailedError returned once warmup gave up.
	ErrWarmupFailed = errors.New("readiness: warmup failed")
)

// FailedError is the terminal warmup failure.
type FailedError struct {
	Attempts int
	Err      error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("readiness: warmup failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

// Is matches ErrWarmupFailed and ErrNotReady: a failed warmup is also a
// not-ready condition for callers.
func (e *FailedError) Is(target error) bool {
	return target == ErrWarmupFailed || target == ErrNotReady
}

// State is a snapshot of the warmup.
type State struct {
	Phase    Phase
	Attempts int
	Err      error
	Since    time.Time
}

// PrepareFunc performs one warmup attempt.
type PrepareFunc func(ctx context.Context) error

// Option configures a Gate.
type Option func(*Gate)

// WithRetry sets the attempt budget and backoff.
func WithRetry(cfg retry.Config) Option {
	return func(g *Gate) { g.retry = cfg }
}

// WithAttemptTimeout bounds each attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(g *Gate) { g.attemptTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.log = l
		}
	}
}

// WithPhaseHook registers fn to be called on every phase change.
func WithPhaseHook(fn func(Phase)) Option {
	return func(g *Gate) { g.onPhase = fn }
}

// Gate reports whether the upstream finished warming up.
type Gate struct {
	prepare        PrepareFunc
	retry          retry.Config
	attemptTimeout time.Duration
	log            *zap.Logger
	onPhase        func(Phase)
	nowFunc        func() time.Time

	mu    sync.RWMutex
	state State

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// DefaultRetry is used when WithRetry is not given.
func DefaultRetry() retry.Config {
	return retry.Config{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    time.Minute,
		Jitter:      0.2,
	}
}

// New creates a Gate in phase NotStarted.
func New(prepare PrepareFunc, opts ...Option) *Gate {
	g := &Gate{
		prepare: prepare,
		retry:   DefaultRetry(),
		log:     zap.NewNop(),
		nowFunc: time.Now,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	g.state = State{Phase: NotStarted, Since: g.nowFunc()}
	return g
}

// NewReady returns a Gate that is Ready without any warmup.
func NewReady() *Gate {
	g := New(nil)
	g.state.Phase = Ready
	g.once.Do(func() { close(g.done) })
	return g
}

// Start launches the warmup in the background. Only the first call has an
// effect. Cancelling ctx or calling Stop aborts it.
func (g *Gate) Start(ctx context.Context) {
	g.once.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		g.mu.Lock()
		g.cancel = cancel
		g.mu.Unlock()
		g.setPhase(Preparing, 0, nil)
		go g.run(ctx)
	})
}

// Check returns nil once Ready, ErrNotReady while warming up, and a
// *FailedError after the warmup gave up.
func (g *Gate) Check() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	switch g.state.Phase {
	case Ready:
		return nil
	case Failed:
		return &FailedError{Attempts: g.state.Attempts, Err: g.state.Err}
	default:
		return ErrNotReady
	}
}

// State returns a snapshot.
func (g *Gate) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Done is closed when the warmup ends, successfully or not.
func (g *Gate) Done() <-chan struct{} { return g.done }

// Stop aborts a running warmup and waits for it. It is a no-op if Start was
// never called.
func (g *Gate) Stop() {
	g.mu.RLock()
	cancel := g.cancel
	g.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-g.done
}

func (g *Gate) run(ctx context.Context) {
	defer close(g.done)

	attempts := 0
	cfg := g.retry
	userOnRetry := cfg.OnRetry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		g.log.Warn("upstream warmup attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("next_in", delay),
			zap.Error(err),
		)
		g.setPhase(Preparing, attempt, err)
		if userOnRetry != nil {
			userOnRetry(attempt, err, delay)
		}
	}

	_, err := retry.Do(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		attempts++
		if g.attemptTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.attemptTimeout)
			defer cancel()
		}
		return struct{}{}, g.prepare(ctx)
	})
	if err != nil {
		g.log.Error("upstream warmup gave up", zap.Int("attempts", attempts), zap.Error(err))
		g.setPhase(Failed, attempts, err)
		return
	}
	g.log.Info("upstream ready", zap.Int("attempts", attempts))
	g.setPhase(Ready, attempts, nil)
}

func (g *Gate) setPhase(p Phase, attempts int, err error) {
	g.mu.Lock()
	changed := g.state.Phase != p
	g.state.Phase = p
	g.state.Attempts = attempts
	g.state.Err = err
	if changed {
		g.state.Since = g.nowFunc()
	}
	g.mu.Unlock()
	if changed && g.onPhase != nil {
		g.onPhase(p)
	}
}
