package chizhick

import (
	"time"

	"go.uber.org/zap"

	"github.com/feefomit/chizhick/breaker"
	"github.com/feefomit/chizhick/cache"
	"github.com/feefomit/chizhick/policy"
	"github.com/feefomit/chizhick/retry"
	"github.com/feefomit/chizhick/session"
	"github.com/feefomit/chizhick/tracing"
)

// MissPolicy decides what a caller does when another caller already
// computes the key it missed.
type MissPolicy int

const (
	// MissReturnInProgress returns ErrComputationInProgress immediately.
	MissReturnInProgress MissPolicy = iota
	// MissWait polls the cache until the value appears or the wait budget
	// is spent.
	MissWait
)

func (p MissPolicy) String() string {
	if p == MissWait {
		return "wait"
	}
	return "return_in_progress"
}

// Option configures a Coordinator.
type Option func(*config)

// WithStore sets the cache backend. The Coordinator closes it on Shutdown.
// Without it an in-process cache.Local is used.
func WithStore(s cache.Store) Option {
	return func(c *config) { c.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithHooks sets the event hooks.
func WithHooks(h Hooks) Option {
	return func(c *config) {
		if h != nil {
			c.hooks = h
		}
	}
}

// WithGateCapacity sets how many upstream calls may run at once.
func WithGateCapacity(n int) Option {
	return func(c *config) { c.gateCapacity = n }
}

// WithDefaultTimeout sets how long a caller waits for its own computation.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithJobTimeout sets the hard limit of one computation.
func WithJobTimeout(d time.Duration) Option {
	return func(c *config) { c.jobTimeout = d }
}

// WithLockTTL sets the lifetime of the per-key computation lock. It must
// exceed the job timeout; the default is job timeout plus 30s.
func WithLockTTL(d time.Duration) Option {
	return func(c *config) { c.lockTTL = d }
}

// WithDefaultMissPolicy sets the miss policy used when a call does not
// choose one.
func WithDefaultMissPolicy(p MissPolicy) Option {
	return func(c *config) { c.missPolicy = p }
}

// WithDefaultWaitBudget sets the MissWait budget used when a call does not
// choose one.
func WithDefaultWaitBudget(d time.Duration) Option {
	return func(c *config) { c.waitBudget = d }
}

// WithPollInterval sets the MissWait polling period.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) { c.pollInterval = d }
}

// WithWarmupRetry sets the warmup attempt budget and backoff.
func WithWarmupRetry(cfg retry.Config) Option {
	return func(c *config) { c.warmupRetry = cfg }
}

// WithWarmupAttemptTimeout bounds each warmup attempt.
func WithWarmupAttemptTimeout(d time.Duration) Option {
	return func(c *config) { c.warmupAttemptTimeout = d }
}

// WithoutWarmup makes the Coordinator ready immediately; the session is
// created by the first computation.
func WithoutWarmup() Option {
	return func(c *config) { c.warmup = false }
}

// WithBreaker stops calling a repeatedly crashing upstream until b lets
// calls through again.
func WithBreaker(b *breaker.Breaker) Option {
	return func(c *config) { c.breaker = b }
}

// WithCrashClassifier replaces session.DefaultClassifier.
func WithCrashClassifier(fn session.Classifier) Option {
	return func(c *config) { c.classifier = fn }
}

// WithMiddleware wraps every computation with mw, outermost first.
func WithMiddleware(mw ...Middleware) Option {
	return func(c *config) { c.middleware = append(c.middleware, mw...) }
}

// WithPolicies replaces DefaultPolicies for the catalog methods.
func WithPolicies(r *policy.Resolver) Option {
	return func(c *config) {
		if r != nil {
			c.policies = r
		}
	}
}

// WithTracing records a span per Fetch.
func WithTracing(cfg *tracing.Config) Option {
	return func(c *config) { c.tracing = cfg }
}

// FetchOption configures a single Fetch call.
type FetchOption func(*fetchConfig)

// WithTimeout bounds how long this caller waits for a computation it
// started. The computation itself keeps running.
func WithTimeout(d time.Duration) FetchOption {
	return func(fc *fetchConfig) {
		if d > 0 {
			fc.timeout = d
		}
	}
}

// WithMissPolicy sets the miss policy for this call.
func WithMissPolicy(p MissPolicy) FetchOption {
	return func(fc *fetchConfig) { fc.missPolicy = p }
}

// WithWaitBudget sets the MissWait budget for this call.
func WithWaitBudget(d time.Duration) FetchOption {
	return func(fc *fetchConfig) {
		if d > 0 {
			fc.waitBudget = d
		}
	}
}
