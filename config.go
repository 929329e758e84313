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

// config holds the Coordinator configuration assembled via functional
// options.
type config struct {
	store cache.Store
	log   *zap.Logger
	hooks Hooks

	gateCapacity int
	timeout      time.Duration
	jobTimeout   time.Duration
	lockTTL      time.Duration
	missPolicy   MissPolicy
	waitBudget   time.Duration
	pollInterval time.Duration

	warmup               bool
	warmupRetry          retry.Config
	warmupAttemptTimeout time.Duration

	breaker    *breaker.Breaker
	classifier session.Classifier
	middleware []Middleware
	policies   *policy.Resolver
	tracing    *tracing.Config

	nowFunc func() time.Time
}

// fetchConfig holds the per-call options of Fetch.
type fetchConfig struct {
	timeout    time.Duration
	missPolicy MissPolicy
	waitBudget time.Duration
}
