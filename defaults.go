package chizhick

import (
	"time"

	"github.com/feefomit/chizhick/policy"
	"github.com/feefomit/chizhick/retry"
)

const (
	// DefaultTimeout is how long a caller waits for a computation it started.
	DefaultTimeout = 30 * time.Second

	// DefaultJobTimeout is the hard limit of one computation, retry included.
	DefaultJobTimeout = 3 * time.Minute

	// DefaultTTL applies to catalog keys whose policy has no TTL.
	DefaultTTL = time.Hour

	// DefaultWaitBudget bounds MissWait polling.
	DefaultWaitBudget = 10 * time.Second

	// DefaultPollInterval is the MissWait cache polling period.
	DefaultPollInterval = 250 * time.Millisecond

	// DefaultLocalMaxCost is the entry budget of the default in-process store.
	DefaultLocalMaxCost = 100_000

	// unlockTimeout bounds lock release once a job has ended.
	unlockTimeout = 5 * time.Second

	// shutdownGrace is how long Shutdown waits for cancelled jobs to return.
	shutdownGrace = 5 * time.Second
)

// DefaultWarmupRetry is the warmup attempt budget used by New.
func DefaultWarmupRetry() retry.Config {
	return retry.Config{
		MaxAttempts: 6,
		BaseDelay:   2 * time.Second,
		MaxDelay:    time.Minute,
		Jitter:      0.2,
	}
}

// DefaultPolicies returns the per-resource policies of the catalog methods.
func DefaultPolicies() *policy.Resolver {
	return CatalogPolicies(CatalogTTLs{})
}

// CatalogTTLs overrides the TTL of each catalog resource. Zero keeps the
// resource default.
type CatalogTTLs struct {
	ActiveOffers time.Duration
	Cities       time.Duration
	Tree         time.Duration
	Products     time.Duration
}

// CatalogPolicies returns the catalog policies with the given TTLs.
func CatalogPolicies(ttl CatalogTTLs) *policy.Resolver {
	return policy.NewResolver(
		policy.Group("offers").Exact(KeyActiveOffers).Policy(policy.Policy{TTL: coalesce(ttl.ActiveOffers, TTLActiveOffers)}),
		policy.Group("cities").Prefix(prefixCities).Policy(policy.Policy{TTL: coalesce(ttl.Cities, TTLCities)}),
		policy.Group("tree").Prefix(prefixTree).Policy(policy.Policy{TTL: coalesce(ttl.Tree, TTLTree)}),
		policy.Group("products").Prefix(prefixProducts).Policy(policy.Policy{TTL: coalesce(ttl.Products, TTLProducts)}),
	)
}

func defaultConfig() config {
	return config{
		hooks:        NopHooks{},
		gateCapacity: 1,
		timeout:      DefaultTimeout,
		jobTimeout:   DefaultJobTimeout,
		missPolicy:   MissReturnInProgress,
		waitBudget:   DefaultWaitBudget,
		pollInterval: DefaultPollInterval,
		warmup:       true,
		warmupRetry:  DefaultWarmupRetry(),
		policies:     DefaultPolicies(),
		nowFunc:      time.Now,
	}
}

// coalesce returns def when v is the zero value of T, otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
