package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Failover combines a shared primary store and an in-process fallback. Every
// call goes to the primary first; if the primary fails, that single call is
// served by the fallback with the same TTL semantics. Failover never returns
// an error from Get, Set, Delete, TryLock or Unlock.
type Failover struct {
	primary  Store
	fallback Store

	log        *zap.Logger
	onDegraded func(op string, err error)

	mu   sync.Mutex
	held map[string]Store // lockKey -> store that granted the lock
}

// FailoverOption configures a Failover store.
type FailoverOption func(*Failover)

// WithLogger sets the logger used to report degraded calls.
func WithLogger(l *zap.Logger) FailoverOption {
	return func(f *Failover) {
		if l != nil {
			f.log = l
		}
	}
}

// WithDegradedHook registers fn to be called whenever a primary call fails
// and the fallback is used. fn must be cheap and non-blocking.
func WithDegradedHook(fn func(op string, err error)) FailoverOption {
	return func(f *Failover) {
		f.onDegraded = fn
	}
}

// NewFailover creates a Failover store.
func NewFailover(primary, fallback Store, opts ...FailoverOption) *Failover {
	f := &Failover{
		primary:  primary,
		fallback: fallback,
		log:      zap.NewNop(),
		held:     make(map[string]Store),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Get reads from the primary, or from the fallback when the primary fails.
func (f *Failover) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := f.primary.Get(ctx, key)
	if err == nil {
		return v, ok, nil
	}
	f.degraded("get", key, err)

	v, ok, err = f.fallback.Get(ctx, key)
	if err != nil {
		f.log.Warn("fallback cache get failed", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
	return v, ok, nil
}

// Set writes to the primary, or to the fallback when the primary fails.
func (f *Failover) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	err := f.primary.Set(ctx, key, val, ttl)
	if err == nil {
		return nil
	}
	f.degraded("set", key, err)

	if err := f.fallback.Set(ctx, key, val, ttl); err != nil {
		f.log.Warn("fallback cache set failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Delete removes key from both stores.
func (f *Failover) Delete(ctx context.Context, key string) error {
	if err := f.primary.Delete(ctx, key); err != nil {
		f.degraded("delete", key, err)
	}
	_ = f.fallback.Delete(ctx, key)
	return nil
}

// TryLock takes the lock on the primary, or on the fallback when the primary
// fails. The granting store is remembered so Unlock reaches it.
func (f *Failover) TryLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	owner := f.primary
	ok, err := f.primary.TryLock(ctx, lockKey, ttl)
	if err != nil {
		f.degraded("trylock", lockKey, err)
		owner = f.fallback
		ok, err = f.fallback.TryLock(ctx, lockKey, ttl)
		if err != nil {
			f.log.Warn("fallback lock failed", zap.String("lock", lockKey), zap.Error(err))
			return false, nil
		}
	}
	if ok {
		f.mu.Lock()
		f.held[lockKey] = owner
		f.mu.Unlock()
	}
	return ok, nil
}

// Unlock releases lockKey on the store that granted it. If the primary
// cannot be reached the lock is left to expire by its TTL.
func (f *Failover) Unlock(ctx context.Context, lockKey string) error {
	f.mu.Lock()
	owner, ok := f.held[lockKey]
	delete(f.held, lockKey)
	f.mu.Unlock()
	if !ok {
		return nil
	}
	if err := owner.Unlock(ctx, lockKey); err != nil {
		f.degraded("unlock", lockKey, err)
	}
	return nil
}

// Close closes both stores.
func (f *Failover) Close() error {
	var result *multierror.Error
	if err := f.primary.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := f.fallback.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (f *Failover) degraded(op, key string, err error) {
	f.log.Warn("cache backend degraded, using local fallback",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
	if f.onDegraded != nil {
		f.onDegraded(op, err)
	}
}
