package cache

import (
	"bytes"
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	gocache "github.com/patrickmn/go-cache"
)

// lockSweepInterval is how often expired local locks are purged.
const lockSweepInterval = time.Minute

// Local is an in-process Store. Values are held in a ristretto cache and
// locks in a go-cache table.
//
// Locks taken on a Local store only exclude callers inside the same process.
// When Local serves as the fallback of a Failover store this is the accepted
// weaker guarantee while the shared backend is unreachable.
type Local struct {
	rc    *ristretto.Cache[string, localEntry]
	locks *gocache.Cache

	nowFunc func() time.Time // for testing; defaults to time.Now
}

// localEntry carries its own deadline so expiry follows the store clock
// exactly instead of ristretto's background sweeps.
type localEntry struct {
	val       []byte
	expiresAt time.Time
}

// LocalOption configures a Local store.
type LocalOption func(*Local)

// WithClock replaces the clock used to decide whether an entry has expired.
func WithClock(now func() time.Time) LocalOption {
	return func(l *Local) {
		if now != nil {
			l.nowFunc = now
		}
	}
}

// NewLocal creates a new Local store. maxCost controls the maximum number of
// entries the store can hold (each entry has a cost of 1).
func NewLocal(maxCost int64, opts ...LocalOption) (*Local, error) {
	rc, err := ristretto.NewCache(&ristretto.Config[string, localEntry]{
		NumCounters:        maxCost * 10,
		MaxCost:            maxCost,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	l := &Local{
		rc:      rc,
		locks:   gocache.New(gocache.NoExpiration, lockSweepInterval),
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Get retrieves a value by key. Entries at or past their deadline are
// reported as a miss and dropped.
func (l *Local) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := l.rc.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !l.now().Before(e.expiresAt) {
		l.rc.Del(key)
		return nil, false, nil
	}
	return bytes.Clone(e.val), true, nil
}

// Set stores a value under key with the given TTL.
func (l *Local) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	e := localEntry{val: bytes.Clone(val)}
	if ttl > 0 {
		e.expiresAt = l.now().Add(ttl)
	} else {
		ttl = 0
	}
	if !l.rc.SetWithTTL(key, e, 1, ttl) {
		return ErrRejected
	}
	l.rc.Wait()
	return nil
}

// Delete removes key.
func (l *Local) Delete(_ context.Context, key string) error {
	l.rc.Del(key)
	return nil
}

// TryLock takes lockKey for ttl if it is free or its previous holder's TTL
// has run out.
func (l *Local) TryLock(_ context.Context, lockKey string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return l.locks.Add(lockKey, struct{}{}, ttl) == nil, nil
}

// Unlock releases lockKey.
func (l *Local) Unlock(_ context.Context, lockKey string) error {
	l.locks.Delete(lockKey)
	return nil
}

// Close stops the ristretto workers.
func (l *Local) Close() error {
	l.rc.Close()
	return nil
}

func (l *Local) now() time.Time {
	if l.nowFunc != nil {
		return l.nowFunc()
	}
	return time.Now()
}
