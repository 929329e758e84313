// Package cache provides the TTL-keyed byte store used by the fetch
// coordinator, with an in-process backend (Local), a shared redis backend
// (Remote) and a Failover store that serves from Local whenever Remote is
// unreachable.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrRejected is returned by Local.Set when the write was dropped under
// contention.
var ErrRejected = errors.New("cache: local write rejected")

// Store is the caching contract consumed by the coordinator.
//
// Keys are flat strings following the `<resource-type>:<param>...`
// convention. A zero or negative TTL means the entry has no automatic
// expiration. An entry is visible only while now < expiresAt.
type Store interface {
	// Get retrieves a value by key. The boolean indicates a cache hit.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores val under key with the given TTL.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// TryLock atomically takes lockKey for ttl if nobody holds it and
	// reports whether the lock was acquired.
	TryLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)

	// Unlock releases a lock taken with TryLock.
	Unlock(ctx context.Context, lockKey string) error

	// Close releases resources held by the store.
	Close() error
}

// LockKey returns the lock key guarding computations for key.
func LockKey(key string) string {
	return "lock:" + key
}
