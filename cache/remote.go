package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// unlockScript deletes a lock only when it is still owned by the caller's
// token, so an expired-and-retaken lock is never released by its old owner.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Remote is a redis-backed Store shared by every process pointing at the
// same redis. Transport errors are returned as-is; wrap a Remote in a
// Failover to degrade to process-local storage instead.
type Remote struct {
	rdb         redis.UniversalClient
	closeClient bool

	mu     sync.Mutex
	tokens map[string]string // lockKey -> owner token
}

// NewRemote creates a Remote store with its own redis client.
func NewRemote(addr, password string, db int) *Remote {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Remote{rdb: rdb, closeClient: true, tokens: make(map[string]string)}
}

// NewRemoteFromClient wraps an existing client. The client is not closed by
// Close.
func NewRemoteFromClient(rdb redis.UniversalClient) *Remote {
	return &Remote{rdb: rdb, tokens: make(map[string]string)}
}

// Get retrieves a value by key. A missing key is (nil, false, nil).
func (r *Remote) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set stores a value under key with the given TTL.
func (r *Remote) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.rdb.Set(ctx, key, val, ttl).Err()
}

// Delete removes key.
func (r *Remote) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

// TryLock runs SET NX PX with a fresh owner token.
func (r *Remote) TryLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	token := newToken()
	ok, err := r.rdb.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	r.mu.Lock()
	r.tokens[lockKey] = token
	r.mu.Unlock()
	return true, nil
}

// Unlock releases lockKey if this store still owns it.
func (r *Remote) Unlock(ctx context.Context, lockKey string) error {
	r.mu.Lock()
	token, ok := r.tokens[lockKey]
	delete(r.tokens, lockKey)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return unlockScript.Run(ctx, r.rdb, []string{lockKey}, token).Err()
}

// Ping checks the redis connection.
func (r *Remote) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the underlying redis client when this store created it.
func (r *Remote) Close() error {
	if !r.closeClient {
		return nil
	}
	if err := r.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

// newToken generates a random hex-encoded lock owner token.
func newToken() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
