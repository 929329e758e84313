package cache

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func mustNewLocal(t *testing.T, opts ...LocalOption) *Local {
	t.Helper()
	c, err := NewLocal(1000, opts...)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLocal_GetSet(t *testing.T) {
	c := mustNewLocal(t)
	ctx := t.Context()

	// Miss returns false.
	_, ok, err := c.Get(ctx, "tree:1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if ok {
		t.Fatal("expected miss")
	}

	// Set then Get.
	if err := c.Set(ctx, "tree:1", []byte(`{"a":1}`), 0); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	val, ok, err := c.Get(ctx, "tree:1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if !ok {
		t.Fatal("expected hit")
	}
	if string(val) != `{"a":1}` {
		t.Fatalf("got %q, want %q", val, `{"a":1}`)
	}
}

func TestLocal_HoldsMaxCostEntries(t *testing.T) {
	c, err := NewLocal(1000)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	ctx := t.Context()

	const n = 500
	payload := bytes.Repeat([]byte("x"), 4096)
	for i := range n {
		if err := c.Set(ctx, fmt.Sprintf("products:77:%d:1", i), payload, time.Hour); err != nil {
			t.Fatalf("Set %d: %v", i, err)
		}
	}
	hits := 0
	for i := range n {
		if _, ok, _ := c.Get(ctx, fmt.Sprintf("products:77:%d:1", i)); ok {
			hits++
		}
	}
	if hits != n {
		t.Fatalf("hits = %d, want %d", hits, n)
	}
}

func TestLocal_GetReturnsCopy(t *testing.T) {
	c := mustNewLocal(t)
	ctx := t.Context()

	_ = c.Set(ctx, "k", []byte("abc"), time.Minute)
	v, _, _ := c.Get(ctx, "k")
	v[0] = 'x'

	again, _, _ := c.Get(ctx, "k")
	if string(again) != "abc" {
		t.Fatalf("stored value mutated through returned slice: %q", again)
	}
}

func TestLocal_TTLBoundary(t *testing.T) {
	clock := newFakeClock()
	c := mustNewLocal(t, WithClock(clock.Now))
	ctx := t.Context()

	ttl := 12 * time.Hour
	if err := c.Set(ctx, "tree:77", []byte("v"), ttl); err != nil {
		t.Fatalf("Set error: %v", err)
	}

	clock.Advance(ttl - time.Nanosecond)
	if _, ok, _ := c.Get(ctx, "tree:77"); !ok {
		t.Fatal("expected hit just before the deadline")
	}

	clock.Advance(time.Nanosecond)
	if _, ok, _ := c.Get(ctx, "tree:77"); ok {
		t.Fatal("expected miss at the deadline")
	}
}

func TestLocal_TTLExpiresRealClock(t *testing.T) {
	c := mustNewLocal(t)
	ctx := t.Context()

	if err := c.Set(ctx, "ttl", []byte("temp"), 50*time.Millisecond); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "ttl"); !ok {
		t.Fatal("expected hit before TTL")
	}

	time.Sleep(100 * time.Millisecond)

	if _, ok, _ := c.Get(ctx, "ttl"); ok {
		t.Fatal("expected miss after TTL")
	}
}

func TestLocal_Delete(t *testing.T) {
	c := mustNewLocal(t)
	ctx := t.Context()

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	_ = c.Delete(ctx, "k")
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss after Delete")
	}
}

func TestLocal_TryLockExclusive(t *testing.T) {
	c := mustNewLocal(t)
	ctx := t.Context()

	var acquired atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := c.TryLock(ctx, "lock:k", time.Minute); ok {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := acquired.Load(); n != 1 {
		t.Fatalf("lock acquired %d times, want 1", n)
	}

	_ = c.Unlock(ctx, "lock:k")
	if ok, _ := c.TryLock(ctx, "lock:k", time.Minute); !ok {
		t.Fatal("expected lock to be free after Unlock")
	}
}

func TestLocal_TryLockExpires(t *testing.T) {
	c := mustNewLocal(t)
	ctx := t.Context()

	if ok, _ := c.TryLock(ctx, "lock:k", 30*time.Millisecond); !ok {
		t.Fatal("expected first TryLock to succeed")
	}
	if ok, _ := c.TryLock(ctx, "lock:k", 30*time.Millisecond); ok {
		t.Fatal("expected second TryLock to fail while held")
	}

	time.Sleep(60 * time.Millisecond)

	if ok, _ := c.TryLock(ctx, "lock:k", time.Minute); !ok {
		t.Fatal("expected TryLock to succeed after lock TTL")
	}
}
