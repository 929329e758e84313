package chizhick

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/feefomit/chizhick/cache"
	"github.com/feefomit/chizhick/extractor"
	"github.com/feefomit/chizhick/readiness"
)

// stubClient is an in-memory extractor session.
type stubClient struct {
	id     int
	closed atomic.Bool
	tree   func(ctx context.Context, id int, cityID string) (json.RawMessage, error)
}

func (c *stubClient) ActiveOffers(context.Context) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, extractor.ErrClosed
	}
	return json.RawMessage(`{"offers":[]}`), nil
}

func (c *stubClient) Cities(_ context.Context, search string, page int) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, extractor.ErrClosed
	}
	return json.RawMessage(fmt.Sprintf(`{"search":%q,"page":%d}`, search, page)), nil
}

func (c *stubClient) Tree(ctx context.Context, cityID string) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, extractor.ErrClosed
	}
	if c.tree != nil {
		return c.tree(ctx, c.id, cityID)
	}
	return json.RawMessage(fmt.Sprintf(`{"city":%q,"client":%d}`, cityID, c.id)), nil
}

func (c *stubClient) Products(_ context.Context, cityID string, categoryID, page int) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, extractor.ErrClosed
	}
	return json.RawMessage(fmt.Sprintf(`{"city":%q,"category":%d,"page":%d}`, cityID, categoryID, page)), nil
}

func (c *stubClient) Close(context.Context) error {
	c.closed.Store(true)
	return nil
}

// stubFactory creates stubClients. When hold is non-nil every creation
// waits for it to be closed.
type stubFactory struct {
	tree func(ctx context.Context, id int, cityID string) (json.RawMessage, error)
	hold chan struct{}

	mu      sync.Mutex
	err     error
	clients []*stubClient
}

func (f *stubFactory) New(ctx context.Context) (extractor.Client, error) {
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &stubClient{id: len(f.clients) + 1, tree: f.tree}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *stubFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// recordingHooks captures coordinator events.
type recordingHooks struct {
	NopHooks

	mu       sync.Mutex
	outcomes []Outcome
	degraded []string
	restarts []uint64
	phases   []readiness.Phase
}

func (h *recordingHooks) FetchDone(_ string, o Outcome, _ time.Duration) {
	h.mu.Lock()
	h.outcomes = append(h.outcomes, o)
	h.mu.Unlock()
}

func (h *recordingHooks) CacheDegraded(op string, _ error) {
	h.mu.Lock()
	h.degraded = append(h.degraded, op)
	h.mu.Unlock()
}

func (h *recordingHooks) UpstreamRestarted(gen uint64) {
	h.mu.Lock()
	h.restarts = append(h.restarts, gen)
	h.mu.Unlock()
}

func (h *recordingHooks) WarmupPhase(p readiness.Phase) {
	h.mu.Lock()
	h.phases = append(h.phases, p)
	h.mu.Unlock()
}

func (h *recordingHooks) restartCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.restarts)
}

func (h *recordingHooks) degradedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.degraded)
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

// downStore fails every call, like an unreachable redis.
type downStore struct{}

var errStoreDown = errors.New("dial tcp 10.0.0.1:6379: connect: connection refused")

func (downStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errStoreDown }
func (downStore) Set(context.Context, string, []byte, time.Duration) error {
	return errStoreDown
}
func (downStore) Delete(context.Context, string) error { return errStoreDown }
func (downStore) TryLock(context.Context, string, time.Duration) (bool, error) {
	return false, errStoreDown
}
func (downStore) Unlock(context.Context, string) error { return errStoreDown }
func (downStore) Close() error                         { return nil }

func newLocalStore(t *testing.T, opts ...cache.LocalOption) *cache.Local {
	t.Helper()
	s, err := cache.NewLocal(10_000, opts...)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return s
}

func newTestCoordinator(t *testing.T, f *stubFactory, opts ...Option) *Coordinator {
	t.Helper()
	c, err := New(f.New, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func treeCompute(ctx context.Context, c extractor.Client) ([]byte, error) {
	return c.Tree(ctx, "77")
}
