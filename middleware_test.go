package chizhick

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/feefomit/chizhick/extractor"
	"github.com/feefomit/chizhick/ratelimit"
)

func TestChain_Order(t *testing.T) {
	var log []string
	mk := func(tag string) Middleware {
		return func(next Compute) Compute {
			return func(ctx context.Context, c extractor.Client) ([]byte, error) {
				log = append(log, tag)
				return next(ctx, c)
			}
		}
	}

	fn := Wrap(func(context.Context, extractor.Client) ([]byte, error) {
		log = append(log, "compute")
		return nil, nil
	}, mk("A"), mk("B"), mk("C"))

	if _, err := fn(t.Context(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"A", "B", "C", "compute"}
	if len(log) != len(expected) {
		t.Fatalf("log length mismatch: got %v, want %v", log, expected)
	}
	for i := range expected {
		if log[i] != expected[i] {
			t.Fatalf("log[%d] = %q, want %q\nfull log: %v", i, log[i], expected[i], log)
		}
	}
}

func TestWithMiddleware_RunsInsideTheJob(t *testing.T) {
	var seen []string
	mw := func(next Compute) Compute {
		return func(ctx context.Context, c extractor.Client) ([]byte, error) {
			seen = append(seen, "before")
			v, err := next(ctx, c)
			seen = append(seen, "after")
			return v, err
		}
	}
	c := newTestCoordinator(t, &stubFactory{}, WithoutWarmup(), WithMiddleware(mw))

	if _, err := c.Fetch(t.Context(), "tree:77", time.Hour, treeCompute); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if _, err := c.Fetch(t.Context(), "tree:77", time.Hour, treeCompute); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(seen) != 2 || seen[0] != "before" || seen[1] != "after" {
		t.Fatalf("middleware calls = %v, want one wrapped computation", seen)
	}
}

func TestPaced_SpacesComputations(t *testing.T) {
	l := ratelimit.NewLimiter(20, 1)
	fn := Paced(l)(func(context.Context, extractor.Client) ([]byte, error) {
		return []byte("ok"), nil
	})

	start := time.Now()
	for range 3 {
		if _, err := fn(t.Context(), nil); err != nil {
			t.Fatalf("paced call: %v", err)
		}
	}
	if d := time.Since(start); d < 80*time.Millisecond {
		t.Fatalf("3 calls at 20/s took %v, want >= 100ms minus slack", d)
	}
}

func TestPaced_DeadlineTooCloseIsTimeout(t *testing.T) {
	l := ratelimit.NewLimiter(0.5, 1)
	fn := Paced(l)(func(context.Context, extractor.Client) ([]byte, error) {
		return []byte("ok"), nil
	})

	if _, err := fn(t.Context(), nil); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err := fn(ctx, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
}
