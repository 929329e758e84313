package readiness

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/feefomit/chizhick/retry"
)

func fastRetry(attempts int) Option {
	return WithRetry(retry.Config{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
}

func waitDone(t *testing.T, g *Gate) {
	t.Helper()
	select {
	case <-g.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("warmup did not finish")
	}
}

func TestCheck_NotReadyBeforeStart(t *testing.T) {
	g := New(func(context.Context) error { return nil })
	if err := g.Check(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Check = %v, want ErrNotReady", err)
	}
	if p := g.State().Phase; p != NotStarted {
		t.Fatalf("phase = %v, want not_started", p)
	}
}

func TestStart_NotReadyWhilePreparingThenReady(t *testing.T) {
	release := make(chan struct{})
	var phases []Phase
	g := New(func(ctx context.Context) error {
		<-release
		return nil
	}, WithPhaseHook(func(p Phase) { phases = append(phases, p) }))

	g.Start(t.Context())
	t.Cleanup(g.Stop)

	if err := g.Check(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Check while preparing = %v, want ErrNotReady", err)
	}
	if p := g.State().Phase; p != Preparing {
		t.Fatalf("phase = %v, want preparing", p)
	}

	close(release)
	waitDone(t, g)

	if err := g.Check(); err != nil {
		t.Fatalf("Check after warmup = %v, want nil", err)
	}
	if len(phases) != 2 || phases[0] != Preparing || phases[1] != Ready {
		t.Fatalf("phases = %v, want [preparing ready]", phases)
	}
}

func TestStart_OnlyOnce(t *testing.T) {
	var calls atomic.Int32
	g := New(func(context.Context) error {
		calls.Add(1)
		return nil
	})
	for range 5 {
		g.Start(t.Context())
	}
	waitDone(t, g)

	if n := calls.Load(); n != 1 {
		t.Fatalf("prepare called %d times, want 1", n)
	}
}

func TestStart_RetriesThenReady(t *testing.T) {
	var calls atomic.Int32
	g := New(func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("browser still launching")
		}
		return nil
	}, fastRetry(5))

	g.Start(t.Context())
	waitDone(t, g)

	if err := g.Check(); err != nil {
		t.Fatalf("Check = %v, want nil", err)
	}
	if a := g.State().Attempts; a != 3 {
		t.Fatalf("attempts = %d, want 3", a)
	}
}

func TestStart_ExhaustedIsTerminalFailure(t *testing.T) {
	errLaunch := errors.New("chromium: no usable sandbox")
	var calls atomic.Int32
	g := New(func(context.Context) error {
		calls.Add(1)
		return errLaunch
	}, fastRetry(3))

	g.Start(t.Context())
	waitDone(t, g)

	err := g.Check()
	if !errors.Is(err, ErrWarmupFailed) || !errors.Is(err, ErrNotReady) {
		t.Fatalf("Check = %v, want warmup failure", err)
	}
	if !errors.Is(err, errLaunch) {
		t.Fatal("failure must carry the last attempt error")
	}
	var fe *FailedError
	if !errors.As(err, &fe) || fe.Attempts != 3 {
		t.Fatalf("FailedError = %+v, want 3 attempts", fe)
	}

	// Terminal: a later Start does not retry.
	g.Start(t.Context())
	time.Sleep(10 * time.Millisecond)
	if n := calls.Load(); n != 3 {
		t.Fatalf("prepare called %d times, want 3", n)
	}
}

func TestAttemptTimeout(t *testing.T) {
	g := New(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, fastRetry(2), WithAttemptTimeout(10*time.Millisecond))

	g.Start(t.Context())
	waitDone(t, g)

	if err := g.Check(); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Check = %v, want failure wrapping DeadlineExceeded", err)
	}
}

func TestStop_AbortsWarmup(t *testing.T) {
	g := New(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	g.Start(t.Context())
	g.Stop()

	if err := g.Check(); err == nil {
		t.Fatal("stopped gate must not report ready")
	}
}

func TestNewReady(t *testing.T) {
	g := NewReady()
	if err := g.Check(); err != nil {
		t.Fatalf("Check = %v, want nil", err)
	}
	g.Start(t.Context())
	g.Stop()
	waitDone(t, g)
}
