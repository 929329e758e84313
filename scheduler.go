package chizhick

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/feefomit/chizhick/breaker"
	"github.com/feefomit/chizhick/cache"
	"github.com/feefomit/chizhick/gate"
	"github.com/feefomit/chizhick/session"
)

// jobState is the lifecycle of a job.
type jobState int32

const (
	jobPending jobState = iota
	jobRunning
	jobSucceeded
	jobFailed
)

// job is one computation of a key started by this process.
type job struct {
	key       string
	startedAt time.Time
	state     atomic.Int32
	done      chan struct{}

	// val and err are written once before done is closed.
	val []byte
	err error
}

func newJob(key string, now time.Time) *job {
	j := &job{key: key, startedAt: now, done: make(chan struct{})}
	j.state.Store(int32(jobPending))
	return j
}

func (j *job) finish(val []byte, err error) {
	j.val, j.err = val, err
	if err != nil {
		j.state.Store(int32(jobFailed))
	} else {
		j.state.Store(int32(jobSucceeded))
	}
	close(j.done)
}

// scheduler runs at most one computation per key. The per-key lock in the
// store makes that hold across processes sharing the store; the job registry
// makes it hold in this process even when the store cannot lock.
type scheduler struct {
	store   cache.Store
	gate    *gate.Gate
	session *session.Session
	log     *zap.Logger
	hooks   Hooks

	jobTimeout   time.Duration
	lockTTL      time.Duration
	pollInterval time.Duration
	nowFunc      func() time.Time

	jobs *xsync.MapOf[string, *job]

	// base is cancelled by abort to stop every running job.
	base  context.Context
	abort context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newScheduler(store cache.Store, g *gate.Gate, s *session.Session, cfg *config) *scheduler {
	base, abort := context.WithCancel(context.Background())
	return &scheduler{
		store:        store,
		gate:         g,
		session:      s,
		log:          cfg.log,
		hooks:        cfg.hooks,
		jobTimeout:   cfg.jobTimeout,
		lockTTL:      cfg.lockTTL,
		pollInterval: cfg.pollInterval,
		nowFunc:      cfg.nowFunc,
		jobs:         xsync.NewMapOf[string, *job](),
		base:         base,
		abort:        abort,
	}
}

// lookup reads key from the store. A store error counts as a miss.
func (s *scheduler) lookup(ctx context.Context, key string) ([]byte, bool) {
	v, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.degraded("get", key, err)
		return nil, false
	}
	return v, ok
}

// miss handles a cache miss: it starts a computation of key or, when one is
// already running, applies the miss policy. hit reports whether the value
// came from the cache after all.
func (s *scheduler) miss(ctx context.Context, key string, ttl time.Duration, fn Compute, fc fetchConfig) (val []byte, hit bool, err error) {
	if j, ok := s.jobs.Load(key); ok {
		return s.pending(ctx, key, j, fc)
	}

	lockKey := cache.LockKey(key)
	locked, err := s.store.TryLock(ctx, lockKey, s.lockTTL)
	if err != nil {
		// Fall back to the job registry alone.
		s.degraded("trylock", lockKey, err)
	} else if !locked {
		return s.pending(ctx, key, nil, fc)
	}

	// Another caller may have filled the cache between our miss and the lock.
	if v, ok := s.lookup(ctx, key); ok {
		if locked {
			s.unlock(ctx, lockKey)
		}
		return v, true, nil
	}

	j, err := s.start(ctx, key, ttl, fn, locked)
	if err != nil {
		if locked {
			s.unlock(ctx, lockKey)
		}
		return nil, false, err
	}
	if j == nil {
		// Lost the registry race to a caller whose lock attempt also failed.
		if locked {
			s.unlock(ctx, lockKey)
		}
		if other, ok := s.jobs.Load(key); ok {
			return s.pending(ctx, key, other, fc)
		}
		return nil, false, fetchErr(KindInProgress, key, nil)
	}

	timer := time.NewTimer(fc.timeout)
	defer timer.Stop()
	select {
	case <-j.done:
		return j.val, false, j.err
	case <-timer.C:
		s.log.Debug("caller stopped waiting, computation continues",
			zap.String("key", key),
			zap.Duration("timeout", fc.timeout),
		)
		return nil, false, fetchErr(KindTimeout, key, nil)
	case <-ctx.Done():
		return nil, false, fetchErr(KindTimeout, key, ctx.Err())
	}
}

// start registers and launches a job for key. It returns nil when another
// job for key is already registered.
func (s *scheduler) start(ctx context.Context, key string, ttl time.Duration, fn Compute, locked bool) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fetchErr(KindNotReady, key, ErrShutdown)
	}

	j := newJob(key, s.nowFunc())
	if _, loaded := s.jobs.LoadOrStore(key, j); loaded {
		return nil, nil
	}

	// The job outlives the caller: keep ctx values (trace, request id) but
	// not its cancellation, and stop at the job timeout or on abort.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.jobTimeout)
	stop := context.AfterFunc(s.base, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer stop()
		s.run(jobCtx, j, ttl, fn, locked)
	}()
	return j, nil
}

func (s *scheduler) run(ctx context.Context, j *job, ttl time.Duration, fn Compute, locked bool) {
	j.state.Store(int32(jobRunning))

	val, err := s.compute(ctx, j.key, fn)
	if err == nil {
		if serr := s.store.Set(context.WithoutCancel(ctx), j.key, val, ttl); serr != nil {
			s.degraded("set", j.key, serr)
		}
	} else {
		s.log.Warn("computation failed",
			zap.String("key", j.key),
			zap.Stringer("kind", KindOf(err)),
			zap.Duration("elapsed", s.nowFunc().Sub(j.startedAt)),
			zap.Error(err),
		)
	}

	s.jobs.Compute(j.key, func(cur *job, loaded bool) (*job, bool) {
		return cur, !loaded || cur == j
	})
	if locked {
		s.unlock(ctx, cache.LockKey(j.key))
	}
	j.finish(val, err)
}

// compute runs fn through the gate and the session. A crash gets one
// restart and one retry.
func (s *scheduler) compute(ctx context.Context, key string, fn Compute) ([]byte, error) {
	val, err := s.invoke(ctx, fn)
	if err == nil {
		return val, nil
	}

	var ce *session.CallError
	if errors.As(err, &ce) && ce.Kind == session.KindCrash && !errors.Is(err, breaker.ErrOpen) {
		s.log.Warn("upstream crashed, restarting",
			zap.String("key", key),
			zap.Uint64("generation", ce.Generation),
			zap.Error(ce.Err),
		)
		if rerr := s.session.Restart(ctx, ce.Generation); rerr != nil {
			return nil, s.classify(key, errors.Join(err, rerr))
		}
		val, err = s.invoke(ctx, fn)
		if err == nil {
			return val, nil
		}
	}
	return nil, s.classify(key, err)
}

func (s *scheduler) invoke(ctx context.Context, fn Compute) ([]byte, error) {
	var out []byte
	err := s.gate.WithPermit(ctx, func(ctx context.Context) error {
		s.hooks.GateInUse(s.gate.InUse())
		v, err := s.session.Invoke(ctx, session.Op(fn))
		out = v
		return err
	})
	s.hooks.GateInUse(s.gate.InUse())
	return out, err
}

// classify maps a computation error to its FetchError.
func (s *scheduler) classify(key string, err error) *FetchError {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		session.KindOf(err) == session.KindTimeout:
		return fetchErr(KindTimeout, key, err)
	case session.IsCrash(err):
		return fetchErr(KindCrash, key, err)
	default:
		return fetchErr(KindFailure, key, err)
	}
}

// pending applies the miss policy while key is computed elsewhere. j is the
// local job computing key, if any.
func (s *scheduler) pending(ctx context.Context, key string, j *job, fc fetchConfig) ([]byte, bool, error) {
	if fc.missPolicy != MissWait {
		return nil, false, fetchErr(KindInProgress, key, nil)
	}

	budget := time.NewTimer(fc.waitBudget)
	defer budget.Stop()
	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()

	for {
		var done <-chan struct{}
		if j == nil {
			j, _ = s.jobs.Load(key)
		}
		if j != nil {
			done = j.done
		}

		select {
		case <-ctx.Done():
			return nil, false, fetchErr(KindTimeout, key, ctx.Err())
		case <-budget.C:
			return nil, false, fetchErr(KindInProgress, key, nil)
		case <-tick.C:
		case <-done:
		}

		if v, ok := s.lookup(ctx, key); ok {
			return v, true, nil
		}
		if j != nil && jobState(j.state.Load()) == jobFailed {
			return nil, false, j.err
		}
		if j != nil && jobState(j.state.Load()) == jobSucceeded {
			// Finished but the value is not visible (set failed or expired);
			// stop following it.
			j = nil
		}
	}
}

func (s *scheduler) unlock(ctx context.Context, lockKey string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
	defer cancel()
	if err := s.store.Unlock(ctx, lockKey); err != nil {
		s.degraded("unlock", lockKey, err)
	}
}

func (s *scheduler) degraded(op, key string, err error) {
	s.log.Warn("cache call failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
	s.hooks.CacheDegraded(op, err)
}

func (s *scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// running reports the number of registered jobs.
func (s *scheduler) running() int {
	return s.jobs.Size()
}

// shutdown stops new jobs and waits for running ones until ctx is done,
// then cancels the rest.
func (s *scheduler) shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.abort()
		return nil
	case <-ctx.Done():
	}

	n := s.running()
	s.abort()
	s.log.Warn("cancelling unfinished computations", zap.Int("jobs", n))
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.log.Error("computations did not stop after cancellation", zap.Int("jobs", s.running()))
	}
	return ctx.Err()
}
