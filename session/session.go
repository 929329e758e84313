// Package session owns the single live extractor client of a process.
//
// The handle is created lazily, replaced on crash, and versioned by a
// generation counter so that concurrent callers that observed the same crash
// restart it only once.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/feefomit/chizhick/breaker"
	"github.com/feefomit/chizhick/extractor"
)

// Liveness is the state of the session handle.
type Liveness int

const (
	Uninitialized Liveness = iota
	Starting
	Ready
	Degraded
)

func (l Liveness) String() string {
	switch l {
	case Uninitialized:
		return "uninitialized"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("Liveness(%d)", int(l))
	}
}

// Op is one upstream call made against a live client.
type Op func(ctx context.Context, c extractor.Client) ([]byte, error)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClassifier replaces DefaultClassifier.
func WithClassifier(c Classifier) Option {
	return func(s *Session) {
		if c != nil {
			s.isCrash = c
		}
	}
}

// WithBreaker makes Invoke fail fast with a crash-kind error wrapping
// breaker.ErrOpen while b is open. Only crashes count as failures.
func WithBreaker(b *breaker.Breaker) Option {
	return func(s *Session) { s.breaker = b }
}

// WithRestartHook registers fn to be called with the new generation after
// every successful Restart.
func WithRestartHook(fn func(gen uint64)) Option {
	return func(s *Session) { s.onRestart = fn }
}

// Session manages one extractor.Client.
type Session struct {
	factory   extractor.Factory
	isCrash   Classifier
	log       *zap.Logger
	breaker   *breaker.Breaker
	onRestart func(gen uint64)

	// slot serializes handle creation and teardown; waiting on it honours
	// the caller's context.
	slot chan struct{}

	mu     sync.Mutex
	client extractor.Client
	gen    uint64
	state  Liveness
	closed bool
}

// New creates a Session. No upstream work happens until Ensure or Invoke.
func New(factory extractor.Factory, opts ...Option) *Session {
	s := &Session{
		factory: factory,
		isCrash: DefaultClassifier,
		log:     zap.NewNop(),
		slot:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the liveness and the current generation.
func (s *Session) State() (Liveness, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.gen
}

// Ensure returns the live client, creating it if there is none.
func (s *Session) Ensure(ctx context.Context) (extractor.Client, uint64, error) {
	if c, gen, ok, err := s.current(); ok || err != nil {
		return c, gen, err
	}

	if err := s.acquire(ctx); err != nil {
		return nil, s.generation(), err
	}
	defer s.release()

	if c, gen, ok, err := s.current(); ok || err != nil {
		return c, gen, err
	}
	return s.create(ctx)
}

// Invoke runs op against the live client. A failure is returned as a
// *CallError classified exactly once. A crash marks the session Degraded;
// restarting is left to the caller.
func (s *Session) Invoke(ctx context.Context, op Op) ([]byte, error) {
	if s.breaker != nil && !s.breaker.Allow() {
		return nil, &CallError{Kind: KindCrash, Generation: s.generation(), Err: breaker.ErrOpen}
	}

	c, gen, err := s.Ensure(ctx)
	if errors.Is(err, ErrSessionClosed) {
		s.settle(nil)
		return nil, &CallError{Kind: KindGeneric, Generation: gen, Err: err}
	}
	if err != nil {
		ce := classify(err, gen, s.isCrash)
		if ce.Kind == KindGeneric {
			// Failing to bring the upstream up at all is treated as a crash.
			ce.Kind = KindCrash
		}
		s.settle(ce)
		return nil, ce
	}

	out, err := op(ctx, c)
	if err == nil {
		s.settle(nil)
		return out, nil
	}

	ce := classify(err, gen, s.isCrash)
	if ce.Kind == KindCrash {
		s.markDegraded(gen)
		s.log.Warn("upstream session crashed",
			zap.Uint64("generation", gen),
			zap.Error(err),
		)
	}
	s.settle(ce)
	return nil, ce
}

// Restart replaces the handle that was live at staleGen. If that generation
// was already retired by another caller Restart does nothing.
func (s *Session) Restart(ctx context.Context, staleGen uint64) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.gen != staleGen {
		gen := s.gen
		s.mu.Unlock()
		s.log.Debug("restart skipped, generation already retired",
			zap.Uint64("stale", staleGen),
			zap.Uint64("generation", gen),
		)
		return nil
	}
	old := s.client
	s.client = nil
	s.state = Starting
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(ctx); err != nil {
			s.log.Debug("closing crashed session", zap.Uint64("generation", staleGen), zap.Error(err))
		}
	}

	_, gen, err := s.create(ctx)
	if err != nil {
		return err
	}
	s.log.Info("upstream session restarted", zap.Uint64("generation", gen))
	if s.onRestart != nil {
		s.onRestart(gen)
	}
	return nil
}

// Close tears the session down. Later calls fail with ErrSessionClosed.
func (s *Session) Close(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	old := s.client
	s.client = nil
	s.closed = true
	s.state = Uninitialized
	s.mu.Unlock()

	if old == nil {
		return nil
	}
	return old.Close(ctx)
}

// create builds a new client and bumps the generation. The slot must be
// held.
func (s *Session) create(ctx context.Context) (extractor.Client, uint64, error) {
	s.mu.Lock()
	s.state = Starting
	s.mu.Unlock()

	c, err := s.factory(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = Degraded
		return nil, s.gen, fmt.Errorf("session: start upstream: %w", err)
	}
	if s.closed {
		_ = c.Close(context.WithoutCancel(ctx))
		return nil, s.gen, ErrSessionClosed
	}
	s.client = c
	s.gen++
	s.state = Ready
	return c, s.gen, nil
}

func (s *Session) current() (extractor.Client, uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, s.gen, false, ErrSessionClosed
	}
	return s.client, s.gen, s.client != nil, nil
}

func (s *Session) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Session) markDegraded(gen uint64) {
	s.mu.Lock()
	if s.gen == gen && s.state == Ready {
		s.state = Degraded
	}
	s.mu.Unlock()
}

// settle reports the outcome of an allowed call to the breaker. Only
// crashes count against it.
func (s *Session) settle(ce *CallError) {
	if s.breaker == nil {
		return
	}
	if ce != nil && ce.Kind == KindCrash {
		s.breaker.OnFailure()
		return
	}
	s.breaker.OnSuccess()
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() { <-s.slot }
