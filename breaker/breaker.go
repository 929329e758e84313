// Package breaker stops calls to an upstream that keeps crashing.
//
// After Threshold consecutive failures the breaker opens and rejects calls
// for Cooldown. It then lets up to Probes calls through; if they all succeed
// it closes again, and any failure reopens it.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by callers that were rejected by an open breaker.
var ErrOpen = errors.New("breaker: circuit open")

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the breaker parameters. Zero fields take the values of
// [DefaultConfig].
type Config struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int

	// Cooldown is how long the breaker stays open.
	Cooldown time.Duration

	// Probes is the number of successful trial calls needed in HalfOpen to
	// close the breaker. At most Probes trial calls are in flight at once.
	Probes int

	// OnStateChange, if set, is called with the mutex released after every
	// transition.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the parameters used for the extractor session.
func DefaultConfig() Config {
	return Config{
		Threshold: 3,
		Cooldown:  30 * time.Second,
		Probes:    1,
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	cfg Config

	state     State
	failures  int // consecutive failures while Closed
	successes int // successful probes while HalfOpen
	inflight  int // probes admitted while HalfOpen
	openedAt  time.Time
	nowFunc   func() time.Time
}

// New creates a closed Breaker.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Probes <= 0 {
		cfg.Probes = def.Probes
	}
	return &Breaker{cfg: cfg, state: Closed, nowFunc: time.Now}
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	from, to := b.refresh()
	s := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return s
}

// Allow reports whether a call may proceed. Every call that was allowed must
// be followed by exactly one OnSuccess or OnFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from, to := b.refresh()
	var ok bool
	switch b.state {
	case Closed:
		ok = true
	case HalfOpen:
		if b.successes+b.inflight < b.cfg.Probes {
			b.inflight++
			ok = true
		}
	}
	b.mu.Unlock()
	b.notify(from, to)
	return ok
}

// OnSuccess records a successful call.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	from, to := b.state, b.state
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.inflight = max(b.inflight-1, 0)
		b.successes++
		if b.successes >= b.cfg.Probes {
			b.state = Closed
			b.failures = 0
			b.successes = 0
			b.inflight = 0
			to = Closed
		}
	}
	b.mu.Unlock()
	b.notify(from, to)
}

// OnFailure records a failed call.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	from, to := b.state, b.state
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.open()
			to = Open
		}
	case HalfOpen:
		b.open()
		to = Open
	}
	b.mu.Unlock()
	b.notify(from, to)
}

// refresh moves Open to HalfOpen once the cooldown elapsed. b.mu must be
// held.
func (b *Breaker) refresh() (from, to State) {
	from = b.state
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = HalfOpen
		b.successes = 0
		b.inflight = 0
	}
	return from, b.state
}

func (b *Breaker) open() {
	b.state = Open
	b.openedAt = b.now()
	b.successes = 0
	b.inflight = 0
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

func (b *Breaker) now() time.Time {
	if b.nowFunc != nil {
		return b.nowFunc()
	}
	return time.Now()
}
