package chizhick

import (
	"time"

	"github.com/feefomit/chizhick/readiness"
)

// Outcome is how a Fetch call ended.
type Outcome int

const (
	OutcomeHit Outcome = iota
	OutcomeComputed
	OutcomeInProgress
	OutcomeNotReady
	OutcomeTimeout
	OutcomeCrash
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeComputed:
		return "computed"
	case OutcomeInProgress:
		return "in_progress"
	case OutcomeNotReady:
		return "not_ready"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCrash:
		return "crash"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

func outcomeOf(err error) Outcome {
	switch KindOf(err) {
	case KindNotReady:
		return OutcomeNotReady
	case KindInProgress:
		return OutcomeInProgress
	case KindTimeout:
		return OutcomeTimeout
	case KindCrash:
		return OutcomeCrash
	default:
		return OutcomeFailure
	}
}

// Hooks receives coordinator events.
// Implementations MUST be cheap and non-blocking; they run on the fetch path.
type Hooks interface {
	// FetchDone is called once per Fetch with its outcome and duration.
	FetchDone(key string, outcome Outcome, dur time.Duration)

	// CacheDegraded is called when a shared cache call failed and the local
	// fallback served it. op ∈ {"get", "set", "delete", "trylock", "unlock"}.
	CacheDegraded(op string, err error)

	// UpstreamRestarted is called after a crashed session was replaced.
	UpstreamRestarted(generation uint64)

	// WarmupPhase is called on every readiness phase change.
	WarmupPhase(phase readiness.Phase)

	// GateInUse reports the number of held upstream permits after every
	// acquire and release.
	GateInUse(n int)
}

// NopHooks is the default.
type NopHooks struct{}

func (NopHooks) FetchDone(string, Outcome, time.Duration) {}
func (NopHooks) CacheDegraded(string, error)              {}
func (NopHooks) UpstreamRestarted(uint64)                 {}
func (NopHooks) WarmupPhase(readiness.Phase)              {}
func (NopHooks) GateInUse(int)                            {}

var _ Hooks = NopHooks{}
