package chizhick

import (
	"errors"
	"fmt"

	"github.com/feefomit/chizhick/readiness"
)

// Errors returned by Fetch. Every error Fetch returns is a *FetchError that
// matches one of these with errors.Is; ErrWarmupFailed and ErrShutdown come
// on top of ErrNotReady.
var (
	// ErrNotReady: the upstream is still warming up, or its warmup failed.
	ErrNotReady = readiness.ErrNotReady

	// ErrWarmupFailed: warmup gave up. Also matches ErrNotReady.
	ErrWarmupFailed = readiness.ErrWarmupFailed

	// ErrComputationInProgress: another caller is computing the value.
	ErrComputationInProgress = errors.New("chizhick: computation in progress, retry shortly")

	// ErrUpstreamTimeout: no answer within the allowed time. The computation
	// may still complete and fill the cache.
	ErrUpstreamTimeout = errors.New("chizhick: upstream timed out")

	// ErrUpstreamCrash: the upstream crashed and the retry after a restart
	// failed too.
	ErrUpstreamCrash = errors.New("chizhick: upstream crashed")

	// ErrUpstreamFailure: the upstream returned an ordinary error.
	ErrUpstreamFailure = errors.New("chizhick: upstream failed")

	// ErrShutdown is the cause of the not-ready errors returned after
	// Shutdown.
	ErrShutdown = errors.New("chizhick: coordinator shut down")
)

// Kind classifies a FetchError.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotReady
	KindInProgress
	KindTimeout
	KindCrash
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindNotReady:
		return "not_ready"
	case KindInProgress:
		return "in_progress"
	case KindTimeout:
		return "timeout"
	case KindCrash:
		return "crash"
	case KindFailure:
		return "failure"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindNotReady:
		return ErrNotReady
	case KindInProgress:
		return ErrComputationInProgress
	case KindTimeout:
		return ErrUpstreamTimeout
	case KindCrash:
		return ErrUpstreamCrash
	case KindFailure:
		return ErrUpstreamFailure
	default:
		return nil
	}
}

// FetchError is the error type returned by Fetch.
type FetchError struct {
	Kind Kind
	Key  string
	// Err is the underlying cause, if any.
	Err error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %q: %v", e.Key, e.Kind.sentinel())
	}
	return fmt.Sprintf("fetch %q: %v: %v", e.Key, e.Kind.sentinel(), e.Err)
}

func (e *FetchError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func fetchErr(kind Kind, key string, cause error) *FetchError {
	return &FetchError{Kind: kind, Key: key, Err: cause}
}

// KindOf returns the Kind of err, or KindUnknown if err is not a *FetchError.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsPending reports whether err means "try again soon": the upstream is
// warming up or the value is being computed.
func IsPending(err error) bool {
	switch KindOf(err) {
	case KindNotReady, KindInProgress:
		return true
	default:
		return false
	}
}
