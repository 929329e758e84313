package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/feefomit/chizhick/extractor"
)

// Kind is the classification of a failed upstream call.
type Kind int

const (
	// KindGeneric is an ordinary failure; the session is still usable.
	KindGeneric Kind = iota
	// KindCrash means the session is gone and must be restarted.
	KindCrash
	// KindTimeout means the call was abandoned by its context.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindCrash:
		return "crash"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// CallError is returned by Invoke for every failed call.
type CallError struct {
	Kind       Kind
	Generation uint64
	Err        error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("session gen %d: %s: %v", e.Generation, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// KindOf returns the classification carried by err, or KindGeneric when err
// is not a *CallError.
func KindOf(err error) Kind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindGeneric
}

// IsCrash reports whether err is a crash-kind CallError.
func IsCrash(err error) bool {
	return KindOf(err) == KindCrash
}

// ErrSessionClosed is returned after Close.
var ErrSessionClosed = errors.New("session: closed")

// Classifier reports whether err carries a crash signature.
type Classifier func(error) bool

var crashMarkers = []string{
	"closed",
	"crashed",
	"disconnected",
	"target destroyed",
	"session not found",
}

// DefaultClassifier recognises a dead upstream session by its error chain or
// by well-known message fragments. An HTTP answer from the upstream is never
// a crash, whatever its body says.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, extractor.ErrClosed) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.As(err, new(*extractor.StatusError)) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range crashMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// classify turns a raw error into a *CallError. Context errors win over the
// crash signature.
func classify(err error, gen uint64, isCrash Classifier) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	kind := KindGeneric
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = KindTimeout
	case isCrash(err):
		kind = KindCrash
	}
	return &CallError{Kind: kind, Generation: gen, Err: err}
}
