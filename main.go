// Package chizhick coordinates access to the Chizhik catalog extractor: a
// slow upstream that keeps a browser session, may crash, and needs minutes
// to warm up.
//
// A Coordinator answers each query from cache when it can, runs at most one
// computation per key at a time, restarts a crashed upstream once and
// retries, and reports "warming up" or "in progress" instead of blocking.
package chizhick

import (
	"context"
	"fmt"

	"github.com/feefomit/chizhick/extractor"
	"github.com/feefomit/chizhick/ratelimit"
)

// Compute produces the value of one key from a live extractor client.
type Compute func(ctx context.Context, c extractor.Client) ([]byte, error)

// Middleware wraps a Compute.
type Middleware func(Compute) Compute

// Chain composes middlewares from left to right, i.e., Chain(A, B)(h) => A(B(h)).
func Chain(mw ...Middleware) Middleware {
	return func(next Compute) Compute {
		for i := len(mw) - 1; i >= 0; i-- {
			next = mw[i](next)
		}
		return next
	}
}

// Wrap applies the middleware chain to fn.
func Wrap(fn Compute, mw ...Middleware) Compute {
	if len(mw) == 0 {
		return fn
	}
	return Chain(mw...)(fn)
}

// Paced delays every computation until l admits it, spacing out requests to
// the upstream.
func Paced(l *ratelimit.Limiter) Middleware {
	return func(next Compute) Compute {
		return func(ctx context.Context, c extractor.Client) ([]byte, error) {
			if err := l.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				// The limiter refuses up front when the deadline is too close.
				return nil, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
			}
			return next(ctx, c)
		}
	}
}
