// Package ratelimit wraps golang.org/x/time/rate for two uses: rejecting
// inbound catalog requests above a global rate, and pacing outbound calls to
// the extractor.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket.
type Limiter struct {
	lim *rate.Limiter
}

// NewLimiter permits rps events per second with the given burst. A
// non-positive rps disables limiting.
func NewLimiter(rps float64, burst int) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &Limiter{lim: rate.NewLimiter(limit, max(burst, 1))}
}

// Allow reports whether one event may happen now.
func (l *Limiter) Allow() bool {
	return l.lim.Allow()
}

// Wait blocks until one event may happen or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.lim.Wait(ctx)
}
