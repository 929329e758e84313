// Package gate bounds how many upstream calls run at once.
package gate

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultCapacity is one: the extractor drives a single browser.
const DefaultCapacity = 1

// Gate is a counting semaphore with a fixed number of permits.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int
	inUse    atomic.Int64
}

// New creates a Gate. capacity < 1 means DefaultCapacity.
func New(capacity int) *Gate {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Gate{sem: semaphore.NewWeighted(int64(capacity)), capacity: capacity}
}

// WithPermit waits for a permit, runs fn, and gives the permit back when fn
// returns or panics. If ctx ends first fn is not run and ctx.Err() is
// returned.
func (g *Gate) WithPermit(ctx context.Context, fn func(context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.inUse.Add(1)
	defer func() {
		g.inUse.Add(-1)
		g.sem.Release(1)
	}()
	return fn(ctx)
}

// InUse reports how many permits are held.
func (g *Gate) InUse() int { return int(g.inUse.Load()) }

// Capacity reports the number of permits.
func (g *Gate) Capacity() int { return g.capacity }
