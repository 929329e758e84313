package chizhick

import (
	"context"
	"time"

	"github.com/feefomit/chizhick/codec"
	"github.com/feefomit/chizhick/extractor"
)

// Typed fetches values of type V, storing them in the cache through a codec.
type Typed[V any] struct {
	c     *Coordinator
	codec codec.Codec[V]
}

// NewTyped wraps c. A nil codec means codec.JSON.
func NewTyped[V any](c *Coordinator, cd codec.Codec[V]) *Typed[V] {
	if cd == nil {
		cd = codec.JSON[V]{}
	}
	return &Typed[V]{c: c, codec: cd}
}

// Fetch is Coordinator.Fetch for V. A cached entry that does not decode is
// dropped so the next call recomputes it.
func (t *Typed[V]) Fetch(ctx context.Context, key string, ttl time.Duration, compute func(context.Context, extractor.Client) (V, error), opts ...FetchOption) (V, error) {
	var zero V
	raw, err := t.c.Fetch(ctx, key, ttl, func(ctx context.Context, cl extractor.Client) ([]byte, error) {
		v, err := compute(ctx, cl)
		if err != nil {
			return nil, err
		}
		return t.codec.Encode(v)
	}, opts...)
	if err != nil {
		return zero, err
	}

	v, err := t.codec.Decode(raw)
	if err != nil {
		t.c.Invalidate(ctx, key)
		return zero, fetchErr(KindFailure, key, err)
	}
	return v, nil
}
