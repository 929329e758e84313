// Package retry runs an operation repeatedly with capped exponential backoff
// and jitter. It is used for the extractor warmup, where the first attempts
// routinely fail while the upstream boots.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// maxBackoff bounds the delay when Config.MaxDelay is unset.
const maxBackoff = 24 * time.Hour

// Backoff returns the delay after the given attempt (0-indexed). The result
// is capped at cfg.MaxDelay (maxBackoff when unset) before jitter is applied.
func Backoff(cfg Config, attempt int) time.Duration {
	if cfg.BaseDelay <= 0 {
		return 0
	}
	limit := float64(maxBackoff)
	if cfg.MaxDelay > 0 {
		limit = float64(cfg.MaxDelay)
	}
	delay := min(float64(cfg.BaseDelay)*math.Pow(2, float64(attempt)), limit)
	if cfg.Jitter > 0 {
		// ±Jitter fraction of the delay.
		delay += delay * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
