package model

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff returns the delay before retry number attempt (1-based): base doubled
// per attempt and capped. It carries no jitter so persisted deadlines are reproducible.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 || base <= 0 {
		return 0
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
	}
	b.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
		if d >= max {
			return max
		}
	}
	return d
}
