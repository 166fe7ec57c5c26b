package webhook

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: max(serverRetryAfter, Base) doubled per
// attempt, plus proportional jitter, capped at Max.
type Backoff struct {
	// Base is the minimum delay before the first retry.
	Base time.Duration
	// Max is the hard ceiling applied after jitter.
	Max time.Duration
	// JitterFactor adds up to this fraction of the computed delay as random
	// jitter. Zero disables jitter (useful in tests).
	JitterFactor float64
}

// DefaultBackoff matches the delivery engine defaults: 1s base, 5m ceiling,
// 10% jitter.
var DefaultBackoff = Backoff{
	Base:         time.Second,
	Max:          5 * time.Minute,
	JitterFactor: 0.1,
}

// Delay returns the wait before retry number attempt (0-based: the delay
// after the first failure is Delay(0, ...)). serverRetryAfter, when positive,
// replaces Base as the starting point so a 429/503 hint is honored.
func (b Backoff) Delay(attempt int, serverRetryAfter time.Duration) time.Duration {
	base := b.Base
	if serverRetryAfter > base {
		base = serverRetryAfter
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= b.Max {
			delay = b.Max
			break
		}
	}

	if b.JitterFactor > 0 {
		delay += time.Duration(rand.Float64() * b.JitterFactor * float64(delay))
	}
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}
