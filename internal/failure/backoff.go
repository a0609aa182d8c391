package failure

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff computes retry delays: min(Base * Multiplier^attempt, Max), then
// randomized by +-Jitter.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64
}

// DefaultBackoff is 1s doubling up to a minute with 25% jitter.
var DefaultBackoff = Backoff{Base: time.Second, Multiplier: 2, Max: time.Minute, Jitter: 0.25}

// Delay returns the wait before retry number attempt (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	eb := b.exponential()
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}

func (b Backoff) exponential() *backoff.ExponentialBackOff {
	base, maxDelay, mult := b.Base, b.Max, b.Multiplier
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	if maxDelay < base {
		maxDelay = base
	}
	if mult < 1 {
		mult = 1
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(base),
		backoff.WithMultiplier(mult),
		backoff.WithMaxInterval(maxDelay),
		backoff.WithRandomizationFactor(b.Jitter),
		backoff.WithMaxElapsedTime(0),
	)
}
