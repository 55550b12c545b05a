package dispatch

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: exponential doubling from base to max, with
// additive jitter of up to a quarter of the current delay. Because jitter is
// additive and bounded below the next doubling, consecutive delays are
// strictly increasing until the cap, and exactly the cap afterwards.
type Backoff struct {
	base time.Duration
	max  time.Duration
	cur  time.Duration

	// jitterFn is swappable in tests for deterministic schedules.
	jitterFn func(d time.Duration) time.Duration
}

// NewBackoff constructs an exponential backoff timer. Normalizes base/max and
// starts at the base delay.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{
		base: base,
		max:  max,
		cur:  base,
		jitterFn: func(d time.Duration) time.Duration {
			return d + time.Duration(rand.Int63n(int64(d)/4+1))
		},
	}
}

// Next returns the next delay and advances the window.
func (b *Backoff) Next() time.Duration {
	d := b.jitterFn(b.cur)
	if d > b.max {
		d = b.max
	}
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

// Reset restores the backoff to its base delay. Called on any successful
// send.
func (b *Backoff) Reset() {
	b.cur = b.base
}
