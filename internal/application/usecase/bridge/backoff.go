package bridge

import (
	"math/rand"
	"time"

	"github.com/jpillora/backoff"
)

// rateLimitFactor stretches the step after a broker rate-limit response.
const rateLimitFactor = 4

// Backoff yields base*2^n delays capped at max. Jitter is multiplicative
// (at most +jitter of the step) and clamped to max, so the sequence never
// decreases before reaching the cap.
type Backoff struct {
	b       backoff.Backoff
	jitter  float64
	attempt int
	rnd     func() float64
}

func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 0.5 {
		jitter = 0.5
	}
	return &Backoff{
		b:      backoff.Backoff{Min: base, Max: max, Factor: 2},
		jitter: jitter,
		rnd:    rand.Float64,
	}
}

// Next returns the delay for the current attempt and advances.
func (b *Backoff) Next() time.Duration {
	d := b.b.ForAttempt(float64(b.attempt))
	b.attempt++
	return b.withJitter(d)
}

// NextRateLimited is Next with a longer step for rate-limit errors.
func (b *Backoff) NextRateLimited() time.Duration {
	d := b.b.ForAttempt(float64(b.attempt)) * rateLimitFactor
	b.attempt++
	if d > b.b.Max {
		d = b.b.Max
	}
	return b.withJitter(d)
}

// Reset goes back to the base delay.
func (b *Backoff) Reset() { b.attempt = 0 }

func (b *Backoff) Attempt() int { return b.attempt }

func (b *Backoff) withJitter(d time.Duration) time.Duration {
	if b.jitter > 0 {
		d += time.Duration(float64(d) * b.jitter * b.rnd())
	}
	if d > b.b.Max {
		d = b.b.Max
	}
	return d
}
