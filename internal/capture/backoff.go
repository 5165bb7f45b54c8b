package capture

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// backoff implements exponential backoff with jitter and a restart
// counter, the same shape as windalfin/ayo-mwr's
// ResilienceManager.scheduleRestart: start small, double on failure
// up to a cap, reset when the gap between failures exceeds the
// recovery window.
type backoff struct {
	initial    time.Duration
	max        time.Duration
	current    time.Duration
	attempts   int
	lastFailAt time.Time
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max, current: initial}
}

// Next returns the next delay to wait, with +/-20% jitter, and
// advances the internal doubling state.
func (b *backoff) Next() time.Duration {
	if !b.lastFailAt.IsZero() && time.Since(b.lastFailAt) > b.max*2 {
		b.current = b.initial
		b.attempts = 0
	}
	b.attempts++
	b.lastFailAt = time.Now()

	d := b.current
	b.current = time.Duration(math.Min(float64(b.current*2), float64(b.max)))

	jitter := time.Duration(float64(d) * (rand.Float64()*0.4 - 0.2))
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}

// Attempts returns the number of times Next has been called since the
// last reset.
func (b *backoff) Attempts() int { return b.attempts }

// Wait sleeps for Next(), returning early with ctx.Err() if ctx is
// cancelled first.
func (b *backoff) Wait(ctx context.Context) error {
	select {
	case <-time.After(b.Next()):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
