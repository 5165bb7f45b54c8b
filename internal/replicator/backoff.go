package replicator

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// backoff is the same exponential-with-jitter shape used by
// internal/capture's restart backoff (itself grounded on
// windalfin/ayo-mwr's ResilienceManager.scheduleRestart), reused here
// for spec §4.9's "base 1s, cap 5min" retry policy.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max, current: initial}
}

func (b *backoff) Next() time.Duration {
	d := b.current
	b.current = time.Duration(math.Min(float64(b.current*2), float64(b.max)))

	jitter := time.Duration(float64(d) * (rand.Float64()*0.4 - 0.2))
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}

func (b *backoff) Reset() { b.current = b.initial }

// Wait sleeps for Next(), returning early with ctx.Err() if ctx is
// cancelled first, mirroring internal/capture's backoff.Wait so a
// replicator goroutine never outlives the shutdown drain budget
// sleeping on a multi-minute retry delay.
func (b *backoff) Wait(ctx context.Context) error {
	select {
	case <-time.After(b.Next()):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
