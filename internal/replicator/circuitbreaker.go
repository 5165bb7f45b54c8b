package replicator

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker implements the spec §4.9 policy: open the circuit
// for a cooldown once the 1-minute failure ratio exceeds a threshold
// over at least minAttempts attempts, then allow a single half-open
// probe. No breaker library appears anywhere in the pack, and the
// policy is a few dozen lines of sliding-window bookkeeping, so this
// is hand-rolled rather than pulled in from the wider ecosystem.
type circuitBreaker struct {
	mu sync.Mutex

	threshold    float64
	minAttempts  int
	window       time.Duration
	cooldown     time.Duration

	state      breakerState
	openedAt   time.Time
	probeInFlight bool

	events []attemptEvent
}

type attemptEvent struct {
	at      time.Time
	success bool
}

func newCircuitBreaker(threshold float64, minAttempts int, window, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold:   threshold,
		minAttempts: minAttempts,
		window:      window,
		cooldown:    cooldown,
		state:       breakerClosed,
	}
}

// Allow reports whether a new outbound call may proceed. In the Open
// state it denies everything until the cooldown elapses, at which
// point it transitions to HalfOpen and permits exactly one probe.
func (b *circuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.state = breakerHalfOpen
		b.probeInFlight = true
		return true
	case breakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// Report records the outcome of a call admitted by Allow.
func (b *circuitBreaker) Report(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.events = append(b.events, attemptEvent{at: now, success: success})
	b.events = pruneOlderThan(b.events, now.Add(-b.window))

	switch b.state {
	case breakerHalfOpen:
		b.probeInFlight = false
		if success {
			b.state = breakerClosed
			b.events = nil
		} else {
			b.state = breakerOpen
			b.openedAt = now
		}
		return
	case breakerOpen:
		return
	}

	if len(b.events) < b.minAttempts {
		return
	}
	failures := 0
	for _, e := range b.events {
		if !e.success {
			failures++
		}
	}
	if float64(failures)/float64(len(b.events)) > b.threshold {
		b.state = breakerOpen
		b.openedAt = now
	}
}

func pruneOlderThan(events []attemptEvent, cutoff time.Time) []attemptEvent {
	i := 0
	for i < len(events) && events[i].at.Before(cutoff) {
		i++
	}
	return events[i:]
}
