// Package errs defines the error-kind taxonomy shared by every
// component (spec §7): Transient, Exhaustion, Integrity, Policy,
// Configuration and Fatal. Components wrap a kind with context using
// fmt.Errorf's %w the way the teacher wraps resty errors in
// internal/client, rather than reaching for a structured-error
// framework.
package errs

import "errors"

// Kind is a sentinel error identifying a taxonomy bucket. Callers
// wrap it with context: fmt.Errorf("%w: camera %s stalled", errs.Transient, id).
type Kind error

var (
	// Transient covers stream stalls, HTTP 5xx, DB busy — retried at
	// the component level, surfaces only once the retry budget is spent.
	Transient Kind = errors.New("transient")

	// Exhaustion covers buffer pool cap, inference queue full, disk
	// full — fails fast with an explicit kind and a governor event.
	Exhaustion Kind = errors.New("exhaustion")

	// Integrity covers malformed frame bytes, model shape mismatch,
	// DB constraint violations — never retried, fatal when it concerns
	// a model.
	Integrity Kind = errors.New("integrity")

	// Policy covers age-expired frames, late aggregation samples,
	// open circuit — handled by dropping with a counted metric, never
	// user-visible except via the health snapshot.
	Policy Kind = errors.New("policy")

	// Configuration covers missing camera URL, unreachable endpoint —
	// fatal at startup, a logged warning with fallback at runtime.
	Configuration Kind = errors.New("configuration")

	// Fatal covers panics, pool corruption, model load failure —
	// captured by the Supervisor and causes a post-mortem + exit(5).
	Fatal Kind = errors.New("fatal")
)

// Is reports whether err was (transitively) wrapped around kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}
