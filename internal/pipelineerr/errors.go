// Package pipelineerr holds the small set of sentinel/typed errors
// referenced by name across the orchestrator, phase workers, and
// watchdog (spec §7), grounded in the teacher's internal/errors idiom
// of package-level sentinel errors checked with errors.Is.
package pipelineerr

import "errors"

var (
	// ErrCircuitOpen means a call was rejected because the breaker for
	// that service is open; equivalent to a transient-external failure
	// for retry-budget purposes but surfaced distinctly for logging.
	ErrCircuitOpen = errors.New("circuit open: call rejected")

	// ErrQuotaExhausted means a phase could not fit its planned work
	// inside a service's remaining daily budget and must yield.
	ErrQuotaExhausted = errors.New("quota exhausted for service")

	// ErrInvariantViolation means a phase's required predecessor output
	// is missing or malformed — fatal to the phase (spec §7).
	ErrInvariantViolation = errors.New("data invariant violation")

	// ErrPhaseNotReady means a phase was asked to start before all of
	// its DAG predecessors reached completed/skipped.
	ErrPhaseNotReady = errors.New("phase predecessors not satisfied")

	// ErrStoreUnavailable is returned by the watchdog tick when listing
	// running pipelines from the state store fails. No component pauses
	// pipelines or raises an alert on it.
	ErrStoreUnavailable = errors.New("state store unavailable")
)
