package domain

import "errors"

// Sentinel errors surfaced by the public API and used by the classifier.
var (
	// ErrInvalidInput indicates a malformed URI or configuration value.
	// Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrResourceLimit indicates the source registry reached its capacity.
	ErrResourceLimit = errors.New("source limit reached")

	// ErrNotFound indicates the source id is unknown or already removed.
	ErrNotFound = errors.New("source not found")

	// ErrProbeTimeout indicates a liveness probe did not answer within its
	// deadline. Treated as a synthetic unhealthy signal.
	ErrProbeTimeout = errors.New("liveness probe timed out")

	// ErrSourceStalled indicates no activity was observed beyond the stale
	// threshold. Synthesized by the health monitor.
	ErrSourceStalled = errors.New("source stalled")

	// ErrEngineUnavailable indicates the pipeline engine could not be
	// reached at construction time.
	ErrEngineUnavailable = errors.New("pipeline engine unavailable")

	// ErrQuarantined indicates the source is excluded from automatic
	// recovery until an operator releases it.
	ErrQuarantined = errors.New("source quarantined")
)
