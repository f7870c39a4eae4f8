package store

import "errors"

// Error taxonomy for the persistence layer. Callers test with errors.Is.
var (
	// ErrStorageUnavailable signals transient I/O failure, surfaced only
	// after the retry budget is exhausted.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidEvent signals an event that fails schema invariants
	// (missing original, empty unique id, Unknown event type).
	ErrInvalidEvent = errors.New("invalid event")

	// ErrNotFound signals a lookup miss by id.
	ErrNotFound = errors.New("not found")

	// ErrHealthCheckFailed signals a failed store probe. Non-fatal; the
	// health monitor flips to Unhealthy until the next successful probe.
	ErrHealthCheckFailed = errors.New("health check failed")
)
