package model

import "errors"

// Sentinel errors the HTTP layer and schedulers test for with errors.Is.
var (
	// ErrConfigInvalid marks a ConfigError: unknown period type, unknown
	// operator, an empty periods list, or a malformed webhook URL.
	ErrConfigInvalid = errors.New("metering: invalid configuration")

	// ErrNotFound marks a NotFound condition: aggregation or job absent.
	ErrNotFound = errors.New("metering: not found")

	// ErrLockContended marks a failed, non-fatal lock acquisition; callers
	// treat this as "another worker owns this id" rather than an error.
	ErrLockContended = errors.New("metering: lock contended")

	// ErrValidation marks a rejected ingest payload.
	ErrValidation = errors.New("metering: validation failed")
)
