package store

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an insert collides with a unique key.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable wraps timeouts and driver failures. Callers surface it
	// as a store outage rather than retrying or defaulting to success.
	ErrUnavailable = errors.New("credential store unavailable")
)
