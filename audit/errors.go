package audit

import "errors"

var (
	// ErrNilEvent is returned when a nil event is passed where one is required.
	ErrNilEvent = errors.New("audit: event is nil")

	// ErrInvalidEvent indicates an event that fails structural validation.
	// It is a permanent error: invalid events are never retried.
	ErrInvalidEvent = errors.New("audit: invalid event")
)
