package model

import "errors"

// Fetch conditions reported by event fetchers. Both are transient
// infrastructure conditions, never processing failures.
var (
	// ErrNoEventAtPosition means nothing has been committed at the requested
	// position yet (or the partition has no further events).
	ErrNoEventAtPosition = errors.New("no event at position")

	// ErrEventStoreUnavailable means the event store could not be reached.
	ErrEventStoreUnavailable = errors.New("event store unavailable")
)

// ErrStateMismatch is reported by state repositories when the persisted
// state variant differs from the requested one.
var ErrStateMismatch = errors.New("persisted state variant does not match stream definition")
