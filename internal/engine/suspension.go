package engine

import (
	"time"

	"github.com/roach88/eventcore/internal/model"
)

// SuspensionPoint names a place where the processing loop blocks.
type SuspensionPoint int

const (
	// SuspensionWaitingForEvent waits on the watcher for the next event.
	SuspensionWaitingForEvent SuspensionPoint = iota + 1
	// SuspensionWaitingForRetry waits for a failing unpartitioned stream's retry time.
	SuspensionWaitingForRetry
	// SuspensionBackoff waits after the event store was unavailable.
	SuspensionBackoff
)

// String returns the suspension point name.
func (p SuspensionPoint) String() string {
	switch p {
	case SuspensionWaitingForEvent:
		return "WaitingForEvent"
	case SuspensionWaitingForRetry:
		return "WaitingForRetry"
	case SuspensionBackoff:
		return "Backoff"
	default:
		return "Unknown"
	}
}

// Suspension describes the loop entering a suspension point.
type Suspension struct {
	Tenant model.TenantID
	ID     model.StreamProcessorID
	Point  SuspensionPoint

	// Position is the stream position of the in-memory state.
	Position model.StreamPosition

	// Duration bounds the wait. The loop resumes when the clock has
	// advanced this far, or earlier if woken by the watcher.
	Duration time.Duration

	// RetryScheduled reports whether a failure will be retried without
	// operator intervention.
	RetryScheduled bool
}

// SuspensionObserver is called on the loop goroutine each time the loop
// suspends, after its timer has been armed and before it blocks.
type SuspensionObserver func(Suspension)
