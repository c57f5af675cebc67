package engine

import (
	"context"

	"github.com/roach88/eventcore/internal/model"
)

// EventFetcher reads committed events for the processing loop.
//
// Both methods report model.ErrNoEventAtPosition when nothing exists yet and
// model.ErrEventStoreUnavailable when the store cannot be reached. The loop
// treats both as transient and backs off.
type EventFetcher interface {
	// Fetch returns the event at position in the stream.
	Fetch(ctx context.Context, scope model.ScopeID, stream model.StreamID, position model.StreamPosition) (model.StreamEvent, error)

	// FindNext returns the position of the first event of partition at or
	// after from.
	FindNext(ctx context.Context, scope model.ScopeID, stream model.StreamID, partition model.PartitionID, from model.StreamPosition) (model.StreamPosition, error)
}

// StateRepository durably stores stream processor state.
//
// Implementations are scoped to one tenant. Persist replaces the stored state
// wholesale.
type StateRepository interface {
	// GetOrCreate returns the persisted state, creating the initial state of
	// the requested variant if none exists.
	GetOrCreate(ctx context.Context, id model.StreamProcessorID, partitioned bool) (model.State, error)

	// Persist writes state as the new persisted state of id.
	Persist(ctx context.Context, id model.StreamProcessorID, state model.State) error
}

// EventProcessor is the pluggable capability that consumes events.
//
// Implementations report outcomes through the returned result and never
// panic for processing failures. The loop only inspects the result.
type EventProcessor interface {
	// Identifier returns the event processor id.
	Identifier() model.EventProcessorID

	// Scope returns the scope the processor consumes from.
	Scope() model.ScopeID

	// Process handles an event for the first time.
	Process(ctx context.Context, event model.CommittedEvent, partition model.PartitionID) model.ProcessingResult

	// ReProcess retries an event that failed before. reason is the last
	// failure reason and attempts the number of failed attempts so far.
	ReProcess(ctx context.Context, event model.CommittedEvent, partition model.PartitionID, reason string, attempts uint32) model.ProcessingResult
}

// EventProcessorFactory creates the event processor for a tenant.
type EventProcessorFactory func(tenant model.TenantID) (EventProcessor, error)

// EventWaiter lets the loop block until new events are committed.
type EventWaiter interface {
	// Watch returns a channel that is closed once an event at or beyond
	// position has been committed to the stream. cancel releases the watch
	// and must be called when the caller stops waiting.
	Watch(scope model.ScopeID, stream model.StreamID, position model.StreamPosition) (ch <-chan struct{}, cancel func())
}
