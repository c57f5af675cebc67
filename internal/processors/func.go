package processors

import (
	"context"

	"github.com/roach88/eventcore/internal/model"
)

// HandlerFunc handles one event of one partition.
// Return Permanent(err) for failures that retrying cannot fix.
type HandlerFunc func(ctx context.Context, event model.CommittedEvent, partition model.PartitionID) error

// Func is an event processor backed by a HandlerFunc.
type Func struct {
	id     model.EventProcessorID
	scope  model.ScopeID
	handle HandlerFunc
	policy RetryPolicy
}

// NewFunc creates an event processor. An empty scope means model.DefaultScope.
func NewFunc(id model.EventProcessorID, scope model.ScopeID, handle HandlerFunc, policy RetryPolicy) *Func {
	if scope == "" {
		scope = model.DefaultScope
	}
	return &Func{
		id:     id,
		scope:  scope,
		handle: handle,
		policy: policy,
	}
}

// Identifier returns the event processor id.
func (f *Func) Identifier() model.EventProcessorID { return f.id }

// Scope returns the scope the processor consumes from.
func (f *Func) Scope() model.ScopeID { return f.scope }

// Policy returns the retry policy.
func (f *Func) Policy() RetryPolicy { return f.policy }

// Process handles an event for the first time.
func (f *Func) Process(ctx context.Context, event model.CommittedEvent, partition model.PartitionID) model.ProcessingResult {
	return f.policy.Result(f.handle(ctx, event, partition), 0)
}

// ReProcess retries an event. The timeout grows with attempts.
func (f *Func) ReProcess(ctx context.Context, event model.CommittedEvent, partition model.PartitionID, _ string, attempts uint32) model.ProcessingResult {
	return f.policy.Result(f.handle(ctx, event, partition), attempts)
}
