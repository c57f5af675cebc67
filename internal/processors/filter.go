package processors

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/eventcore/internal/model"
	"github.com/roach88/eventcore/internal/store"
)

// Appender writes events to a stream.
type Appender interface {
	Append(ctx context.Context, scope model.ScopeID, stream model.StreamID, events []store.NewEvent) ([]model.StreamEvent, error)
}

// FilterConfig selects events and names the stream they are copied to.
type FilterConfig struct {
	// Types are the event types to copy. Other events are skipped.
	Types []string

	// Target is the stream matching events are appended to.
	Target model.StreamID

	// Partitioned keeps the source partition on the appended event.
	Partitioned bool
}

// Validate checks the configuration.
func (c FilterConfig) Validate() error {
	if len(c.Types) == 0 {
		return fmt.Errorf("filter: at least one event type is required")
	}
	if c.Target == "" {
		return fmt.Errorf("filter: target stream is required")
	}
	return nil
}

// NewFilter creates a processor that appends events of the configured types
// to the target stream in the processor's scope. Append failures are
// retryable.
func NewFilter(id model.EventProcessorID, scope model.ScopeID, config FilterConfig, appender Appender, policy RetryPolicy) (*Func, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if appender == nil {
		return nil, fmt.Errorf("filter: appender is required")
	}
	types := slices.Clone(config.Types)

	var fn *Func
	fn = NewFunc(id, scope, func(ctx context.Context, event model.CommittedEvent, partition model.PartitionID) error {
		if !slices.Contains(types, event.Type) {
			return nil
		}
		target := model.UnspecifiedPartition
		if config.Partitioned {
			target = partition
		}
		_, err := appender.Append(ctx, fn.Scope(), config.Target, []store.NewEvent{{
			Partition:   target,
			Type:        event.Type,
			Content:     event.Content,
			EventSource: event.EventID,
			Public:      event.Public,
		}})
		if err != nil {
			return fmt.Errorf("filter %s: append to %s: %w", id, config.Target, err)
		}
		return nil
	}, policy)
	return fn, nil
}
