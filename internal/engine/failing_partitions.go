package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/eventcore/internal/model"
)

// FailingPartitions tracks and catches up partitions of a partitioned stream
// that fell behind the stream position because processing failed.
//
// A failure in one partition never holds back other partitions: the stream
// position keeps advancing and the failing partition is retried out of band
// from its own recorded position. Within a partition events are replayed
// strictly in ascending position order.
type FailingPartitions struct {
	tenant  model.TenantID
	fetcher EventFetcher
	states  StateRepository
	clock   Clock
	logger  *slog.Logger
	metrics *Metrics
}

// NewFailingPartitions creates the failing partitions tracker for a tenant.
// Only WithClock, WithLogger and WithMetrics apply.
func NewFailingPartitions(tenant model.TenantID, fetcher EventFetcher, states StateRepository, opts ...Option) *FailingPartitions {
	o := buildOptions(opts)
	return &FailingPartitions{
		tenant:  tenant,
		fetcher: fetcher,
		states:  states,
		clock:   o.clock,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// AddFailingPartition records that processing the event at position in
// partition failed and moves the stream position past it. The new state is
// persisted before it is returned.
func (f *FailingPartitions) AddFailingPartition(
	ctx context.Context,
	id model.StreamProcessorID,
	state model.PartitionedState,
	partition model.PartitionID,
	position model.StreamPosition,
	retryTime time.Time,
	reason string,
) (model.PartitionedState, error) {
	now := f.clock.Now()
	previous, _ := state.FailingPartition(partition)
	failing := previous.Failed(position, reason, retryTime, now)

	next := state.WithFailingPartition(partition, failing).Skipped(position + 1)
	if err := persistState(ctx, f.states, f.tenant, id, next, f.metrics); err != nil {
		return state, err
	}

	attrs := []any{
		"partition", partition,
		"position", position,
		"attempts", failing.ProcessingAttempts,
		"reason", reason,
	}
	if model.IsNeverRetry(retryTime) {
		f.logger.Error("partition failed permanently", attrs...)
	} else {
		f.logger.Warn("partition failed", append(attrs, "retry_time", retryTime)...)
	}
	return next, nil
}

// CatchupFor retries every failing partition whose retry time has elapsed.
//
// The failing set is re-read from the repository first so external changes
// are honoured. Each due partition is replayed from its recorded position
// until it reaches the stream position, where its entry is removed, or until
// processing fails again. Every change is persisted before the next step.
// On error the last persisted state is returned with the error.
func (f *FailingPartitions) CatchupFor(ctx context.Context, id model.StreamProcessorID, processor EventProcessor, state model.PartitionedState) (model.PartitionedState, error) {
	key, err := model.ProcessorKey(f.tenant, id)
	if err != nil {
		return state, err
	}
	d := &dispatcher{
		tenant:    f.tenant,
		id:        id,
		key:       key,
		processor: processor,
		logger:    f.logger,
		metrics:   f.metrics,
	}
	return f.catchup(ctx, id, d, state)
}

func (f *FailingPartitions) catchup(ctx context.Context, id model.StreamProcessorID, d *dispatcher, state model.PartitionedState) (model.PartitionedState, error) {
	if len(state.FailingPartitions) == 0 {
		return state, nil
	}

	current, err := f.reread(ctx, id)
	if err != nil {
		return state, err
	}

	for _, partition := range current.FailingPartitionIDs() {
		current, err = f.catchupPartition(ctx, id, d, current, partition)
		if err != nil {
			return current, err
		}
	}
	return current, nil
}

// catchupPartition replays one partition while it stays due.
func (f *FailingPartitions) catchupPartition(
	ctx context.Context,
	id model.StreamProcessorID,
	d *dispatcher,
	state model.PartitionedState,
	partition model.PartitionID,
) (model.PartitionedState, error) {
	for {
		if err := ctx.Err(); err != nil {
			return state, err
		}

		failing, ok := state.FailingPartition(partition)
		if !ok {
			return state, nil
		}
		now := f.clock.Now()
		if !model.RetryDue(failing.RetryTime, now) {
			return state, nil
		}

		next, err := f.fetcher.FindNext(ctx, id.Scope, id.SourceStream, partition, failing.Position)
		if errors.Is(err, model.ErrNoEventAtPosition) {
			next, err = state.Position, nil
		}
		if err != nil {
			return state, err
		}

		if next >= state.Position {
			updated := state.WithoutFailingPartition(partition)
			if err := persistState(ctx, f.states, f.tenant, id, updated, f.metrics); err != nil {
				return state, err
			}
			f.logger.Info("failing partition caught up",
				"partition", partition,
				"position", state.Position)
			return updated, nil
		}

		event, err := f.fetcher.Fetch(ctx, id.Scope, id.SourceStream, next)
		if err != nil {
			return state, err
		}

		var result model.ProcessingResult
		if failing.ProcessingAttempts > 0 {
			result = d.reprocess(ctx, event, failing.Reason, failing.ProcessingAttempts)
		} else {
			result = d.process(ctx, event)
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}

		if result.Succeeded() {
			updated := state.WithFailingPartition(partition, failing.Advanced(event.Position+1, now))
			if err := persistState(ctx, f.states, f.tenant, id, updated, f.metrics); err != nil {
				return state, err
			}
			state = updated
			continue
		}

		reason, retryTime, _ := model.FailureDetails(result, now)
		again := failing.Failed(event.Position, reason, retryTime, now)
		updated := state.WithFailingPartition(partition, again)
		if err := persistState(ctx, f.states, f.tenant, id, updated, f.metrics); err != nil {
			return state, err
		}
		f.logger.Warn("failing partition retry failed",
			"partition", partition,
			"position", event.Position,
			"attempts", again.ProcessingAttempts,
			"retry_time", retryTime,
			"reason", reason)
		return updated, nil
	}
}

// reread loads the persisted partitioned state.
func (f *FailingPartitions) reread(ctx context.Context, id model.StreamProcessorID) (model.PartitionedState, error) {
	state, err := f.states.GetOrCreate(ctx, id, true)
	if err != nil {
		if errors.Is(err, model.ErrStateMismatch) {
			return model.PartitionedState{}, newProcessorError(ErrCodeStateMismatch, f.tenant, id,
				"persisted state is not partitioned", err)
		}
		return model.PartitionedState{}, err
	}
	st, ok := state.(model.PartitionedState)
	if !ok {
		return model.PartitionedState{}, newProcessorError(ErrCodeStateMismatch, f.tenant, id,
			"persisted state is not partitioned", nil)
	}
	return st, nil
}
