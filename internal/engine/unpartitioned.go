package engine

import (
	"context"
	"time"

	"github.com/roach88/eventcore/internal/model"
)

// unpartitioned drives the loop over an unpartitioned stream. A failure
// blocks the stream at the failing position until a retry succeeds.
type unpartitioned struct {
	p     *StreamProcessor
	state model.UnpartitionedState
}

func (u *unpartitioned) State() model.State {
	return u.state
}

// Catchup retries the event at the failing position once its retry time
// has elapsed.
func (u *unpartitioned) Catchup(ctx context.Context) error {
	if !u.state.IsFailing || !model.RetryDue(u.state.RetryTime, u.p.now()) {
		return nil
	}

	event, err := u.p.fetcher.Fetch(ctx, u.p.id.Scope, u.p.id.SourceStream, u.state.Position)
	if err != nil {
		return err
	}

	u.p.logger.Info("retrying failed event",
		"position", event.Position,
		"attempts", u.state.ProcessingAttempts,
		"reason", u.state.FailureReason)

	result := u.p.dispatcher.reprocess(ctx, event, u.state.FailureReason, u.state.ProcessingAttempts)
	if err := ctx.Err(); err != nil {
		return err
	}
	if result.Succeeded() {
		return u.OnSuccess(ctx, event)
	}
	return u.OnFailure(ctx, event, result)
}

func (u *unpartitioned) Blocked(now time.Time) (time.Duration, bool) {
	if !u.state.IsFailing {
		return 0, false
	}
	return model.TimeToRetry(u.state, now)
}

// Reload picks up out-of-band changes such as an operator repositioning a
// parked processor.
func (u *unpartitioned) Reload(ctx context.Context) error {
	state, err := u.p.loadState(ctx)
	if err != nil {
		return err
	}
	reloaded := state.(model.UnpartitionedState)
	if reloaded.Position != u.state.Position || reloaded.IsFailing != u.state.IsFailing {
		u.p.logger.Info("stream processor state changed externally",
			"position", reloaded.Position,
			"failing", reloaded.IsFailing)
	}
	u.state = reloaded
	u.p.adopt(u.state)
	return nil
}

func (u *unpartitioned) FetchNext(ctx context.Context) (model.StreamEvent, error) {
	return u.p.fetcher.Fetch(ctx, u.p.id.Scope, u.p.id.SourceStream, u.state.Position)
}

func (u *unpartitioned) OnSuccess(ctx context.Context, event model.StreamEvent) error {
	next := u.state.Advanced(event.Position+1, u.p.now())
	if err := u.p.persist(ctx, next); err != nil {
		return err
	}
	if u.state.IsFailing {
		u.p.logger.Info("failed event processed", "position", event.Position)
	}
	u.state = next
	return nil
}

func (u *unpartitioned) OnFailure(ctx context.Context, event model.StreamEvent, result model.ProcessingResult) error {
	reason, retryTime, _ := model.FailureDetails(result, u.p.now())
	next := u.state.Failing(reason, retryTime)
	if err := u.p.persist(ctx, next); err != nil {
		return err
	}
	u.state = next

	if model.IsNeverRetry(retryTime) {
		u.p.logger.Error("event processing failed permanently",
			"position", event.Position,
			"attempts", next.ProcessingAttempts,
			"reason", reason)
	} else {
		u.p.logger.Warn("event processing failed",
			"position", event.Position,
			"attempts", next.ProcessingAttempts,
			"retry_time", retryTime,
			"reason", reason)
	}
	return nil
}
