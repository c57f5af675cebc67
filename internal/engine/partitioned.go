package engine

import (
	"context"
	"time"

	"github.com/roach88/eventcore/internal/model"
)

// partitioned drives the loop over a partitioned stream. Failures park the
// partition in FailingPartitions and the stream keeps moving.
type partitioned struct {
	p       *StreamProcessor
	failing *FailingPartitions
	state   model.PartitionedState
}

func (s *partitioned) State() model.State {
	return s.state
}

func (s *partitioned) Catchup(ctx context.Context) error {
	if len(s.state.FailingPartitions) == 0 {
		return nil
	}
	next, err := s.failing.catchup(ctx, s.p.id, s.p.dispatcher, s.state)
	s.p.adopt(next)
	s.state = next
	return err
}

// Blocked is always false; partition failures never block the stream.
func (s *partitioned) Blocked(time.Time) (time.Duration, bool) {
	return 0, false
}

func (s *partitioned) Reload(ctx context.Context) error {
	state, err := s.p.loadState(ctx)
	if err != nil {
		return err
	}
	s.state = state.(model.PartitionedState)
	s.p.adopt(s.state)
	return nil
}

// FetchNext skips events of failing partitions so each partition keeps its
// order; the catch-up delivers them later.
func (s *partitioned) FetchNext(ctx context.Context) (model.StreamEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return model.StreamEvent{}, err
		}

		event, err := s.p.fetcher.Fetch(ctx, s.p.id.Scope, s.p.id.SourceStream, s.state.Position)
		if err != nil {
			return model.StreamEvent{}, err
		}
		if !s.state.IsPartitionFailing(event.Partition) {
			return event, nil
		}

		next := s.state.Skipped(event.Position + 1)
		if err := s.p.persist(ctx, next); err != nil {
			return model.StreamEvent{}, err
		}
		s.p.logger.Debug("skipped event of failing partition",
			"position", event.Position,
			"partition", event.Partition)
		s.state = next
	}
}

func (s *partitioned) OnSuccess(ctx context.Context, event model.StreamEvent) error {
	next := s.state.Advanced(event.Position+1, s.p.now())
	if err := s.p.persist(ctx, next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *partitioned) OnFailure(ctx context.Context, event model.StreamEvent, result model.ProcessingResult) error {
	reason, retryTime, _ := model.FailureDetails(result, s.p.now())
	next, err := s.failing.AddFailingPartition(ctx, s.p.id, s.state, event.Partition, event.Position, retryTime, reason)
	if err != nil {
		return err
	}
	s.p.adopt(next)
	s.state = next
	return nil
}
