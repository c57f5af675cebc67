package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/eventcore/internal/model"
)

// Status is the lifecycle state of a StreamProcessor.
type Status int32

const (
	// StatusIdle means Start has not been called.
	StatusIdle Status = iota
	// StatusRunning means the loop goroutine is active.
	StatusRunning
	// StatusStopped is terminal.
	StatusStopped
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// scopedStrategy supplies the variant-specific hooks of the loop. It owns
// the in-memory state and is only touched by the loop goroutine.
type scopedStrategy interface {
	// State returns the last persisted state.
	State() model.State

	// Catchup retries due failures before forward progress.
	Catchup(ctx context.Context) error

	// Blocked reports whether forward progress is blocked by a failure and
	// how long until it is due.
	Blocked(now time.Time) (time.Duration, bool)

	// Reload re-reads the state from the repository.
	Reload(ctx context.Context) error

	// FetchNext returns the next event to hand to the processor.
	FetchNext(ctx context.Context) (model.StreamEvent, error)

	// OnSuccess persists the transition after a successful result.
	OnSuccess(ctx context.Context, event model.StreamEvent) error

	// OnFailure persists the transition after a retryable or failed result.
	OnFailure(ctx context.Context, event model.StreamEvent, result model.ProcessingResult) error
}

// StreamProcessor runs one event processor over one source stream for one
// tenant.
//
// The processor is a single goroutine that repeatedly catches up on due
// failures, fetches the next event, hands it to the EventProcessor and
// persists the resulting state before depending on it. Unpartitioned and
// partitioned streams differ only in the scopedStrategy driving the loop.
//
// Lifecycle: Idle -> Running (Start, exactly once) -> Stopped (cancellation
// or a fatal error). There is no way back to Idle.
type StreamProcessor struct {
	tenant     model.TenantID
	id         model.StreamProcessorID
	definition model.StreamDefinition
	key        string
	processor  EventProcessor
	fetcher    EventFetcher
	states     StateRepository
	waiter     EventWaiter
	opts       options
	logger     *slog.Logger
	dispatcher *dispatcher

	status        atomic.Int32
	stopRequested atomic.Bool
	done          chan struct{}
	finishOnce    sync.Once

	mu           sync.Mutex
	cancel       context.CancelFunc
	err          error
	state        model.State
	onTerminated []func(*StreamProcessor)
}

// NewStreamProcessor creates an idle stream processor.
//
// The event processor must identify as id.EventProcessor in id.Scope and the
// definition must describe id.SourceStream. waiter may be nil, in which case
// the loop polls with the configured backoffs.
func NewStreamProcessor(
	tenant model.TenantID,
	definition model.StreamDefinition,
	id model.StreamProcessorID,
	processor EventProcessor,
	fetcher EventFetcher,
	states StateRepository,
	waiter EventWaiter,
	opts ...Option,
) (*StreamProcessor, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if err := definition.Validate(); err != nil {
		return nil, err
	}
	if definition.StreamID != id.SourceStream {
		return nil, fmt.Errorf("stream definition %q does not match source stream %q", definition.StreamID, id.SourceStream)
	}
	if processor == nil {
		return nil, fmt.Errorf("event processor is required")
	}
	if processor.Identifier() != id.EventProcessor || processor.Scope() != id.Scope {
		return nil, newProcessorError(ErrCodeEventProcessorMismatch, tenant, id,
			fmt.Sprintf("event processor identifies as %s in scope %s", processor.Identifier(), processor.Scope()), nil)
	}

	key, err := model.ProcessorKey(tenant, id)
	if err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	logger := o.logger.With(
		"tenant", tenant,
		"processor_key", key,
		"scope", id.Scope,
		"event_processor", id.EventProcessor,
		"stream", id.SourceStream,
	)

	return &StreamProcessor{
		tenant:     tenant,
		id:         id,
		definition: definition,
		key:        key,
		processor:  processor,
		fetcher:    fetcher,
		states:     states,
		waiter:     waiter,
		opts:       o,
		logger:     logger,
		dispatcher: &dispatcher{
			tenant:    tenant,
			id:        id,
			key:       key,
			processor: processor,
			logger:    logger,
			metrics:   o.metrics,
		},
		done: make(chan struct{}),
	}, nil
}

// ID returns the stream processor id.
func (p *StreamProcessor) ID() model.StreamProcessorID { return p.id }

// Tenant returns the tenant the processor runs for.
func (p *StreamProcessor) Tenant() model.TenantID { return p.tenant }

// Key returns the processor key used for persistence and log correlation.
func (p *StreamProcessor) Key() string { return p.key }

// Definition returns the source stream definition.
func (p *StreamProcessor) Definition() model.StreamDefinition { return p.definition }

// Status returns the lifecycle state.
func (p *StreamProcessor) Status() Status { return Status(p.status.Load()) }

// Done is closed once the processor has stopped.
func (p *StreamProcessor) Done() <-chan struct{} { return p.done }

// Err returns the error that terminated the loop, or nil after a clean stop.
// Only meaningful once Done is closed.
func (p *StreamProcessor) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// State returns the last persisted state, or nil before Start.
func (p *StreamProcessor) State() model.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OnTerminated registers fn to run when the processor stops. Callbacks run
// on the stopping goroutine before Done is closed. Must be called before
// Start.
func (p *StreamProcessor) OnTerminated(fn func(*StreamProcessor)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTerminated = append(p.onTerminated, fn)
}

// Start loads the persisted state and starts the loop goroutine.
//
// The loop runs until ctx is cancelled, Stop is called, or a fatal error
// occurs. Start may succeed only once; later calls fail with
// ALREADY_PROCESSING_STREAM. If the state cannot be loaded the processor
// stops and the error is returned.
func (p *StreamProcessor) Start(ctx context.Context) error {
	if !p.status.CompareAndSwap(int32(StatusIdle), int32(StatusRunning)) {
		return newProcessorError(ErrCodeAlreadyProcessingStream, p.tenant, p.id,
			"stream processor has already been started", nil)
	}

	state, err := p.loadState(ctx)
	if err != nil {
		p.logger.Error("failed to load stream processor state", "error", err)
		p.finish(err)
		return err
	}
	p.adopt(state)

	loopCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	if p.stopRequested.Load() {
		cancel()
	}

	go p.run(loopCtx, p.newStrategy(state))
	return nil
}

// Stop cancels the loop. It does not wait; use Done.
// Stopping an idle processor moves it straight to Stopped.
func (p *StreamProcessor) Stop() {
	if p.status.CompareAndSwap(int32(StatusIdle), int32(StatusStopped)) {
		p.finish(nil)
		return
	}
	p.stopRequested.Store(true)
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *StreamProcessor) newStrategy(state model.State) scopedStrategy {
	if st, ok := state.(model.PartitionedState); ok {
		return &partitioned{
			p:       p,
			failing: p.failingPartitions(),
			state:   st,
		}
	}
	return &unpartitioned{p: p, state: state.(model.UnpartitionedState)}
}

func (p *StreamProcessor) failingPartitions() *FailingPartitions {
	return NewFailingPartitions(p.tenant, p.fetcher, p.states,
		WithClock(p.opts.clock), WithLogger(p.logger), WithMetrics(p.opts.metrics))
}

// loadState reads or creates the persisted state and checks its variant.
func (p *StreamProcessor) loadState(ctx context.Context) (model.State, error) {
	state, err := p.states.GetOrCreate(ctx, p.id, p.definition.Partitioned)
	if err != nil {
		if errors.Is(err, model.ErrStateMismatch) {
			return nil, newProcessorError(ErrCodeStateMismatch, p.tenant, p.id,
				"persisted state does not match stream definition", err)
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	if state == nil || state.IsPartitioned() != p.definition.Partitioned {
		return nil, newProcessorError(ErrCodeStateMismatch, p.tenant, p.id,
			fmt.Sprintf("expected partitioned=%t state", p.definition.Partitioned), nil)
	}
	return state, nil
}

// persist writes state and adopts it once the write is acknowledged.
func (p *StreamProcessor) persist(ctx context.Context, state model.State) error {
	if err := persistState(ctx, p.states, p.tenant, p.id, state, p.opts.metrics); err != nil {
		return err
	}
	p.adopt(state)
	return nil
}

// adopt publishes a persisted state to State and metrics.
func (p *StreamProcessor) adopt(state model.State) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
	p.opts.metrics.recordState(p.tenant, p.id, state)
}

func (p *StreamProcessor) now() time.Time {
	return p.opts.clock.Now()
}

// run is the loop goroutine.
func (p *StreamProcessor) run(ctx context.Context, s scopedStrategy) {
	p.logger.Info("stream processor started",
		"position", s.State().StreamPosition(),
		"partitioned", p.definition.Partitioned)

	err := p.loop(ctx, s)
	if ctx.Err() != nil {
		p.logger.Info("stream processor stopped", "position", s.State().StreamPosition())
		err = nil
	} else {
		p.logger.Error("stream processor terminated",
			"position", s.State().StreamPosition(),
			"error", err)
	}

	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	cancel()

	p.finish(err)
}

// loop is the per-iteration algorithm. It returns only on cancellation or a
// fatal error.
func (p *StreamProcessor) loop(ctx context.Context, s scopedStrategy) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.Catchup(ctx); err != nil {
			if err := p.onFetchError(ctx, s, err); err != nil {
				return err
			}
			continue
		}

		if wait, blocked := s.Blocked(p.now()); blocked {
			if err := p.suspend(ctx, s, SuspensionWaitingForRetry, min(wait, p.opts.maxRetryWait), nil); err != nil {
				return err
			}
			if err := s.Reload(ctx); err != nil {
				return err
			}
			continue
		}

		event, err := s.FetchNext(ctx)
		if err != nil {
			if err := p.onFetchError(ctx, s, err); err != nil {
				return err
			}
			continue
		}

		result := p.dispatcher.process(ctx, event)
		if err := ctx.Err(); err != nil {
			// The result of a cancelled attempt is not recorded.
			return err
		}

		if result.Succeeded() {
			err = s.OnSuccess(ctx, event)
		} else {
			err = s.OnFailure(ctx, event, result)
		}
		if err != nil {
			return err
		}
	}
}

// onFetchError suspends for transient fetch conditions and returns every
// other error.
func (p *StreamProcessor) onFetchError(ctx context.Context, s scopedStrategy, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()

	case errors.Is(err, model.ErrNoEventAtPosition):
		wait := p.opts.eventWaitTimeout
		if d, ok := model.TimeToRetry(s.State(), p.now()); ok && d < wait {
			wait = d
		}
		wait = max(wait, p.opts.noEventBackoff)

		var wake <-chan struct{}
		if p.waiter != nil {
			ch, cancel := p.waiter.Watch(p.id.Scope, p.id.SourceStream, s.State().StreamPosition())
			defer cancel()
			wake = ch
		}
		return p.suspend(ctx, s, SuspensionWaitingForEvent, wait, wake)

	case errors.Is(err, model.ErrEventStoreUnavailable):
		p.logger.Warn("event store unavailable", "error", err)
		return p.suspend(ctx, s, SuspensionBackoff, p.opts.storeUnavailableBackoff, nil)

	default:
		return err
	}
}

// suspend blocks until d has elapsed on the clock, wake is signalled, or ctx
// is done. The timer is armed before the observer runs.
func (p *StreamProcessor) suspend(ctx context.Context, s scopedStrategy, point SuspensionPoint, d time.Duration, wake <-chan struct{}) error {
	timer := p.opts.clock.After(d)
	state := s.State()

	p.opts.metrics.recordSuspension(p.tenant, p.id, point)
	p.logger.Debug("stream processor suspended",
		"point", point.String(),
		"duration", d,
		"position", state.StreamPosition())

	if p.opts.observer != nil {
		p.opts.observer(Suspension{
			Tenant:         p.tenant,
			ID:             p.id,
			Point:          point,
			Position:       state.StreamPosition(),
			Duration:       d,
			RetryScheduled: model.HasScheduledRetry(state),
		})
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-timer:
		return nil
	}
}

// finish moves the processor to Stopped, runs termination callbacks and
// closes Done. Runs once.
func (p *StreamProcessor) finish(err error) {
	p.finishOnce.Do(func() {
		p.status.Store(int32(StatusStopped))

		p.mu.Lock()
		p.err = err
		callbacks := p.onTerminated
		p.onTerminated = nil
		p.mu.Unlock()

		for _, fn := range callbacks {
			fn(p)
		}
		close(p.done)
	})
}

// persistState writes a state transition, wrapping failures as
// PERSISTENCE_FAILED.
func persistState(ctx context.Context, repo StateRepository, tenant model.TenantID, id model.StreamProcessorID, state model.State, metrics *Metrics) error {
	if err := repo.Persist(ctx, id, state); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.recordPersistFailure(tenant, id)
		return newProcessorError(ErrCodePersistenceFailed, tenant, id,
			"failed to persist stream processor state", err)
	}
	return nil
}
