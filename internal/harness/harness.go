package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/eventcore/internal/engine"
	"github.com/roach88/eventcore/internal/model"
	"github.com/roach88/eventcore/internal/store"
	"github.com/roach88/eventcore/internal/testutil"
)

const (
	// Tenant is the tenant every scenario runs for.
	Tenant = model.DefaultTenant

	// ProcessorID is the event processor id of the scripted processor.
	ProcessorID model.EventProcessorID = "scenario"

	// DefaultTimeout bounds the real time a scenario may take.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxSuspensions bounds the suspensions of one run so a
	// processor that never settles fails the scenario instead of hanging.
	DefaultMaxSuspensions = 1000
)

type options struct {
	timeout        time.Duration
	maxSuspensions int
	logger         *slog.Logger
}

// Option configures a scenario run.
type Option func(*options)

// WithTimeout bounds the real time of a run. Default: DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithMaxSuspensions bounds the suspensions of a run. Default: DefaultMaxSuspensions.
func WithMaxSuspensions(n int) Option {
	return func(o *options) {
		o.maxSuspensions = n
	}
}

// WithLogger sets the engine logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database with a manual clock and
// sequential event ids, so the trace is reproducible.
//
// Execution flow:
//  1. Append the scenario events to the source stream
//  2. Script the processor results per event
//  3. Start a stream processor and advance the clock at each suspension
//  4. Stop at quiescence and read the persisted state
//  5. Evaluate assertions
//
// Assertion failures are reported in the result. An error is returned only
// when the scenario could not be executed.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{
		timeout:        DefaultTimeout,
		maxSuspensions: DefaultMaxSuspensions,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}

	clock := testutil.NewManualClock(time.Time{})
	start := clock.Now()

	st, err := store.Open(":memory:",
		store.WithIDGenerator(testutil.NewSequenceIDGenerator("evt")),
		store.WithClock(clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	watcher := engine.NewStreamEventWatcher()
	st.OnAppend(func(tenant model.TenantID, scope model.ScopeID, stream model.StreamID, position model.StreamPosition) {
		if tenant == Tenant {
			watcher.NotifyForEvent(scope, stream, position)
		}
	})

	stream := model.StreamID(scenario.Stream.ID)
	events := st.Events(Tenant)
	appended, err := events.Append(ctx, model.DefaultScope, stream, newEvents(scenario.Events))
	if err != nil {
		return nil, fmt.Errorf("failed to append events: %w", err)
	}

	scripted := testutil.NewScriptedProcessor(ProcessorID, model.DefaultScope)
	for _, step := range scenario.Script {
		results := make([]model.ProcessingResult, 0, len(step.Outcomes))
		for _, outcome := range step.Outcomes {
			r, err := outcome.ProcessingResult()
			if err != nil {
				return nil, fmt.Errorf("script position %d: %w", step.Position, err)
			}
			results = append(results, r)
		}
		if step.Position >= uint64(len(appended)) {
			return nil, fmt.Errorf("script position %d has no event", step.Position)
		}
		scripted.Script(appended[step.Position].Event.EventID, results...)
	}
	rec := newRecorder(scripted, clock, start, appended)

	suspensions := make(chan engine.Suspension, o.maxSuspensions+1)
	id := model.NewStreamProcessorID(model.DefaultScope, ProcessorID, stream)
	definition := model.StreamDefinition{StreamID: stream, Partitioned: scenario.Stream.Partitioned}
	states := st.States(Tenant)

	sp, err := engine.NewStreamProcessor(Tenant, definition, id, rec, events, states, watcher,
		engine.WithClock(clock),
		engine.WithLogger(o.logger),
		engine.WithSuspensionObserver(func(s engine.Suspension) {
			select {
			case suspensions <- s:
			default:
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream processor: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if err := sp.Start(runCtx); err != nil {
		return nil, fmt.Errorf("failed to start stream processor: %w", err)
	}

	result := NewResult()
	if err := drive(runCtx, sp, clock, suspensions, o.maxSuspensions, result); err != nil {
		sp.Stop()
		<-sp.Done()
		return nil, fmt.Errorf("scenario %q: %w", scenario.Name, err)
	}

	sp.Stop()
	<-sp.Done()
	if err := sp.Err(); err != nil {
		return nil, fmt.Errorf("scenario %q: stream processor failed: %w", scenario.Name, err)
	}

	final, found, err := states.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("final state of %s not found", id)
	}

	result.Final = final
	result.Trace = rec.Trace()
	result.Start = start
	result.Elapsed = clock.Now().Sub(start)

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// drive advances the clock past every suspension until the processor is
// quiescent.
func drive(ctx context.Context, sp *engine.StreamProcessor, clock *testutil.ManualClock, suspensions <-chan engine.Suspension, limit int, result *Result) error {
	for {
		select {
		case s := <-suspensions:
			result.Suspensions = append(result.Suspensions, s)
			if quiescent(s) {
				return nil
			}
			if len(result.Suspensions) >= limit {
				return fmt.Errorf("stream processor did not settle after %d suspensions", limit)
			}
			clock.Advance(s.Duration)

		case <-sp.Done():
			if ctx.Err() != nil {
				return fmt.Errorf("stream processor did not settle: %w", ctx.Err())
			}
			return fmt.Errorf("stream processor terminated: %w", sp.Err())

		case <-ctx.Done():
			return fmt.Errorf("stream processor did not settle: %w", ctx.Err())
		}
	}
}

// quiescent reports whether no clock movement can make the processor do
// more work.
func quiescent(s engine.Suspension) bool {
	return s.Point != engine.SuspensionBackoff && !s.RetryScheduled
}

func newEvents(specs []EventSpec) []store.NewEvent {
	out := make([]store.NewEvent, len(specs))
	for i, e := range specs {
		out[i] = store.NewEvent{
			Partition: model.PartitionID(e.Partition),
			Type:      e.Type,
			Content:   e.Content,
		}
	}
	return out
}

// recorder wraps an event processor and records every attempt.
//
// Implements engine.EventProcessor.
type recorder struct {
	inner     engine.EventProcessor
	clock     *testutil.ManualClock
	start     time.Time
	positions map[string]model.StreamPosition

	mu    sync.Mutex
	trace []Attempt
}

func newRecorder(inner engine.EventProcessor, clock *testutil.ManualClock, start time.Time, events []model.StreamEvent) *recorder {
	positions := make(map[string]model.StreamPosition, len(events))
	for _, e := range events {
		positions[e.Event.EventID] = e.Position
	}
	return &recorder{
		inner:     inner,
		clock:     clock,
		start:     start,
		positions: positions,
	}
}

func (r *recorder) Identifier() model.EventProcessorID { return r.inner.Identifier() }

func (r *recorder) Scope() model.ScopeID { return r.inner.Scope() }

func (r *recorder) Process(ctx context.Context, event model.CommittedEvent, partition model.PartitionID) model.ProcessingResult {
	at := r.clock.Now().Sub(r.start)
	result := r.inner.Process(ctx, event, partition)
	r.record(Attempt{
		At:        at,
		Position:  r.positions[event.EventID],
		Partition: partition,
		EventID:   event.EventID,
		Result:    result,
	})
	return result
}

func (r *recorder) ReProcess(ctx context.Context, event model.CommittedEvent, partition model.PartitionID, reason string, attempts uint32) model.ProcessingResult {
	at := r.clock.Now().Sub(r.start)
	result := r.inner.ReProcess(ctx, event, partition, reason, attempts)
	r.record(Attempt{
		At:        at,
		Position:  r.positions[event.EventID],
		Partition: partition,
		EventID:   event.EventID,
		Retry:     true,
		Attempts:  attempts,
		Result:    result,
	})
	return result
}

func (r *recorder) record(a Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.Step = len(r.trace) + 1
	r.trace = append(r.trace, a)
}

// Trace returns a copy of the recorded attempts.
func (r *recorder) Trace() []Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Attempt, len(r.trace))
	copy(out, r.trace)
	return out
}
