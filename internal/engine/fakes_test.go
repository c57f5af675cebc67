package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/eventcore/internal/model"
	"github.com/roach88/eventcore/internal/testutil"
)

// memoryEvents is an in-memory EventFetcher that notifies a watcher on append.
type memoryEvents struct {
	mu          sync.Mutex
	streams     map[model.StreamID][]model.StreamEvent
	unavailable int
	watcher     *StreamEventWatcher
}

func newMemoryEvents() *memoryEvents {
	return &memoryEvents{
		streams: make(map[model.StreamID][]model.StreamEvent),
		watcher: NewStreamEventWatcher(),
	}
}

// append adds an event with id to the stream and returns its position.
func (m *memoryEvents) append(stream model.StreamID, partition model.PartitionID, id string) model.StreamPosition {
	m.mu.Lock()
	position := model.StreamPosition(len(m.streams[stream]))
	m.streams[stream] = append(m.streams[stream], model.StreamEvent{
		Event: model.CommittedEvent{
			EventID:          id,
			EventLogSequence: uint64(position) + 1,
			Type:             "test",
			Content:          "{}",
		},
		Position:    position,
		Partition:   partition,
		StreamID:    stream,
		Partitioned: partition != model.UnspecifiedPartition,
	})
	m.mu.Unlock()

	m.watcher.NotifyForEvent(model.DefaultScope, stream, position)
	return position
}

// failNextFetches makes the next n fetches report the store as unavailable.
func (m *memoryEvents) failNextFetches(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = n
}

func (m *memoryEvents) Fetch(_ context.Context, _ model.ScopeID, stream model.StreamID, position model.StreamPosition) (model.StreamEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable > 0 {
		m.unavailable--
		return model.StreamEvent{}, fmt.Errorf("fetch: %w", model.ErrEventStoreUnavailable)
	}
	events := m.streams[stream]
	if int(position) >= len(events) {
		return model.StreamEvent{}, model.ErrNoEventAtPosition
	}
	return events[position], nil
}

func (m *memoryEvents) FindNext(_ context.Context, _ model.ScopeID, stream model.StreamID, partition model.PartitionID, from model.StreamPosition) (model.StreamPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.streams[stream]
	for i := int(from); i < len(events); i++ {
		if events[i].Partition == partition {
			return events[i].Position, nil
		}
	}
	return 0, model.ErrNoEventAtPosition
}

// memoryStates is an in-memory StateRepository that records every persisted
// state.
type memoryStates struct {
	mu          sync.Mutex
	states      map[model.StreamProcessorID]model.State
	history     map[model.StreamProcessorID][]model.State
	persistErr  error
	getOrCreate int
}

func newMemoryStates() *memoryStates {
	return &memoryStates{
		states:  make(map[model.StreamProcessorID]model.State),
		history: make(map[model.StreamProcessorID][]model.State),
	}
}

func (m *memoryStates) GetOrCreate(_ context.Context, id model.StreamProcessorID, partitioned bool) (model.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrCreate++
	if state, ok := m.states[id]; ok {
		if state.IsPartitioned() != partitioned {
			return nil, fmt.Errorf("get state %s: %w", id, model.ErrStateMismatch)
		}
		return state, nil
	}
	state := model.NewState(partitioned)
	m.states[id] = state
	return state, nil
}

func (m *memoryStates) Persist(_ context.Context, id model.StreamProcessorID, state model.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.persistErr != nil {
		return m.persistErr
	}
	m.states[id] = state
	m.history[id] = append(m.history[id], state)
	return nil
}

// set replaces a state out of band, as an operator would.
func (m *memoryStates) set(id model.StreamProcessorID, state model.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = state
}

func (m *memoryStates) get(id model.StreamProcessorID) model.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id]
}

func (m *memoryStates) persisted(id model.StreamProcessorID) []model.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.State, len(m.history[id]))
	copy(out, m.history[id])
	return out
}

func (m *memoryStates) failPersist(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistErr = err
}

// loopDriver observes suspensions and drives a manual clock.
type loopDriver struct {
	clock       *testutil.ManualClock
	suspensions chan Suspension
}

func newLoopDriver() *loopDriver {
	return &loopDriver{
		clock:       testutil.NewManualClock(time.Time{}),
		suspensions: make(chan Suspension, 256),
	}
}

func (d *loopDriver) options() []Option {
	return []Option{
		WithClock(d.clock),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithSuspensionObserver(func(s Suspension) {
			d.suspensions <- s
		}),
	}
}

// await returns the next suspension at point, skipping others.
func (d *loopDriver) await(t *testing.T, point SuspensionPoint) Suspension {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-d.suspensions:
			if s.Point == point {
				return s
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s suspension", point)
			return Suspension{}
		}
	}
}

// awaitDone waits for a processor to stop.
func awaitDone(t *testing.T, sp *StreamProcessor) {
	t.Helper()
	select {
	case <-sp.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream processor to stop")
	}
}

const testStream model.StreamID = "orders"

func testID(processor model.EventProcessorID) model.StreamProcessorID {
	return model.NewStreamProcessorID(model.DefaultScope, processor, testStream)
}

func startProcessor(
	t *testing.T,
	ctx context.Context,
	partitioned bool,
	processor *testutil.ScriptedProcessor,
	events *memoryEvents,
	states *memoryStates,
	driver *loopDriver,
) *StreamProcessor {
	t.Helper()
	sp, err := NewStreamProcessor(
		model.DefaultTenant,
		model.StreamDefinition{StreamID: testStream, Partitioned: partitioned},
		testID(processor.Identifier()),
		processor,
		events,
		states,
		events.watcher,
		driver.options()...,
	)
	require.NoError(t, err)
	require.NoError(t, sp.Start(ctx))
	t.Cleanup(func() {
		sp.Stop()
		<-sp.Done()
	})
	return sp
}
