package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventcore/internal/model"
	"github.com/roach88/eventcore/internal/testutil"
)

func TestUnpartitioned_RetryableFailureThenSuccess(t *testing.T) {
	events := newMemoryEvents()
	states := newMemoryStates()
	driver := newLoopDriver()
	start := driver.clock.Now()

	events.append(testStream, "", "e0")
	events.append(testStream, "", "e1")
	events.append(testStream, "", "e2")

	processor := testutil.NewScriptedProcessor("projection", "").
		Script("e1", model.RetryAfter("transient", 100*time.Millisecond))
	sp := startProcessor(t, context.Background(), false, processor, events, states, driver)

	waiting := driver.await(t, SuspensionWaitingForRetry)
	assert.Equal(t, 100*time.Millisecond, waiting.Duration)
	assert.True(t, waiting.RetryScheduled)

	assert.Equal(t, model.UnpartitionedState{
		Position:                  1,
		FailureReason:             "transient",
		RetryTime:                 start.Add(100 * time.Millisecond),
		ProcessingAttempts:        1,
		IsFailing:                 true,
		LastSuccessfullyProcessed: start,
	}, states.get(sp.ID()))

	driver.clock.Advance(100 * time.Millisecond)
	driver.await(t, SuspensionWaitingForEvent)

	final := states.get(sp.ID()).(model.UnpartitionedState)
	assert.Equal(t, model.StreamPosition(3), final.Position)
	assert.False(t, final.IsFailing)
	assert.Zero(t, final.ProcessingAttempts)
	assert.Empty(t, final.FailureReason)

	assert.Equal(t, []testutil.Call{
		{EventID: "e0", Type: "test"},
		{EventID: "e1", Type: "test"},
		{EventID: "e1", Type: "test", Retry: true, Reason: "transient", Attempts: 1},
		{EventID: "e2", Type: "test"},
	}, processor.Calls())
	assert.Equal(t, final, sp.State())
}

func TestUnpartitioned_PositionIsMonotonic(t *testing.T) {
	events := newMemoryEvents()
	states := newMemoryStates()
	driver := newLoopDriver()

	for _, id := range []string{"e0", "e1", "e2", "e3", "e4"} {
		events.append(testStream, "", id)
	}
	processor := testutil.NewScriptedProcessor("projection", "").
		Script("e1", model.RetryAfter("a", time.Second), model.RetryAfter("b", time.Second)).
		Script("e3", model.RetryAfter("c", time.Second))
	sp := startProcessor(t, context.Background(), false, processor, events, states, driver)

	for i := 0; i < 3; i++ {
		driver.await(t, SuspensionWaitingForRetry)
		driver.clock.Advance(time.Second)
	}
	driver.await(t, SuspensionWaitingForEvent)

	var previous model.UnpartitionedState
	for i, s := range states.persisted(sp.ID()) {
		st := s.(model.UnpartitionedState)
		require.NoError(t, st.Validate())
		assert.GreaterOrEqual(t, st.Position, previous.Position, "persisted state %d", i)
		if st.Position > previous.Position {
			assert.Equal(t, previous.Position+1, st.Position, "advances by exactly one")
			assert.False(t, st.IsFailing)
		} else {
			assert.True(t, st.IsFailing, "position unchanged only on failure")
		}
		previous = st
	}
	assert.Equal(t, model.StreamPosition(5), previous.Position)
}

func TestUnpartitioned_AttemptsAccumulate(t *testing.T) {
	events := newMemoryEvents()
	states := newMemoryStates()
	driver := newLoopDriver()

	events.append(testStream, "", "e0")
	processor := testutil.NewScriptedProcessor("projection", "").
		Script("e0",
			model.RetryAfter("one", time.Second),
			model.RetryAfter("two", 2*time.Second))
	sp := startProcessor(t, context.Background(), false, processor, events, states, driver)

	driver.await(t, SuspensionWaitingForRetry)
	driver.clock.Advance(time.Second)

	waiting := driver.await(t, SuspensionWaitingForRetry)
	assert.Equal(t, 2*time.Second, waiting.Duration)
	st := states.get(sp.ID()).(model.UnpartitionedState)
	assert.Equal(t, uint32(2), st.ProcessingAttempts)
	assert.Equal(t, "two", st.FailureReason)
	assert.Equal(t, model.StreamPosition(0), st.Position)

	driver.clock.Advance(2 * time.Second)
	driver.await(t, SuspensionWaitingForEvent)

	calls := processor.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, uint32(2), calls[2].Attempts)
	assert.Equal(t, "two", calls[2].Reason)
}

func TestUnpartitioned_RetryNotBeforeTimeout(t *testing.T) {
	events := newMemoryEvents()
	states := newMemoryStates()
	driver := newLoopDriver()

	events.append(testStream, "", "e0")
	processor := testutil.NewScriptedProcessor("projection", "").
		Script("e0", model.RetryAfter("later", time.Second))
	startProcessor(t, context.Background(), false, processor, events, states, driver)

	driver.await(t, SuspensionWaitingForRetry)
	driver.clock.Advance(999 * time.Millisecond)

	assert.Never(t, func() bool { return len(processor.Calls()) > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	driver.clock.Advance(time.Millisecond)
	driver.await(t, SuspensionWaitingForEvent)
	assert.Len(t, processor.Calls(), 2)
}

func TestUnpartitioned_PermanentFailureBlocksUntilRepositioned(t *testing.T) {
	events := newMemoryEvents()
	states := newMemoryStates()
	driver := newLoopDriver()

	events.append(testStream, "", "e0")
	events.append(testStream, "", "e1")
	processor := testutil.NewScriptedProcessor("projection", "").
		Script("e0", model.Fail("poison"))
	sp := startProcessor(t, context.Background(), false, processor, events, states, driver)

	waiting := driver.await(t, SuspensionWaitingForRetry)
	assert.Equal(t, DefaultMaxRetryWait, waiting.Duration)
	assert.False(t, waiting.RetryScheduled)

	st := states.get(sp.ID()).(model.UnpartitionedState)
	assert.Equal(t, model.StreamPosition(0), st.Position)
	assert.True(t, model.IsNeverRetry(st.RetryTime))
	assert.Equal(t, "poison", st.FailureReason)

	// Nothing changes while parked.
	driver.clock.Advance(DefaultMaxRetryWait)
	driver.await(t, SuspensionWaitingForRetry)
	assert.Len(t, processor.Calls(), 1)

	// Operator skips the poisoned event.
	states.set(sp.ID(), model.UnpartitionedState{Position: 1})
	driver.clock.Advance(DefaultMaxRetryWait)
	driver.await(t, SuspensionWaitingForEvent)

	assert.Equal(t, []string{"e0", "e1"}, processor.EventIDs())
	assert.Equal(t, model.StreamPosition(2), states.get(sp.ID()).StreamPosition())
}

func TestUnpartitioned_StoreUnavailableBacksOff(t *testing.T) {
	events := newMemoryEvents()
	states := newMemoryStates()
	driver := newLoopDriver()

	events.append(testStream, "", "e0")
	events.failNextFetches(2)
	processor := testutil.NewScriptedProcessor("projection", "")
	sp := startProcessor(t, context.Background(), false, processor, events, states, driver)

	backoff := driver.await(t, SuspensionBackoff)
	assert.Equal(t, DefaultStoreUnavailableBackoff, backoff.Duration)
	assert.Empty(t, states.persisted(sp.ID()))

	driver.clock.Advance(time.Second)
	driver.await(t, SuspensionBackoff)
	driver.clock.Advance(time.Second)
	driver.await(t, SuspensionWaitingForEvent)

	st := states.get(sp.ID()).(model.UnpartitionedState)
	assert.Equal(t, model.StreamPosition(1), st.Position)
	assert.Zero(t, st.ProcessingAttempts)
	assert.Len(t, processor.Calls(), 1)
}

func TestUnpartitioned_WakesOnNewEvent(t *testing.T) {
	events := newMemoryEvents()
	states := newMemoryStates()
	driver := newLoopDriver()

	processor := testutil.NewScriptedProcessor("projection", "")
	sp := startProcessor(t, context.Background(), false, processor, events, states, driver)

	waiting := driver.await(t, SuspensionWaitingForEvent)
	assert.Equal(t, DefaultEventWaitTimeout, waiting.Duration)
	assert.False(t, waiting.RetryScheduled)

	events.append(testStream, "", "e0")
	driver.await(t, SuspensionWaitingForEvent)

	assert.Equal(t, []string{"e0"}, processor.EventIDs())
	assert.Equal(t, model.StreamPosition(1), sp.State().StreamPosition())
}

func TestUnpartitioned_PersistenceFailureTerminates(t *testing.T) {
	events := newMemoryEvents()
	states := newMemoryStates()
	driver := newLoopDriver()

	events.append(testStream, "", "e0")
	states.failPersist(errors.New("disk full"))
	processor := testutil.NewScriptedProcessor("projection", "")

	sp := startProcessor(t, context.Background(), false, processor, events, states, driver)
	awaitDone(t, sp)

	assert.Equal(t, StatusStopped, sp.Status())
	require.Error(t, sp.Err())
	assert.True(t, IsPersistenceFailed(sp.Err()))
	assert.ErrorContains(t, sp.Err(), "disk full")
	assert.Equal(t, model.UnpartitionedState{}, states.get(sp.ID()))
	assert.Equal(t, model.UnpartitionedState{}, sp.State())
}

func TestUnpartitioned_ResumesFromPersistedState(t *testing.T) {
	events := newMemoryEvents()
	states := newMemoryStates()

	events.append(testStream, "", "e0")
	events.append(testStream, "", "e1")

	first := testutil.NewScriptedProcessor("projection", "")
	driver := newLoopDriver()
	sp := startProcessor(t, context.Background(), false, first, events, states, driver)
	driver.await(t, SuspensionWaitingForEvent)
	sp.Stop()
	awaitDone(t, sp)
	require.NoError(t, sp.Err())

	events.append(testStream, "", "e2")

	second := testutil.NewScriptedProcessor("projection", "")
	driver = newLoopDriver()
	startProcessor(t, context.Background(), false, second, events, states, driver)
	driver.await(t, SuspensionWaitingForEvent)

	assert.Equal(t, []string{"e0", "e1"}, first.EventIDs())
	assert.Equal(t, []string{"e2"}, second.EventIDs())
	assert.Equal(t, model.StreamPosition(3), states.get(sp.ID()).StreamPosition())
}

func TestUnpartitioned_CancelledAttemptIsNotPersisted(t *testing.T) {
	events := newMemoryEvents()
	states := newMemoryStates()
	driver := newLoopDriver()

	events.append(testStream, "", "e0")

	entered := make(chan struct{})
	processor := testutil.NewScriptedProcessor("projection", "").
		OnCall(func(ctx context.Context, _ testutil.Call) {
			close(entered)
			<-ctx.Done()
		})

	ctx, cancel := context.WithCancel(context.Background())
	sp := startProcessor(t, ctx, false, processor, events, states, driver)

	<-entered
	cancel()
	awaitDone(t, sp)

	assert.NoError(t, sp.Err())
	assert.Empty(t, states.persisted(sp.ID()))
	assert.Equal(t, model.StreamPosition(0), states.get(sp.ID()).StreamPosition())
}

func TestStreamProcessor_StartTwice(t *testing.T) {
	events := newMemoryEvents()
	states := newMemoryStates()
	driver := newLoopDriver()

	sp := startProcessor(t, context.Background(), false, testutil.NewScriptedProcessor("projection", ""), events, states, driver)
	assert.Equal(t, StatusRunning, sp.Status())

	err := sp.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsAlreadyProcessingStream(err))

	sp.Stop()
	awaitDone(t, sp)

	err = sp.Start(context.Background())
	assert.True(t, IsAlreadyProcessingStream(err))
}

func TestStreamProcessor_StopBeforeStart(t *testing.T) {
	processor := testutil.NewScriptedProcessor("projection", "")
	sp, err := NewStreamProcessor(model.DefaultTenant,
		model.StreamDefinition{StreamID: testStream},
		testID("projection"), processor, newMemoryEvents(), newMemoryStates(), nil)
	require.NoError(t, err)

	terminated := false
	sp.OnTerminated(func(*StreamProcessor) { terminated = true })

	sp.Stop()
	awaitDone(t, sp)
	assert.True(t, terminated)
	assert.Equal(t, StatusStopped, sp.Status())
	assert.True(t, IsAlreadyProcessingStream(sp.Start(context.Background())))
}

func TestStreamProcessor_StateMismatch(t *testing.T) {
	states := newMemoryStates()
	id := testID("projection")
	states.set(id, model.PartitionedState{Position: 4})

	sp, err := NewStreamProcessor(model.DefaultTenant,
		model.StreamDefinition{StreamID: testStream},
		id, testutil.NewScriptedProcessor("projection", ""), newMemoryEvents(), states, nil)
	require.NoError(t, err)

	err = sp.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsStateMismatch(err))
	awaitDone(t, sp)
	assert.Equal(t, err, sp.Err())
}

func TestNewStreamProcessor_Validation(t *testing.T) {
	processor := testutil.NewScriptedProcessor("projection", "")

	_, err := NewStreamProcessor(model.DefaultTenant,
		model.StreamDefinition{StreamID: "other"},
		testID("projection"), processor, nil, nil, nil)
	assert.ErrorContains(t, err, "does not match source stream")

	_, err = NewStreamProcessor(model.DefaultTenant,
		model.StreamDefinition{StreamID: testStream},
		testID("handler"), processor, nil, nil, nil)
	assert.True(t, IsEventProcessorMismatch(err))

	_, err = NewStreamProcessor(model.DefaultTenant,
		model.StreamDefinition{StreamID: testStream},
		model.StreamProcessorID{}, processor, nil, nil, nil)
	assert.Error(t, err)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "idle", StatusIdle.String())
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "stopped", StatusStopped.String())
	assert.Equal(t, "WaitingForEvent", SuspensionWaitingForEvent.String())
	assert.Equal(t, "WaitingForRetry", SuspensionWaitingForRetry.String())
	assert.Equal(t, "Backoff", SuspensionBackoff.String())
}
