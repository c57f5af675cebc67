package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventcore/internal/model"
)

// flakyRepository fails the first failures calls with err.
type flakyRepository struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	state    model.State
}

func (f *flakyRepository) next() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	return nil
}

func (f *flakyRepository) GetOrCreate(_ context.Context, _ model.StreamProcessorID, partitioned bool) (model.State, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	if f.state == nil {
		return model.NewState(partitioned), nil
	}
	return f.state, nil
}

func (f *flakyRepository) Persist(_ context.Context, _ model.StreamProcessorID, state model.State) error {
	if err := f.next(); err != nil {
		return err
	}
	f.state = state
	return nil
}

var fastRetry = RetryConfig{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxElapsedTime:  time.Second,
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestResilientStates_RetriesBusy(t *testing.T) {
	inner := &flakyRepository{failures: 3, err: sqlite3.Error{Code: sqlite3.ErrBusy}}
	r := NewResilientStates(inner, fastRetry, discardLogger())

	err := r.Persist(t.Context(), testProcessorID("orders"), model.UnpartitionedState{Position: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, inner.calls)
	assert.Equal(t, model.UnpartitionedState{Position: 2}, inner.state)

	inner.failures = 2
	state, err := r.GetOrCreate(t.Context(), testProcessorID("orders"), false)
	require.NoError(t, err)
	assert.Equal(t, model.StreamPosition(2), state.StreamPosition())
}

func TestResilientStates_PermanentErrorsNotRetried(t *testing.T) {
	inner := &flakyRepository{failures: 5, err: model.ErrStateMismatch}
	r := NewResilientStates(inner, fastRetry, discardLogger())

	_, err := r.GetOrCreate(t.Context(), testProcessorID("orders"), true)
	assert.ErrorIs(t, err, model.ErrStateMismatch)
	assert.Equal(t, 1, inner.calls)

	boom := errors.New("constraint failed")
	inner.err = boom
	err = r.Persist(t.Context(), testProcessorID("orders"), model.UnpartitionedState{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, inner.calls)
}

func TestResilientStates_GivesUpAfterMaxElapsed(t *testing.T) {
	inner := &flakyRepository{failures: 1 << 20, err: sqlite3.Error{Code: sqlite3.ErrLocked}}
	r := NewResilientStates(inner, RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		MaxElapsedTime:  20 * time.Millisecond,
	}, discardLogger())

	err := r.Persist(t.Context(), testProcessorID("orders"), model.UnpartitionedState{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Greater(t, inner.calls, 1)
}

func TestResilientStates_StopsOnCancel(t *testing.T) {
	inner := &flakyRepository{failures: 1 << 20, err: sqlite3.Error{Code: sqlite3.ErrBusy}}
	r := NewResilientStates(inner, RetryConfig{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		MaxElapsedTime:  time.Hour,
	}, discardLogger())

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()

	err := r.Persist(ctx, testProcessorID("orders"), model.UnpartitionedState{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResilientStates_AgainstStore(t *testing.T) {
	s := createTestStore(t)
	r := NewResilientStates(s.States(testTenant), RetryConfig{}, discardLogger())
	id := testProcessorID("orders")

	require.NoError(t, r.Persist(t.Context(), id, model.UnpartitionedState{Position: 1}))
	state, err := r.GetOrCreate(t.Context(), id, false)
	require.NoError(t, err)
	assert.Equal(t, model.StreamPosition(1), state.StreamPosition())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"unavailable", model.ErrEventStoreUnavailable, true},
		{"mismatch", model.ErrStateMismatch, false},
		{"closed", errors.New("sql: database is closed"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestClassifyFetch(t *testing.T) {
	err := classifyFetch("fetch", sqlite3.Error{Code: sqlite3.ErrBusy})
	assert.ErrorIs(t, err, model.ErrEventStoreUnavailable)

	err = classifyFetch("fetch", model.ErrNoEventAtPosition)
	assert.ErrorIs(t, err, model.ErrNoEventAtPosition)
	assert.NotErrorIs(t, err, model.ErrEventStoreUnavailable)
}
