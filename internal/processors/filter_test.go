package processors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventcore/internal/model"
	"github.com/roach88/eventcore/internal/store"
)

type recordingAppender struct {
	scope  model.ScopeID
	stream model.StreamID
	events []store.NewEvent
	err    error
}

func (r *recordingAppender) Append(_ context.Context, scope model.ScopeID, stream model.StreamID, events []store.NewEvent) ([]model.StreamEvent, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.scope = scope
	r.stream = stream
	r.events = append(r.events, events...)
	return nil, nil
}

func TestFilterConfig_Validate(t *testing.T) {
	assert.Error(t, FilterConfig{Target: "out"}.Validate())
	assert.Error(t, FilterConfig{Types: []string{"A"}}.Validate())
	assert.NoError(t, FilterConfig{Types: []string{"A"}, Target: "out"}.Validate())

	_, err := NewFilter("f", "", FilterConfig{Types: []string{"A"}, Target: "out"}, nil, testPolicy)
	assert.Error(t, err)
}

func TestFilter_CopiesMatchingTypes(t *testing.T) {
	appender := &recordingAppender{}
	f, err := NewFilter("filter", "", FilterConfig{Types: []string{"OrderPlaced"}, Target: "placed"}, appender, testPolicy)
	require.NoError(t, err)

	ctx := t.Context()
	skipped := f.Process(ctx, model.CommittedEvent{EventID: "e1", Type: "OrderShipped"}, "p1")
	assert.Equal(t, model.Succeeded(), skipped)
	assert.Empty(t, appender.events)

	copied := f.Process(ctx, model.CommittedEvent{EventID: "e2", Type: "OrderPlaced", Content: `{"id":1}`, Public: true}, "p1")
	assert.Equal(t, model.Succeeded(), copied)
	assert.Equal(t, model.DefaultScope, appender.scope)
	assert.Equal(t, model.StreamID("placed"), appender.stream)
	assert.Equal(t, []store.NewEvent{{
		Partition:   model.UnspecifiedPartition,
		Type:        "OrderPlaced",
		Content:     `{"id":1}`,
		EventSource: "e2",
		Public:      true,
	}}, appender.events)
}

func TestFilter_KeepsPartitionWhenPartitioned(t *testing.T) {
	appender := &recordingAppender{}
	f, err := NewFilter("filter", "", FilterConfig{Types: []string{"A"}, Target: "out", Partitioned: true}, appender, testPolicy)
	require.NoError(t, err)

	f.Process(t.Context(), model.CommittedEvent{Type: "A"}, "customer-7")
	require.Len(t, appender.events, 1)
	assert.Equal(t, model.PartitionID("customer-7"), appender.events[0].Partition)
}

func TestFilter_AppendFailureIsRetryable(t *testing.T) {
	appender := &recordingAppender{err: errors.New("database is locked")}
	f, err := NewFilter("filter", "", FilterConfig{Types: []string{"A"}, Target: "out"}, appender, testPolicy)
	require.NoError(t, err)

	result := f.ReProcess(t.Context(), model.CommittedEvent{Type: "A"}, "", "x", 1)
	retry, ok := result.(model.Retryable)
	require.True(t, ok, "got %T", result)
	assert.Equal(t, 2*time.Second, retry.RetryTimeout)
	assert.Contains(t, retry.Reason, "database is locked")
}

func TestFilter_AppendsToStore(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	events := s.Events(model.DefaultTenant)
	f, err := NewFilter("filter", "", FilterConfig{Types: []string{"A"}, Target: "out"}, events, testPolicy)
	require.NoError(t, err)

	require.True(t, f.Process(t.Context(), model.CommittedEvent{EventID: "src-1", Type: "A", Content: `{}`}, "").Succeeded())

	copied, err := events.Fetch(t.Context(), model.DefaultScope, "out", 0)
	require.NoError(t, err)
	assert.Equal(t, "A", copied.Event.Type)
	assert.Equal(t, "src-1", copied.Event.EventSource)
}

func TestLog_AlwaysSucceeds(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	l := NewLog("audit", "", logger)

	result := l.Process(t.Context(), model.CommittedEvent{EventID: "e1", Type: "OrderPlaced"}, "p1")
	assert.Equal(t, model.Succeeded(), result)
	assert.Contains(t, buf.String(), "event_processor=audit")
	assert.Contains(t, buf.String(), "type=OrderPlaced")
	assert.Contains(t, buf.String(), "partition=p1")
}
