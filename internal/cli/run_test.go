package cli

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventcore/internal/compiler"
	"github.com/roach88/eventcore/internal/config"
	"github.com/roach88/eventcore/internal/model"
	"github.com/roach88/eventcore/internal/processors"
	"github.com/roach88/eventcore/internal/store"
)

const filterDeclaration = `package test

processor: "placed": {
	source: "orders"
	kind:   "filter"
	filter: {
		types:  ["OrderPlaced"]
		target: "placed-orders"
	}
}
`

func TestRunCommand_ProcessesEvents(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	declarations := writeDeclarations(t, map[string]string{"placed.cue": filterDeclaration})

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	_, err = st.Events(model.DefaultTenant).Append(context.Background(), model.DefaultScope, "orders", []store.NewEvent{
		{Type: "OrderPlaced", Content: `{"id":1}`},
		{Type: "OrderPaid", Content: `{"id":1}`},
		{Type: "OrderPlaced", Content: `{"id":2}`},
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	reader, err := store.Open(dbPath)
	require.NoError(t, err)
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stdout := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--db", dbPath, "run", "--declarations", declarations})

	done := make(chan error, 1)
	go func() {
		done <- cmd.ExecuteContext(ctx)
	}()

	id := model.NewStreamProcessorID(model.DefaultScope, "placed", "orders")
	states := reader.States(model.DefaultTenant)
	require.Eventually(t, func() bool {
		state, found, err := states.Get(context.Background(), id)
		return err == nil && found && state.StreamPosition() == 3
	}, 10*time.Second, 20*time.Millisecond)

	events := reader.Events(model.DefaultTenant)

	copied, err := events.Range(context.Background(), model.DefaultScope, "placed-orders", 0, 2)
	require.NoError(t, err)
	require.Len(t, copied, 2)
	assert.Equal(t, `{"id":1}`, copied[0].Event.Content)
	assert.Equal(t, `{"id":2}`, copied[1].Event.Content)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	assert.Contains(t, stdout.String(), "Running 1 processor(s) for 1 tenant(s)")
}

func TestRunCommand_InvalidDeclarations(t *testing.T) {
	declarations := writeDeclarations(t, map[string]string{
		"bad.cue": "package test\n\nprocessor: audit: { source: \"orders\", kind: \"webhook\" }\n",
	})

	_, err := execute(t, "--db", filepath.Join(t.TempDir(), "events.db"), "run", "--declarations", declarations)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid declarations")
}

func TestProcessorFactory(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()
	logger := newLogger(&RootOptions{}, config.Config{}, &bytes.Buffer{})

	logSpec := compiler.ProcessorSpec{Name: "audit", Scope: model.DefaultScope, Source: "orders", Kind: compiler.KindLog}
	p, err := processorFactory(logSpec, st, logger)(model.DefaultTenant)
	require.NoError(t, err)
	assert.Equal(t, model.EventProcessorID("audit"), p.Identifier())

	filterSpec := compiler.ProcessorSpec{
		Name: "copy", Scope: model.DefaultScope, Source: "orders", Kind: compiler.KindFilter,
		Filter: &compiler.FilterSpec{Types: []string{"A"}, Target: "out"},
		Retry:  compiler.RetrySpec{Initial: 250 * time.Millisecond},
	}
	p, err = processorFactory(filterSpec, st, logger)(model.DefaultTenant)
	require.NoError(t, err)
	fn, ok := p.(*processors.Func)
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, fn.Policy().Initial)
	assert.Equal(t, processors.DefaultMaxRetry, fn.Policy().Max)

	_, err = processorFactory(compiler.ProcessorSpec{Name: "x", Kind: "webhook"}, st, logger)(model.DefaultTenant)
	require.Error(t, err)
	_, err = processorFactory(compiler.ProcessorSpec{Name: "x", Kind: compiler.KindFilter}, st, logger)(model.DefaultTenant)
	require.Error(t, err)
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "eventcore_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := httptest.NewServer(metricsHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "eventcore_test_total 1")
}
