package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventcore/internal/model"
)

const validScenario = `
name: basic
description: "Processes every event"
stream:
  id: orders
events:
  - { type: OrderPlaced }
script:
  - position: 0
    outcomes:
      - { result: retry, after: 5s }
      - { result: succeed }
assertions:
  - type: final_state
    position: 1
`

func TestLoadScenario_Valid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "basic.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "basic", scenario.Name)
	assert.Equal(t, "orders", scenario.Stream.ID)
	assert.False(t, scenario.Stream.Partitioned)
	require.Len(t, scenario.Script, 1)
	require.Len(t, scenario.Script[0].Outcomes, 2)
	require.NotNil(t, scenario.Assertions[0].Position)
	assert.Equal(t, uint64(1), *scenario.Assertions[0].Position)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown field",
			yaml:    "name: x\ndescription: y\nstream: {id: s}\nevents: [{type: T}]\nassertion: []\n",
			wantErr: "field assertion not found",
		},
		{
			name:    "missing name",
			yaml:    "description: y\nstream: {id: s}\nevents: [{type: T}]\nassertions: [{type: final_state}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing stream",
			yaml:    "name: x\ndescription: y\nevents: [{type: T}]\nassertions: [{type: final_state}]\n",
			wantErr: "stream.id is required",
		},
		{
			name:    "no events",
			yaml:    "name: x\ndescription: y\nstream: {id: s}\nassertions: [{type: final_state}]\n",
			wantErr: "events list is required",
		},
		{
			name:    "partition in unpartitioned stream",
			yaml:    "name: x\ndescription: y\nstream: {id: s}\nevents: [{partition: p1, type: T}]\nassertions: [{type: final_state}]\n",
			wantErr: "partition is not allowed",
		},
		{
			name:    "missing partition in partitioned stream",
			yaml:    "name: x\ndescription: y\nstream: {id: s, partitioned: true}\nevents: [{type: T}]\nassertions: [{type: final_state}]\n",
			wantErr: "partition is required",
		},
		{
			name:    "script beyond events",
			yaml:    "name: x\ndescription: y\nstream: {id: s}\nevents: [{type: T}]\nscript: [{position: 3, outcomes: [{result: fail}]}]\nassertions: [{type: final_state}]\n",
			wantErr: "position 3 has no event",
		},
		{
			name:    "unknown outcome",
			yaml:    "name: x\ndescription: y\nstream: {id: s}\nevents: [{type: T}]\nscript: [{position: 0, outcomes: [{result: explode}]}]\nassertions: [{type: final_state}]\n",
			wantErr: `unknown outcome "explode"`,
		},
		{
			name:    "retry without duration",
			yaml:    "name: x\ndescription: y\nstream: {id: s}\nevents: [{type: T}]\nscript: [{position: 0, outcomes: [{result: retry}]}]\nassertions: [{type: final_state}]\n",
			wantErr: "invalid after",
		},
		{
			name:    "unknown assertion",
			yaml:    "name: x\ndescription: y\nstream: {id: s}\nevents: [{type: T}]\nassertions: [{type: trace_contains}]\n",
			wantErr: `unknown type "trace_contains"`,
		},
		{
			name:    "attempt count without count",
			yaml:    "name: x\ndescription: y\nstream: {id: s}\nevents: [{type: T}]\nassertions: [{type: attempt_count, position: 0}]\n",
			wantErr: "count is required",
		},
		{
			name:    "failing partitions on unpartitioned stream",
			yaml:    "name: x\ndescription: y\nstream: {id: s}\nevents: [{type: T}]\nassertions: [{type: final_state, failing_partitions: {}}]\n",
			wantErr: "failing_partitions applies to partitioned streams",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOutcome_ProcessingResult(t *testing.T) {
	r, err := Outcome{Result: OutcomeSucceed}.ProcessingResult()
	require.NoError(t, err)
	assert.Equal(t, model.Succeeded(), r)

	r, err = Outcome{Result: OutcomeRetry, After: "250ms", Reason: "busy"}.ProcessingResult()
	require.NoError(t, err)
	assert.Equal(t, model.RetryAfter("busy", 250*time.Millisecond), r)

	r, err = Outcome{Result: OutcomeFail}.ProcessingResult()
	require.NoError(t, err)
	assert.Equal(t, model.Fail("scripted failure"), r)

	_, err = Outcome{Result: OutcomeRetry, After: "-1s"}.ProcessingResult()
	require.Error(t, err)
}
