package harness

import (
	"context"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/eventcore/internal/model"
)

// Snapshot renders a run as canonical JSON for golden comparison.
//
// Times are offsets from the start of the run, so snapshots do not depend
// on the clock epoch.
func Snapshot(name string, result *Result) ([]byte, error) {
	trace := make([]any, len(result.Trace))
	for i, a := range result.Trace {
		entry := map[string]any{
			"step":     a.Step,
			"at":       a.At.String(),
			"position": uint64(a.Position),
			"kind":     a.Kind(),
			"attempts": a.Attempts,
			"result":   model.ResultName(a.Result),
		}
		if a.Partition != "" {
			entry["partition"] = string(a.Partition)
		}
		if reason, _, failed := model.FailureDetails(a.Result, time.Time{}); failed {
			entry["reason"] = reason
		}
		trace[i] = entry
	}

	return model.MarshalCanonical(map[string]any{
		"scenario_name": name,
		"trace":         trace,
		"final":         finalSnapshot(result.Final, result.Start),
	})
}

func finalSnapshot(state model.State, start time.Time) map[string]any {
	switch st := state.(type) {
	case model.UnpartitionedState:
		out := map[string]any{
			"position": uint64(st.Position),
			"failing":  st.IsFailing,
			"attempts": st.ProcessingAttempts,
		}
		if st.FailureReason != "" {
			out["reason"] = st.FailureReason
		}
		if st.IsFailing {
			out["retry_at"] = retryAt(st.RetryTime, start)
		}
		return out
	case model.PartitionedState:
		failing := make(map[string]any, len(st.FailingPartitions))
		for partition, f := range st.FailingPartitions {
			failing[string(partition)] = map[string]any{
				"position": uint64(f.Position),
				"attempts": f.ProcessingAttempts,
				"reason":   f.Reason,
				"retry_at": retryAt(f.RetryTime, start),
			}
		}
		return map[string]any{
			"position":           uint64(st.Position),
			"failing_partitions": failing,
		}
	default:
		return map[string]any{}
	}
}

func retryAt(t, start time.Time) string {
	if model.IsNeverRetry(t) {
		return "never"
	}
	return t.Sub(start).String()
}

// AssertGolden compares the snapshot of result against
// testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := Snapshot(name, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}

// RunWithGolden executes a scenario and compares its snapshot against the
// golden file named after the scenario.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}
