package harness

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/eventcore/internal/model"
)

// AssertionError is returned when an assertion fails.
// It includes the trace to help debug the failure.
type AssertionError struct {
	Type     string    // Assertion type for categorization
	Expected string    // Human-readable expected outcome
	Actual   string    // Human-readable actual outcome
	Trace    []Attempt // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, a := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] +%s %s position=%d", a.Step, a.At, a.Kind(), a.Position)
		if a.Partition != "" {
			fmt.Fprintf(&buf, " partition=%s", a.Partition)
		}
		fmt.Fprintf(&buf, " -> %s\n", model.ResultName(a.Result))
	}
	return buf.String()
}

// EvaluateAssertions runs all assertions against the result and returns the
// failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertFinalState:
			err = assertFinalState(result, a)
		case AssertProcessedOrder:
			err = assertProcessedOrder(result, a)
		case AssertAttemptCount:
			err = assertAttemptCount(result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %s", i, err))
		}
	}
	return errs
}

// assertProcessedOrder compares the positions handed to the processor,
// including retries, with the expected order.
func assertProcessedOrder(result *Result, a Assertion) error {
	var partition *model.PartitionID
	if a.Partition != nil {
		p := model.PartitionID(*a.Partition)
		partition = &p
	}

	actual := result.Positions(partition)
	expected := make([]model.StreamPosition, len(a.Positions))
	for i, p := range a.Positions {
		expected[i] = model.StreamPosition(p)
	}
	if slices.Equal(actual, expected) {
		return nil
	}

	label := "processed order"
	if partition != nil {
		label = fmt.Sprintf("processed order of partition %s", *partition)
	}
	return &AssertionError{
		Type:     AssertProcessedOrder,
		Expected: fmt.Sprintf("%s %v", label, expected),
		Actual:   fmt.Sprintf("%v", actual),
		Trace:    result.Trace,
	}
}

// assertAttemptCount compares how often one event was attempted.
func assertAttemptCount(result *Result, a Assertion) error {
	position := model.StreamPosition(*a.Position)
	actual := result.AttemptCount(position)
	if actual == *a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertAttemptCount,
		Expected: fmt.Sprintf("%d attempts on position %d", *a.Count, position),
		Actual:   fmt.Sprintf("%d attempts", actual),
		Trace:    result.Trace,
	}
}

// assertFinalState compares the fields set in the assertion with the
// persisted state. Unset fields are not checked.
func assertFinalState(result *Result, a Assertion) error {
	var mismatches []string
	mismatch := func(field string, expected, actual any) {
		mismatches = append(mismatches, fmt.Sprintf("%s: expected %v, got %v", field, expected, actual))
	}

	if a.Position != nil {
		if actual := uint64(result.Final.StreamPosition()); actual != *a.Position {
			mismatch("position", *a.Position, actual)
		}
	}

	switch st := result.Final.(type) {
	case model.UnpartitionedState:
		if a.Failing != nil && st.IsFailing != *a.Failing {
			mismatch("failing", *a.Failing, st.IsFailing)
		}
		if a.Attempts != nil && st.ProcessingAttempts != *a.Attempts {
			mismatch("attempts", *a.Attempts, st.ProcessingAttempts)
		}
		if a.Reason != nil && st.FailureReason != *a.Reason {
			mismatch("reason", *a.Reason, st.FailureReason)
		}
	case model.PartitionedState:
		if a.FailingPartitions != nil {
			mismatches = append(mismatches, compareFailingPartitions(a.FailingPartitions, st.FailingPartitions)...)
		}
	default:
		return fmt.Errorf("unexpected final state %T", result.Final)
	}

	if len(mismatches) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertFinalState,
		Expected: "persisted state to match",
		Actual:   strings.Join(mismatches, "; "),
		Trace:    result.Trace,
	}
}

func compareFailingPartitions(expected map[string]PartitionExpect, actual map[model.PartitionID]model.FailingPartitionState) []string {
	var out []string

	for _, partition := range sortedPartitions(expected, actual) {
		want, expectedOK := expected[partition]
		got, actualOK := actual[model.PartitionID(partition)]
		switch {
		case !expectedOK:
			out = append(out, fmt.Sprintf("failing_partitions: unexpected partition %s", partition))
			continue
		case !actualOK:
			out = append(out, fmt.Sprintf("failing_partitions: partition %s is not failing", partition))
			continue
		}

		prefix := "failing_partitions." + partition
		if want.Position != nil && uint64(got.Position) != *want.Position {
			out = append(out, fmt.Sprintf("%s.position: expected %d, got %d", prefix, *want.Position, got.Position))
		}
		if want.Attempts != nil && got.ProcessingAttempts != *want.Attempts {
			out = append(out, fmt.Sprintf("%s.attempts: expected %d, got %d", prefix, *want.Attempts, got.ProcessingAttempts))
		}
		if want.Reason != nil && got.Reason != *want.Reason {
			out = append(out, fmt.Sprintf("%s.reason: expected %q, got %q", prefix, *want.Reason, got.Reason))
		}
		if want.NeverRetry != nil && model.IsNeverRetry(got.RetryTime) != *want.NeverRetry {
			out = append(out, fmt.Sprintf("%s.never_retry: expected %t, got %t", prefix, *want.NeverRetry, model.IsNeverRetry(got.RetryTime)))
		}
	}
	return out
}

func sortedPartitions(expected map[string]PartitionExpect, actual map[model.PartitionID]model.FailingPartitionState) []string {
	seen := make(map[string]bool)
	for p := range expected {
		seen[p] = true
	}
	for p := range actual {
		seen[string(p)] = true
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
