package model

import (
	"fmt"
	"time"
)

// TimeToRetry reports how long until the state next needs a retry.
//
// Returns ok=false when nothing is failing. A retry time in the past yields a
// zero duration. A NeverRetry sentinel yields a duration saturated at the
// maximum; callers must bound their waits.
//
// For a partitioned state the earliest failing partition wins.
func TimeToRetry(s State, now time.Time) (time.Duration, bool) {
	switch st := s.(type) {
	case UnpartitionedState:
		if !st.IsFailing {
			return 0, false
		}
		return untilRetry(st.RetryTime, now), true
	case PartitionedState:
		if len(st.FailingPartitions) == 0 {
			return 0, false
		}
		var earliest time.Duration
		first := true
		for _, f := range st.FailingPartitions {
			d := untilRetry(f.RetryTime, now)
			if first || d < earliest {
				earliest = d
				first = false
			}
		}
		return earliest, true
	case nil:
		return 0, false
	default:
		panic(fmt.Sprintf("unknown state %T", s))
	}
}

// RetryDue reports whether a retry scheduled at retryTime should run now.
func RetryDue(retryTime, now time.Time) bool {
	return !IsNeverRetry(retryTime) && !retryTime.After(now)
}

func untilRetry(retryTime, now time.Time) time.Duration {
	if !retryTime.After(now) {
		return 0
	}
	// Sub saturates at the maximum duration for NeverRetry.
	return retryTime.Sub(now)
}

// HasScheduledRetry reports whether the state has a failure that will be
// retried on its own, as opposed to one parked at NeverRetry.
func HasScheduledRetry(s State) bool {
	switch st := s.(type) {
	case UnpartitionedState:
		return st.IsFailing && !IsNeverRetry(st.RetryTime)
	case PartitionedState:
		for _, f := range st.FailingPartitions {
			if !IsNeverRetry(f.RetryTime) {
				return true
			}
		}
	}
	return false
}
