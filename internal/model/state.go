package model

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// NeverRetry is the retry time of a permanent failure. It is never reached
// by the wall clock; the failure stays parked until an operator intervenes.
var NeverRetry = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// IsNeverRetry reports whether t is the permanent-failure sentinel.
func IsNeverRetry(t time.Time) bool {
	return !t.Before(NeverRetry)
}

// State is the persisted progress of a stream processor.
//
// Implemented by UnpartitionedState and PartitionedState only.
type State interface {
	state()

	// StreamPosition is the next position the main loop will fetch.
	StreamPosition() StreamPosition

	// IsPartitioned reports which variant this is.
	IsPartitioned() bool
}

// NewState returns the initial state of a newly registered processor.
func NewState(partitioned bool) State {
	if partitioned {
		return PartitionedState{}
	}
	return UnpartitionedState{}
}

// UnpartitionedState is the progress of a processor over an unpartitioned
// stream. A failure blocks the stream at Position until it is retried
// successfully.
type UnpartitionedState struct {
	Position                  StreamPosition `json:"position"`
	FailureReason             string         `json:"failure_reason"`
	RetryTime                 time.Time      `json:"retry_time"`
	ProcessingAttempts        uint32         `json:"processing_attempts"`
	IsFailing                 bool           `json:"is_failing"`
	LastSuccessfullyProcessed time.Time      `json:"last_successfully_processed"`
}

func (UnpartitionedState) state()                           {}
func (s UnpartitionedState) StreamPosition() StreamPosition { return s.Position }
func (UnpartitionedState) IsPartitioned() bool              { return false }

// Advanced returns the state after the event at Position-1 succeeded.
// Failure bookkeeping is cleared.
func (s UnpartitionedState) Advanced(next StreamPosition, at time.Time) UnpartitionedState {
	if next < s.Position {
		next = s.Position
	}
	return UnpartitionedState{
		Position:                  next,
		LastSuccessfullyProcessed: at,
	}
}

// Failing returns the state after processing the event at Position failed.
// The position is unchanged and the attempt count grows by one.
func (s UnpartitionedState) Failing(reason string, retryTime time.Time) UnpartitionedState {
	return UnpartitionedState{
		Position:                  s.Position,
		FailureReason:             reason,
		RetryTime:                 retryTime,
		ProcessingAttempts:        s.ProcessingAttempts + 1,
		IsFailing:                 true,
		LastSuccessfullyProcessed: s.LastSuccessfullyProcessed,
	}
}

// Validate checks the failing invariant.
func (s UnpartitionedState) Validate() error {
	if !s.IsFailing && (s.ProcessingAttempts != 0 || s.FailureReason != "") {
		return fmt.Errorf("unpartitioned state: not failing but has %d attempts and reason %q",
			s.ProcessingAttempts, s.FailureReason)
	}
	return nil
}

// FailingPartitionState is the progress of one partition that fell behind
// the stream position because processing one of its events failed.
type FailingPartitionState struct {
	Position           StreamPosition `json:"position"`
	RetryTime          time.Time      `json:"retry_time"`
	Reason             string         `json:"reason"`
	ProcessingAttempts uint32         `json:"processing_attempts"`
	LastFailed         time.Time      `json:"last_failed"`
}

// Failed returns the partition state after the event at position failed.
// Attempts accumulate while the partition keeps failing at the same position.
func (f FailingPartitionState) Failed(position StreamPosition, reason string, retryTime, at time.Time) FailingPartitionState {
	attempts := uint32(1)
	if position == f.Position {
		attempts = f.ProcessingAttempts + 1
	}
	return FailingPartitionState{
		Position:           position,
		RetryTime:          retryTime,
		Reason:             reason,
		ProcessingAttempts: attempts,
		LastFailed:         at,
	}
}

// Advanced returns the partition state after the event before next succeeded
// during catch-up. The partition stays failing, due immediately, until it
// reaches the stream position.
func (f FailingPartitionState) Advanced(next StreamPosition, at time.Time) FailingPartitionState {
	return FailingPartitionState{
		Position:   next,
		RetryTime:  at,
		Reason:     f.Reason,
		LastFailed: f.LastFailed,
	}
}

// PartitionedState is the progress of a processor over a partitioned stream.
//
// Position is how far events have been handed to partitions. Partitions
// behind it are listed in FailingPartitions; healthy partitions have no entry.
type PartitionedState struct {
	Position                  StreamPosition                        `json:"position"`
	FailingPartitions         map[PartitionID]FailingPartitionState `json:"failing_partitions"`
	LastSuccessfullyProcessed time.Time                             `json:"last_successfully_processed"`
}

func (PartitionedState) state()                           {}
func (s PartitionedState) StreamPosition() StreamPosition { return s.Position }
func (PartitionedState) IsPartitioned() bool              { return true }

// Advanced moves the stream position. Failing partitions are kept.
func (s PartitionedState) Advanced(next StreamPosition, at time.Time) PartitionedState {
	if next < s.Position {
		next = s.Position
	}
	out := s.clone()
	out.Position = next
	if !at.IsZero() {
		out.LastSuccessfullyProcessed = at
	}
	return out
}

// Skipped moves the stream position past an event that belongs to a failing
// partition without marking anything as processed.
func (s PartitionedState) Skipped(next StreamPosition) PartitionedState {
	return s.Advanced(next, time.Time{})
}

// WithFailingPartition returns a state with the partition entry set.
func (s PartitionedState) WithFailingPartition(partition PartitionID, f FailingPartitionState) PartitionedState {
	out := s.clone()
	if out.FailingPartitions == nil {
		out.FailingPartitions = make(map[PartitionID]FailingPartitionState, 1)
	}
	out.FailingPartitions[partition] = f
	return out
}

// WithoutFailingPartition returns a state with the partition entry removed.
func (s PartitionedState) WithoutFailingPartition(partition PartitionID) PartitionedState {
	out := s.clone()
	delete(out.FailingPartitions, partition)
	if len(out.FailingPartitions) == 0 {
		out.FailingPartitions = nil
	}
	return out
}

// FailingPartition returns the entry for a partition.
func (s PartitionedState) FailingPartition(partition PartitionID) (FailingPartitionState, bool) {
	f, ok := s.FailingPartitions[partition]
	return f, ok
}

// IsPartitionFailing reports whether the partition has an entry.
func (s PartitionedState) IsPartitionFailing(partition PartitionID) bool {
	_, ok := s.FailingPartitions[partition]
	return ok
}

// FailingPartitionIDs returns the failing partitions in ascending order.
func (s PartitionedState) FailingPartitionIDs() []PartitionID {
	return slices.Sorted(maps.Keys(s.FailingPartitions))
}

func (s PartitionedState) clone() PartitionedState {
	out := s
	if s.FailingPartitions != nil {
		out.FailingPartitions = maps.Clone(s.FailingPartitions)
	}
	return out
}
