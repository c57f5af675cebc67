package model

import (
	"fmt"
	"time"
)

// StreamDefinition describes the source stream of a stream processor.
// It is created when a processor is registered and is read-only afterwards.
type StreamDefinition struct {
	StreamID    StreamID `json:"stream_id"`
	Partitioned bool     `json:"partitioned"`
	Public      bool     `json:"public"`
}

// Validate checks the definition is usable.
func (d StreamDefinition) Validate() error {
	if d.StreamID == "" {
		return fmt.Errorf("stream definition: stream id is required")
	}
	return nil
}

// CommittedEvent is a domain event that has been committed to the event log.
type CommittedEvent struct {
	EventID          string    `json:"event_id"`
	EventLogSequence uint64    `json:"event_log_sequence"`
	Occurred         time.Time `json:"occurred"`
	EventSource      string    `json:"event_source"`
	Type             string    `json:"type"`
	Content          string    `json:"content"` // JSON document
	Public           bool      `json:"public"`
}

// StreamEvent is a committed event at a position in a stream.
// Produced by the event fetcher; never mutated by processors.
type StreamEvent struct {
	Event       CommittedEvent `json:"event"`
	Position    StreamPosition `json:"position"`
	Partition   PartitionID    `json:"partition"`
	StreamID    StreamID       `json:"stream_id"`
	Partitioned bool           `json:"partitioned"`
}
