package model

import (
	"fmt"
)

// TenantID identifies the tenant a processor runs for.
type TenantID string

// ScopeID identifies the scope of a stream (private or a cross-service scope).
type ScopeID string

// EventProcessorID identifies an event processor within a scope.
type EventProcessorID string

// StreamID identifies a stream of committed events.
type StreamID string

// PartitionID identifies a partition within a partitioned stream.
type PartitionID string

// StreamPosition is the zero-based offset of an event within a stream.
type StreamPosition uint64

const (
	// DefaultScope is the scope of the tenant's own event log.
	DefaultScope ScopeID = "00000000-0000-0000-0000-000000000000"

	// DefaultTenant is used by single-tenant deployments.
	DefaultTenant TenantID = "00000000-0000-0000-0000-000000000000"

	// UnspecifiedPartition is the partition of events in unpartitioned streams.
	UnspecifiedPartition PartitionID = ""
)

// StreamProcessorID uniquely identifies a stream processor within a tenant.
//
// It is comparable and used directly as a map key by the registry.
type StreamProcessorID struct {
	Scope          ScopeID          `json:"scope"`
	EventProcessor EventProcessorID `json:"event_processor"`
	SourceStream   StreamID         `json:"source_stream"`
}

// NewStreamProcessorID creates an id, defaulting an empty scope to DefaultScope.
func NewStreamProcessorID(scope ScopeID, processor EventProcessorID, source StreamID) StreamProcessorID {
	if scope == "" {
		scope = DefaultScope
	}
	return StreamProcessorID{
		Scope:          scope,
		EventProcessor: processor,
		SourceStream:   source,
	}
}

// String renders the id for logs.
func (id StreamProcessorID) String() string {
	return fmt.Sprintf("%s/%s/%s", id.Scope, id.EventProcessor, id.SourceStream)
}

// Validate checks that all components are present.
func (id StreamProcessorID) Validate() error {
	if id.Scope == "" {
		return fmt.Errorf("stream processor id: scope is required")
	}
	if id.EventProcessor == "" {
		return fmt.Errorf("stream processor id: event processor is required")
	}
	if id.SourceStream == "" {
		return fmt.Errorf("stream processor id: source stream is required")
	}
	return nil
}
