// Package engine implements the eventcore stream processor engine.
//
// The engine delivers committed events, in order, to pluggable event
// processors, tracks per-processor progress durably and isolates failures so
// one poisoned event or partition never stalls unrelated work.
//
// ARCHITECTURE:
//
// Single-Writer Loop:
// Each StreamProcessor is one goroutine with a private sequential loop over
// one (scope, event processor, source stream) for one tenant. Ordering
// within a processor is total. Parallelism exists only across processors.
//
// Per-iteration algorithm:
//  1. Catchup: retry due failures (the failing position of an unpartitioned
//     stream, or due partitions via FailingPartitions)
//  2. Fetch the event at the current position
//  3. Hand the event to the EventProcessor
//  4. Persist the resulting state before adopting it
//
// Suspension points (all cancellation-aware, all driven by Clock):
//   - WaitingForEvent: no event yet; wait on the StreamEventWatcher
//   - WaitingForRetry: an unpartitioned stream is blocked by a failure
//   - Backoff: the event store was unavailable
//
// Failure classes:
//   - Transient fetch conditions back off and never touch state
//   - Retryable results are persisted with a retry time
//   - Failed results are persisted with model.NeverRetry and wait for an
//     operator
//   - Persistence failures terminate the loop and unregister the processor
//
// Partitioned streams keep moving when a partition fails; the partition is
// parked in FailingPartitions and caught up out of band in ascending
// position order. Unpartitioned streams never advance past a failure.
//
// StreamProcessors is the per-tenant registry guaranteeing at most one
// processor per StreamProcessorID; Tenants holds one registry per tenant.
package engine
