// Package store provides SQLite-backed durable storage for eventcore.
//
// The store holds two things per tenant:
//   - Events: the committed event log, dense positions per (scope, stream)
//   - States: stream processor state, replaced wholesale on every persist
//
// Events implements the engine's EventFetcher and States its
// StateRepository. ResilientStates wraps a repository with exponential
// retry of transient SQLite failures.
//
// # Failure classification
//
// Lock contention (SQLITE_BUSY, SQLITE_LOCKED), I/O errors and a closed
// database are transient. Fetches report them as
// model.ErrEventStoreUnavailable so processing loops back off instead of
// terminating.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Processor state rows are keyed by model.ProcessorKey, a content-addressed
// hash of the tenant and stream processor id.
package store
