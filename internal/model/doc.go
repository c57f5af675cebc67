// Package model provides the value types shared by the stream processing core.
//
// This package contains identifiers, stream and event records, processor
// state, processing results and the retry-time policy. All other internal
// packages import model; model imports nothing internal.
//
// Key design constraints:
//   - States are immutable values. Every transition returns a new state.
//   - A StreamPosition never moves backwards for a processor.
//   - ProcessingResult is a closed set: Successful, Retryable, Failed.
//   - All JSON tags use snake_case.
package model
