package model

import (
	"fmt"
	"time"
)

// ProcessingResult is the outcome of processing one event in one partition.
//
// The set of implementations is closed: Successful, Retryable and Failed.
// Results are returned by value; callers switch on the concrete type.
type ProcessingResult interface {
	processingResult()

	// Succeeded reports whether the event was processed.
	Succeeded() bool
}

// Successful means the event was processed and the position may advance.
type Successful struct{}

// Retryable means processing failed and should be retried after RetryTimeout.
type Retryable struct {
	Reason       string
	RetryTimeout time.Duration
}

// Failed means processing failed permanently. It is parked until an operator
// repositions the processor or clears the failing partition.
type Failed struct {
	Reason string
}

func (Successful) processingResult() {}
func (Retryable) processingResult()  {}
func (Failed) processingResult()     {}

func (Successful) Succeeded() bool { return true }
func (Retryable) Succeeded() bool  { return false }
func (Failed) Succeeded() bool     { return false }

// Succeeded returns the Successful result.
func Succeeded() ProcessingResult {
	return Successful{}
}

// RetryAfter returns a Retryable result.
func RetryAfter(reason string, timeout time.Duration) ProcessingResult {
	if timeout < 0 {
		timeout = 0
	}
	return Retryable{Reason: reason, RetryTimeout: timeout}
}

// Fail returns a permanent Failed result.
func Fail(reason string) ProcessingResult {
	return Failed{Reason: reason}
}

// FailureDetails extracts the reason and retry time for a failed result.
// For Failed the retry time is NeverRetry. It returns ok=false for Successful.
func FailureDetails(result ProcessingResult, now time.Time) (reason string, retryTime time.Time, ok bool) {
	switch r := result.(type) {
	case Retryable:
		return r.Reason, now.Add(r.RetryTimeout), true
	case Failed:
		return r.Reason, NeverRetry, true
	case Successful:
		return "", time.Time{}, false
	default:
		panic(fmt.Sprintf("unknown processing result %T", result))
	}
}

// ResultName is a short label for logs, metrics and traces.
func ResultName(result ProcessingResult) string {
	switch result.(type) {
	case Successful:
		return "succeeded"
	case Retryable:
		return "retryable"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
