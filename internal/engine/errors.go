package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/eventcore/internal/model"
)

// ProcessorError is a structural error raised by the engine.
//
// Structural errors are programming or wiring mistakes such as starting a
// processor twice or registering the same id twice. The illegal operation
// never takes effect.
type ProcessorError struct {
	// Code identifies the error category.
	Code ProcessorErrorCode

	// Message is a human-readable description.
	Message string

	// Tenant is the affected tenant, if known.
	Tenant model.TenantID

	// ID is the affected stream processor.
	ID model.StreamProcessorID

	// Err is the underlying cause, if any.
	Err error
}

// ProcessorErrorCode categorizes processor errors.
type ProcessorErrorCode string

const (
	// ErrCodeAlreadyProcessingStream indicates Start was called twice.
	ErrCodeAlreadyProcessingStream ProcessorErrorCode = "ALREADY_PROCESSING_STREAM"

	// ErrCodeAlreadyRegistered indicates the id is already in the registry.
	ErrCodeAlreadyRegistered ProcessorErrorCode = "ALREADY_REGISTERED"

	// ErrCodeCannotUnregisterRunning indicates an attempt to remove a live processor.
	ErrCodeCannotUnregisterRunning ProcessorErrorCode = "CANNOT_UNREGISTER_RUNNING"

	// ErrCodeNotRegistered indicates the id is not in the registry.
	ErrCodeNotRegistered ProcessorErrorCode = "NOT_REGISTERED"

	// ErrCodeStateMismatch indicates the persisted state variant does not
	// match the stream definition.
	ErrCodeStateMismatch ProcessorErrorCode = "STATE_MISMATCH"

	// ErrCodeEventProcessorMismatch indicates the factory produced a
	// processor whose identity differs from the id being registered.
	ErrCodeEventProcessorMismatch ProcessorErrorCode = "EVENT_PROCESSOR_MISMATCH"

	// ErrCodePersistenceFailed indicates a state transition could not be
	// persisted. The processor loop terminates.
	ErrCodePersistenceFailed ProcessorErrorCode = "PERSISTENCE_FAILED"
)

// Error implements the error interface.
func (e *ProcessorError) Error() string {
	msg := fmt.Sprintf("%s: %s (processor=%s)", e.Code, e.Message, e.ID)
	if e.Tenant != "" {
		msg = fmt.Sprintf("%s: %s (tenant=%s, processor=%s)", e.Code, e.Message, e.Tenant, e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ProcessorError) Unwrap() error {
	return e.Err
}

func newProcessorError(code ProcessorErrorCode, tenant model.TenantID, id model.StreamProcessorID, msg string, cause error) *ProcessorError {
	return &ProcessorError{
		Code:    code,
		Message: msg,
		Tenant:  tenant,
		ID:      id,
		Err:     cause,
	}
}

func hasCode(err error, code ProcessorErrorCode) bool {
	var pe *ProcessorError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// IsAlreadyProcessingStream reports whether err is a double-start error.
func IsAlreadyProcessingStream(err error) bool {
	return hasCode(err, ErrCodeAlreadyProcessingStream)
}

// IsAlreadyRegistered reports whether err is a duplicate registration error.
func IsAlreadyRegistered(err error) bool {
	return hasCode(err, ErrCodeAlreadyRegistered)
}

// IsCannotUnregisterRunning reports whether err rejects unregistering a live processor.
func IsCannotUnregisterRunning(err error) bool {
	return hasCode(err, ErrCodeCannotUnregisterRunning)
}

// IsNotRegistered reports whether err is an unknown-id error.
func IsNotRegistered(err error) bool {
	return hasCode(err, ErrCodeNotRegistered)
}

// IsStateMismatch reports whether err is a state variant mismatch.
func IsStateMismatch(err error) bool {
	return hasCode(err, ErrCodeStateMismatch)
}

// IsEventProcessorMismatch reports whether err is a processor identity mismatch.
func IsEventProcessorMismatch(err error) bool {
	return hasCode(err, ErrCodeEventProcessorMismatch)
}

// IsPersistenceFailed reports whether err is a failed state write.
func IsPersistenceFailed(err error) bool {
	return hasCode(err, ErrCodePersistenceFailed)
}
