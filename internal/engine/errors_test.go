package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/eventcore/internal/model"
)

func TestProcessorError_Message(t *testing.T) {
	id := model.NewStreamProcessorID("", "projection", "orders")

	err := newProcessorError(ErrCodeAlreadyRegistered, "", id, "stream processor is already registered", nil)
	assert.Equal(t,
		"ALREADY_REGISTERED: stream processor is already registered (processor="+id.String()+")",
		err.Error())

	err = newProcessorError(ErrCodePersistenceFailed, "t1", id, "failed to persist", errors.New("disk full"))
	assert.Equal(t,
		"PERSISTENCE_FAILED: failed to persist (tenant=t1, processor="+id.String()+"): disk full",
		err.Error())
}

func TestProcessorError_HelpersMatchWrapped(t *testing.T) {
	id := model.NewStreamProcessorID("", "projection", "orders")
	cause := errors.New("boom")

	cases := []struct {
		code  ProcessorErrorCode
		check func(error) bool
	}{
		{ErrCodeAlreadyProcessingStream, IsAlreadyProcessingStream},
		{ErrCodeAlreadyRegistered, IsAlreadyRegistered},
		{ErrCodeCannotUnregisterRunning, IsCannotUnregisterRunning},
		{ErrCodeNotRegistered, IsNotRegistered},
		{ErrCodeStateMismatch, IsStateMismatch},
		{ErrCodeEventProcessorMismatch, IsEventProcessorMismatch},
		{ErrCodePersistenceFailed, IsPersistenceFailed},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			err := fmt.Errorf("register: %w", newProcessorError(tc.code, "", id, "x", cause))
			assert.True(t, tc.check(err))
			assert.ErrorIs(t, err, cause)

			for _, other := range cases {
				if other.code != tc.code {
					assert.False(t, other.check(err))
				}
			}
		})
	}

	assert.False(t, IsAlreadyRegistered(nil))
	assert.False(t, IsAlreadyRegistered(cause))
}
