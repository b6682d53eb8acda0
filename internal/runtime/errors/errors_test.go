package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrorsArePrefixed(t *testing.T) {
	sentinels := []error{
		ErrServiceRequired,
		ErrHandlerRequired,
		ErrSagaKindRequired,
		ErrMessageTypeRequired,
		ErrMessagePointerNeeded,
		ErrCorrelationIDRequired,
		ErrHandlerFailed,
		ErrProcessorRunning,
	}
	for _, err := range sentinels {
		assert.Contains(t, err.Error(), "sagaflow: ")
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := NewConfigValidationError(inner)

	assert.Equal(t, "sagaflow: invalid configuration: invalid port", err.Error())
	assert.ErrorIs(t, err, inner)

	var cfgErr ConfigValidationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, inner, cfgErr.Err)

	assert.NoError(t, NewConfigValidationError(nil))
}

func TestUnprocessableEventError(t *testing.T) {
	inner := errors.New("bad json")
	err := &UnprocessableEventError{Kind: "order.placed", Payload: "{", Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "order.placed")
	assert.Contains(t, err.Error(), "bad json")
}

func TestUnregisteredMessageError(t *testing.T) {
	err := &UnregisteredMessageError{Kind: "ghost", MessageID: "m1"}

	assert.ErrorIs(t, err, ErrUnknownMessageKind)
	assert.Contains(t, err.Error(), `"ghost"`)
	assert.Contains(t, err.Error(), "m1")
}
