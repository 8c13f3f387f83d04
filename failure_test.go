package durable

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureFromErrorPlain(t *testing.T) {
	f := FailureFromError(errors.New("boom"))
	require.NotNil(t, f)
	assert.Equal(t, FailureKindApplication, f.Kind)
	assert.Equal(t, "boom", f.Message)
	assert.True(t, f.Retryable())
}

func TestFailureFromErrorNonRetryable(t *testing.T) {
	f := FailureFromError(NonRetryable(errors.New("bad card")))
	require.NotNil(t, f)
	assert.True(t, f.NonRetryable)
	assert.False(t, f.Retryable())
}

func TestFailureFromErrorKeepsTextCode(t *testing.T) {
	err := NewError(ErrInvalidInput, "amount must be positive", nil, map[string]any{"amount": -1})
	f := FailureFromError(fmt.Errorf("charge: %w", err))
	require.NotNil(t, f)
	assert.Equal(t, CodeInvalidInput, f.Code)
	assert.Equal(t, "amount must be positive", f.Message)
}

func TestFailureFromErrorTimeout(t *testing.T) {
	f := FailureFromError(fmt.Errorf("call: %w", context.DeadlineExceeded))
	assert.Equal(t, FailureKindTimeout, f.Kind)
}

func TestTaskFailedErrorClassification(t *testing.T) {
	err := &TaskFailedError{TaskID: 3, Name: "charge", Attempts: 2, Failure: &Failure{Message: "declined"}}
	assert.True(t, HasCode(err, CodeActivityFailure))
	assert.Contains(t, err.Error(), "charge")

	wrapped := FailureFromError(fmt.Errorf("order: %w", err))
	require.NotNil(t, wrapped.Cause)
	assert.Equal(t, CodeActivityFailure, wrapped.Code)
	assert.Equal(t, "declined", wrapped.Cause.Message)
}

func TestPanicFailureIsNotRetryable(t *testing.T) {
	var pe *PanicError
	func() {
		defer func() { pe = RecoverPanic(recover()) }()
		panic("kaboom")
	}()
	require.NotNil(t, pe)
	f := pe.Failure()
	assert.Equal(t, FailureKindPanic, f.Kind)
	assert.False(t, f.Retryable())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" running ")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, s)

	s, err = ParseStatus("created")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, s)

	_, err = ParseStatus("sleeping")
	assert.True(t, HasCode(err, CodeInvalidInput))
	assert.True(t, StatusTerminated.IsTerminal())
	assert.False(t, StatusContinuedAsNew.IsTerminal())
}

func TestCodecs(t *testing.T) {
	type payload struct {
		City string `json:"city" msgpack:"city"`
		N    int    `json:"n" msgpack:"n"`
	}
	for _, name := range []string{"json", "msgpack"} {
		codec, err := CodecFor(name)
		require.NoError(t, err)
		raw, err := codec.Marshal(payload{City: "Tokyo", N: 2})
		require.NoError(t, err)
		var out payload
		require.NoError(t, codec.Unmarshal(raw, &out))
		assert.Equal(t, payload{City: "Tokyo", N: 2}, out, name)
	}
	_, err := CodecFor("xml")
	assert.True(t, HasCode(err, CodeInvalidInput))
}
