package resilience_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IANTHEREAL/narrative-knowledge/internal/ierrors"
	"github.com/IANTHEREAL/narrative-knowledge/internal/resilience"
)

func TestRetryConnectionLost_SucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := resilience.RetryConnectionLost(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return ierrors.ErrConnectionLost
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryConnectionLost_NonRetryableFailsImmediately(t *testing.T) {
	attempts := 0
	boom := errors.New("constraint violation")
	err := resilience.RetryConnectionLost(context.Background(), func() error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestRetryConnectionLost_ExhaustsBudget(t *testing.T) {
	attempts := 0
	err := resilience.RetryConnectionLost(context.Background(), func() error {
		attempts++
		return ierrors.ErrConnectionLost
	})
	assert.ErrorIs(t, err, ierrors.ErrConnectionLost)
	assert.Equal(t, resilience.RetryConnectionLostAttempts, attempts)
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{MaxFailures: 2})
	boom := errors.New("boom")

	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	assert.Equal(t, resilience.StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	assert.Equal(t, resilience.StateOpen, cb.State())

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ierrors.ErrCircuitOpen)
}
