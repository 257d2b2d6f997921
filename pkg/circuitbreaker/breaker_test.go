package circuitbreaker

import (
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_TripsAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", nil)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := Do(cb, func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	assert.Equal(t, gobreaker.StateOpen, cb.State())

	called := false
	err := Do(cb, func() error {
		called = true
		return nil
	})
	assert.True(t, IsOpen(err))
	assert.False(t, called)
}

func TestCircuitBreaker_StaysClosedOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker("ok", nil)

	for i := 0; i < 5; i++ {
		assert.NoError(t, Do(cb, func() error { return nil }))
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	assert.False(t, IsOpen(nil))
}
