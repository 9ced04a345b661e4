package apperr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionFailedPolicy(t *testing.T) {
	p := ConnectionFailedPolicy()

	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 5*time.Second, p.MaxDelay)
	assert.Equal(t, 2.0, p.BackoffFactor)
}

func TestTimeoutPolicy(t *testing.T) {
	p := TimeoutPolicy()

	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 1*time.Second, p.BaseDelay)
	assert.Equal(t, 1.5, p.BackoffFactor)
}

func TestRetryer_Execute_SucceedsAfterTransientFailures(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2.0}
	retryer := NewRetryer(policy)

	attempts := 0
	err := retryer.Execute(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryer_Execute_ExhaustsAttempts(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2.0}
	retryer := NewRetryer(policy)

	attempts := 0
	err := retryer.Execute(context.Background(), func() error {
		attempts++
		return errors.New("permanent")
	})

	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryer_Execute_RespectsContextCancellation(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2.0}
	retryer := NewRetryer(policy)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := retryer.Execute(ctx, func() error {
		attempts++
		return errors.New("always fails")
	})

	require.Error(t, err)
	assert.Less(t, attempts, 5)
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: 50 * time.Millisecond})

	assert.True(t, cb.Allow())
	cb.RecordResult(errors.New("fail"))
	assert.Equal(t, CircuitClosed, cb.State())

	assert.True(t, cb.Allow())
	cb.RecordResult(errors.New("fail"))
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpensAfterResetTimeout(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})

	cb.RecordResult(errors.New("fail"))
	assert.Equal(t, CircuitOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordResult(nil)
	assert.Equal(t, CircuitClosed, cb.State())
}
