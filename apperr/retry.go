package apperr

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures exponential backoff for a single call site. The
// classifier marks a failure retryable through its Directive, and the
// policy for its kind is looked up separately (migration.RetryPolicyFor);
// policies apply per call site, never globally.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// ConnectionFailedPolicy is the backoff for CONNECTION_FAILED:
// exponential from 200ms, x2, capped at 5s, up to 5 attempts.
func ConnectionFailedPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   5,
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// TimeoutPolicy is the backoff for TIMEOUT: 1s, x1.5, up to 3 attempts.
func TimeoutPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 1.5,
		Jitter:        true,
	}
}

// BackupFailedPolicy is the backoff for BACKUP_FAILED: retry once, then
// abort.
func BackupFailedPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   1,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 1.0,
		Jitter:        false,
	}
}

// Operation is a unit of work that may be retried.
type Operation func() error

// Retryer executes an Operation under a RetryPolicy.
type Retryer struct {
	policy RetryPolicy
}

// NewRetryer builds a Retryer for the given policy.
func NewRetryer(policy RetryPolicy) *Retryer {
	return &Retryer{policy: policy}
}

// Execute runs operation, retrying on failure per the policy. It stops
// early if ctx is cancelled between attempts; the attempt budget is
// accounted by the caller (the Orchestrator), not globally.
func (r *Retryer) Execute(ctx context.Context, operation Operation) error {
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.calculateDelay(attempt)):
			}
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return lastErr
}

func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.BaseDelay) * math.Pow(r.policy.BackoffFactor, float64(attempt-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		delay += delay * 0.1 * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}

// CircuitBreakerState is the state of a CircuitBreaker.
type CircuitBreakerState int

const (
	CircuitClosed CircuitBreakerState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	MaxProbeRequests int
}

// CircuitBreaker guards repeated failures on the same resource within one
// run. The Orchestrator holds one per run over backup creation; once the
// initial attempt and its retry both fail it opens, and further backup
// attempts short-circuit straight to abort instead of re-copying a
// doomed file.
type CircuitBreaker struct {
	config       CircuitBreakerConfig
	state        CircuitBreakerState
	failures     int
	lastFailTime time.Time
	probes       int
}

// NewCircuitBreaker builds a CircuitBreaker with the given config.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 2
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.MaxProbeRequests == 0 {
		config.MaxProbeRequests = 1
	}
	return &CircuitBreaker{config: config, state: CircuitClosed}
}

// Allow reports whether an operation may proceed.
func (cb *CircuitBreaker) Allow() bool {
	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailTime) > cb.config.ResetTimeout {
			cb.state = CircuitHalfOpen
			cb.probes = 0
			return true
		}
		return false
	case CircuitHalfOpen:
		return cb.probes < cb.config.MaxProbeRequests
	default:
		return false
	}
}

// RecordResult feeds an operation's outcome back into the breaker.
func (cb *CircuitBreaker) RecordResult(err error) {
	switch cb.state {
	case CircuitClosed:
		if err != nil {
			cb.failures++
			if cb.failures >= cb.config.FailureThreshold {
				cb.state = CircuitOpen
				cb.lastFailTime = time.Now()
			}
		} else {
			cb.failures = 0
		}
	case CircuitHalfOpen:
		cb.probes++
		if err != nil {
			cb.state = CircuitOpen
			cb.lastFailTime = time.Now()
			cb.failures = cb.config.FailureThreshold
		} else if cb.probes >= cb.config.MaxProbeRequests {
			cb.state = CircuitClosed
			cb.failures = 0
		}
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return cb.state
}
