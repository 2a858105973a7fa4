package concurrency

import (
	"sync/atomic"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int32

const (
	// StateClosed indicates the circuit is closed and operations are allowed.
	StateClosed CircuitBreakerState = 0

	// StateOpen indicates the circuit is open and operations are blocked.
	StateOpen CircuitBreakerState = 1

	// StateHalfOpen indicates the circuit is testing if it should close.
	StateHalfOpen CircuitBreakerState = 2
)

// halfOpenSuccesses is how many consecutive successes close a half-open
// circuit.
const halfOpenSuccesses = 5

// CircuitBreaker keeps a consistently failing worker from absorbing task
// dispatches until it has had time to recover.
type CircuitBreaker struct {
	state                atomic.Int32
	consecutiveFailures  atomic.Int64
	consecutiveSuccesses atomic.Int64
	lastFailureTime      atomic.Int64
	failureThreshold     int64
	resetTimeout         time.Duration
}

// NewCircuitBreaker creates a breaker opening after failureThreshold
// consecutive failures and probing again after resetTimeout.
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// IsOpen reports whether operations are currently blocked, transitioning to
// half-open once the reset timeout has elapsed.
func (cb *CircuitBreaker) IsOpen() bool {
	if CircuitBreakerState(cb.state.Load()) != StateOpen {
		return false
	}
	lastFailure := cb.lastFailureTime.Load()
	if lastFailure > 0 && time.Since(time.Unix(0, lastFailure)) > cb.resetTimeout {
		cb.transitionTo(StateHalfOpen)
		return false
	}
	return true
}

// RecordSuccess notes a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.consecutiveFailures.Store(0)
	if CircuitBreakerState(cb.state.Load()) == StateHalfOpen {
		if cb.consecutiveSuccesses.Add(1) >= halfOpenSuccesses {
			cb.transitionTo(StateClosed)
			cb.consecutiveSuccesses.Store(0)
		}
	}
}

// RecordFailure notes a failed operation, opening the circuit at the
// threshold. Any failure in half-open reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.consecutiveSuccesses.Store(0)
	cb.lastFailureTime.Store(time.Now().UnixNano())

	failures := cb.consecutiveFailures.Add(1)
	switch CircuitBreakerState(cb.state.Load()) {
	case StateClosed:
		if failures >= cb.failureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

func (cb *CircuitBreaker) transitionTo(state CircuitBreakerState) {
	cb.state.Store(int32(state))
}
