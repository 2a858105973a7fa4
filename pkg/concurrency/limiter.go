// Package concurrency provides the semaphore and circuit breaker used to
// bound node execution on workers and to shed load off failing workers in
// the coordinator's dispatch path.
package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by Acquire while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Metrics is a snapshot of limiter activity.
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter is a semaphore with wait-time accounting and an optional circuit
// breaker.
type Limiter struct {
	sem            chan struct{}
	active         atomic.Int64
	acquired       atomic.Int64
	released       atomic.Int64
	peak           atomic.Int64
	waitNs         atomic.Int64
	circuitBreaker *CircuitBreaker
}

// NewLimiter creates a limiter admitting at most maxConcurrent holders.
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{sem: make(chan struct{}, maxConcurrent)}
}

// NewLimiterWithCircuitBreaker attaches a breaker checked on every Acquire.
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	l := NewLimiter(maxConcurrent)
	l.circuitBreaker = cb
	return l
}

// Acquire blocks until a slot frees or the context ends.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.circuitBreaker != nil && l.circuitBreaker.IsOpen() {
		return ErrCircuitOpen
	}

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		l.waitNs.Add(time.Since(start).Nanoseconds())
		l.acquired.Add(1)
		current := l.active.Add(1)
		for {
			peak := l.peak.Load()
			if current <= peak || l.peak.CompareAndSwap(peak, current) {
				break
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.released.Add(1)
		l.active.Add(-1)
	default:
	}
}

// RecordSuccess feeds the attached breaker, if any.
func (l *Limiter) RecordSuccess() {
	if l.circuitBreaker != nil {
		l.circuitBreaker.RecordSuccess()
	}
}

// RecordFailure feeds the attached breaker, if any.
func (l *Limiter) RecordFailure() {
	if l.circuitBreaker != nil {
		l.circuitBreaker.RecordFailure()
	}
}

// CurrentActive returns the number of held slots.
func (l *Limiter) CurrentActive() int64 {
	return l.active.Load()
}

// GetMetrics returns a snapshot of limiter activity.
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   l.acquired.Load(),
		TotalReleased:   l.released.Load(),
		PeakConcurrent:  l.peak.Load(),
		TotalWaitTimeNs: l.waitNs.Load(),
	}
}
