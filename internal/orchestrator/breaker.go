// Package orchestrator implements the driving loop that ties the queue,
// resolver, registry, supervisor, and health monitor together.
package orchestrator

import (
	"sync"
)

// CircuitBreaker halts new scheduling after consecutive registry failures.
// Running sessions are never touched: the system degrades to "no new claims"
// rather than crashing active work.
type CircuitBreaker struct {
	mu                  sync.Mutex
	ConsecutiveFailures int
	Threshold           int
	Halted              bool
}

// NewCircuitBreaker creates a circuit breaker with the given threshold.
func NewCircuitBreaker(threshold int) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3 // default
	}
	return &CircuitBreaker{
		Threshold: threshold,
	}
}

// RecordFailure increments the failure counter.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.ConsecutiveFailures++
	if cb.ConsecutiveFailures >= cb.Threshold {
		cb.Halted = true
	}
}

// RecordSuccess resets the failure counter and resumes scheduling.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.ConsecutiveFailures = 0
	cb.Halted = false
}

// SchedulingHalted returns true if the threshold has been exceeded.
func (cb *CircuitBreaker) SchedulingHalted() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.Halted
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.ConsecutiveFailures
}
