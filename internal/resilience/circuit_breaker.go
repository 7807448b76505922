package resilience

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the circuit breaker state
type CircuitState string

const (
	StateClosed   CircuitState = "closed"    // Normal operation
	StateOpen     CircuitState = "open"      // Failures exceeded threshold
	StateHalfOpen CircuitState = "half_open" // Testing if recovered
)

// circuitStatus tracks one function's launch circuit.
type circuitStatus struct {
	state        CircuitState
	failureCount int
	openedAt     time.Time
}

// LaunchCircuitBreaker guards WorkerLauncher.TryLaunch per function: once
// launch failures for a function reach threshold within the process, the
// circuit opens and further launches fail fast until timeout elapses,
// matching the provider-circuit pattern but scoped to launch attempts and
// held purely in memory since launch health is a per-process concern.
type LaunchCircuitBreaker struct {
	threshold int
	timeout   time.Duration

	mu    sync.Mutex
	state map[string]*circuitStatus
}

// NewLaunchCircuitBreaker creates a circuit breaker that opens after
// threshold consecutive launch failures and retries after timeout.
func NewLaunchCircuitBreaker(threshold int, timeout time.Duration) *LaunchCircuitBreaker {
	return &LaunchCircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
		state:     make(map[string]*circuitStatus),
	}
}

// Allow reports whether a launch attempt for functionName may proceed. If
// the circuit is open but the timeout has elapsed, it transitions to
// half-open and allows a single probe.
func (cb *LaunchCircuitBreaker) Allow(functionName string) (bool, CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	status := cb.statusLocked(functionName)
	switch status.state {
	case StateOpen:
		if time.Since(status.openedAt) > cb.timeout {
			status.state = StateHalfOpen
			return true, StateHalfOpen
		}
		return false, StateOpen
	case StateHalfOpen:
		// The single probe is already out; wait for its outcome.
		return false, StateHalfOpen
	default:
		return true, status.state
	}
}

// RecordSuccess closes the circuit, ending any half-open probe.
func (cb *LaunchCircuitBreaker) RecordSuccess(functionName string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	status := cb.statusLocked(functionName)
	status.state = StateClosed
	status.failureCount = 0
}

// RecordFailure counts one launch failure, opening the circuit once
// threshold is reached (or on any failure while half-open).
func (cb *LaunchCircuitBreaker) RecordFailure(functionName string) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	status := cb.statusLocked(functionName)
	status.failureCount++
	if status.state == StateHalfOpen || status.failureCount >= cb.threshold {
		status.state = StateOpen
		status.openedAt = time.Now()
	}
	return status.state
}

// State returns the current circuit state for functionName.
func (cb *LaunchCircuitBreaker) State(functionName string) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.statusLocked(functionName).state
}

func (cb *LaunchCircuitBreaker) statusLocked(functionName string) *circuitStatus {
	status, ok := cb.state[functionName]
	if !ok {
		status = &circuitStatus{state: StateClosed}
		cb.state[functionName] = status
	}
	return status
}

// ErrCircuitOpen is returned by a launcher wrapper when the circuit for a
// function currently rejects launch attempts.
type ErrCircuitOpen struct {
	FunctionName string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("launch circuit open for function %s", e.FunctionName)
}
