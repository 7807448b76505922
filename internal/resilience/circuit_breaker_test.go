package resilience

import (
	"testing"
	"time"
)

func TestLaunchCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewLaunchCircuitBreaker(2, time.Minute)

	if allow, state := cb.Allow("fn"); !allow || state != StateClosed {
		t.Fatalf("expected closed circuit to allow, got allow=%v state=%v", allow, state)
	}

	cb.RecordFailure("fn")
	if state := cb.State("fn"); state != StateClosed {
		t.Fatalf("expected still closed after 1 failure, got %v", state)
	}

	cb.RecordFailure("fn")
	if state := cb.State("fn"); state != StateOpen {
		t.Fatalf("expected open after reaching threshold, got %v", state)
	}

	if allow, state := cb.Allow("fn"); allow || state != StateOpen {
		t.Fatalf("expected open circuit to reject, got allow=%v state=%v", allow, state)
	}
}

func TestLaunchCircuitBreakerHalfOpenAfterTimeout(t *testing.T) {
	cb := NewLaunchCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure("fn")
	if state := cb.State("fn"); state != StateOpen {
		t.Fatalf("expected open, got %v", state)
	}

	time.Sleep(20 * time.Millisecond)

	allow, state := cb.Allow("fn")
	if !allow || state != StateHalfOpen {
		t.Fatalf("expected half-open probe allowed, got allow=%v state=%v", allow, state)
	}
}

func TestLaunchCircuitBreakerRecordSuccessCloses(t *testing.T) {
	cb := NewLaunchCircuitBreaker(1, time.Millisecond)
	cb.RecordFailure("fn")
	time.Sleep(5 * time.Millisecond)
	cb.Allow("fn") // transition to half-open
	cb.RecordSuccess("fn")

	if state := cb.State("fn"); state != StateClosed {
		t.Fatalf("expected closed after recorded success, got %v", state)
	}
}

func TestLaunchCircuitBreakerIndependentPerFunction(t *testing.T) {
	cb := NewLaunchCircuitBreaker(1, time.Minute)
	cb.RecordFailure("fn-a")

	if state := cb.State("fn-a"); state != StateOpen {
		t.Fatalf("expected fn-a open, got %v", state)
	}
	if state := cb.State("fn-b"); state != StateClosed {
		t.Fatalf("expected fn-b unaffected, got %v", state)
	}
}
