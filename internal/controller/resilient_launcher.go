package controller

import (
	"context"
	"errors"
	"log/slog"

	"brokerd/internal/domain"
	"brokerd/internal/resilience"
)

// ResilientLauncher wraps a WorkerLauncher with retry-with-backoff and a
// per-function circuit breaker, so a flaky launch path gets a few quick
// attempts before the controller gives up and fast-fails the pending
// queue, and a function whose launches are failing outright stops being
// retried until the breaker's timeout elapses.
type ResilientLauncher struct {
	inner   WorkerLauncher
	breaker *resilience.LaunchCircuitBreaker
	retry   resilience.RetryConfig
	metrics LaunchMetrics
}

// LaunchMetrics is the subset of telemetry.Metrics the resilient launcher
// reports through; optional, nil is a valid no-op.
type LaunchMetrics interface {
	RecordRetryAttempt(functionName string)
	UpdateCircuitBreakerState(functionName, state string)
}

// NewResilientLauncher wraps inner with the given circuit breaker and
// retry policy. metrics may be nil.
func NewResilientLauncher(inner WorkerLauncher, breaker *resilience.LaunchCircuitBreaker, retry resilience.RetryConfig, metrics LaunchMetrics) *ResilientLauncher {
	return &ResilientLauncher{inner: inner, breaker: breaker, retry: retry, metrics: metrics}
}

// TryLaunch implements WorkerLauncher.
func (l *ResilientLauncher) TryLaunch(ctx context.Context, reason string, metadata domain.WorkerMetadata) error {
	allow, state := l.breaker.Allow(metadata.FunctionName)
	if l.metrics != nil {
		l.metrics.UpdateCircuitBreakerState(metadata.FunctionName, string(state))
	}
	if !allow {
		return &resilience.ErrCircuitOpen{FunctionName: metadata.FunctionName}
	}

	attempts := 0
	err := resilience.Retry(ctx, l.retry, func() error {
		if attempts > 0 && l.metrics != nil {
			l.metrics.RecordRetryAttempt(metadata.FunctionName)
		}
		attempts++
		return l.inner.TryLaunch(ctx, reason, metadata)
	})

	if err != nil {
		newState := l.breaker.RecordFailure(metadata.FunctionName)
		if l.metrics != nil {
			l.metrics.UpdateCircuitBreakerState(metadata.FunctionName, string(newState))
		}
		var circuitErr *resilience.ErrCircuitOpen
		if !errors.As(err, &circuitErr) {
			slog.Warn("launch failed after retries", "function", metadata.FunctionName, "reason", reason, "error", err)
		}
		return err
	}

	l.breaker.RecordSuccess(metadata.FunctionName)
	if l.metrics != nil {
		l.metrics.UpdateCircuitBreakerState(metadata.FunctionName, string(resilience.StateClosed))
	}
	return nil
}
