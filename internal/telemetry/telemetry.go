// Package telemetry provides observability with Prometheus metrics and structured logging.
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for brokerd.
type Metrics struct {
	// Admission metrics (spec section 6)
	QueuedRequests        *prometheus.CounterVec
	QueuedRequestDuration *prometheus.HistogramVec
	RequestsInFlight      *prometheus.GaugeVec
	RequestsRejected      *prometheus.CounterVec

	// Worker lifecycle metrics
	WorkersBound       *prometheus.GaugeVec
	WorkerLaunches     *prometheus.CounterVec
	WorkerLaunchErrors *prometheus.CounterVec
	WorkerStops        *prometheus.CounterVec

	// Autoscaler metrics
	ScaleEvents     *prometheus.CounterVec
	ShrinkEvents    *prometheus.CounterVec
	ScalingDecision *prometheus.GaugeVec

	// Resilience metrics
	CircuitBreakerState *prometheus.GaugeVec
	RetryAttempts       *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		QueuedRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerd_queued_requests_total",
				Help: "Total requests that entered the pending queue",
			},
			[]string{"function"},
		),

		QueuedRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "brokerd_queued_request_duration_seconds",
				Help:    "Time a request spent waiting in the pending queue",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"function"},
		),

		RequestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "brokerd_requests_in_flight",
				Help: "Number of requests currently being served by a worker",
			},
			[]string{"function"},
		),

		RequestsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerd_requests_rejected_total",
				Help: "Total requests rejected at admission, by reason",
			},
			[]string{"function", "reason"},
		),

		WorkersBound: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "brokerd_workers_bound",
				Help: "Number of workers currently bound to a broker",
			},
			[]string{"function"},
		),

		WorkerLaunches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerd_worker_launches_total",
				Help: "Total TryLaunch calls issued by the controller",
			},
			[]string{"function", "reason"},
		),

		WorkerLaunchErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerd_worker_launch_errors_total",
				Help: "Total launch attempts that failed",
			},
			[]string{"function"},
		),

		WorkerStops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerd_worker_stops_total",
				Help: "Total workers stopped by the autoscaler's shrink pass",
			},
			[]string{"function"},
		),

		ScaleEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerd_scale_up_events_total",
				Help: "Total expand deltas computed by autoScale",
			},
			[]string{"function"},
		),

		ShrinkEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerd_scale_down_events_total",
				Help: "Total shrink deltas computed by autoScale",
			},
			[]string{"function"},
		),

		ScalingDecision: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "brokerd_scaling_delta",
				Help: "Signed worker delta from the most recent autoscale pass",
			},
			[]string{"function"},
		),

		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "brokerd_launch_circuit_breaker_state",
				Help: "Launch circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"function"},
		),

		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerd_launch_retry_attempts_total",
				Help: "Total launch retry attempts",
			},
			[]string{"function"},
		),
	}
}

// Handler returns an HTTP handler for Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncQueuedRequest implements broker.Metrics.
func (m *Metrics) IncQueuedRequest(functionName string) {
	m.QueuedRequests.WithLabelValues(functionName).Inc()
}

// ObserveQueueWait implements broker.Metrics.
func (m *Metrics) ObserveQueueWait(functionName string, waitSeconds float64) {
	m.QueuedRequestDuration.WithLabelValues(functionName).Observe(waitSeconds)
}

// RecordRejection records an admission-time rejection by reason.
func (m *Metrics) RecordRejection(functionName, reason string) {
	m.RequestsRejected.WithLabelValues(functionName, reason).Inc()
}

// SetWorkersBound updates the bound-worker gauge for a function.
func (m *Metrics) SetWorkersBound(functionName string, count int) {
	m.WorkersBound.WithLabelValues(functionName).Set(float64(count))
}

// RecordLaunch records a launch attempt and whether it failed.
func (m *Metrics) RecordLaunch(functionName, reason string, err error) {
	m.WorkerLaunches.WithLabelValues(functionName, reason).Inc()
	if err != nil {
		m.WorkerLaunchErrors.WithLabelValues(functionName).Inc()
	}
}

// RecordWorkerStop records one worker stopped by a shrink pass.
func (m *Metrics) RecordWorkerStop(functionName string) {
	m.WorkerStops.WithLabelValues(functionName).Inc()
}

// RecordScalingDelta records the signed worker delta from an autoscale pass.
func (m *Metrics) RecordScalingDelta(functionName string, delta int) {
	m.ScalingDecision.WithLabelValues(functionName).Set(float64(delta))
	if delta > 0 {
		m.ScaleEvents.WithLabelValues(functionName).Inc()
	} else if delta < 0 {
		m.ShrinkEvents.WithLabelValues(functionName).Inc()
	}
}

// UpdateCircuitBreakerState updates the launch circuit breaker gauge.
// state: 0=closed, 1=half-open, 2=open
func (m *Metrics) UpdateCircuitBreakerState(functionName, state string) {
	var stateValue float64
	switch state {
	case "closed":
		stateValue = 0
	case "half_open":
		stateValue = 1
	case "open":
		stateValue = 2
	}
	m.CircuitBreakerState.WithLabelValues(functionName).Set(stateValue)
}

// RecordRetryAttempt records a launch retry attempt.
func (m *Metrics) RecordRetryAttempt(functionName string) {
	m.RetryAttempts.WithLabelValues(functionName).Inc()
}

// Logger provides structured logging.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	With(fields ...any) Logger
}

// Context key for logger.
type loggerContextKey struct{}

// LoggerFromContext retrieves logger from context.
func LoggerFromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(Logger); ok {
		return l
	}
	return &noopLogger{}
}

// ContextWithLogger adds logger to context.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// noopLogger is a no-op logger.
type noopLogger struct{}

func (noopLogger) Debug(msg string, fields ...any) {}
func (noopLogger) Info(msg string, fields ...any)  {}
func (noopLogger) Warn(msg string, fields ...any)  {}
func (noopLogger) Error(msg string, fields ...any) {}
func (l noopLogger) With(fields ...any) Logger     { return l }

// Init initializes the telemetry system.
func Init(registry prometheus.Registerer) (*Metrics, func(), error) {
	metrics := NewMetrics(registry)
	return metrics, func() {}, nil
}
