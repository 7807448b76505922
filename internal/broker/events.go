package broker

import "brokerd/internal/domain"

// EventSink receives broadcast notifications from a broker. Implementations
// must not block the broker for long; the default controller's
// subscription runs these asynchronously.
type EventSink interface {
	RequestQueueing(evt domain.RequestQueueingEvent)
	ContainerInstalled(functionName, workerName string)
	RequestDrained(functionName, workerName string)
}

// Metrics records the two counters the spec calls out by name.
type Metrics interface {
	IncQueuedRequest(functionName string)
	ObserveQueueWait(functionName string, waitSeconds float64)
}

// noopSink/noopMetrics let callers omit either collaborator in tests.
type noopSink struct{}

func (noopSink) RequestQueueing(domain.RequestQueueingEvent)       {}
func (noopSink) ContainerInstalled(functionName, workerName string) {}
func (noopSink) RequestDrained(functionName, workerName string)     {}

type noopMetrics struct{}

func (noopMetrics) IncQueuedRequest(string)                 {}
func (noopMetrics) ObserveQueueWait(string, float64) {}
