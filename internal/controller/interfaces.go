// Package controller implements the default autoscaling controller:
// queue-pressure driven expansion, periodic-stats driven autoscale, and
// pluggable shrink victim selection (spec section 4.4).
package controller

import (
	"context"

	"brokerd/internal/domain"
)

// WorkerLauncher spawns (or refuses to spawn) a new worker process. The
// concrete sandbox/launcher implementation is out of scope for this
// core; only the interface it must satisfy is specified here.
type WorkerLauncher interface {
	TryLaunch(ctx context.Context, reason string, metadata domain.WorkerMetadata) error
}

// DataPlaneClientManager is the cross-plane RPC surface the controller
// drives to shrink a broker's worker set and to report launch failures.
type DataPlaneClientManager interface {
	// ReduceCapacity asks the data plane to drain (close traffic to) the
	// named workers and returns the subset it actually drained; stopping
	// them is a separate StopWorker call.
	ReduceCapacity(ctx context.Context, req domain.ReduceCapacityRequest, credentials []string) ([]string, error)
	// StartWorkerFastFail notifies the data plane that a launch attempt
	// failed; the broker is expected to fast-fail its pending queue.
	StartWorkerFastFail(ctx context.Context, functionName string, fatal bool, message string) error
	// StopWorker tells the data plane to tear down one drained worker.
	StopWorker(ctx context.Context, functionName, credential string) error
}

// CapacityManager implements spec section 4.5: it decides whether to
// expand on a queueing event and computes per-broker scale deltas given
// the aggregated broker snapshot, bounded by a global resource budget.
type CapacityManager interface {
	AllowExpandingOnRequestQueueing(evt domain.RequestQueueingEvent) bool
	EvaluateScaleDeltas(views []domain.BrokerView) (expand []domain.Delta, shrink []domain.Delta)
}

// StateManager is the subset of internal/state.StateManager the
// controller depends on, kept as an interface so tests can supply a fake.
type StateManager interface {
	Snapshot() []domain.BrokerView
	SyncWorkerData(stats []domain.BrokerStats)
	RecordScalingDecision(decision domain.ScalingDecision)
}

// WorkerLister exposes per-worker detail for shrink victim selection,
// implemented by broker.Registry without this package importing broker's
// concrete Worker type.
type WorkerLister interface {
	ListWorkers(functionName string) []domain.WorkerSnapshot
}
