package controller

import (
	"context"
	"time"

	"brokerd/internal/broker"
	"brokerd/internal/domain"
)

// RegistryDataPlane implements DataPlaneClientManager directly against a
// broker.Registry, for a single-process deployment where the control
// plane and data plane share one binary.
type RegistryDataPlane struct {
	registry     *broker.Registry
	drainTimeout time.Duration
}

// NewRegistryDataPlane builds a RegistryDataPlane. drainTimeout bounds how
// long ReduceCapacity waits for a worker to finish in-flight requests
// before giving up on it.
func NewRegistryDataPlane(registry *broker.Registry, drainTimeout time.Duration) *RegistryDataPlane {
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	return &RegistryDataPlane{registry: registry, drainTimeout: drainTimeout}
}

// ReduceCapacity implements DataPlaneClientManager.
func (d *RegistryDataPlane) ReduceCapacity(ctx context.Context, req domain.ReduceCapacityRequest, credentials []string) ([]string, error) {
	return d.registry.DrainWorkers(req.FunctionName, credentials, d.drainTimeout), nil
}

// StartWorkerFastFail implements DataPlaneClientManager.
func (d *RegistryDataPlane) StartWorkerFastFail(ctx context.Context, functionName string, fatal bool, message string) error {
	return d.registry.FastFailAllPendings(functionName, fatal, message)
}

// StopWorker implements DataPlaneClientManager.
func (d *RegistryDataPlane) StopWorker(ctx context.Context, functionName, credential string) error {
	return d.registry.RemoveWorker(functionName, credential)
}
