package broker

import (
	"context"
	"time"
)

// Delegate is the IPC facade between the data plane and a worker
// process. A concrete implementation lives outside this package; the
// transport itself is out of scope for the broker core.
type Delegate interface {
	// Init initializes the worker runtime behind credential, with a
	// deadline derived from the function profile's InitializationTimeout.
	Init(ctx context.Context, credential string, deadline time.Time) error
	// Trigger forwards one invocation to the worker and returns its
	// response. Worker.pipe fills in Response.Queueing and
	// Response.WorkerName before returning it to the caller.
	Trigger(ctx context.Context, credential string, input []byte, metadata InvokeMetadata) (*Response, error)
	// InspectorStart attaches a debugger to the worker behind credential.
	InspectorStart(ctx context.Context, credential string) error
	// ResetPeer tears down a peer after an Init failure.
	ResetPeer(ctx context.Context, credential string) error
}
