package broker

import (
	"context"
	"sync"
	"time"
)

// Worker is a handle onto one running worker process.
type Worker struct {
	name        string
	credential  string
	disposable  bool
	debuggerTag string
	registerTime time.Time

	mu                 sync.Mutex
	activeRequestCount int
	trafficOff         bool
	downToZero         chan struct{} // replaced each time it's armed

	broker   *WorkerBroker // non-owning back-reference
	delegate Delegate
}

func newWorker(name, credential string, disposable bool, debuggerTag string, broker *WorkerBroker, delegate Delegate) *Worker {
	return &Worker{
		name:         name,
		credential:   credential,
		disposable:   disposable,
		debuggerTag:  debuggerTag,
		registerTime: time.Now(),
		broker:       broker,
		delegate:     delegate,
	}
}

// Name returns the worker's stable name.
func (w *Worker) Name() string { return w.name }

// Credential returns the opaque credential addressing this worker.
func (w *Worker) Credential() string { return w.credential }

// RegisterTime returns when bindWorker created this worker handle, used
// by FIFO/FILO shrink strategies.
func (w *Worker) RegisterTime() time.Time { return w.registerTime }

// ActiveRequestCount returns the current in-flight request count.
func (w *Worker) ActiveRequestCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeRequestCount
}

// isWorkerFree reports whether the worker may accept another request.
func (w *Worker) isWorkerFree(maxActivateRequests int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.trafficOff && w.activeRequestCount < maxActivateRequests
}

// pipe forwards one request to the worker's delegate. The returned
// Response's Queueing and WorkerName fields are always populated on
// success; on error those same two fields travel on the returned
// *PipeError instead, since an error carries no Response to annotate.
func (w *Worker) pipe(ctx context.Context, pending *PendingRequest) (*Response, error) {
	w.mu.Lock()
	w.activeRequestCount++
	w.mu.Unlock()

	if w.disposable && pending.Metadata.DebuggerTag != "" {
		if err := w.delegate.InspectorStart(ctx, w.credential); err != nil {
			w.postDecrement()
			return nil, w.wrapErr(err, pending)
		}
	}

	resp, err := w.delegate.Trigger(ctx, w.credential, pending.Input, pending.Metadata)
	if err != nil {
		w.postDecrement()
		return nil, w.wrapErr(err, pending)
	}
	w.annotate(resp, pending)

	// Decrement only after the response body is fully drained.
	go func() {
		<-resp.done()
		w.postDecrement()
	}()
	return resp, nil
}

// annotate fills in the fields Worker.pipe owns on the success path.
func (w *Worker) annotate(resp *Response, pending *PendingRequest) {
	resp.Queueing = w.queueingWait(pending)
	resp.WorkerName = w.name
}

// wrapErr fills in the fields Worker.pipe owns on the error path, via a
// PipeError wrapping the delegate's error.
func (w *Worker) wrapErr(err error, pending *PendingRequest) error {
	return &PipeError{
		Err:        err,
		Queueing:   w.queueingWait(pending),
		WorkerName: w.name,
	}
}

func (w *Worker) queueingWait(pending *PendingRequest) time.Duration {
	if pending.ArrivalTime.IsZero() {
		return 0
	}
	return time.Since(pending.ArrivalTime)
}

// postDecrement decrements activeRequestCount and fires downToZero when
// it reaches zero.
func (w *Worker) postDecrement() {
	w.mu.Lock()
	w.activeRequestCount--
	if w.activeRequestCount < 0 {
		w.activeRequestCount = 0
	}
	zero := w.activeRequestCount == 0
	var signal chan struct{}
	if zero {
		signal = w.downToZero
		w.downToZero = nil
	}
	w.mu.Unlock()

	if zero && signal != nil {
		close(signal)
	}
	if w.broker != nil {
		w.broker.tryConsumeQueue(w)
	}
}

// closeTraffic sets trafficOff and waits for the worker to drain. If the
// worker is already idle it returns immediately.
func (w *Worker) closeTraffic(ctx context.Context) error {
	w.mu.Lock()
	w.trafficOff = true
	if w.activeRequestCount == 0 {
		w.mu.Unlock()
		return nil
	}
	if w.downToZero == nil {
		w.downToZero = make(chan struct{})
	}
	ch := w.downToZero
	w.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
