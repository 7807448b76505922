package broker

import (
	"sync"
	"time"
)

// InvokeMetadata carries the per-call routing information a caller
// supplies to WorkerBroker.Invoke.
type InvokeMetadata struct {
	RequestID   string
	Deadline    time.Time
	DebuggerTag string
	Fatal       bool
}

// Response is the result of a worker pipe call. Callers that consume a
// streaming body must call Finish once the body is fully drained; Worker
// uses that signal to decrement activeRequestCount.
type Response struct {
	Body       []byte
	Queueing   time.Duration
	WorkerName string

	finishOnce sync.Once
	finishCh   chan struct{}
}

// NewResponse builds a Response with its finish signal armed.
func NewResponse(body []byte) *Response {
	return &Response{Body: body, finishCh: make(chan struct{})}
}

// Finish signals that the response body has been fully consumed.
func (r *Response) Finish() {
	r.finishOnce.Do(func() { close(r.finishCh) })
}

// done returns the channel that closes when Finish is called.
func (r *Response) done() <-chan struct{} {
	return r.finishCh
}

// PendingRequest is one queued invocation awaiting a free worker.
type PendingRequest struct {
	Input       []byte
	Metadata    InvokeMetadata
	ArrivalTime time.Time

	mu        sync.Mutex
	available bool
	terminal  bool
	resultCh  chan requestResult
	timer     *time.Timer
}

type requestResult struct {
	resp *Response
	err  error
}

// NewPendingRequest creates a request ready to be enqueued. Its result
// channel holds one value, so the single resolve/reject (guarded by the
// terminal flag) never blocks waiting for Wait.
func NewPendingRequest(input []byte, metadata InvokeMetadata, arrival time.Time) *PendingRequest {
	return &PendingRequest{
		Input:       input,
		Metadata:    metadata,
		ArrivalTime: arrival,
		available:   true,
		resultCh:    make(chan requestResult, 1),
	}
}

// Available reports whether the request has not yet been timed out or
// fast-failed.
func (p *PendingRequest) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// armTimer starts the deadline timer, invoking onExpire exactly once if
// the request is still pending when it fires.
func (p *PendingRequest) armTimer(onExpire func()) {
	d := time.Until(p.Metadata.Deadline)
	if d < 0 {
		d = 0
	}
	p.mu.Lock()
	p.timer = time.AfterFunc(d, onExpire)
	p.mu.Unlock()
}

// cancelTimer stops the deadline timer if it is still armed.
func (p *PendingRequest) cancelTimer() {
	p.mu.Lock()
	t := p.timer
	p.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// resolve completes the request successfully. A no-op if the request is
// already terminal.
func (p *PendingRequest) resolve(resp *Response) {
	p.mu.Lock()
	if p.terminal {
		p.mu.Unlock()
		return
	}
	p.terminal = true
	p.mu.Unlock()
	p.cancelTimer()
	p.resultCh <- requestResult{resp: resp}
}

// reject completes the request with an error. A no-op if the request is
// already terminal.
func (p *PendingRequest) reject(err error) {
	p.mu.Lock()
	if p.terminal {
		p.mu.Unlock()
		return
	}
	p.terminal = true
	p.available = false
	p.mu.Unlock()
	p.cancelTimer()
	p.resultCh <- requestResult{err: err}
}

// expire marks the request unavailable for a pending-queue timeout. The
// caller is responsible for removing it from the queue and rejecting it.
func (p *PendingRequest) expire() {
	p.mu.Lock()
	p.available = false
	p.mu.Unlock()
}

// Wait blocks until the request is resolved or rejected.
func (p *PendingRequest) Wait() (*Response, error) {
	r := <-p.resultCh
	return r.resp, r.err
}
