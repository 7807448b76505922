// Package broker implements the per-function request dispatcher: admission
// control, worker selection, the pending-request queue, and worker
// credential lifecycle.
package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"brokerd/internal/domain"
	"brokerd/internal/ratelimit"
)

type workerState string

const (
	stateWorkerPending workerState = "pending"
	stateWorkerBound   workerState = "bound"
)

// workerItem is one entry in the broker's credential index.
type workerItem struct {
	status     workerState
	name       string
	worker     *Worker
}

// WorkerBroker is the per-function dispatcher described in spec section
// 4.3: it owns a worker set, the pending queue, and an optional token
// bucket, and serializes all mutations on a single mutex (section 5).
type WorkerBroker struct {
	name    string
	profile domain.FunctionProfile
	sink    EventSink
	metrics Metrics
	bucket  *ratelimit.TokenBucket
	delegate Delegate

	mu           sync.Mutex
	readyCh      chan struct{}
	requestQueue []*PendingRequest
	queueStatus  domain.QueueStatus
	workers      map[string]*workerItem // credential -> item
}

// New constructs a broker for one function. sink/metrics may be nil, in
// which case no-op implementations are used.
func New(name string, profile domain.FunctionProfile, delegate Delegate, sink EventSink, metrics Metrics) *WorkerBroker {
	if sink == nil {
		sink = noopSink{}
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	var bucket *ratelimit.TokenBucket
	if profile.RateLimitPerSecond > 0 {
		capacity := float64(profile.RateLimitBurst)
		if capacity < 1 {
			capacity = profile.RateLimitPerSecond
		}
		bucket = ratelimit.NewTokenBucket(capacity, profile.RateLimitPerSecond)
	}
	return &WorkerBroker{
		name:        name,
		profile:     profile,
		delegate:    delegate,
		sink:        sink,
		metrics:     metrics,
		bucket:      bucket,
		queueStatus: domain.QueueStatusPassThrough,
		workers:     make(map[string]*workerItem),
		readyCh:     make(chan struct{}),
	}
}

// Name returns the function name this broker serves.
func (b *WorkerBroker) Name() string { return b.name }

// MarkReady signals that the broker has seeded its initial workers and
// started its token bucket, unblocking Invoke's readiness wait.
func (b *WorkerBroker) MarkReady() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.readyCh:
	default:
		close(b.readyCh)
	}
}

// maxActivateRequests returns 1 for disposable brokers, else the profile
// value (section 4.3.6).
func (b *WorkerBroker) maxActivateRequests() int {
	if b.profile.Disposable {
		return 1
	}
	return b.profile.MaxActivateRequests
}

// Invoke implements spec section 4.3.1.
func (b *WorkerBroker) Invoke(ctx context.Context, input []byte, metadata InvokeMetadata) (*Response, error) {
	if err := b.waitReady(ctx); err != nil {
		return nil, err
	}

	if b.bucket != nil && !b.bucket.Acquire() {
		return nil, ErrResourceExhausted
	}

	b.mu.Lock()
	if b.queueStatus == domain.QueueStatusQueueing {
		pending, err := b.enqueueLocked(metadata, input)
		b.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return pending.Wait()
	}

	worker := b.getAvailableWorkerLocked()
	if worker == nil {
		pending, err := b.enqueueLocked(metadata, input)
		b.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return pending.Wait()
	}
	b.mu.Unlock()

	resp, err := worker.pipe(ctx, NewPendingRequest(input, metadata, time.Time{}))
	if worker.disposable {
		go worker.closeTraffic(context.Background())
	}
	return resp, err
}

func (b *WorkerBroker) waitReady(ctx context.Context) error {
	b.mu.Lock()
	ch := b.readyCh
	b.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueLocked implements spec section 4.3.2. Caller holds b.mu.
func (b *WorkerBroker) enqueueLocked(metadata InvokeMetadata, input []byte) (*PendingRequest, error) {
	if !b.profile.RequestQueueEnabled {
		b.broadcastQueueing()
		return nil, ErrQueueDisabled
	}

	pending := NewPendingRequest(input, metadata, time.Now())
	b.requestQueue = append(b.requestQueue, pending)
	b.queueStatus = domain.QueueStatusQueueing
	qlen := len(b.requestQueue)

	b.metrics.IncQueuedRequest(b.name)
	b.broadcastQueueingWithLen(qlen)

	pending.armTimer(func() { b.expirePending(pending) })
	return pending, nil
}

func (b *WorkerBroker) broadcastQueueing() {
	b.sink.RequestQueueing(domain.RequestQueueingEvent{FunctionName: b.name, At: time.Now()})
}

func (b *WorkerBroker) broadcastQueueingWithLen(qlen int) {
	b.sink.RequestQueueing(domain.RequestQueueingEvent{FunctionName: b.name, QueueLength: qlen, At: time.Now()})
}

// expirePending implements the timer-fire path of section 4.3.2.
func (b *WorkerBroker) expirePending(pending *PendingRequest) {
	b.mu.Lock()
	pending.expire()
	b.removeFromQueueLocked(pending)
	if len(b.requestQueue) == 0 {
		b.queueStatus = domain.QueueStatusPassThrough
	}
	b.mu.Unlock()

	b.metrics.ObserveQueueWait(b.name, time.Since(pending.ArrivalTime).Seconds())
	pending.reject(ErrDeadlineExceeded)
}

func (b *WorkerBroker) removeFromQueueLocked(target *PendingRequest) {
	for i, p := range b.requestQueue {
		if p == target {
			b.requestQueue = append(b.requestQueue[:i], b.requestQueue[i+1:]...)
			return
		}
	}
}

// tryConsumeQueue implements spec section 4.3.3. Called whenever worker
// transitions to free.
func (b *WorkerBroker) tryConsumeQueue(worker *Worker) {
	for {
		b.mu.Lock()
		if len(b.requestQueue) == 0 {
			b.queueStatus = domain.QueueStatusPassThrough
			b.mu.Unlock()
			return
		}
		if !worker.isWorkerFree(b.maxActivateRequests()) {
			b.mu.Unlock()
			return
		}

		var head *PendingRequest
		for len(b.requestQueue) > 0 {
			candidate := b.requestQueue[0]
			b.requestQueue = b.requestQueue[1:]
			if candidate.Available() {
				head = candidate
				break
			}
		}
		if len(b.requestQueue) == 0 {
			b.queueStatus = domain.QueueStatusPassThrough
		}
		b.mu.Unlock()

		if head == nil {
			return
		}

		head.cancelTimer()
		resp, err := worker.pipe(context.Background(), head)
		wait := time.Since(head.ArrivalTime)
		b.metrics.ObserveQueueWait(b.name, wait.Seconds())
		if err != nil {
			head.reject(err)
		} else {
			resp.Queueing = wait
			head.resolve(resp)
		}

		if b.profile.Disposable {
			go worker.closeTraffic(context.Background())
			return
		}
	}
}

// getAvailableWorker implements spec section 4.3.4.
func (b *WorkerBroker) getAvailableWorker() *Worker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getAvailableWorkerLocked()
}

func (b *WorkerBroker) getAvailableWorkerLocked() *Worker {
	max := b.maxActivateRequests()
	var best *Worker
	bestCount := max
	names := make([]string, 0, len(b.workers))
	for cred := range b.workers {
		names = append(names, cred)
	}
	sort.Strings(names) // deterministic tie-break

	for _, cred := range names {
		item := b.workers[cred]
		if item.status != stateWorkerBound || item.worker == nil {
			continue
		}
		w := item.worker
		w.mu.Lock()
		trafficOff := w.trafficOff
		count := w.activeRequestCount
		w.mu.Unlock()
		if trafficOff {
			continue
		}
		if count >= max {
			continue
		}
		if best == nil || count < bestCount {
			best = w
			bestCount = count
		}
	}
	return best
}

// registerCredential implements spec section 4.3.5.
func (b *WorkerBroker) registerCredential(name, credential string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.workers[credential]; exists {
		return ErrDuplicateCredential
	}
	b.workers[credential] = &workerItem{status: stateWorkerPending, name: name}
	return nil
}

// bindWorker implements spec section 4.3.5.
func (b *WorkerBroker) bindWorker(ctx context.Context, credential string, debuggerTag string) (*Worker, error) {
	b.mu.Lock()
	item, exists := b.workers[credential]
	if !exists || item.status != stateWorkerPending {
		b.mu.Unlock()
		return nil, ErrCredentialNotPending
	}
	deadline := time.Now().Add(b.profile.InitializationTimeout)
	b.mu.Unlock()

	if err := b.delegate.Init(ctx, credential, deadline); err != nil {
		_ = b.delegate.ResetPeer(ctx, credential)
		return nil, err
	}

	worker := newWorker(item.name, credential, b.profile.Disposable, debuggerTag, b, b.delegate)

	b.mu.Lock()
	item.status = stateWorkerBound
	item.worker = worker
	b.mu.Unlock()

	b.sink.ContainerInstalled(b.name, worker.name)
	b.tryConsumeQueue(worker)
	return worker, nil
}

// removeWorker implements spec section 4.3.5. Per the spec's design
// note, removal is unconditional and does not coordinate with an
// in-flight pipe call.
func (b *WorkerBroker) removeWorker(credential string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.workers, credential)
}

// fastFailAllPendingsDueToStartError implements spec section 4.3.5.
func (b *WorkerBroker) fastFailAllPendingsDueToStartError(fatal bool, message string) {
	if !fatal && !b.profile.FastFailRequestsOnStarting {
		return
	}

	b.mu.Lock()
	queue := b.requestQueue
	b.requestQueue = nil
	b.queueStatus = domain.QueueStatusPassThrough
	b.mu.Unlock()

	if message == "" {
		message = "worker failed to start"
	}
	err := error(&fastFailError{message: message})
	for _, p := range queue {
		p.cancelTimer()
		b.metrics.ObserveQueueWait(b.name, time.Since(p.ArrivalTime).Seconds())
		p.reject(err)
	}
}

type fastFailError struct{ message string }

func (e *fastFailError) Error() string { return e.message }

// Stats returns the broker's current BrokerStats (section 6).
func (b *WorkerBroker) Stats() domain.BrokerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	active := 0
	for _, item := range b.workers {
		if item.worker != nil {
			active += item.worker.ActiveRequestCount()
		}
	}
	return domain.BrokerStats{
		FunctionName:        b.name,
		Inspector:           b.profile.Inspector,
		QueueStatus:         b.queueStatus,
		QueueLength:         len(b.requestQueue),
		WorkerCount:         len(b.workers),
		ActiveRequestCount:  active,
		MaxActivateRequests: b.maxActivateRequests(),
	}
}

// Workers returns a snapshot of the currently bound workers, for use by
// the controller's victim-selection pass.
func (b *WorkerBroker) Workers() []*Worker {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Worker, 0, len(b.workers))
	for _, item := range b.workers {
		if item.status == stateWorkerBound && item.worker != nil {
			out = append(out, item.worker)
		}
	}
	return out
}
