package broker

import (
	"context"
	"sync"
	"time"

	"brokerd/internal/domain"
)

// fakeDelegate is a deterministic in-memory Delegate used by tests,
// grounded on the teacher's pattern of small hand-written fakes rather
// than a mocking framework.
type fakeDelegate struct {
	mu           sync.Mutex
	initErr      map[string]error
	triggerErr   error
	triggerCalls []string
	resetCalls   []string
	inspectCalls []string
}

func newFakeDelegate() *fakeDelegate {
	return &fakeDelegate{initErr: make(map[string]error)}
}

func (f *fakeDelegate) Init(ctx context.Context, credential string, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initErr[credential]
}

func (f *fakeDelegate) Trigger(ctx context.Context, credential string, input []byte, metadata InvokeMetadata) (*Response, error) {
	f.mu.Lock()
	f.triggerCalls = append(f.triggerCalls, credential)
	err := f.triggerErr
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	resp := NewResponse(input)
	resp.Finish() // synchronous worker: body is already fully drained
	return resp, nil
}

func (f *fakeDelegate) InspectorStart(ctx context.Context, credential string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspectCalls = append(f.inspectCalls, credential)
	return nil
}

func (f *fakeDelegate) ResetPeer(ctx context.Context, credential string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls = append(f.resetCalls, credential)
	return nil
}

func (f *fakeDelegate) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.triggerCalls)
}

// fakeSink records the events a broker broadcasts.
type fakeSink struct {
	mu         sync.Mutex
	queueings  []domain.RequestQueueingEvent
	installed  []string
}

func (s *fakeSink) RequestQueueing(evt domain.RequestQueueingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueings = append(s.queueings, evt)
}

func (s *fakeSink) ContainerInstalled(functionName, workerName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installed = append(s.installed, workerName)
}

func (s *fakeSink) RequestDrained(functionName, workerName string) {}

func (s *fakeSink) queueingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queueings)
}

// fakeMetrics records the two counters the spec names.
type fakeMetrics struct {
	mu       sync.Mutex
	queued   int
	waits    []float64
}

func (m *fakeMetrics) IncQueuedRequest(functionName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued++
}

func (m *fakeMetrics) ObserveQueueWait(functionName string, waitSeconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waits = append(m.waits, waitSeconds)
}
