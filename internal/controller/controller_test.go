package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"brokerd/internal/domain"
)

type fakeLauncher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeLauncher) TryLaunch(ctx context.Context, reason string, metadata domain.WorkerMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type fakeDataPlane struct {
	mu            sync.Mutex
	reduceCalls   [][]string
	drainSubset   map[string]bool
	stoppedOrder  []string
	fastFailCalls int
}

func (f *fakeDataPlane) ReduceCapacity(ctx context.Context, req domain.ReduceCapacityRequest, credentials []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reduceCalls = append(f.reduceCalls, credentials)
	var drained []string
	for _, c := range credentials {
		if f.drainSubset == nil || f.drainSubset[c] {
			drained = append(drained, c)
		}
	}
	return drained, nil
}

func (f *fakeDataPlane) StartWorkerFastFail(ctx context.Context, functionName string, fatal bool, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fastFailCalls++
	return nil
}

func (f *fakeDataPlane) StopWorker(ctx context.Context, functionName, credential string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stoppedOrder = append(f.stoppedOrder, credential)
	return nil
}

type fakeState struct {
	mu        sync.Mutex
	views     []domain.BrokerView
	decisions []domain.ScalingDecision
	synced    [][]domain.BrokerStats
}

func (f *fakeState) Snapshot() []domain.BrokerView { return f.views }
func (f *fakeState) SyncWorkerData(stats []domain.BrokerStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, stats)
}
func (f *fakeState) RecordScalingDecision(d domain.ScalingDecision) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, d)
}

type fakeWorkerLister struct {
	byFunction map[string][]domain.WorkerSnapshot
}

func (f *fakeWorkerLister) ListWorkers(functionName string) []domain.WorkerSnapshot {
	return f.byFunction[functionName]
}

func t0(offset time.Duration) time.Time { return time.Unix(0, 0).Add(offset) }

// S4 — autoscale shrink via LCC.
func TestShrinkLCC(t *testing.T) {
	lister := &fakeWorkerLister{byFunction: map[string][]domain.WorkerSnapshot{
		"lambda": {
			{Credential: "coco", ActiveRequestCount: 3, RegisterTime: t0(1)},
			{Credential: "cocos", ActiveRequestCount: 1, RegisterTime: t0(2)},
			{Credential: "alibaba", ActiveRequestCount: 2, RegisterTime: t0(3)},
		},
	}}
	dataPlane := &fakeDataPlane{drainSubset: map[string]bool{"cocos": true}}
	state := &fakeState{}
	profiles := map[string]domain.FunctionProfile{
		"lambda": {FunctionName: "lambda", ShrinkStrategy: domain.ShrinkLCC},
	}
	c := New(Config{}, &fakeLauncher{}, dataPlane, &DefaultCapacityManager{}, state, lister, profiles)

	err := c.shrink(context.Background(), []domain.Delta{{FunctionName: "lambda", Count: -2}})
	if err != nil {
		t.Fatalf("shrink: %v", err)
	}

	if len(dataPlane.reduceCalls) != 1 {
		t.Fatalf("expected exactly one reduceCapacity call, got %d", len(dataPlane.reduceCalls))
	}
	got := dataPlane.reduceCalls[0]
	if len(got) != 2 || got[0] != "cocos" || got[1] != "alibaba" {
		t.Fatalf("expected victims [cocos alibaba], got %v", got)
	}
	if len(dataPlane.stoppedOrder) != 1 || dataPlane.stoppedOrder[0] != "cocos" {
		t.Fatalf("expected exactly one stopWorker call for cocos, got %v", dataPlane.stoppedOrder)
	}
}

func TestShrinkSkipsDisposableAndUnknownFunctions(t *testing.T) {
	lister := &fakeWorkerLister{}
	dataPlane := &fakeDataPlane{}
	state := &fakeState{}
	profiles := map[string]domain.FunctionProfile{
		"disp": {FunctionName: "disp", Disposable: true},
	}
	c := New(Config{}, &fakeLauncher{}, dataPlane, &DefaultCapacityManager{}, state, lister, profiles)

	err := c.shrink(context.Background(), []domain.Delta{
		{FunctionName: "disp", Count: -1},
		{FunctionName: "unknown", Count: -1},
	})
	if err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if len(dataPlane.reduceCalls) != 0 {
		t.Fatalf("expected no reduceCapacity calls, got %d", len(dataPlane.reduceCalls))
	}
}

// spec section 4.4.3 excludes inspector brokers from shrink victim
// selection the same way it excludes disposable ones.
func TestShrinkSkipsInspectorBrokers(t *testing.T) {
	lister := &fakeWorkerLister{byFunction: map[string][]domain.WorkerSnapshot{
		"debug-target": {{Credential: "a", RegisterTime: t0(1)}},
	}}
	dataPlane := &fakeDataPlane{}
	state := &fakeState{}
	profiles := map[string]domain.FunctionProfile{
		"debug-target": {FunctionName: "debug-target", Inspector: true},
	}
	c := New(Config{}, &fakeLauncher{}, dataPlane, &DefaultCapacityManager{}, state, lister, profiles)

	err := c.shrink(context.Background(), []domain.Delta{{FunctionName: "debug-target", Count: -1}})
	if err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if len(dataPlane.reduceCalls) != 0 {
		t.Fatalf("expected inspector broker to be excluded from shrink, got %d reduceCapacity calls", len(dataPlane.reduceCalls))
	}
}

func TestShrinkReentrancyDropsConcurrentCall(t *testing.T) {
	lister := &fakeWorkerLister{byFunction: map[string][]domain.WorkerSnapshot{
		"fn": {{Credential: "a"}},
	}}
	dataPlane := &fakeDataPlane{}
	state := &fakeState{}
	profiles := map[string]domain.FunctionProfile{"fn": {FunctionName: "fn"}}
	c := New(Config{}, &fakeLauncher{}, dataPlane, &DefaultCapacityManager{}, state, lister, profiles)

	c.shrinking.Store(true) // simulate an in-flight shrink
	err := c.shrink(context.Background(), []domain.Delta{{FunctionName: "fn", Count: -1}})
	if err != nil {
		t.Fatalf("expected dropped call to return nil, got %v", err)
	}
	if len(dataPlane.reduceCalls) != 0 {
		t.Fatal("expected the reentrant call to be dropped, not executed")
	}
}

func TestOnRequestQueueingLaunchesAndFastFailsOnError(t *testing.T) {
	launcher := &fakeLauncher{}
	dataPlane := &fakeDataPlane{}
	state := &fakeState{}
	profiles := map[string]domain.FunctionProfile{
		"fn": {FunctionName: "fn", InitializationTimeout: time.Second},
	}
	c := New(Config{}, launcher, dataPlane, &DefaultCapacityManager{VirtualMemoryPoolSize: 100}, state, &fakeWorkerLister{}, profiles)

	if err := c.OnRequestQueueing(context.Background(), domain.RequestQueueingEvent{FunctionName: "fn"}, nil); err != nil {
		t.Fatalf("OnRequestQueueing: %v", err)
	}
	if launcher.calls != 1 {
		t.Fatalf("expected one launch attempt, got %d", launcher.calls)
	}
	if dataPlane.fastFailCalls != 0 {
		t.Fatalf("expected no fast-fail on success, got %d", dataPlane.fastFailCalls)
	}

	launcher.err = errUnavailable
	if err := c.OnRequestQueueing(context.Background(), domain.RequestQueueingEvent{FunctionName: "fn"}, nil); err == nil {
		t.Fatal("expected launch error to propagate")
	}
	if dataPlane.fastFailCalls != 1 {
		t.Fatalf("expected fast-fail to be called once on launch failure, got %d", dataPlane.fastFailCalls)
	}
}

func TestOnRequestQueueingUnknownFunction(t *testing.T) {
	c := New(Config{}, &fakeLauncher{}, &fakeDataPlane{}, &DefaultCapacityManager{VirtualMemoryPoolSize: 100}, &fakeState{}, &fakeWorkerLister{}, map[string]domain.FunctionProfile{})
	err := c.OnRequestQueueing(context.Background(), domain.RequestQueueingEvent{FunctionName: "ghost"}, nil)
	if err != ErrNoFunction {
		t.Fatalf("expected ErrNoFunction, got %v", err)
	}
}

type sentinelErr struct{ msg string }

func (e *sentinelErr) Error() string { return e.msg }

var errUnavailable = &sentinelErr{msg: "launcher unavailable"}
