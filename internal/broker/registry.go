package broker

import (
	"context"
	"sync"
	"time"

	"brokerd/internal/domain"
)

// Registry holds the set of live brokers, one per registered function.
type Registry struct {
	mu       sync.RWMutex
	brokers  map[string]*WorkerBroker
}

// NewRegistry creates an empty broker registry.
func NewRegistry() *Registry {
	return &Registry{brokers: make(map[string]*WorkerBroker)}
}

// Put registers a broker under its function name.
func (r *Registry) Put(b *WorkerBroker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.brokers[b.Name()] = b
}

// Get returns the broker for name, if any.
func (r *Registry) Get(name string) (*WorkerBroker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.brokers[name]
	return b, ok
}

// Remove drops a broker from the registry (e.g. when its function is
// undeployed).
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.brokers, name)
}

// All returns a snapshot slice of every registered broker.
func (r *Registry) All() []*WorkerBroker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*WorkerBroker, 0, len(r.brokers))
	for _, b := range r.brokers {
		out = append(out, b)
	}
	return out
}

// RegisterCredential is exported glue so the control-plane surface
// (internal/httpapi) can drive the credential lifecycle without reaching
// into broker internals.
func (r *Registry) RegisterCredential(functionName, name, credential string) error {
	b, ok := r.Get(functionName)
	if !ok {
		return ErrNoFunction
	}
	return b.registerCredential(name, credential)
}

// BindWorker exposes WorkerBroker.bindWorker through the registry.
func (r *Registry) BindWorker(functionName, credential, debuggerTag string) (*Worker, error) {
	b, ok := r.Get(functionName)
	if !ok {
		return nil, ErrNoFunction
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.profile.InitializationTimeout)
	defer cancel()
	return b.bindWorker(ctx, credential, debuggerTag)
}

// RemoveWorker exposes WorkerBroker.removeWorker through the registry.
func (r *Registry) RemoveWorker(functionName, credential string) error {
	b, ok := r.Get(functionName)
	if !ok {
		return ErrNoFunction
	}
	b.removeWorker(credential)
	return nil
}

// FastFailAllPendings exposes WorkerBroker.fastFailAllPendingsDueToStartError
// through the registry for the controller's launch-failure path.
func (r *Registry) FastFailAllPendings(functionName string, fatal bool, message string) error {
	b, ok := r.Get(functionName)
	if !ok {
		return ErrNoFunction
	}
	b.fastFailAllPendingsDueToStartError(fatal, message)
	return nil
}

// ListWorkers exposes a broker's bound workers as domain.WorkerSnapshot,
// the detail the controller needs to run shrink victim selection.
func (r *Registry) ListWorkers(functionName string) []domain.WorkerSnapshot {
	b, ok := r.Get(functionName)
	if !ok {
		return nil
	}
	workers := b.Workers()
	out := make([]domain.WorkerSnapshot, len(workers))
	for i, w := range workers {
		out[i] = domain.WorkerSnapshot{
			Credential:         w.Credential(),
			RegisterTime:       w.RegisterTime(),
			ActiveRequestCount: w.ActiveRequestCount(),
		}
	}
	return out
}

// DrainWorkers closes traffic to each named credential on functionName's
// broker, waiting up to drainTimeout per worker, and returns the subset
// that reached zero in-flight requests (i.e. actually drained). Used by
// the controller's shrink pass to decide which workers it may stop.
func (r *Registry) DrainWorkers(functionName string, credentials []string, drainTimeout time.Duration) []string {
	b, ok := r.Get(functionName)
	if !ok {
		return nil
	}
	byCredential := make(map[string]*Worker)
	for _, w := range b.Workers() {
		byCredential[w.Credential()] = w
	}

	var drained []string
	for _, credential := range credentials {
		w, ok := byCredential[credential]
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		err := w.closeTraffic(ctx)
		cancel()
		if err == nil {
			drained = append(drained, credential)
		}
	}
	return drained
}

// Stats returns BrokerStats for every registered broker, for use by
// StateManager's sync after a queueing-triggered launch.
func (r *Registry) Stats() []domain.BrokerStats {
	all := r.All()
	out := make([]domain.BrokerStats, len(all))
	for i, b := range all {
		out[i] = b.Stats()
	}
	return out
}
