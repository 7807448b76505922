// Package state implements the control-plane mirror of per-broker stats
// the autoscaler reads on each pass (spec section 3, "BrokerView"),
// grounded on the teacher's cache-in-front-of-Postgres pattern used for
// provider health tracking.
package state

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"brokerd/internal/domain"
)

// Store is the durable side of StateManager. A nil Store makes
// StateManager purely in-memory, which is sufficient for tests and for
// a controller that tolerates losing its mirror across restarts.
type Store interface {
	UpsertBrokerStats(ctx context.Context, stats domain.BrokerStats) error
	LoadBrokerStats(ctx context.Context) ([]domain.BrokerStats, error)
	RecordScalingDecision(ctx context.Context, decision domain.ScalingDecision) error
}

// Manager mirrors per-broker stats for the autoscaler and persists them
// (and every scaling decision) to Store on a best-effort basis: a
// persistence failure is logged and never blocks the caller, matching
// the teacher's "best effort, log and continue" treatment of audit and
// event-recording writes.
type Manager struct {
	mu    sync.RWMutex
	views map[string]*domain.BrokerView
	store Store
}

// New builds a Manager. store may be nil.
func New(store Store) *Manager {
	return &Manager{views: make(map[string]*domain.BrokerView), store: store}
}

// Load populates the in-memory cache from the store at startup.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	stats, err := m.store.LoadBrokerStats(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, s := range stats {
		m.views[s.FunctionName] = &domain.BrokerView{Stats: s, UpdatedAt: now}
	}
	return nil
}

// SyncWorkerData updates the cache for each reported broker and
// best-effort persists it.
func (m *Manager) SyncWorkerData(stats []domain.BrokerStats) {
	now := time.Now()
	m.mu.Lock()
	for _, s := range stats {
		m.views[s.FunctionName] = &domain.BrokerView{Stats: s, UpdatedAt: now}
	}
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	go func(stats []domain.BrokerStats) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range stats {
			if err := m.store.UpsertBrokerStats(ctx, s); err != nil {
				slog.Error("failed to persist broker stats", "function", s.FunctionName, "error", err)
			}
		}
	}(stats)
}

// Snapshot returns every broker's current view, the read path for
// autoScale (spec section 4.4.2 step 1).
func (m *Manager) Snapshot() []domain.BrokerView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.BrokerView, 0, len(m.views))
	for _, v := range m.views {
		out = append(out, *v)
	}
	return out
}

// RecordScalingDecision best-effort persists one autoscale pass.
func (m *Manager) RecordScalingDecision(decision domain.ScalingDecision) {
	if m.store == nil {
		return
	}
	go func(decision domain.ScalingDecision) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.RecordScalingDecision(ctx, decision); err != nil {
			slog.Error("failed to persist scaling decision", "error", err)
		}
	}(decision)
}
