package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"brokerd/internal/domain"
)

// StateStore persists broker stats and scaling decisions for
// internal/state.Manager, implementing its Store interface.
type StateStore struct {
	db *sql.DB
}

// NewStateStore wraps a *sql.DB.
func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

// UpsertBrokerStats writes the latest stats snapshot for one function.
func (s *StateStore) UpsertBrokerStats(ctx context.Context, stats domain.BrokerStats) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broker_stats (
			function_name, queue_status, queue_length, worker_count,
			active_request_count, max_activate_requests, average_queue_wait_ms, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (function_name) DO UPDATE SET
			queue_status = EXCLUDED.queue_status,
			queue_length = EXCLUDED.queue_length,
			worker_count = EXCLUDED.worker_count,
			active_request_count = EXCLUDED.active_request_count,
			max_activate_requests = EXCLUDED.max_activate_requests,
			average_queue_wait_ms = EXCLUDED.average_queue_wait_ms,
			updated_at = NOW()
	`,
		stats.FunctionName, string(stats.QueueStatus), stats.QueueLength, stats.WorkerCount,
		stats.ActiveRequestCount, stats.MaxActivateRequests, stats.AverageQueueWaitMs,
	)
	if err != nil {
		return fmt.Errorf("upsert broker stats: %w", err)
	}
	return nil
}

// LoadBrokerStats returns every broker's most recently persisted stats.
func (s *StateStore) LoadBrokerStats(ctx context.Context) ([]domain.BrokerStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT function_name, queue_status, queue_length, worker_count,
		       active_request_count, max_activate_requests, average_queue_wait_ms
		FROM broker_stats
	`)
	if err != nil {
		return nil, fmt.Errorf("load broker stats: %w", err)
	}
	defer rows.Close()

	var out []domain.BrokerStats
	for rows.Next() {
		var s domain.BrokerStats
		var queueStatus string
		if err := rows.Scan(&s.FunctionName, &queueStatus, &s.QueueLength, &s.WorkerCount,
			&s.ActiveRequestCount, &s.MaxActivateRequests, &s.AverageQueueWaitMs); err != nil {
			return nil, fmt.Errorf("scan broker stats: %w", err)
		}
		s.QueueStatus = domain.QueueStatus(queueStatus)
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecordScalingDecision appends one autoscale pass to the audit trail.
func (s *StateStore) RecordScalingDecision(ctx context.Context, decision domain.ScalingDecision) error {
	deltas, err := json.Marshal(decision.Deltas)
	if err != nil {
		return fmt.Errorf("marshal deltas: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scaling_decisions (function_name, deltas, victims, errors, decided_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		decision.FunctionName, deltas, pq.Array(decision.Victims), pq.Array(decision.Errors), decision.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("record scaling decision: %w", err)
	}
	return nil
}
