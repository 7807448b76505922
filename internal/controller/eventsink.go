package controller

import (
	"context"
	"log/slog"
	"time"

	"brokerd/internal/domain"
)

// BrokerEventSink adapts a DefaultController into something a broker can
// notify on request queueing (broker.EventSink is satisfied structurally;
// this file does not refer to any broker type). The broker calls
// RequestQueueing inline from its admission path, so the expand decision
// runs in its own goroutine rather than holding up the caller, mirroring
// the teacher's asynchronous event-broadcast pattern.
type BrokerEventSink struct {
	Controller *DefaultController
	Stats      func() []domain.BrokerStats
}

// RequestQueueing implements broker.EventSink.
func (s *BrokerEventSink) RequestQueueing(evt domain.RequestQueueingEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var stats []domain.BrokerStats
		if s.Stats != nil {
			stats = s.Stats()
		}
		if err := s.Controller.OnRequestQueueing(ctx, evt, stats); err != nil {
			slog.Error("OnRequestQueueing failed", "function", evt.FunctionName, "error", err)
		}
	}()
}

// ContainerInstalled implements broker.EventSink; nothing to do here, the
// controller only reacts to queueing pressure and periodic stats.
func (s *BrokerEventSink) ContainerInstalled(functionName, workerName string) {}

// RequestDrained implements broker.EventSink.
func (s *BrokerEventSink) RequestDrained(functionName, workerName string) {}
