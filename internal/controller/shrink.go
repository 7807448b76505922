package controller

import (
	"log/slog"
	"sort"

	"brokerd/internal/domain"
)

// shrinkDraw implements spec section 4.4.4: pick up to n victims from the
// candidate set according to strategy, falling back to LCC on an
// unrecognized strategy (with a warning, per section 7's error policy).
func shrinkDraw(candidates []domain.WorkerSnapshot, strategy domain.ShrinkStrategy, n int) []domain.WorkerSnapshot {
	if n <= 0 || len(candidates) == 0 {
		return nil
	}

	sorted := make([]domain.WorkerSnapshot, len(candidates))
	copy(sorted, candidates)

	switch strategy {
	case domain.ShrinkFIFO:
		sortByRegisterTime(sorted, true)
	case domain.ShrinkFILO:
		sortByRegisterTime(sorted, false)
	case domain.ShrinkLCC:
		sortByActiveRequestCount(sorted)
	default:
		slog.Warn("unknown shrink strategy, falling back to LCC", "strategy", strategy)
		sortByActiveRequestCount(sorted)
	}

	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

func sortByRegisterTime(workers []domain.WorkerSnapshot, oldestFirst bool) {
	sort.SliceStable(workers, func(i, j int) bool {
		if workers[i].RegisterTime.Equal(workers[j].RegisterTime) {
			return workers[i].Credential < workers[j].Credential
		}
		if oldestFirst {
			return workers[i].RegisterTime.Before(workers[j].RegisterTime)
		}
		return workers[i].RegisterTime.After(workers[j].RegisterTime)
	})
}

func sortByActiveRequestCount(workers []domain.WorkerSnapshot) {
	sort.SliceStable(workers, func(i, j int) bool {
		if workers[i].ActiveRequestCount == workers[j].ActiveRequestCount {
			return workers[i].Credential < workers[j].Credential
		}
		return workers[i].ActiveRequestCount < workers[j].ActiveRequestCount
	})
}
