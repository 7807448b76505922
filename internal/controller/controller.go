package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"brokerd/internal/domain"
)

// ErrNoFunction is returned by OnRequestQueueing when the event names a
// function with no registered profile (spec section 4.4.1 step 2). The
// expand and shrink passes skip such deltas without an error.
var ErrNoFunction = errors.New("controller: no function profile")

// Config carries the controller's tunables that aren't per-function
// (those live on domain.FunctionProfile).
type Config struct {
	DefaultShrinkStrategy domain.ShrinkStrategy
}

// DefaultController is the spec's control-plane autoscaler (section 4.4).
type DefaultController struct {
	cfg          Config
	launcher     WorkerLauncher
	dataPlane    DataPlaneClientManager
	capacity     CapacityManager
	state        StateManager
	workerLister WorkerLister
	profiles     map[string]domain.FunctionProfile

	shrinking atomic.Bool
}

// New builds a DefaultController.
func New(cfg Config, launcher WorkerLauncher, dataPlane DataPlaneClientManager, capacity CapacityManager, state StateManager, workerLister WorkerLister, profiles map[string]domain.FunctionProfile) *DefaultController {
	if cfg.DefaultShrinkStrategy == "" {
		cfg.DefaultShrinkStrategy = domain.ShrinkLCC
	}
	return &DefaultController{
		cfg:          cfg,
		launcher:     launcher,
		dataPlane:    dataPlane,
		capacity:     capacity,
		state:        state,
		workerLister: workerLister,
		profiles:     profiles,
	}
}

// OnRequestQueueing implements spec section 4.4.1.
func (c *DefaultController) OnRequestQueueing(ctx context.Context, evt domain.RequestQueueingEvent, stats []domain.BrokerStats) error {
	if !c.capacity.AllowExpandingOnRequestQueueing(evt) {
		return nil
	}

	profile, ok := c.profiles[evt.FunctionName]
	if !ok {
		return ErrNoFunction
	}

	metadata := domain.WorkerMetadata{
		FunctionName: evt.FunctionName,
		Inspect:      false,
		Disposable:   profile.Disposable,
		ToReserve:    false,
	}

	launchCtx, cancel := context.WithTimeout(ctx, profile.InitializationTimeout)
	defer cancel()

	reason := "RequestQueueExpand:" + uuid.NewString()
	if err := c.launcher.TryLaunch(launchCtx, reason, metadata); err != nil {
		if ffErr := c.dataPlane.StartWorkerFastFail(ctx, evt.FunctionName, false, err.Error()); ffErr != nil {
			slog.Error("startWorkerFastFail failed", "function", evt.FunctionName, "error", ffErr)
		}
		return err
	}

	// Best effort; failures are logged and otherwise ignored.
	c.state.SyncWorkerData(stats)
	return nil
}

// OnWorkerTrafficStats implements spec section 4.4.2 (autoScale).
func (c *DefaultController) OnWorkerTrafficStats(ctx context.Context) error {
	views := c.state.Snapshot()
	expandDeltas, shrinkDeltas := c.capacity.EvaluateScaleDeltas(views)

	var reservationDeltas, regularDeltas []domain.Delta
	for _, d := range expandDeltas {
		if dcm, ok := c.capacity.(*DefaultCapacityManager); ok {
			byCount := 0
			for _, v := range views {
				if v.Stats.FunctionName == d.FunctionName {
					byCount = v.Stats.WorkerCount
				}
			}
			if dcm.IsReservation(d.FunctionName, byCount) {
				reservationDeltas = append(reservationDeltas, d)
				continue
			}
		}
		regularDeltas = append(regularDeltas, d)
	}

	var wg sync.WaitGroup
	var shrinkErr, expandErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		shrinkErr = c.shrink(ctx, shrinkDeltas)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		expandErr = c.expand(ctx, append(regularDeltas, reservationDeltas...))
	}()

	wg.Wait()

	decision := domain.ScalingDecision{
		Deltas:    append(append([]domain.Delta{}, expandDeltas...), shrinkDeltas...),
		DecidedAt: time.Now(),
	}
	if shrinkErr != nil {
		decision.Errors = append(decision.Errors, shrinkErr.Error())
	}
	if expandErr != nil {
		decision.Errors = append(decision.Errors, expandErr.Error())
	}
	c.state.RecordScalingDecision(decision)

	if shrinkErr != nil {
		return shrinkErr
	}
	return expandErr
}

func (c *DefaultController) expand(ctx context.Context, deltas []domain.Delta) error {
	var firstErr error
	for _, d := range deltas {
		if d.Count <= 0 {
			continue
		}
		profile, ok := c.profiles[d.FunctionName]
		if !ok {
			continue
		}
		for i := 0; i < d.Count; i++ {
			metadata := domain.WorkerMetadata{FunctionName: d.FunctionName, Disposable: profile.Disposable}
			if err := c.launcher.TryLaunch(ctx, "AutoScaleExpand:"+uuid.NewString(), metadata); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// shrink implements spec section 4.4.3, with a single-flight reentrancy
// guard: a concurrent call that finds shrinking already set drops its
// work entirely rather than queueing behind it (spec design notes).
func (c *DefaultController) shrink(ctx context.Context, deltas []domain.Delta) error {
	if !c.shrinking.CompareAndSwap(false, true) {
		return nil
	}
	defer c.shrinking.Store(false)

	var firstErr error
	for _, d := range deltas {
		if d.Count >= 0 {
			continue
		}
		profile, ok := c.profiles[d.FunctionName]
		if !ok || profile.Disposable || profile.Inspector {
			continue
		}

		candidates := c.workerLister.ListWorkers(d.FunctionName)

		strategy := profile.ShrinkStrategy
		if strategy == "" {
			strategy = c.cfg.DefaultShrinkStrategy
		}
		victims := shrinkDraw(candidates, strategy, -d.Count)
		if len(victims) == 0 {
			continue
		}

		credentials := make([]string, len(victims))
		for i, v := range victims {
			credentials[i] = v.Credential
		}

		drained, err := c.dataPlane.ReduceCapacity(ctx, domain.ReduceCapacityRequest{FunctionName: d.FunctionName}, credentials)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		var stopWg sync.WaitGroup
		for _, credential := range drained {
			stopWg.Add(1)
			go func(cred string) {
				defer stopWg.Done()
				if err := c.dataPlane.StopWorker(ctx, d.FunctionName, cred); err != nil {
					slog.Error("stopWorker failed", "function", d.FunctionName, "credential", cred, "error", err)
				}
			}(credential)
		}
		stopWg.Wait()
	}
	return firstErr
}
