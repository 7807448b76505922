// Package main is the entry point for brokerd.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"brokerd/internal/broker"
	"brokerd/internal/config"
	"brokerd/internal/controller"
	"brokerd/internal/domain"
	"brokerd/internal/httpapi"
	"brokerd/internal/resilience"
	"brokerd/internal/state"
	"brokerd/internal/storage/postgres"
	"brokerd/internal/telemetry"
)

// stubDelegate is the out-of-scope IPC facade to a worker process (spec
// section 1: "a concrete implementation lives outside this package").
// It logs every call instead of forwarding to a real sandbox, which is
// enough to exercise admission, queueing, and lifecycle wiring without a
// running worker fleet.
type stubDelegate struct{}

func (stubDelegate) Init(ctx context.Context, credential string, deadline time.Time) error {
	slog.Debug("stub delegate: init", "credential", credential)
	return nil
}

func (stubDelegate) Trigger(ctx context.Context, credential string, input []byte, metadata broker.InvokeMetadata) (*broker.Response, error) {
	slog.Debug("stub delegate: trigger", "credential", credential, "bytes", len(input))
	return broker.NewResponse(input), nil
}

func (stubDelegate) InspectorStart(ctx context.Context, credential string) error {
	slog.Debug("stub delegate: inspectorStart", "credential", credential)
	return nil
}

func (stubDelegate) ResetPeer(ctx context.Context, credential string) error {
	slog.Debug("stub delegate: resetPeer", "credential", credential)
	return nil
}

// stubLauncher is the out-of-scope worker-process spawner (spec section
// 1: "a WorkerLauncher is assumed"). It logs the launch request; a real
// deployment replaces this with a sandbox/container launcher.
type stubLauncher struct{}

func (stubLauncher) TryLaunch(ctx context.Context, reason string, metadata domain.WorkerMetadata) error {
	slog.Info("stub launcher: tryLaunch", "function", metadata.FunctionName, "reason", reason, "disposable", metadata.Disposable)
	return nil
}

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting brokerd", "http_port", cfg.Server.HTTPPort, "functions", len(cfg.Functions))

	metrics, shutdownTelemetry, err := telemetry.Init(prometheus.DefaultRegisterer)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry()

	if cfg.Database.Driver != "postgres" {
		slog.Error("only postgres storage is supported")
		os.Exit(1)
	}
	db, err := postgres.NewDB(&cfg.Database, cfg.Database.GetDSN())
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := postgres.RunSchemaFromFile(db.GetDB(), "migrations/001_schema.sql"); err != nil {
		slog.Warn("schema migration issue, continuing", "error", err)
	}

	stateStore := postgres.NewStateStore(db.GetDB())
	stateManager := state.New(stateStore)
	if err := stateManager.Load(context.Background()); err != nil {
		slog.Warn("failed to preload broker state", "error", err)
	}

	profiles := cfg.Profiles()
	registry := broker.NewRegistry()

	dataPlane := controller.NewRegistryDataPlane(registry, 30*time.Second)
	breaker := resilience.NewLaunchCircuitBreaker(5, 30*time.Second)
	retryCfg := resilience.RetryConfig{MaxRetries: 3, BackoffBase: 100 * time.Millisecond, BackoffMax: 5 * time.Second, Jitter: true}
	launcher := controller.NewResilientLauncher(stubLauncher{}, breaker, retryCfg, metrics)

	capacityManager := &controller.DefaultCapacityManager{
		VirtualMemoryPoolSize: cfg.Scaling.VirtualMemoryPoolSize,
		MemoryPerWorker:       cfg.Scaling.MemoryPerWorkerMB,
		Profiles:              profiles,
	}

	ctrlCfg := controller.Config{DefaultShrinkStrategy: domain.ShrinkStrategy(cfg.Scaling.DefaultShrinkStrategy)}
	ctrl := controller.New(ctrlCfg, launcher, dataPlane, capacityManager, stateManager, registry, profiles)
	sink := &controller.BrokerEventSink{Controller: ctrl, Stats: registry.Stats}

	for name, profile := range profiles {
		b := broker.New(name, profile, stubDelegate{}, sink, metrics)
		registry.Put(b)
		b.MarkReady()
		slog.Info("broker ready", "function", name, "disposable", profile.Disposable)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	autoScaleInterval := cfg.Scaling.AutoScaleInterval
	if autoScaleInterval <= 0 {
		autoScaleInterval = 5 * time.Second
	}
	go runAutoScaleLoop(ctx, ctrl, autoScaleInterval)

	server, err := httpapi.NewServer(cfg, registry, metrics)
	if err != nil {
		slog.Error("failed to build http server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	slog.Info("brokerd ready", "addr", addr)
	if err := server.Start(ctx, addr); err != nil {
		slog.Error("http server error", "error", err)
		os.Exit(1)
	}
	slog.Info("brokerd stopped")
}

// runAutoScaleLoop drives the controller's periodic WorkerTrafficStats
// pass (spec section 4.4.2) until ctx is cancelled.
func runAutoScaleLoop(ctx context.Context, ctrl *controller.DefaultController, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ctrl.OnWorkerTrafficStats(ctx); err != nil {
				slog.Error("autoscale pass failed", "error", err)
			}
		}
	}
}
