package config

import (
	"testing"

	"brokerd/internal/domain"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("expected default driver postgres, got %s", cfg.Database.Driver)
	}
	if cfg.Scaling.DefaultShrinkStrategy != "lcc" {
		t.Fatalf("expected default shrink strategy lcc, got %s", cfg.Scaling.DefaultShrinkStrategy)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/brokerd.toml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Fatalf("expected default http port, got %d", cfg.Server.HTTPPort)
	}
}

func TestFunctionConfigToProfile(t *testing.T) {
	tests := []struct {
		name           string
		fc             FunctionConfig
		wantStrategy   domain.ShrinkStrategy
		wantQueueMs    int
	}{
		{
			name:         "valid strategy carries through",
			fc:           FunctionConfig{ShrinkStrategy: "fifo", QueueTimeoutMs: 500},
			wantStrategy: domain.ShrinkFIFO,
			wantQueueMs:  500,
		},
		{
			name:         "unknown strategy falls back to lcc",
			fc:           FunctionConfig{ShrinkStrategy: "made-up"},
			wantStrategy: domain.ShrinkLCC,
		},
		{
			name:         "empty strategy falls back to lcc",
			fc:           FunctionConfig{},
			wantStrategy: domain.ShrinkLCC,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			profile := tc.fc.ToProfile("fn")
			if profile.ShrinkStrategy != tc.wantStrategy {
				t.Fatalf("expected strategy %s, got %s", tc.wantStrategy, profile.ShrinkStrategy)
			}
			if tc.wantQueueMs != 0 && profile.QueueTimeout.Milliseconds() != int64(tc.wantQueueMs) {
				t.Fatalf("expected queue timeout %dms, got %v", tc.wantQueueMs, profile.QueueTimeout)
			}
		})
	}
}

func TestProfilesKeyedByName(t *testing.T) {
	cfg := Default()
	cfg.Functions = map[string]FunctionConfig{
		"fn-a": {MaxActivateRequests: 10},
		"fn-b": {MaxActivateRequests: 5},
	}
	profiles := cfg.Profiles()
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	if profiles["fn-a"].FunctionName != "fn-a" {
		t.Fatalf("expected profile FunctionName to be set from the map key")
	}
}
