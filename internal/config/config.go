// Package config provides configuration management for brokerd.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"brokerd/internal/domain"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig               `toml:"server"`
	Telemetry TelemetryConfig            `toml:"telemetry"`
	Database  DatabaseConfig             `toml:"database"`
	Scaling   ScalingConfig              `toml:"scaling"`
	Functions map[string]FunctionConfig  `toml:"functions"`
	Security  SecurityConfig             `toml:"security"`
}

// ServerConfig contains HTTP control-surface settings.
type ServerConfig struct {
	HTTPPort     int           `toml:"http_port"`
	BindAddress  string        `toml:"bind_address"`
	ReadTimeout  time.Duration `toml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled           bool   `toml:"enabled"`
	ServiceName       string `toml:"service_name"`
	PrometheusEnabled bool   `toml:"prometheus_enabled"`
	PrometheusPort    int    `toml:"prometheus_port"`
	LogFormat         string `toml:"log_format"`
	LogLevel          string `toml:"log_level"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Driver     string        `toml:"driver"` // only "postgres" is supported
	DSN        string        `toml:"dsn"`
	Host       string        `toml:"host"`
	Port       int           `toml:"port"`
	User       string        `toml:"user"`
	Password   string        `toml:"password"`
	Database   string        `toml:"database"`
	SSLMode    string        `toml:"ssl_mode"`
	MaxConns   int           `toml:"max_conns"`
	MaxIdle    int           `toml:"max_idle"`
	ConnMaxAge time.Duration `toml:"conn_max_age"`
}

// GetDSN returns the DSN for the database.
func (d *DatabaseConfig) GetDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}

// GetBaseDSN returns a DSN without a database name, for creating databases.
func (d *DatabaseConfig) GetBaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.SSLMode)
}

// ScalingConfig contains controller-wide tunables that aren't per-function.
type ScalingConfig struct {
	DefaultShrinkStrategy  string        `toml:"default_shrink_strategy"`
	VirtualMemoryPoolSize  int           `toml:"virtual_memory_pool_size"`
	MemoryPerWorkerMB      int           `toml:"memory_per_worker_mb"`
	AutoScaleInterval      time.Duration `toml:"autoscale_interval"`
}

// FunctionConfig is the TOML shape for one [functions.<name>] entry,
// translated into a domain.FunctionProfile at load time.
type FunctionConfig struct {
	MaxActivateRequests       int     `toml:"max_activate_requests"`
	Disposable                bool    `toml:"disposable"`
	Inspector                 bool    `toml:"inspector"`
	RateLimitPerSecond        float64 `toml:"rate_limit_per_second"`
	RateLimitBurst            int     `toml:"rate_limit_burst"`
	RequestQueueEnabled       bool    `toml:"request_queue_enabled"`
	QueueTimeoutMs            int     `toml:"queue_timeout_ms"`
	InitializationTimeoutMs   int     `toml:"initialization_timeout_ms"`
	FastFailRequestsOnStarting bool   `toml:"fast_fail_requests_on_starting"`
	ShrinkStrategy            string  `toml:"shrink_strategy"`
	ReservationCount          int     `toml:"reservation_count"`
	MinWorkers                int     `toml:"min_workers"`
	MaxWorkers                int     `toml:"max_workers"`
	IdleTimeoutMs             int     `toml:"idle_timeout_ms"`
	ScaleUpThreshold          int     `toml:"scale_up_threshold"`
	ScaleDownThreshold        int     `toml:"scale_down_threshold"`
}

// ToProfile converts a FunctionConfig into the domain.FunctionProfile the
// broker and controller packages consume.
func (f FunctionConfig) ToProfile(name string) domain.FunctionProfile {
	strategy, ok := domain.ParseShrinkStrategy(f.ShrinkStrategy)
	if !ok {
		strategy = domain.ShrinkLCC
	}
	return domain.FunctionProfile{
		FunctionName:               name,
		MaxActivateRequests:        f.MaxActivateRequests,
		Disposable:                 f.Disposable,
		Inspector:                  f.Inspector,
		RateLimitPerSecond:         f.RateLimitPerSecond,
		RateLimitBurst:             f.RateLimitBurst,
		RequestQueueEnabled:        f.RequestQueueEnabled,
		QueueTimeout:               time.Duration(f.QueueTimeoutMs) * time.Millisecond,
		InitializationTimeout:      time.Duration(f.InitializationTimeoutMs) * time.Millisecond,
		FastFailRequestsOnStarting: f.FastFailRequestsOnStarting,
		ShrinkStrategy:             strategy,
		ReservationCount:           f.ReservationCount,
		MinWorkers:                 f.MinWorkers,
		MaxWorkers:                 f.MaxWorkers,
		IdleTimeout:                time.Duration(f.IdleTimeoutMs) * time.Millisecond,
		ScaleUpThreshold:           f.ScaleUpThreshold,
		ScaleDownThreshold:         f.ScaleDownThreshold,
	}
}

// SecurityConfig contains the admin HTTP surface's auth settings.
type SecurityConfig struct {
	AdminAPIKey string `toml:"admin_api_key"`
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			BindAddress:  "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:           true,
			ServiceName:       "brokerd",
			PrometheusEnabled: true,
			PrometheusPort:    9090,
			LogFormat:         "json",
			LogLevel:          "info",
		},
		Database: DatabaseConfig{
			Driver:     "postgres",
			Host:       "localhost",
			Port:       5432,
			User:       "postgres",
			Password:   "postgres",
			Database:   "brokerd",
			SSLMode:    "disable",
			MaxConns:   20,
			MaxIdle:    5,
			ConnMaxAge: 30 * time.Minute,
		},
		Scaling: ScalingConfig{
			DefaultShrinkStrategy: "lcc",
			VirtualMemoryPoolSize: 4096,
			MemoryPerWorkerMB:     128,
			AutoScaleInterval:     5 * time.Second,
		},
		Functions: make(map[string]FunctionConfig),
	}
}

// Load loads configuration from a TOML file, falling back to defaults
// for anything the file doesn't set.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.substituteEnvVars()
	return cfg, nil
}

// LoadOrDefault loads config from file or returns defaults, logging a
// warning on failure rather than aborting startup.
func LoadOrDefault(path string) *Config {
	if path == "" {
		return Default()
	}
	cfg, err := Load(path)
	if err != nil {
		fmt.Printf("Warning: failed to load config from %s: %v\n", path, err)
		return Default()
	}
	return cfg
}

// substituteEnvVars expands ${VAR} patterns and applies BROKERD_* direct
// environment variable overrides.
func (c *Config) substituteEnvVars() {
	c.Database.DSN = os.ExpandEnv(c.Database.DSN)
	c.Database.Host = os.ExpandEnv(c.Database.Host)
	c.Database.User = os.ExpandEnv(c.Database.User)
	c.Database.Password = os.ExpandEnv(c.Database.Password)
	c.Security.AdminAPIKey = os.ExpandEnv(c.Security.AdminAPIKey)

	if v := os.Getenv("BROKERD_DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("BROKERD_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("BROKERD_DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("BROKERD_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("BROKERD_DB_NAME"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("BROKERD_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("BROKERD_ADMIN_API_KEY"); v != "" {
		c.Security.AdminAPIKey = v
	}
}

// Profiles converts every configured function into a domain.FunctionProfile
// keyed by function name.
func (c *Config) Profiles() map[string]domain.FunctionProfile {
	out := make(map[string]domain.FunctionProfile, len(c.Functions))
	for name, fc := range c.Functions {
		out[name] = fc.ToProfile(name)
	}
	return out
}
