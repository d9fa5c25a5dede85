// Package config provides the single configuration structure for a lease pool
// process: the pool itself, its backend, the HTTP server and client, logging
// and observability.
package config

import (
	"strings"
	"time"

	"github.com/ajitpratap0/leasepool/pkg/logger"
	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
)

// BackendNull selects the virtual pool instead of a backend hook.
const BackendNull = "null"

// Config is the root configuration.
type Config struct {
	Pool          PoolConfig          `yaml:"pool" mapstructure:"pool" json:"pool"`
	Backend       BackendConfig       `yaml:"backend" mapstructure:"backend" json:"backend"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server" json:"server"`
	Client        ClientConfig        `yaml:"client" mapstructure:"client" json:"client"`
	Logging       logger.Config       `yaml:"logging" mapstructure:"logging" json:"logging"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability" json:"observability"`
}

// PoolConfig controls the allocation engine.
type PoolConfig struct {
	// Name labels logs, metrics and spans
	Name string `yaml:"name" mapstructure:"name" json:"name"`
	// Size is the fixed number of resources
	Size int `yaml:"size" mapstructure:"size" json:"size"`
	// PollInterval bounds how late an allocate may return after its timeout
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval"`
	// HookTimeout bounds each backend call (0 = unbounded)
	HookTimeout time.Duration `yaml:"hook_timeout" mapstructure:"hook_timeout" json:"hook_timeout"`
	// CreateConcurrency is how many resources are created in parallel
	CreateConcurrency int `yaml:"create_concurrency" mapstructure:"create_concurrency" json:"create_concurrency"`
	// ResetFailurePolicy is keep or quarantine
	ResetFailurePolicy string `yaml:"reset_failure_policy" mapstructure:"reset_failure_policy" json:"reset_failure_policy"`
	// AllocateTimeout is the default lease wait used by the CLI and bench tools
	AllocateTimeout time.Duration `yaml:"allocate_timeout" mapstructure:"allocate_timeout" json:"allocate_timeout"`
}

// BackendConfig selects and parameterizes the backend hook.
type BackendConfig struct {
	Type     string            `yaml:"type" mapstructure:"type" json:"type"`
	Settings map[string]string `yaml:"settings" mapstructure:"settings" json:"settings"`
}

// Setting returns Settings[key] or def when unset.
func (b BackendConfig) Setting(key, def string) string {
	if v, ok := b.Settings[key]; ok && v != "" {
		return v
	}
	return def
}

// ServerConfig controls the HTTP facade.
type ServerConfig struct {
	Address         string        `yaml:"address" mapstructure:"address" json:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
	// MaxAllocateTimeout caps the timeout a remote caller may ask for
	MaxAllocateTimeout time.Duration `yaml:"max_allocate_timeout" mapstructure:"max_allocate_timeout" json:"max_allocate_timeout"`
}

// ClientConfig controls remote clients and HTTP-based backends.
type ClientConfig struct {
	BaseURL string        `yaml:"base_url" mapstructure:"base_url" json:"base_url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`
	// AllocateGrace is added to the lease timeout for the allocate request
	AllocateGrace    time.Duration `yaml:"allocate_grace" mapstructure:"allocate_grace" json:"allocate_grace"`
	EnableHTTP2      bool          `yaml:"enable_http2" mapstructure:"enable_http2" json:"enable_http2"`
	RateLimitPerSec  float64       `yaml:"rate_limit_per_sec" mapstructure:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	RateLimitBurst   int           `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst" json:"rate_limit_burst"`
	BreakerThreshold int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold" json:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout" mapstructure:"breaker_timeout" json:"breaker_timeout"`
}

// ObservabilityConfig controls tracing and metrics exposure.
type ObservabilityConfig struct {
	TracingEnabled bool    `yaml:"tracing_enabled" mapstructure:"tracing_enabled" json:"tracing_enabled"`
	ServiceName    string  `yaml:"service_name" mapstructure:"service_name" json:"service_name"`
	Environment    string  `yaml:"environment" mapstructure:"environment" json:"environment"`
	SamplingRate   float64 `yaml:"sampling_rate" mapstructure:"sampling_rate" json:"sampling_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled" mapstructure:"metrics_enabled" json:"metrics_enabled"`
}

// Default returns a configuration that serves a four-slot virtual pool on
// :8080. Every field a loaded file omits keeps these values.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			Name:               "default",
			Size:               4,
			PollInterval:       100 * time.Millisecond,
			HookTimeout:        30 * time.Second,
			CreateConcurrency:  1,
			ResetFailurePolicy: "keep",
			AllocateTimeout:    30 * time.Second,
		},
		Backend: BackendConfig{
			Type:     BackendNull,
			Settings: map[string]string{},
		},
		Server: ServerConfig{
			Address:            ":8080",
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       10 * time.Minute,
			ShutdownTimeout:    30 * time.Second,
			MaxAllocateTimeout: 5 * time.Minute,
		},
		Client: ClientConfig{
			BaseURL:          "http://localhost:8080",
			Timeout:          30 * time.Second,
			AllocateGrace:    5 * time.Second,
			EnableHTTP2:      false,
			RateLimitPerSec:  0,
			RateLimitBurst:   10,
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Logging: logger.Config{
			Level:       "info",
			Encoding:    "json",
			OutputPaths: []string{"stderr"},
		},
		Observability: ObservabilityConfig{
			TracingEnabled: false,
			ServiceName:    "leasepool",
			Environment:    "development",
			SamplingRate:   1.0,
			MetricsEnabled: true,
		},
	}
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	if c.Pool.Size <= 0 {
		return invalid("pool.size", "must be positive", c.Pool.Size)
	}
	if c.Pool.PollInterval <= 0 {
		return invalid("pool.poll_interval", "must be positive", c.Pool.PollInterval)
	}
	if c.Pool.HookTimeout < 0 {
		return invalid("pool.hook_timeout", "cannot be negative", c.Pool.HookTimeout)
	}
	if c.Pool.CreateConcurrency <= 0 {
		return invalid("pool.create_concurrency", "must be positive", c.Pool.CreateConcurrency)
	}
	switch strings.ToLower(c.Pool.ResetFailurePolicy) {
	case "", "keep", "quarantine":
	default:
		return invalid("pool.reset_failure_policy", "must be keep or quarantine", c.Pool.ResetFailurePolicy)
	}
	if c.Backend.Type == "" {
		return invalid("backend.type", "is required", "")
	}
	if c.Server.MaxAllocateTimeout < 0 {
		return invalid("server.max_allocate_timeout", "cannot be negative", c.Server.MaxAllocateTimeout)
	}
	if c.Client.RateLimitPerSec < 0 {
		return invalid("client.rate_limit_per_sec", "cannot be negative", c.Client.RateLimitPerSec)
	}
	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		return invalid("observability.sampling_rate", "must be within [0, 1]", c.Observability.SamplingRate)
	}
	return nil
}

// IsNull reports whether the virtual pool is selected.
func (c *Config) IsNull() bool {
	return strings.EqualFold(c.Backend.Type, BackendNull)
}

func invalid(key, reason string, value interface{}) error {
	return poolerrors.Newf(poolerrors.ErrorTypeConfig, "%s %s", key, reason).
		WithDetail("key", key).
		WithDetail("value", value)
}
