// Package config loads the orchestrator's configuration surface
// from defaults, a config file, environment variables, and CLI flags,
// in that ascending order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// SessionConfig controls Context Manager session TTL/cleanup.
type SessionConfig struct {
	TTLMinutes              int `mapstructure:"ttl_minutes"`
	CleanupIntervalSeconds  int `mapstructure:"cleanup_interval_seconds"`
	CleanupSliceMs          int `mapstructure:"cleanup_slice_ms"`
	HistoryCap              int `mapstructure:"history_cap"`
}

func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

func (s SessionConfig) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalSeconds) * time.Second
}

func (s SessionConfig) CleanupSlice() time.Duration {
	return time.Duration(s.CleanupSliceMs) * time.Millisecond
}

// RetryConfig controls the pipeline's jittered exponential backoff.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BaseMs      int `mapstructure:"base_ms"`
	CapMs       int `mapstructure:"cap_ms"`
	JitterPct   int `mapstructure:"jitter_pct"`
}

// PipelineConfig controls the Command Pipeline.
type PipelineConfig struct {
	QueueCapacity     int         `mapstructure:"queue_capacity"`
	WorkerCount       int         `mapstructure:"worker_count"`
	DefaultDeadlineMs int         `mapstructure:"default_deadline_ms"`
	Retry             RetryConfig `mapstructure:"retry"`
	DrainGraceSeconds int         `mapstructure:"drain_grace_seconds"`
	// AdmissionRatePerSec caps normal/low-priority submissions ahead of
	// the priority queue; 0 disables the limiter.
	AdmissionRatePerSec int `mapstructure:"admission_rate_per_sec"`
}

func (p PipelineConfig) DefaultDeadline() time.Duration {
	return time.Duration(p.DefaultDeadlineMs) * time.Millisecond
}

func (p PipelineConfig) DrainGrace() time.Duration {
	return time.Duration(p.DrainGraceSeconds) * time.Second
}

// RegistryConfig controls the Service Registry.
type RegistryConfig struct {
	HeartbeatIntervalSeconds int                      `mapstructure:"heartbeat_interval_seconds"`
	ProbeTimeoutMs           int                      `mapstructure:"probe_timeout_ms"`
	EvictionMinutes          int                      `mapstructure:"eviction_minutes"`
	LatencyThresholdMs       map[string]int           `mapstructure:"latency_threshold_ms"`
}

func (r RegistryConfig) HeartbeatInterval() time.Duration {
	return time.Duration(r.HeartbeatIntervalSeconds) * time.Second
}

func (r RegistryConfig) ProbeTimeout() time.Duration {
	return time.Duration(r.ProbeTimeoutMs) * time.Millisecond
}

func (r RegistryConfig) EvictionWindow() time.Duration {
	return time.Duration(r.EvictionMinutes) * time.Minute
}

// LatencyThreshold returns the configured p95 threshold for a capability,
// falling back to a 500ms default when unset.
func (r RegistryConfig) LatencyThreshold(capability string) time.Duration {
	if ms, ok := r.LatencyThresholdMs[capability]; ok {
		return time.Duration(ms) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// PersistenceConfig selects and configures the Persistence Port backend.
type PersistenceConfig struct {
	RootDir string `mapstructure:"root_dir"`
}

// DispatchConfig controls UI Dispatch's per-adapter outbound buffering.
type DispatchConfig struct {
	AdapterQueueDepth int `mapstructure:"adapter_queue_depth"`
}

// Config is the orchestrator's complete configuration.
type Config struct {
	Session     SessionConfig     `mapstructure:"session"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	HTTPAddr    string            `mapstructure:"http_addr"`
	Environment string            `mapstructure:"environment"`
}

// setDefaults gives every config knob a concrete default so a
// zero-config process still boots.
func setDefaults(v *viper.Viper) {
	v.SetDefault("session.ttl_minutes", 30)
	v.SetDefault("session.cleanup_interval_seconds", 60)
	v.SetDefault("session.cleanup_slice_ms", 10)
	v.SetDefault("session.history_cap", 50)

	v.SetDefault("pipeline.queue_capacity", 1024)
	v.SetDefault("pipeline.worker_count", 8)
	v.SetDefault("pipeline.default_deadline_ms", 10000)
	v.SetDefault("pipeline.retry.max_attempts", 2)
	v.SetDefault("pipeline.retry.base_ms", 100)
	v.SetDefault("pipeline.retry.cap_ms", 2000)
	v.SetDefault("pipeline.retry.jitter_pct", 20)
	v.SetDefault("pipeline.drain_grace_seconds", 30)
	v.SetDefault("pipeline.admission_rate_per_sec", 500)

	v.SetDefault("registry.heartbeat_interval_seconds", 30)
	v.SetDefault("registry.probe_timeout_ms", 2000)
	v.SetDefault("registry.eviction_minutes", 10)

	v.SetDefault("persistence.root_dir", "./data")

	v.SetDefault("dispatch.adapter_queue_depth", 64)

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("environment", "development")
}

// Load builds a Config from (in ascending precedence) built-in defaults,
// an optional config file, environment variables prefixed ORCH_, and any
// pflag.FlagSet overrides bound by the caller.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
