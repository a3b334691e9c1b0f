// Package config provides the configuration structure for the
// voice-clone-service.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Defaults applied when the TOML omits a value.
const (
	DefaultMaxAcousticTokens = 600
	DefaultRequestTimeout    = 60
	DefaultQueueDepth        = 8
	DefaultExecutionTimeout  = 120
	DefaultDispatchWait      = 5
	DefaultFaultThreshold    = 3
	DefaultCooldownSeconds   = 60
	DefaultCacheEntries      = 64
	DefaultStatsInterval     = 30
)

var (
	// ErrGPUCapacity indicates a GPU is configured without job capacity.
	ErrGPUCapacity = errors.New("gpu_capacity must be positive when gpu_count > 0")
	// ErrNoDevices indicates neither GPU nor CPU capacity is configured.
	ErrNoDevices = errors.New("at least one device must have capacity")
	// ErrRuntimeURLEmpty indicates the model runtime URL is missing.
	ErrRuntimeURLEmpty = errors.New("model_runtime_url cannot be empty")
	// ErrDefaultVoiceUnknown indicates the default voice is not in the voice
	// manifest.
	ErrDefaultVoiceUnknown = errors.New("default_voice must name an entry in [voices]")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                 string `toml:"url"`
	SynthesisSubject    string `toml:"synthesis_subject"`
	StatsSubject        string `toml:"stats_subject"`
	ReferenceBucket     string `toml:"reference_bucket"`
	AudioBucket         string `toml:"audio_bucket"`
	ReferenceTTLMinutes int    `toml:"reference_ttl_minutes"`
}

// SynthesisConfig holds model-runtime and pipeline settings.
type SynthesisConfig struct {
	ModelRuntimeURL       string `toml:"model_runtime_url"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	MaxAcousticTokens     int    `toml:"max_acoustic_tokens"`
	DefaultVoice          string `toml:"default_voice"`
	WarmupEnabled         bool   `toml:"warmup_enabled"`
}

// SchedulerConfig bounds admission and execution.
type SchedulerConfig struct {
	QueueDepth              int `toml:"queue_depth"`
	ExecutionTimeoutSeconds int `toml:"execution_timeout_seconds"`
	DispatchWaitSeconds     int `toml:"dispatch_wait_seconds"`
	StatsIntervalSeconds    int `toml:"stats_interval_seconds"`
}

// DevicesConfig describes the compute devices available to the worker.
type DevicesConfig struct {
	GPUCount        int  `toml:"gpu_count"`
	GPUCapacity     int  `toml:"gpu_capacity"`
	CPUCapacity     int  `toml:"cpu_capacity"`
	CPUFallback     bool `toml:"cpu_fallback"`
	FaultThreshold  int  `toml:"fault_threshold"`
	CooldownSeconds int  `toml:"cooldown_seconds"`
}

// CacheConfig bounds the conditioning-profile cache.
type CacheConfig struct {
	MaxEntries int `toml:"max_entries"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure. Voices maps pinned voice names
// to reference-audio object keys.
type Config struct {
	NATS      NATSConfig        `toml:"nats"`
	Synthesis SynthesisConfig   `toml:"synthesis"`
	Scheduler SchedulerConfig   `toml:"scheduler"`
	Devices   DevicesConfig     `toml:"devices"`
	Cache     CacheConfig       `toml:"cache"`
	Voices    map[string]string `toml:"voices"`
	Paths     PathsConfig       `toml:"paths"`
}

// Load loads the configuration for the voice-clone-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills unset values with the package defaults.
func (c *Config) ApplyDefaults() {
	if c.Synthesis.MaxAcousticTokens <= 0 {
		c.Synthesis.MaxAcousticTokens = DefaultMaxAcousticTokens
	}

	// A zero timeout would hand the HTTP client no timeout at all.
	if c.Synthesis.RequestTimeoutSeconds <= 0 {
		c.Synthesis.RequestTimeoutSeconds = DefaultRequestTimeout
	}

	if c.Scheduler.QueueDepth <= 0 {
		c.Scheduler.QueueDepth = DefaultQueueDepth
	}

	if c.Scheduler.ExecutionTimeoutSeconds <= 0 {
		c.Scheduler.ExecutionTimeoutSeconds = DefaultExecutionTimeout
	}

	if c.Scheduler.DispatchWaitSeconds <= 0 {
		c.Scheduler.DispatchWaitSeconds = DefaultDispatchWait
	}

	if c.Scheduler.StatsIntervalSeconds <= 0 {
		c.Scheduler.StatsIntervalSeconds = DefaultStatsInterval
	}

	if c.Devices.FaultThreshold <= 0 {
		c.Devices.FaultThreshold = DefaultFaultThreshold
	}

	if c.Devices.CooldownSeconds <= 0 {
		c.Devices.CooldownSeconds = DefaultCooldownSeconds
	}

	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = DefaultCacheEntries
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if c.Synthesis.ModelRuntimeURL == "" {
		return ErrRuntimeURLEmpty
	}

	if c.Devices.GPUCount > 0 && c.Devices.GPUCapacity <= 0 {
		return ErrGPUCapacity
	}

	if c.Devices.GPUCount <= 0 && c.Devices.CPUCapacity <= 0 {
		return ErrNoDevices
	}

	if c.Synthesis.DefaultVoice != "" {
		if _, ok := c.Voices[c.Synthesis.DefaultVoice]; !ok {
			return fmt.Errorf("%w: '%s'", ErrDefaultVoiceUnknown, c.Synthesis.DefaultVoice)
		}
	}

	return nil
}

// ExecutionTimeout returns the scheduler execution budget as a duration.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Scheduler.ExecutionTimeoutSeconds) * time.Second
}

// DispatchWait returns the slot-wait budget as a duration.
func (c *Config) DispatchWait() time.Duration {
	return time.Duration(c.Scheduler.DispatchWaitSeconds) * time.Second
}

// Cooldown returns the unhealthy-device cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Devices.CooldownSeconds) * time.Second
}

// ReferenceTTL returns the reference-bucket object lifetime; zero disables
// expiry.
func (c *Config) ReferenceTTL() time.Duration {
	return time.Duration(c.NATS.ReferenceTTLMinutes) * time.Minute
}

// StatsInterval returns how often the health snapshot is published.
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.Scheduler.StatsIntervalSeconds) * time.Second
}

// RequestTimeout returns the model-runtime HTTP timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Synthesis.RequestTimeoutSeconds) * time.Second
}
