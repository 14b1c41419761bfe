package config

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/INLOpen/gpustream/core"
	"github.com/INLOpen/gpustream/device"
	"github.com/INLOpen/gpustream/orchestrator"
	"github.com/INLOpen/gpustream/transfer"
	"gopkg.in/yaml.v3"
)

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
}

type SelfMonitoringConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
}

// CompressionConfig selects how containers are written.
type CompressionConfig struct {
	Method    string `yaml:"method"`
	ChunkSize int    `yaml:"chunk_size"`
}

// QueueConfig holds the bounds of transfer queues created outside an
// orchestrated job. Signed so that negative values reach Validate.
type QueueConfig struct {
	MaxBatchesOutstanding int `yaml:"max_batches_outstanding"`
	MaxOpsInFlight        int `yaml:"max_ops_in_flight"`
}

type OrchestratorConfig struct {
	Policy       string `yaml:"policy"` // "serial-batches", "single-batch" or "concurrent"
	MaxAttempts  int    `yaml:"max_attempts"`
	RetryBackoff string `yaml:"retry_backoff"`
	Retained     bool   `yaml:"retained"`
	AllowHazards bool   `yaml:"allow_hazards"`
}

// CacheConfig sizes the decoded-chunk cache of each device.
type CacheConfig struct {
	ChunkCacheEntries int   `yaml:"chunk_cache_entries"`
	ChunkCacheBytes   int64 `yaml:"chunk_cache_bytes"`
}

// HooksConfig selects the built-in lifecycle listeners.
type HooksConfig struct {
	HazardGuard        string `yaml:"hazard_guard"`         // "off", "warn" or "strict"
	SlowBatchThreshold string `yaml:"slow_batch_threshold"` // empty disables slow batch reports
}

// Config is the top-level configuration struct.
type Config struct {
	Logging        LoggingConfig        `yaml:"logging"`
	Tracing        TracingConfig        `yaml:"tracing"`
	Debug          DebugConfig          `yaml:"debug"`
	SelfMonitoring SelfMonitoringConfig `yaml:"self_monitoring"`
	Compression    CompressionConfig    `yaml:"compression"`
	Queue          QueueConfig          `yaml:"queue"`
	Orchestrator   OrchestratorConfig   `yaml:"orchestrator"`
	Cache          CacheConfig          `yaml:"cache"`
	Hooks          HooksConfig          `yaml:"hooks"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stderr",
			File:   "gpustream.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:          false,
			ListenAddress:    "localhost:6060",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
		},
		SelfMonitoring: SelfMonitoringConfig{
			Enabled:  false,
			Interval: "15s",
		},
		Compression: CompressionConfig{
			Method:    "lz4",
			ChunkSize: core.DefaultChunkSize,
		},
		Queue: QueueConfig{
			MaxBatchesOutstanding: 1,
			MaxOpsInFlight:        1,
		},
		Orchestrator: OrchestratorConfig{
			Policy:       orchestrator.PolicySerialBatches.String(),
			MaxAttempts:  orchestrator.DefaultMaxAttempts,
			RetryBackoff: orchestrator.DefaultRetryBackoff.String(),
			Retained:     true,
		},
		Cache: CacheConfig{
			ChunkCacheEntries: 256,
			ChunkCacheBytes:   64 << 20, // 64 MiB
		},
		Hooks: HooksConfig{
			HazardGuard:        "warn",
			SlowBatchThreshold: "1s",
		},
	}
}

// Load reads configuration from an io.Reader and validates it.
// Values absent from the YAML keep their defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate reports the first invalid setting as a *core.ConfigError.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return &core.ConfigError{Field: "logging.level", Value: c.Logging.Level, Message: "expected debug, info, warn or error"}
	}
	switch c.Logging.Output {
	case "stdout", "stderr", "none":
	case "file":
		if c.Logging.File == "" {
			return &core.ConfigError{Field: "logging.file", Message: "required when output is file"}
		}
	default:
		return &core.ConfigError{Field: "logging.output", Value: c.Logging.Output, Message: "expected stdout, stderr, file or none"}
	}
	if c.Tracing.Enabled && c.Tracing.Protocol != "grpc" && c.Tracing.Protocol != "http" {
		return &core.ConfigError{Field: "tracing.protocol", Value: c.Tracing.Protocol, Message: "expected grpc or http"}
	}
	if _, err := c.CompressionMethod(); err != nil {
		return prefixField("compression.", err)
	}
	if c.Compression.ChunkSize <= 0 {
		return &core.ConfigError{Field: "compression.chunk_size", Value: fmt.Sprint(c.Compression.ChunkSize), Message: "must be positive"}
	}
	if c.Queue.MaxBatchesOutstanding < 1 || int64(c.Queue.MaxBatchesOutstanding) > math.MaxUint32 {
		return &core.ConfigError{Field: "queue.max_batches_outstanding", Value: fmt.Sprint(c.Queue.MaxBatchesOutstanding), Message: "must be between 1 and 4294967295"}
	}
	if c.Queue.MaxOpsInFlight < 1 || int64(c.Queue.MaxOpsInFlight) > math.MaxUint32 {
		return &core.ConfigError{Field: "queue.max_ops_in_flight", Value: fmt.Sprint(c.Queue.MaxOpsInFlight), Message: "must be between 1 and 4294967295"}
	}
	if _, err := orchestrator.ParsePolicy(c.Orchestrator.Policy); err != nil {
		return prefixField("orchestrator.", err)
	}
	if c.Orchestrator.MaxAttempts < 1 {
		return &core.ConfigError{Field: "orchestrator.max_attempts", Value: fmt.Sprint(c.Orchestrator.MaxAttempts), Message: "must be at least 1"}
	}
	if c.Orchestrator.RetryBackoff != "" && c.Orchestrator.RetryBackoff != "0" {
		if _, err := time.ParseDuration(c.Orchestrator.RetryBackoff); err != nil {
			return &core.ConfigError{Field: "orchestrator.retry_backoff", Value: c.Orchestrator.RetryBackoff, Message: err.Error()}
		}
	}
	switch c.Hooks.HazardGuard {
	case "off", "warn", "strict":
	default:
		return &core.ConfigError{Field: "hooks.hazard_guard", Value: c.Hooks.HazardGuard, Message: "expected off, warn or strict"}
	}
	if c.Hooks.SlowBatchThreshold != "" {
		if d, err := time.ParseDuration(c.Hooks.SlowBatchThreshold); err != nil || d <= 0 {
			return &core.ConfigError{Field: "hooks.slow_batch_threshold", Value: c.Hooks.SlowBatchThreshold, Message: "expected a positive duration"}
		}
	}
	if c.Cache.ChunkCacheEntries < 0 || c.Cache.ChunkCacheBytes < 0 {
		return &core.ConfigError{Field: "cache", Message: "sizes must not be negative"}
	}
	return nil
}

func prefixField(prefix string, err error) error {
	if ce, ok := err.(*core.ConfigError); ok {
		out := *ce
		out.Field = prefix + ce.Field
		return &out
	}
	return err
}

// CompressionMethod returns the configured container method.
func (c *Config) CompressionMethod() (core.CompressionType, error) {
	return core.ParseCompressionType(c.Compression.Method)
}

// TransferQueue returns the configured bounds for standalone queues.
// Validate must have succeeded.
func (c *Config) TransferQueue() transfer.QueueConfig {
	return transfer.QueueConfig{
		MaxBatchesOutstanding: uint32(c.Queue.MaxBatchesOutstanding),
		MaxOpsInFlight:        uint32(c.Queue.MaxOpsInFlight),
	}
}

// DeviceOptions returns the device options derived from the cache section.
func (c *Config) DeviceOptions(logger *slog.Logger) []device.Option {
	return []device.Option{
		device.WithLogger(logger),
		device.WithChunkCache(c.Cache.ChunkCacheEntries, c.Cache.ChunkCacheBytes),
	}
}

// OrchestratorOptions returns the orchestrator options of the configuration.
// Validate must have succeeded.
func (c *Config) OrchestratorOptions(logger *slog.Logger) []orchestrator.Option {
	policy, _ := orchestrator.ParsePolicy(c.Orchestrator.Policy)
	return []orchestrator.Option{
		orchestrator.WithPolicy(policy),
		orchestrator.WithMaxAttempts(c.Orchestrator.MaxAttempts),
		orchestrator.WithRetryBackoff(ParseDuration(c.Orchestrator.RetryBackoff, orchestrator.DefaultRetryBackoff, logger)),
		orchestrator.WithRetained(c.Orchestrator.Retained),
		orchestrator.WithAllowHazards(c.Orchestrator.AllowHazards),
		orchestrator.WithLogger(logger),
	}
}
