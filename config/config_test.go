package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/gpustream/core"
	"github.com/INLOpen/gpustream/device"
	"github.com/INLOpen/gpustream/orchestrator"
	"github.com/INLOpen/gpustream/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
compression:
  method: zstd
  chunk_size: 4096
queue:
  max_batches_outstanding: 6
orchestrator:
  policy: single-batch
  retry_backoff: 10ms
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check overridden values
	method, err := cfg.CompressionMethod()
	require.NoError(t, err)
	assert.Equal(t, core.CompressionZSTD, method)
	assert.Equal(t, 4096, cfg.Compression.ChunkSize)
	assert.Equal(t, transfer.QueueConfig{MaxBatchesOutstanding: 6, MaxOpsInFlight: 1}, cfg.TransferQueue())
	assert.Equal(t, "single-batch", cfg.Orchestrator.Policy)

	// Check defaults that were not overridden
	assert.Equal(t, orchestrator.DefaultMaxAttempts, cfg.Orchestrator.MaxAttempts)
	assert.True(t, cfg.Orchestrator.Retained)
	assert.Equal(t, 256, cfg.Cache.ChunkCacheEntries)
}

func TestLoad_EmptyReader(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "lz4", cfg.Compression.Method)
	assert.Equal(t, core.DefaultChunkSize, cfg.Compression.ChunkSize)
	require.NoError(t, cfg.Validate(), "defaults must validate")

	cfg, err = Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, transfer.DefaultQueueConfig(), cfg.TransferQueue())
}

func TestLoad_InvalidYAML(t *testing.T) {
	yamlContent := `
compression:
  method: lz4
  this: is: invalid: yaml
`
	_, err := Load(strings.NewReader(yamlContent))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config yaml")
}

func TestLoad_ValidationErrors(t *testing.T) {
	testCases := []struct {
		name  string
		yaml  string
		field string
	}{
		{"ZeroChunkSize", "compression:\n  chunk_size: 0\n", "compression.chunk_size"},
		{"UnknownMethod", "compression:\n  method: brotli\n", "compression.method"},
		{"ZeroBatchBound", "queue:\n  max_batches_outstanding: 0\n", "queue.max_batches_outstanding"},
		{"ZeroOpBound", "queue:\n  max_ops_in_flight: 0\n", "queue.max_ops_in_flight"},
		{"NegativeOpBound", "queue:\n  max_ops_in_flight: -1\n", "queue.max_ops_in_flight"},
		{"NegativeBatchBound", "queue:\n  max_batches_outstanding: -3\n", "queue.max_batches_outstanding"},
		{"NegativeChunkSize", "compression:\n  chunk_size: -5\n", "compression.chunk_size"},
		{"UnknownPolicy", "orchestrator:\n  policy: yolo\n", "orchestrator.policy"},
		{"ZeroAttempts", "orchestrator:\n  max_attempts: 0\n", "orchestrator.max_attempts"},
		{"BadBackoff", "orchestrator:\n  retry_backoff: soon\n", "orchestrator.retry_backoff"},
		{"BadLevel", "logging:\n  level: loud\n", "logging.level"},
		{"FileWithoutPath", "logging:\n  output: file\n  file: \"\"\n", "logging.file"},
		{"BadTracingProtocol", "tracing:\n  enabled: true\n  protocol: udp\n", "tracing.protocol"},
		{"BadGuard", "hooks:\n  hazard_guard: panic\n", "hooks.hazard_guard"},
		{"BadSlowThreshold", "hooks:\n  slow_batch_threshold: -1s\n", "hooks.slow_batch_threshold"},
		{"NegativeCache", "cache:\n  chunk_cache_bytes: -1\n", "cache"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.yaml))
			require.Error(t, err)
			var ce *core.ConfigError
			require.ErrorAs(t, err, &ce)
			assert.True(t, core.IsConfigError(err))
			assert.Equal(t, tc.field, ce.Field)
		})
	}
}

func TestLoadConfig_FileIntegration(t *testing.T) {
	t.Run("FileExists", func(t *testing.T) {
		yamlContent := `
orchestrator:
  policy: concurrent
  allow_hazards: true
`
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, "concurrent", cfg.Orchestrator.Policy)
		assert.True(t, cfg.Orchestrator.AllowHazards)
	})

	t.Run("FileDoesNotExist", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "non_existent_config.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "serial-batches", cfg.Orchestrator.Policy)
	})
}

func TestConfig_Options(t *testing.T) {
	cfg, err := Load(strings.NewReader("orchestrator:\n  policy: single\n  max_attempts: 2\n"))
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dev := device.New(cfg.DeviceOptions(logger)...)
	defer dev.Close()
	assert.NotNil(t, dev.ChunkCache())

	orch, err := orchestrator.New(dev, cfg.OrchestratorOptions(logger)...)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.PolicySingleBatch, orch.Policy())
}

func TestParseDuration(t *testing.T) {
	// Use a logger that discards output for this test
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	defaultDuration := 10 * time.Second

	testCases := []struct {
		name     string
		input    string
		expected time.Duration
	}{
		{"ValidSeconds", "5s", 5 * time.Second},
		{"ValidMilliseconds", "500ms", 500 * time.Millisecond},
		{"ValidMinutes", "2m", 2 * time.Minute},
		{"EmptyString", "", defaultDuration},
		{"ZeroString", "0", defaultDuration},
		{"InvalidString", "5x", defaultDuration},
		{"JustNumber", "10", defaultDuration},
		{"NilLogger", "5x", defaultDuration}, // Should not panic with nil logger
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var testLogger *slog.Logger
			if tc.name != "NilLogger" {
				testLogger = logger
			}
			result := ParseDuration(tc.input, defaultDuration, testLogger)
			assert.Equal(t, tc.expected, result)
		})
	}
}
