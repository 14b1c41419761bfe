package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/gpustream/config"
	"github.com/INLOpen/gpustream/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"trace", 0, false},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseLevel(tc.in)
			if !tc.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCreateLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpustream.log")
	logger, closer, err := CreateLogger(config.LoggingConfig{Level: "info", Output: "file", File: path})
	require.NoError(t, err)
	require.NotNil(t, closer)

	logger.Debug("dropped")
	logger.Info("Batch completed.", "batch", 7)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 1, "debug records are filtered at info level")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec), "files get JSON records")
	assert.Equal(t, "Batch completed.", rec["msg"])
	assert.EqualValues(t, 7, rec["batch"])
}

func TestCreateLogger_Errors(t *testing.T) {
	testCases := []struct {
		name string
		cfg  config.LoggingConfig
	}{
		{"BadLevel", config.LoggingConfig{Level: "loud", Output: "stdout"}},
		{"BadOutput", config.LoggingConfig{Level: "info", Output: "syslog"}},
		{"FileWithoutPath", config.LoggingConfig{Level: "info", Output: "file"}},
		{"UnwritableFile", config.LoggingConfig{Level: "info", Output: "file", File: filepath.Join(t.TempDir(), "missing", "x.log")}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := CreateLogger(tc.cfg)
			assert.Error(t, err)
		})
	}
}

func TestIsTerminal(t *testing.T) {
	var buf bytes.Buffer
	assert.False(t, IsTerminal(&buf))
	f, err := os.Create(filepath.Join(t.TempDir(), "plain"))
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, IsTerminal(f))
}

func TestInitTracerProvider(t *testing.T) {
	logger, _, err := CreateLogger(config.LoggingConfig{Level: "error", Output: "none"})
	require.NoError(t, err)

	tp, cleanup, err := InitTracerProvider(config.TracingConfig{Enabled: false}, logger)
	require.NoError(t, err)
	require.NotNil(t, tp)
	cleanup()

	_, _, err = InitTracerProvider(config.TracingConfig{Enabled: true, Protocol: "udp"}, logger)
	assert.Error(t, err)
}

func TestSetup_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  output: none\n"), 0644))
	env, err := Setup(path)
	require.NoError(t, err)
	defer env.Close()
	assert.Equal(t, "lz4", env.Config.Compression.Method)
	assert.NotNil(t, env.Logger)

	_, err = Setup(writeBad(t))
	assert.Error(t, err)
}

func writeBad(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  max_ops_in_flight: 0\n"), 0644))
	return path
}

func TestImages(t *testing.T) {
	img := Synthetic(16, 8, 42)
	assert.Equal(t, 16*4, img.Stride)
	assert.Equal(t, uint8(42), img.Pix[2])
	assert.Equal(t, uint8(255), img.Pix[(7*16+15)*4], "last column is fully red")

	path := filepath.Join(t.TempDir(), "face.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	same, err := LoadRGBA(path, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, img.Pix, same.Pix)

	scaled, err := LoadRGBA(path, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), scaled.Bounds())
	assert.Len(t, scaled.Pix, 4*4*4)

	_, err = LoadRGBA(filepath.Join(t.TempDir(), "missing.png"), 0, 0)
	assert.Error(t, err)
}

func TestNewHooks(t *testing.T) {
	logger, _, err := CreateLogger(config.LoggingConfig{Level: "error", Output: "none"})
	require.NoError(t, err)
	hazardous := hooks.NewPreBatchCommitEvent(hooks.BatchCommitPayload{
		BatchID:        1,
		MaxOpsInFlight: 6,
		Hazards:        []hooks.HazardInfo{{ResourceLabel: "cube", Ops: 6}},
	})

	testCases := []struct {
		guard   string
		vetoes  bool
		flagged int64
	}{
		{"off", false, 0},
		{"warn", false, 1},
		{"strict", true, 1},
	}
	for _, tc := range testCases {
		t.Run(tc.guard, func(t *testing.T) {
			hm, guard := NewHooks(config.HooksConfig{HazardGuard: tc.guard, SlowBatchThreshold: "1s"}, logger)
			defer hm.Stop()
			err := hm.Trigger(context.Background(), hazardous)
			assert.Equal(t, tc.vetoes, err != nil)
			if tc.guard == "off" {
				assert.Nil(t, guard)
				return
			}
			require.NotNil(t, guard)
			assert.Equal(t, tc.flagged, guard.Flagged())
		})
	}
}
