// Package cli holds the process setup shared by the gpustream commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/INLOpen/gpustream/capture"
	"github.com/INLOpen/gpustream/config"
	"github.com/INLOpen/gpustream/hooks"
	"github.com/INLOpen/gpustream/hooks/listeners"
	"github.com/INLOpen/gpustream/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/term"
)

// ServiceName identifies gpustream processes in exported traces.
const ServiceName = "gpustream"

// ParseLevel maps a configured level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level: %s", name)
}

// CreateLogger creates a slog.Logger based on the provided configuration.
// Output to a terminal is rendered as text, everything else as JSON. The
// returned closer is nil unless a log file was opened.
func CreateLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "stderr", "":
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	opts := &slog.HandlerOptions{Level: level}
	if IsTerminal(output) {
		return slog.New(slog.NewTextHandler(output, opts)), closer, nil
	}
	return slog.New(slog.NewJSONHandler(output, opts)), closer, nil
}

// IsTerminal reports whether w is a file attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// InitTracerProvider creates an OpenTelemetry TracerProvider exporting over
// OTLP and installs it globally and on the shared capture manager. With
// tracing disabled the provider records nothing.
func InitTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Debug("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	capture.Shared().SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

// Env is the process environment a command runs in.
type Env struct {
	Config *config.Config
	Logger *slog.Logger
	// Hooks carries the listeners selected by the hooks section.
	Hooks hooks.HookManager
	Guard *listeners.HazardGuard

	cleanups []func()
}

// Setup loads the configuration at path (defaults when the file is missing),
// builds the logger and tracer provider, and starts the debug server and
// system collector when configured. Close releases all of it.
func Setup(path string) (*Env, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	logger, closer, err := CreateLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	env := &Env{Config: cfg, Logger: logger}
	if closer != nil {
		env.cleanups = append(env.cleanups, func() { closer.Close() })
	}
	capture.Shared().SetLogger(logger)

	env.Hooks, env.Guard = NewHooks(cfg.Hooks, logger)
	env.cleanups = append(env.cleanups, env.Hooks.Stop)

	_, shutdown, err := InitTracerProvider(cfg.Tracing, logger)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.cleanups = append(env.cleanups, shutdown)

	if cfg.Debug.Enabled {
		ds := server.NewDebugServer(cfg.Debug, nil, logger)
		go func() {
			if err := ds.Start(); err != nil {
				logger.Error("Debug server stopped.", "error", err)
			}
		}()
		env.cleanups = append(env.cleanups, ds.Stop)
	}
	if cfg.SelfMonitoring.Enabled {
		wd, _ := os.Getwd()
		sc := server.NewSystemCollector(wd, config.ParseDuration(cfg.SelfMonitoring.Interval, 15*time.Second, logger), logger)
		sc.Start()
		env.cleanups = append(env.cleanups, sc.Stop)
	}
	return env, nil
}

// NewHooks builds a hook manager with the configured listeners. The guard is
// nil when hazard_guard is off.
func NewHooks(cfg config.HooksConfig, logger *slog.Logger) (hooks.HookManager, *listeners.HazardGuard) {
	hm := hooks.NewHookManager(logger)
	var guard *listeners.HazardGuard
	if cfg.HazardGuard != "off" {
		guard = listeners.NewHazardGuard(logger, cfg.HazardGuard == "strict")
		hm.Register(hooks.EventPreBatchCommit, guard)
	}
	if cfg.SlowBatchThreshold != "" {
		threshold := config.ParseDuration(cfg.SlowBatchThreshold, time.Second, logger)
		hm.Register(hooks.EventPostBatchComplete, listeners.NewSlowBatchListener(logger, []listeners.SlowBatchRule{{Threshold: threshold}}))
	}
	return hm, guard
}

// Close runs the cleanups in reverse order of registration.
func (e *Env) Close() {
	for i := len(e.cleanups) - 1; i >= 0; i-- {
		e.cleanups[i]()
	}
	e.cleanups = nil
}
