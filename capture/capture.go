// Package capture records transfer activity as OpenTelemetry spans while a
// capture is active. Outside a capture, tracers handed out by a Manager
// produce no-op spans.
package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/INLOpen/gpustream/capture"

var (
	ErrAlreadyCapturing = errors.New("capture already in progress")
	ErrNotCapturing     = errors.New("no capture in progress")
)

// Scope names a capture. Spans started inside Begin/End of the active
// scope are grouped under it.
type Scope struct {
	m     *Manager
	label string
}

func (s *Scope) Label() string { return s.label }

// Begin starts a span for one pass of the scope. The returned function ends
// it. When the scope is not being captured both are no-ops.
func (s *Scope) Begin(ctx context.Context) (context.Context, func()) {
	ctx, span := s.m.Tracer(tracerName).Start(ctx, "capture.Scope."+s.label)
	return ctx, func() { span.End() }
}

type session struct {
	scope    *Scope
	ctx      context.Context
	span     trace.Span
	provider trace.TracerProvider
	started  time.Time
}

// Manager owns the process's capture state.
type Manager struct {
	mu           sync.RWMutex
	provider     trace.TracerProvider
	defaultScope *Scope
	active       *session
	logger       *slog.Logger
}

var shared = sync.OnceValue(func() *Manager { return NewManager() })

// Shared returns the process-wide manager, creating it on first use.
func Shared() *Manager { return shared() }

func NewManager() *Manager {
	m := &Manager{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	m.defaultScope = &Scope{m: m, label: "default"}
	return m
}

// SetTracerProvider sets the provider used by later captures. A nil
// provider falls back to the global one.
func (m *Manager) SetTracerProvider(tp trace.TracerProvider) {
	m.mu.Lock()
	m.provider = tp
	m.mu.Unlock()
}

func (m *Manager) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	m.mu.Lock()
	m.logger = logger.With("component", "CaptureManager")
	m.mu.Unlock()
}

// NewScope creates a scope owned by m.
func (m *Manager) NewScope(label string) *Scope {
	return &Scope{m: m, label: label}
}

func (m *Manager) DefaultScope() *Scope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultScope
}

func (m *Manager) SetDefaultScope(s *Scope) {
	if s == nil {
		return
	}
	m.mu.Lock()
	m.defaultScope = s
	m.mu.Unlock()
}

// StartCapture begins recording under scope, or the default scope when
// scope is nil.
func (m *Manager) StartCapture(scope *Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return ErrAlreadyCapturing
	}
	if scope == nil {
		scope = m.defaultScope
	}
	tp := m.provider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	ctx, span := tp.Tracer(tracerName).Start(context.Background(), "capture",
		trace.WithAttributes(attribute.String("capture.scope", scope.label)),
		trace.WithNewRoot(),
	)
	m.active = &session{scope: scope, ctx: ctx, span: span, provider: tp, started: time.Now()}
	m.logger.Info("Capture started.", "scope", scope.label)
	return nil
}

// StopCapture ends the active capture.
func (m *Manager) StopCapture() error {
	m.mu.Lock()
	s := m.active
	m.active = nil
	m.mu.Unlock()
	if s == nil {
		return ErrNotCapturing
	}
	s.span.End()
	m.logger.Info("Capture stopped.", "scope", s.scope.label, "duration", time.Since(s.started))
	return nil
}

func (m *Manager) IsCapturing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active != nil
}

// ActiveScope returns the scope being captured, or nil.
func (m *Manager) ActiveScope() *Scope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return nil
	}
	return m.active.scope
}

func (m *Manager) current() *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Tracer returns a tracer whose spans are recorded only while a capture is
// active. Spans started without a parent become children of the capture.
func (m *Manager) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return &gatedTracer{m: m, name: name, opts: opts}
}

var noopTracer = noop.NewTracerProvider().Tracer(tracerName)

type gatedTracer struct {
	embedded.Tracer

	m    *Manager
	name string
	opts []trace.TracerOption
}

func (t *gatedTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	s := t.m.current()
	if s == nil {
		return noopTracer.Start(ctx, spanName, opts...)
	}
	if !trace.SpanContextFromContext(ctx).IsValid() {
		ctx = trace.ContextWithSpan(ctx, s.span)
	}
	return s.provider.Tracer(t.name, t.opts...).Start(ctx, spanName, opts...)
}
