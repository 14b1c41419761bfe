package capture

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingManager(t *testing.T) (*Manager, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	m := NewManager()
	m.SetTracerProvider(tp)
	return m, sr
}

func TestShared(t *testing.T) {
	assert.Same(t, Shared(), Shared())
}

func TestManager_Capture(t *testing.T) {
	m, sr := newRecordingManager(t)
	tracer := m.Tracer("test")

	_, span := tracer.Start(context.Background(), "before")
	span.End()
	assert.False(t, span.SpanContext().IsValid(), "spans outside a capture are no-ops")

	scope := m.NewScope("frame")
	require.NoError(t, m.StartCapture(scope))
	assert.True(t, m.IsCapturing())
	assert.Same(t, scope, m.ActiveScope())
	assert.ErrorIs(t, m.StartCapture(nil), ErrAlreadyCapturing)

	ctx, end := scope.Begin(context.Background())
	_, child := tracer.Start(ctx, "work")
	child.End()
	end()
	require.NoError(t, m.StopCapture())
	assert.False(t, m.IsCapturing())
	assert.ErrorIs(t, m.StopCapture(), ErrNotCapturing)

	ended := sr.Ended()
	require.Len(t, ended, 3)
	byName := make(map[string]sdktrace.ReadOnlySpan)
	for _, s := range ended {
		byName[s.Name()] = s
	}
	root := byName["capture"]
	require.NotNil(t, root)
	scopeSpan := byName["capture.Scope.frame"]
	require.NotNil(t, scopeSpan)
	work := byName["work"]
	require.NotNil(t, work)
	assert.Equal(t, root.SpanContext().SpanID(), scopeSpan.Parent().SpanID())
	assert.Equal(t, scopeSpan.SpanContext().SpanID(), work.Parent().SpanID())
}

func TestManager_DefaultScope(t *testing.T) {
	m, sr := newRecordingManager(t)
	assert.Equal(t, "default", m.DefaultScope().Label())

	custom := m.NewScope("custom")
	m.SetDefaultScope(custom)
	m.SetDefaultScope(nil)
	assert.Same(t, custom, m.DefaultScope())

	require.NoError(t, m.StartCapture(nil))
	assert.Same(t, custom, m.ActiveScope())
	require.NoError(t, m.StopCapture())
	require.Len(t, sr.Ended(), 1)
}
