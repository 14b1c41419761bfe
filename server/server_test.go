package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/INLOpen/gpustream/capture"
	"github.com/INLOpen/gpustream/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func do(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, captureStatus) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	var st captureStatus
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	}
	return rec, st
}

func TestDebugServer_Capture(t *testing.T) {
	cm := capture.NewManager()
	s := NewDebugServer(config.DebugConfig{}, cm, discardLogger())
	h := s.Handler()

	rec, st := do(t, h, http.MethodGet, "/debug/capture")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, st.Capturing)

	rec, _ = do(t, h, http.MethodPost, "/debug/capture/stop")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, st = do(t, h, http.MethodPost, "/debug/capture/start?scope=frame-42")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, st.Capturing)
	assert.Equal(t, "frame-42", st.Scope)
	assert.True(t, cm.IsCapturing())

	rec, _ = do(t, h, http.MethodPost, "/debug/capture/start")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, st = do(t, h, http.MethodPost, "/debug/capture/stop")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, st.Capturing)

	rec, _ = do(t, h, http.MethodGet, "/debug/capture/start")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDebugServer_Endpoints(t *testing.T) {
	testCases := []struct {
		name string
		cfg  config.DebugConfig
		path string
		code int
	}{
		{"MetricsEnabled", config.DebugConfig{MetricsEnabled: true}, "/metrics", http.StatusOK},
		{"MetricsDisabled", config.DebugConfig{}, "/metrics", http.StatusNotFound},
		{"PProfEnabled", config.DebugConfig{PProfEnabled: true}, "/debug/pprof/", http.StatusOK},
		{"PProfDisabled", config.DebugConfig{}, "/debug/pprof/", http.StatusNotFound},
		{"Dashboard", config.DebugConfig{MetricsEnabled: true, MonitorUIEnabled: true}, "/viz/", http.StatusOK},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewDebugServer(tc.cfg, capture.NewManager(), discardLogger())
			rec, _ := do(t, s.Handler(), http.MethodGet, tc.path)
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestDebugServer_ServeAndStop(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewDebugServer(config.DebugConfig{MetricsEnabled: true}, capture.NewManager(), discardLogger())

	done := make(chan error, 1)
	go func() { done <- s.Serve(l) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + l.Addr().String() + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	s.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
	s.Stop()
}

func TestSystemCollector(t *testing.T) {
	sc := NewSystemCollector(t.TempDir(), 10*time.Millisecond, discardLogger())
	sc.Collect()
	assert.Positive(t, processRSSBytes.Value())

	sc.Start()
	time.Sleep(30 * time.Millisecond)
	sc.Stop()
	sc.Stop()
}
