// Package server hosts the debugging surface of gpustream commands: pprof,
// expvar counters, the statsviz runtime dashboard and capture control.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/INLOpen/gpustream/capture"
	"github.com/INLOpen/gpustream/config"
	"github.com/arl/statsviz"
)

// DebugServer manages the HTTP server for metrics and debugging.
type DebugServer struct {
	server  *http.Server
	capture *capture.Manager
	logger  *slog.Logger
	started bool
	mu      sync.Mutex
}

// NewDebugServer creates and configures a new HTTP server. Capture control
// endpoints act on cm, or on the shared manager when cm is nil.
func NewDebugServer(cfg config.DebugConfig, cm *capture.Manager, logger *slog.Logger) *DebugServer {
	if cm == nil {
		cm = capture.Shared()
	}
	mux := http.NewServeMux()
	logger = logger.With("component", "DebugServer")
	s := &DebugServer{capture: cm, logger: logger}

	if cfg.PProfEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof profiling endpoints enabled on /debug/pprof")
	}
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", expvar.Handler())
		logger.Info("expvar metrics endpoint enabled on /metrics")
		if cfg.MonitorUIEnabled {
			if err := statsviz.Register(mux,
				statsviz.Root("/viz"),
				statsviz.SendFrequency(250*time.Millisecond),
			); err != nil {
				logger.Warn("Runtime dashboard unavailable.", "error", err)
			} else {
				logger.Info("Runtime dashboard is available at /viz")
			}
		}
	}
	mux.HandleFunc("GET /debug/capture", s.handleCaptureStatus)
	mux.HandleFunc("POST /debug/capture/start", s.handleCaptureStart)
	mux.HandleFunc("POST /debug/capture/stop", s.handleCaptureStop)

	addr := cfg.ListenAddress
	if addr == "" {
		addr = "localhost:6060"
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the server's request multiplexer.
func (s *DebugServer) Handler() http.Handler { return s.server.Handler }

type captureStatus struct {
	Capturing bool   `json:"capturing"`
	Scope     string `json:"scope,omitempty"`
}

func (s *DebugServer) writeStatus(w http.ResponseWriter, code int) {
	st := captureStatus{Capturing: s.capture.IsCapturing()}
	if scope := s.capture.ActiveScope(); scope != nil {
		st.Scope = scope.Label()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(st)
}

func (s *DebugServer) handleCaptureStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeStatus(w, http.StatusOK)
}

// handleCaptureStart starts a capture of the scope named by the "scope"
// query parameter, or of the default scope.
func (s *DebugServer) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	scope := s.capture.DefaultScope()
	if label := r.URL.Query().Get("scope"); label != "" {
		scope = s.capture.NewScope(label)
	}
	if err := s.capture.StartCapture(scope); err != nil {
		if errors.Is(err, capture.ErrAlreadyCapturing) {
			s.writeStatus(w, http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("Capture started.", "scope", scope.Label())
	s.writeStatus(w, http.StatusOK)
}

func (s *DebugServer) handleCaptureStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.capture.StopCapture(); err != nil {
		if errors.Is(err, capture.ErrNotCapturing) {
			s.writeStatus(w, http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("Capture stopped.")
	s.writeStatus(w, http.StatusOK)
}

// Start listens on the configured address and serves until Stop. It blocks.
func (s *DebugServer) Start() error {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Stop. It blocks.
func (s *DebugServer) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Debug server listening", "address", l.Addr().String())
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Debug server failed", "error", err)
		return fmt.Errorf("debug server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *DebugServer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("Stopping debug server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Debug server shutdown failed", "error", err)
	}
}
