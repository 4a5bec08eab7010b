package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/replaycast/replaycast/internal/logging"
)

// Server exposes the worker status on a local port for operators and probes.
type Server struct {
	collector  *Collector
	addr       string
	version    string
	minFreeMB  uint64
	log        *logging.Logger
	httpServer *http.Server
}

// ServerConfig holds configuration for the status server.
type ServerConfig struct {
	Addr    string // listen address (default: 127.0.0.1:8081)
	Version string
	// MinFreeDiskMB marks the worker degraded below this much free space
	MinFreeDiskMB uint64
}

// NewServer creates a new status HTTP server.
func NewServer(cfg ServerConfig, collector *Collector, log *logging.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8081"
	}
	if log == nil {
		log = logging.NewDefault()
	}
	return &Server{
		collector: collector,
		addr:      cfg.Addr,
		version:   cfg.Version,
		minFreeMB: cfg.MinFreeDiskMB,
		log:       log.WithComponent("status"),
	}
}

// Handler returns the status routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	return r
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status server listen: %w", err)
	}
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.log.Info("status server listening", "addr", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.collector.Collect(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to collect status: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GET /health reports degraded while disconnected or low on disk.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: HealthStatusOK, Version: s.version}
	code := http.StatusOK

	st, err := s.collector.Collect(r.Context())
	switch {
	case err != nil:
		resp.Status, resp.Reason = HealthStatusDegraded, err.Error()
	case s.collector.render != nil && !st.Render.Connected:
		resp.Status, resp.Reason = HealthStatusDegraded, "not connected to coordinator"
	case s.minFreeMB > 0 && st.System.DiskTotalGB > 0 && st.System.DiskFreeMB < s.minFreeMB:
		resp.Status, resp.Reason = HealthStatusDegraded, "low disk space"
	}
	if resp.Status != HealthStatusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
