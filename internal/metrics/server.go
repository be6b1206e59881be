package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusFunc returns a JSON-encodable snapshot of engine state.
type StatusFunc func() any

// Server is the HTTP server for Prometheus metrics and the status snapshot.
type Server struct {
	addr     string
	path     string
	status   StatusFunc
	server   *http.Server
	listener net.Listener
}

// NewServer creates a new metrics server. status may be nil, in which case
// /status is not served.
func NewServer(addr, path string, status StatusFunc) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{
		addr:   addr,
		path:   path,
		status: status,
	}
}

// Start binds the listen address and serves in the background. Bind errors
// are returned to the caller.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.Handler())
	if s.status != nil {
		mux.HandleFunc("/status", s.handleStatus)
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics server listen %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	slog.Info("starting metrics server", "addr", ln.Addr().String(), "path", s.path)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.status()); err != nil {
		slog.Warn("status encode failed", "error", err)
	}
}

// Stop gracefully stops the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	slog.Info("stopping metrics server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	slog.Info("metrics server stopped")
	return nil
}
