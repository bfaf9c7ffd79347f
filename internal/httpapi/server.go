// Package httpapi exposes the process's health and metrics endpoints, grounded in the
// gorilla/mux router pattern used across the example corpus.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mikef5410/solarcore/internal/aggregator"
)

// Server exposes /healthz (liveness + per-plugin status) and /metrics (prometheus).
type Server struct {
	Addr   string
	Logger *slog.Logger

	mu      sync.RWMutex
	latest  aggregator.Snapshot
	started time.Time

	server *http.Server
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// SetSnapshot updates the view /healthz reports. Safe to call from any goroutine.
func (s *Server) SetSnapshot(snap aggregator.Snapshot) {
	s.mu.Lock()
	s.latest = snap
	s.mu.Unlock()
}

type healthResponse struct {
	Status            string                               `json:"status"`
	UptimeSeconds     float64                               `json:"uptime_seconds"`
	SnapshotVersion   uint64                                `json:"snapshot_version"`
	PluginConnection  map[string]aggregator.PluginStatus    `json:"plugin_connection_status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	snap := s.latest
	s.mu.RUnlock()

	resp := healthResponse{
		Status:           "ok",
		UptimeSeconds:    time.Since(s.started).Seconds(),
		SnapshotVersion:  snap.Version,
		PluginConnection: snap.PluginStatus,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger().Error("encode healthz response", "err", err)
	}
}

// Router builds the mux.Router serving /healthz and /metrics. Neither endpoint is part of
// the acquisition core; /healthz reports whatever Snapshot was last passed to SetSnapshot.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// ListenAndServe starts the HTTP server and blocks until it stops. Call Shutdown from
// another goroutine to stop it gracefully.
func (s *Server) ListenAndServe() error {
	s.started = time.Now()
	s.server = &http.Server{
		Addr:    s.Addr,
		Handler: s.Router(),
	}
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(context.Background())
}
