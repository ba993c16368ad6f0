// Package health serves the local introspection endpoints: liveness,
// Prometheus metrics, per-model quota snapshots, and the recent log ring.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cadence/pkg/logx"
	"cadence/pkg/scheduler"
	"cadence/pkg/version"
)

// QuotaSource yields point-in-time quota snapshots, one per model key.
type QuotaSource interface {
	Status() []scheduler.QuotaStatus
}

// Server is the localhost introspection HTTP server.
type Server struct {
	quota    QuotaSource
	gatherer prometheus.Gatherer
	logger   *logx.Logger
	httpSrv  *http.Server
	addr     string
	started  time.Time
}

// NewServer creates an introspection server. gatherer may be nil, in which
// case /metrics serves the default Prometheus registry.
func NewServer(quota QuotaSource, gatherer prometheus.Gatherer) *Server {
	return &Server{
		quota:    quota,
		gatherer: gatherer,
		logger:   logx.NewLogger("health"),
		started:  time.Now(),
	}
}

// RegisterRoutes sets up the HTTP routes.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/quota", s.handleQuota)
	mux.HandleFunc("/logs", s.handleLogs)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
}

// handleHealth implements GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]any{
		"status":         "ok",
		"version":        version.Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode health response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// handleQuota implements GET /quota.
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.quota == nil {
		http.Error(w, "Quota source not available", http.StatusServiceUnavailable)
		return
	}
	statuses := s.quota.Status()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		s.logger.Error("Failed to encode quota response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}

	s.logger.Debug("Served quota status for %d model keys", len(statuses))
}

// handleLogs implements GET /logs. Entries come from the in-memory ring,
// optionally filtered by component and a RFC3339 lower timestamp bound.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	component := query.Get("component")
	sinceStr := query.Get("since")

	var since time.Time
	if sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			s.logger.Warn("Invalid since parameter: %s", sinceStr)
			http.Error(w, "Invalid since parameter (use RFC3339)", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	entries := logx.RecentEntries(component, since)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		s.logger.Error("Failed to encode logs response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}

	s.logger.Debug("Served %d log entries (component=%s, since=%s)", len(entries), component, sinceStr)
}

// Start binds addr and serves until ctx is canceled. The listen happens
// synchronously so port conflicts surface to the caller; serving and
// shutdown run in the background.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	s.httpSrv = &http.Server{Handler: mux}

	s.logger.Info("Starting health server on %s", s.addr)

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Health server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		// Graceful shutdown - use background context with timeout since parent is cancelled.
		s.logger.Info("Shutting down health server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		//nolint:contextcheck // Parent context is cancelled; we need a fresh context for shutdown
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health server shutdown failed: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound address, useful when Start was given port 0.
func (s *Server) Addr() string {
	return s.addr
}
