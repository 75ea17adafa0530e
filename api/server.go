// Package api serves the orchestrator's operational HTTP surface: health
// and readiness probes, Prometheus metrics, and read-only topology views.
// Tenant-facing APIs live elsewhere; nothing here mutates state.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/0xmhha/orchestrator-go/internal/config"
	"github.com/0xmhha/orchestrator-go/internal/logger"
	"github.com/0xmhha/orchestrator-go/types"
	"github.com/0xmhha/orchestrator-go/watcher"
	"github.com/0xmhha/orchestrator-go/workerpool"
)

// WorkerLister exposes the pool's worker snapshots.
type WorkerLister interface {
	Workers() []workerpool.WorkerSnapshot
}

// AssignmentLister exposes the balancer's current assignments.
type AssignmentLister interface {
	Assignments() []*types.TenantAssignment
}

// NetworkLister exposes the watcher's network snapshots.
type NetworkLister interface {
	Networks() []watcher.NetworkState
}

// Deps are the components the server reads from. Nil fields disable the
// corresponding endpoints with 404.
type Deps struct {
	Pool     WorkerLister
	Balancer AssignmentLister
	Watcher  NetworkLister
}

// Server is the operational HTTP server.
type Server struct {
	cfg    config.APIConfig
	deps   Deps
	router *chi.Mux
	server *http.Server
	logger *zap.Logger
}

// NewServer creates the ops server.
func NewServer(cfg config.APIConfig, deps Deps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: chi.NewRouter(),
		logger: logger.WithComponent(log, "api"),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/workers", s.handleWorkers)
		r.Get("/assignments", s.handleAssignments)
		r.Get("/networks", s.handleNetworks)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleReady reports 503 while any watched network is degraded, so load
// balancers keep traffic off a pod with a broken RPC upstream.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Watcher != nil {
		for _, state := range s.deps.Watcher.Networks() {
			if state.Status == types.NetworkDegraded {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status":  "degraded",
					"network": state.Network.ID,
				})
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Pool == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "worker pool not running"})
		return
	}
	workers := s.deps.Pool.Workers()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_count": len(workers),
		"workers":     workers,
	})
}

func (s *Server) handleAssignments(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Balancer == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "balancer not running"})
		return
	}
	assignments := s.deps.Balancer.Assignments()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_count": len(assignments),
		"assignments": assignments,
	})
}

func (s *Server) handleNetworks(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Watcher == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "watcher not running"})
		return
	}
	networks := s.deps.Watcher.Networks()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_count": len(networks),
		"networks":    networks,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Starting ops server", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown failed: %w", err)
	}
	s.logger.Info("Ops server stopped")
	return nil
}

// Router returns the underlying chi router (for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}
