// SPDX-License-Identifier: MIT

// Package api serves the operator-facing control surface: health and
// readiness probes, Prometheus metrics, component status, and manual
// reset endpoints for terminal connection and camera states.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/roclive/roc/internal/audit"
	"github.com/roclive/roc/internal/camera"
	"github.com/roclive/roc/internal/connmgr"
	"github.com/roclive/roc/internal/health"
	"github.com/roclive/roc/internal/log"
	"github.com/roclive/roc/internal/rules"
)

// StatusProvider aggregates orchestrator state for the status endpoint.
type StatusProvider interface {
	StatusSnapshot() map[string]any
}

// SceneDispatcher performs an immediate operator-requested scene switch.
type SceneDispatcher interface {
	SwitchSceneNow(ctx context.Context, scene string) error
}

// SceneLog exposes the recorded scene-change trail.
type SceneLog interface {
	RecentSceneChanges(ctx context.Context, limit int) ([]audit.SceneChange, error)
}

// Deps wires the server's collaborators. Scenes and Audit are optional;
// their endpoints answer 404 when left nil.
type Deps struct {
	Health      *health.Manager
	Connections *connmgr.Manager
	Cameras     *camera.Supervisor
	Engine      *rules.Engine
	Status      StatusProvider
	Scenes      SceneDispatcher
	Audit       SceneLog

	// RequestsPerMinute bounds each client IP; 0 uses the default of 60.
	RequestsPerMinute int
}

// Server is the control-plane HTTP server.
type Server struct {
	deps   Deps
	logger zerolog.Logger
	srv    *http.Server
}

// NewServer builds the server bound to listen.
func NewServer(listen string, deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: log.WithComponent("api"),
	}
	s.srv = &http.Server{
		Addr:              listen,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	rpm := s.deps.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	r.Use(httprate.Limit(rpm, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
		}),
	))

	r.Get("/healthz", s.deps.Health.ServeHealth)
	r.Get("/readyz", s.deps.Health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/rules", s.handleRules)
		r.Post("/scene", s.handleSceneSwitch)
		r.Get("/audit/scenes", s.handleAuditScenes)
		r.Get("/connections", s.handleConnections)
		r.Post("/connections/{name}/reset", s.handleConnectionReset)
		r.Post("/connections/{name}/disable", s.handleConnectionDisable)
		r.Get("/cameras", s.handleCameras)
		r.Post("/cameras/{id}/reset", s.handleCameraReset)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str("event", "api.listening").
			Str("addr", s.srv.Addr).
			Msg("control api listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := map[string]any{}
	if s.deps.Status != nil {
		snapshot = s.deps.Status.StatusSnapshot()
	}
	snapshot["connections"] = s.deps.Connections.Statuses()
	snapshot["cameras"] = s.deps.Cameras.Statuses()
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	set := s.deps.Engine.ActiveSet()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version": set.Version,
		"rules":   set.Rules,
		"metrics": s.deps.Engine.RuleMetrics(),
	})
}

// handleSceneSwitch lets an operator force a scene outside any program.
func (s *Server) handleSceneSwitch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scenes == nil {
		s.writeError(w, http.StatusNotFound, errors.New("scene dispatch not available"))
		return
	}
	var req struct {
		Scene string `json:"scene"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Scene == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("body must carry a scene name"))
		return
	}
	if err := s.deps.Scenes.SwitchSceneNow(r.Context(), req.Scene); err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.logger.Info().
		Str("event", "api.manual_switch").
		Str("scene", req.Scene).
		Msg("manual scene switch dispatched")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "switched", "scene": req.Scene})
}

func (s *Server) handleAuditScenes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		s.writeError(w, http.StatusNotFound, errors.New("audit trail disabled"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	changes, err := s.deps.Audit.RecentSceneChanges(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if changes == nil {
		changes = []audit.SceneChange{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"scene_changes": changes})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Connections.Statuses())
}

func (s *Server) handleConnectionReset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.deps.Connections.Reset(name); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "link": name})
}

func (s *Server) handleConnectionDisable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.deps.Connections.Disable(name); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled", "link": name})
}

func (s *Server) handleCameras(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Cameras.Statuses())
}

func (s *Server) handleCameraReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Cameras.Reset(r.Context(), id); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "camera": id})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Str("event", "api.encode_error").Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
