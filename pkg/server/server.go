// Package server exposes the runtime's caller API over a local HTTP control
// surface: activation, deactivation, session listing, statistics, health and
// Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/troupe-dev/troupe/pkg/agent"
	"github.com/troupe-dev/troupe/pkg/runtime"
)

// Server wraps the HTTP control API.
type Server struct {
	rt   *runtime.Runtime
	http *http.Server
}

// New builds the server for the given bind address.
func New(rt *runtime.Runtime, host string, port int) *Server {
	s := &Server{rt: rt}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", s.handleHealth)
	if rt.MetricsEnabled() {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/agents", s.handleListAgents)
		r.Post("/agents/{id}/activate", s.handleActivate)
		r.Post("/agents/{id}/deactivate", s.handleDeactivate)
		r.Post("/agents/{id}/touch", s.handleTouch)
		r.Delete("/agents/{id}", s.handleUnregister)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/stats", s.handleStats)
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks until the context is cancelled or the listener
// fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Control API listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type activateRequest struct {
	Owner string   `json:"owner"`
	Tags  []string `json:"tags"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	var req activateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}

	handle, err := s.rt.Activate(r.Context(), agentID, agent.ActivationContext{
		Owner: req.Owner,
		Tags:  req.Tags,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if err := s.rt.Deactivate(r.Context(), agentID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated", "agent_id": agentID})
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if err := s.rt.Touch(r.Context(), agentID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "touched", "agent_id": agentID})
}

// handleUnregister removes an agent from the registry. With ?force=true the
// removal proceeds even when an active session exists.
func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "true"
	if err := s.rt.Unregister(agentID, force); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unregistered", "agent_id": agentID})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.ListAgents())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.ListActive())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps the typed error kinds to HTTP status codes.
func statusFor(err error) int {
	var notFound *agent.NotFoundError
	var conflict *agent.ConflictError
	var capacity *agent.CapacityError
	var validation *agent.ValidationError

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &capacity):
		return http.StatusTooManyRequests
	case errors.As(err, &validation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
