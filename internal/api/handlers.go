// Package api provides the REST API handlers.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/jelmer/janitor-go/internal/models"
	"github.com/jelmer/janitor-go/internal/registry"
	"github.com/jelmer/janitor-go/internal/runner"
	"github.com/jelmer/janitor-go/internal/storage"
	"github.com/jelmer/janitor-go/internal/watchdog"
)

// Handler handles API requests.
type Handler struct {
	registry *registry.Registry
	watchdog *watchdog.Watchdog
	store    storage.RunStore
	runner   *runner.Runner
	logger   zerolog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(reg *registry.Registry, wd *watchdog.Watchdog, store storage.RunStore, run *runner.Runner, logger zerolog.Logger) *Handler {
	return &Handler{
		registry: reg,
		watchdog: wd,
		store:    store,
		runner:   run,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// API Response types

// Response is a generic API response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo contains error details.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DispatchRequest is the request body for dispatching a job.
type DispatchRequest struct {
	Campaign string `json:"campaign,omitempty"`
}

// DispatchResponse is the response for a dispatch.
type DispatchResponse struct {
	JobID string `json:"job_id"`
}

// Health check

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	stats := h.registry.GetStats()

	data := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().UTC(),
		"active_jobs": stats.Active,
		"job_limit":   stats.Limit,
	}
	if stats.OverLimit {
		h.logger.Warn().Int("active", stats.Active).Int("limit", stats.Limit).Msg("Active jobs over limit")
		data["warning"] = "active jobs over limit"
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

// Jobs

// Dispatch handles POST /dispatch/{key}.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req DispatchRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body")
			return
		}
	}

	id, err := h.registry.StartOrJoin(key, req.Campaign, h.runner.Work(key, req.Campaign))
	if err != nil {
		if models.IsResourceLimit(err) {
			h.writeError(w, http.StatusTooManyRequests, "LIMIT_REACHED", err.Error())
			return
		}
		h.logger.Error().Err(err).Str("key", key).Msg("Dispatch failed")
		h.writeError(w, http.StatusInternalServerError, "DISPATCH_ERROR", "Failed to dispatch job")
		return
	}

	h.writeJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data:    DispatchResponse{JobID: id},
	})
}

// ListJobs handles GET /jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"active":  h.registry.Active(),
		"history": h.registry.History(),
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

// GetJob handles GET /jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	info, err := h.registry.Get(id)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			h.writeError(w, http.StatusNotFound, "NOT_FOUND", "Job not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get job")
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: info})
}

// CancelJob handles POST /jobs/{id}/cancel.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.registry.Cancel(id); err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			h.writeError(w, http.StatusNotFound, "NOT_FOUND", "Job not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to cancel job")
		return
	}
	h.writeJSON(w, http.StatusAccepted, Response{Success: true})
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	failures, err := h.watchdog.FailureStats()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read failure stats")
		failures = nil
	}

	data := map[string]interface{}{
		"registry": h.registry.GetStats(),
		"failures": failures,
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

// Runs

// ListRuns handles GET /runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ActiveRuns()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to list runs")
		return
	}
	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"runs":  runs,
			"total": len(runs),
		},
	})
}

// GetRunHealth handles GET /runs/{id}/health.
func (h *Handler) GetRunHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rh, err := h.watchdog.CheckRunHealth(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrRunNotFound) {
			h.writeError(w, http.StatusNotFound, "NOT_FOUND", "Run not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to check run health")
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: rh})
}

// ListRunHealth handles GET /runs/health.
func (h *Handler) ListRunHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    h.watchdog.DetailedHealthStatus(r.Context()),
	})
}

// KillRun handles POST /runs/{id}/kill.
func (h *Handler) KillRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	found, err := h.watchdog.KillRun(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("run_id", id).Msg("Kill failed")
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to kill run")
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", "Run not found")
		return
	}
	h.writeJSON(w, http.StatusAccepted, Response{Success: true})
}

// GetRunResult handles GET /runs/{id}/result.
func (h *Handler) GetRunResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.store.RunResult(id)
	if err != nil {
		if errors.Is(err, models.ErrRunNotFound) {
			h.writeError(w, http.StatusNotFound, "NOT_FOUND", "Run result not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to get run result")
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: result})
}

// Helpers

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	})
}
