// Package api exposes the read-only JSON surface over the pipeline's
// in-memory state and the history store, plus the server lifecycle.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/flowmetry/flowmetry/internal/models"
	"github.com/flowmetry/flowmetry/internal/pipeline"
	"github.com/flowmetry/flowmetry/internal/store"
)

// defaultLimit bounds recent-stream responses when no limit is given.
const defaultLimit = 100

// Runtime is the pipeline surface the handlers read from.
type Runtime interface {
	Status() pipeline.Status
	RecentMetrics(n int) []models.MetricSample
	RecentAnomalies(n int) []models.Anomaly
	RecentRemediations(n int) []models.RemediationRecord
}

// History is the persistent statistics surface.
type History interface {
	Stats(ctx context.Context) (store.Stats, error)
}

// Handler routes API requests to the runtime and history surfaces.
type Handler struct {
	runtime Runtime
	history History
	logger  *slog.Logger
}

// NewHandler wires the API handler. history may be nil when persistence is
// disabled; /api/v1/stats then reports unavailable.
func NewHandler(runtime Runtime, history History, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		runtime: runtime,
		history: history,
		logger:  logger.With("component", "api"),
	}
}

// Router builds the route table. Method constraints come from the router,
// so unsupported verbs get 405 without reaching a handler.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.logRequests)

	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/metrics/recent", h.handleRecentMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/anomalies/recent", h.handleRecentAnomalies).Methods(http.MethodGet)
	v1.HandleFunc("/remediations/recent", h.handleRecentRemediations).Methods(http.MethodGet)
	v1.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleRecentMetrics(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.parseLimit(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"metrics": h.runtime.RecentMetrics(limit)})
}

func (h *Handler) handleRecentAnomalies(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.parseLimit(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"anomalies": h.runtime.RecentAnomalies(limit)})
}

func (h *Handler) handleRecentRemediations(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.parseLimit(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"remediations": h.runtime.RecentRemediations(limit)})
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.runtime.Status())
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, http.StatusServiceUnavailable, "history store disabled")
		return
	}

	snap, err := h.history.Stats(r.Context())
	if err != nil {
		h.logger.Error("stats query failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// parseLimit reads the limit query parameter. A missing parameter falls
// back to defaultLimit; a malformed or non-positive one writes a 400.
func (h *Handler) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// logRequests logs one line per request with the final status code.
func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		h.logger.Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration", time.Since(start))
	})
}

// responseWriter captures the status code written by a handler.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
