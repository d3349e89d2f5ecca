package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/partilha-pro/backend/internal/identity"
	"github.com/PortNumber53/partilha-pro/backend/internal/models"
	"github.com/PortNumber53/partilha-pro/backend/internal/store"
	"github.com/PortNumber53/partilha-pro/backend/internal/worker"
)

// JobStore defines the read-only job queue operations exposed to operators.
type JobStore interface {
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	GetStats(ctx context.Context) (*models.JobStats, error)
}

// WorkerStats reports in-process worker counters.
type WorkerStats interface {
	GetStats() worker.Stats
}

// JobHandler exposes queue state for the upgrade email outbox. Every route
// requires the operator token.
type JobHandler struct {
	store  JobStore
	worker WorkerStats
	token  string
	logger zerolog.Logger
}

// NewJobHandler creates a JobHandler. w may be nil when no worker runs in
// this process.
func NewJobHandler(s JobStore, w WorkerStats, token string, logger zerolog.Logger) (*JobHandler, error) {
	if s == nil {
		return nil, errors.New("handlers: job store cannot be nil")
	}
	if token == "" {
		return nil, errors.New("handlers: operator token is required")
	}
	return &JobHandler{store: s, worker: w, token: token, logger: logger.With().Str("component", "jobs").Logger()}, nil
}

// RegisterRoutes registers job handlers with the router
func (h *JobHandler) RegisterRoutes(router chi.Router) {
	router.Group(func(r chi.Router) {
		r.Use(h.requireOperator)
		r.Get("/api/ops/jobs/stats", h.Stats())
		r.Get("/api/ops/jobs/{id}", h.Get())
	})
}

func (h *JobHandler) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := identity.BearerToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "operator token required", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stats returns queue counters and, when available, worker counters.
func (h *JobHandler) Stats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := h.store.GetStats(r.Context())
		if err != nil {
			h.logger.Error().Err(err).Msg("[jobs] failed to get queue stats")
			writeError(w, http.StatusInternalServerError, "failed to get job stats", "")
			return
		}

		resp := map[string]any{"queue": stats}
		if h.worker != nil {
			resp["worker"] = h.worker.GetStats()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Get retrieves a job by ID
func (h *JobHandler) Get() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || jobID <= 0 {
			writeError(w, http.StatusBadRequest, "invalid job ID", "")
			return
		}

		job, err := h.store.GetByID(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				writeError(w, http.StatusNotFound, "job not found", "")
				return
			}
			h.logger.Error().Err(err).Int64("job_id", jobID).Msg("[jobs] failed to get job")
			writeError(w, http.StatusInternalServerError, "failed to get job", "")
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}
