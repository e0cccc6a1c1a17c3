package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"bbgodb/internal/middleware"
)

var knownStages = map[string]bool{
	StageFetch:   true,
	StageExtract: true,
	StagePersist: true,
	StageChunk:   true,
	StageEmbed:   true,
}

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// List returns dead-lettered articles, optionally narrowed to one stage
// with ?stage=embed.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stage := r.URL.Query().Get("stage")
	if stage != "" && !knownStages[stage] {
		h.writeError(ctx, w, "VALIDATION_ERROR", "unknown stage "+strconv.Quote(stage), http.StatusBadRequest)
		return
	}

	jobs, err := h.service.List(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list failed jobs", "error", err, "correlationId", middleware.GetCorrelationID(ctx))
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		if stage == "" || j.Stage == stage {
			out = append(out, j)
		}
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": out,
		"meta": map[string]int{"count": len(out)},
	})
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(ctx, w, "VALIDATION_ERROR", "id must be a positive integer", http.StatusBadRequest)
		return
	}

	log := slog.With("job_id", id, "correlationId", middleware.GetCorrelationID(ctx))
	log.InfoContext(ctx, "retrying failed job")

	switch err := h.service.Retry(ctx, id); {
	case err == nil:
		h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": "job retried"})
	case errors.Is(err, sql.ErrNoRows):
		h.writeError(ctx, w, "NOT_FOUND", "Job not found", http.StatusNotFound)
	case errors.Is(err, ErrPublishTimeout):
		log.WarnContext(ctx, "broker did not accept retry", "error", err)
		h.writeError(ctx, w, "UNAVAILABLE", err.Error(), http.StatusServiceUnavailable)
	default:
		log.ErrorContext(ctx, "failed to retry job", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	h.writeJSON(ctx, w, status, map[string]interface{}{
		"error":         map[string]string{"code": code, "message": message},
		"correlationId": middleware.GetCorrelationID(ctx),
	})
}
