package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"bbgodb/internal/config"
	"bbgodb/internal/middleware"
)

type Reader interface {
	Get(ctx context.Context, runID string) (*Log, error)
	List(ctx context.Context, limit int) ([]Log, error)
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Handler struct {
	repo Reader
	pub  EventPublisher
}

func NewHandler(repo Reader, pub EventPublisher) *Handler {
	return &Handler{repo: repo, pub: pub}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, 200)
	}

	logs, err := h.repo.List(r.Context(), limit)
	if err != nil {
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []Log{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": logs,
		"meta": map[string]int{"count": len(logs)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	l, err := h.repo.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.writeError(r.Context(), w, "NOT_FOUND", "Run not found", http.StatusNotFound)
			return
		}
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": l}); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

// Trigger queues an ingestion run. The run itself executes in the worker.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, _ := json.Marshal(TriggerPayload{
		CorrelationID: middleware.GetCorrelationID(ctx),
		RequestedBy:   "api",
	})
	if err := h.pub.Publish(config.TopicIngestRun, body); err != nil {
		slog.ErrorContext(ctx, "failed to publish run trigger", "error", err)
		h.writeError(ctx, w, "UNAVAILABLE", "failed to queue run", http.StatusServiceUnavailable)
		return
	}
	slog.InfoContext(ctx, "ingestion run queued")
	h.accepted(ctx, w, "run queued")
}

// Reconcile queues a reconciliation pass, for the given urls or for every
// article with outstanding work when the body names none.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		URLs          []string `json:"urls"`
		CorrelationID string   `json:"correlation_id,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
	}
	req.CorrelationID = middleware.GetCorrelationID(ctx)
	body, _ := json.Marshal(req)
	if err := h.pub.Publish(config.TopicIngestReconcile, body); err != nil {
		slog.ErrorContext(ctx, "failed to publish reconcile", "error", err)
		h.writeError(ctx, w, "UNAVAILABLE", "failed to queue reconcile", http.StatusServiceUnavailable)
		return
	}
	slog.InfoContext(ctx, "reconcile queued", "urls", len(req.URLs))
	h.accepted(ctx, w, "reconcile queued")
}

func (h *Handler) accepted(ctx context.Context, w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": msg}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
