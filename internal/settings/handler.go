package settings

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"bbgodb/internal/middleware"
)

const maskPrefix = "****"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// GetSettings returns the stored settings with the API key masked.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := h.svc.Get(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load settings", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeData(ctx, w, masked(*s))
}

// UpdateSettings replaces the settings. Sending back the masked key from
// GetSettings keeps the stored key.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var s Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if s.SearchTopK < 0 || s.RRFK < 0 || s.DenseCandidateFactor < 0 {
		h.writeError(ctx, w, "VALIDATION_ERROR", "numeric settings must not be negative", http.StatusBadRequest)
		return
	}

	if strings.HasPrefix(s.GeminiAPIKey, maskPrefix) {
		current, err := h.svc.Get(ctx)
		if err != nil {
			h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
			return
		}
		s.GeminiAPIKey = current.GeminiAPIKey
	}

	if err := h.svc.Update(ctx, &s); err != nil {
		slog.ErrorContext(ctx, "failed to update settings", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	slog.InfoContext(ctx, "settings updated", "search_top_k", s.SearchTopK, "rrf_k", s.RRFK, "dense_candidate_factor", s.DenseCandidateFactor)
	h.writeData(ctx, w, masked(s))
}

func masked(s Settings) Settings {
	if n := len(s.GeminiAPIKey); n > 0 {
		tail := s.GeminiAPIKey
		if n > 4 {
			tail = tail[n-4:]
		}
		s.GeminiAPIKey = maskPrefix + tail
	}
	return s
}

func (h *Handler) writeData(ctx context.Context, w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]any{
		"error":         map[string]string{"code": code, "message": message},
		"correlationId": middleware.GetCorrelationID(ctx),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
