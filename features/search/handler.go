package search

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"bbgodb/features/article"
	"bbgodb/internal/apperr"
	"bbgodb/internal/generation"
	"bbgodb/internal/middleware"
	"bbgodb/internal/retrieval"
)

type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Response, error)
}

type Answerer interface {
	Answer(ctx context.Context, question string, k int) (*generation.Answer, error)
}

type Handler struct {
	retriever Retriever
	answerer  Answerer
	defaultK  func(ctx context.Context) int
}

// NewHandler builds the search handler. defaultK supplies k when a request
// omits it; answerer may be nil when no chat model is configured.
func NewHandler(r Retriever, a Answerer, defaultK func(ctx context.Context) int) *Handler {
	return &Handler{retriever: r, answerer: a, defaultK: defaultK}
}

// Search handles GET /search?q=...&k=...&after=...&before=...&url=...
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params := r.URL.Query()

	k, err := h.parseK(ctx, params.Get("k"))
	if err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	var f article.Filter
	if f.PublishedAfter, err = parseDate(params.Get("after"), false); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "after: "+err.Error(), http.StatusBadRequest)
		return
	}
	if f.PublishedBefore, err = parseDate(params.Get("before"), true); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "before: "+err.Error(), http.StatusBadRequest)
		return
	}
	f.ArticleURLs = params["url"]

	resp, err := h.retriever.Retrieve(ctx, retrieval.Query{Text: params.Get("q"), K: k, Filters: f})
	if err != nil {
		h.writeRetrievalError(ctx, w, err)
		return
	}

	results := resp.Results
	if results == nil {
		results = []retrieval.Result{}
	}
	meta := map[string]interface{}{"count": len(results), "k": k, "degraded": resp.Degraded}
	if resp.Warning != nil {
		meta["warning"] = resp.Warning.Error()
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": results, "meta": meta})
}

type answerRequest struct {
	Question string `json:"question"`
	K        int    `json:"k"`
}

// Answer handles POST /answer.
func (h *Handler) Answer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.answerer == nil {
		h.writeError(ctx, w, "NOT_CONFIGURED", "no chat model configured", http.StatusNotImplemented)
		return
	}

	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.K == 0 {
		req.K = h.defaultK(ctx)
	}

	ans, err := h.answerer.Answer(ctx, req.Question, req.K)
	if err != nil {
		h.writeRetrievalError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": ans})
}

func (h *Handler) parseK(ctx context.Context, v string) (int, error) {
	if v == "" {
		return h.defaultK(ctx), nil
	}
	k, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New("k must be an integer")
	}
	return k, nil
}

// parseDate accepts RFC3339 or YYYY-MM-DD. Bounds are inclusive, so a
// date-only upper bound covers the whole day.
func parseDate(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, errors.New("expected RFC3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func (h *Handler) writeRetrievalError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperr.ErrInvalidParameter):
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
	case errors.Is(err, apperr.ErrRetrievalUnavailable):
		slog.ErrorContext(ctx, "retrieval unavailable", "error", err)
		h.writeError(ctx, w, "RETRIEVAL_UNAVAILABLE", err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, apperr.ErrTransientProvider), errors.Is(err, apperr.ErrPermanentProvider):
		slog.ErrorContext(ctx, "provider failed", "error", err)
		h.writeError(ctx, w, "PROVIDER_ERROR", err.Error(), http.StatusBadGateway)
	default:
		slog.ErrorContext(ctx, "search failed", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	h.writeJSON(ctx, w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	})
}
