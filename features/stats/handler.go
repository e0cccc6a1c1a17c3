package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"bbgodb/features/run"
	"bbgodb/internal/middleware"
)

type ArticleRepo interface {
	Count(ctx context.Context) (int, error)
	ChunkCounts(ctx context.Context) (total, embedded int, err error)
}

type JobRepo interface {
	Count(ctx context.Context) (int, error)
}

type RunRepo interface {
	Latest(ctx context.Context) (*run.Log, error)
}

type VectorStore interface {
	CountChunks(ctx context.Context) (int, error)
}

type Handler struct {
	articles    ArticleRepo
	jobRepo     JobRepo
	runs        RunRepo
	vectorStore VectorStore
}

func NewHandler(a ArticleRepo, j JobRepo, r RunRepo, v VectorStore) *Handler {
	return &Handler{articles: a, jobRepo: j, runs: r, vectorStore: v}
}

type StatsResponse struct {
	Articles       int      `json:"articles"`
	Chunks         int      `json:"chunks"`
	EmbeddedChunks int      `json:"embedded_chunks"`
	PendingChunks  int      `json:"pending_chunks"`
	Vectors        int      `json:"vectors"`
	FailedJobs     int      `json:"failed_jobs"`
	LastRun        *run.Log `json:"last_run,omitempty"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slog.InfoContext(ctx, "getting stats")

	var resp StatsResponse
	var err error

	if resp.Articles, err = h.articles.Count(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to count articles", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count articles", http.StatusInternalServerError)
		return
	}

	if resp.Chunks, resp.EmbeddedChunks, err = h.articles.ChunkCounts(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to count chunks", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count chunks", http.StatusInternalServerError)
		return
	}
	resp.PendingChunks = resp.Chunks - resp.EmbeddedChunks

	if resp.FailedJobs, err = h.jobRepo.Count(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
		return
	}

	// The index may be unreachable while the metadata store is fine.
	if resp.Vectors, err = h.vectorStore.CountChunks(ctx); err != nil {
		slog.WarnContext(ctx, "failed to count vectors", "error", err)
		resp.Vectors = -1
	}

	if resp.LastRun, err = h.runs.Latest(ctx); err != nil {
		slog.WarnContext(ctx, "failed to load latest run", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
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
