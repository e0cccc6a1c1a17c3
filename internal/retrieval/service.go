package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bbgodb/features/article"
	"bbgodb/internal/apperr"
	"bbgodb/internal/middleware"
	"bbgodb/internal/settings"
	"bbgodb/internal/vector"
)

type Query struct {
	Text    string
	K       int
	Filters article.Filter
}

// Result is one fused hit with its citation fields. DenseScore and
// LexicalScore are nil when the chunk was absent from that list.
type Result struct {
	ChunkID       string     `json:"chunk_id"`
	ArticleURL    string     `json:"url"`
	Title         string     `json:"title"`
	PublishedDate *time.Time `json:"published_date,omitempty"`
	ChunkIndex    int        `json:"chunk_index"`
	Content       string     `json:"content"`
	Score         float64    `json:"score"`
	DenseScore    *float64   `json:"dense_score,omitempty"`
	LexicalScore  *float64   `json:"lexical_score,omitempty"`
}

// Response carries the ranked results. When one signal failed, Degraded is
// set and Warning wraps apperr.ErrDegradedRetrieval.
type Response struct {
	Results  []Result `json:"results"`
	Degraded bool     `json:"degraded"`
	Warning  error    `json:"-"`
}

type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type DenseIndex interface {
	SearchNearest(ctx context.Context, vec []float32, topN int, filter vector.Filter) ([]vector.Match, error)
}

type LexicalStore interface {
	SearchLexical(ctx context.Context, text string, limit int, f article.Filter) ([]article.ChunkHit, error)
	ChunkHits(ctx context.Context, chunkIDs []string) ([]article.ChunkHit, error)
}

type ChunkLister interface {
	ListChunks(ctx context.Context, articleURL string) ([]article.Chunk, error)
}

type Service struct {
	embedder QueryEmbedder
	dense    DenseIndex
	lexical  LexicalStore
	chunks   ChunkLister
	settings *settings.Service
	logger   *QueryLogger
}

func NewService(e QueryEmbedder, d DenseIndex, l LexicalStore, c ChunkLister, set *settings.Service, ql *QueryLogger) *Service {
	return &Service{embedder: e, dense: d, lexical: l, chunks: c, settings: set, logger: ql}
}

// Retrieve returns up to q.K chunks ranked by Reciprocal Rank Fusion over the
// dense and lexical candidate lists. An empty result is not an error.
func (s *Service) Retrieve(ctx context.Context, q Query) (resp *Response, err error) {
	start := time.Now()
	defer func() {
		if s.logger == nil {
			return
		}
		entry := QueryLogEntry{
			Query:         q.Text,
			K:             q.K,
			Duration:      time.Since(start),
			CorrelationID: middleware.GetCorrelationID(ctx),
		}
		if resp != nil {
			entry.NumResults = len(resp.Results)
			entry.Degraded = resp.Degraded
			if resp.Warning != nil {
				entry.Warning = resp.Warning.Error()
			}
		}
		if err != nil {
			entry.Error = err.Error()
		}
		s.logger.Log(entry)
	}()

	if q.K <= 0 {
		return nil, apperr.Invalid("k must be positive, got %d", q.K)
	}
	if q.Text == "" {
		return nil, apperr.Invalid("query text is empty")
	}

	cfg := s.settings.Effective(ctx)
	candidates := q.K * cfg.DenseCandidateFactor
	if candidates < q.K {
		candidates = q.K
	}

	var (
		wg               sync.WaitGroup
		dense, lexical   []candidate
		denseErr, lexErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		dense, denseErr = s.searchDense(ctx, q, candidates)
	}()
	go func() {
		defer wg.Done()
		lexical, lexErr = s.searchLexical(ctx, q, candidates)
	}()
	wg.Wait()

	resp = &Response{}
	switch {
	case denseErr != nil && lexErr != nil:
		return nil, fmt.Errorf("%w: %w", apperr.ErrRetrievalUnavailable, errors.Join(denseErr, lexErr))
	case denseErr != nil:
		resp.Degraded = true
		resp.Warning = fmt.Errorf("%w: dense search failed, serving lexical results: %w", apperr.ErrDegradedRetrieval, denseErr)
	case lexErr != nil:
		resp.Degraded = true
		resp.Warning = fmt.Errorf("%w: lexical search failed, serving dense results: %w", apperr.ErrDegradedRetrieval, lexErr)
	}
	if resp.Warning != nil {
		slog.WarnContext(ctx, "retrieval degraded", "error", resp.Warning)
	}

	resp.Results = fuse(dense, lexical, cfg.RRFK, q.K)
	return resp, nil
}

// searchDense embeds the query, asks the index for its nearest eligible
// chunks and joins them to the metadata store. The filter is checked again
// after the join since the index payload can lag an article update. Chunks
// with no metadata row, or which fail the filter, are dropped before ranks
// are assigned.
func (s *Service) searchDense(ctx context.Context, q Query, topN int) ([]candidate, error) {
	if s.embedder == nil || s.dense == nil {
		return nil, errors.New("dense search not configured")
	}
	vec, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := s.dense.SearchNearest(ctx, vec, topN, vector.Filter{
		ArticleURLs:     q.Filters.ArticleURLs,
		PublishedAfter:  q.Filters.PublishedAfter,
		PublishedBefore: q.Filters.PublishedBefore,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ChunkID
	}
	hits, err := s.lexical.ChunkHits(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load chunk metadata: %w", err)
	}
	byID := make(map[string]article.ChunkHit, len(hits))
	for _, h := range hits {
		byID[h.ChunkID] = h
	}

	out := make([]candidate, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		h, ok := byID[m.ChunkID]
		if !ok || seen[m.ChunkID] || !q.Filters.Matches(h) {
			continue
		}
		seen[m.ChunkID] = true
		h.Score = m.Score
		out = append(out, candidate{hit: h, score: m.Score})
	}
	return out, nil
}

func (s *Service) searchLexical(ctx context.Context, q Query, limit int) ([]candidate, error) {
	hits, err := s.lexical.SearchLexical(ctx, q.Text, limit, q.Filters)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	out := make([]candidate, 0, len(hits))
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		if seen[h.ChunkID] || !q.Filters.Matches(h) {
			continue
		}
		seen[h.ChunkID] = true
		out = append(out, candidate{hit: h, score: h.Score})
	}
	return out, nil
}

// ArticleChunks returns an article's chunks in reading order.
func (s *Service) ArticleChunks(ctx context.Context, url string) ([]article.Chunk, error) {
	if url == "" {
		return nil, apperr.Invalid("url is empty")
	}
	return s.chunks.ListChunks(ctx, url)
}
