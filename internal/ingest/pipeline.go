// Package ingest synchronizes the metadata store and the vector index with
// the current feed contents.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"bbgodb/features/article"
	"bbgodb/features/run"
	"bbgodb/internal/apperr"
	"bbgodb/internal/config"
	"bbgodb/internal/feed"
	"bbgodb/internal/middleware"
	"bbgodb/internal/retry"
	"bbgodb/internal/text"
	"bbgodb/internal/vector"
)

var (
	ErrRunInProgress = errors.New("ingestion already in progress")
	ErrRunFailed     = errors.New("ingestion run failed")
)

const finalizeTimeout = 30 * time.Second

type ArticleStore interface {
	FindExisting(ctx context.Context, guid, url string) (*article.Article, error)
	GetByURL(ctx context.Context, url string) (*article.Article, error)
	ListUnembedded(ctx context.Context, afterID int64, limit int) ([]article.Article, error)
	Upsert(ctx context.Context, a *article.Article) error
	ReplaceImages(ctx context.Context, articleURL string, images []article.Image) error
	StaleChunkIDs(ctx context.Context, articleURL string, fromIndex int) ([]string, error)
	ReplaceChunks(ctx context.Context, articleURL string, chunks []article.Chunk) error
	PendingChunks(ctx context.Context, articleURL string) ([]article.Chunk, error)
	MarkChunksEmbedded(ctx context.Context, chunkIDs, vectorIDs []string) error
	MarkArticleEmbedded(ctx context.Context, articleURL string) (bool, error)
	RecordFailure(ctx context.Context, articleURL string, meta map[string]interface{}) error
}

type RunStore interface {
	Create(ctx context.Context, runID string) (*run.Log, error)
	Increment(ctx context.Context, runID string, delta run.Counts) error
	Finalize(ctx context.Context, runID string, f run.Final) error
}

// FailureRecorder dead-letters article failures for operator retry.
type FailureRecorder interface {
	Record(ctx context.Context, runID, articleURL, stage string, cause error)
}

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type VectorWriter interface {
	Upsert(ctx context.Context, records ...vector.Record) error
	Delete(ctx context.Context, chunkIDs ...string) error
}

type Deps struct {
	Source   feed.Source
	Articles ArticleStore
	Runs     RunStore
	Failures FailureRecorder
	Embedder Embedder
	Vectors  VectorWriter
	Logger   *slog.Logger
}

type Options struct {
	MaxArticles        int
	Segmenter          text.Segmenter
	EmbedBatchSize     int
	EmbedConcurrency   int64
	EmbedRatePerSecond float64
	Concurrency        int
	Retry              retry.Policy
	ArticleTimeout     time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxArticles: cfg.MaxArticlesPerRun,
		Segmenter: text.Segmenter{
			ChunkSize:    cfg.ChunkSize,
			Overlap:      cfg.ChunkOverlap,
			SnapFraction: cfg.ChunkSnapFraction,
		},
		EmbedBatchSize:     cfg.EmbedBatchSize,
		EmbedConcurrency:   cfg.EmbedConcurrency,
		EmbedRatePerSecond: cfg.EmbedRatePerSecond,
		Concurrency:        cfg.IngestionConcurrency,
		Retry:              retry.DefaultPolicy(cfg.RetryMaxAttempts),
		ArticleTimeout:     cfg.ArticleTimeout,
	}
}

type Pipeline struct {
	deps    Deps
	opts    Options
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	running atomic.Bool
}

func New(deps Deps, opts Options) (*Pipeline, error) {
	if err := opts.Segmenter.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxArticles <= 0 {
		return nil, apperr.Invalid("max articles must be positive, got %d", opts.MaxArticles)
	}
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = 32
	}
	if opts.EmbedConcurrency <= 0 {
		opts.EmbedConcurrency = 1
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ArticleTimeout <= 0 {
		opts.ArticleTimeout = 5 * time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	limit, burst := rate.Inf, 1
	if opts.EmbedRatePerSecond > 0 {
		limit = rate.Limit(opts.EmbedRatePerSecond)
		burst = max(1, int(opts.EmbedRatePerSecond))
	}

	return &Pipeline{
		deps:    deps,
		opts:    opts,
		sem:     semaphore.NewWeighted(opts.EmbedConcurrency),
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// Run performs one ingestion pass. Per-article failures never abort the run;
// they surface as a partial status and a wrapped ErrPipelinePartialFailure.
// Cancelling ctx stops new articles from starting while in-flight articles
// finish.
func (p *Pipeline) Run(ctx context.Context) (*RunSummary, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer p.running.Store(false)

	runID := uuid.NewString()
	ctx = middleware.WithRunID(ctx, runID)
	logger := p.deps.Logger

	transition(ctx, logger, StateStarted)
	if _, err := p.deps.Runs.Create(ctx, runID); err != nil {
		return nil, fmt.Errorf("failed to create ingestion log: %w", err)
	}

	transition(ctx, logger, StateFetching, "max", p.opts.MaxArticles)
	entries, err := p.deps.Source.Fetch(ctx, p.opts.MaxArticles)
	if err != nil {
		summary := &RunSummary{RunID: runID, Status: run.StatusFailed}
		if ferr := p.finalize(ctx, summary, truncate(err.Error())); ferr != nil {
			return summary, fmt.Errorf("failed to finalize ingestion log after fetch error %v: %w", err, ferr)
		}
		return summary, fmt.Errorf("%w: %w", ErrRunFailed, err)
	}

	// Increments only report progress while the run is live. Finalize
	// rewrites every counter, so a lost increment is logged, not fatal.
	if err := p.deps.Runs.Increment(ctx, runID, run.Counts{Found: len(entries)}); err != nil {
		logger.ErrorContext(ctx, "failed to record found count", "error", err)
	}

	transition(ctx, logger, StateDiffing, "entries", len(entries))
	t := &tally{summary: RunSummary{RunID: runID, Found: len(entries)}}

	var (
		g          errgroup.Group
		queued     int
		notStarted atomic.Int64
	)
	g.SetLimit(p.opts.Concurrency)
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		queued++
		g.Go(func() error {
			// g.Go may have waited for a free slot past cancellation.
			if ctx.Err() != nil {
				notStarted.Add(1)
				return nil
			}
			// In-flight work outlives cancellation so chunk and vector
			// writes for one article land together.
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.ArticleTimeout)
			defer cancel()

			o := p.processEntry(actx, runID, e)
			p.record(actx, runID, o, t)
			return nil
		})
	}
	_ = g.Wait()

	summary := t.snapshot()
	summary.Skipped = len(entries) - queued + int(notStarted.Load())
	summary.Cancelled = ctx.Err() != nil && summary.Skipped > 0
	summary.Status = status(&summary)

	msg := ""
	if summary.Status != run.StatusCompleted {
		msg = fmt.Sprintf("%d of %d attempted articles failed", summary.Failed, summary.Attempted())
		if summary.Cancelled {
			msg += fmt.Sprintf("; cancelled with %d articles not started", summary.Skipped)
		}
	}
	if err := p.finalize(ctx, &summary, msg); err != nil {
		return &summary, fmt.Errorf("failed to finalize ingestion log: %w", err)
	}

	switch summary.Status {
	case run.StatusFailed:
		return &summary, fmt.Errorf("%w: %s", ErrRunFailed, msg)
	case run.StatusPartial:
		return &summary, fmt.Errorf("%w: %s", apperr.ErrPipelinePartialFailure, msg)
	}
	return &summary, nil
}

func status(s *RunSummary) string {
	switch {
	case s.Failed > 0 && s.Failed == s.Attempted():
		return run.StatusFailed
	case s.Failed > 0 || s.Cancelled:
		return run.StatusPartial
	default:
		return run.StatusCompleted
	}
}

func terminalState(status string) State {
	switch status {
	case run.StatusCompleted:
		return StateCompleted
	case run.StatusPartial:
		return StatePartial
	default:
		return StateFailed
	}
}

// finalize writes the terminal log row even when ctx is already cancelled.
// A run whose log row cannot be finalized has no trustworthy audit state,
// so the error is returned and the terminal transition is not logged.
func (p *Pipeline) finalize(ctx context.Context, s *RunSummary, msg string) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	err := p.deps.Runs.Finalize(fctx, s.RunID, run.Final{
		Status:       s.Status,
		Counts:       s.counts(),
		ErrorMessage: msg,
		Details:      s.details(),
	})
	if err != nil {
		p.deps.Logger.ErrorContext(fctx, "failed to finalize ingestion log", "error", err)
		return err
	}

	transition(fctx, p.deps.Logger, terminalState(s.Status),
		"found", s.Found, "new", s.New, "updated", s.Updated, "unchanged", s.Unchanged,
		"retried", s.Retried, "failed", s.Failed, "vectors_written", s.VectorsWritten)
	return nil
}

// record folds one outcome into the run counters and, for failures, the
// article metadata and the dead-letter row.
func (p *Pipeline) record(ctx context.Context, runID string, o ArticleOutcome, t *tally) {
	delta := t.add(o)
	if !delta.IsZero() {
		if err := p.deps.Runs.Increment(ctx, runID, delta); err != nil {
			p.deps.Logger.ErrorContext(ctx, "failed to increment ingestion counters", "url", o.URL, "error", err)
		}
	}

	if o.Kind != KindFailed {
		p.deps.Logger.DebugContext(ctx, "article processed", "url", o.URL, "outcome", string(o.Kind),
			"chunks", o.ChunkCount, "vectors_written", o.VectorsWritten)
		return
	}
	p.recordFailure(ctx, runID, o)
}

func (p *Pipeline) recordFailure(ctx context.Context, runID string, o ArticleOutcome) {
	reason := truncate(errString(o.Err))
	p.deps.Logger.WarnContext(ctx, "article failed", "url", o.URL, "stage", o.Stage, "error", reason)
	meta := map[string]interface{}{
		"last_error":    reason,
		"failed_stage":  o.Stage,
		"failed_run_id": runID,
		"failed_at":     time.Now().UTC().Format(time.RFC3339),
	}
	if err := p.deps.Articles.RecordFailure(ctx, o.URL, meta); err != nil {
		p.deps.Logger.ErrorContext(ctx, "failed to record article failure", "url", o.URL, "error", err)
	}
	if p.deps.Failures != nil {
		p.deps.Failures.Record(ctx, runID, o.URL, o.Stage, o.Err)
	}
}
