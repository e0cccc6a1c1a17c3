package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bbgodb/features/article"
	"bbgodb/internal/apperr"
	"bbgodb/internal/middleware"
)

const reconcilePageSize = 100

// ReconcileSummary reports a reconciliation pass.
type ReconcileSummary struct {
	Articles       int
	Completed      int
	Failed         int
	VectorsWritten int
	Failures       []Failure
}

// Reconcile re-chunks and re-embeds articles whose embeddings are missing,
// from their stored text. With no urls it scans every unembedded article.
// Only pending chunks are sent to the provider.
func (p *Pipeline) Reconcile(ctx context.Context, urls ...string) (*ReconcileSummary, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer p.running.Store(false)

	runID := "reconcile-" + uuid.NewString()
	ctx = middleware.WithRunID(ctx, runID)
	p.deps.Logger.InfoContext(ctx, "reconciliation started", "urls", len(urls))

	var (
		mu      sync.Mutex
		summary ReconcileSummary
		g       errgroup.Group
	)
	g.SetLimit(p.opts.Concurrency)

	submit := func(a article.Article) {
		g.Go(func() error {
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.ArticleTimeout)
			defer cancel()

			o := p.complete(actx, ArticleOutcome{URL: a.URL, GUID: a.GUID, Kind: KindRetried}, a.RawText, a.PublishedDate, !a.IsChunked)

			mu.Lock()
			summary.Articles++
			summary.VectorsWritten += o.VectorsWritten
			if o.Kind == KindFailed {
				summary.Failed++
				summary.Failures = append(summary.Failures, Failure{URL: o.URL, Stage: o.Stage, Error: truncate(errString(o.Err))})
			} else {
				summary.Completed++
			}
			mu.Unlock()

			if o.Kind == KindFailed {
				p.recordFailure(actx, runID, o)
			}
			return nil
		})
	}

	var scanErr error
	if len(urls) > 0 {
		for _, u := range urls {
			if ctx.Err() != nil {
				break
			}
			a, err := p.deps.Articles.GetByURL(ctx, u)
			if errors.Is(err, sql.ErrNoRows) {
				p.deps.Logger.WarnContext(ctx, "reconcile skipped unknown article", "url", u)
				continue
			}
			if err != nil {
				scanErr = fmt.Errorf("load article %s: %w", u, err)
				break
			}
			if a.IsEmbedded {
				continue
			}
			submit(*a)
		}
	} else {
		var afterID int64
		for ctx.Err() == nil {
			page, err := p.deps.Articles.ListUnembedded(ctx, afterID, reconcilePageSize)
			if err != nil {
				scanErr = fmt.Errorf("list unembedded articles: %w", err)
				break
			}
			for _, a := range page {
				submit(a)
			}
			if len(page) < reconcilePageSize {
				break
			}
			afterID = page[len(page)-1].ID
		}
	}
	_ = g.Wait()

	p.deps.Logger.InfoContext(ctx, "reconciliation finished", "articles", summary.Articles,
		"completed", summary.Completed, "failed", summary.Failed, "vectors_written", summary.VectorsWritten)

	if scanErr != nil {
		return &summary, scanErr
	}
	if summary.Failed > 0 {
		return &summary, fmt.Errorf("%w: %d of %d articles failed reconciliation",
			apperr.ErrPipelinePartialFailure, summary.Failed, summary.Articles)
	}
	return &summary, nil
}
