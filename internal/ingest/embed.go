package ingest

import (
	"context"
	"fmt"
	"time"

	"bbgodb/features/article"
	"bbgodb/internal/apperr"
	"bbgodb/internal/vector"
)

// embedPending embeds and indexes the article's chunks that the vector index
// has not acknowledged yet. A chunk row is marked embedded only after its
// vector upsert succeeds. It returns the number of vectors written.
func (p *Pipeline) embedPending(ctx context.Context, articleURL string, published *time.Time) (int, error) {
	pending, err := p.deps.Articles.PendingChunks(ctx, articleURL)
	if err != nil {
		return 0, fmt.Errorf("list pending chunks: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	transition(ctx, p.deps.Logger, StateEmbedding, "url", articleURL, "pending", len(pending))

	written := 0
	for start := 0; start < len(pending); start += p.opts.EmbedBatchSize {
		batch := pending[start:min(start+p.opts.EmbedBatchSize, len(pending))]

		vecs, err := p.embedBatch(ctx, batch)
		if err != nil {
			return written, err
		}

		records := make([]vector.Record, len(batch))
		chunkIDs := make([]string, len(batch))
		vectorIDs := make([]string, len(batch))
		for i, c := range batch {
			records[i] = vector.Record{
				ChunkID:       c.ChunkID,
				ArticleURL:    c.ArticleURL,
				ChunkIndex:    c.ChunkIndex,
				Content:       c.TextContent,
				PublishedDate: published,
				Vector:        vecs[i],
			}
			chunkIDs[i] = c.ChunkID
			vectorIDs[i] = vector.ObjectID(c.ChunkID)
		}

		err = p.opts.Retry.Do(ctx, "vector_upsert", func(ctx context.Context) error {
			return p.deps.Vectors.Upsert(ctx, records...)
		})
		if err != nil {
			return written, fmt.Errorf("upsert vectors: %w", err)
		}
		written += len(records)

		if err := p.deps.Articles.MarkChunksEmbedded(ctx, chunkIDs, vectorIDs); err != nil {
			return written, fmt.Errorf("mark chunks embedded: %w", err)
		}
	}
	return written, nil
}

// embedBatch calls the provider under the shared concurrency and rate quota.
func (p *Pipeline) embedBatch(ctx context.Context, batch []article.Chunk) ([][]float32, error) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.TextContent
	}

	var vecs [][]float32
	err := p.opts.Retry.Do(ctx, "embed", func(ctx context.Context) error {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer p.sem.Release(1)

		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		out, err := p.deps.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		if len(out) != len(texts) {
			return apperr.Transient(fmt.Errorf("provider returned %d vectors for %d texts", len(out), len(texts)))
		}
		vecs = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	return vecs, nil
}
