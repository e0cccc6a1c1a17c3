package ingest

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"bbgodb/features/article"
	"bbgodb/features/job"
	"bbgodb/internal/extract"
	"bbgodb/internal/feed"
	"bbgodb/internal/text"
)

// processEntry runs one feed entry through extract, diff, persist, chunk and
// embed. It never returns an error; failures are folded into the outcome.
func (p *Pipeline) processEntry(ctx context.Context, runID string, e feed.Entry) ArticleOutcome {
	o := ArticleOutcome{URL: e.URL, GUID: e.GUID}

	html := e.HTMLContent
	if html == "" {
		html = e.Description
	}
	extracted, err := extract.HTML(html, e.URL)
	if err != nil {
		return failed(o, job.StageExtract, err)
	}
	contentHash := text.ContentHash(extracted.Text)

	existing, err := p.deps.Articles.FindExisting(ctx, e.GUID, e.URL)
	if err != nil {
		return failed(o, job.StagePersist, fmt.Errorf("lookup existing article: %w", err))
	}
	if existing != nil {
		// The stored url stays the identity even when the feed moved the link.
		o.URL = existing.URL
	}

	o.Kind = classify(e, contentHash, existing)
	switch o.Kind {
	case KindUnchanged:
		return o
	case KindRetried:
		return p.complete(ctx, o, existing.RawText, existing.PublishedDate, !existing.IsChunked)
	}

	transition(ctx, p.deps.Logger, StatePersisting, "url", o.URL, "outcome", string(o.Kind))
	a := &article.Article{
		URL:              o.URL,
		GUID:             e.GUID,
		Title:            e.Title,
		Description:      e.Description,
		Author:           e.Author,
		HTMLContent:      html,
		RawText:          extracted.Text,
		ContentHash:      contentHash,
		FeaturedImageURL: e.FeaturedImageURL,
		PublishedDate:    e.PublishedDate,
		ContentLength:    utf8.RuneCountInString(extracted.Text),
	}
	if err := p.deps.Articles.Upsert(ctx, a); err != nil {
		return failed(o, job.StagePersist, fmt.Errorf("upsert article: %w", err))
	}
	if err := p.deps.Articles.ReplaceImages(ctx, o.URL, toImages(o.URL, extracted.Images)); err != nil {
		return failed(o, job.StagePersist, fmt.Errorf("replace images: %w", err))
	}

	return p.complete(ctx, o, extracted.Text, e.PublishedDate, true)
}

// complete optionally re-chunks rawText, embeds whatever chunks are pending
// and flips the article to embedded once nothing is pending. published is
// stored with each vector for date-filtered search.
func (p *Pipeline) complete(ctx context.Context, o ArticleOutcome, rawText string, published *time.Time, rechunk bool) ArticleOutcome {
	if rechunk {
		n, err := p.chunk(ctx, o.URL, rawText)
		if err != nil {
			return failed(o, job.StageChunk, err)
		}
		o.ChunkCount = n
	}

	written, err := p.embedPending(ctx, o.URL, published)
	o.VectorsWritten = written
	if err != nil {
		return failed(o, job.StageEmbed, err)
	}

	done, err := p.deps.Articles.MarkArticleEmbedded(ctx, o.URL)
	if err != nil {
		return failed(o, job.StageEmbed, fmt.Errorf("mark article embedded: %w", err))
	}
	if !done {
		return failed(o, job.StageEmbed, fmt.Errorf("article still has pending chunks"))
	}
	return o
}

// chunk segments rawText and makes the stored chunk rows match. Chunks that
// the new segmentation drops are removed from the vector index before their
// rows go, so no vector outlives its row.
func (p *Pipeline) chunk(ctx context.Context, articleURL, rawText string) (int, error) {
	transition(ctx, p.deps.Logger, StateChunking, "url", articleURL)

	segs, err := p.opts.Segmenter.Split(rawText)
	if err != nil {
		return 0, err
	}

	chunks := make([]article.Chunk, len(segs))
	for i, s := range segs {
		chunks[i] = article.Chunk{
			ArticleURL:    articleURL,
			ChunkID:       text.ChunkID(articleURL, i),
			TextContent:   s.Text,
			ContentHash:   text.ContentHash(s.Text),
			ChunkIndex:    i,
			ChunkSize:     s.End - s.Start,
			StartPosition: s.Start,
			EndPosition:   s.End,
		}
	}

	stale, err := p.deps.Articles.StaleChunkIDs(ctx, articleURL, len(chunks))
	if err != nil {
		return 0, fmt.Errorf("list stale chunks: %w", err)
	}
	if len(stale) > 0 {
		err := p.opts.Retry.Do(ctx, "vector_delete", func(ctx context.Context) error {
			return p.deps.Vectors.Delete(ctx, stale...)
		})
		if err != nil {
			return 0, fmt.Errorf("delete stale vectors: %w", err)
		}
	}

	if err := p.deps.Articles.ReplaceChunks(ctx, articleURL, chunks); err != nil {
		return 0, fmt.Errorf("replace chunks: %w", err)
	}
	return len(chunks), nil
}

func toImages(articleURL string, imgs []extract.Image) []article.Image {
	out := make([]article.Image, len(imgs))
	for i, img := range imgs {
		out[i] = article.Image{
			ArticleURL:    articleURL,
			ImageURL:      img.URL,
			AltText:       img.AltText,
			Caption:       img.Caption,
			Width:         img.Width,
			Height:        img.Height,
			PositionIndex: img.Position,
		}
	}
	return out
}
