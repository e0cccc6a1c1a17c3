package ingest_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bbgodb/features/job"
	"bbgodb/features/run"
	"bbgodb/internal/apperr"
	"bbgodb/internal/feed"
	"bbgodb/internal/ingest"
	"bbgodb/internal/retry"
	"bbgodb/internal/text"
)

type fixture struct {
	source   *memSource
	articles *memArticles
	runs     *memRuns
	vectors  *memVectors
	embedder *memEmbedder
	failures *memFailures
	pipeline *ingest.Pipeline
}

func newFixture(t *testing.T, mutate ...func(*ingest.Options)) *fixture {
	t.Helper()
	f := &fixture{
		source:   &memSource{},
		articles: newMemArticles(),
		runs:     newMemRuns(),
		vectors:  newMemVectors(),
		embedder: &memEmbedder{},
		failures: &memFailures{},
	}
	opts := ingest.Options{
		MaxArticles:      100,
		Segmenter:        text.Segmenter{ChunkSize: 1000, Overlap: 200, SnapFraction: text.DefaultSnapFraction},
		EmbedBatchSize:   2,
		EmbedConcurrency: 2,
		Concurrency:      4,
		Retry:            retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
		ArticleTimeout:   5 * time.Second,
	}
	for _, m := range mutate {
		m(&opts)
	}
	p, err := ingest.New(ingest.Deps{
		Source:   f.source,
		Articles: f.articles,
		Runs:     f.runs,
		Failures: f.failures,
		Embedder: f.embedder,
		Vectors:  f.vectors,
	}, opts)
	require.NoError(t, err)
	f.pipeline = p
	return f
}

func entry(n int, body string) feed.Entry {
	published := time.Date(2024, 3, n, 9, 0, 0, 0, time.UTC)
	return feed.Entry{
		GUID:          "guid-" + string(rune('a'+n)),
		URL:           "https://www.bbgo.com/post-" + string(rune('a'+n)),
		Title:         "Post " + string(rune('A'+n)),
		HTMLContent:   "<p>" + body + "</p>",
		PublishedDate: &published,
	}
}

func TestPipeline_NewArticleEndToEnd(t *testing.T) {
	f := newFixture(t)
	e := entry(1, strings.Repeat("a", 2500))
	f.source.set(e)

	summary, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, summary.Status)
	assert.Equal(t, 1, summary.New)
	assert.Equal(t, 4, summary.VectorsWritten)

	chunks := f.articles.chunkList(e.URL)
	require.Len(t, chunks, 4)
	wantSpans := [][2]int{{0, 1000}, {800, 1800}, {1600, 2500}, {2300, 2500}}
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, text.ChunkID(e.URL, i), c.ChunkID)
		assert.Equal(t, wantSpans[i], [2]int{c.StartPosition, c.EndPosition})
		assert.True(t, c.IsEmbedded)
		assert.NotEmpty(t, c.VectorIndexID)
		assert.Equal(t, e.PublishedDate, f.vectors.records[c.ChunkID].PublishedDate, "vector carries publish date")
	}

	a := f.articles.get(e.URL)
	assert.True(t, a.IsChunked)
	assert.True(t, a.IsEmbedded)
	assert.True(t, a.IsProcessed)
	assert.Equal(t, 2500, a.ContentLength)

	log := f.runs.latest()
	assert.Equal(t, run.StatusCompleted, log.Status)
	assert.Equal(t, 1, log.ArticlesFound)
	assert.Equal(t, 1, log.ArticlesNew)
	assert.Equal(t, 0, log.ArticlesFailed)
	assert.NotNil(t, log.CompletedAt)
	assert.Equal(t, 4, f.vectors.len())
}

func TestPipeline_IdempotentSecondRun(t *testing.T) {
	f := newFixture(t)
	f.source.set(entry(1, "Sonar uses sound. "+strings.Repeat("word ", 400)), entry(2, "Short post."))

	_, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)

	writes := f.vectors.writes()
	upserts := f.articles.upserts
	ids := f.articles.chunkIDs(entry(1, "").URL)

	summary, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Unchanged)
	assert.Equal(t, 0, summary.New+summary.Updated)
	assert.Equal(t, writes, f.vectors.writes(), "no vector writes on an unchanged feed")
	assert.Equal(t, upserts, f.articles.upserts, "no article writes on an unchanged feed")
	assert.Equal(t, ids, f.articles.chunkIDs(entry(1, "").URL))
	assert.Equal(t, 2, f.runs.latest().ArticlesFound)
	assert.Equal(t, 0, f.runs.latest().ArticlesNew)
}

func TestPipeline_TitleChangeKeepsEmbeddings(t *testing.T) {
	f := newFixture(t)
	e := entry(1, strings.Repeat("sonar ", 300))
	f.source.set(e)

	_, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)
	ids := f.articles.chunkIDs(e.URL)
	calls := f.embedder.calls
	writes := f.vectors.writes()

	e.Title = "Sonar, revisited"
	f.source.set(e)

	summary, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 0, summary.VectorsWritten)
	assert.Equal(t, ids, f.articles.chunkIDs(e.URL))
	assert.Equal(t, calls, f.embedder.calls, "title change must not re-embed")
	assert.Equal(t, writes, f.vectors.writes())
	assert.Equal(t, "Sonar, revisited", f.articles.get(e.URL).Title)
	assert.True(t, f.articles.get(e.URL).IsEmbedded)
}

func TestPipeline_ShorterContentDropsStaleVectors(t *testing.T) {
	f := newFixture(t)
	e := entry(1, strings.Repeat("b", 2500))
	f.source.set(e)

	_, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, f.vectors.len())

	e.HTMLContent = "<p>" + strings.Repeat("b", 900) + "</p>"
	f.source.set(e)

	summary, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)
	assert.Len(t, f.articles.chunkList(e.URL), 1)
	assert.ElementsMatch(t, []string{text.ChunkID(e.URL, 1), text.ChunkID(e.URL, 2), text.ChunkID(e.URL, 3)}, f.vectors.deletes)
	assert.Equal(t, 1, f.vectors.len())
}

func TestPipeline_PartialFailureIsolated(t *testing.T) {
	f := newFixture(t)
	good, bad := entry(1, "Healthy article."), entry(2, "poison pill")
	f.source.set(good, bad)
	f.embedder.failFor = func(texts []string) error {
		for _, t := range texts {
			if strings.Contains(t, "poison") {
				return apperr.Permanent(errors.New("400 malformed input"))
			}
		}
		return nil
	}

	summary, err := f.pipeline.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPipelinePartialFailure)
	assert.Equal(t, run.StatusPartial, summary.Status)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, job.StageEmbed, summary.Failures[0].Stage)

	log := f.runs.latest()
	assert.Equal(t, run.StatusPartial, log.Status)
	assert.Equal(t, 1, log.ArticlesNew, "a failed article counts only as failed")
	assert.Equal(t, 1, log.ArticlesFailed)

	failedArticle := f.articles.get(bad.URL)
	assert.False(t, failedArticle.IsEmbedded)
	assert.Contains(t, failedArticle.ProcessingMetadata["last_error"], "malformed")
	assert.Equal(t, job.StageEmbed, failedArticle.ProcessingMetadata["failed_stage"])
	assert.True(t, f.articles.get(good.URL).IsEmbedded)
	assert.Equal(t, 1, f.failures.count())

	// The next run retries the failed article from its pending chunks only.
	f.embedder.failFor = nil
	before := len(f.embedder.embedded())

	summary, err = f.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retried)
	assert.Equal(t, 1, summary.Unchanged)
	assert.Equal(t, []string{"poison pill"}, f.embedder.embedded()[before:])
	assert.True(t, f.articles.get(bad.URL).IsEmbedded)
	_, stillFailed := f.articles.get(bad.URL).ProcessingMetadata["last_error"]
	assert.False(t, stillFailed)
}

func TestPipeline_TransientErrorsRetried(t *testing.T) {
	f := newFixture(t)
	f.source.set(entry(1, "Retry me."))
	f.vectors.failN = 2
	f.vectors.failErr = apperr.Transient(errors.New("503"))

	attempts := 0
	f.embedder.failFor = func([]string) error {
		attempts++
		if attempts == 1 {
			return apperr.Transient(errors.New("429"))
		}
		return nil
	}

	summary, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, summary.Status)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, f.vectors.len())
}

func TestPipeline_TransientExhaustionFailsArticle(t *testing.T) {
	f := newFixture(t)
	f.source.set(entry(1, "Never works."))
	f.embedder.failFor = func([]string) error { return apperr.Transient(errors.New("503")) }

	summary, err := f.pipeline.Run(context.Background())
	assert.ErrorIs(t, err, ingest.ErrRunFailed)
	assert.Equal(t, run.StatusFailed, summary.Status)
	assert.Equal(t, 3, f.embedder.calls)

	chunks := f.articles.chunkList(entry(1, "").URL)
	require.Len(t, chunks, 1)
	assert.False(t, chunks[0].IsEmbedded, "chunk stays pending when the vector was never written")
}

func TestPipeline_FetchFailure(t *testing.T) {
	f := newFixture(t)
	f.source.err = errors.New("feed unreachable")

	summary, err := f.pipeline.Run(context.Background())
	assert.ErrorIs(t, err, ingest.ErrRunFailed)
	assert.Equal(t, run.StatusFailed, summary.Status)

	log := f.runs.latest()
	assert.Equal(t, run.StatusFailed, log.Status)
	assert.Contains(t, log.ErrorMessage, "feed unreachable")
	assert.NotNil(t, log.CompletedAt)
}

func TestPipeline_EmptyFeedCompletes(t *testing.T) {
	f := newFixture(t)

	summary, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, summary.Status)
	assert.Equal(t, run.StatusCompleted, f.runs.latest().Status)
}

func TestPipeline_CancelledRunIsPartial(t *testing.T) {
	f := newFixture(t, func(o *ingest.Options) { o.Concurrency = 1 })
	f.source.set(entry(1, "first"), entry(2, "second"), entry(3, "third"))

	ctx, cancel := context.WithCancel(context.Background())
	f.embedder.failFor = func([]string) error {
		cancel()
		return nil
	}

	summary, err := f.pipeline.Run(ctx)
	assert.ErrorIs(t, err, apperr.ErrPipelinePartialFailure)
	assert.Equal(t, run.StatusPartial, summary.Status)
	assert.True(t, summary.Cancelled)
	assert.GreaterOrEqual(t, summary.Skipped, 1)
	assert.True(t, f.articles.get(entry(1, "").URL).IsEmbedded, "in-flight article completes")

	log := f.runs.latest()
	assert.Equal(t, run.StatusPartial, log.Status)
	assert.Equal(t, true, log.Details["cancelled"])
}

func TestPipeline_CancelWhileWaitingForSlotSkipsArticle(t *testing.T) {
	f := newFixture(t, func(o *ingest.Options) { o.Concurrency = 1 })
	f.source.set(entry(1, "first"), entry(2, "second"), entry(3, "third"))

	ctx, cancel := context.WithCancel(context.Background())
	f.embedder.failFor = func([]string) error {
		cancel()
		return nil
	}

	summary, err := f.pipeline.Run(ctx)
	assert.ErrorIs(t, err, apperr.ErrPipelinePartialFailure)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 1, summary.Attempted())
	assert.False(t, f.articles.has(entry(2, "").URL), "queued article must not start after cancel")
	assert.False(t, f.articles.has(entry(3, "").URL))
}

func TestPipeline_FinalizeFailureFailsRun(t *testing.T) {
	f := newFixture(t)
	runs := &brokenFinalize{memRuns: f.runs, err: errors.New("db down")}
	p, err := ingest.New(ingest.Deps{
		Source:   f.source,
		Articles: f.articles,
		Runs:     runs,
		Failures: f.failures,
		Embedder: f.embedder,
		Vectors:  f.vectors,
	}, ingest.Options{
		MaxArticles: 10,
		Segmenter:   text.Segmenter{ChunkSize: 1000, Overlap: 200, SnapFraction: text.DefaultSnapFraction},
		Retry:       retry.Policy{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	})
	require.NoError(t, err)

	t.Run("after processing", func(t *testing.T) {
		f.source.set(entry(1, strings.Repeat("a", 500)))

		_, err := p.Run(context.Background())
		require.Error(t, err)
		assert.ErrorContains(t, err, "failed to finalize ingestion log")
		assert.ErrorIs(t, err, runs.err)
		assert.NotErrorIs(t, err, apperr.ErrPipelinePartialFailure)
		assert.NotErrorIs(t, err, ingest.ErrRunFailed)
		assert.Equal(t, run.StatusRunning, f.runs.latest().Status)
	})

	t.Run("after fetch error", func(t *testing.T) {
		f.source.err = errors.New("feed unreachable")

		_, err := p.Run(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, runs.err)
		assert.NotErrorIs(t, err, ingest.ErrRunFailed)
		assert.ErrorContains(t, err, "feed unreachable")
	})
}

func TestPipeline_RejectsOverlappingRuns(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.source.onFetch = func() {
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Run(context.Background())
		done <- err
	}()

	<-entered
	_, err := f.pipeline.Run(context.Background())
	assert.ErrorIs(t, err, ingest.ErrRunInProgress)

	close(release)
	assert.NoError(t, <-done)
}

func TestPipeline_GUIDMatchKeepsStoredURL(t *testing.T) {
	f := newFixture(t)
	e := entry(1, "Moved post.")
	f.source.set(e)
	_, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)

	moved := e
	moved.URL = "https://www.bbgo.com/moved"
	f.source.set(moved)

	summary, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Unchanged)
	assert.Equal(t, 1, f.articles.upserts)
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := ingest.New(ingest.Deps{}, ingest.Options{MaxArticles: 1, Segmenter: text.Segmenter{ChunkSize: 10, Overlap: 10}})
	assert.ErrorIs(t, err, apperr.ErrInvalidParameter)

	_, err = ingest.New(ingest.Deps{}, ingest.Options{Segmenter: text.Segmenter{ChunkSize: 10}})
	assert.ErrorIs(t, err, apperr.ErrInvalidParameter)
}
