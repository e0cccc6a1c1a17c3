package ingest_test

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"bbgodb/features/article"
	"bbgodb/features/run"
	"bbgodb/internal/feed"
	"bbgodb/internal/vector"
)

type memArticles struct {
	mu       sync.Mutex
	nextID   int64
	articles map[string]*article.Article
	chunks   map[string][]article.Chunk
	images   map[string][]article.Image
	upserts  int
}

func newMemArticles() *memArticles {
	return &memArticles{
		articles: map[string]*article.Article{},
		chunks:   map[string][]article.Chunk{},
		images:   map[string][]article.Image{},
	}
}

func (m *memArticles) FindExisting(ctx context.Context, guid, url string) (*article.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.articles {
		if a.GUID == guid {
			c := *a
			return &c, nil
		}
	}
	if a, ok := m.articles[url]; ok {
		c := *a
		return &c, nil
	}
	return nil, nil
}

func (m *memArticles) GetByURL(ctx context.Context, url string) (*article.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[url]
	if !ok {
		return nil, sql.ErrNoRows
	}
	c := *a
	return &c, nil
}

func (m *memArticles) ListUnembedded(ctx context.Context, afterID int64, limit int) ([]article.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []article.Article
	for _, a := range m.articles {
		if !a.IsEmbedded && a.ID > afterID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memArticles) Upsert(ctx context.Context, a *article.Article) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	c := *a
	if prev, ok := m.articles[a.URL]; ok {
		c.ID = prev.ID
		c.ProcessingMetadata = prev.ProcessingMetadata
		c.ChunkCount = prev.ChunkCount
	} else {
		m.nextID++
		c.ID = m.nextID
	}
	c.IsProcessed, c.IsChunked, c.IsEmbedded = false, false, false
	c.LastUpdated = time.Now()
	m.articles[a.URL] = &c
	a.ID = c.ID
	return nil
}

func (m *memArticles) ReplaceImages(ctx context.Context, url string, images []article.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[url] = images
	m.articles[url].ImageCount = len(images)
	return nil
}

func (m *memArticles) StaleChunkIDs(ctx context.Context, url string, fromIndex int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, c := range m.chunks[url] {
		if c.ChunkIndex >= fromIndex {
			ids = append(ids, c.ChunkID)
		}
	}
	return ids, nil
}

func (m *memArticles) ReplaceChunks(ctx context.Context, url string, chunks []article.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := map[string]article.Chunk{}
	for _, c := range m.chunks[url] {
		prev[c.ChunkID] = c
	}
	next := make([]article.Chunk, len(chunks))
	for i, c := range chunks {
		if p, ok := prev[c.ChunkID]; ok && p.ContentHash == c.ContentHash {
			c.IsEmbedded = p.IsEmbedded
			c.VectorIndexID = p.VectorIndexID
		}
		next[i] = c
	}
	m.chunks[url] = next
	m.articles[url].IsChunked = true
	m.articles[url].ChunkCount = len(chunks)
	return nil
}

func (m *memArticles) PendingChunks(ctx context.Context, url string) ([]article.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []article.Chunk
	for _, c := range m.chunks[url] {
		if !c.IsEmbedded {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memArticles) MarkChunksEmbedded(ctx context.Context, chunkIDs, vectorIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[string]string{}
	for i, id := range chunkIDs {
		want[id] = vectorIDs[i]
	}
	for url, cs := range m.chunks {
		for i := range cs {
			if vid, ok := want[cs[i].ChunkID]; ok {
				cs[i].IsEmbedded = true
				cs[i].VectorIndexID = vid
			}
		}
		m.chunks[url] = cs
	}
	return nil
}

func (m *memArticles) MarkArticleEmbedded(ctx context.Context, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chunks[url] {
		if !c.IsEmbedded {
			return false, nil
		}
	}
	a, ok := m.articles[url]
	if !ok {
		return false, nil
	}
	a.IsEmbedded, a.IsProcessed = true, true
	delete(a.ProcessingMetadata, "last_error")
	delete(a.ProcessingMetadata, "failed_stage")
	return true, nil
}

func (m *memArticles) RecordFailure(ctx context.Context, url string, meta map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[url]
	if !ok {
		return nil
	}
	if a.ProcessingMetadata == nil {
		a.ProcessingMetadata = map[string]interface{}{}
	}
	for k, v := range meta {
		a.ProcessingMetadata[k] = v
	}
	return nil
}

func (m *memArticles) get(url string) article.Article {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.articles[url]
}

func (m *memArticles) has(url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.articles[url]
	return ok
}

func (m *memArticles) chunkIDs(url string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, c := range m.chunks[url] {
		ids = append(ids, c.ChunkID)
	}
	return ids
}

func (m *memArticles) chunkList(url string) []article.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]article.Chunk(nil), m.chunks[url]...)
}

type memRuns struct {
	mu   sync.Mutex
	logs map[string]*run.Log
	last string
}

func newMemRuns() *memRuns {
	return &memRuns{logs: map[string]*run.Log{}}
}

func (m *memRuns) Create(ctx context.Context, runID string) (*run.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := &run.Log{RunID: runID, Status: run.StatusRunning, StartedAt: time.Now()}
	m.logs[runID] = l
	m.last = runID
	return l, nil
}

func (m *memRuns) Increment(ctx context.Context, runID string, d run.Counts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.logs[runID]
	if l == nil || l.Status != run.StatusRunning {
		return errors.New("no running log")
	}
	l.ArticlesFound += d.Found
	l.ArticlesNew += d.New
	l.ArticlesUpdated += d.Updated
	l.ArticlesFailed += d.Failed
	return nil
}

func (m *memRuns) Finalize(ctx context.Context, runID string, f run.Final) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.logs[runID]
	if l == nil || l.Status != run.StatusRunning {
		return run.ErrAlreadyFinal
	}
	now := time.Now()
	l.Status = f.Status
	l.CompletedAt = &now
	l.ArticlesFound = f.Counts.Found
	l.ArticlesNew = f.Counts.New
	l.ArticlesUpdated = f.Counts.Updated
	l.ArticlesFailed = f.Counts.Failed
	l.ErrorMessage = f.ErrorMessage
	l.Details = f.Details
	return nil
}

func (m *memRuns) latest() run.Log {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.logs[m.last]
}

type memVectors struct {
	mu      sync.Mutex
	records map[string]vector.Record
	upserts int
	deletes []string
	failN   int
	failErr error
}

func newMemVectors() *memVectors {
	return &memVectors{records: map[string]vector.Record{}}
}

func (m *memVectors) Upsert(ctx context.Context, records ...vector.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failN > 0 {
		m.failN--
		return m.failErr
	}
	for _, r := range records {
		m.records[r.ChunkID] = r
		m.upserts++
	}
	return nil
}

func (m *memVectors) Delete(ctx context.Context, chunkIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range chunkIDs {
		delete(m.records, id)
		m.deletes = append(m.deletes, id)
	}
	return nil
}

func (m *memVectors) writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts + len(m.deletes)
}

func (m *memVectors) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// memEmbedder returns a 2-dimensional vector per text. failFor decides
// per call whether to fail.
type memEmbedder struct {
	mu      sync.Mutex
	calls   int
	texts   []string
	failFor func(texts []string) error
}

func (m *memEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls++
	failFor := m.failFor
	m.mu.Unlock()

	if failFor != nil {
		if err := failFor(texts); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.texts = append(m.texts, texts...)
	m.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func (m *memEmbedder) embedded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

type memSource struct {
	mu      sync.Mutex
	entries []feed.Entry
	err     error
	onFetch func()
}

func (m *memSource) Fetch(ctx context.Context, max int) ([]feed.Entry, error) {
	if m.onFetch != nil {
		m.onFetch()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := append([]feed.Entry(nil), m.entries...)
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (m *memSource) set(entries ...feed.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = entries
}

type memFailures struct {
	mu     sync.Mutex
	stages []string
}

func (m *memFailures) Record(ctx context.Context, runID, articleURL, stage string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, stage)
}

func (m *memFailures) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stages)
}

// brokenFinalize is a run store whose terminal write always fails.
type brokenFinalize struct {
	*memRuns
	err error
}

func (b *brokenFinalize) Finalize(ctx context.Context, runID string, f run.Final) error {
	return b.err
}
