package article

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const articleColumns = `id, url, guid, title, description, author, raw_text, content_hash, featured_image_url,
	published_date, fetched_date, last_updated, is_processed, is_chunked, is_embedded, processing_metadata,
	content_length, chunk_count, image_count`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArticle(s rowScanner) (*Article, error) {
	a := &Article{}
	var published sql.NullTime
	var meta []byte
	err := s.Scan(&a.ID, &a.URL, &a.GUID, &a.Title, &a.Description, &a.Author, &a.RawText, &a.ContentHash,
		&a.FeaturedImageURL, &published, &a.FetchedDate, &a.LastUpdated, &a.IsProcessed, &a.IsChunked,
		&a.IsEmbedded, &meta, &a.ContentLength, &a.ChunkCount, &a.ImageCount)
	if err != nil {
		return nil, err
	}
	if published.Valid {
		t := published.Time
		a.PublishedDate = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.ProcessingMetadata); err != nil {
			return nil, fmt.Errorf("decode processing_metadata: %w", err)
		}
	}
	return a, nil
}

// FindExisting looks an article up by guid first, then by url. It returns
// nil without error when neither matches.
func (r *PostgresRepo) FindExisting(ctx context.Context, guid, url string) (*Article, error) {
	query := `SELECT ` + articleColumns + ` FROM articles
		WHERE guid = $1 OR url = $2
		ORDER BY (guid = $1) DESC
		LIMIT 1`
	a, err := scanArticle(r.db.QueryRowContext(ctx, query, guid, url))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (r *PostgresRepo) Get(ctx context.Context, id int64) (*Article, error) {
	query := `SELECT ` + articleColumns + ` FROM articles WHERE id = $1`
	return scanArticle(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepo) GetByURL(ctx context.Context, url string) (*Article, error) {
	query := `SELECT ` + articleColumns + ` FROM articles WHERE url = $1`
	return scanArticle(r.db.QueryRowContext(ctx, query, url))
}

func (r *PostgresRepo) List(ctx context.Context, limit, offset int) ([]Article, error) {
	query := `SELECT ` + articleColumns + ` FROM articles
		ORDER BY published_date DESC NULLS LAST, id DESC
		LIMIT $1 OFFSET $2`
	return r.queryArticles(ctx, query, limit, offset)
}

// ListUnembedded pages through articles that still have work outstanding,
// keyed on id so concurrent updates cannot shift the window.
func (r *PostgresRepo) ListUnembedded(ctx context.Context, afterID int64, limit int) ([]Article, error) {
	query := `SELECT ` + articleColumns + ` FROM articles
		WHERE is_embedded = FALSE AND id > $1
		ORDER BY id
		LIMIT $2`
	return r.queryArticles(ctx, query, afterID, limit)
}

func (r *PostgresRepo) queryArticles(ctx context.Context, query string, args ...interface{}) ([]Article, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var articles []Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, *a)
	}
	return articles, rows.Err()
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles`).Scan(&count)
	return count, err
}

// ChunkCounts returns the total number of chunks and how many of them are
// present in the vector index.
func (r *PostgresRepo) ChunkCounts(ctx context.Context) (total, embedded int, err error) {
	query := `SELECT COUNT(*), COUNT(*) FILTER (WHERE is_embedded) FROM article_chunks`
	err = r.db.QueryRowContext(ctx, query).Scan(&total, &embedded)
	return total, embedded, err
}

// Upsert writes the article keyed by url and resets the derived flags so the
// chunk and embed stages run again.
func (r *PostgresRepo) Upsert(ctx context.Context, a *Article) error {
	query := `
		INSERT INTO articles (url, guid, title, description, author, html_content, raw_text, content_hash,
			featured_image_url, published_date, content_length)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (url) DO UPDATE SET
			guid = EXCLUDED.guid,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			author = EXCLUDED.author,
			html_content = EXCLUDED.html_content,
			raw_text = EXCLUDED.raw_text,
			content_hash = EXCLUDED.content_hash,
			featured_image_url = EXCLUDED.featured_image_url,
			published_date = EXCLUDED.published_date,
			content_length = EXCLUDED.content_length,
			last_updated = NOW(),
			is_processed = FALSE,
			is_chunked = FALSE,
			is_embedded = FALSE
		RETURNING id`
	return r.db.QueryRowContext(ctx, query, a.URL, a.GUID, a.Title, a.Description, a.Author, a.HTMLContent,
		a.RawText, a.ContentHash, a.FeaturedImageURL, a.PublishedDate, a.ContentLength).Scan(&a.ID)
}

func (r *PostgresRepo) ReplaceImages(ctx context.Context, articleURL string, images []Image) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM article_images WHERE article_url = $1`, articleURL); err != nil {
		return err
	}
	for _, img := range images {
		query := `INSERT INTO article_images (article_url, image_url, alt_text, caption, width, height, position_index)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`
		if _, err := tx.ExecContext(ctx, query, articleURL, img.ImageURL, img.AltText, img.Caption, img.Width, img.Height, img.PositionIndex); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE articles SET image_count = $1 WHERE url = $2`, len(images), articleURL); err != nil {
		return err
	}
	return tx.Commit()
}

// StaleChunkIDs lists chunk ids at or beyond fromIndex, i.e. the chunks a
// re-chunk to fromIndex chunks will drop.
func (r *PostgresRepo) StaleChunkIDs(ctx context.Context, articleURL string, fromIndex int) ([]string, error) {
	query := `SELECT chunk_id FROM article_chunks WHERE article_url = $1 AND chunk_index >= $2 ORDER BY chunk_index`
	rows, err := r.db.QueryContext(ctx, query, articleURL, fromIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReplaceChunks makes the article's chunk rows equal to chunks in one
// transaction. A chunk whose content hash is unchanged keeps its embedded
// flag and vector id; any other chunk is marked for embedding.
func (r *PostgresRepo) ReplaceChunks(ctx context.Context, articleURL string, chunks []Chunk) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if len(chunks) > 0 {
		ids := make([]string, len(chunks))
		texts := make([]string, len(chunks))
		hashes := make([]string, len(chunks))
		indexes := make([]int64, len(chunks))
		sizes := make([]int64, len(chunks))
		starts := make([]int64, len(chunks))
		ends := make([]int64, len(chunks))
		for i, c := range chunks {
			ids[i] = c.ChunkID
			texts[i] = c.TextContent
			hashes[i] = c.ContentHash
			indexes[i] = int64(c.ChunkIndex)
			sizes[i] = int64(c.ChunkSize)
			starts[i] = int64(c.StartPosition)
			ends[i] = int64(c.EndPosition)
		}

		query := `
			INSERT INTO article_chunks (article_url, chunk_id, text_content, content_hash, chunk_index,
				chunk_size, start_position, end_position)
			SELECT $1::text, u.* FROM unnest($2::text[], $3::text[], $4::text[], $5::int[], $6::int[], $7::int[], $8::int[]) AS u
			ON CONFLICT (chunk_id) DO UPDATE SET
				text_content = EXCLUDED.text_content,
				chunk_index = EXCLUDED.chunk_index,
				chunk_size = EXCLUDED.chunk_size,
				start_position = EXCLUDED.start_position,
				end_position = EXCLUDED.end_position,
				is_embedded = article_chunks.is_embedded AND article_chunks.content_hash = EXCLUDED.content_hash,
				vector_index_id = CASE WHEN article_chunks.content_hash = EXCLUDED.content_hash
					THEN article_chunks.vector_index_id ELSE NULL END,
				content_hash = EXCLUDED.content_hash`
		_, err := tx.ExecContext(ctx, query, articleURL, pq.Array(ids), pq.Array(texts), pq.Array(hashes),
			pq.Array(indexes), pq.Array(sizes), pq.Array(starts), pq.Array(ends))
		if err != nil {
			return fmt.Errorf("upsert chunks: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM article_chunks WHERE article_url = $1 AND chunk_index >= $2`, articleURL, len(chunks)); err != nil {
		return fmt.Errorf("delete stale chunks: %w", err)
	}

	query := `UPDATE articles SET is_chunked = TRUE, chunk_count = $1, last_updated = NOW() WHERE url = $2`
	if _, err := tx.ExecContext(ctx, query, len(chunks), articleURL); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresRepo) ListChunks(ctx context.Context, articleURL string) ([]Chunk, error) {
	return r.queryChunks(ctx, `WHERE article_url = $1 ORDER BY chunk_index`, articleURL)
}

// PendingChunks returns the chunks not yet acknowledged by the vector index.
func (r *PostgresRepo) PendingChunks(ctx context.Context, articleURL string) ([]Chunk, error) {
	return r.queryChunks(ctx, `WHERE article_url = $1 AND is_embedded = FALSE ORDER BY chunk_index`, articleURL)
}

func (r *PostgresRepo) queryChunks(ctx context.Context, where string, args ...interface{}) ([]Chunk, error) {
	query := `SELECT article_url, chunk_id, COALESCE(vector_index_id, ''), text_content, content_hash, chunk_index,
		chunk_size, start_position, end_position, is_embedded, created_date
		FROM article_chunks ` + where
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ArticleURL, &c.ChunkID, &c.VectorIndexID, &c.TextContent, &c.ContentHash,
			&c.ChunkIndex, &c.ChunkSize, &c.StartPosition, &c.EndPosition, &c.IsEmbedded, &c.CreatedDate); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// MarkChunksEmbedded records vector ids for chunks the index acknowledged.
// chunkIDs and vectorIDs are parallel slices.
func (r *PostgresRepo) MarkChunksEmbedded(ctx context.Context, chunkIDs, vectorIDs []string) error {
	if len(chunkIDs) != len(vectorIDs) {
		return fmt.Errorf("mark chunks embedded: %d chunk ids but %d vector ids", len(chunkIDs), len(vectorIDs))
	}
	if len(chunkIDs) == 0 {
		return nil
	}
	query := `
		UPDATE article_chunks AS c
		SET is_embedded = TRUE, vector_index_id = v.vector_id
		FROM unnest($1::text[], $2::text[]) AS v(chunk_id, vector_id)
		WHERE c.chunk_id = v.chunk_id`
	_, err := r.db.ExecContext(ctx, query, pq.Array(chunkIDs), pq.Array(vectorIDs))
	return err
}

// MarkArticleEmbedded flips the article to embedded only when none of its
// chunks is pending. It reports whether the flag was set.
func (r *PostgresRepo) MarkArticleEmbedded(ctx context.Context, articleURL string) (bool, error) {
	query := `
		UPDATE articles
		SET is_embedded = TRUE, is_processed = TRUE, last_updated = NOW(),
			processing_metadata = processing_metadata - 'last_error' - 'failed_stage'
		WHERE url = $1
		AND NOT EXISTS (SELECT 1 FROM article_chunks WHERE article_url = $1 AND is_embedded = FALSE)`
	res, err := r.db.ExecContext(ctx, query, articleURL)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordFailure merges meta into the article's processing metadata.
func (r *PostgresRepo) RecordFailure(ctx context.Context, articleURL string, meta map[string]interface{}) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	query := `UPDATE articles SET processing_metadata = processing_metadata || $1::jsonb, last_updated = NOW() WHERE url = $2`
	_, err = r.db.ExecContext(ctx, query, string(payload), articleURL)
	return err
}

// SearchLexical runs a full-text query over chunk text and returns hits
// ordered by ts_rank_cd score, ties broken by chunk id.
func (r *PostgresRepo) SearchLexical(ctx context.Context, text string, limit int, f Filter) ([]ChunkHit, error) {
	query := `
		SELECT c.chunk_id, c.article_url, c.chunk_index, c.text_content, a.title, a.published_date,
			ts_rank_cd(c.search_vector, q, 32) AS score
		FROM article_chunks c
		JOIN articles a ON a.url = c.article_url
		CROSS JOIN websearch_to_tsquery('english', $1) AS q
		WHERE c.search_vector @@ q
		AND ($2::timestamptz IS NULL OR a.published_date >= $2)
		AND ($3::timestamptz IS NULL OR a.published_date <= $3)
		AND (COALESCE(cardinality($4::text[]), 0) = 0 OR c.article_url = ANY($4::text[]))
		ORDER BY score DESC, c.chunk_id ASC
		LIMIT $5`
	return r.queryHits(ctx, query, text, f.PublishedAfter, f.PublishedBefore, pq.Array(f.ArticleURLs), limit)
}

// ChunkHits loads citation data for the given chunk ids. Ids with no row are
// absent from the result; order is unspecified.
func (r *PostgresRepo) ChunkHits(ctx context.Context, chunkIDs []string) ([]ChunkHit, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT c.chunk_id, c.article_url, c.chunk_index, c.text_content, a.title, a.published_date, 0::float8
		FROM article_chunks c
		JOIN articles a ON a.url = c.article_url
		WHERE c.chunk_id = ANY($1::text[])`
	return r.queryHits(ctx, query, pq.Array(chunkIDs))
}

func (r *PostgresRepo) queryHits(ctx context.Context, query string, args ...interface{}) ([]ChunkHit, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []ChunkHit
	for rows.Next() {
		var h ChunkHit
		var published sql.NullTime
		if err := rows.Scan(&h.ChunkID, &h.ArticleURL, &h.ChunkIndex, &h.TextContent, &h.Title, &published, &h.Score); err != nil {
			return nil, err
		}
		if published.Valid {
			t := published.Time
			h.PublishedDate = &t
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
