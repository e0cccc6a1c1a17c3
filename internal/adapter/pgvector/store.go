// Package pgvector is a vector index kept in the metadata database itself,
// for deployments that do not run Weaviate.
package pgvector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"bbgodb/internal/vector"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS chunk_embeddings (
			chunk_id TEXT PRIMARY KEY,
			object_id TEXT NOT NULL,
			article_url TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			published_date TIMESTAMPTZ,
			embedding vector NOT NULL
		)`,
		`ALTER TABLE chunk_embeddings ADD COLUMN IF NOT EXISTS published_date TIMESTAMPTZ`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_embeddings_article_url ON chunk_embeddings (article_url)`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_embeddings_published_date ON chunk_embeddings (published_date)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure pgvector schema: %w", err)
		}
	}
	return nil
}

func (s *Store) DropSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS chunk_embeddings`)
	return err
}

func (s *Store) Upsert(ctx context.Context, records ...vector.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO chunk_embeddings (chunk_id, object_id, article_url, chunk_index, content, published_date, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chunk_id) DO UPDATE SET
			article_url = EXCLUDED.article_url,
			chunk_index = EXCLUDED.chunk_index,
			content = EXCLUDED.content,
			published_date = EXCLUDED.published_date,
			embedding = EXCLUDED.embedding`
	for _, r := range records {
		_, err := tx.ExecContext(ctx, query, r.ChunkID, vector.ObjectID(r.ChunkID), r.ArticleURL, r.ChunkIndex,
			r.Content, nullTime(r.PublishedDate), pgvector.NewVector(r.Vector))
		if err != nil {
			return fmt.Errorf("upsert embedding %s: %w", r.ChunkID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Delete(ctx context.Context, chunkIDs ...string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunk_embeddings WHERE chunk_id = ANY($1::text[])`, pq.Array(chunkIDs))
	return err
}

// SearchNearest orders by cosine distance. The score maps distance [0, 2]
// onto [1, 0], the same scale Weaviate reports as certainty. Filters apply
// before the limit, so topN counts only eligible chunks.
func (s *Store) SearchNearest(ctx context.Context, vec []float32, topN int, filter vector.Filter) ([]vector.Match, error) {
	query := `
		SELECT chunk_id, 1 - (embedding <=> $1) / 2 AS score
		FROM chunk_embeddings
		WHERE (COALESCE(cardinality($2::text[]), 0) = 0 OR article_url = ANY($2::text[]))
			AND ($4::timestamptz IS NULL OR published_date >= $4)
			AND ($5::timestamptz IS NULL OR published_date <= $5)
		ORDER BY embedding <=> $1, chunk_id
		LIMIT $3`
	rows, err := s.db.QueryContext(ctx, query, pgvector.NewVector(vec), pq.Array(filter.ArticleURLs), topN,
		nullTime(filter.PublishedAfter), nullTime(filter.PublishedBefore))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []vector.Match
	for rows.Next() {
		var m vector.Match
		if err := rows.Scan(&m.ChunkID, &m.Score); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *Store) CountChunks(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_embeddings`).Scan(&count)
	return count, err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
