// Package vector holds the types shared by the vector index backends and the
// Weaviate schema bootstrap.
package vector

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is one chunk embedding as written to the index.
type Record struct {
	ChunkID    string
	ArticleURL string
	ChunkIndex int
	Content    string
	// PublishedDate is the parent article's publish time, nil when the
	// feed gave none.
	PublishedDate *time.Time
	Vector        []float32
}

// Match is a nearest-neighbour hit. Score is a similarity in [0, 1].
type Match struct {
	ChunkID string
	Score   float64
}

// Filter restricts a nearest-neighbour search. Date bounds are inclusive;
// a set bound excludes chunks with no publish date.
type Filter struct {
	ArticleURLs     []string
	PublishedAfter  *time.Time
	PublishedBefore *time.Time
}

// Index is a chunk-keyed vector store. Upsert and Delete are idempotent by
// chunk id.
type Index interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, records ...Record) error
	Delete(ctx context.Context, chunkIDs ...string) error
	SearchNearest(ctx context.Context, vec []float32, topN int, filter Filter) ([]Match, error)
	CountChunks(ctx context.Context) (int, error)
}

var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("bbgodb:article-chunk"))

// ObjectID maps a chunk id onto the UUID used as the index object id.
func ObjectID(chunkID string) string {
	return uuid.NewSHA1(chunkNamespace, []byte(chunkID)).String()
}
