package article

import (
	"context"
	"time"
)

// Article is one feed entry. URL is its identity and never changes once the
// row exists.
type Article struct {
	ID                 int64                  `json:"id"`
	URL                string                 `json:"url"`
	GUID               string                 `json:"guid"`
	Title              string                 `json:"title"`
	Description        string                 `json:"description,omitempty"`
	Author             string                 `json:"author,omitempty"`
	HTMLContent        string                 `json:"-"`
	RawText            string                 `json:"raw_text,omitempty"`
	ContentHash        string                 `json:"content_hash"`
	FeaturedImageURL   string                 `json:"featured_image_url,omitempty"`
	PublishedDate      *time.Time             `json:"published_date,omitempty"`
	FetchedDate        time.Time              `json:"fetched_date"`
	LastUpdated        time.Time              `json:"last_updated"`
	IsProcessed        bool                   `json:"is_processed"`
	IsChunked          bool                   `json:"is_chunked"`
	IsEmbedded         bool                   `json:"is_embedded"`
	ProcessingMetadata map[string]interface{} `json:"processing_metadata,omitempty"`
	ContentLength      int                    `json:"content_length"`
	ChunkCount         int                    `json:"chunk_count"`
	ImageCount         int                    `json:"image_count"`
}

type Chunk struct {
	ArticleURL    string    `json:"article_url"`
	ChunkID       string    `json:"chunk_id"`
	VectorIndexID string    `json:"vector_index_id,omitempty"`
	TextContent   string    `json:"text_content"`
	ContentHash   string    `json:"content_hash"`
	ChunkIndex    int       `json:"chunk_index"`
	ChunkSize     int       `json:"chunk_size"`
	StartPosition int       `json:"start_position"`
	EndPosition   int       `json:"end_position"`
	IsEmbedded    bool      `json:"is_embedded"`
	CreatedDate   time.Time `json:"created_date"`
}

type Image struct {
	ArticleURL    string `json:"article_url"`
	ImageURL      string `json:"image_url"`
	AltText       string `json:"alt_text,omitempty"`
	Caption       string `json:"caption,omitempty"`
	Width         *int   `json:"width,omitempty"`
	Height        *int   `json:"height,omitempty"`
	PositionIndex int    `json:"position_index"`
}

// ChunkHit is a chunk joined to the article fields needed for citation.
type ChunkHit struct {
	ChunkID       string
	ArticleURL    string
	ChunkIndex    int
	TextContent   string
	Title         string
	PublishedDate *time.Time
	Score         float64
}

// Filter narrows chunk searches. Zero values match everything. Both date
// bounds are inclusive; articles without a publish date never match a date
// bound.
type Filter struct {
	PublishedAfter  *time.Time
	PublishedBefore *time.Time
	ArticleURLs     []string
}

// Matches reports whether a hit satisfies f.
func (f Filter) Matches(h ChunkHit) bool {
	if len(f.ArticleURLs) > 0 {
		found := false
		for _, u := range f.ArticleURLs {
			if u == h.ArticleURL {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.PublishedAfter != nil || f.PublishedBefore != nil {
		if h.PublishedDate == nil {
			return false
		}
		if f.PublishedAfter != nil && h.PublishedDate.Before(*f.PublishedAfter) {
			return false
		}
		if f.PublishedBefore != nil && h.PublishedDate.After(*f.PublishedBefore) {
			return false
		}
	}
	return true
}

// Reader is the read side used by the HTTP and MCP surfaces.
type Reader interface {
	Get(ctx context.Context, id int64) (*Article, error)
	GetByURL(ctx context.Context, url string) (*Article, error)
	List(ctx context.Context, limit, offset int) ([]Article, error)
	ListChunks(ctx context.Context, articleURL string) ([]Chunk, error)
	Count(ctx context.Context) (int, error)
}
