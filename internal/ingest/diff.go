package ingest

import (
	"time"

	"bbgodb/features/article"
	"bbgodb/internal/feed"
)

// classify compares a fetched entry, whose extracted text hashes to
// contentHash, with the stored article matched by guid or url.
func classify(e feed.Entry, contentHash string, existing *article.Article) Kind {
	if existing == nil {
		return KindNew
	}
	if existing.ContentHash != contentHash ||
		!sameTime(existing.PublishedDate, e.PublishedDate) ||
		existing.Title != e.Title ||
		existing.Description != e.Description ||
		existing.Author != e.Author {
		return KindUpdated
	}
	if existing.IsEmbedded {
		return KindUnchanged
	}
	return KindRetried
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
