// Package feed reads syndication feeds into article entries.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"bbgodb/internal/apperr"
	"bbgodb/internal/text"
)

// Entry is one feed item normalized for ingestion.
type Entry struct {
	GUID             string
	URL              string
	Title            string
	Description      string
	Author           string
	HTMLContent      string
	FeaturedImageURL string
	PublishedDate    *time.Time
}

type Source interface {
	Fetch(ctx context.Context, max int) ([]Entry, error)
}

// PageFetcher supplies article HTML for entries whose feed item carries none.
type PageFetcher interface {
	FetchPage(ctx context.Context, pageURL string) (*Page, error)
}

type Page struct {
	HTML   string
	Byline string
	Image  string
}

type GofeedSource struct {
	feedURL string
	parser  *gofeed.Parser
	pages   PageFetcher
}

// NewGofeedSource reads feedURL. pages may be nil to skip enrichment.
func NewGofeedSource(feedURL string, client *http.Client, pages PageFetcher) *GofeedSource {
	parser := gofeed.NewParser()
	if client != nil {
		parser.Client = client
	}
	return &GofeedSource{feedURL: feedURL, parser: parser, pages: pages}
}

// Fetch returns at most max entries in feed order. Items without a link are
// skipped since the link is the article identity.
func (s *GofeedSource) Fetch(ctx context.Context, max int) ([]Entry, error) {
	if max <= 0 {
		return nil, apperr.Invalid("max must be positive, got %d", max)
	}

	f, err := s.parser.ParseURLWithContext(s.feedURL, ctx)
	if err != nil {
		// gofeed returns HTTPError by value.
		var httpErr gofeed.HTTPError
		if errors.As(err, &httpErr) {
			return nil, fmt.Errorf("failed to fetch feed: %w", apperr.FromHTTPStatus(httpErr.StatusCode, err))
		}
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}

	entries := make([]Entry, 0, min(len(f.Items), max))
	for _, item := range f.Items {
		if len(entries) == max {
			break
		}
		e, ok := toEntry(item)
		if !ok {
			slog.WarnContext(ctx, "skipping feed item without link", "title", item.Title)
			continue
		}
		if e.HTMLContent == "" && s.pages != nil {
			s.enrich(ctx, &e)
		}
		entries = append(entries, e)
	}

	slog.InfoContext(ctx, "feed fetched", "url", s.feedURL, "items", len(f.Items), "entries", len(entries))
	return entries, nil
}

func (s *GofeedSource) enrich(ctx context.Context, e *Entry) {
	page, err := s.pages.FetchPage(ctx, e.URL)
	if err != nil {
		slog.WarnContext(ctx, "page enrichment failed, using feed description", "url", e.URL, "error", err)
		e.HTMLContent = e.Description
		return
	}
	e.HTMLContent = page.HTML
	if e.Author == "" {
		e.Author = page.Byline
	}
	if e.FeaturedImageURL == "" {
		e.FeaturedImageURL = page.Image
	}
}

func toEntry(item *gofeed.Item) (Entry, bool) {
	link := strings.TrimSpace(item.Link)
	if link == "" {
		return Entry{}, false
	}

	guid := strings.TrimSpace(item.GUID)
	if guid == "" {
		guid = text.ContentHash(link)
	}

	var published *time.Time
	switch {
	case item.PublishedParsed != nil:
		t := item.PublishedParsed.UTC()
		published = &t
	case item.UpdatedParsed != nil:
		t := item.UpdatedParsed.UTC()
		published = &t
	}

	author := ""
	if item.Author != nil {
		author = item.Author.Name
	} else if len(item.Authors) > 0 && item.Authors[0] != nil {
		author = item.Authors[0].Name
	}

	return Entry{
		GUID:             guid,
		URL:              link,
		Title:            strings.TrimSpace(item.Title),
		Description:      strings.TrimSpace(item.Description),
		Author:           strings.TrimSpace(author),
		HTMLContent:      strings.TrimSpace(item.Content),
		FeaturedImageURL: imageURL(item),
		PublishedDate:    published,
	}, true
}

// imageURL picks Item.Image, then media:thumbnail, then media:content with
// medium=image, then an image enclosure. Only http(s) URLs qualify.
func imageURL(item *gofeed.Item) string {
	if item.Image != nil && isHTTPURL(item.Image.URL) {
		return item.Image.URL
	}

	if media, ok := item.Extensions["media"]; ok {
		for _, thumb := range media["thumbnail"] {
			if u := thumb.Attrs["url"]; isHTTPURL(u) {
				return u
			}
		}
		for _, c := range media["content"] {
			if c.Attrs["medium"] == "image" && isHTTPURL(c.Attrs["url"]) {
				return c.Attrs["url"]
			}
		}
	}

	for _, enc := range item.Enclosures {
		if strings.HasPrefix(enc.Type, "image/") && isHTTPURL(enc.URL) {
			return enc.URL
		}
	}
	return ""
}

func isHTTPURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
