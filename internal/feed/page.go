package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	readability "github.com/go-shiori/go-readability"

	"bbgodb/internal/apperr"
)

const pageTimeout = 30 * time.Second

// ReadabilityFetcher downloads a page and keeps its main article content.
type ReadabilityFetcher struct {
	client *http.Client
}

func NewReadabilityFetcher(client *http.Client) *ReadabilityFetcher {
	if client == nil {
		client = &http.Client{Timeout: pageTimeout}
	}
	return &ReadabilityFetcher{client: client}
}

func (f *ReadabilityFetcher) FetchPage(ctx context.Context, pageURL string) (*Page, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, apperr.Invalid("bad page url %q", pageURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.FromHTTPStatus(resp.StatusCode, fmt.Errorf("page fetch returned %d", resp.StatusCode))
	}

	article, err := readability.FromReader(resp.Body, u)
	if err != nil {
		return nil, fmt.Errorf("readability extraction failed: %w", err)
	}
	return &Page{HTML: article.Content, Byline: article.Byline, Image: article.Image}, nil
}
