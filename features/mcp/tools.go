package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bbgodb/features/article"
	"bbgodb/internal/apperr"
	"bbgodb/internal/retrieval"
)

const (
	ToolSearch       = "bbgodb_search"
	ToolListArticles = "bbgodb_list_articles"
	ToolReadArticle  = "bbgodb_read_article"
)

type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type SearchArgs struct {
	Query           string   `json:"query"`
	K               *int     `json:"k,omitempty"`
	PublishedAfter  string   `json:"published_after,omitempty"`
	PublishedBefore string   `json:"published_before,omitempty"`
	URLs            []string `json:"urls,omitempty"`
}

type ListArticlesArgs struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

type ReadArticleArgs struct {
	URL string `json:"url"`
}

var tools = []Tool{
	{
		Name: ToolSearch,
		Description: `Hybrid search over ingested articles. Combines semantic (vector) and keyword (full-text) matches with rank fusion, so both paraphrases and exact terms such as product names or version numbers are found.

Optional filters narrow the candidates before ranking: a publish date range (RFC3339 or YYYY-MM-DD) and a list of article URLs.

USAGE EXAMPLES:
- bbgodb_search(query="kubernetes 1.31 release")
- bbgodb_search(query="rate limiting", k=5, published_after="2025-01-01")`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]string{
					"type":        "string",
					"description": "The search query",
				},
				"k": map[string]interface{}{
					"type":        "integer",
					"description": "Max results to return.",
					"minimum":     1,
					"maximum":     50,
				},
				"published_after": map[string]string{
					"type":        "string",
					"description": "Only articles published on or after this date",
				},
				"published_before": map[string]string{
					"type":        "string",
					"description": "Only articles published on or before this date",
				},
				"urls": map[string]interface{}{
					"type":        "array",
					"items":       map[string]string{"type": "string"},
					"description": "Restrict results to these article URLs",
				},
			},
			"required": []string{"query"},
		},
	},
	{
		Name: ToolListArticles,
		Description: `Lists ingested articles, newest first, with their URL, title and publish date. Use it to discover what is available before reading an article in full.

USAGE EXAMPLE:
bbgodb_list_articles(limit=20)`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"limit":  map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 100},
				"offset": map[string]interface{}{"type": "integer", "minimum": 0},
			},
		},
	},
	{
		Name: ToolReadArticle,
		Description: `Returns the full text of one article by URL, assembled from its chunks in order. Use it when a search snippet is not enough.

USAGE EXAMPLE:
bbgodb_read_article(url="https://example.com/posts/release-notes")`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]string{
					"type":        "string",
					"description": "The article URL",
				},
			},
			"required": []string{"url"},
		},
	},
}

func (h *Handler) callTool(ctx context.Context, id interface{}, params CallParams) *JSONRPCResponse {
	switch params.Name {
	case ToolSearch:
		var args SearchArgs
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return errorResponse(id, ErrInvalidParams, "Invalid search arguments")
		}
		return h.search(ctx, id, args)
	case ToolListArticles:
		var args ListArticlesArgs
		if len(params.Arguments) > 0 {
			if err := json.Unmarshal(params.Arguments, &args); err != nil {
				return errorResponse(id, ErrInvalidParams, "Invalid arguments")
			}
		}
		return h.listArticles(ctx, id, args)
	case ToolReadArticle:
		var args ReadArticleArgs
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return errorResponse(id, ErrInvalidParams, "Invalid arguments")
		}
		return h.readArticle(ctx, id, args)
	}

	slog.WarnContext(ctx, "tool not found", "tool", params.Name)
	return errorResponse(id, ErrMethodNotFound, "Method not found: "+params.Name)
}

func (h *Handler) search(ctx context.Context, id interface{}, args SearchArgs) *JSONRPCResponse {
	if args.Query == "" {
		return errorResponse(id, ErrInvalidParams, "Query is required")
	}
	k := h.defaultK(ctx)
	if args.K != nil {
		k = *args.K
	}

	q := retrieval.Query{Text: args.Query, K: k}
	var err error
	if q.Filters.PublishedAfter, err = parseDate(args.PublishedAfter, false); err != nil {
		return errorResponse(id, ErrInvalidParams, "published_after: "+err.Error())
	}
	if q.Filters.PublishedBefore, err = parseDate(args.PublishedBefore, true); err != nil {
		return errorResponse(id, ErrInvalidParams, "published_before: "+err.Error())
	}
	q.Filters.ArticleURLs = args.URLs

	resp, err := h.retriever.Retrieve(ctx, q)
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidParameter) {
			return errorResponse(id, ErrInvalidParams, err.Error())
		}
		slog.ErrorContext(ctx, "search failed", "error", err)
		return errorResponse(id, ErrInternal, "Search failed: "+err.Error())
	}

	var sb strings.Builder
	if resp.Degraded {
		fmt.Fprintf(&sb, "Warning: results are degraded (%v).\n\n", resp.Warning)
	}
	if len(resp.Results) == 0 {
		sb.WriteString("No results found.")
	} else {
		for i, res := range resp.Results {
			fmt.Fprintf(&sb, "Result %d (Score: %.4f):\n", i+1, res.Score)
			fmt.Fprintf(&sb, "Title: %s\nURL: %s\n", res.Title, res.ArticleURL)
			if res.PublishedDate != nil {
				fmt.Fprintf(&sb, "Published: %s\n", res.PublishedDate.Format(time.DateOnly))
			}
			fmt.Fprintf(&sb, "Content:\n%s\n\n---\n", res.Content)
		}
		fmt.Fprintf(&sb, "\nUse %s(url=\"...\") to read the full article.\n", ToolReadArticle)
	}

	slog.InfoContext(ctx, "tool execution completed", "tool", ToolSearch, "result_count", len(resp.Results), "degraded", resp.Degraded)
	return textResponse(id, sb.String(), false)
}

func (h *Handler) listArticles(ctx context.Context, id interface{}, args ListArticlesArgs) *JSONRPCResponse {
	limit := args.Limit
	if limit <= 0 {
		limit = 20
	}
	limit = min(limit, 100)
	if args.Offset < 0 {
		return errorResponse(id, ErrInvalidParams, "offset must not be negative")
	}

	articles, err := h.articles.List(ctx, limit, args.Offset)
	if err != nil {
		slog.ErrorContext(ctx, "list_articles failed", "error", err)
		return textResponse(id, "Error: "+err.Error(), true)
	}
	if len(articles) == 0 {
		return textResponse(id, "No articles found.", false)
	}

	type simpleArticle struct {
		URL       string     `json:"url"`
		Title     string     `json:"title"`
		Published *time.Time `json:"published_date,omitempty"`
		Chunks    int        `json:"chunks"`
	}
	out := make([]simpleArticle, len(articles))
	for i, a := range articles {
		out[i] = simpleArticle{URL: a.URL, Title: a.Title, Published: a.PublishedDate, Chunks: a.ChunkCount}
	}
	body, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return textResponse(id, "Error marshalling results", true)
	}
	return textResponse(id, string(body), false)
}

func (h *Handler) readArticle(ctx context.Context, id interface{}, args ReadArticleArgs) *JSONRPCResponse {
	if args.URL == "" {
		return errorResponse(id, ErrInvalidParams, "URL is required")
	}

	a, err := h.articles.GetByURL(ctx, args.URL)
	if errors.Is(err, sql.ErrNoRows) {
		return textResponse(id, "No article found for URL.", false)
	}
	if err != nil {
		slog.ErrorContext(ctx, "read_article failed", "error", err)
		return textResponse(id, "Error: "+err.Error(), true)
	}

	chunks, err := h.retriever.ArticleChunks(ctx, args.URL)
	if err != nil {
		slog.ErrorContext(ctx, "read_article failed", "error", err)
		return textResponse(id, "Error: "+err.Error(), true)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Article: %s\nURL: %s\n", a.Title, a.URL)
	if a.PublishedDate != nil {
		fmt.Fprintf(&sb, "Published: %s\n", a.PublishedDate.Format(time.DateOnly))
	}
	sb.WriteString("\n")
	sb.WriteString(joinChunks(chunks))

	slog.InfoContext(ctx, "tool execution completed", "tool", ToolReadArticle, "chunk_count", len(chunks))
	return textResponse(id, sb.String(), false)
}

// joinChunks rebuilds article text from overlapping chunks by skipping the
// part of each chunk that the previous one already covered.
func joinChunks(chunks []article.Chunk) string {
	var sb strings.Builder
	covered := 0
	for _, c := range chunks {
		text := []rune(c.TextContent)
		skip := covered - c.StartPosition
		if skip < 0 || c.EndPosition-c.StartPosition != len(text) {
			skip = 0
		}
		if skip >= len(text) {
			continue
		}
		sb.WriteString(string(text[skip:]))
		covered = max(covered, c.EndPosition)
	}
	return sb.String()
}

// parseDate accepts RFC3339 or YYYY-MM-DD. Bounds are inclusive, so a
// date-only upper bound covers the whole day.
func parseDate(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, errors.New("expected RFC3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
