// Package generation turns retrieval results into a source-attributed context
// window and asks a chat model to answer from it.
package generation

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"bbgodb/internal/retrieval"
)

// Citation identifies the source behind one numbered context block.
type Citation struct {
	Index         int        `json:"index"`
	ChunkID       string     `json:"chunk_id"`
	Title         string     `json:"title"`
	URL           string     `json:"url"`
	PublishedDate *time.Time `json:"published_date,omitempty"`
}

type Window struct {
	Text      string
	Citations []Citation
}

// BuildContext renders results in rank order as numbered blocks:
//
//	[1] Title (url, 2006-01-02)
//	chunk text
//
// Blocks are added until the next one would exceed maxChars. The first block
// is always present, cut to maxChars if needed. maxChars <= 0 disables the cap.
// The same results always produce the same window.
func BuildContext(results []retrieval.Result, maxChars int) Window {
	var (
		sb  strings.Builder
		out Window
	)
	for i, r := range results {
		block := formatBlock(i+1, r)
		if maxChars > 0 && sb.Len()+len(block) > maxChars {
			if i > 0 {
				break
			}
			block = truncateBytes(block, maxChars)
		}
		sb.WriteString(block)
		out.Citations = append(out.Citations, Citation{
			Index:         i + 1,
			ChunkID:       r.ChunkID,
			Title:         r.Title,
			URL:           r.ArticleURL,
			PublishedDate: r.PublishedDate,
		})
	}
	out.Text = sb.String()
	return out
}

func formatBlock(n int, r retrieval.Result) string {
	source := r.ArticleURL
	if r.PublishedDate != nil {
		source += ", " + r.PublishedDate.UTC().Format(time.DateOnly)
	}
	title := r.Title
	if title == "" {
		title = "Untitled"
	}
	return fmt.Sprintf("[%d] %s (%s)\n%s\n\n", n, title, source, strings.TrimSpace(r.Content))
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
