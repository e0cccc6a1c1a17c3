// Package extract turns article HTML into plain text and an image list.
package extract

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"bbgodb/internal/text"
)

type Image struct {
	URL      string
	AltText  string
	Caption  string
	Width    *int
	Height   *int
	Position int
}

type Result struct {
	Text   string
	Images []Image
}

var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "header": true, "footer": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "li": true, "blockquote": true, "pre": true,
	"figure": true, "figcaption": true, "table": true, "tr": true, "hr": true,
}

var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "iframe": true, "svg": true, "form": true,
}

// HTML extracts text and images from an article body. Relative image URLs
// are resolved against baseURL.
func HTML(html, baseURL string) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	var b strings.Builder
	walk(doc.Selection, &b)

	return &Result{
		Text:   text.CleanFeedText(b.String()),
		Images: images(doc, baseURL),
	}, nil
}

func walk(s *goquery.Selection, b *strings.Builder) {
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		name := goquery.NodeName(c)
		switch {
		case name == "#text":
			b.WriteString(c.Text())
		case name == "br":
			b.WriteString("\n")
		case skipElements[name]:
		case blockElements[name]:
			b.WriteString("\n\n")
			walk(c, b)
			b.WriteString("\n\n")
		default:
			walk(c, b)
		}
	})
}

func images(doc *goquery.Document, baseURL string) []Image {
	base, _ := url.Parse(baseURL)
	seen := map[string]bool{}
	var out []Image

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src == "" {
			src = strings.TrimSpace(s.AttrOr("data-src", ""))
		}
		abs, ok := resolve(base, src)
		if !ok || seen[abs] {
			return
		}
		seen[abs] = true

		caption := ""
		if fig := s.Closest("figure"); fig.Length() > 0 {
			caption = strings.TrimSpace(fig.Find("figcaption").First().Text())
		}

		out = append(out, Image{
			URL:      abs,
			AltText:  strings.TrimSpace(s.AttrOr("alt", "")),
			Caption:  caption,
			Width:    dimension(s.AttrOr("width", "")),
			Height:   dimension(s.AttrOr("height", "")),
			Position: len(out),
		})
	})
	return out
}

func resolve(base *url.URL, src string) (string, bool) {
	if src == "" || strings.HasPrefix(src, "data:") {
		return "", false
	}
	u, err := url.Parse(src)
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}

func dimension(v string) *int {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(v), "px"))
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}
