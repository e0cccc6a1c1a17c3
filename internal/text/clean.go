package text

import (
	"regexp"
	"strings"
)

var (
	// WordPress and friends append these to every syndicated item.
	appearedFirstRe = regexp.MustCompile(`(?mi)^\s*the post .{1,300}? appeared first on .{1,200}?\.?\s*$`)
	readMoreRe      = regexp.MustCompile(`(?mi)^\s*(continue reading|read more)\b.{0,120}$`)
	spaceRunRe      = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	blankRunRe      = regexp.MustCompile(`\n{3,}`)
)

// CleanFeedText strips syndication boilerplate and normalizes whitespace so
// that cosmetic feed changes do not alter chunk boundaries.
func CleanFeedText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = appearedFirstRe.ReplaceAllString(s, "")
	s = readMoreRe.ReplaceAllString(s, "")
	s = spaceRunRe.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	s = blankRunRe.ReplaceAllString(s, "\n\n")

	return strings.TrimSpace(s)
}
