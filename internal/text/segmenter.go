package text

import (
	"fmt"
	"unicode"

	"bbgodb/internal/apperr"
)

// DefaultSnapFraction is the share of a window, measured back from its end,
// searched for a whitespace boundary.
const DefaultSnapFraction = 0.1

// Segment is one window of the source text. Start and End are rune offsets,
// End exclusive.
type Segment struct {
	Text  string
	Start int
	End   int
}

// Segmenter splits text into overlapping windows of at most ChunkSize runes.
type Segmenter struct {
	ChunkSize    int
	Overlap      int
	SnapFraction float64
}

// Split segments text with the default snap fraction.
func Split(text string, chunkSize, overlap int) ([]Segment, error) {
	return Segmenter{ChunkSize: chunkSize, Overlap: overlap, SnapFraction: DefaultSnapFraction}.Split(text)
}

func (s Segmenter) Validate() error {
	if s.ChunkSize <= 0 {
		return apperr.Invalid("chunk size must be positive, got %d", s.ChunkSize)
	}
	if s.Overlap < 0 || s.Overlap >= s.ChunkSize {
		return apperr.Invalid("overlap must be in [0, %d), got %d", s.ChunkSize, s.Overlap)
	}
	if s.SnapFraction < 0 || s.SnapFraction >= 1 {
		return apperr.Invalid("snap fraction must be in [0, 1), got %v", s.SnapFraction)
	}
	return nil
}

// Split advances a window of ChunkSize runes with a stride of
// ChunkSize-Overlap. Non-final window ends snap back to the nearest
// whitespace inside the last SnapFraction of the window. The window that
// reaches the end of the text is clipped, and one trailing window starting
// Overlap runes before the end is emitted when it still advances.
//
// Consecutive segments overlap by exactly Overlap runes, so identical input
// always yields identical segments.
func (s Segmenter) Split(text string) ([]Segment, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil, nil
	}
	if n <= s.ChunkSize {
		return []Segment{{Text: text, Start: 0, End: n}}, nil
	}

	lookback := int(float64(s.ChunkSize) * s.SnapFraction)
	segments := make([]Segment, 0, n/(s.ChunkSize-s.Overlap)+2)

	start := 0
	for {
		end := start + s.ChunkSize
		if end >= n {
			end = n
		} else if snapped := snapBack(runes, start, end, lookback); snapped-s.Overlap > start {
			end = snapped
		}

		segments = append(segments, Segment{
			Text:  string(runes[start:end]),
			Start: start,
			End:   end,
		})

		next := end - s.Overlap
		if end == n && (next <= start || next >= n) {
			break
		}
		if next <= start {
			// unreachable with a validated config
			return nil, fmt.Errorf("segmenter stalled at offset %d", start)
		}
		start = next
	}

	return segments, nil
}

// snapBack returns the offset just after the last whitespace rune in
// (end-lookback, end], or end if there is none.
func snapBack(runes []rune, start, end, lookback int) int {
	for j := end; j > end-lookback && j > start+1; j-- {
		if unicode.IsSpace(runes[j-1]) {
			return j
		}
	}
	return end
}
