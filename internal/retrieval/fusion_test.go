package retrieval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bbgodb/features/article"
)

func hit(id string, published *time.Time) article.ChunkHit {
	return article.ChunkHit{ChunkID: id, ArticleURL: "https://example.com/" + id, PublishedDate: published}
}

func TestFuse_TopOfEachListTieBrokenByDenseScore(t *testing.T) {
	dense := []candidate{{hit: hit("d1", nil), score: 0.9}}
	lexical := []candidate{{hit: hit("l1", nil), score: 0.8}}

	got := fuse(dense, lexical, 60, 10)

	require.Len(t, got, 2)
	assert.InDelta(t, 1.0/61, got[0].Score, 1e-12)
	assert.InDelta(t, 1.0/61, got[1].Score, 1e-12)
	assert.Equal(t, "d1", got[0].ChunkID)
	assert.Equal(t, "l1", got[1].ChunkID)
	assert.Nil(t, got[1].DenseScore)
	require.NotNil(t, got[1].LexicalScore)
	assert.Equal(t, 0.8, *got[1].LexicalScore)
}

func TestFuse_SumsContributionsAcrossLists(t *testing.T) {
	dense := []candidate{{hit: hit("a", nil), score: 0.9}, {hit: hit("b", nil), score: 0.8}}
	lexical := []candidate{{hit: hit("b", nil), score: 0.5}, {hit: hit("c", nil), score: 0.4}}

	got := fuse(dense, lexical, 60, 0)

	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].ChunkID)
	assert.InDelta(t, 1.0/62+1.0/61, got[0].Score, 1e-12)
	assert.Equal(t, "a", got[1].ChunkID)
	assert.Equal(t, "c", got[2].ChunkID)
}

func TestFuse_TieBreakByPublishDateThenChunkID(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(24 * time.Hour)

	// Two lexical-only hits at different ranks cannot tie, so use two lists
	// placing each pair at the same rank.
	dense := []candidate{{hit: hit("x", &older), score: 0.5}}
	lexical := []candidate{{hit: hit("y", &newer), score: 0.5}}
	got := fuse(dense, lexical, 60, 0)
	// x has a dense score, y does not: dense score wins before dates.
	assert.Equal(t, []string{"x", "y"}, ids(got))

	a := &fused{hit: hit("a", &older), rrf: 0.1}
	b := &fused{hit: hit("b", &newer), rrf: 0.1}
	assert.True(t, less(b, a), "newer article first")

	c := &fused{hit: hit("c", nil), rrf: 0.1}
	assert.True(t, less(a, c), "dated before undated")

	d := &fused{hit: hit("d", &older), rrf: 0.1}
	assert.True(t, less(a, d), "chunk id ascending last")
	assert.False(t, less(d, a))
}

func TestFuse_TruncatesAndIsDeterministic(t *testing.T) {
	var dense, lexical []candidate
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		dense = append(dense, candidate{hit: hit(id, nil), score: 0.5})
	}
	for _, id := range []string{"e", "d", "f"} {
		lexical = append(lexical, candidate{hit: hit(id, nil), score: 0.5})
	}

	first := fuse(dense, lexical, 60, 3)
	require.Len(t, first, 3)
	for range 20 {
		assert.Equal(t, first, fuse(dense, lexical, 60, 3))
	}
}

func ids(rs []Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ChunkID
	}
	return out
}
