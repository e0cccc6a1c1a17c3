package weaviate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bbgodb/internal/adapter/weaviate"
	"bbgodb/internal/testutils"
	"bbgodb/internal/vector"
)

func TestWeaviateStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t, testutils.WithWeaviate())
	s.Setup()
	defer s.Teardown()

	store := weaviate.NewStore(s.Weaviate)
	ctx := context.Background()

	require.NoError(t, store.EnsureSchema(ctx))

	records := []vector.Record{
		{ChunkID: "a:0000", ArticleURL: "https://x/a", ChunkIndex: 0, Content: "postgres", Vector: []float32{1, 0, 0}},
		{ChunkID: "a:0001", ArticleURL: "https://x/a", ChunkIndex: 1, Content: "weaviate", Vector: []float32{0, 1, 0}},
		{ChunkID: "b:0000", ArticleURL: "https://x/b", ChunkIndex: 0, Content: "redis", Vector: []float32{0, 0, 1}},
	}
	require.NoError(t, store.Upsert(ctx, records...))
	// Re-upserting the same chunk ids must not duplicate objects.
	require.NoError(t, store.Upsert(ctx, records...))

	count, err := store.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	matches, err := store.SearchNearest(ctx, []float32{1, 0.1, 0}, 2, vector.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "a:0000", matches[0].ChunkID)

	matches, err = store.SearchNearest(ctx, []float32{1, 0, 0}, 5, vector.Filter{ArticleURLs: []string{"https://x/b"}})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "b:0000", matches[0].ChunkID)

	require.NoError(t, store.Delete(ctx, "a:0001", "b:0000"))
	count, err = store.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
