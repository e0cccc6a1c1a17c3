package weaviate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	adapter "bbgodb/internal/adapter/weaviate"
	"bbgodb/internal/apperr"
	"bbgodb/internal/vector"
)

func mockWeaviate(t *testing.T, handler http.HandlerFunc) (*weaviate.Client, *httptest.Server) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/meta" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"version": "1.33.0"}`))
			return
		}
		handler(w, r)
	}))
	cfg := weaviate.Config{Host: ts.Listener.Addr().String(), Scheme: "http"}
	client, err := weaviate.NewClient(cfg)
	require.NoError(t, err)
	return client, ts
}

func TestStore_Upsert(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/batch/objects", r.URL.Path)
			assert.Equal(t, "POST", r.Method)

			var body struct {
				Objects []map[string]interface{} `json:"objects"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Len(t, body.Objects, 1)
			obj := body.Objects[0]
			assert.Equal(t, vector.ClassName, obj["class"])
			assert.Equal(t, vector.ObjectID("abc:0000"), obj["id"])
			props := obj["properties"].(map[string]interface{})
			assert.Equal(t, "abc:0000", props["chunkId"])
			assert.Equal(t, "https://x/a", props["articleUrl"])
			assert.Equal(t, "2024-03-02T09:30:00Z", props["publishedDate"])

			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode([]map[string]interface{}{{"id": obj["id"], "result": map[string]interface{}{}}})
		})
		defer ts.Close()

		published := time.Date(2024, 3, 2, 9, 30, 0, 0, time.UTC)
		err := adapter.NewStore(client).Upsert(context.Background(), vector.Record{
			ChunkID:       "abc:0000",
			ArticleURL:    "https://x/a",
			Content:       "text",
			PublishedDate: &published,
			Vector:        []float32{0.1, 0.2},
		})
		assert.NoError(t, err)
	})

	t.Run("Empty", func(t *testing.T) {
		client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("unexpected request %s", r.URL.Path)
		})
		defer ts.Close()

		assert.NoError(t, adapter.NewStore(client).Upsert(context.Background()))
	})

	t.Run("ServerErrorIsTransient", func(t *testing.T) {
		client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		defer ts.Close()

		err := adapter.NewStore(client).Upsert(context.Background(), vector.Record{ChunkID: "abc:0000", Vector: []float32{1}})
		require.Error(t, err)
		assert.ErrorIs(t, err, apperr.ErrTransientProvider)
	})

	t.Run("UnprocessableIsPermanent", func(t *testing.T) {
		client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"error":[{"message":"vector length mismatch"}]}`))
		})
		defer ts.Close()

		err := adapter.NewStore(client).Upsert(context.Background(), vector.Record{ChunkID: "abc:0000", Vector: []float32{1}})
		assert.ErrorIs(t, err, apperr.ErrPermanentProvider)
	})
}

func TestStore_Delete(t *testing.T) {
	client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batch/objects", r.URL.Path)
		assert.Equal(t, "DELETE", r.Method)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		match := body["match"].(map[string]interface{})
		assert.Equal(t, vector.ClassName, match["class"])

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{})
	})
	defer ts.Close()

	err := adapter.NewStore(client).Delete(context.Background(), "abc:0002", "abc:0003")
	assert.NoError(t, err)
}

func TestStore_SearchNearest(t *testing.T) {
	client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/graphql", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		query := body["query"].(string)
		assert.Contains(t, query, "nearVector")
		assert.Contains(t, query, "articleUrl")
		assert.Contains(t, query, "limit: 8")

		w.WriteHeader(http.StatusOK)
		resp := map[string]interface{}{
			"data": map[string]interface{}{
				"Get": map[string]interface{}{
					vector.ClassName: []interface{}{
						map[string]interface{}{
							"chunkId":     "abc:0001",
							"_additional": map[string]interface{}{"certainty": 0.93},
						},
						map[string]interface{}{
							"chunkId":     "abc:0000",
							"_additional": map[string]interface{}{"certainty": "0.81"},
						},
					},
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})
	defer ts.Close()

	matches, err := adapter.NewStore(client).SearchNearest(context.Background(), []float32{0.1, 0.2}, 8,
		vector.Filter{ArticleURLs: []string{"https://x/a"}})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "abc:0001", matches[0].ChunkID)
	assert.InDelta(t, 0.93, matches[0].Score, 1e-9)
	assert.InDelta(t, 0.81, matches[1].Score, 1e-9)
}

func TestStore_SearchNearest_DateBounds(t *testing.T) {
	var query string
	client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		query = body["query"].(string)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"Get": map[string]interface{}{vector.ClassName: []interface{}{}}},
		})
	})
	defer ts.Close()

	after := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	before := time.Date(2024, 3, 9, 23, 59, 59, 0, time.UTC)
	_, err := adapter.NewStore(client).SearchNearest(context.Background(), []float32{0.1}, 4, vector.Filter{
		ArticleURLs:     []string{"https://x/a", "https://x/b"},
		PublishedAfter:  &after,
		PublishedBefore: &before,
	})
	require.NoError(t, err)

	assert.Contains(t, query, "operator: And")
	assert.Contains(t, query, "operator: Or")
	assert.Contains(t, query, "operator: GreaterThanEqual")
	assert.Contains(t, query, "operator: LessThanEqual")
	assert.Contains(t, query, "publishedDate")
	assert.Contains(t, query, "2024-03-02T00:00:00Z")
	assert.Contains(t, query, "2024-03-09T23:59:59Z")
}

func TestStore_CountChunks(t *testing.T) {
	client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/graphql", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		resp := map[string]interface{}{
			"data": map[string]interface{}{
				"Aggregate": map[string]interface{}{
					vector.ClassName: []interface{}{
						map[string]interface{}{
							"meta": map[string]interface{}{
								"count": 42.0,
							},
						},
					},
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})
	defer ts.Close()

	count, err := adapter.NewStore(client).CountChunks(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 42, count)
}
