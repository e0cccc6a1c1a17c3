package vector_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"bbgodb/internal/vector"

	"github.com/stretchr/testify/assert"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

func TestWeaviateSchema_ClassExists(t *testing.T) {
	t.Run("Exists", func(t *testing.T) {
		adapter, closeFn := newTestSchema(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/schema/ArticleChunk", r.URL.Path)
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(&models.Class{Class: "ArticleChunk"})
		})
		defer closeFn()

		exists, err := adapter.ClassExists(context.Background(), "ArticleChunk")
		assert.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("NotFound", func(t *testing.T) {
		adapter, closeFn := newTestSchema(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		defer closeFn()

		exists, err := adapter.ClassExists(context.Background(), "ArticleChunk")
		assert.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestWeaviateSchema_CreateClass(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		adapter, closeFn := newTestSchema(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/schema", r.URL.Path)
			assert.Equal(t, "POST", r.Method)
			w.WriteHeader(http.StatusOK)
		})
		defer closeFn()

		err := adapter.CreateClass(context.Background(), &models.Class{Class: "ArticleChunk"})
		assert.NoError(t, err)
	})
}

func TestWeaviateSchema_GetClass(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		adapter, closeFn := newTestSchema(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/schema/ArticleChunk", r.URL.Path)
			assert.Equal(t, "GET", r.Method)
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(&models.Class{Class: "ArticleChunk"})
		})
		defer closeFn()

		class, err := adapter.GetClass(context.Background(), "ArticleChunk")
		assert.NoError(t, err)
		assert.NotNil(t, class)
		assert.Equal(t, "ArticleChunk", class.Class)
	})
}

func TestWeaviateSchema_AddProperty(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		adapter, closeFn := newTestSchema(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/schema/ArticleChunk/properties", r.URL.Path)
			assert.Equal(t, "POST", r.Method)
			w.WriteHeader(http.StatusOK)
		})
		defer closeFn()

		prop := &models.Property{
			Name:     "articleUrl",
			DataType: []string{"string"},
		}
		err := adapter.AddProperty(context.Background(), "ArticleChunk", prop)
		assert.NoError(t, err)
	})
}

func newTestSchema(t *testing.T, handler http.HandlerFunc) (*vector.WeaviateSchema, func()) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/meta" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"version": "1.33.0"}`))
			return
		}
		handler(w, r)
	}))
	client, err := weaviate.NewClient(weaviate.Config{Host: ts.Listener.Addr().String(), Scheme: "http"})
	if err != nil {
		t.Fatal(err)
	}
	return vector.NewWeaviateSchema(client), ts.Close
}

func TestWeaviateSchema_DeleteClass(t *testing.T) {
	adapter, closeFn := newTestSchema(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/schema/ArticleChunk", r.URL.Path)
		assert.Equal(t, "DELETE", r.Method)
		w.WriteHeader(http.StatusOK)
	})
	defer closeFn()

	assert.NoError(t, adapter.DeleteClass(context.Background(), "ArticleChunk"))
}
