// Package cache memoizes query embeddings in process or in Redis.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is a best-effort key/value store for vectors. Misses and failures
// look the same to callers.
type Store interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vec []float32)
}

// Embedder serves repeated queries from a Store before calling the provider.
type Embedder struct {
	next      QueryEmbedder
	store     Store
	namespace string
}

// NewEmbedder wraps next. namespace should identify the provider and model so
// vectors from different models never mix.
func NewEmbedder(next QueryEmbedder, store Store, namespace string) *Embedder {
	return &Embedder{next: next, store: store, namespace: namespace}
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.key(text)
	if vec, ok := e.store.Get(ctx, key); ok {
		slog.DebugContext(ctx, "query embedding cache hit")
		return vec, nil
	}

	vec, err := e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.store.Set(ctx, key, vec)
	return vec, nil
}

func (e *Embedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "qemb:" + e.namespace + ":" + hex.EncodeToString(sum[:])
}

// LRU is an in-process Store with per-entry expiry.
type LRU struct {
	lru *expirable.LRU[string, []float32]
}

func NewLRU(size int, ttl time.Duration) *LRU {
	if size <= 0 {
		size = 1024
	}
	return &LRU{lru: expirable.NewLRU[string, []float32](size, nil, ttl)}
}

func (l *LRU) Get(_ context.Context, key string) ([]float32, bool) {
	return l.lru.Get(key)
}

func (l *LRU) Set(_ context.Context, key string, vec []float32) {
	l.lru.Add(key, vec)
}

func (l *LRU) Len() int {
	return l.lru.Len()
}
