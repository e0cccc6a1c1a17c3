package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"bbgodb/internal/apperr"
	"bbgodb/internal/settings"
)

const DefaultModel = "gemini-embedding-001"

var errNoAPIKey = apperr.Permanent(errors.New("gemini api key not configured"))

// DynamicEmbedder embeds through Gemini with the API key stored in settings,
// falling back to the configured key. A key change swaps the client.
type DynamicEmbedder struct {
	settingsSvc *settings.Service
	fallbackKey string
	model       string
	client      *genai.Client
	currentKey  string
	mu          sync.RWMutex
	clientOpts  []option.ClientOption
}

func NewDynamicEmbedder(svc *settings.Service, opts ...option.ClientOption) *DynamicEmbedder {
	return &DynamicEmbedder{
		settingsSvc: svc,
		model:       DefaultModel,
		clientOpts:  opts,
	}
}

func (e *DynamicEmbedder) WithModel(model string) *DynamicEmbedder {
	if model != "" {
		e.model = model
	}
	return e
}

func (e *DynamicEmbedder) WithFallbackKey(key string) *DynamicEmbedder {
	e.fallbackKey = key
	return e
}

// EmbedBatch embeds document chunks, one vector per text in input order.
func (e *DynamicEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.embed(ctx, genai.TaskTypeRetrievalDocument, texts)
}

// Embed embeds a search query.
func (e *DynamicEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embed(ctx, genai.TaskTypeRetrievalQuery, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *DynamicEmbedder) embed(ctx context.Context, task genai.TaskType, texts []string) ([][]float32, error) {
	key, err := e.apiKey(ctx)
	if err != nil {
		return nil, err
	}

	client, err := e.getClient(ctx, key)
	if err != nil {
		return nil, err
	}

	slog.DebugContext(ctx, "embedding content", "model", e.model, "count", len(texts))
	model := client.EmbeddingModel(e.model)
	model.TaskType = task
	batch := model.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	res, err := model.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, classify(err)
	}
	if len(res.Embeddings) != len(texts) {
		return nil, apperr.Transient(fmt.Errorf("gemini returned %d embeddings for %d texts", len(res.Embeddings), len(texts)))
	}

	out := make([][]float32, len(texts))
	for i, emb := range res.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, apperr.Transient(fmt.Errorf("empty embedding received at index %d", i))
		}
		out[i] = emb.Values
	}
	return out, nil
}

func (e *DynamicEmbedder) apiKey(ctx context.Context) (string, error) {
	s, err := e.settingsSvc.Get(ctx)
	if err != nil {
		if e.fallbackKey != "" {
			return e.fallbackKey, nil
		}
		return "", fmt.Errorf("failed to get settings: %w", err)
	}
	if s.GeminiAPIKey != "" {
		return s.GeminiAPIKey, nil
	}
	if e.fallbackKey != "" {
		return e.fallbackKey, nil
	}
	return "", errNoAPIKey
}

func (e *DynamicEmbedder) getClient(ctx context.Context, key string) (*genai.Client, error) {
	e.mu.RLock()
	if e.client != nil && e.currentKey == key {
		defer e.mu.RUnlock()
		return e.client, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double check
	if e.client != nil && e.currentKey == key {
		return e.client, nil
	}

	if e.client != nil {
		if err := e.client.Close(); err != nil {
			slog.Warn("failed to close previous genai client", "error", err)
		}
	}

	opts := append(append([]option.ClientOption{}, e.clientOpts...), option.WithAPIKey(key))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	e.client = client
	e.currentKey = key
	return client, nil
}

func (e *DynamicEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}
