// Package cohere embeds text with the Cohere Embed v2 API.
package cohere

import (
	"context"
	"errors"
	"fmt"

	cohere "github.com/cohere-ai/cohere-go/v2"
	cohereclient "github.com/cohere-ai/cohere-go/v2/client"
	"github.com/cohere-ai/cohere-go/v2/core"

	"bbgodb/internal/apperr"
)

const DefaultModel = "embed-english-v3.0"

type embedFunc func(ctx context.Context, req *cohere.V2EmbedRequest) (*cohere.EmbedByTypeResponse, error)

type Embedder struct {
	embed embedFunc
	model string
}

func NewEmbedder(apiKey, model string) *Embedder {
	client := cohereclient.NewClient(cohereclient.WithToken(apiKey))
	return newEmbedder(func(ctx context.Context, req *cohere.V2EmbedRequest) (*cohere.EmbedByTypeResponse, error) {
		return client.V2.Embed(ctx, req)
	}, model)
}

func newEmbedder(fn embedFunc, model string) *Embedder {
	if model == "" {
		model = DefaultModel
	}
	return &Embedder{embed: fn, model: model}
}

func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.run(ctx, cohere.EmbedInputTypeSearchDocument, texts)
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.run(ctx, cohere.EmbedInputTypeSearchQuery, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *Embedder) run(ctx context.Context, input cohere.EmbedInputType, texts []string) ([][]float32, error) {
	resp, err := e.embed(ctx, &cohere.V2EmbedRequest{
		Texts:          texts,
		Model:          e.model,
		InputType:      input,
		EmbeddingTypes: []cohere.EmbeddingType{cohere.EmbeddingTypeFloat},
	})
	if err != nil {
		return nil, fmt.Errorf("cohere embed error: %w", classify(err))
	}
	if resp == nil || resp.Embeddings == nil || resp.Embeddings.Float == nil {
		return nil, apperr.Transient(errors.New("cohere embed returned no float embeddings"))
	}

	floats := resp.Embeddings.Float
	if len(floats) != len(texts) {
		return nil, apperr.Transient(fmt.Errorf("cohere returned %d embeddings for %d texts", len(floats), len(texts)))
	}

	out := make([][]float32, len(floats))
	for i, vec := range floats {
		fv := make([]float32, len(vec))
		for j, v := range vec {
			fv[j] = float32(v)
		}
		out[i] = fv
	}
	return out, nil
}

func classify(err error) error {
	var apiErr *core.APIError
	if errors.As(err, &apiErr) {
		return apperr.FromHTTPStatus(apiErr.StatusCode, err)
	}
	return err
}
