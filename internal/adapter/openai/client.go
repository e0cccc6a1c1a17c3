// Package openai adapts the OpenAI API to the embedding and chat interfaces.
package openai

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sashabaranov/go-openai"

	"bbgodb/internal/apperr"
)

const (
	DefaultEmbeddingModel = string(openai.SmallEmbedding3)
	DefaultChatModel      = "gpt-4o-mini"
)

type Client struct {
	api        *openai.Client
	embedModel string
	chatModel  string
}

type Option func(*openai.ClientConfig)

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *openai.ClientConfig) { c.BaseURL = url }
}

func NewClient(apiKey, embedModel, chatModel string, opts ...Option) *Client {
	cfg := openai.DefaultConfig(apiKey)
	for _, o := range opts {
		o(&cfg)
	}
	if embedModel == "" {
		embedModel = DefaultEmbeddingModel
	}
	if chatModel == "" {
		chatModel = DefaultChatModel
	}
	return &Client{
		api:        openai.NewClientWithConfig(cfg),
		embedModel: embedModel,
		chatModel:  chatModel,
	}
}

// EmbedBatch returns one vector per text, in input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.embedModel),
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, apperr.Transient(fmt.Errorf("openai returned %d embeddings for %d texts", len(resp.Data), len(texts)))
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Complete runs a single system+user chat turn and returns the reply text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", apperr.Transient(errors.New("openai returned no choices"))
	}
	return resp.Choices[0].Message.Content, nil
}

func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apperr.FromHTTPStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return apperr.FromHTTPStatus(reqErr.HTTPStatusCode, err)
	}
	return err
}
