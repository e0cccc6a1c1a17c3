package generation

import (
	"context"
	"fmt"
	"log/slog"

	"bbgodb/internal/retrieval"
)

const systemPrompt = `You answer questions about articles using only the numbered sources provided.
Cite sources inline as [n]. If the sources do not contain the answer, say so.`

// NoContextAnswer is returned without calling the model when retrieval finds nothing.
const NoContextAnswer = "No relevant articles were found for this question."

type ChatModel interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Response, error)
}

type Answer struct {
	Text      string     `json:"answer"`
	Citations []Citation `json:"citations"`
	Degraded  bool       `json:"degraded"`
	Warning   string     `json:"warning,omitempty"`
}

type Answerer struct {
	retriever Retriever
	model     ChatModel
	maxChars  int
}

func NewAnswerer(r Retriever, m ChatModel, maxChars int) *Answerer {
	return &Answerer{retriever: r, model: m, maxChars: maxChars}
}

// Answer retrieves the top k chunks for question and asks the model to answer
// from them. Retrieval degradation is passed through on the result.
func (a *Answerer) Answer(ctx context.Context, question string, k int) (*Answer, error) {
	resp, err := a.retriever.Retrieve(ctx, retrieval.Query{Text: question, K: k})
	if err != nil {
		return nil, err
	}

	out := &Answer{Degraded: resp.Degraded}
	if resp.Warning != nil {
		out.Warning = resp.Warning.Error()
	}
	if len(resp.Results) == 0 {
		out.Text = NoContextAnswer
		return out, nil
	}

	window := BuildContext(resp.Results, a.maxChars)
	user := fmt.Sprintf("Sources:\n\n%s\nQuestion: %s", window.Text, question)

	text, err := a.model.Complete(ctx, systemPrompt, user)
	if err != nil {
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}
	slog.InfoContext(ctx, "answer generated", "sources", len(window.Citations), "degraded", resp.Degraded)

	out.Text = text
	out.Citations = window.Citations
	return out, nil
}
