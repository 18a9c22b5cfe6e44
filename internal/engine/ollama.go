package engine

import (
	"context"
	"io"

	"github.com/kalambet/ferret/internal/ollama"
)

// OllamaEngine adapts ollama.Client to Engine.
type OllamaEngine struct {
	client *ollama.Client
	model  string
}

func NewOllamaEngine(baseURL, model string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL), model: model}
}

func (e *OllamaEngine) Name() string { return "ollama" }

func (e *OllamaEngine) Generate(ctx context.Context, messages []Message, opts Options) (Completion, error) {
	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	res, err := e.client.Chat(ctx, e.model, msgs, ollama.ChatOptions{
		Temperature: opts.Temperature,
		NumPredict:  opts.MaxTokens,
	}, opts.JSON)
	if err != nil {
		return Completion{}, err
	}

	tokens := res.TotalTokens()
	if tokens == 0 {
		var texts []string
		for _, m := range messages {
			texts = append(texts, m.Content)
		}
		tokens = EstimateTokens(append(texts, res.Content)...)
	}
	model := res.Model
	if model == "" {
		model = e.model
	}
	return Completion{Text: res.Content, TokensUsed: tokens, Model: model}, nil
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return e.client.Embed(ctx, model, text)
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

// Prepare pulls missing models and warms the chat model.
func (e *OllamaEngine) Prepare(ctx context.Context, embedModel string, w io.Writer) error {
	return ollama.EnsureReady(ctx, e.client, e.model, embedModel, w)
}
