package engine

import (
	"context"

	"github.com/kalambet/ferret/internal/openai"
)

// OpenAIEngine adapts openai.Client to Engine.
type OpenAIEngine struct {
	client *openai.Client
	model  string
}

func NewOpenAIEngine(apiKey, baseURL, model string) *OpenAIEngine {
	return &OpenAIEngine{client: openai.NewClient(apiKey, baseURL), model: model}
}

func (e *OpenAIEngine) Name() string { return "openai" }

func (e *OpenAIEngine) Generate(ctx context.Context, messages []Message, opts Options) (Completion, error) {
	req := openai.ChatRequest{
		Model:     e.model,
		Messages:  make([]openai.Message, len(messages)),
		MaxTokens: opts.MaxTokens,
	}
	for i, m := range messages {
		req.Messages[i] = openai.Message{Role: m.Role, Content: m.Content}
	}
	temp := opts.Temperature
	req.Temperature = &temp
	if opts.JSON {
		req.ResponseFormat = &openai.ResponseFormat{Type: "json_object"}
	}

	resp, err := e.client.Chat(ctx, req)
	if err != nil {
		return Completion{}, err
	}

	tokens := resp.Usage.TotalTokens
	if tokens == 0 {
		tokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	model := resp.Model
	if model == "" {
		model = e.model
	}
	return Completion{Text: resp.Content(), TokensUsed: tokens, Model: model}, nil
}

func (e *OpenAIEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return e.client.Embed(ctx, model, text)
}

func (e *OpenAIEngine) IsRunning(ctx context.Context) bool {
	return e.client.Ping(ctx)
}
