package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/ferret/internal/openai"
)

// DefaultOllamaURL is used for the ollama provider when no base URL is set.
const DefaultOllamaURL = "http://localhost:11434"

// DetectConfig selects a backend and its connection settings.
type DetectConfig struct {
	Provider       string
	BaseURL        string
	APIKey         string
	Model          string
	GeminiProject  string
	GeminiLocation string
}

// Detect builds the Engine for cfg.Provider.
func Detect(ctx context.Context, cfg DetectConfig) (Engine, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		return NewOpenAIEngine(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	case "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" || baseURL == openai.DefaultBaseURL {
			baseURL = DefaultOllamaURL
		}
		return NewOllamaEngine(baseURL, cfg.Model), nil
	case "gemini":
		e, err := NewGeminiEngine(ctx, cfg.GeminiProject, cfg.GeminiLocation, cfg.Model)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
