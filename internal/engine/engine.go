// Package engine abstracts the LLM backends ferret can generate and embed
// with. Consumers depend on Generator and Embedder, never on a concrete
// provider client.
package engine

import "context"

// Generator produces a chat completion. The model is fixed when the engine is
// constructed.
type Generator interface {
	Generate(ctx context.Context, messages []Message, opts Options) (Completion, error)
}

// Embedder returns the embedding vector for text using the given model.
type Embedder interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Engine is a full backend: generation, embeddings and a liveness probe.
type Engine interface {
	Generator
	Embedder

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool

	// Name identifies the provider in logs and status output.
	Name() string
}
