package retrieval

import (
	"context"
	"fmt"

	"github.com/kalambet/ferret/internal/engine"
	"golang.org/x/sync/errgroup"
)

// Embedder binds an engine.Embedder to one embedding model.
type Embedder struct {
	backend engine.Embedder
	model   string
}

func NewEmbedder(backend engine.Embedder, model string) *Embedder {
	return &Embedder{backend: backend, model: model}
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.backend.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding text: backend returned an empty vector")
	}
	return vec, nil
}

// EmbedBatch embeds texts with at most four requests in flight. Results are
// in input order. Empty input returns nil, nil.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
