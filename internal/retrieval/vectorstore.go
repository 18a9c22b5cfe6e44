package retrieval

import (
	"context"
	"time"
)

// VectorStore persists embedded documents grouped into named collections and
// answers nearest-neighbour queries over one collection at a time.
type VectorStore interface {
	// Upsert inserts records, replacing any existing record with the same
	// collection and ID.
	Upsert(ctx context.Context, collection string, records []Record) error

	// Search returns up to topK records most similar to vector. A non-empty
	// filter restricts candidates to records whose metadata matches every
	// key/value pair.
	Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]string) ([]ScoredRecord, error)

	GetByIDs(ctx context.Context, collection string, ids []string) ([]Record, error)

	// Delete removes the given IDs and returns how many existed.
	Delete(ctx context.Context, collection string, ids []string) (int64, error)

	Count(ctx context.Context, collection string) (int, error)
}

// Record is one stored document.
type Record struct {
	ID        string
	Document  string
	Metadata  map[string]string
	Embedding []float32
	CreatedAt time.Time
}

// ScoredRecord carries the cosine similarity of a Record to the query vector.
type ScoredRecord struct {
	Record
	Score float32
}
