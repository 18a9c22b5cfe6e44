package retrieval

import (
	"context"
	"fmt"
	"time"
)

// Collections used by ferret.
const (
	CollectionMemory    = "memory"
	CollectionResponses = "responses"
)

// Match is a query result. Distance is 1 - cosine similarity, so 0 means
// identical direction and smaller is closer.
type Match struct {
	ID       string            `json:"id"`
	Document string            `json:"document"`
	Metadata map[string]string `json:"metadata"`
	Distance float64           `json:"distance"`
}

// Index is a text-in, text-out view over a VectorStore: documents and
// queries are embedded on the way in.
type Index struct {
	store    *SQLiteStore
	embedder *Embedder
	now      func() time.Time
}

func NewIndex(store *SQLiteStore, embedder *Embedder) *Index {
	return &Index{store: store, embedder: embedder, now: time.Now}
}

// Item is one document to upsert.
type Item struct {
	ID       string
	Text     string
	Metadata map[string]string
}

// Upsert embeds and stores a single document.
func (ix *Index) Upsert(ctx context.Context, collection, id, text string, metadata map[string]string) error {
	return ix.UpsertMany(ctx, collection, []Item{{ID: id, Text: text, Metadata: metadata}})
}

// UpsertMany embeds all items concurrently and stores them in one transaction.
func (ix *Index) UpsertMany(ctx context.Context, collection string, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}
	vecs, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	now := ix.now()
	records := make([]Record, len(items))
	for i, it := range items {
		records[i] = Record{ID: it.ID, Document: it.Text, Metadata: it.Metadata, Embedding: vecs[i], CreatedAt: now}
	}
	return ix.store.Upsert(ctx, collection, records)
}

// Query returns the topK documents nearest to text, closest first.
func (ix *Index) Query(ctx context.Context, collection, text string, topK int, filter map[string]string) ([]Match, error) {
	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	scored, err := ix.store.Search(ctx, collection, vec, topK, filter)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", collection, err)
	}
	out := make([]Match, len(scored))
	for i, r := range scored {
		out[i] = Match{ID: r.ID, Document: r.Document, Metadata: r.Metadata, Distance: 1 - float64(r.Score)}
	}
	return out, nil
}

func (ix *Index) Delete(ctx context.Context, collection string, ids []string) (int64, error) {
	return ix.store.Delete(ctx, collection, ids)
}

func (ix *Index) Count(ctx context.Context, collection string) (int, error) {
	return ix.store.Count(ctx, collection)
}

// Store exposes the underlying vector store for retention sweeps.
func (ix *Index) Store() *SQLiteStore {
	return ix.store
}
