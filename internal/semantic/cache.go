// Package semantic implements the near-duplicate response tier: previously
// generated answers are found by embedding distance between queries and
// stored responses.
package semantic

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/kalambet/ferret/internal/retrieval"
)

// DefaultThreshold is the distance below which a stored response is reused.
const DefaultThreshold = 0.35

// Index is the subset of retrieval.Index the cache needs.
type Index interface {
	Upsert(ctx context.Context, collection, id, text string, metadata map[string]string) error
	Query(ctx context.Context, collection, text string, topK int, filter map[string]string) ([]retrieval.Match, error)
}

// Hit is a reused response.
type Hit struct {
	ID         string
	Response   string
	Query      string
	Distance   float64
	Similarity float64
}

// Cache looks up and stores responses in the responses collection.
type Cache struct {
	index     Index
	threshold float64
}

func New(index Index, threshold float64) *Cache {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Cache{index: index, threshold: threshold}
}

func (c *Cache) Threshold() float64 { return c.threshold }

// IsHit reports whether distance qualifies for reuse. The comparison is
// strict: a distance equal to the threshold is a miss.
func IsHit(distance, threshold float64) bool {
	return distance < threshold
}

// Lookup returns the nearest assistant response when it is closer than the
// threshold. A miss returns nil, nil.
func (c *Cache) Lookup(ctx context.Context, query string) (*Hit, error) {
	matches, err := c.index.Query(ctx, retrieval.CollectionResponses, query, 1, map[string]string{"role": "assistant"})
	if err != nil {
		return nil, fmt.Errorf("semantic lookup: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	m := matches[0]
	if !IsHit(m.Distance, c.threshold) {
		return nil, nil
	}
	return &Hit{
		ID:         m.ID,
		Response:   m.Document,
		Query:      m.Metadata["query"],
		Distance:   m.Distance,
		Similarity: 1 - m.Distance,
	}, nil
}

// ResponseID derives the stored ID for a response generated for query at
// generatedAt. Replaying the same generation yields the same ID.
func ResponseID(query string, generatedAt time.Time) string {
	sum := md5.Sum([]byte(query))
	return fmt.Sprintf("resp_%s_%d", hex.EncodeToString(sum[:])[:12], generatedAt.Unix())
}

// Store records response as an assistant answer to query.
func (c *Cache) Store(ctx context.Context, query, response, sessionID string, generatedAt time.Time) error {
	if sessionID == "" {
		sessionID = "unknown"
	}
	meta := map[string]string{
		"query":      truncate(query, 500),
		"role":       "assistant",
		"session_id": sessionID,
		"timestamp":  generatedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := c.index.Upsert(ctx, retrieval.CollectionResponses, ResponseID(query, generatedAt), response, meta); err != nil {
		return fmt.Errorf("semantic store: %w", err)
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

