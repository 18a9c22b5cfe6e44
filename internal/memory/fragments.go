// Package memory stores conversation utterances as embedded fragments and
// recalls the ones relevant to a new query.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kalambet/ferret/internal/retrieval"
)

// Index is the subset of retrieval.Index the memory store needs.
type Index interface {
	UpsertMany(ctx context.Context, collection string, items []retrieval.Item) error
	Query(ctx context.Context, collection, text string, topK int, filter map[string]string) ([]retrieval.Match, error)
	Count(ctx context.Context, collection string) (int, error)
}

// Fragment is one remembered utterance.
type Fragment struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Distance  float64   `json:"distance,omitempty"`
}

// FragmentID is "<session>_<unix nanoseconds>".
func FragmentID(sessionID string, at time.Time) string {
	return sessionID + "_" + strconv.FormatInt(at.UnixNano(), 10)
}

type Store struct {
	index Index
}

func NewStore(index Index) *Store {
	return &Store{index: index}
}

// Remember stores fragments in one batch. Fragments with the same session and
// timestamp overwrite each other, so replays are idempotent.
func (s *Store) Remember(ctx context.Context, fragments ...Fragment) error {
	items := make([]retrieval.Item, 0, len(fragments))
	for _, f := range fragments {
		if f.Text == "" {
			continue
		}
		id := f.ID
		if id == "" {
			id = FragmentID(f.SessionID, f.Timestamp)
		}
		items = append(items, retrieval.Item{
			ID:   id,
			Text: f.Text,
			Metadata: map[string]string{
				"role":       f.Role,
				"session_id": f.SessionID,
				"timestamp":  f.Timestamp.UTC().Format(time.RFC3339Nano),
			},
		})
	}
	if err := s.index.UpsertMany(ctx, retrieval.CollectionMemory, items); err != nil {
		return fmt.Errorf("remembering fragments: %w", err)
	}
	return nil
}

// Recall returns up to n fragments of any role, nearest first.
func (s *Store) Recall(ctx context.Context, query string, n int) ([]Fragment, error) {
	if n <= 0 {
		return nil, nil
	}
	matches, err := s.index.Query(ctx, retrieval.CollectionMemory, query, n, nil)
	if err != nil {
		return nil, fmt.Errorf("recalling memory: %w", err)
	}
	out := make([]Fragment, len(matches))
	for i, m := range matches {
		ts, _ := time.Parse(time.RFC3339Nano, m.Metadata["timestamp"])
		out[i] = Fragment{
			ID:        m.ID,
			SessionID: m.Metadata["session_id"],
			Role:      m.Metadata["role"],
			Text:      m.Document,
			Timestamp: ts,
			Distance:  m.Distance,
		}
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	return s.index.Count(ctx, retrieval.CollectionMemory)
}
