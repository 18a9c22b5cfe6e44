// Package writeback persists a generated answer to every tier that should
// remember it. Each write is journalled as a job first so that a crash between
// generation and persistence is repaired by the Worker.
package writeback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/ferret/internal/memory"
	"github.com/kalambet/ferret/internal/storage"
)

// JobType is the job queue type used for write-back intents.
const JobType = "writeback"

// DefaultGrace is how long an intent stays invisible to the Worker, giving
// the inline writer time to complete it.
const DefaultGrace = 30 * time.Second

// Payload is everything needed to replay a write-back. All IDs written are
// derived from it, so applying the same payload twice changes nothing.
type Payload struct {
	Query       string    `json:"query"`
	Response    string    `json:"response"`
	SessionID   string    `json:"session_id"`
	Tokens      int       `json:"tokens"`
	GeneratedAt time.Time `json:"generated_at"`
	UseCache    bool      `json:"use_cache"`
}

type ExactCache interface {
	Put(ctx context.Context, query, value string, ttl time.Duration) error
}

type ResponseCache interface {
	Store(ctx context.Context, query, response, sessionID string, generatedAt time.Time) error
}

type Memory interface {
	Remember(ctx context.Context, fragments ...memory.Fragment) error
}

type TurnLog interface {
	LogTurn(ctx context.Context, t storage.Turn) error
}

// JobStore is the journal.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	CompleteJob(id string) error
}

// Writer applies write-backs. Any collaborator may be nil, in which case that
// tier is skipped.
type Writer struct {
	Exact     ExactCache
	Responses ResponseCache
	Memory    Memory
	Turns     TurnLog
	Jobs      JobStore
	Grace     time.Duration
	Logger    *slog.Logger

	now func() time.Time
}

func (w *Writer) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

func (w *Writer) clock() time.Time {
	if w.now == nil {
		return time.Now()
	}
	return w.now()
}

// Commit journals p, applies it and completes the journal entry. When Apply
// fails the entry stays pending and the Worker retries it after the grace
// period.
func (w *Writer) Commit(ctx context.Context, p Payload) error {
	id, err := w.journal(p)
	if err != nil {
		w.logger().Warn("writeback journal failed, applying unjournalled", "error", err)
	}
	if err := w.Apply(ctx, p); err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	if err := w.Jobs.CompleteJob(id); err != nil {
		return fmt.Errorf("completing writeback %s: %w", id, err)
	}
	return nil
}

func (w *Writer) journal(p Payload) (string, error) {
	if w.Jobs == nil {
		return "", nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	grace := w.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(raw),
		MaxAttempts: 5,
		RunAfter:    w.clock().Add(grace),
	}
	if err := w.Jobs.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueueing writeback: %w", err)
	}
	return job.ID, nil
}

// Apply performs every write in p. All writes are attempted; the returned
// error joins the failures.
func (w *Writer) Apply(ctx context.Context, p Payload) error {
	var errs []error
	if p.UseCache {
		if w.Exact != nil {
			if err := w.Exact.Put(ctx, p.Query, p.Response, 0); err != nil {
				errs = append(errs, fmt.Errorf("exact cache: %w", err))
			}
		}
		if w.Responses != nil {
			if err := w.Responses.Store(ctx, p.Query, p.Response, p.SessionID, p.GeneratedAt); err != nil {
				errs = append(errs, fmt.Errorf("response cache: %w", err))
			}
		}
	}

	userAt := p.GeneratedAt
	assistantAt := p.GeneratedAt.Add(time.Nanosecond)

	if w.Memory != nil {
		err := w.Memory.Remember(ctx,
			memory.Fragment{SessionID: p.SessionID, Role: "user", Text: p.Query, Timestamp: userAt},
			memory.Fragment{SessionID: p.SessionID, Role: "assistant", Text: p.Response, Timestamp: assistantAt},
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("memory: %w", err))
		}
	}

	if w.Turns != nil {
		turns := []storage.Turn{
			{TurnKey: memory.FragmentID(p.SessionID, userAt), SessionID: p.SessionID, Role: "user", Content: p.Query, CreatedAt: userAt},
			{TurnKey: memory.FragmentID(p.SessionID, assistantAt), SessionID: p.SessionID, Role: "assistant", Content: p.Response, Tokens: p.Tokens, CreatedAt: assistantAt},
		}
		for _, t := range turns {
			if err := w.Turns.LogTurn(ctx, t); err != nil {
				errs = append(errs, fmt.Errorf("conversation log: %w", err))
				break
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("writeback: %w", errors.Join(errs...))
	}
	return nil
}
