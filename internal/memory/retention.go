package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/ferret/internal/retrieval"
)

// Policy bounds the memory collection. A zero field disables that rule.
type Policy struct {
	MaxAge        time.Duration
	MaxPerSession int
}

// PruneResult reports what a sweep removed.
type PruneResult struct {
	Expired          int64 `json:"expired"`
	Trimmed          int64 `json:"trimmed"`
	ResponsesExpired int64 `json:"responses_expired"`
	KVExpired        int64 `json:"kv_expired"`
}

// vectorPruner is implemented by retrieval.SQLiteStore.
type vectorPruner interface {
	DeleteOlderThan(ctx context.Context, collection string, cutoff time.Time) (int64, error)
	TrimGroups(ctx context.Context, collection, key string, keep int) (int64, error)
}

// sweeper is implemented by kv.SQLite.
type sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Retention applies a Policy to the memory collection and, on the same
// schedule, removes expired KV entries. Cached responses older than MaxAge
// are dropped along with memory.
type Retention struct {
	vectors vectorPruner
	kv      sweeper
	policy  Policy
	logger  *slog.Logger
	now     func() time.Time
}

func NewRetention(vectors vectorPruner, kv sweeper, policy Policy, logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{vectors: vectors, kv: kv, policy: policy, logger: logger, now: time.Now}
}

// Prune runs one sweep.
func (r *Retention) Prune(ctx context.Context) (PruneResult, error) {
	var res PruneResult
	var err error

	if r.policy.MaxAge > 0 {
		cutoff := r.now().Add(-r.policy.MaxAge)
		if res.Expired, err = r.vectors.DeleteOlderThan(ctx, retrieval.CollectionMemory, cutoff); err != nil {
			return res, fmt.Errorf("pruning by age: %w", err)
		}
		if res.ResponsesExpired, err = r.vectors.DeleteOlderThan(ctx, retrieval.CollectionResponses, cutoff); err != nil {
			return res, fmt.Errorf("pruning responses by age: %w", err)
		}
	}
	if r.policy.MaxPerSession > 0 {
		if res.Trimmed, err = r.vectors.TrimGroups(ctx, retrieval.CollectionMemory, "session_id", r.policy.MaxPerSession); err != nil {
			return res, fmt.Errorf("trimming sessions: %w", err)
		}
	}
	if r.kv != nil {
		if res.KVExpired, err = r.kv.Sweep(ctx); err != nil {
			return res, fmt.Errorf("sweeping kv: %w", err)
		}
	}
	return res, nil
}

// Run prunes every interval until ctx is cancelled. Failed sweeps are logged
// and retried on the next tick.
func (r *Retention) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.Prune(ctx)
			if err != nil {
				r.logger.Warn("retention sweep failed", "error", err)
				continue
			}
			if res != (PruneResult{}) {
				r.logger.Info("retention sweep",
					"expired", res.Expired,
					"trimmed", res.Trimmed,
					"responses_expired", res.ResponsesExpired,
					"kv_expired", res.KVExpired,
				)
			}
		}
	}
}
