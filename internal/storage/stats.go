package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordQuery adds one resolved query to the daily agent stats.
func (s *Store) RecordQuery(ctx context.Context, at time.Time, tokens int, cacheHit bool, elapsed time.Duration) error {
	hit := 0
	if cacheHit {
		hit = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_stats (date, queries, tokens, cache_hits, total_response_ms)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			queries = queries + 1,
			tokens = tokens + excluded.tokens,
			cache_hits = cache_hits + excluded.cache_hits,
			total_response_ms = total_response_ms + excluded.total_response_ms`,
		dayKey(at), tokens, hit, elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("recording query stats: %w", err)
	}
	return nil
}

// StatsForDay returns the agent stats for the day containing at. A day with
// no activity yields a zero DayStats, not ErrNotFound.
func (s *Store) StatsForDay(ctx context.Context, at time.Time) (DayStats, error) {
	d := DayStats{Date: dayKey(at)}
	err := s.db.QueryRowContext(ctx, `
		SELECT queries, tokens, cache_hits, total_response_ms
		FROM agent_stats WHERE date = ?`, d.Date,
	).Scan(&d.Queries, &d.Tokens, &d.CacheHits, &d.TotalResponseMs)
	if err == sql.ErrNoRows {
		return d, nil
	}
	if err != nil {
		return DayStats{}, fmt.Errorf("reading stats: %w", err)
	}
	return d, nil
}
