package storage

import (
	"context"
	"fmt"
	"time"
)

// AddUsage adds tokens and one request to the calendar-day bucket containing
// at. The upsert keeps concurrent writers on the same day correct.
func (s *Store) AddUsage(ctx context.Context, at time.Time, tokens int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_summary (date, total_tokens, total_requests)
		VALUES (?, ?, 1)
		ON CONFLICT(date) DO UPDATE SET
			total_tokens = total_tokens + excluded.total_tokens,
			total_requests = total_requests + 1`,
		dayKey(at), tokens,
	)
	if err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}
	return nil
}

// DayUsage returns the aggregate for the calendar day containing at.
func (s *Store) DayUsage(ctx context.Context, at time.Time) (Usage, error) {
	var u Usage
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_requests), 0)
		FROM usage_summary WHERE date = ?`, dayKey(at),
	).Scan(&u.Tokens, &u.Requests)
	if err != nil {
		return Usage{}, fmt.Errorf("reading day usage: %w", err)
	}
	return u, nil
}

// MonthUsage sums every day bucket from the first of at's month through at's day.
func (s *Store) MonthUsage(ctx context.Context, at time.Time) (Usage, error) {
	at = at.UTC()
	start := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	var u Usage
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_requests), 0)
		FROM usage_summary WHERE date >= ? AND date <= ?`, dayKey(start), dayKey(at),
	).Scan(&u.Tokens, &u.Requests)
	if err != nil {
		return Usage{}, fmt.Errorf("reading month usage: %w", err)
	}
	return u, nil
}
