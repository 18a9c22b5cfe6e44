// Package kv provides a small key-value store with per-key expiry on top of
// the ferret SQLite database. It backs the exact response cache and the
// per-caller request counters.
package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the key-value contract used by the cache and the quota gate.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Compile-time check that SQLite implements Store.
var _ Store = (*SQLite)(nil)

// SQLite stores entries in the kv_entries table. Expiry is a unix-millisecond
// timestamp checked on every read; Sweep removes expired rows.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite wraps an existing *sql.DB. The kv_entries table must already
// exist (created via storage migrations).
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (s *SQLite) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SQLite) nowMs() int64 {
	return s.now().UnixMilli()
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.nowMs(),
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key with no expiry.
func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	return s.put(ctx, key, value, sql.NullInt64{})
}

// SetWithExpiry stores value under key, overwriting any previous entry.
// A non-positive ttl stores the value without expiry.
func (s *SQLite) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var exp sql.NullInt64
	if ttl > 0 {
		exp = sql.NullInt64{Int64: s.now().Add(ttl).UnixMilli(), Valid: true}
	}
	return s.put(ctx, key, value, exp)
}

func (s *SQLite) put(ctx context.Context, key string, value []byte, exp sql.NullInt64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, exp,
	)
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// Incr atomically increments the integer stored at key and returns the new
// value. A missing or expired key starts again at 1 with no expiry.
func (s *SQLite) Incr(ctx context.Context, key string) (int64, error) {
	now := s.nowMs()
	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES (?, '1', NULL)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE
				WHEN expires_at IS NOT NULL AND expires_at <= ? THEN '1'
				ELSE CAST(CAST(value AS INTEGER) + 1 AS TEXT)
			END,
			expires_at = CASE
				WHEN expires_at IS NOT NULL AND expires_at <= ? THEN NULL
				ELSE expires_at
			END
		RETURNING CAST(value AS INTEGER)`,
		key, now, now,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}
	return n, nil
}

// IncrWithExpiry is Incr for fixed windows: a key created or restarted by
// this call expires after ttl in the same statement, and later increments
// keep that expiry.
func (s *SQLite) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.nowMs()
	exp := s.now().Add(ttl).UnixMilli()
	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES (?, '1', ?)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE
				WHEN expires_at IS NOT NULL AND expires_at <= ? THEN '1'
				ELSE CAST(CAST(value AS INTEGER) + 1 AS TEXT)
			END,
			expires_at = CASE
				WHEN expires_at IS NULL OR expires_at <= ? THEN excluded.expires_at
				ELSE expires_at
			END
		RETURNING CAST(value AS INTEGER)`,
		key, exp, now, now,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}
	return n, nil
}

// Expire sets the expiry of an existing key. Missing keys are ignored.
func (s *SQLite) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE kv_entries SET expires_at = ? WHERE key = ?`,
		s.now().Add(ttl).UnixMilli(), key,
	)
	if err != nil {
		return fmt.Errorf("kv expire %s: %w", key, err)
	}
	return nil
}

// TTL returns the remaining lifetime of key. The second result is false when
// the key has no expiry.
func (s *SQLite) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	var exp sql.NullInt64
	now := s.nowMs()
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM kv_entries WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, now,
	).Scan(&exp)
	if err == sql.ErrNoRows {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("kv ttl %s: %w", key, err)
	}
	if !exp.Valid {
		return 0, false, nil
	}
	return time.Duration(exp.Int64-now) * time.Millisecond, true, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix. When expiredOnly is
// set, live entries are kept.
func (s *SQLite) DeletePrefix(ctx context.Context, prefix string, expiredOnly bool) (int64, error) {
	query := `DELETE FROM kv_entries WHERE substr(key, 1, ?) = ?`
	args := []any{len(prefix), prefix}
	if expiredOnly {
		query += ` AND expires_at IS NOT NULL AND expires_at <= ?`
		args = append(args, s.nowMs())
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("kv delete prefix %q: %w", prefix, err)
	}
	return res.RowsAffected()
}

// CountPrefix returns the number of live keys starting with prefix.
func (s *SQLite) CountPrefix(ctx context.Context, prefix string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv_entries WHERE substr(key, 1, ?) = ? AND (expires_at IS NULL OR expires_at > ?)`,
		len(prefix), prefix, s.nowMs(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("kv count prefix %q: %w", prefix, err)
	}
	return n, nil
}

// Sweep deletes all expired rows and returns how many were removed.
func (s *SQLite) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.nowMs())
	if err != nil {
		return 0, fmt.Errorf("kv sweep: %w", err)
	}
	return res.RowsAffected()
}

// ParseInt decodes a counter value written by Incr.
func ParseInt(b []byte) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
}
