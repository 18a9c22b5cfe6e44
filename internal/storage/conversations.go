package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LogTurn appends a message to the conversation log. A turn with a TurnKey
// that is already present is ignored.
func (s *Store) LogTurn(ctx context.Context, t Turn) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var key sql.NullString
	if t.TurnKey != "" {
		key = sql.NullString{String: t.TurnKey, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (turn_key, session_id, role, content, tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(turn_key) DO NOTHING`,
		key, t.SessionID, t.Role, t.Content, t.Tokens, createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("logging turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit most recent turns for the session, oldest first.
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(turn_key, ''), session_id, role, content, tokens, created_at
		FROM conversations WHERE session_id = ?
		ORDER BY id DESC LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var createdAt string
		if err := rows.Scan(&t.TurnKey, &t.SessionID, &t.Role, &t.Content, &t.Tokens, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// CountTurns returns the number of logged turns for a session.
func (s *Store) CountTurns(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}
