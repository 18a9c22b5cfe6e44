package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Turn is one logged conversation message.
// TurnKey, when set, makes LogTurn idempotent for that key.
type Turn struct {
	TurnKey   string
	SessionID string
	Role      string
	Content   string
	Tokens    int
	CreatedAt time.Time
}

// Usage is a token/request aggregate for a day or a month.
type Usage struct {
	Tokens   int64
	Requests int64
}

// DayStats aggregates agent activity for one calendar day (UTC).
type DayStats struct {
	Date            string
	Queries         int64
	Tokens          int64
	CacheHits       int64
	TotalResponseMs int64
}

// AvgResponseMs returns the mean resolve latency, or 0 when nothing was recorded.
func (d DayStats) AvgResponseMs() float64 {
	if d.Queries == 0 {
		return 0
	}
	return float64(d.TotalResponseMs) / float64(d.Queries)
}

// dayKey formats t as the UTC calendar day used as the aggregate key.
func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
