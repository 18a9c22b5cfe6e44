// Package quota gates LLM calls behind a per-caller request window and global
// daily and monthly token budgets.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/ferret/internal/kv"
	"github.com/kalambet/ferret/internal/storage"
)

// ErrQuotaExceeded is matched by every *DeniedError.
var ErrQuotaExceeded = errors.New("quota exceeded")

const (
	FamilyPerCaller = "per_caller"
	FamilyDaily     = "daily"
	FamilyMonthly   = "monthly"
)

// KeyPrefix prefixes the per-caller counters stored in the KV store.
const KeyPrefix = "ferret:ratelimit:"

// Decision is the outcome of a Check.
type Decision struct {
	Allowed          bool   `json:"allowed"`
	Family           string `json:"family,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Current          int64  `json:"current"`
	Limit            int64  `json:"limit"`
	Remaining        int64  `json:"remaining"`
	DailyRemaining   int64  `json:"daily_remaining"`
	MonthlyRemaining int64  `json:"monthly_remaining"`
}

// DeniedError carries the Decision that refused a request.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return "quota exceeded: " + e.Decision.Reason
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Limits configures the gate. A disabled gate allows everything.
type Limits struct {
	Enabled       bool
	Requests      int64
	Window        time.Duration
	DailyTokens   int64
	MonthlyTokens int64
}

// UsageStore is the global usage ledger.
type UsageStore interface {
	AddUsage(ctx context.Context, at time.Time, tokens int64) error
	DayUsage(ctx context.Context, at time.Time) (storage.Usage, error)
	MonthUsage(ctx context.Context, at time.Time) (storage.Usage, error)
}

type Gate struct {
	kv     kv.Store
	usage  UsageStore
	limits Limits
	now    func() time.Time
	logger *slog.Logger
}

func New(store kv.Store, usage UsageStore, limits Limits, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.Window <= 0 {
		limits.Window = time.Hour
	}
	return &Gate{kv: store, usage: usage, limits: limits, now: time.Now, logger: logger}
}

// SetClock replaces the time source. Used by tests.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

func (g *Gate) Limits() Limits { return g.limits }

// Check decides whether callerID may make one more generation. An empty
// callerID only checks the global budgets. Counters are read, not modified;
// Record charges the request after it succeeds.
func (g *Gate) Check(ctx context.Context, callerID string) (Decision, error) {
	if !g.limits.Enabled {
		return Decision{Allowed: true, Remaining: -1, DailyRemaining: -1, MonthlyRemaining: -1}, nil
	}
	now := g.now()

	d := Decision{Allowed: true, Remaining: -1}
	if callerID != "" {
		count, err := g.callerCount(ctx, callerID)
		if err != nil {
			return Decision{}, err
		}
		if count >= g.limits.Requests {
			return Decision{
				Family:  FamilyPerCaller,
				Reason:  fmt.Sprintf("Per-caller request limit reached (%d/%d per %s)", count, g.limits.Requests, g.limits.Window),
				Current: count,
				Limit:   g.limits.Requests,
			}, nil
		}
		d.Current = count
		d.Limit = g.limits.Requests
		d.Remaining = g.limits.Requests - count
	}

	day, err := g.usage.DayUsage(ctx, now)
	if err != nil {
		return Decision{}, fmt.Errorf("quota check: %w", err)
	}
	if day.Tokens >= g.limits.DailyTokens {
		return Decision{
			Family:  FamilyDaily,
			Reason:  fmt.Sprintf("Daily token limit reached (%d/%d)", day.Tokens, g.limits.DailyTokens),
			Current: day.Tokens,
			Limit:   g.limits.DailyTokens,
		}, nil
	}
	month, err := g.usage.MonthUsage(ctx, now)
	if err != nil {
		return Decision{}, fmt.Errorf("quota check: %w", err)
	}
	if month.Tokens >= g.limits.MonthlyTokens {
		return Decision{
			Family:  FamilyMonthly,
			Reason:  fmt.Sprintf("Monthly token limit reached (%d/%d)", month.Tokens, g.limits.MonthlyTokens),
			Current: month.Tokens,
			Limit:   g.limits.MonthlyTokens,
		}, nil
	}

	d.DailyRemaining = g.limits.DailyTokens - day.Tokens
	d.MonthlyRemaining = g.limits.MonthlyTokens - month.Tokens
	return d, nil
}

// Allow is Check returning a *DeniedError on denial.
func (g *Gate) Allow(ctx context.Context, callerID string) error {
	d, err := g.Check(ctx, callerID)
	if err != nil {
		return err
	}
	if !d.Allowed {
		g.logger.Info("quota denied", "caller", callerID, "family", d.Family, "current", d.Current, "limit", d.Limit)
		return &DeniedError{Decision: d}
	}
	return nil
}

// Record charges one request to callerID and tokens to the global budgets.
// The first request of a window starts the window's expiry atomically. Check
// and Record are not atomic together, so concurrent callers can overshoot a
// limit by the number of requests in flight.
func (g *Gate) Record(ctx context.Context, callerID string, tokens int) error {
	if callerID != "" {
		if _, err := g.kv.IncrWithExpiry(ctx, KeyPrefix+callerID, g.limits.Window); err != nil {
			return fmt.Errorf("quota record: %w", err)
		}
	}
	if err := g.usage.AddUsage(ctx, g.now(), int64(tokens)); err != nil {
		return fmt.Errorf("quota record: %w", err)
	}
	return nil
}

// Status is a usage snapshot for display.
type Status struct {
	Enabled        bool          `json:"enabled"`
	Caller         string        `json:"caller,omitempty"`
	CallerRequests int64         `json:"caller_requests"`
	RequestLimit   int64         `json:"request_limit"`
	Window         time.Duration `json:"window"`
	DailyTokens    int64         `json:"daily_tokens"`
	DailyRequests  int64         `json:"daily_requests"`
	DailyLimit     int64         `json:"daily_limit"`
	MonthlyTokens  int64         `json:"monthly_tokens"`
	MonthlyLimit   int64         `json:"monthly_limit"`
}

func (g *Gate) Status(ctx context.Context, callerID string) (Status, error) {
	now := g.now()
	s := Status{
		Enabled:      g.limits.Enabled,
		Caller:       callerID,
		RequestLimit: g.limits.Requests,
		Window:       g.limits.Window,
		DailyLimit:   g.limits.DailyTokens,
		MonthlyLimit: g.limits.MonthlyTokens,
	}
	if callerID != "" {
		n, err := g.callerCount(ctx, callerID)
		if err != nil {
			return Status{}, err
		}
		s.CallerRequests = n
	}
	day, err := g.usage.DayUsage(ctx, now)
	if err != nil {
		return Status{}, fmt.Errorf("quota status: %w", err)
	}
	month, err := g.usage.MonthUsage(ctx, now)
	if err != nil {
		return Status{}, fmt.Errorf("quota status: %w", err)
	}
	s.DailyTokens = day.Tokens
	s.DailyRequests = day.Requests
	s.MonthlyTokens = month.Tokens
	return s, nil
}

func (g *Gate) callerCount(ctx context.Context, callerID string) (int64, error) {
	b, err := g.kv.Get(ctx, KeyPrefix+callerID)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading caller counter: %w", err)
	}
	n, err := kv.ParseInt(b)
	if err != nil {
		return 0, fmt.Errorf("reading caller counter: %w", err)
	}
	return n, nil
}
