package quota

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/ferret/internal/kv"
	"github.com/kalambet/ferret/internal/storage"
)

func newTestGate(t *testing.T, limits Limits) (*Gate, *storage.Store, *kv.SQLite) {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	store := kv.NewSQLite(st.DB())
	return New(store, st, limits, nil), st, store
}

func defaultLimits() Limits {
	return Limits{Enabled: true, Requests: 100, Window: time.Hour, DailyTokens: 100_000, MonthlyTokens: 2_000_000}
}

func TestPerCallerLimit(t *testing.T) {
	g, _, _ := newTestGate(t, defaultLimits())
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if err := g.Allow(ctx, "debater"); err != nil {
			t.Fatalf("request %d: unexpected denial: %v", i+1, err)
		}
		if err := g.Record(ctx, "debater", 10); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	d, err := g.Check(ctx, "debater")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed {
		t.Fatal("101st request allowed, want denied")
	}
	if d.Family != FamilyPerCaller {
		t.Errorf("Family = %q, want %q", d.Family, FamilyPerCaller)
	}
	if d.Current != 100 || d.Limit != 100 || d.Remaining != 0 {
		t.Errorf("Current/Limit/Remaining = %d/%d/%d, want 100/100/0", d.Current, d.Limit, d.Remaining)
	}
	if d.Reason != "Per-caller request limit reached (100/100 per 1h0m0s)" {
		t.Errorf("Reason = %q", d.Reason)
	}

	err = g.Allow(ctx, "debater")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Allow error = %v, want ErrQuotaExceeded", err)
	}
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Decision.Family != FamilyPerCaller {
		t.Errorf("Allow error = %#v, want *DeniedError with per_caller family", err)
	}

	// Another caller is unaffected.
	if err := g.Allow(ctx, "other"); err != nil {
		t.Errorf("other caller denied: %v", err)
	}
}

func TestCounterExpiresWithWindow(t *testing.T) {
	limits := defaultLimits()
	limits.Requests = 1
	g, _, store := newTestGate(t, limits)
	ctx := context.Background()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store.SetClock(clock)
	g.SetClock(clock)

	if err := g.Record(ctx, "c", 1); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if d, _ := g.Check(ctx, "c"); d.Allowed {
		t.Fatal("expected denial inside the window")
	}
	ttl, ok, err := store.TTL(ctx, KeyPrefix+"c")
	if err != nil || !ok || ttl != time.Hour {
		t.Errorf("TTL = %s, %v, %v; want 1h, true, nil", ttl, ok, err)
	}

	now = now.Add(time.Hour + time.Second)
	if d, _ := g.Check(ctx, "c"); !d.Allowed {
		t.Errorf("expected allow after window, got %+v", d)
	}
}

// noExpire fails every standalone Expire call.
type noExpire struct {
	*kv.SQLite
}

func (noExpire) Expire(context.Context, string, time.Duration) error {
	return errors.New("expire unavailable")
}

func TestRecordSetsWindowWithIncrement(t *testing.T) {
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	store := kv.NewSQLite(st.DB())
	g := New(noExpire{store}, st, defaultLimits(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := g.Record(ctx, "c", 1); err != nil {
			t.Fatalf("Record %d: %v", i+1, err)
		}
	}
	ttl, ok, err := store.TTL(ctx, KeyPrefix+"c")
	if err != nil || !ok || ttl <= 0 || ttl > time.Hour {
		t.Errorf("TTL = %s, %v, %v; want within 1h", ttl, ok, err)
	}
	if status, _ := g.Status(ctx, "c"); status.CallerRequests != 3 {
		t.Errorf("CallerRequests = %d, want 3", status.CallerRequests)
	}
}

func TestGlobalLimits(t *testing.T) {
	tests := []struct {
		name       string
		daily      int64
		monthly    int64
		seed       map[time.Time]int64
		wantFamily string
		wantReason string
	}{
		{
			name:       "daily",
			daily:      1000,
			monthly:    1_000_000,
			seed:       map[time.Time]int64{time.Date(2026, 5, 20, 1, 0, 0, 0, time.UTC): 1000},
			wantFamily: FamilyDaily,
			wantReason: "Daily token limit reached (1000/1000)",
		},
		{
			name:    "monthly",
			daily:   1000,
			monthly: 1500,
			seed: map[time.Time]int64{
				time.Date(2026, 5, 2, 1, 0, 0, 0, time.UTC):  900,
				time.Date(2026, 5, 19, 1, 0, 0, 0, time.UTC): 700,
			},
			wantFamily: FamilyMonthly,
			wantReason: "Monthly token limit reached (1600/1500)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limits := defaultLimits()
			limits.DailyTokens = tt.daily
			limits.MonthlyTokens = tt.monthly
			g, st, _ := newTestGate(t, limits)
			g.SetClock(func() time.Time { return time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC) })
			ctx := context.Background()
			for at, tokens := range tt.seed {
				if err := st.AddUsage(ctx, at, tokens); err != nil {
					t.Fatal(err)
				}
			}

			d, err := g.Check(ctx, "")
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if d.Allowed {
				t.Fatal("expected denial")
			}
			if d.Family != tt.wantFamily {
				t.Errorf("Family = %q, want %q", d.Family, tt.wantFamily)
			}
			if d.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", d.Reason, tt.wantReason)
			}
		})
	}
}

func TestAllowedCarriesRemaining(t *testing.T) {
	g, _, _ := newTestGate(t, defaultLimits())
	ctx := context.Background()
	if err := g.Record(ctx, "c", 250); err != nil {
		t.Fatal(err)
	}
	d, err := g.Check(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("denied: %s", d.Reason)
	}
	if d.Remaining != 99 {
		t.Errorf("Remaining = %d, want 99", d.Remaining)
	}
	if d.DailyRemaining != 100_000-250 {
		t.Errorf("DailyRemaining = %d, want %d", d.DailyRemaining, 100_000-250)
	}
	if d.MonthlyRemaining != 2_000_000-250 {
		t.Errorf("MonthlyRemaining = %d, want %d", d.MonthlyRemaining, 2_000_000-250)
	}
}

func TestEmptyCallerSkipsPerCaller(t *testing.T) {
	limits := defaultLimits()
	limits.Requests = 1
	g, _, _ := newTestGate(t, limits)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := g.Record(ctx, "", 5); err != nil {
			t.Fatal(err)
		}
		if err := g.Allow(ctx, ""); err != nil {
			t.Fatalf("empty caller denied: %v", err)
		}
	}
}

func TestDisabledGateAllows(t *testing.T) {
	limits := defaultLimits()
	limits.Enabled = false
	limits.DailyTokens = 1
	g, st, _ := newTestGate(t, limits)
	ctx := context.Background()
	if err := st.AddUsage(ctx, time.Now(), 10); err != nil {
		t.Fatal(err)
	}
	d, err := g.Check(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Errorf("disabled gate denied: %+v", d)
	}
}

func TestConcurrentRecordIsMonotonic(t *testing.T) {
	g, st, _ := newTestGate(t, defaultLimits())
	ctx := context.Background()
	at := time.Now()
	if err := st.AddUsage(ctx, at, 40); err != nil {
		t.Fatal(err)
	}

	const n, tokens = 25, 7
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- g.Record(ctx, "c", tokens)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	u, err := st.DayUsage(ctx, at)
	if err != nil {
		t.Fatal(err)
	}
	if u.Tokens != 40+n*tokens {
		t.Errorf("daily tokens = %d, want %d", u.Tokens, 40+n*tokens)
	}
	s, err := g.Status(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if s.CallerRequests != n {
		t.Errorf("CallerRequests = %d, want %d", s.CallerRequests, n)
	}
}

func TestDeniedErrorMessage(t *testing.T) {
	err := &DeniedError{Decision: Decision{Reason: "Daily token limit reached (1/1)"}}
	if !strings.Contains(err.Error(), "Daily token limit") {
		t.Errorf("Error() = %q", err.Error())
	}
}
