package kv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/ferret/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*SQLite, *fakeClock) {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	s := NewSQLite(st.DB())
	s.SetClock(clock.Now)
	return s, clock
}

func TestGetMissing(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSetWithExpiry(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	if err := s.SetWithExpiry(ctx, "k", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("SetWithExpiry: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("got %q, want %q", got, "v1")
	}

	// Overwrite replaces value and expiry.
	if err := s.SetWithExpiry(ctx, "k", []byte("v2"), 2*time.Minute); err != nil {
		t.Fatalf("SetWithExpiry: %v", err)
	}
	clock.Advance(90 * time.Second)
	got, err = s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get after overwrite: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("got %q, want %q", got, "v2")
	}

	clock.Advance(time.Minute)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(expired) error = %v, want ErrNotFound", err)
	}
}

func TestIncrAndExpire(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := s.Incr(ctx, "ctr")
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if got != want {
			t.Errorf("Incr = %d, want %d", got, want)
		}
		if want == 1 {
			if err := s.Expire(ctx, "ctr", time.Hour); err != nil {
				t.Fatalf("Expire: %v", err)
			}
		}
	}

	ttl, ok, err := s.TTL(ctx, "ctr")
	if err != nil || !ok {
		t.Fatalf("TTL = %v, %v, %v", ttl, ok, err)
	}
	if ttl != time.Hour {
		t.Errorf("TTL = %s, want 1h", ttl)
	}

	raw, err := s.Get(ctx, "ctr")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n, err := ParseInt(raw); err != nil || n != 3 {
		t.Errorf("ParseInt(%q) = %d, %v; want 3", raw, n, err)
	}

	// After the window the counter restarts without expiry.
	clock.Advance(time.Hour)
	got, err := s.Incr(ctx, "ctr")
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if got != 1 {
		t.Errorf("Incr after expiry = %d, want 1", got)
	}
	if _, ok, _ := s.TTL(ctx, "ctr"); ok {
		t.Error("restarted counter should have no expiry")
	}
}

func TestIncrWithExpiry(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := s.IncrWithExpiry(ctx, "win", time.Hour)
		if err != nil {
			t.Fatalf("IncrWithExpiry: %v", err)
		}
		if got != want {
			t.Errorf("IncrWithExpiry = %d, want %d", got, want)
		}
		clock.Advance(10 * time.Minute)
	}

	// Later increments keep the expiry set by the first one.
	ttl, ok, err := s.TTL(ctx, "win")
	if err != nil || !ok {
		t.Fatalf("TTL = %v, %v, %v", ttl, ok, err)
	}
	if ttl != 30*time.Minute {
		t.Errorf("TTL = %s, want 30m", ttl)
	}

	clock.Advance(30 * time.Minute)
	got, err := s.IncrWithExpiry(ctx, "win", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Errorf("IncrWithExpiry after window = %d, want 1", got)
	}
	if ttl, ok, _ := s.TTL(ctx, "win"); !ok || ttl != time.Hour {
		t.Errorf("restarted window TTL = %s, %v; want 1h", ttl, ok)
	}
}

func TestIncrWithExpiryAdoptsCounterWithoutExpiry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Incr(ctx, "stale"); err != nil {
		t.Fatal(err)
	}
	got, err := s.IncrWithExpiry(ctx, "stale", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if got != 2 {
		t.Errorf("IncrWithExpiry = %d, want 2", got)
	}
	if ttl, ok, _ := s.TTL(ctx, "stale"); !ok || ttl != time.Minute {
		t.Errorf("TTL = %s, %v; want 1m", ttl, ok)
	}
}

func TestIncrConcurrent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Incr(ctx, "c"); err != nil {
				t.Errorf("Incr: %v", err)
			}
		}()
	}
	wg.Wait()

	raw, err := s.Get(ctx, "c")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got, _ := ParseInt(raw); got != n {
		t.Errorf("counter = %d, want %d", got, n)
	}
}

func TestDeletePrefixAndSweep(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	mustSet := func(key string, ttl time.Duration) {
		t.Helper()
		if err := s.SetWithExpiry(ctx, key, []byte("x"), ttl); err != nil {
			t.Fatalf("SetWithExpiry(%s): %v", key, err)
		}
	}
	mustSet("a:1", time.Minute)
	mustSet("a:2", time.Hour)
	mustSet("b:1", time.Minute)
	mustSet("b:2", 0)

	clock.Advance(2 * time.Minute)

	n, err := s.CountPrefix(ctx, "a:")
	if err != nil {
		t.Fatalf("CountPrefix: %v", err)
	}
	if n != 1 {
		t.Errorf("live a: keys = %d, want 1", n)
	}

	removed, err := s.DeletePrefix(ctx, "a:", true)
	if err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	if removed != 1 {
		t.Errorf("DeletePrefix(expiredOnly) removed %d, want 1", removed)
	}

	swept, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if swept != 1 {
		t.Errorf("Sweep removed %d, want 1", swept)
	}

	if _, err := s.Get(ctx, "b:2"); err != nil {
		t.Errorf("non-expiring key should survive sweep: %v", err)
	}
}
