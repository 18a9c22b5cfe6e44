// Package cache implements the exact-match response tier: responses keyed
// by a hash of the normalized query, stored in the KV store with a TTL.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kalambet/ferret/internal/kv"
)

// KeyPrefix namespaces exact cache entries inside the KV store.
const KeyPrefix = "ferret:cache:"

// Normalize lowercases and trims q. Normalize(Normalize(q)) == Normalize(q).
func Normalize(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// Key returns the KV key for q.
func Key(q string) string {
	sum := sha256.Sum256([]byte(Normalize(q)))
	return KeyPrefix + hex.EncodeToString(sum[:])
}

// Stats reports cache performance.
type Stats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Exact is the exact-match cache tier. Errors from the KV store are logged
// and reported as misses.
type Exact struct {
	store  *kv.SQLite
	ttl    time.Duration
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

func NewExact(store *kv.SQLite, ttl time.Duration, logger *slog.Logger) *Exact {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exact{store: store, ttl: ttl, logger: logger}
}

// Get returns the cached response for query.
func (c *Exact) Get(ctx context.Context, query string) (string, bool) {
	b, err := c.store.Get(ctx, Key(query))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			c.logger.Warn("exact cache lookup failed", "error", err)
		}
		c.misses.Add(1)
		return "", false
	}
	c.hits.Add(1)
	return string(b), true
}

// Put stores value for query. A zero ttl uses the configured default.
func (c *Exact) Put(ctx context.Context, query, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.store.SetWithExpiry(ctx, Key(query), []byte(value), ttl)
}

// Stats returns the live entry count and the hit/miss counters since start.
func (c *Exact) Stats(ctx context.Context) (Stats, error) {
	n, err := c.store.CountPrefix(ctx, KeyPrefix)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Entries: n, Hits: c.hits.Load(), Misses: c.misses.Load()}, nil
}

// Clear removes cache entries. If expiredOnly is true, only expired entries are removed.
func (c *Exact) Clear(ctx context.Context, expiredOnly bool) (int64, error) {
	return c.store.DeletePrefix(ctx, KeyPrefix, expiredOnly)
}
