// Package agent resolves research queries through the cache tiers, falling
// back to memory-assisted generation on a miss.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/ferret/internal/cache"
	"github.com/kalambet/ferret/internal/engine"
	"github.com/kalambet/ferret/internal/logging"
	"github.com/kalambet/ferret/internal/memory"
	"github.com/kalambet/ferret/internal/semantic"
	"github.com/kalambet/ferret/internal/storage"
	"github.com/kalambet/ferret/internal/writeback"
)

var (
	// ErrEmptyQuery is returned when the query is blank after trimming.
	ErrEmptyQuery = errors.New("query must not be empty")
	// ErrGeneration wraps every generator failure.
	ErrGeneration = errors.New("generation failed")
)

// Result sources.
const (
	SourceExact     = "exact"
	SourceSemantic  = "semantic"
	SourceGenerated = "generated"
)

type Request struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
	UseCache  bool   `json:"use_cache"`
	UseMemory bool   `json:"use_memory"`
}

type Result struct {
	Text       string  `json:"response"`
	Source     string  `json:"source"`
	Cost       int     `json:"tokens_used"`
	Similarity float64 `json:"similarity,omitempty"`
	SessionID  string  `json:"session_id"`
	Model      string  `json:"model,omitempty"`
	Memories   int     `json:"memories_used"`
	Shared     bool    `json:"shared,omitempty"`
	ElapsedMs  int64   `json:"response_time_ms"`
}

// Cached reports whether the result was served without generating.
func (r Result) Cached() bool {
	return r.Source != SourceGenerated || r.Shared
}

type ExactCache interface {
	Get(ctx context.Context, query string) (string, bool)
}

type SemanticCache interface {
	Lookup(ctx context.Context, query string) (*semantic.Hit, error)
}

type MemoryRecaller interface {
	Recall(ctx context.Context, query string, n int) ([]memory.Fragment, error)
}

// History returns the last turns of a session in chronological order.
type History interface {
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]storage.Turn, error)
}

// Gate is the quota check performed right before generation.
type Gate interface {
	Allow(ctx context.Context, callerID string) error
	Record(ctx context.Context, callerID string, tokens int) error
}

type Committer interface {
	Commit(ctx context.Context, p writeback.Payload) error
}

type StatsRecorder interface {
	RecordQuery(ctx context.Context, at time.Time, tokens int, cacheHit bool, elapsed time.Duration) error
}

// Settings are the generation and timeout tunables.
type Settings struct {
	MaxTokens     int
	Temperature   float64
	ContextItems  int
	HistoryTurns  int
	CacheTimeout  time.Duration
	MemoryTimeout time.Duration
	LLMTimeout    time.Duration
}

func (s *Settings) withDefaults() {
	if s.MaxTokens <= 0 {
		s.MaxTokens = 1000
	}
	if s.Temperature == 0 {
		s.Temperature = 0.7
	}
	if s.ContextItems <= 0 {
		s.ContextItems = 3
	}
	if s.HistoryTurns <= 0 {
		s.HistoryTurns = 6
	}
	if s.CacheTimeout <= 0 {
		s.CacheTimeout = 2 * time.Second
	}
	if s.MemoryTimeout <= 0 {
		s.MemoryTimeout = 5 * time.Second
	}
	if s.LLMTimeout <= 0 {
		s.LLMTimeout = 60 * time.Second
	}
}

// Deps are the collaborators of an Agent. LLM is required; any other nil
// collaborator disables its tier.
type Deps struct {
	Exact    ExactCache
	Semantic SemanticCache
	Memory   MemoryRecaller
	History  History
	Gate     Gate
	LLM      engine.Generator
	Writer   Committer
	Stats    StatsRecorder
	Settings Settings
	Logger   *slog.Logger
	Now      func() time.Time
}

type Agent struct {
	deps   Deps
	flight singleflight.Group
}

func New(deps Deps) (*Agent, error) {
	if deps.LLM == nil {
		return nil, errors.New("agent: LLM is required")
	}
	deps.Settings.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Agent{deps: deps}, nil
}

// Resolve answers req from the first tier that has it: the exact cache, the
// semantic cache, then generation.
func (a *Agent) Resolve(ctx context.Context, req Request) (Result, error) {
	start := a.deps.Now()
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return Result{}, ErrEmptyQuery
	}
	session := req.SessionID
	if session == "" {
		session = uuid.New().String()
	}
	logger := logging.FromOr(ctx, a.deps.Logger).With("session_id", session)

	if req.UseCache {
		if text, ok := a.exactLookup(ctx, query); ok {
			logger.Debug("exact cache hit")
			return a.finish(ctx, start, Result{Text: text, Source: SourceExact, SessionID: session}), nil
		}
		if hit := a.semanticLookup(ctx, logger, query); hit != nil {
			logger.Debug("semantic cache hit", "distance", hit.Distance, "id", hit.ID)
			return a.finish(ctx, start, Result{
				Text:       hit.Response,
				Source:     SourceSemantic,
				Similarity: hit.Similarity,
				SessionID:  session,
			}), nil
		}
	}

	memories, history := a.assembleContext(ctx, query, session, req.UseMemory)
	if a.deps.Gate != nil {
		if err := a.deps.Gate.Allow(ctx, session); err != nil {
			return Result{}, err
		}
	}
	p := prompt{query: query, session: session, memories: memories, history: history}

	if req.UseCache {
		return a.generateShared(ctx, start, p)
	}
	res, err := a.generate(ctx, p, false)
	if err != nil {
		return Result{}, err
	}
	return a.finish(ctx, start, res), nil
}

// prompt is one caller's admitted generation request with its context.
type prompt struct {
	query    string
	session  string
	memories []memory.Fragment
	history  []storage.Turn
}

// flightKey groups identical misses. A session with history gets its own key
// so that no caller is answered from another session's conversation.
func flightKey(p prompt) string {
	key := cache.Normalize(p.query)
	if len(p.history) > 0 {
		key += "\x00" + p.session
	}
	return key
}

// generateShared collapses concurrent identical misses into one generation.
// Every caller has passed its own quota check before joining. The leader
// generates detached from its caller's cancellation and records its own
// stats inside the flight, so neither followers nor the daily totals depend
// on the leader staying connected. Followers are charged a request and have
// the exchange logged to their own session.
func (a *Agent) generateShared(ctx context.Context, start time.Time, p prompt) (Result, error) {
	var (
		mu     sync.Mutex
		leader bool
	)
	ch := a.flight.DoChan(flightKey(p), func() (any, error) {
		mu.Lock()
		leader = true
		mu.Unlock()
		genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.deps.Settings.LLMTimeout)
		defer cancel()
		res, err := a.generate(genCtx, p, true)
		if err != nil {
			return nil, err
		}
		return a.finish(genCtx, start, res), nil
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		res := r.Val.(Result)
		mu.Lock()
		isLeader := leader
		mu.Unlock()
		if isLeader {
			return res, nil
		}
		return a.follow(ctx, start, p, res), nil
	}
}

// follow books a shared answer against the follower's own session.
func (a *Agent) follow(ctx context.Context, start time.Time, p prompt, shared Result) Result {
	logger := logging.FromOr(ctx, a.deps.Logger)
	if a.deps.Gate != nil {
		if err := a.deps.Gate.Record(ctx, p.session, 0); err != nil {
			logger.Warn("quota record failed", "error", err)
		}
	}
	if a.deps.Writer != nil {
		err := a.deps.Writer.Commit(ctx, writeback.Payload{
			Query:       p.query,
			Response:    shared.Text,
			SessionID:   p.session,
			GeneratedAt: a.deps.Now(),
		})
		if err != nil {
			logger.Warn("writeback incomplete, left for replay", "error", err)
		}
	}
	res := shared
	res.Shared = true
	res.Cost = 0
	res.SessionID = p.session
	res.Memories = len(p.memories)
	return a.finish(ctx, start, res)
}

// generate calls the LLM for an admitted request and persists the answer.
// useCache controls whether the answer is written to the cache tiers.
func (a *Agent) generate(ctx context.Context, p prompt, useCache bool) (Result, error) {
	msgs := buildMessages(p.query, p.memories, p.history)
	genCtx, cancel := context.WithTimeout(ctx, a.deps.Settings.LLMTimeout)
	defer cancel()
	comp, err := a.deps.LLM.Generate(genCtx, msgs, engine.Options{
		MaxTokens:   a.deps.Settings.MaxTokens,
		Temperature: a.deps.Settings.Temperature,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	tokens := comp.TokensUsed
	if tokens <= 0 {
		tokens = estimatePromptTokens(msgs) + engine.EstimateTokens(comp.Text)
	}
	generatedAt := a.deps.Now()

	logger := logging.FromOr(ctx, a.deps.Logger)
	if a.deps.Gate != nil {
		if err := a.deps.Gate.Record(ctx, p.session, tokens); err != nil {
			logger.Warn("quota record failed", "error", err)
		}
	}
	if a.deps.Writer != nil {
		err := a.deps.Writer.Commit(ctx, writeback.Payload{
			Query:       p.query,
			Response:    comp.Text,
			SessionID:   p.session,
			Tokens:      tokens,
			GeneratedAt: generatedAt,
			UseCache:    useCache,
		})
		if err != nil {
			logger.Warn("writeback incomplete, left for replay", "error", err)
		}
	}

	return Result{
		Text:      comp.Text,
		Source:    SourceGenerated,
		Cost:      tokens,
		SessionID: p.session,
		Model:     comp.Model,
		Memories:  len(p.memories),
	}, nil
}

// assembleContext fetches recalled memories and recent history concurrently.
// Either failing leaves its part empty.
func (a *Agent) assembleContext(ctx context.Context, query, session string, useMemory bool) ([]memory.Fragment, []storage.Turn) {
	var (
		memories []memory.Fragment
		history  []storage.Turn
	)
	logger := logging.FromOr(ctx, a.deps.Logger)
	g, gctx := errgroup.WithContext(ctx)

	if useMemory && a.deps.Memory != nil {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(gctx, a.deps.Settings.MemoryTimeout)
			defer cancel()
			m, err := a.deps.Memory.Recall(tctx, query, a.deps.Settings.ContextItems)
			if err != nil {
				logger.Warn("memory recall failed", "error", err)
				return nil
			}
			memories = m
			return nil
		})
	}
	if a.deps.History != nil {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(gctx, a.deps.Settings.MemoryTimeout)
			defer cancel()
			h, err := a.deps.History.RecentTurns(tctx, session, a.deps.Settings.HistoryTurns)
			if err != nil {
				logger.Warn("history lookup failed", "error", err)
				return nil
			}
			history = h
			return nil
		})
	}
	_ = g.Wait()
	return memories, history
}

func (a *Agent) exactLookup(ctx context.Context, query string) (string, bool) {
	if a.deps.Exact == nil {
		return "", false
	}
	tctx, cancel := context.WithTimeout(ctx, a.deps.Settings.CacheTimeout)
	defer cancel()
	return a.deps.Exact.Get(tctx, query)
}

func (a *Agent) semanticLookup(ctx context.Context, logger *slog.Logger, query string) *semantic.Hit {
	if a.deps.Semantic == nil {
		return nil
	}
	tctx, cancel := context.WithTimeout(ctx, a.deps.Settings.MemoryTimeout)
	defer cancel()
	hit, err := a.deps.Semantic.Lookup(tctx, query)
	if err != nil {
		logger.Warn("semantic cache lookup failed", "error", err)
		return nil
	}
	return hit
}

// finish stamps the elapsed time and records the daily stats.
func (a *Agent) finish(ctx context.Context, start time.Time, res Result) Result {
	elapsed := a.deps.Now().Sub(start)
	res.ElapsedMs = elapsed.Milliseconds()
	if a.deps.Stats != nil {
		if err := a.deps.Stats.RecordQuery(ctx, start, res.Cost, res.Cached(), elapsed); err != nil {
			logging.FromOr(ctx, a.deps.Logger).Warn("recording stats failed", "error", err)
		}
	}
	return res
}

func estimatePromptTokens(msgs []engine.Message) int {
	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Content
	}
	return engine.EstimateTokens(texts...)
}
