// Package api exposes the research agent over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/ferret/internal/agent"
	"github.com/kalambet/ferret/internal/analysis"
	"github.com/kalambet/ferret/internal/cache"
	"github.com/kalambet/ferret/internal/card"
	"github.com/kalambet/ferret/internal/evidence"
	"github.com/kalambet/ferret/internal/memory"
	"github.com/kalambet/ferret/internal/quota"
	"github.com/kalambet/ferret/internal/retrieval"
	"github.com/kalambet/ferret/internal/source"
	"github.com/kalambet/ferret/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

type Resolver interface {
	Resolve(ctx context.Context, req agent.Request) (agent.Result, error)
}

type Extractor interface {
	Extract(ctx context.Context, source, claim string) evidence.Passage
}

type CardFormatter interface {
	Format(ctx context.Context, req card.Request) card.Card
}

type CardExtractor interface {
	ExtractCards(ctx context.Context, req card.ExtractRequest) ([]card.Extracted, error)
}

type ArticleAnalyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (analysis.Analysis, error)
}

// HistoryReader returns the last turns of a session, oldest first.
type HistoryReader interface {
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]storage.Turn, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (source.Document, error)
}

type MemorySearcher interface {
	Recall(ctx context.Context, query string, n int) ([]memory.Fragment, error)
}

type QuotaReporter interface {
	Status(ctx context.Context, callerID string) (quota.Status, error)
}

type CacheAdmin interface {
	Stats(ctx context.Context) (cache.Stats, error)
	Clear(ctx context.Context, expiredOnly bool) (int64, error)
}

type CollectionCounter interface {
	Count(ctx context.Context, collection string) (int, error)
}

type DayStatsReader interface {
	StatsForDay(ctx context.Context, at time.Time) (storage.DayStats, error)
}

// Deps holds the services behind the HTTP and MCP surfaces. Fetcher may be
// nil, which disables extraction by URL.
type Deps struct {
	Agent       Resolver
	Evidence    Extractor
	Cards       CardFormatter
	CardCutter  CardExtractor
	Analyzer    ArticleAnalyzer
	History     HistoryReader
	Fetcher     Fetcher
	Memory      MemorySearcher
	Quota       QuotaReporter
	Cache       CacheAdmin
	Collections CollectionCounter
	Stats       DayStatsReader
	Token       string
	Logger      *slog.Logger
}

// NewHandler returns the ferret REST API. Everything except /health requires
// the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/v1/chat", handleChat(deps))
		r.Get("/v1/chat/history/{session_id}", handleHistory(deps))
		r.Post("/v1/evidence/extract", handleExtract(deps))
		r.Post("/v1/cards", handleCard(deps))
		r.Post("/v1/cards/extract", handleCardExtract(deps))
		r.Post("/v1/analyze", handleAnalyze(deps))
		r.Get("/v1/memory/search", handleMemorySearch(deps))
		r.Get("/v1/quota", handleQuota(deps))
		r.Get("/v1/stats", handleStats(deps))
		r.Delete("/v1/cache", handleClearCache(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := agent.Request{UseCache: true, UseMemory: true}
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		res, err := deps.Agent.Resolve(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type extractRequest struct {
	Source string `json:"source"`
	URL    string `json:"url"`
	Claim  string `json:"claim"`
}

type extractResponse struct {
	evidence.Passage
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

func handleExtract(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req extractRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Claim) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "claim is required")
			return
		}

		resp := extractResponse{URL: req.URL}
		text, title, ok := sourceText(w, r, deps, req.Source, req.URL, "source")
		if !ok {
			return
		}
		resp.Title = title
		resp.Passage = deps.Evidence.Extract(r.Context(), text, req.Claim)
		writeJSON(w, http.StatusOK, resp)
	}
}

// sourceText returns inline text, or fetches rawURL when text is empty. It
// writes the error response itself and reports false on failure.
func sourceText(w http.ResponseWriter, r *http.Request, deps Deps, text, rawURL, field string) (string, string, bool) {
	switch {
	case text != "":
		return text, "", true
	case rawURL != "":
		if deps.Fetcher == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "fetching by url is disabled")
			return "", "", false
		}
		doc, err := deps.Fetcher.Fetch(r.Context(), rawURL)
		if err != nil {
			writeError(w, r, err)
			return "", "", false
		}
		return doc.Text, doc.Title, true
	default:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "one of %s or url is required", field)
		return "", "", false
	}
}

type cardExtractRequest struct {
	card.ExtractRequest
	URL string `json:"url"`
}

type cardExtractResponse struct {
	Cards []card.Extracted `json:"cards"`
	Count int              `json:"count"`
	Title string           `json:"title,omitempty"`
}

func handleCardExtract(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cardExtractRequest
		if !decodeBody(w, r, &req) {
			return
		}
		text, title, ok := sourceText(w, r, deps, strings.TrimSpace(req.Document), req.URL, "document")
		if !ok {
			return
		}
		req.Document = text
		cards, err := deps.CardCutter.ExtractCards(r.Context(), req.ExtractRequest)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if cards == nil {
			cards = []card.Extracted{}
		}
		writeJSON(w, http.StatusOK, cardExtractResponse{Cards: cards, Count: len(cards), Title: title})
	}
}

type analyzeRequest struct {
	analysis.Request
	URL string `json:"url"`
}

type analyzeResponse struct {
	analysis.Analysis
	URL string `json:"url,omitempty"`
}

func handleAnalyze(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req analyzeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		text, title, ok := sourceText(w, r, deps, strings.TrimSpace(req.Text), req.URL, "text")
		if !ok {
			return
		}
		req.Text = text
		if req.Title == "" {
			req.Title = title
		}
		if req.Source == "" {
			req.Source = req.URL
		}
		res, err := deps.Analyzer.Analyze(r.Context(), req.Request)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, analyzeResponse{Analysis: res, URL: req.URL})
	}
}

type historyTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := chi.URLParam(r, "session_id")
		limit := queryInt(r, "limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}
		turns, err := deps.History.RecentTurns(r.Context(), session, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]historyTurn, 0, len(turns))
		for _, t := range turns {
			out = append(out, historyTurn{Role: t.Role, Content: t.Content, Tokens: t.Tokens, CreatedAt: t.CreatedAt})
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_id": session, "turns": out, "count": len(out)})
	}
}

func handleCard(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := card.Request{GenerateTag: true, Highlight: true}
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Evidence) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "evidence is required")
			return
		}
		writeJSON(w, http.StatusOK, deps.Cards.Format(r.Context(), req))
	}
}

func handleMemorySearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := queryInt(r, "limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}
		frags, err := deps.Memory.Recall(r.Context(), q, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if frags == nil {
			frags = []memory.Fragment{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"query": q, "results": frags, "count": len(frags)})
	}
}

func handleQuota(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Quota.Status(r.Context(), r.URL.Query().Get("caller"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

type cacheStats struct {
	cache.Stats
	HitRate float64 `json:"hit_rate"`
}

type statsResponse struct {
	Cache       cacheStats     `json:"cache"`
	Collections map[string]int `json:"collections"`
	Today       todayStats     `json:"today"`
}

type todayStats struct {
	Date          string  `json:"date"`
	Queries       int64   `json:"queries"`
	Tokens        int64   `json:"tokens"`
	CacheHits     int64   `json:"cache_hits"`
	AvgResponseMs float64 `json:"avg_response_ms"`
}

func collectStats(ctx context.Context, deps Deps) (statsResponse, error) {
	cs, err := deps.Cache.Stats(ctx)
	if err != nil {
		return statsResponse{}, err
	}
	out := statsResponse{
		Cache:       cacheStats{Stats: cs, HitRate: cs.HitRate()},
		Collections: map[string]int{},
	}
	for _, c := range []string{retrieval.CollectionMemory, retrieval.CollectionResponses} {
		n, err := deps.Collections.Count(ctx, c)
		if err != nil {
			return statsResponse{}, err
		}
		out.Collections[c] = n
	}
	day, err := deps.Stats.StatsForDay(ctx, time.Now())
	if err != nil {
		return statsResponse{}, err
	}
	out.Today = todayStats{
		Date:          day.Date,
		Queries:       day.Queries,
		Tokens:        day.Tokens,
		CacheHits:     day.CacheHits,
		AvgResponseMs: day.AvgResponseMs(),
	}
	return out, nil
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := collectStats(r.Context(), deps)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleClearCache(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Cache.Clear(r.Context(), false)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
