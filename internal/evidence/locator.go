// Package evidence finds verbatim quotations in source documents. An LLM
// proposes a quote for a claim; the quote is then verified against the
// source, recovered approximately when the model paraphrased, and widened to
// whole sentences for context.
package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/ferret/internal/engine"
	"github.com/kalambet/ferret/internal/logging"
)

// Extraction methods.
const (
	MethodExact    = "exact"
	MethodFuzzy    = "fuzzy"
	MethodFallback = "fallback"
	MethodNone     = "none"
)

const (
	minSourceChars = 100
	maxSourceChars = 6000
	maxClaimChars  = 500
	fallbackChars  = 500
)

// Passage is the outcome of Extract. When Success is true, Text occurs in
// the source at byte Offset. Offset is -1 otherwise.
type Passage struct {
	Text    string  `json:"passage"`
	Offset  int     `json:"offset"`
	Context string  `json:"context_passage"`
	Note    string  `json:"relevance"`
	Success bool    `json:"success"`
	Method  string  `json:"method"`
	Score   float64 `json:"score,omitempty"`
}

// Gate is the quota check for locator calls. Locator calls are not tied to
// a caller, so only the global budgets apply.
type Gate interface {
	Allow(ctx context.Context, callerID string) error
	Record(ctx context.Context, callerID string, tokens int) error
}

type Settings struct {
	FuzzyThreshold  float64
	SentencesBefore int
	SentencesAfter  int
	Timeout         time.Duration
}

type Locator struct {
	llm      engine.Generator
	gate     Gate
	settings Settings
	logger   *slog.Logger
}

// New creates a Locator. gate may be nil.
func New(llm engine.Generator, gate Gate, settings Settings, logger *slog.Logger) *Locator {
	if settings.FuzzyThreshold <= 0 {
		settings.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locator{llm: llm, gate: gate, settings: settings, logger: logger}
}

// Extract locates the strongest supporting quotation for claim in source.
// It never fails: problems are reported through Success, Method and Note,
// with the opening of the source as a usable fallback passage.
func (l *Locator) Extract(ctx context.Context, source, claim string) Passage {
	logger := logging.FromOr(ctx, l.logger)
	if utf8.RuneCountInString(strings.TrimSpace(source)) < minSourceChars {
		return Passage{Offset: -1, Method: MethodNone, Note: "source too short"}
	}

	if l.gate != nil {
		if err := l.gate.Allow(ctx, ""); err != nil {
			logger.Warn("evidence extraction denied", "error", err)
			return fallback(source, err.Error())
		}
	}

	genCtx, cancel := context.WithTimeout(ctx, l.settings.Timeout)
	defer cancel()
	comp, err := l.llm.Generate(genCtx, []engine.Message{
		{Role: "user", Content: buildPrompt(headRunes(source, maxSourceChars), headRunes(claim, maxClaimChars))},
	}, engine.Options{MaxTokens: 800, Temperature: 0.2, JSON: true})
	if err != nil {
		logger.Warn("evidence generation failed", "error", err)
		return fallback(source, fmt.Sprintf("extraction failed: %v", err))
	}
	tokens := comp.TokensUsed
	if tokens <= 0 {
		tokens = engine.EstimateTokens(source[:min(len(source), maxSourceChars)], comp.Text)
	}
	if l.gate != nil {
		if err := l.gate.Record(ctx, "", tokens); err != nil {
			logger.Warn("quota record failed", "error", err)
		}
	}

	candidate, note := parseCandidate(comp.Text)
	if candidate == "" {
		return fallback(source, "model returned no passage")
	}

	if off := strings.Index(source, candidate); off >= 0 {
		return Passage{
			Text:    candidate,
			Offset:  off,
			Context: SentenceContext(source, off, l.settings.SentencesBefore, l.settings.SentencesAfter),
			Note:    note,
			Success: true,
			Method:  MethodExact,
			Score:   1,
		}
	}

	m, ok := FuzzyMatch(source, candidate, l.settings.FuzzyThreshold)
	if !ok {
		logger.Info("quoted passage not found in source", "best_score", m.Score)
		p := fallback(source, "quoted passage not found in source")
		p.Score = m.Score
		return p
	}
	logger.Debug("passage recovered by fuzzy match", "score", m.Score, "offset", m.Offset)
	return Passage{
		Text:    m.Text,
		Offset:  m.Offset,
		Context: SentenceContext(source, m.Offset, l.settings.SentencesBefore, l.settings.SentencesAfter),
		Note:    note,
		Success: true,
		Method:  MethodFuzzy,
		Score:   m.Score,
	}
}

func fallback(source, note string) Passage {
	return Passage{
		Text:   headRunes(strings.TrimSpace(source), fallbackChars),
		Offset: -1,
		Note:   note,
		Method: MethodFallback,
	}
}

func buildPrompt(source, claim string) string {
	return `You are helping a policy debater cut an evidence card.

Claim:
` + claim + `

Source document:
` + source + `

Find the passage of 50 to 300 words in the source document that most strongly supports the claim.
Copy it exactly as it appears, word for word. Do not paraphrase, summarize or fix typos.

Respond with JSON only:
{"passage": "the exact quotation", "relevance": "one sentence on how it supports the claim"}`
}

// parseCandidate reads the model reply. JSON is preferred; a plain-text
// reply is taken as the passage itself.
func parseCandidate(reply string) (passage, note string) {
	reply = strings.TrimSpace(reply)
	reply = strings.TrimPrefix(reply, "```json")
	reply = strings.TrimPrefix(reply, "```")
	reply = strings.TrimSuffix(reply, "```")
	reply = strings.TrimSpace(reply)

	var out struct {
		Passage   string `json:"passage"`
		Relevance string `json:"relevance"`
	}
	if err := json.Unmarshal([]byte(reply), &out); err == nil && out.Passage != "" {
		return stripQuotes(out.Passage), strings.TrimSpace(out.Relevance)
	}
	return stripQuotes(reply), ""
}

func stripQuotes(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"'“”‘’`))
}

// headRunes returns at most n runes from the start of s.
func headRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
