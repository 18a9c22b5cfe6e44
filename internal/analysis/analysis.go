// Package analysis reads an article for debate use: citation details, a
// plain-language summary, its side on the resolution and the arguments it
// supports.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/ferret/internal/engine"
	"github.com/kalambet/ferret/internal/logging"
)

// Text limits. Longer articles are cut to MaxTextLen bytes and marked.
const (
	MinTextLen    = 100
	MaxTextLen    = 12000
	truncatedNote = "\n\n[Article truncated due to length]"
)

var (
	ErrTooShort   = errors.New("article text too short or empty")
	ErrGeneration = errors.New("analysis failed")
	ErrBadReply   = errors.New("unparseable analysis reply")
)

// DefaultTopic is the resolution context given to the model.
const DefaultTopic = `The 2025-2026 Policy Debate Resolution is:
"Resolved: The United States federal government should significantly increase
its exploration and/or development of the Arctic."

Key topic areas include energy, shipping, security, climate change,
indigenous rights, scientific research, mining and icebreaker capacity.`

var (
	sides       = []string{"aff", "neg", "both", "neutral"}
	sourceTypes = []string{"news", "think_tank", "academic", "government"}
	topicAreas  = []string{"climate", "security", "economy", "shipping", "energy", "indigenous", "research", "environment", "military", "mining", "diplomacy"}
)

// Gate is the global quota check for analysis calls.
type Gate interface {
	Allow(ctx context.Context, callerID string) error
	Record(ctx context.Context, callerID string, tokens int) error
}

type Request struct {
	Text   string `json:"text"`
	Title  string `json:"title,omitempty"`
	Source string `json:"source,omitempty"`
}

type Analysis struct {
	Title             string   `json:"title"`
	AuthorName        string   `json:"author_name"`
	AuthorCredentials string   `json:"author_credentials"`
	PublicationYear   *int     `json:"publication_year"`
	SourceName        string   `json:"source_name"`
	SourceType        string   `json:"source_type"`
	Summary           string   `json:"summary"`
	KeyClaims         []string `json:"key_claims"`
	Side              string   `json:"side"`
	SideConfidence    float64  `json:"side_confidence"`
	SideExplanation   string   `json:"side_explanation"`
	TopicAreas        []string `json:"topic_areas"`
	SupportsArguments []string `json:"supports_arguments"`
	AgainstArguments  []string `json:"against_arguments"`
	RelevanceScore    int      `json:"relevance_score"`
	BestUse           string   `json:"best_use"`
	TokensUsed        int      `json:"tokens_used"`
	Truncated         bool     `json:"truncated,omitempty"`
}

type Analyzer struct {
	llm    engine.Generator
	gate   Gate
	topic  string
	logger *slog.Logger
}

// New creates an Analyzer. gate may be nil; an empty topic uses DefaultTopic.
func New(llm engine.Generator, gate Gate, topic string, logger *slog.Logger) *Analyzer {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{llm: llm, gate: gate, topic: topic, logger: logger}
}

// Analyze asks the model for a structured reading of the article. The
// request is checked against the global budgets before the model is called.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (Analysis, error) {
	text := strings.TrimSpace(req.Text)
	if len(text) < MinTextLen {
		return Analysis{}, ErrTooShort
	}
	truncated := len(text) > MaxTextLen
	if truncated {
		text = cut(text, MaxTextLen) + truncatedNote
	}
	if a.gate != nil {
		if err := a.gate.Allow(ctx, ""); err != nil {
			return Analysis{}, err
		}
	}

	prompt := analysisPrompt(a.topic, orUnknown(req.Title), orUnknown(req.Source), text)
	comp, err := a.llm.Generate(ctx, []engine.Message{
		{Role: "system", Content: "You are a debate research expert. Respond only with valid JSON."},
		{Role: "user", Content: prompt},
	}, engine.Options{MaxTokens: 2000, Temperature: 0.3})
	if err != nil {
		return Analysis{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	tokens := comp.TokensUsed
	if tokens <= 0 {
		tokens = engine.EstimateTokens(prompt, comp.Text)
	}
	logger := logging.FromOr(ctx, a.logger)
	if a.gate != nil {
		if err := a.gate.Record(ctx, "", tokens); err != nil {
			logger.Warn("quota record failed", "error", err)
		}
	}

	out, err := parseAnalysis(comp.Text)
	if err != nil {
		logger.Warn("analysis reply not parseable", "error", err, "reply_len", len(comp.Text))
		return Analysis{}, err
	}
	out.normalize()
	out.TokensUsed = tokens
	out.Truncated = truncated
	logger.Debug("article analyzed", "side", out.Side, "relevance", out.RelevanceScore, "tokens", tokens)
	return out, nil
}

// parseAnalysis decodes the outermost JSON object in reply.
func parseAnalysis(reply string) (Analysis, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return Analysis{}, ErrBadReply
	}
	var out Analysis
	if err := json.Unmarshal([]byte(reply[start:end+1]), &out); err != nil {
		return Analysis{}, fmt.Errorf("%w: %w", ErrBadReply, err)
	}
	return out, nil
}

func (a *Analysis) normalize() {
	a.Side = strings.ToLower(strings.TrimSpace(a.Side))
	if !slices.Contains(sides, a.Side) {
		a.Side = "neutral"
	}
	a.SourceType = strings.ToLower(strings.TrimSpace(a.SourceType))
	if !slices.Contains(sourceTypes, a.SourceType) {
		a.SourceType = ""
	}
	a.SideConfidence = min(max(a.SideConfidence, 0), 1)
	if a.RelevanceScore != 0 {
		a.RelevanceScore = min(max(a.RelevanceScore, 1), 10)
	}
	if len(a.KeyClaims) > 5 {
		a.KeyClaims = a.KeyClaims[:5]
	}
	areas := a.TopicAreas[:0]
	for _, t := range a.TopicAreas {
		t = strings.ToLower(strings.TrimSpace(t))
		if slices.Contains(topicAreas, t) && !slices.Contains(areas, t) {
			areas = append(areas, t)
		}
	}
	a.TopicAreas = areas
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Unknown"
	}
	return s
}

func cut(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func analysisPrompt(topic, title, source, text string) string {
	return `You are a debate coach helping a high school policy debater analyze articles.

` + topic + `

Analyze this article and extract information useful for debate. Write the summary in clear, accessible language: be direct and explain why this matters for the debate.

ARTICLE TITLE: ` + title + `
ARTICLE SOURCE: ` + source + `
ARTICLE TEXT:
` + text + `

Provide your analysis in the following JSON format:
{
    "title": "Article title (cleaned up if needed)",
    "author_name": "Author's full name or 'Unknown'",
    "author_credentials": "Author's title, position, expertise (if mentioned)",
    "publication_year": 2024,
    "source_name": "Publication name",
    "source_type": "news|think_tank|academic|government",
    "summary": "2-3 plain sentences: the main point and why it matters for the debate",
    "key_claims": ["up to 5 major claims, stated simply"],
    "side": "aff|neg|both|neutral",
    "side_confidence": 0.8,
    "side_explanation": "One sentence on why",
    "topic_areas": ["area1", "area2"],
    "supports_arguments": ["Specific debate arguments this evidence supports"],
    "against_arguments": ["Opponent arguments this helps answer"],
    "relevance_score": 7,
    "best_use": "When to read this card"
}

Use null for an unknown publication_year. relevance_score is 1-10, side_confidence is 0.0-1.0.
Valid topic_areas: ` + strings.Join(topicAreas, ", ") + `
Valid source_types: ` + strings.Join(sourceTypes, ", ") + `

Respond ONLY with valid JSON, no other text.`
}
