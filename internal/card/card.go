// Package card formats evidence into policy debate cards: a tag line, a
// citation and the card text with key phrases underlined.
package card

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/ferret/internal/engine"
	"github.com/kalambet/ferret/internal/logging"
)

// DefaultTag is used when no tag can be generated.
const DefaultTag = "Evidence supports the argument"

var (
	// ErrGeneration wraps model failures.
	ErrGeneration = errors.New("card generation failed")
	// ErrBadReply is returned when the model's card list cannot be parsed.
	ErrBadReply = errors.New("unparseable card list")
)

// Citation identifies the source of a card.
type Citation struct {
	Author         string `json:"author"`
	Year           string `json:"year"`
	Title          string `json:"title"`
	Source         string `json:"source"`
	URL            string `json:"url,omitempty"`
	Qualifications string `json:"qualifications,omitempty"`
}

// FormatCitation renders "Last YY (quals)" on the first line and
// "Title, Source" on the second, followed by the URL when present.
func FormatCitation(c Citation) string {
	var sb strings.Builder
	sb.WriteString(lastName(c.Author))
	sb.WriteString(" ")
	sb.WriteString(shortYear(c.Year))
	if q := strings.TrimSpace(c.Qualifications); q != "" {
		sb.WriteString(" (")
		sb.WriteString(q)
		sb.WriteString(")")
	}
	sb.WriteString("\n")
	sb.WriteString(c.Title)
	if c.Source != "" && c.Source != c.Title {
		sb.WriteString(", ")
		sb.WriteString(c.Source)
	}
	if c.URL != "" {
		sb.WriteString("\n")
		sb.WriteString(c.URL)
	}
	return sb.String()
}

func lastName(author string) string {
	parts := strings.Fields(author)
	if len(parts) == 0 {
		return "Unknown"
	}
	if strings.Contains(strings.ToLower(author), "et al") {
		return parts[0] + " et al."
	}
	if n := strings.TrimRight(parts[len(parts)-1], ",."); n != "" {
		return n
	}
	return "Unknown"
}

func shortYear(year string) string {
	year = strings.TrimSpace(year)
	if year == "" {
		return "??"
	}
	if len(year) > 2 {
		return year[len(year)-2:]
	}
	return year
}

// Gate is the global quota check for formatter calls.
type Gate interface {
	Allow(ctx context.Context, callerID string) error
	Record(ctx context.Context, callerID string, tokens int) error
}

type Formatter struct {
	llm    engine.Generator
	gate   Gate
	logger *slog.Logger
}

// NewFormatter creates a Formatter. gate may be nil.
func NewFormatter(llm engine.Generator, gate Gate, logger *slog.Logger) *Formatter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Formatter{llm: llm, gate: gate, logger: logger}
}

// Request describes one card. KeyPhrases, when given, skip phrase selection.
type Request struct {
	Evidence        string   `json:"evidence"`
	Citation        Citation `json:"citation"`
	ArgumentContext string   `json:"argument_context,omitempty"`
	GenerateTag     bool     `json:"generate_tag"`
	Highlight       bool     `json:"highlight"`
	KeyPhrases      []string `json:"key_phrases,omitempty"`
}

type Card struct {
	Tag         string   `json:"tag"`
	Cite        string   `json:"cite"`
	CardText    string   `json:"card_text"`
	Highlighted string   `json:"highlighted_text"`
	KeyPhrases  []string `json:"key_phrases"`
	FullCard    string   `json:"full_card"`
}

// Format builds the complete card.
func (f *Formatter) Format(ctx context.Context, req Request) Card {
	c := Card{
		Cite:        FormatCitation(req.Citation),
		CardText:    req.Evidence,
		Highlighted: req.Evidence,
		KeyPhrases:  []string{},
	}
	if req.GenerateTag {
		c.Tag = f.Tag(ctx, req.Evidence, req.ArgumentContext)
	}
	if req.Highlight {
		c.Highlighted, c.KeyPhrases = f.Highlight(ctx, req.Evidence, req.KeyPhrases)
	}

	var sb strings.Builder
	if c.Tag != "" {
		sb.WriteString("**" + c.Tag + "**\n\n")
	}
	sb.WriteString(c.Cite)
	sb.WriteString("\n\n")
	sb.WriteString(c.Highlighted)
	c.FullCard = sb.String()
	return c
}

// Tag asks the model for a one-line claim summarizing evidence.
func (f *Formatter) Tag(ctx context.Context, evidence, argumentContext string) string {
	if argumentContext == "" {
		argumentContext = "policy debate"
	}
	reply, err := f.generate(ctx, tagPrompt(argumentContext, head(evidence, 2000)), 100, 0.3)
	if err != nil {
		f.log(ctx).Warn("tag generation failed", "error", err)
		return DefaultTag
	}
	tag := strings.Trim(strings.TrimSpace(reply), `"'`)
	if strings.HasPrefix(strings.ToLower(tag), "tag:") {
		tag = strings.TrimSpace(tag[4:])
	}
	if tag == "" {
		return DefaultTag
	}
	return tag
}

// Highlight underlines key phrases as __phrase__. When phrases is empty the
// model picks them; model failures leave the text unmarked.
func (f *Formatter) Highlight(ctx context.Context, text string, phrases []string) (string, []string) {
	if len(phrases) == 0 {
		reply, err := f.generate(ctx, highlightPrompt(head(text, 3000)), 500, 0.2)
		if err != nil {
			f.log(ctx).Warn("phrase selection failed", "error", err)
			return text, []string{}
		}
		phrases = parsePhrases(reply)
	}

	out := text
	kept := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p == "" || !strings.Contains(out, p) {
			continue
		}
		out = strings.ReplaceAll(out, p, "__"+p+"__")
		kept = append(kept, p)
	}
	return out, kept
}

// Extraction limits.
const (
	DefaultMaxCards = 5
	MaxCards        = 10
	extractWindow   = 8000
)

// ExtractRequest asks for cards cut from a longer document.
type ExtractRequest struct {
	Document     string `json:"document"`
	TopicContext string `json:"topic_context,omitempty"`
	Side         string `json:"side,omitempty"`
	MaxCards     int    `json:"max_cards,omitempty"`
}

// Extracted is a card candidate. Its citation still has to be filled in.
type Extracted struct {
	Tag          string `json:"tag"`
	Passage      string `json:"passage"`
	ArgumentType string `json:"argument_type"`
	AuthorHint   string `json:"author_hint"`
	NeedsCite    bool   `json:"needs_cite"`
}

// ExtractCards asks the model for up to req.MaxCards quotable passages from
// the first 8000 bytes of the document. Quota denials and model failures are
// returned as errors.
func (f *Formatter) ExtractCards(ctx context.Context, req ExtractRequest) ([]Extracted, error) {
	n := req.MaxCards
	if n <= 0 {
		n = DefaultMaxCards
	}
	n = min(n, MaxCards)
	topic := req.TopicContext
	if topic == "" {
		topic = "Arctic policy debate"
	}
	side := strings.ToLower(strings.TrimSpace(req.Side))
	if side != "neg" {
		side = "aff"
	}

	reply, err := f.generate(ctx, extractPrompt(topic, side, head(req.Document, extractWindow), n), 2000, 0.3)
	if err != nil {
		return nil, err
	}
	raw, err := parseCards(reply)
	if err != nil {
		f.log(ctx).Warn("card extraction reply not parseable", "error", err)
		return nil, err
	}

	cards := make([]Extracted, 0, min(len(raw), n))
	for _, c := range raw {
		if len(cards) == n {
			break
		}
		if strings.TrimSpace(c.Passage) == "" {
			continue
		}
		c.NeedsCite = true
		cards = append(cards, c)
	}
	f.log(ctx).Debug("cards extracted", "count", len(cards), "side", side)
	return cards, nil
}

// parseCards reads a JSON array of cards, tolerating code fences and prose
// around it.
func parseCards(reply string) ([]Extracted, error) {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end < start {
		return nil, ErrBadReply
	}
	var cards []Extracted
	if err := json.Unmarshal([]byte(reply[start:end+1]), &cards); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadReply, err)
	}
	return cards, nil
}

func (f *Formatter) generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	if f.gate != nil {
		if err := f.gate.Allow(ctx, ""); err != nil {
			return "", err
		}
	}
	comp, err := f.llm.Generate(ctx, []engine.Message{{Role: "user", Content: prompt}}, engine.Options{
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	if f.gate != nil {
		tokens := comp.TokensUsed
		if tokens <= 0 {
			tokens = engine.EstimateTokens(prompt, comp.Text)
		}
		if err := f.gate.Record(ctx, "", tokens); err != nil {
			f.log(ctx).Warn("quota record failed", "error", err)
		}
	}
	return comp.Text, nil
}

func (f *Formatter) log(ctx context.Context) *slog.Logger {
	return logging.FromOr(ctx, f.logger)
}

// parsePhrases accepts a JSON array of strings, optionally fenced, or an
// object with a "phrases" array.
func parsePhrases(reply string) []string {
	reply = strings.TrimSpace(reply)
	reply = strings.TrimPrefix(reply, "```json")
	reply = strings.TrimPrefix(reply, "```")
	reply = strings.TrimSpace(strings.TrimSuffix(reply, "```"))

	var list []string
	if err := json.Unmarshal([]byte(reply), &list); err == nil {
		return list
	}
	var obj struct {
		Phrases []string `json:"phrases"`
	}
	if err := json.Unmarshal([]byte(reply), &obj); err == nil {
		return obj.Phrases
	}
	return nil
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func tagPrompt(argumentContext, evidence string) string {
	return `Generate a debate TAG for this evidence. A tag is a one-line claim that summarizes the key argument.

Rules for a good tag:
- Complete sentence stating a claim
- Active voice, present tense when possible
- Specific and impactful
- 10-20 words
- Makes the argument clear without reading the card

Context: ` + argumentContext + `

Evidence:
` + evidence + `

Reply with ONLY the tag line. No quotes, no "Tag:" prefix.`
}

func highlightPrompt(evidence string) string {
	return `Identify the 5-10 most important phrases in this evidence that a debater should underline.

Pick phrases that:
- Carry the strongest warrants
- Include key statistics or facts
- Make the argument clear when read alone

Evidence:
` + evidence + `

Reply with ONLY a JSON array of exact phrases copied from the evidence.
Format: ["phrase 1", "phrase 2"]`
}

func extractPrompt(topic, side, document string, n int) string {
	stance := "supports the resolution"
	if side == "neg" {
		stance = "opposes the resolution"
	}
	return fmt.Sprintf(`You are a Policy Debate coach helping extract cards from a document.

Topic context: %s
Side: %s (%s)

Document text:
%s

Extract up to %d debate cards from this document. For each card, identify:
1. The best quotable passage (50-200 words)
2. A tag (one-line claim summarizing the argument)
3. What advantage/disadvantage this supports

Return as JSON array:
[
  {
    "passage": "The exact quote...",
    "tag": "One-line claim",
    "argument_type": "Advantage 1: Ecosystem",
    "author_hint": "Lastname YYYY if visible"
  }
]

Only return the JSON array, nothing else.`, topic, strings.ToUpper(side), stance, document, n)
}
