package evidence

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/ferret/internal/engine"
)

var arcticSentences = []string{
	"Sea ice in the Arctic has declined sharply over four decades.",
	"Melting permafrost releases methane into the atmosphere rapidly.",
	"Commercial shipping routes through northern waters are opening earlier each summer.",
	"Indigenous communities depend on stable coastal ice for hunting.",
	"Scientists warn that feedback loops could accelerate regional warming.",
	"Policy makers have been slow to respond to these changes.",
}

var arcticSource = strings.Join(arcticSentences, " ")

func TestFuzzyMatchNearMiss(t *testing.T) {
	// Two of the ten significant words differ from the source.
	candidate := "Commercial shipping lanes through northern oceans are opening earlier each summer"

	m, ok := FuzzyMatch(arcticSource, candidate, 0.5)
	if !ok {
		t.Fatalf("FuzzyMatch failed, score %v", m.Score)
	}
	if m.Score < 0.79 || m.Score > 0.81 {
		t.Errorf("Score = %v, want 0.8", m.Score)
	}
	if got := arcticSource[m.Offset : m.Offset+len(m.Text)]; got != m.Text {
		t.Errorf("passage is not the source slice at its offset")
	}
	if !strings.Contains(m.Text, "Commercial shipping routes through northern waters") {
		t.Errorf("passage %q does not cover the matched sentence", m.Text)
	}
}

func TestFuzzyMatchBelowThreshold(t *testing.T) {
	candidate := "Penguins migrate across Antarctic glaciers during winter storms"
	m, ok := FuzzyMatch(arcticSource, candidate, 0.5)
	if ok {
		t.Fatalf("FuzzyMatch succeeded with %q", m.Text)
	}
	if m.Text != "" {
		t.Errorf("Text = %q, want empty", m.Text)
	}
}

func TestFuzzyMatchTiePrefersEarliest(t *testing.T) {
	filler := strings.TrimSpace(strings.Repeat("word ", 30))
	source := filler + " distinct marker " + filler + " distinct marker " + filler

	m, ok := FuzzyMatch(source, "distinct marker", 0.5)
	if !ok {
		t.Fatal("FuzzyMatch failed")
	}
	if strings.Count(m.Text, "distinct marker") != 1 {
		t.Errorf("passage covers %d markers, want 1", strings.Count(m.Text, "distinct marker"))
	}
	if m.Offset >= strings.Index(source, "distinct marker") {
		t.Errorf("Offset = %d, want padding before the first marker", m.Offset)
	}
	if !strings.HasPrefix(m.Text, "word") || !strings.HasSuffix(m.Text, "word") {
		t.Errorf("passage not padded on both sides: %q", m.Text)
	}
	if got := len(strings.Fields(m.Text)); got != 42 {
		t.Errorf("passage has %d words, want 42 (2 + 20 each side)", got)
	}
}

func TestFuzzyMatchNoSignificantWords(t *testing.T) {
	if _, ok := FuzzyMatch(arcticSource, "a an the of", 0.5); ok {
		t.Error("expected failure for a candidate without significant words")
	}
}

func TestSplitSentences(t *testing.T) {
	text := `  First one. Second "quoted!" Third? trailing words`
	spans := SplitSentences(text)
	var got []string
	for _, sp := range spans {
		got = append(got, text[sp.Start:sp.End])
	}
	want := []string{"First one.", `Second "quoted!"`, "Third?", "trailing words"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("SplitSentences = %q, want %q", got, want)
	}
}

func TestSentenceContextWindow(t *testing.T) {
	offset := strings.Index(arcticSource, "Commercial")
	got := SentenceContext(arcticSource, offset, 2, 2)
	want := strings.Join(arcticSentences[0:5], " ")
	if got != want {
		t.Errorf("SentenceContext =\n%q\nwant\n%q", got, want)
	}
}

func TestSentenceContextClamps(t *testing.T) {
	got := SentenceContext(arcticSource, 0, 2, 1)
	want := strings.Join(arcticSentences[0:2], " ")
	if got != want {
		t.Errorf("SentenceContext = %q, want %q", got, want)
	}

	last := strings.Index(arcticSource, "Policy makers")
	got = SentenceContext(arcticSource, last, 1, 2)
	want = strings.Join(arcticSentences[4:], " ")
	if got != want {
		t.Errorf("SentenceContext = %q, want %q", got, want)
	}
}

func TestSentenceContextRadiusFallback(t *testing.T) {
	source := strings.Repeat("x", 1000)
	got := SentenceContext(source, -1, 2, 2)
	if len(got) != 400 {
		t.Errorf("fallback length = %d, want 400", len(got))
	}
}

type fakeGen struct {
	calls int
	reply string
	err   error
}

func (f *fakeGen) Generate(_ context.Context, _ []engine.Message, _ engine.Options) (engine.Completion, error) {
	f.calls++
	if f.err != nil {
		return engine.Completion{}, f.err
	}
	return engine.Completion{Text: f.reply, TokensUsed: 50}, nil
}

type fakeGate struct {
	deny     error
	recorded int
}

func (g *fakeGate) Allow(context.Context, string) error { return g.deny }

func (g *fakeGate) Record(_ context.Context, _ string, tokens int) error {
	g.recorded += tokens
	return nil
}

func newLocator(gen *fakeGen, gate *fakeGate) *Locator {
	return New(gen, gate, Settings{FuzzyThreshold: 0.5, SentencesBefore: 2, SentencesAfter: 2}, nil)
}

func TestExtractExact(t *testing.T) {
	gen := &fakeGen{reply: `{"passage": "Melting permafrost releases methane into the atmosphere rapidly.", "relevance": "Shows warming feedback."}`}
	gate := &fakeGate{}
	p := newLocator(gen, gate).Extract(context.Background(), arcticSource, "Arctic warming is self-reinforcing")

	if !p.Success || p.Method != MethodExact {
		t.Fatalf("got success=%v method=%q, want exact success", p.Success, p.Method)
	}
	if want := strings.Index(arcticSource, "Melting permafrost"); p.Offset != want {
		t.Errorf("Offset = %d, want %d", p.Offset, want)
	}
	if p.Note != "Shows warming feedback." {
		t.Errorf("Note = %q", p.Note)
	}
	if want := strings.Join(arcticSentences[0:4], " "); p.Context != want {
		t.Errorf("Context = %q, want %q", p.Context, want)
	}
	if gate.recorded != 50 {
		t.Errorf("recorded tokens = %d, want 50", gate.recorded)
	}
}

func TestExtractPlainTextReply(t *testing.T) {
	gen := &fakeGen{reply: `"Indigenous communities depend on stable coastal ice for hunting."`}
	p := newLocator(gen, &fakeGate{}).Extract(context.Background(), arcticSource, "claim")
	if !p.Success || p.Method != MethodExact {
		t.Fatalf("got %+v, want exact success", p)
	}
	if p.Text != "Indigenous communities depend on stable coastal ice for hunting." {
		t.Errorf("Text = %q", p.Text)
	}
}

func TestExtractFuzzy(t *testing.T) {
	gen := &fakeGen{reply: `{"passage": "Commercial shipping lanes through northern oceans are opening earlier each summer", "relevance": "r"}`}
	p := newLocator(gen, &fakeGate{}).Extract(context.Background(), arcticSource, "claim")
	if !p.Success || p.Method != MethodFuzzy {
		t.Fatalf("got success=%v method=%q, want fuzzy success", p.Success, p.Method)
	}
	if arcticSource[p.Offset:p.Offset+len(p.Text)] != p.Text {
		t.Error("passage is not verbatim at its offset")
	}
	if p.Context == "" {
		t.Error("Context is empty")
	}
}

func TestExtractNotFound(t *testing.T) {
	gen := &fakeGen{reply: `{"passage": "Penguins migrate across Antarctic glaciers during winter storms"}`}
	p := newLocator(gen, &fakeGate{}).Extract(context.Background(), arcticSource, "claim")
	if p.Success {
		t.Fatal("Success = true, want false")
	}
	if p.Offset != -1 {
		t.Errorf("Offset = %d, want -1", p.Offset)
	}
	if p.Text != arcticSource[:min(500, len(arcticSource))] {
		t.Errorf("Text = %q, want fallback opening", p.Text)
	}
}

func TestExtractLLMFailure(t *testing.T) {
	source := strings.Repeat("Evidence text. ", 100)
	gen := &fakeGen{err: errors.New("timeout")}
	p := newLocator(gen, &fakeGate{}).Extract(context.Background(), source, "claim")

	if p.Success || p.Method != MethodFallback {
		t.Fatalf("got success=%v method=%q, want fallback", p.Success, p.Method)
	}
	if len(p.Text) != 500 {
		t.Errorf("fallback length = %d, want 500", len(p.Text))
	}
	if !strings.Contains(p.Note, "timeout") {
		t.Errorf("Note = %q, want cause", p.Note)
	}
}

func TestExtractSourceTooShort(t *testing.T) {
	gen := &fakeGen{}
	p := newLocator(gen, &fakeGate{}).Extract(context.Background(), "   too short   ", "claim")
	if p.Success || p.Method != MethodNone || p.Note != "source too short" || p.Offset != -1 {
		t.Errorf("got %+v, want source too short", p)
	}
	if gen.calls != 0 {
		t.Errorf("generator calls = %d, want 0", gen.calls)
	}
}

func TestExtractDenied(t *testing.T) {
	gen := &fakeGen{reply: "unused"}
	p := newLocator(gen, &fakeGate{deny: errors.New("quota exceeded: Daily token limit reached (5/1)")}).
		Extract(context.Background(), arcticSource, "claim")
	if p.Success || p.Method != MethodFallback {
		t.Fatalf("got %+v, want fallback", p)
	}
	if gen.calls != 0 {
		t.Errorf("generator calls = %d, want 0", gen.calls)
	}
}

func TestParseCandidate(t *testing.T) {
	tests := []struct {
		reply, passage, note string
	}{
		{`{"passage":"a b","relevance":"n"}`, "a b", "n"},
		{"```json\n{\"passage\":\"a b\"}\n```", "a b", ""},
		{`  “curly quoted”  `, "curly quoted", ""},
		{`plain text`, "plain text", ""},
	}
	for _, tt := range tests {
		p, n := parseCandidate(tt.reply)
		if p != tt.passage || n != tt.note {
			t.Errorf("parseCandidate(%q) = %q, %q; want %q, %q", tt.reply, p, n, tt.passage, tt.note)
		}
	}
}
