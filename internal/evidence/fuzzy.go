package evidence

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultFuzzyThreshold is the minimum overlap score a window needs.
const DefaultFuzzyThreshold = 0.5

// padWords is how many source words are added on each side of the best
// window.
const padWords = 20

var wordRe = regexp.MustCompile(`\S+`)

// Match is a passage recovered by FuzzyMatch. Text is always
// source[Offset:Offset+len(Text)].
type Match struct {
	Text   string
	Offset int
	Score  float64
}

// FuzzyMatch finds the stretch of source that best overlaps candidate.
//
// A window as long as the candidate (in words) slides over the source words.
// Its score is the fraction of the candidate's significant words (more than
// three letters, compared case-insensitively without surrounding punctuation)
// that occur anywhere in the window. The highest-scoring window wins and ties
// go to the earliest one. The winner is widened by 20 words on each side and
// returned as a verbatim slice of source. The second result is false when no
// window reaches threshold.
func FuzzyMatch(source, candidate string, threshold float64) (Match, bool) {
	if threshold <= 0 {
		threshold = DefaultFuzzyThreshold
	}
	wanted := significantSet(strings.Fields(candidate))
	if len(wanted) == 0 {
		return Match{}, false
	}
	spans := wordRe.FindAllStringIndex(source, -1)
	if len(spans) == 0 {
		return Match{}, false
	}

	words := make([]string, len(spans))
	for i, sp := range spans {
		words[i] = normalizeWord(source[sp[0]:sp[1]])
	}

	size := len(strings.Fields(candidate))
	if size > len(words) {
		size = len(words)
	}

	// counts tracks how often each wanted word occurs in the current window;
	// present is the number of distinct wanted words with a non-zero count.
	counts := make(map[string]int, len(wanted))
	present := 0
	add := func(w string, delta int) {
		if _, ok := wanted[w]; !ok {
			return
		}
		before := counts[w]
		counts[w] = before + delta
		switch {
		case before == 0 && delta > 0:
			present++
		case before+delta == 0:
			present--
		}
	}
	for _, w := range words[:size] {
		add(w, 1)
	}

	best, bestScore := 0, float64(present)/float64(len(wanted))
	for start := 1; start+size <= len(words); start++ {
		add(words[start-1], -1)
		add(words[start+size-1], 1)
		if score := float64(present) / float64(len(wanted)); score > bestScore {
			best, bestScore = start, score
		}
	}
	if bestScore < threshold {
		return Match{Score: bestScore}, false
	}

	first := max(0, best-padWords)
	last := min(len(spans), best+size+padWords) - 1
	from, to := spans[first][0], spans[last][1]
	return Match{Text: source[from:to], Offset: from, Score: bestScore}, true
}

func significantSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		n := normalizeWord(w)
		if utf8.RuneCountInString(n) > 3 {
			set[n] = struct{}{}
		}
	}
	return set
}

func normalizeWord(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	}))
}
