package evidence

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// contextRadius is the fallback half-width, in bytes, of a context window
// when the passage cannot be placed in a sentence.
const contextRadius = 400

// A sentence runs up to and including its terminal punctuation and any
// closing quotes or brackets. Trailing text without punctuation is a
// sentence too.
var sentenceRe = regexp.MustCompile(`[^.!?]+(?:[.!?]+["'”’)\]]*|$)`)

// Span is the byte range [Start, End) of one sentence in its source.
type Span struct {
	Start int
	End   int
}

// SplitSentences returns the sentence spans of text with surrounding
// whitespace excluded. Blank fragments are dropped.
func SplitSentences(text string) []Span {
	var out []Span
	for _, loc := range sentenceRe.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		seg := text[start:end]
		trimmedLeft := strings.TrimLeft(seg, " \t\r\n")
		start += len(seg) - len(trimmedLeft)
		end = start + len(strings.TrimRight(trimmedLeft, " \t\r\n"))
		if end > start {
			out = append(out, Span{Start: start, End: end})
		}
	}
	return out
}

// SentenceContext returns the sentences around offset: the sentence that
// contains it, up to before sentences ahead of it and up to after sentences
// following it, as one verbatim slice of source. When offset is not inside
// any sentence a window of 400 bytes on either side is returned instead.
func SentenceContext(source string, offset, before, after int) string {
	if offset < 0 || offset >= len(source) {
		return radiusWindow(source, offset)
	}
	spans := SplitSentences(source)
	idx := -1
	for i, sp := range spans {
		if offset < sp.Start {
			// offset falls in the whitespace before this sentence.
			idx = i
			break
		}
		if offset < sp.End {
			idx = i
			break
		}
	}
	if idx < 0 {
		return radiusWindow(source, offset)
	}
	first := max(0, idx-before)
	last := min(len(spans)-1, idx+after)
	return source[spans[first].Start:spans[last].End]
}

func radiusWindow(source string, offset int) string {
	if source == "" {
		return ""
	}
	offset = min(max(offset, 0), len(source))
	from := max(0, offset-contextRadius)
	to := min(len(source), offset+contextRadius)
	for from > 0 && !utf8.RuneStart(source[from]) {
		from--
	}
	for to < len(source) && !utf8.RuneStart(source[to]) {
		to++
	}
	return strings.TrimSpace(source[from:to])
}
