package source

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipped are elements whose text is page chrome rather than content.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Form:     true,
	atom.Iframe:   true,
	atom.Svg:      true,
}

// ExtractHTML returns the page title and readable text. Text comes from the
// first <article> or <main> element when present, else from <body>.
func ExtractHTML(r io.Reader) (title, text string, err error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", fmt.Errorf("parsing html: %w", err)
	}

	if n := find(doc, atom.Title); n != nil {
		title = strings.TrimSpace(collectText(n))
	}
	if title == "" {
		if n := find(doc, atom.H1); n != nil {
			title = strings.TrimSpace(collectText(n))
		}
	}

	root := find(doc, atom.Article)
	if root == nil {
		root = find(doc, atom.Main)
	}
	if root == nil {
		root = find(doc, atom.Body)
	}
	if root == nil {
		root = doc
	}
	return title, collectText(root), nil
}

func find(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, a); found != nil {
			return found
		}
	}
	return nil
}

// collectText joins the trimmed text nodes under n, one per line.
func collectText(n *html.Node) string {
	var lines []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if s := strings.TrimSpace(n.Data); s != "" {
				lines = append(lines, s)
			}
			return
		case html.ElementNode:
			if skipped[n.DataAtom] {
				return
			}
		case html.CommentNode:
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(lines, "\n")
}

var (
	blankLines = regexp.MustCompile(`\n\s*\n`)
	spaceRuns  = regexp.MustCompile(`[ \t\x{00a0}]+`)
	junk       = []*regexp.Regexp{
		regexp.MustCompile(`(?i)advertisement`),
		regexp.MustCompile(`(?i)share this article`),
		regexp.MustCompile(`(?i)follow us on`),
		regexp.MustCompile(`(?i)sign up for our newsletter`),
		regexp.MustCompile(`(?i)copyright ©.*?\d{4}`),
	}
)

// CleanText collapses whitespace and removes common page boilerplate.
func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	for _, re := range junk {
		s = re.ReplaceAllString(s, "")
	}
	s = spaceRuns.ReplaceAllString(s, " ")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
