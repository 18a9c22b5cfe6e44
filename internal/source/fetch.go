// Package source turns web pages, PDFs and local files into plain text for
// evidence extraction.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnsupported is returned for content that cannot be converted to text.
var ErrUnsupported = errors.New("unsupported content type")

// ErrTooLarge is returned when a body exceeds the configured size limit.
var ErrTooLarge = errors.New("content too large")

const (
	DefaultTimeout  = 15 * time.Second
	DefaultMaxBytes = 5 << 20

	maxHTMLText = 15000
	maxPDFText  = 20000
)

const userAgent = "Mozilla/5.0 (compatible; ferret/1.0; +https://github.com/kalambet/ferret)"

// Document is extracted text plus what was learned about its origin.
type Document struct {
	URL         string `json:"url,omitempty"`
	Title       string `json:"title,omitempty"`
	Text        string `json:"text"`
	ContentType string `json:"content_type"`
	Pages       int    `json:"pages,omitempty"`
}

type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher creates a Fetcher. Zero values select the defaults.
func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{client: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
}

// Fetch downloads rawURL and extracts its text. HTML and plain text are
// supported, and PDF is detected by content type or a .pdf path.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Document, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Document{}, fmt.Errorf("fetch %q: only http and https URLs are supported", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Document{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,text/plain;q=0.8,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Document{}, fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}

	body, err := readLimited(resp.Body, f.maxBytes)
	if err != nil {
		return Document{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "" {
		mediaType, _, _ = mime.ParseMediaType(http.DetectContentType(body))
	}
	if isPDFPath(u.Path) && mediaType != "text/html" {
		mediaType = "application/pdf"
	}

	doc, err := extract(body, mediaType)
	if err != nil {
		return Document{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	doc.URL = rawURL
	return doc, nil
}

// ReadFile extracts text from a local file, choosing the parser by
// extension.
func ReadFile(path string) (Document, error) {
	var mediaType string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		mediaType = "application/pdf"
	case ".html", ".htm":
		mediaType = "text/html"
	case ".txt", ".md", "":
		mediaType = "text/plain"
	default:
		return Document{}, fmt.Errorf("read %s: %w", path, ErrUnsupported)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	doc, err := extract(body, mediaType)
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	return doc, nil
}

func extract(body []byte, mediaType string) (Document, error) {
	switch {
	case mediaType == "application/pdf":
		title, text, pages, err := ExtractPDF(body)
		if err != nil {
			return Document{}, err
		}
		return Document{Title: title, Text: truncate(CleanText(text), maxPDFText), ContentType: mediaType, Pages: pages}, nil
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		title, text, err := ExtractHTML(bytes.NewReader(body))
		if err != nil {
			return Document{}, err
		}
		return Document{Title: title, Text: truncate(CleanText(text), maxHTMLText), ContentType: mediaType}, nil
	case strings.HasPrefix(mediaType, "text/"):
		return Document{Text: CleanText(string(body)), ContentType: mediaType}, nil
	default:
		return Document{}, fmt.Errorf("%w: %s", ErrUnsupported, mediaType)
	}
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, max)
	}
	return b, nil
}

func isPDFPath(p string) bool {
	p = strings.ToLower(p)
	return strings.HasSuffix(p, ".pdf") || strings.Contains(p, "/pdf/")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && (s[n]&0xC0) == 0x80 {
		n--
	}
	return s[:n]
}
