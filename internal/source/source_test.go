package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const articlePage = `<!doctype html>
<html><head><title> Arctic Shipping Report </title><script>var tracking = 1;</script></head>
<body>
<nav>Home | World | Science</nav>
<header>Site header</header>
<article>
<h1>Routes open earlier</h1>
<p>Commercial shipping routes through northern waters are opening earlier each summer.</p>
<p>Advertisement</p>
<p>Indigenous   communities depend on stable coastal ice.</p>
<style>.x{color:red}</style>
</article>
<footer>Copyright © Example News 2025</footer>
</body></html>`

func TestExtractHTML(t *testing.T) {
	title, text, err := ExtractHTML(strings.NewReader(articlePage))
	if err != nil {
		t.Fatalf("ExtractHTML: %v", err)
	}
	if title != "Arctic Shipping Report" {
		t.Errorf("title = %q", title)
	}
	if !strings.Contains(text, "Commercial shipping routes") {
		t.Errorf("text missing article body: %q", text)
	}
	for _, bad := range []string{"tracking", "Home | World", "Site header", "color:red", "Example News"} {
		if strings.Contains(text, bad) {
			t.Errorf("text contains chrome %q", bad)
		}
	}
}

func TestExtractHTMLTitleFromHeading(t *testing.T) {
	title, _, err := ExtractHTML(strings.NewReader(`<html><body><h1>Only Heading</h1><p>Body.</p></body></html>`))
	if err != nil {
		t.Fatal(err)
	}
	if title != "Only Heading" {
		t.Errorf("title = %q, want heading", title)
	}
}

func TestCleanText(t *testing.T) {
	in := "First  line\r\n\r\n\r\n\nAdvertisement\nSecond\t\tline\n\nShare this article"
	got := CleanText(in)
	want := "First line\n\nSecond line"
	if got != want {
		t.Errorf("CleanText = %q, want %q", got, want)
	}
}

func TestFetchHTML(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(articlePage))
	}))
	defer srv.Close()

	doc, err := NewFetcher(time.Second, 0).Fetch(context.Background(), srv.URL+"/story")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if doc.Title != "Arctic Shipping Report" || doc.ContentType != "text/html" {
		t.Errorf("doc = %+v", doc)
	}
	if doc.URL != srv.URL+"/story" {
		t.Errorf("URL = %q", doc.URL)
	}
	if strings.Contains(doc.Text, "Advertisement") {
		t.Errorf("junk not removed: %q", doc.Text)
	}
	if !strings.Contains(gotUA, "Mozilla/5.0") {
		t.Errorf("User-Agent = %q", gotUA)
	}
}

func TestFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/image":
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte{0x89, 'P', 'N', 'G'})
		case "/big":
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte(strings.Repeat("a", 2048)))
		}
	}))
	defer srv.Close()

	f := NewFetcher(time.Second, 1024)
	ctx := context.Background()

	if _, err := f.Fetch(ctx, srv.URL+"/missing"); err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Errorf("missing: err = %v, want HTTP 404", err)
	}
	if _, err := f.Fetch(ctx, srv.URL+"/image"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("image: err = %v, want ErrUnsupported", err)
	}
	if _, err := f.Fetch(ctx, srv.URL+"/big"); !errors.Is(err, ErrTooLarge) {
		t.Errorf("big: err = %v, want ErrTooLarge", err)
	}
	if _, err := f.Fetch(ctx, "ftp://example.org/file"); err == nil {
		t.Error("ftp: expected error")
	}
}

func TestFetchPDFByPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("not really a pdf"))
	}))
	defer srv.Close()

	_, err := NewFetcher(time.Second, 0).Fetch(context.Background(), srv.URL+"/paper.pdf")
	if err == nil || !strings.Contains(err.Error(), "pdf") {
		t.Errorf("err = %v, want pdf parse error", err)
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(txt, []byte("Sea ice   declined.\n\n\n\nMethane rose."), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := ReadFile(txt)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if doc.Text != "Sea ice declined.\n\nMethane rose." {
		t.Errorf("Text = %q", doc.Text)
	}

	page := filepath.Join(dir, "page.html")
	if err := os.WriteFile(page, []byte(articlePage), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err = ReadFile(page)
	if err != nil {
		t.Fatalf("ReadFile html: %v", err)
	}
	if doc.Title != "Arctic Shipping Report" {
		t.Errorf("Title = %q", doc.Title)
	}

	if _, err := ReadFile(filepath.Join(dir, "sheet.xlsx")); !errors.Is(err, ErrUnsupported) {
		t.Errorf("xlsx: err = %v, want ErrUnsupported", err)
	}
}
