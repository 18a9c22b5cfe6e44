package source

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

const maxPDFPages = 50

// ExtractPDF returns the document title and the text of at most the first
// 50 pages.
func ExtractPDF(b []byte) (title, text string, pages int, err error) {
	r, err := pdf.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return "", "", 0, fmt.Errorf("opening pdf: %w", err)
	}
	pages = r.NumPage()

	if info := r.Trailer().Key("Info"); !info.IsNull() {
		title = strings.TrimSpace(info.Key("Title").Text())
	}

	var sb strings.Builder
	for i := 1; i <= pages && i <= maxPDFPages; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		pageText, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(pageText)
		sb.WriteString("\n\n")
		if sb.Len() > maxPDFText {
			break
		}
	}

	if sb.Len() == 0 {
		// Some files only decode through the whole-document reader.
		rd, err := r.GetPlainText()
		if err != nil {
			return "", "", pages, fmt.Errorf("reading pdf text: %w", err)
		}
		if _, err := io.Copy(&sb, io.LimitReader(rd, maxPDFText)); err != nil {
			return "", "", pages, fmt.Errorf("reading pdf text: %w", err)
		}
	}

	text = strings.TrimSpace(sb.String())
	if text == "" {
		return title, "", pages, fmt.Errorf("%w: pdf has no extractable text", ErrUnsupported)
	}
	return title, text, pages, nil
}
