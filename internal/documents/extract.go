package documents

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Supported MIME types.
const (
	MimePlain = "text/plain"
	MimeHTML  = "text/html"
	MimePDF   = "application/pdf"
)

// ErrUnsupportedType is returned for MIME types with no extractor.
var ErrUnsupportedType = errors.New("unsupported document type")

// DetectMime normalises a declared content type, sniffing the payload when
// the declaration is empty or generic.
func DetectMime(declared string, data []byte) string {
	mt := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch mt {
	case MimePlain, MimeHTML, MimePDF:
		return mt
	case "application/xhtml+xml":
		return MimeHTML
	case "text/markdown", "text/csv":
		return MimePlain
	}

	head := bytes.TrimSpace(data)
	if len(head) > 512 {
		head = head[:512]
	}
	switch {
	case bytes.HasPrefix(head, []byte("%PDF-")):
		return MimePDF
	case bytes.HasPrefix(bytes.ToLower(head), []byte("<!doctype html")), bytes.HasPrefix(bytes.ToLower(head), []byte("<html")):
		return MimeHTML
	}
	if mt == "" || mt == "application/octet-stream" {
		return MimePlain
	}
	return mt
}

// Extract pulls plain text out of a document payload.
func Extract(mimeType string, data []byte) (string, error) {
	switch DetectMime(mimeType, data) {
	case MimePDF:
		return extractPDF(data)
	case MimeHTML:
		return extractHTML(data)
	case MimePlain:
		if !utf8.Valid(data) {
			return "", fmt.Errorf("plain text payload is not valid UTF-8")
		}
		return normalizeSpace(string(data)), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}
}

func extractPDF(data []byte) (text string, err error) {
	// The pdf reader panics on some malformed content streams.
	defer func() {
		if rec := recover(); rec != nil {
			text, err = "", fmt.Errorf("reading pdf: %v", rec)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return normalizeSpace(string(b)), nil
}

func extractHTML(data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return normalizeSpace(b.String()), nil
}

// normalizeSpace collapses runs of whitespace into single spaces.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
