package parser

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dgallion1/ctxgest/internal/doctree"
)

// Parser converts raw document bytes into pages of text or typed elements.
type Parser interface {
	Parse(r io.Reader, filename string) (*doctree.Document, error)
}

// SupportedExtensions lists file extensions this service can handle.
var SupportedExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".csv":      true,
	".html":     true,
	".htm":      true,
	".pdf":      true,
	".docx":     true,
}

// ForFile returns the appropriate parser for a filename.
func ForFile(filename string) (Parser, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".txt":
		return &TextParser{}, nil
	case ".md", ".markdown":
		return &MarkdownParser{}, nil
	case ".csv":
		return &CSVParser{}, nil
	case ".html", ".htm":
		return &HTMLParser{}, nil
	case ".pdf":
		return &PDFParser{FallbackPdftotext: true}, nil
	case ".docx":
		return &DOCXParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported file extension: %s", ext)
	}
}

// IsSupportedExtension checks if a file extension is supported.
func IsSupportedExtension(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return SupportedExtensions[ext]
}

// newDocument starts a document titled after the filename without its extension.
func newDocument(filename string) *doctree.Document {
	return &doctree.Document{
		Title:    strings.TrimSuffix(filename, filepath.Ext(filename)),
		Filename: filename,
	}
}

// elementPage wraps parser-typed elements as a single page. Documents without
// elements get no pages at all.
func elementPage(doc *doctree.Document, elements []doctree.Element) *doctree.Document {
	if len(elements) > 0 {
		doc.Pages = []doctree.Page{{Number: 1, Elements: elements}}
	}
	return doc
}

// elementCollector accumulates paragraph text and flushes it as one
// NarrativeText element whenever a structural element interrupts it.
type elementCollector struct {
	elements []doctree.Element
	text     strings.Builder
}

func (c *elementCollector) addText(t string) {
	t = strings.TrimSpace(t)
	if t == "" {
		return
	}
	if c.text.Len() > 0 {
		c.text.WriteString("\n\n")
	}
	c.text.WriteString(t)
}

func (c *elementCollector) flush() {
	if t := strings.TrimSpace(c.text.String()); t != "" {
		c.elements = append(c.elements, doctree.Element{Type: doctree.NarrativeText, Text: t})
	}
	c.text.Reset()
}

func (c *elementCollector) add(typ doctree.ElementType, t string) {
	t = strings.TrimSpace(t)
	if t == "" {
		return
	}
	c.flush()
	c.elements = append(c.elements, doctree.Element{Type: typ, Text: t})
}

func (c *elementCollector) done() []doctree.Element {
	c.flush()
	return c.elements
}
