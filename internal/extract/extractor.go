package extract

import (
	"context"
	"strings"

	"github.com/dgallion1/ctxgest/internal/doctree"
)

// Extractor segments a raw page into typed elements.
type Extractor interface {
	ExtractPage(ctx context.Context, docTitle string, page doctree.Page) ([]doctree.Element, error)
}

// StructuralExtractor works without a model. It returns elements the parser
// already produced, and otherwise treats the page text as narrative, with
// blank lines as paragraph breaks.
type StructuralExtractor struct{}

func (StructuralExtractor) ExtractPage(_ context.Context, _ string, page doctree.Page) ([]doctree.Element, error) {
	if len(page.Elements) > 0 {
		return page.Elements, nil
	}
	text := normalizePageText(page.Text)
	if text == "" {
		return nil, nil
	}
	return []doctree.Element{{Type: doctree.NarrativeText, Text: text}}, nil
}

// normalizePageText joins wrapped lines and collapses runs of blank lines
// into a single paragraph break.
func normalizePageText(s string) string {
	var paras []string
	var cur []string
	flush := func() {
		if len(cur) > 0 {
			paras = append(paras, strings.Join(cur, " "))
			cur = nil
		}
	}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return strings.Join(paras, "\n\n")
}
