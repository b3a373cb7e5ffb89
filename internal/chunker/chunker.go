package chunker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgallion1/ctxgest/internal/doctree"
)

// ErrEmptyElement is returned when an element carries no text.
var ErrEmptyElement = errors.New("element text is empty")

// Config controls chunking behavior.
type Config struct {
	ChunkSize  int      // Maximum chunk length in characters.
	Separators []string // Split order for oversized paragraphs.
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:  1000,
		Separators: DefaultSeparators,
	}
}

// Build turns extracted elements into one Section tree per element, with
// identifiers assigned up front so the forest can be persisted as is.
func Build(elements []doctree.Element, cfg Config) ([]doctree.Section, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if len(cfg.Separators) == 0 {
		cfg.Separators = DefaultSeparators
	}

	sections := make([]doctree.Section, 0, len(elements))
	for i, el := range elements {
		if strings.TrimSpace(el.Text) == "" {
			return nil, fmt.Errorf("element %d (%s): %w", i, el.Type, ErrEmptyElement)
		}
		sections = append(sections, buildSection(el, cfg))
	}
	return sections, nil
}

func buildSection(el doctree.Element, cfg Config) doctree.Section {
	sec := doctree.Section{ID: doctree.NewID()}

	if !el.Type.Narrative() || (!strings.Contains(el.Text, "\n\n") && runeLen(el.Text) <= cfg.ChunkSize) {
		sec.Paragraphs = []doctree.Paragraph{newParagraph(sec.ID, 0, []string{el.Text}, el.Type)}
		return sec
	}

	idx := 0
	for _, para := range strings.Split(el.Text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		var pieces []string
		if runeLen(para) <= cfg.ChunkSize {
			pieces = []string{para}
		} else {
			pieces = SplitText(para, cfg.ChunkSize, cfg.Separators)
		}
		if len(pieces) == 0 {
			continue
		}
		sec.Paragraphs = append(sec.Paragraphs, newParagraph(sec.ID, idx, pieces, doctree.NarrativeText))
		idx++
	}
	return sec
}

func newParagraph(sectionID string, sectionIndex int, pieces []string, typ doctree.ElementType) doctree.Paragraph {
	p := doctree.Paragraph{
		ID:           doctree.NewID(),
		SectionID:    sectionID,
		SectionIndex: sectionIndex,
		Chunks:       make([]doctree.Chunk, 0, len(pieces)),
	}
	for i, text := range pieces {
		p.Chunks = append(p.Chunks, doctree.Chunk{
			ID:             doctree.NewID(),
			ParagraphID:    p.ID,
			ParagraphIndex: i,
			Text:           text,
			Type:           typ,
		})
	}
	return p
}
