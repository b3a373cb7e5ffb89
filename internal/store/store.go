// Package store persists Section, Paragraph and Chunk trees.
//
// Every backend inserts a batch of trees in one transaction, cascades deletes
// from sections down to chunks, and treats a missing referenced entity as a
// hard error wrapping ErrNotFound.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgallion1/ctxgest/internal/doctree"
)

var (
	// ErrNotFound is returned when an identifier does not resolve.
	ErrNotFound = errors.New("not found")
	// ErrInvalid is returned when a forest violates the containment rules.
	ErrInvalid = errors.New("invalid hierarchy")
	// ErrDuplicate is returned when an unforced document repeats the
	// content hash of one already stored.
	ErrDuplicate = errors.New("duplicate content")
)

// Reader is the lookup side used at query time.
type Reader interface {
	GetSection(ctx context.Context, id string) (doctree.Section, error)
	GetParagraph(ctx context.Context, id string) (doctree.Paragraph, error)
	GetChunks(ctx context.Context, ids []string) ([]doctree.Chunk, error)
}

// Store is a transactional hierarchical store.
type Store interface {
	Reader

	Init(ctx context.Context) error
	Close() error

	// InsertSections writes all trees or none of them.
	InsertSections(ctx context.Context, sections []doctree.Section) error
	// InsertDocument writes the document row and its trees in one transaction.
	// The stored sections carry doc.ID; the caller's slice is left untouched.
	InsertDocument(ctx context.Context, doc doctree.Document, sections []doctree.Section) error

	// DeleteSection removes a section with its paragraphs and chunks and
	// returns the ids of the chunks that went with it.
	DeleteSection(ctx context.Context, id string) ([]string, error)
	// DeleteDocument removes a document and every tree that belongs to it.
	DeleteDocument(ctx context.Context, id string) ([]string, error)

	ListDocuments(ctx context.Context) ([]DocumentSummary, error)
	GetDocumentByHash(ctx context.Context, hash string) (doctree.Document, error)

	// ScanEmbeddings calls fn for every chunk that has an embedding.
	ScanEmbeddings(ctx context.Context, fn func(chunkID string, vec []float32) error) error
}

// DocumentSummary is a document row with the size of its forest.
type DocumentSummary struct {
	doctree.Document
	Sections int `json:"sections"`
	Chunks   int `json:"chunks"`
}

// NotFound builds an ErrNotFound error naming the entity kind and ids.
func NotFound(kind string, ids ...string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, strings.Join(ids, ", "))
}

// Validate checks a forest before it is written. It rejects missing ids,
// duplicate ids, broken back-references, duplicate indices, childless
// sections or paragraphs, and empty chunk text.
func Validate(sections []doctree.Section) error {
	seen := make(map[string]bool)
	claim := func(kind, id string) error {
		if id == "" {
			return fmt.Errorf("%w: %s without id", ErrInvalid, kind)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalid, id)
		}
		seen[id] = true
		return nil
	}

	for _, s := range sections {
		if err := claim("section", s.ID); err != nil {
			return err
		}
		if len(s.Paragraphs) == 0 {
			return fmt.Errorf("%w: section %s has no paragraphs", ErrInvalid, s.ID)
		}
		sectionIdx := make(map[int]bool, len(s.Paragraphs))
		for _, p := range s.Paragraphs {
			if err := claim("paragraph", p.ID); err != nil {
				return err
			}
			if p.SectionID != s.ID {
				return fmt.Errorf("%w: paragraph %s points at section %q, owned by %s", ErrInvalid, p.ID, p.SectionID, s.ID)
			}
			if sectionIdx[p.SectionIndex] {
				return fmt.Errorf("%w: section %s repeats section_index %d", ErrInvalid, s.ID, p.SectionIndex)
			}
			sectionIdx[p.SectionIndex] = true
			if len(p.Chunks) == 0 {
				return fmt.Errorf("%w: paragraph %s has no chunks", ErrInvalid, p.ID)
			}
			paraIdx := make(map[int]bool, len(p.Chunks))
			for _, c := range p.Chunks {
				if err := claim("chunk", c.ID); err != nil {
					return err
				}
				if c.ParagraphID != p.ID {
					return fmt.Errorf("%w: chunk %s points at paragraph %q, owned by %s", ErrInvalid, c.ID, c.ParagraphID, p.ID)
				}
				if paraIdx[c.ParagraphIndex] {
					return fmt.Errorf("%w: paragraph %s repeats paragraph_index %d", ErrInvalid, p.ID, c.ParagraphIndex)
				}
				paraIdx[c.ParagraphIndex] = true
				if strings.TrimSpace(c.Text) == "" {
					return fmt.Errorf("%w: chunk %s has empty text", ErrInvalid, c.ID)
				}
			}
		}
	}
	return nil
}

// Dedupe returns ids with repeats removed, keeping first occurrences.
func Dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// OrderChunks arranges fetched chunks in the order of ids and reports the ids
// that were not found.
func OrderChunks(ids []string, found []doctree.Chunk) ([]doctree.Chunk, []string) {
	byID := make(map[string]doctree.Chunk, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}
	out := make([]doctree.Chunk, 0, len(ids))
	var missing []string
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, c)
	}
	return out, missing
}

// AssembleSection groups chunks under their paragraphs. Paragraphs and chunks
// must arrive ordered by index.
func AssembleSection(id, documentID string, paragraphs []doctree.Paragraph, chunks []doctree.Chunk) doctree.Section {
	pos := make(map[string]int, len(paragraphs))
	for i := range paragraphs {
		pos[paragraphs[i].ID] = i
	}
	for _, c := range chunks {
		if i, ok := pos[c.ParagraphID]; ok {
			paragraphs[i].Chunks = append(paragraphs[i].Chunks, c)
		}
	}
	return doctree.Section{ID: id, DocumentID: documentID, Paragraphs: paragraphs}
}

// OwnedBy returns a copy of sections with every DocumentID set to docID.
func OwnedBy(docID string, sections []doctree.Section) []doctree.Section {
	out := make([]doctree.Section, len(sections))
	copy(out, sections)
	for i := range out {
		out[i].DocumentID = docID
	}
	return out
}
