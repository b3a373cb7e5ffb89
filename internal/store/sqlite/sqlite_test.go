package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgallion1/ctxgest/internal/doctree"
	"github.com/dgallion1/ctxgest/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// forest builds one section per entry in shape; each entry lists the chunk
// count of every paragraph.
func forest(shape ...[]int) []doctree.Section {
	var sections []doctree.Section
	for _, paras := range shape {
		sec := doctree.Section{ID: doctree.NewID()}
		for pi, n := range paras {
			p := doctree.Paragraph{ID: doctree.NewID(), SectionID: sec.ID, SectionIndex: pi}
			for ci := 0; ci < n; ci++ {
				p.Chunks = append(p.Chunks, doctree.Chunk{
					ID:             doctree.NewID(),
					ParagraphID:    p.ID,
					ParagraphIndex: ci,
					Text:           "chunk text",
					Type:           doctree.NarrativeText,
				})
			}
			sec.Paragraphs = append(sec.Paragraphs, p)
		}
		sections = append(sections, sec)
	}
	return sections
}

func TestInsertAndGetSection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sections := forest([]int{2, 3}, []int{1})

	if err := s.InsertSections(ctx, sections); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetSection(ctx, sections[0].ID)
	if err != nil {
		t.Fatalf("get section: %v", err)
	}
	if len(got.Paragraphs) != 2 {
		t.Fatalf("expected 2 paragraphs, got %d", len(got.Paragraphs))
	}
	for i, p := range got.Paragraphs {
		if p.SectionIndex != i {
			t.Errorf("expected section_index %d, got %d", i, p.SectionIndex)
		}
		want := sections[0].Paragraphs[i]
		if p.ID != want.ID || len(p.Chunks) != len(want.Chunks) {
			t.Errorf("paragraph %d: expected %s with %d chunks, got %s with %d", i, want.ID, len(want.Chunks), p.ID, len(p.Chunks))
		}
		for j, c := range p.Chunks {
			if c.ParagraphIndex != j || c.ID != want.Chunks[j].ID {
				t.Errorf("paragraph %d chunk %d: out of order", i, j)
			}
		}
	}

	para, err := s.GetParagraph(ctx, sections[0].Paragraphs[1].ID)
	if err != nil {
		t.Fatalf("get paragraph: %v", err)
	}
	if para.SectionID != sections[0].ID || len(para.Chunks) != 3 {
		t.Errorf("unexpected paragraph %+v", para)
	}
}

func TestGetChunks_OrderAndDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sections := forest([]int{3})
	if err := s.InsertSections(ctx, sections); err != nil {
		t.Fatalf("insert: %v", err)
	}
	cs := sections[0].Paragraphs[0].Chunks

	got, err := s.GetChunks(ctx, []string{cs[2].ID, cs[0].ID, cs[2].ID})
	if err != nil {
		t.Fatalf("get chunks: %v", err)
	}
	if len(got) != 2 || got[0].ID != cs[2].ID || got[1].ID != cs[0].ID {
		t.Fatalf("expected [%s %s], got %+v", cs[2].ID, cs[0].ID, got)
	}
	if got[0].ParagraphID != sections[0].Paragraphs[0].ID {
		t.Errorf("expected paragraph back-reference, got %q", got[0].ParagraphID)
	}
}

func TestGetChunks_MissingIsError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sections := forest([]int{1})
	if err := s.InsertSections(ctx, sections); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, err := s.GetChunks(ctx, []string{sections[0].Paragraphs[0].Chunks[0].ID, "nope"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetSection(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for section, got %v", err)
	}
	if _, err := s.GetParagraph(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for paragraph, got %v", err)
	}
}

func TestInsertSections_RollsBackWholeBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := forest([]int{1})
	if err := s.InsertSections(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// The second tree collides with a chunk id already stored, so the
	// whole batch including the valid first tree must be discarded.
	batch := forest([]int{2}, []int{1})
	batch[1].Paragraphs[0].Chunks[0].ID = first[0].Paragraphs[0].Chunks[0].ID
	if err := s.InsertSections(ctx, batch); err == nil {
		t.Fatal("expected insert to fail")
	}
	if _, err := s.GetSection(ctx, batch[0].ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected earlier tree to be rolled back, got %v", err)
	}
}

func TestInsertSections_RejectsInvalidForest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty := forest([]int{1})
	empty[0].Paragraphs[0].Chunks = nil
	if err := s.InsertSections(ctx, empty); !errors.Is(err, store.ErrInvalid) {
		t.Errorf("expected ErrInvalid for childless paragraph, got %v", err)
	}

	dup := forest([]int{1, 1})
	dup[0].Paragraphs[1].SectionIndex = 0
	if err := s.InsertSections(ctx, dup); !errors.Is(err, store.ErrInvalid) {
		t.Errorf("expected ErrInvalid for repeated section_index, got %v", err)
	}
}

func TestDeleteSection_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sections := forest([]int{2, 1}, []int{1})
	if err := s.InsertSections(ctx, sections); err != nil {
		t.Fatalf("insert: %v", err)
	}

	removed, err := s.DeleteSection(ctx, sections[0].ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(removed) != 3 {
		t.Errorf("expected 3 removed chunk ids, got %d", len(removed))
	}
	if _, err := s.GetParagraph(ctx, sections[0].Paragraphs[0].ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected paragraph gone, got %v", err)
	}
	if _, err := s.GetChunks(ctx, []string{sections[0].Paragraphs[1].Chunks[0].ID}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected chunk gone, got %v", err)
	}
	if _, err := s.GetSection(ctx, sections[1].ID); err != nil {
		t.Errorf("expected untouched section to survive, got %v", err)
	}
	if _, err := s.DeleteSection(ctx, sections[0].ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := doctree.Document{ID: doctree.NewID(), Title: "Report", Filename: "report.pdf", ContentHash: "abc"}
	sections := forest([]int{2}, []int{1, 1})
	sections[0].Paragraphs[0].Chunks[0].Embedding = []float32{0.5, -1}

	if err := s.InsertDocument(ctx, doc, sections); err != nil {
		t.Fatalf("insert document: %v", err)
	}

	got, err := s.GetDocumentByHash(ctx, "abc")
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.ID != doc.ID || got.CreatedAt.IsZero() {
		t.Errorf("unexpected document %+v", got)
	}

	docs, err := s.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 || docs[0].Sections != 2 || docs[0].Chunks != 4 {
		t.Fatalf("expected 1 document with 2 sections and 4 chunks, got %+v", docs)
	}

	var vectors int
	err = s.ScanEmbeddings(ctx, func(id string, vec []float32) error {
		vectors++
		if id != sections[0].Paragraphs[0].Chunks[0].ID || len(vec) != 2 || vec[1] != -1 {
			t.Errorf("unexpected embedding %s %v", id, vec)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if vectors != 1 {
		t.Errorf("expected 1 embedding, got %d", vectors)
	}

	removed, err := s.DeleteDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("delete document: %v", err)
	}
	if len(removed) != 4 {
		t.Errorf("expected 4 removed chunks, got %d", len(removed))
	}
	if _, err := s.GetSection(ctx, sections[1].ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected section to cascade, got %v", err)
	}
	if _, err := s.GetDocumentByHash(ctx, "abc"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected document gone, got %v", err)
	}
}

func TestInsertDocument_LeavesCallerSliceUntouched(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := doctree.Document{ID: doctree.NewID(), Title: "t", Filename: "t.md", ContentHash: "h1"}
	sections := forest([]int{1})

	if err := s.InsertDocument(ctx, doc, sections); err != nil {
		t.Fatalf("insert document: %v", err)
	}
	if sections[0].DocumentID != "" {
		t.Errorf("expected caller section DocumentID to stay empty, got %q", sections[0].DocumentID)
	}
	got, err := s.GetSection(ctx, sections[0].ID)
	if err != nil {
		t.Fatalf("get section: %v", err)
	}
	if got.DocumentID != doc.ID {
		t.Errorf("expected stored section owned by %s, got %q", doc.ID, got.DocumentID)
	}
}

func TestInsertDocument_DuplicateHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := doctree.Document{ID: doctree.NewID(), Title: "a", Filename: "a.md", ContentHash: "same"}
	if err := s.InsertDocument(ctx, first, forest([]int{1})); err != nil {
		t.Fatalf("insert first: %v", err)
	}

	second := doctree.Document{ID: doctree.NewID(), Title: "b", Filename: "b.md", ContentHash: "same"}
	secondForest := forest([]int{2})
	err := s.InsertDocument(ctx, second, secondForest)
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if _, err := s.GetSection(ctx, secondForest[0].ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected rejected forest to be absent, got %v", err)
	}

	forced := doctree.Document{ID: doctree.NewID(), Title: "c", Filename: "c.md", ContentHash: "same", Forced: true}
	if err := s.InsertDocument(ctx, forced, forest([]int{1})); err != nil {
		t.Fatalf("expected forced duplicate to insert, got %v", err)
	}

	for i := 0; i < 2; i++ {
		blank := doctree.Document{ID: doctree.NewID(), Title: "x", Filename: "x.md"}
		if err := s.InsertDocument(ctx, blank, forest([]int{1})); err != nil {
			t.Fatalf("expected documents without a hash to insert, got %v", err)
		}
	}

	docs, err := s.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 4 {
		t.Errorf("expected 4 documents, got %d", len(docs))
	}
}

func TestWithClock_StampsDocuments(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(filepath.Join(t.TempDir(), "clock.db"), WithClock(func() time.Time { return at }))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	doc := doctree.Document{ID: doctree.NewID(), Title: "t", Filename: "t.md", ContentHash: "clock"}
	if err := s.InsertDocument(ctx, doc, forest([]int{1})); err != nil {
		t.Fatalf("insert document: %v", err)
	}
	got, err := s.GetDocumentByHash(ctx, "clock")
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if !got.CreatedAt.Equal(at) {
		t.Errorf("expected created_at %v, got %v", at, got.CreatedAt)
	}
}

func TestDeleteDocument_ReturnsEveryChunkID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := doctree.Document{ID: doctree.NewID(), Title: "t", Filename: "t.md", ContentHash: "ids"}
	sections := forest([]int{3, 2}, []int{4})
	if err := s.InsertDocument(ctx, doc, sections); err != nil {
		t.Fatalf("insert document: %v", err)
	}

	want := make(map[string]bool)
	doctree.EachChunk(sections, func(c *doctree.Chunk) { want[c.ID] = true })

	removed, err := s.DeleteDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("delete document: %v", err)
	}
	if len(removed) != len(want) {
		t.Fatalf("expected %d removed chunk ids, got %d", len(want), len(removed))
	}
	for _, id := range removed {
		if !want[id] {
			t.Errorf("unexpected removed chunk id %s", id)
		}
		delete(want, id)
	}
	if len(want) != 0 {
		t.Errorf("expected every chunk id reported, missing %v", want)
	}
}
