package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/dgallion1/ctxgest/internal/doctree"
	"github.com/dgallion1/ctxgest/internal/store"
)

// memReader serves a fixed forest from memory.
type memReader struct {
	sections   map[string]doctree.Section
	paragraphs map[string]doctree.Paragraph
	chunks     map[string]doctree.Chunk
	calls      int
}

func newMemReader(sections ...doctree.Section) *memReader {
	m := &memReader{
		sections:   map[string]doctree.Section{},
		paragraphs: map[string]doctree.Paragraph{},
		chunks:     map[string]doctree.Chunk{},
	}
	for _, s := range sections {
		m.sections[s.ID] = s
		for _, p := range s.Paragraphs {
			m.paragraphs[p.ID] = p
			for _, c := range p.Chunks {
				m.chunks[c.ID] = c
			}
		}
	}
	return m
}

func (m *memReader) GetChunks(_ context.Context, ids []string) ([]doctree.Chunk, error) {
	m.calls++
	var out []doctree.Chunk
	for _, id := range ids {
		c, ok := m.chunks[id]
		if !ok {
			return nil, store.NotFound("chunk", id)
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *memReader) GetParagraph(_ context.Context, id string) (doctree.Paragraph, error) {
	m.calls++
	p, ok := m.paragraphs[id]
	if !ok {
		return doctree.Paragraph{}, store.NotFound("paragraph", id)
	}
	return p, nil
}

func (m *memReader) GetSection(_ context.Context, id string) (doctree.Section, error) {
	m.calls++
	s, ok := m.sections[id]
	if !ok {
		return doctree.Section{}, store.NotFound("section", id)
	}
	return s, nil
}

// section builds a section named name whose paragraphs hold the given chunk texts.
func section(name string, paragraphs ...[]string) doctree.Section {
	s := doctree.Section{ID: name}
	for pi, texts := range paragraphs {
		p := doctree.Paragraph{ID: fmt.Sprintf("%s/p%d", name, pi), SectionID: s.ID, SectionIndex: pi}
		for ci, text := range texts {
			p.Chunks = append(p.Chunks, doctree.Chunk{
				ID:             fmt.Sprintf("%s/c%d", p.ID, ci),
				ParagraphID:    p.ID,
				ParagraphIndex: ci,
				Text:           text,
				Type:           doctree.NarrativeText,
			})
		}
		s.Paragraphs = append(s.Paragraphs, p)
	}
	return s
}

func TestRetrieve_MajorityPromotesParagraphAndSection(t *testing.T) {
	sec := section("s", []string{"Alpha one", "beta two", "gamma three", "delta four ."})
	e := NewEngine(newMemReader(sec), Thresholds{Paragraph: 0.5, Section: 0.5})

	got, err := e.Retrieve(context.Background(), []string{"s/p0/c0", "s/p0/c1", "s/p0/c3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "Alpha one beta two gamma three delta four."
	if len(got) != 1 || got[0] != want {
		t.Fatalf("expected [%q], got %q", want, got)
	}
}

func TestRetrieve_MinorityKeepsRawChunk(t *testing.T) {
	sec := section("s", []string{"Alpha one", "beta two", "gamma three", "delta four"})
	e := NewEngine(newMemReader(sec), Thresholds{Paragraph: 0.5, Section: 0.5})

	got, err := e.Retrieve(context.Background(), []string{"s/p0/c2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != "gamma three" {
		t.Fatalf("expected [\"gamma three\"], got %q", got)
	}
}

func TestRetrieve_NaNThresholdNeverPromotes(t *testing.T) {
	sec := section("s", []string{"Alpha one", "beta two"})
	e := NewEngine(newMemReader(sec), Thresholds{Paragraph: math.NaN(), Section: math.NaN()})

	got, err := e.Retrieve(context.Background(), []string{"s/p0/c0", "s/p0/c1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "Alpha one" || got[1] != "beta two" {
		t.Fatalf("expected raw chunks [\"Alpha one\" \"beta two\"], got %q", got)
	}
}

func TestRetrieve_ParagraphPromotedSectionNot(t *testing.T) {
	sec := section("s",
		[]string{"First part", "of the first"},
		[]string{"Second paragraph"},
		[]string{"Third paragraph"},
	)
	e := NewEngine(newMemReader(sec), Thresholds{Paragraph: 0.5, Section: 0.5})

	got, err := e.Retrieve(context.Background(), []string{"s/p0/c1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != "First part of the first" {
		t.Fatalf("expected merged paragraph, got %q", got)
	}
}

func TestRetrieve_SectionMergesAllParagraphsInOrder(t *testing.T) {
	sec := section("s", []string{"A1", "A2"}, []string{"B1"}, []string{"C1"})
	// Shuffle the stored order to check sorting by index.
	sec.Paragraphs[0], sec.Paragraphs[2] = sec.Paragraphs[2], sec.Paragraphs[0]
	e := NewEngine(newMemReader(sec), Thresholds{})

	got, err := e.Retrieve(context.Background(), []string{"s/p1/c0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "A1 A2\n\nB1\n\nC1"
	if len(got) != 1 || got[0] != want {
		t.Fatalf("expected [%q], got %q", want, got)
	}
}

func TestRetrieve_DuplicateIDsCountOnce(t *testing.T) {
	sec := section("s", []string{"one", "two", "three", "four"})
	e := NewEngine(newMemReader(sec), Thresholds{Paragraph: 0.5, Section: 0.5})

	got, err := e.Retrieve(context.Background(), []string{"s/p0/c0", "s/p0/c0", "s/p0/c0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != "one" {
		t.Fatalf("expected duplicates not to inflate coverage, got %q", got)
	}
}

func TestRetrieve_EmptyInputSkipsStore(t *testing.T) {
	r := newMemReader()
	got, err := NewEngine(r, Thresholds{}).Retrieve(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no passages, got %q", got)
	}
	if r.calls != 0 {
		t.Errorf("expected no store calls, got %d", r.calls)
	}
}

func TestRetrieve_UnknownChunkFails(t *testing.T) {
	e := NewEngine(newMemReader(section("s", []string{"x"})), Thresholds{})
	_, err := e.Retrieve(context.Background(), []string{"s/p0/c0", "missing"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetrieve_ChildlessParentIsIntegrityError(t *testing.T) {
	sec := section("s", []string{"x"})
	r := newMemReader(sec)
	broken := r.paragraphs["s/p0"]
	broken.Chunks = nil
	r.paragraphs["s/p0"] = broken

	_, err := NewEngine(r, Thresholds{}).Retrieve(context.Background(), []string{"s/p0/c0"})
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity for paragraph, got %v", err)
	}

	r = newMemReader(sec)
	r.sections["s"] = doctree.Section{ID: "s"}
	_, err = NewEngine(r, Thresholds{}).Retrieve(context.Background(), []string{"s/p0/c0"})
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity for section, got %v", err)
	}
}

func TestRetrieve_CoverageMonotonicity(t *testing.T) {
	r := newMemReader(
		section("s1", []string{"red apple", "green pear", "yellow plum"}, []string{"blue sky"}),
		section("s2", []string{"cold rain", "warm sun"}, []string{"dry sand", "wet grass"}, []string{"soft snow"}),
	)
	hits := []string{"s1/p0/c0", "s1/p0/c2", "s2/p0/c1", "s2/p1/c0", "s2/p1/c1"}
	levels := []float64{0, 0.25, 0.5, 0.75, 1}

	var prev []string
	for _, pt := range levels {
		for _, st := range levels {
			got, err := NewEngine(r, Thresholds{Paragraph: pt, Section: st}).Retrieve(context.Background(), hits)
			if err != nil {
				t.Fatalf("thresholds %v/%v: %v", pt, st, err)
			}
			// Every passage at a stricter threshold is covered by a passage
			// from the looser one.
			if st > 0 && prev != nil {
				for _, p := range got {
					if !containedIn(p, prev) {
						t.Errorf("thresholds %v/%v: passage %q not covered by looser result %q", pt, st, p, prev)
					}
				}
			}
			prev = got
		}
	}
}

func containedIn(s string, passages []string) bool {
	for _, p := range passages {
		if strings.Contains(p, s) {
			return true
		}
	}
	return false
}

func TestRetrieve_NoRedundancy(t *testing.T) {
	r := newMemReader(
		section("s1", []string{"one", "two"}, []string{"three"}),
		section("s2", []string{"four", "five", "six"}),
	)
	hits := []string{"s1/p0/c0", "s1/p1/c0", "s2/p0/c1"}
	for _, th := range []Thresholds{{}, {Paragraph: 0.5}, {Paragraph: 0.5, Section: 1}, {Paragraph: 1, Section: 1}} {
		got, err := NewEngine(r, th).Retrieve(context.Background(), hits)
		if err != nil {
			t.Fatalf("%+v: %v", th, err)
		}
		for i, a := range got {
			for j, b := range got {
				if i != j && a != b && strings.Contains(b, a) {
					t.Errorf("%+v: %q is contained in %q", th, a, b)
				}
			}
		}
	}
}

func TestRemoveRedundant(t *testing.T) {
	short := "The zoo opens at 9am."
	long := "Visitors report: The zoo opens at 9am. Tickets are required."
	got := RemoveRedundant([]string{short, long})
	if len(got) != 1 || got[0] != long {
		t.Errorf("expected only the containing passage, got %q", got)
	}

	got = RemoveRedundant([]string{"same", "same"})
	if len(got) != 2 {
		t.Errorf("expected identical passages to both survive, got %q", got)
	}
}

func TestMergeParagraph(t *testing.T) {
	tests := []struct {
		name  string
		texts []string
		order []int
		want  string
	}{
		{"joins with space", []string{"a", "b", "c"}, []int{0, 1, 2}, "a b c"},
		{"sorts by index", []string{"second", "first"}, []int{1, 0}, "first second"},
		{"collapses double space", []string{"a ", "b"}, []int{0, 1}, "a b"},
		{"fixes space before period", []string{"end", ". Next"}, []int{0, 1}, "end. Next"},
		{"single pass", []string{"a  ", "b"}, []int{0, 1}, "a  b"},
	}
	for _, tt := range tests {
		var chunks []doctree.Chunk
		for i, text := range tt.texts {
			chunks = append(chunks, doctree.Chunk{Text: text, ParagraphIndex: tt.order[i]})
		}
		if got := MergeParagraph(chunks); got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.name, tt.want, got)
		}
	}
}

func TestThresholdsValidate(t *testing.T) {
	if err := (Thresholds{Paragraph: 0, Section: 1}).Validate(); err != nil {
		t.Errorf("expected valid thresholds, got %v", err)
	}
	if err := (Thresholds{Paragraph: 1.5}).Validate(); err == nil {
		t.Error("expected error for paragraph threshold above 1")
	}
	if err := (Thresholds{Section: -0.1}).Validate(); err == nil {
		t.Error("expected error for negative section threshold")
	}
	if err := (Thresholds{Paragraph: math.NaN()}).Validate(); err == nil {
		t.Error("expected error for NaN paragraph threshold")
	}
	if err := (Thresholds{Paragraph: 0.5, Section: math.NaN()}).Validate(); err == nil {
		t.Error("expected error for NaN section threshold")
	}
}
