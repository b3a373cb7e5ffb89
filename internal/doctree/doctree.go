package doctree

import (
	"time"

	"github.com/google/uuid"
)

// ElementType tags the kind of structural unit an extracted element came from.
type ElementType string

const (
	Title         ElementType = "Title"
	Subheading    ElementType = "Subheading"
	NarrativeText ElementType = "NarrativeText"
	List          ElementType = "List"
	Table         ElementType = "Table"
	Infographic   ElementType = "Infographic"
	Graph         ElementType = "Graph"
	Header        ElementType = "Header"
	Footer        ElementType = "Footer"
	RunningHead   ElementType = "RunningHead"
	OtherText     ElementType = "OtherText"
)

var knownTypes = map[ElementType]bool{
	Title: true, Subheading: true, NarrativeText: true, List: true, Table: true,
	Infographic: true, Graph: true, Header: true, Footer: true, RunningHead: true,
	OtherText: true,
}

// Valid reports whether t belongs to the closed set of element kinds.
func (t ElementType) Valid() bool { return knownTypes[t] }

// Narrative reports whether elements of this type are eligible for splitting.
func (t ElementType) Narrative() bool { return t == NarrativeText }

// Element is one typed span of text produced by extraction.
type Element struct {
	Type ElementType `json:"type"`
	Text string      `json:"text"`
}

// Document groups the sections produced from one ingested file.
type Document struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Filename    string    `json:"filename"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`

	// Forced marks a document ingested past the duplicate check. Only
	// unforced documents must have distinct content hashes.
	Forced bool `json:"-"`

	// Pages holds parser output and is never persisted.
	Pages []Page `json:"-"`
}

// Page is one unit of extraction work. Parsers that understand document
// structure fill Elements directly; others leave raw Text for the extractor.
type Page struct {
	Number   int
	Text     string
	Elements []Element
}

// Section is the root of one containment tree. It owns its paragraphs.
type Section struct {
	ID         string      `json:"id"`
	DocumentID string      `json:"document_id,omitempty"`
	Paragraphs []Paragraph `json:"paragraphs"`
}

// Paragraph owns its chunks. SectionID is a lookup key, not ownership.
type Paragraph struct {
	ID           string  `json:"id"`
	SectionID    string  `json:"section_id"`
	SectionIndex int     `json:"section_index"`
	Chunks       []Chunk `json:"chunks"`
}

// Chunk is the smallest searchable unit of text.
type Chunk struct {
	ID             string      `json:"id"`
	ParagraphID    string      `json:"paragraph_id"`
	ParagraphIndex int         `json:"paragraph_index"`
	Text           string      `json:"text"`
	Type           ElementType `json:"type"`
	Embedding      []float32   `json:"-"`
}

// NewID returns a time-ordered UUIDv7 string.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// EachChunk calls fn with a pointer to every chunk in the forest, in
// section, paragraph, chunk order.
func EachChunk(sections []Section, fn func(*Chunk)) {
	for i := range sections {
		for j := range sections[i].Paragraphs {
			for k := range sections[i].Paragraphs[j].Chunks {
				fn(&sections[i].Paragraphs[j].Chunks[k])
			}
		}
	}
}

// CountChunks returns the number of chunks in the forest.
func CountChunks(sections []Section) int {
	n := 0
	EachChunk(sections, func(*Chunk) { n++ })
	return n
}
