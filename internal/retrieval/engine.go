// Package retrieval turns leaf chunk hits into context passages.
//
// A paragraph whose matched share of chunks reaches the paragraph threshold
// is promoted to its full text. A section whose promoted share of paragraphs
// reaches the section threshold is promoted in turn. Passages contained in
// another passage are dropped before returning.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dgallion1/ctxgest/internal/doctree"
	"github.com/dgallion1/ctxgest/internal/store"
)

const scopeName = "github.com/dgallion1/ctxgest/internal/retrieval"

// ErrIntegrity is returned when a stored parent has no children.
var ErrIntegrity = errors.New("hierarchy integrity violation")

// Reader is the lookup side of the hierarchical store.
type Reader interface {
	GetChunks(ctx context.Context, ids []string) ([]doctree.Chunk, error)
	GetParagraph(ctx context.Context, id string) (doctree.Paragraph, error)
	GetSection(ctx context.Context, id string) (doctree.Section, error)
}

// Thresholds are the inclusive coverage ratios that trigger promotion.
type Thresholds struct {
	Paragraph float64
	Section   float64
}

// Validate checks that both thresholds lie in [0, 1]. NaN is rejected.
func (t Thresholds) Validate() error {
	if !inUnit(t.Paragraph) {
		return fmt.Errorf("paragraph threshold %v outside [0,1]", t.Paragraph)
	}
	if !inUnit(t.Section) {
		return fmt.Errorf("section threshold %v outside [0,1]", t.Section)
	}
	return nil
}

// inUnit is written so that every comparison with NaN fails it.
func inUnit(x float64) bool { return x >= 0 && x <= 1 }

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for debug output.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine runs promotion retrieval against a Reader. It holds no state
// between calls and is safe for concurrent use.
type Engine struct {
	reader     Reader
	thresholds Thresholds
	logger     *slog.Logger

	tracer     trace.Tracer
	promotions metric.Int64Counter
	passages   metric.Int64Counter
}

// NewEngine creates an Engine. Telemetry goes to the global otel providers.
func NewEngine(r Reader, th Thresholds, opts ...Option) *Engine {
	e := &Engine{
		reader:     r,
		thresholds: th,
		logger:     slog.Default(),
		tracer:     otel.Tracer(scopeName),
	}
	for _, o := range opts {
		o(e)
	}

	meter := otel.Meter(scopeName)
	// Instrument creation only fails on invalid names; a nil counter is
	// skipped at record time.
	e.promotions, _ = meter.Int64Counter("retrieval.promotions",
		metric.WithDescription("Paragraphs and sections promoted to full text"),
		metric.WithUnit("{promotion}"))
	e.passages, _ = meter.Int64Counter("retrieval.passages",
		metric.WithDescription("Passages returned after redundancy elimination"),
		metric.WithUnit("{passage}"))
	return e
}

// Thresholds returns the configured promotion thresholds.
func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

// Retrieve resolves chunk ids into passages. Repeated ids count once. Any
// id that does not resolve fails the call with store.ErrNotFound.
func (e *Engine) Retrieve(ctx context.Context, chunkIDs []string) ([]string, error) {
	ids := store.Dedupe(chunkIDs)
	if len(ids) == 0 {
		return []string{}, nil
	}

	ctx, span := e.tracer.Start(ctx, "retrieval.retrieve",
		trace.WithAttributes(attribute.Int("retrieval.chunk_ids", len(ids))))
	defer span.End()

	out, err := e.retrieve(ctx, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("retrieval.passages", len(out)))
	if e.passages != nil {
		e.passages.Add(ctx, int64(len(out)))
	}
	return out, nil
}

func (e *Engine) retrieve(ctx context.Context, ids []string) ([]string, error) {
	chunks, err := e.reader.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch chunks: %w", err)
	}

	var paraOrder []string
	matched := make(map[string][]doctree.Chunk)
	for _, c := range chunks {
		if _, ok := matched[c.ParagraphID]; !ok {
			paraOrder = append(paraOrder, c.ParagraphID)
		}
		matched[c.ParagraphID] = append(matched[c.ParagraphID], c)
	}

	var candidates []string

	var sectionOrder []string
	promotedBySection := make(map[string][]doctree.Paragraph)
	for _, pid := range paraOrder {
		p, err := e.reader.GetParagraph(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("fetch paragraph: %w", err)
		}
		if len(p.Chunks) == 0 {
			return nil, fmt.Errorf("%w: paragraph %s has no chunks", ErrIntegrity, pid)
		}
		hits := matched[pid]
		if !(coverage(len(hits), len(p.Chunks)) >= e.thresholds.Paragraph) {
			for _, c := range hits {
				candidates = append(candidates, c.Text)
			}
			continue
		}
		e.countPromotion(ctx, "paragraph")
		if _, ok := promotedBySection[p.SectionID]; !ok {
			sectionOrder = append(sectionOrder, p.SectionID)
		}
		promotedBySection[p.SectionID] = append(promotedBySection[p.SectionID], p)
	}

	var sections []doctree.Section
	for _, sid := range sectionOrder {
		sec, err := e.reader.GetSection(ctx, sid)
		if err != nil {
			return nil, fmt.Errorf("fetch section: %w", err)
		}
		if len(sec.Paragraphs) == 0 {
			return nil, fmt.Errorf("%w: section %s has no paragraphs", ErrIntegrity, sid)
		}
		promoted := promotedBySection[sid]
		if coverage(len(promoted), len(sec.Paragraphs)) >= e.thresholds.Section {
			e.countPromotion(ctx, "section")
			sections = append(sections, sec)
			continue
		}
		for _, p := range promoted {
			candidates = append(candidates, MergeParagraph(p.Chunks))
		}
	}
	for _, sec := range sections {
		candidates = append(candidates, MergeSection(sec))
	}

	out := RemoveRedundant(candidates)
	e.logger.Debug("retrieval complete",
		"chunk_ids", len(ids),
		"paragraphs", len(paraOrder),
		"sections_promoted", len(sections),
		"candidates", len(candidates),
		"passages", len(out))
	return out, nil
}

func (e *Engine) countPromotion(ctx context.Context, level string) {
	if e.promotions != nil {
		e.promotions.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
	}
}

func coverage(matched, total int) float64 {
	return float64(matched) / float64(total)
}

// MergeParagraph joins chunk texts in paragraph_index order with a space,
// then collapses double spaces and removes a space before a period.
func MergeParagraph(chunks []doctree.Chunk) string {
	sorted := make([]doctree.Chunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ParagraphIndex < sorted[j].ParagraphIndex
	})

	texts := make([]string, len(sorted))
	for i, c := range sorted {
		texts[i] = c.Text
	}
	merged := strings.Join(texts, " ")
	merged = strings.ReplaceAll(merged, "  ", " ")
	return strings.ReplaceAll(merged, " .", ".")
}

// MergeSection merges every paragraph of sec and joins them in
// section_index order with a blank line.
func MergeSection(sec doctree.Section) string {
	paras := make([]doctree.Paragraph, len(sec.Paragraphs))
	copy(paras, sec.Paragraphs)
	sort.SliceStable(paras, func(i, j int) bool {
		return paras[i].SectionIndex < paras[j].SectionIndex
	})

	merged := make([]string, len(paras))
	for i, p := range paras {
		merged[i] = MergeParagraph(p.Chunks)
	}
	return strings.Join(merged, "\n\n")
}

// RemoveRedundant drops every candidate contained in a different candidate.
// Identical candidates do not contain each other, so duplicates survive.
func RemoveRedundant(candidates []string) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		redundant := false
		for _, o := range candidates {
			if o != c && strings.Contains(o, c) {
				redundant = true
				break
			}
		}
		if !redundant {
			out = append(out, c)
		}
	}
	return out
}
