package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgallion1/ctxgest/internal/chunker"
	"github.com/dgallion1/ctxgest/internal/doctree"
	"github.com/dgallion1/ctxgest/internal/embed"
	"github.com/dgallion1/ctxgest/internal/extract"
	"github.com/dgallion1/ctxgest/internal/parser"
	"github.com/dgallion1/ctxgest/internal/search"
	"github.com/dgallion1/ctxgest/internal/store"
)

const embedBatchSize = 32

// Deps are the collaborators a Worker drives. Embedder and Searcher are
// optional; without them chunks are stored without vectors.
type Deps struct {
	Extractor extract.Extractor
	Embedder  embed.Embedder
	Store     store.Store
	Searcher  search.Searcher
}

// Worker processes a single document job.
type Worker struct {
	deps     Deps
	log      *slog.Logger
	chunkCfg chunker.Config

	maxConcurrentExtract int
	pdfFallback          bool
	backoff              func(int) time.Duration
}

func NewWorker(deps Deps, log *slog.Logger, chunkCfg chunker.Config, maxExtract int, pdfFallback bool) *Worker {
	if maxExtract <= 0 {
		maxExtract = 1
	}
	return &Worker{
		deps:                 deps,
		log:                  log,
		chunkCfg:             chunkCfg,
		maxConcurrentExtract: maxExtract,
		pdfFallback:          pdfFallback,
		backoff:              Backoff,
	}
}

// Process runs the full ingest pipeline for a job. Nothing is persisted
// unless every page extracts and the forest is written in one transaction.
func (w *Worker) Process(ctx context.Context, job *Job) {
	log := w.log.With("job_id", job.ID, "doc_id", job.DocID)
	start := time.Now()
	defer job.releaseFileData()

	// Phase 1: Parse
	job.SetStatus(StatusParsing, "parsing")
	p, err := parser.ForFile(job.Filename)
	if err != nil {
		log.Error("unsupported format", "error", err)
		job.Fail("parsing", err)
		return
	}
	if pdf, ok := p.(*parser.PDFParser); ok {
		pdf.FallbackPdftotext = w.pdfFallback
	}

	doc, err := p.Parse(bytes.NewReader(job.FileData()), job.Filename)
	if err != nil {
		log.Error("parse failed", "error", err)
		job.Fail("parsing", fmt.Errorf("parse: %w", err))
		return
	}
	if job.Title != "" {
		doc.Title = job.Title
	}
	if len(doc.Pages) == 0 {
		log.Warn("no pages produced")
		job.Fail("parsing", errors.New("no extractable content"))
		return
	}

	// Compute content hash from the parsed text.
	doc.ContentHash = ContentHashHex([]byte(flattenPages(doc.Pages)))
	job.SetContentHash(doc.ContentHash)

	// Phase 1.5: Dedup check
	if !job.Force {
		existing, err := w.deps.Store.GetDocumentByHash(ctx, doc.ContentHash)
		switch {
		case err == nil:
			log.Info("duplicate document, skipping", "existing_doc_id", existing.ID)
			job.markDuplicate(existing.ID)
			return
		case !errors.Is(err, store.ErrNotFound):
			log.Warn("dedup check failed, proceeding", "error", err)
		}
	}

	// Phase 2: Extract elements page by page with bounded concurrency.
	job.SetStatus(StatusExtracting, "extracting")
	job.SetTotalPages(len(doc.Pages))
	pages, err := w.extractPages(ctx, log, job, doc)
	if err != nil {
		log.Error("extraction failed", "error", err)
		job.Fail("extracting", err)
		return
	}

	// Phase 3: Build the hierarchy.
	job.SetStatus(StatusBuilding, "building")
	elements := extract.ProcessElements(pages)
	if len(elements) == 0 {
		log.Warn("no relevant elements")
		job.Fail("building", errors.New("no extractable content"))
		return
	}
	sections, err := chunker.Build(elements, w.chunkCfg)
	if err != nil {
		log.Error("build failed", "error", err)
		job.Fail("building", err)
		return
	}
	chunkCount := doctree.CountChunks(sections)
	job.SetForest(len(elements), len(sections), chunkCount)
	log.Info("built hierarchy",
		"elements", len(elements),
		"sections", len(sections),
		"chunks", chunkCount,
		"est_tokens", chunker.EstimateForestTokens(sections))

	// Phase 4: Embed chunks.
	if w.deps.Embedder != nil {
		job.SetStatus(StatusEmbedding, "embedding")
		if err := w.embedChunks(ctx, log, sections); err != nil {
			log.Error("embedding failed", "error", err)
			job.Fail("embedding", err)
			return
		}
	}

	// Phase 5: Store the forest in one transaction.
	job.SetStatus(StatusStoring, "storing")
	doc.ID = job.DocID
	doc.CreatedAt = job.CreatedAt
	doc.Forced = job.Force
	err = w.deps.Store.InsertDocument(ctx, *doc, sections)
	if errors.Is(err, store.ErrDuplicate) {
		// Another job stored the same content after the dedup check.
		if existing, lookupErr := w.deps.Store.GetDocumentByHash(ctx, doc.ContentHash); lookupErr == nil {
			log.Info("duplicate document, skipping", "existing_doc_id", existing.ID)
			job.markDuplicate(existing.ID)
			return
		}
	}
	if err != nil {
		log.Error("store failed", "error", err)
		job.Fail("storing", fmt.Errorf("store: %w", err))
		return
	}

	// Phase 6: Index vectors. A failed index removes the document again so
	// the store never holds chunks search cannot reach.
	if w.deps.Searcher != nil && w.deps.Embedder != nil {
		job.SetStatus(StatusIndexing, "indexing")
		var chunks []doctree.Chunk
		doctree.EachChunk(sections, func(c *doctree.Chunk) { chunks = append(chunks, *c) })
		if err := w.deps.Searcher.Index(ctx, chunks); err != nil {
			log.Error("index failed, removing document", "error", err)
			if _, delErr := w.deps.Store.DeleteDocument(ctx, doc.ID); delErr != nil {
				log.Error("compensating delete failed", "error", delErr)
			}
			job.Fail("indexing", fmt.Errorf("index: %w", err))
			return
		}
	}

	job.SetStatus(StatusCompleted, "done")
	log.Info("ingestion complete", "duration", time.Since(start))
}

// extractPages fans page extraction out and returns elements in page order.
// The first failing page cancels the rest.
func (w *Worker) extractPages(ctx context.Context, log *slog.Logger, job *Job, doc *doctree.Document) ([][]doctree.Element, error) {
	results := make([][]doctree.Element, len(doc.Pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.maxConcurrentExtract)

	for i, page := range doc.Pages {
		g.Go(func() error {
			elements, err := withRetry(gctx, log, w.backoff, fmt.Sprintf("extract page %d", page.Number),
				func() ([]doctree.Element, error) {
					return w.deps.Extractor.ExtractPage(gctx, doc.Title, page)
				})
			if err != nil {
				return fmt.Errorf("page %d: %w", page.Number, err)
			}
			results[i] = elements
			job.IncrPagesExtracted()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// embedChunks fills in the embedding of every chunk, in batches.
func (w *Worker) embedChunks(ctx context.Context, log *slog.Logger, sections []doctree.Section) error {
	var chunks []*doctree.Chunk
	doctree.EachChunk(sections, func(c *doctree.Chunk) { chunks = append(chunks, c) })

	for startIdx := 0; startIdx < len(chunks); startIdx += embedBatchSize {
		batch := chunks[startIdx:min(startIdx+embedBatchSize, len(chunks))]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vecs, err := withRetry(ctx, log, w.backoff, "embed", func() ([][]float32, error) {
			return w.deps.Embedder.Embed(ctx, texts)
		})
		if err != nil {
			return fmt.Errorf("embed: %w", err)
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("embed: expected %d vectors, got %d", len(batch), len(vecs))
		}
		for i, c := range batch {
			c.Embedding = vecs[i]
		}
	}
	log.Info("embedded chunks", "chunks", len(chunks))
	return nil
}

// flattenPages joins all page text into a single string for hashing.
func flattenPages(pages []doctree.Page) string {
	var sb strings.Builder
	for _, p := range pages {
		if p.Text != "" {
			sb.WriteString(p.Text)
			sb.WriteString("\n")
		}
		for _, el := range p.Elements {
			sb.WriteString(string(el.Type))
			sb.WriteString(":")
			sb.WriteString(el.Text)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
