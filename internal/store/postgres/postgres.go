// Package postgres implements store.Store on PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool. The caller creates
// and closes the pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dgallion1/ctxgest/internal/doctree"
	"github.com/dgallion1/ctxgest/internal/store"
)

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock that stamps documents without a CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store using an existing pgxpool.Pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(s)
	}
	return s
}

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Init creates all required tables. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			filename TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			forced BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS documents_hash_idx ON documents(content_hash)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS documents_hash_unforced_idx
			ON documents(content_hash) WHERE NOT forced AND content_hash <> ''`,
		`CREATE TABLE IF NOT EXISTS sections (
			id TEXT PRIMARY KEY,
			document_id TEXT REFERENCES documents(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS sections_document_idx ON sections(document_id)`,
		`CREATE TABLE IF NOT EXISTS paragraphs (
			id TEXT PRIMARY KEY,
			section_id TEXT NOT NULL REFERENCES sections(id) ON DELETE CASCADE,
			section_index INTEGER NOT NULL,
			UNIQUE (section_id, section_index)
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			paragraph_id TEXT NOT NULL REFERENCES paragraphs(id) ON DELETE CASCADE,
			paragraph_index INTEGER NOT NULL,
			text TEXT NOT NULL CHECK (text <> ''),
			type TEXT NOT NULL,
			embedding REAL[],
			UNIQUE (paragraph_id, paragraph_index)
		)`,
	}
	for _, ddl := range stmts {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Close is a no-op. The pool belongs to the caller.
func (s *Store) Close() error {
	return nil
}

// InsertSections writes a forest that belongs to no document.
func (s *Store) InsertSections(ctx context.Context, sections []doctree.Section) error {
	return s.insert(ctx, nil, sections)
}

// InsertDocument writes a document row and its forest atomically.
func (s *Store) InsertDocument(ctx context.Context, doc doctree.Document, sections []doctree.Section) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: document without id", store.ErrInvalid)
	}
	return s.insert(ctx, &doc, store.OwnedBy(doc.ID, sections))
}

func (s *Store) insert(ctx context.Context, doc *doctree.Document, sections []doctree.Section) error {
	if err := store.Validate(sections); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if doc != nil {
		created := doc.CreatedAt
		if created.IsZero() {
			created = s.now()
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO documents (id, title, filename, content_hash, created_at, forced) VALUES ($1, $2, $3, $4, $5, $6)`,
			doc.ID, doc.Title, doc.Filename, doc.ContentHash, created.UnixMilli(), doc.Forced)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: content hash %s", store.ErrDuplicate, doc.ContentHash)
		}
		if err != nil {
			return fmt.Errorf("postgres: insert document: %w", err)
		}
	}

	batch := &pgx.Batch{}
	var chunkRows [][]any
	for _, sec := range sections {
		var docID *string
		if sec.DocumentID != "" {
			docID = &sec.DocumentID
		}
		batch.Queue(`INSERT INTO sections (id, document_id) VALUES ($1, $2)`, sec.ID, docID)
		for _, p := range sec.Paragraphs {
			batch.Queue(`INSERT INTO paragraphs (id, section_id, section_index) VALUES ($1, $2, $3)`,
				p.ID, sec.ID, p.SectionIndex)
			for _, c := range p.Chunks {
				var emb []float32
				if len(c.Embedding) > 0 {
					emb = c.Embedding
				}
				chunkRows = append(chunkRows, []any{c.ID, p.ID, c.ParagraphIndex, c.Text, string(c.Type), emb})
			}
		}
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: insert sections: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"chunks"},
		[]string{"id", "paragraph_id", "paragraph_index", "text", "type", "embedding"},
		pgx.CopyFromRows(chunkRows))
	if err != nil {
		return fmt.Errorf("postgres: insert chunks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// GetSection returns a section with every paragraph and chunk, ordered by index.
func (s *Store) GetSection(ctx context.Context, id string) (doctree.Section, error) {
	var docID *string
	err := s.pool.QueryRow(ctx, `SELECT document_id FROM sections WHERE id = $1`, id).Scan(&docID)
	if errors.Is(err, pgx.ErrNoRows) {
		return doctree.Section{}, store.NotFound("section", id)
	}
	if err != nil {
		return doctree.Section{}, fmt.Errorf("postgres: get section: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, section_index FROM paragraphs WHERE section_id = $1 ORDER BY section_index`, id)
	if err != nil {
		return doctree.Section{}, fmt.Errorf("postgres: get section paragraphs: %w", err)
	}
	var paragraphs []doctree.Paragraph
	for rows.Next() {
		p := doctree.Paragraph{SectionID: id}
		if err := rows.Scan(&p.ID, &p.SectionIndex); err != nil {
			rows.Close()
			return doctree.Section{}, fmt.Errorf("postgres: scan paragraph: %w", err)
		}
		paragraphs = append(paragraphs, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return doctree.Section{}, fmt.Errorf("postgres: get section paragraphs: %w", err)
	}

	chunks, err := s.queryChunks(ctx,
		`SELECT c.id, c.paragraph_id, c.paragraph_index, c.text, c.type
		 FROM chunks c JOIN paragraphs p ON p.id = c.paragraph_id
		 WHERE p.section_id = $1
		 ORDER BY p.section_index, c.paragraph_index`, id)
	if err != nil {
		return doctree.Section{}, err
	}
	var documentID string
	if docID != nil {
		documentID = *docID
	}
	return store.AssembleSection(id, documentID, paragraphs, chunks), nil
}

// GetParagraph returns a paragraph with its chunks ordered by paragraph_index.
func (s *Store) GetParagraph(ctx context.Context, id string) (doctree.Paragraph, error) {
	p := doctree.Paragraph{ID: id}
	err := s.pool.QueryRow(ctx,
		`SELECT section_id, section_index FROM paragraphs WHERE id = $1`, id).Scan(&p.SectionID, &p.SectionIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return doctree.Paragraph{}, store.NotFound("paragraph", id)
	}
	if err != nil {
		return doctree.Paragraph{}, fmt.Errorf("postgres: get paragraph: %w", err)
	}

	p.Chunks, err = s.queryChunks(ctx,
		`SELECT id, paragraph_id, paragraph_index, text, type FROM chunks
		 WHERE paragraph_id = $1 ORDER BY paragraph_index`, id)
	if err != nil {
		return doctree.Paragraph{}, err
	}
	return p, nil
}

// GetChunks fetches chunks by id in the order given.
func (s *Store) GetChunks(ctx context.Context, ids []string) ([]doctree.Chunk, error) {
	ids = store.Dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := s.queryChunks(ctx,
		`SELECT id, paragraph_id, paragraph_index, text, type FROM chunks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	chunks, missing := store.OrderChunks(ids, found)
	if len(missing) > 0 {
		return nil, store.NotFound("chunk", missing...)
	}
	return chunks, nil
}

func (s *Store) queryChunks(ctx context.Context, query string, args ...any) ([]doctree.Chunk, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []doctree.Chunk
	for rows.Next() {
		var c doctree.Chunk
		var typ string
		if err := rows.Scan(&c.ID, &c.ParagraphID, &c.ParagraphIndex, &c.Text, &typ); err != nil {
			return nil, fmt.Errorf("postgres: scan chunk: %w", err)
		}
		c.Type = doctree.ElementType(typ)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query chunks: %w", err)
	}
	return chunks, nil
}

// DeleteSection removes a section. Paragraphs and chunks follow by cascade.
func (s *Store) DeleteSection(ctx context.Context, id string) ([]string, error) {
	return s.deleteWhere(ctx, "section", id,
		`SELECT c.id FROM chunks c JOIN paragraphs p ON p.id = c.paragraph_id WHERE p.section_id = $1`,
		`DELETE FROM sections WHERE id = $1`)
}

// DeleteDocument removes a document and all of its sections.
func (s *Store) DeleteDocument(ctx context.Context, id string) ([]string, error) {
	return s.deleteWhere(ctx, "document", id,
		`SELECT c.id FROM chunks c
		 JOIN paragraphs p ON p.id = c.paragraph_id
		 JOIN sections s ON s.id = p.section_id
		 WHERE s.document_id = $1`,
		`DELETE FROM documents WHERE id = $1`)
}

func (s *Store) deleteWhere(ctx context.Context, kind, id, chunkQuery, deleteStmt string) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, chunkQuery, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s chunks: %w", kind, err)
	}
	chunkIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s chunks: %w", kind, err)
	}

	tag, err := tx.Exec(ctx, deleteStmt, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: delete %s: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, store.NotFound(kind, id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit tx: %w", err)
	}
	return chunkIDs, nil
}

// ListDocuments returns every document, newest first, with forest sizes.
func (s *Store) ListDocuments(ctx context.Context) ([]store.DocumentSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT d.id, d.title, d.filename, d.content_hash, d.created_at,
		        (SELECT COUNT(*) FROM sections s WHERE s.document_id = d.id),
		        (SELECT COUNT(*) FROM chunks c
		           JOIN paragraphs p ON p.id = c.paragraph_id
		           JOIN sections s ON s.id = p.section_id
		          WHERE s.document_id = d.id)
		 FROM documents d ORDER BY d.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list documents: %w", err)
	}
	defer rows.Close()

	var docs []store.DocumentSummary
	for rows.Next() {
		var d store.DocumentSummary
		var created, sections, chunks int64
		if err := rows.Scan(&d.ID, &d.Title, &d.Filename, &d.ContentHash, &created, &sections, &chunks); err != nil {
			return nil, fmt.Errorf("postgres: scan document: %w", err)
		}
		d.CreatedAt = time.UnixMilli(created).UTC()
		d.Sections = int(sections)
		d.Chunks = int(chunks)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// GetDocumentByHash finds a previously ingested document by content hash.
func (s *Store) GetDocumentByHash(ctx context.Context, hash string) (doctree.Document, error) {
	var d doctree.Document
	var created int64
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, filename, content_hash, created_at FROM documents
		 WHERE content_hash = $1 ORDER BY created_at LIMIT 1`, hash).
		Scan(&d.ID, &d.Title, &d.Filename, &d.ContentHash, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return doctree.Document{}, store.NotFound("document with hash", hash)
	}
	if err != nil {
		return doctree.Document{}, fmt.Errorf("postgres: get document by hash: %w", err)
	}
	d.CreatedAt = time.UnixMilli(created).UTC()
	return d, nil
}

// ScanEmbeddings streams every stored chunk embedding to fn.
func (s *Store) ScanEmbeddings(ctx context.Context, fn func(chunkID string, vec []float32) error) error {
	rows, err := s.pool.Query(ctx, `SELECT id, embedding FROM chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("postgres: scan embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var vec []float32
		if err := rows.Scan(&id, &vec); err != nil {
			return fmt.Errorf("postgres: scan embedding row: %w", err)
		}
		if err := fn(id, vec); err != nil {
			return err
		}
	}
	return rows.Err()
}
