// Package sqlite implements store.Store on pure-Go SQLite. Embeddings are
// kept as JSON text next to their chunk.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgallion1/ctxgest/internal/doctree"
	"github.com/dgallion1/ctxgest/internal/store"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithClock sets the clock that stamps documents without a CreatedAt.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// Store implements store.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New opens the SQLite file at dbPath with foreign keys enforced. All
// goroutines share one connection so writers never see SQLITE_BUSY.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger, now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// isUniqueViolation reports a UNIQUE constraint failure. The primary key
// reports a different extended code.
func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)"
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			filename TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			forced INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_hash_unforced
			ON documents(content_hash) WHERE forced = 0 AND content_hash <> ''`,
		`CREATE TABLE IF NOT EXISTS sections (
			id TEXT PRIMARY KEY,
			document_id TEXT REFERENCES documents(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sections_document ON sections(document_id)`,
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
			embedding TEXT,
			UNIQUE (paragraph_id, paragraph_index)
		)`,
	}
	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
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
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if doc != nil {
		created := doc.CreatedAt
		if created.IsZero() {
			created = s.now()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO documents (id, title, filename, content_hash, created_at, forced) VALUES (?, ?, ?, ?, ?, ?)`,
			doc.ID, doc.Title, doc.Filename, doc.ContentHash, created.UnixMilli(), doc.Forced)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: content hash %s", store.ErrDuplicate, doc.ContentHash)
		}
		if err != nil {
			return fmt.Errorf("sqlite: insert document: %w", err)
		}
	}

	secStmt, err := tx.PrepareContext(ctx, `INSERT INTO sections (id, document_id) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer secStmt.Close()
	paraStmt, err := tx.PrepareContext(ctx, `INSERT INTO paragraphs (id, section_id, section_index) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer paraStmt.Close()
	chunkStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, paragraph_id, paragraph_index, text, type, embedding) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer chunkStmt.Close()

	chunks := 0
	for _, sec := range sections {
		var docID *string
		if sec.DocumentID != "" {
			docID = &sec.DocumentID
		}
		if _, err := secStmt.ExecContext(ctx, sec.ID, docID); err != nil {
			return fmt.Errorf("sqlite: insert section %s: %w", sec.ID, err)
		}
		for _, p := range sec.Paragraphs {
			if _, err := paraStmt.ExecContext(ctx, p.ID, sec.ID, p.SectionIndex); err != nil {
				return fmt.Errorf("sqlite: insert paragraph %s: %w", p.ID, err)
			}
			for _, c := range p.Chunks {
				var emb *string
				if len(c.Embedding) > 0 {
					v := serializeEmbedding(c.Embedding)
					emb = &v
				}
				if _, err := chunkStmt.ExecContext(ctx, c.ID, p.ID, c.ParagraphIndex, c.Text, string(c.Type), emb); err != nil {
					return fmt.Errorf("sqlite: insert chunk %s: %w", c.ID, err)
				}
				chunks++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: insert commit failed", "error", err)
		return fmt.Errorf("sqlite: commit tx: %w", err)
	}
	s.logger.Debug("sqlite: insert ok", "sections", len(sections), "chunks", chunks, "duration", time.Since(start))
	return nil
}

// GetSection returns a section with every paragraph and chunk, ordered by index.
func (s *Store) GetSection(ctx context.Context, id string) (doctree.Section, error) {
	var docID sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT document_id FROM sections WHERE id = ?`, id).Scan(&docID)
	if errors.Is(err, sql.ErrNoRows) {
		return doctree.Section{}, store.NotFound("section", id)
	}
	if err != nil {
		return doctree.Section{}, fmt.Errorf("sqlite: get section: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, section_index FROM paragraphs WHERE section_id = ? ORDER BY section_index`, id)
	if err != nil {
		return doctree.Section{}, fmt.Errorf("sqlite: get section paragraphs: %w", err)
	}
	var paragraphs []doctree.Paragraph
	for rows.Next() {
		p := doctree.Paragraph{SectionID: id}
		if err := rows.Scan(&p.ID, &p.SectionIndex); err != nil {
			rows.Close()
			return doctree.Section{}, fmt.Errorf("sqlite: scan paragraph: %w", err)
		}
		paragraphs = append(paragraphs, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return doctree.Section{}, fmt.Errorf("sqlite: get section paragraphs: %w", err)
	}

	chunks, err := s.queryChunks(ctx,
		`SELECT c.id, c.paragraph_id, c.paragraph_index, c.text, c.type
		 FROM chunks c JOIN paragraphs p ON p.id = c.paragraph_id
		 WHERE p.section_id = ?
		 ORDER BY p.section_index, c.paragraph_index`, id)
	if err != nil {
		return doctree.Section{}, err
	}
	return store.AssembleSection(id, docID.String, paragraphs, chunks), nil
}

// GetParagraph returns a paragraph with its chunks ordered by paragraph_index.
func (s *Store) GetParagraph(ctx context.Context, id string) (doctree.Paragraph, error) {
	p := doctree.Paragraph{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT section_id, section_index FROM paragraphs WHERE id = ?`, id).Scan(&p.SectionID, &p.SectionIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return doctree.Paragraph{}, store.NotFound("paragraph", id)
	}
	if err != nil {
		return doctree.Paragraph{}, fmt.Errorf("sqlite: get paragraph: %w", err)
	}

	p.Chunks, err = s.queryChunks(ctx,
		`SELECT id, paragraph_id, paragraph_index, text, type FROM chunks
		 WHERE paragraph_id = ? ORDER BY paragraph_index`, id)
	if err != nil {
		return doctree.Paragraph{}, err
	}
	return p, nil
}

// GetChunks fetches chunks by id in the order given. Repeated ids collapse
// and any id that does not resolve fails the whole call.
func (s *Store) GetChunks(ctx context.Context, ids []string) ([]doctree.Chunk, error) {
	ids = store.Dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	found, err := s.queryChunks(ctx,
		`SELECT id, paragraph_id, paragraph_index, text, type FROM chunks
		 WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
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
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []doctree.Chunk
	for rows.Next() {
		var c doctree.Chunk
		var typ string
		if err := rows.Scan(&c.ID, &c.ParagraphID, &c.ParagraphIndex, &c.Text, &typ); err != nil {
			return nil, fmt.Errorf("sqlite: scan chunk: %w", err)
		}
		c.Type = doctree.ElementType(typ)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: query chunks: %w", err)
	}
	return chunks, nil
}

// DeleteSection removes a section. Paragraphs and chunks follow by cascade.
func (s *Store) DeleteSection(ctx context.Context, id string) ([]string, error) {
	return s.deleteWhere(ctx, "section", id,
		`SELECT c.id FROM chunks c JOIN paragraphs p ON p.id = c.paragraph_id WHERE p.section_id = ?`,
		`DELETE FROM sections WHERE id = ?`)
}

// DeleteDocument removes a document and all of its sections.
func (s *Store) DeleteDocument(ctx context.Context, id string) ([]string, error) {
	return s.deleteWhere(ctx, "document", id,
		`SELECT c.id FROM chunks c
		 JOIN paragraphs p ON p.id = c.paragraph_id
		 JOIN sections s ON s.id = p.section_id
		 WHERE s.document_id = ?`,
		`DELETE FROM documents WHERE id = ?`)
}

func (s *Store) deleteWhere(ctx context.Context, kind, id, chunkQuery, deleteStmt string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, chunkQuery, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list %s chunks: %w", kind, err)
	}
	var chunkIDs []string
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan chunk id: %w", err)
		}
		chunkIDs = append(chunkIDs, cid)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("sqlite: list %s chunks: %w", kind, err)
	}

	res, err := tx.ExecContext(ctx, deleteStmt, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: delete %s: %w", kind, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.NotFound(kind, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit tx: %w", err)
	}
	s.logger.Debug("sqlite: deleted", "kind", kind, "id", id, "chunks", len(chunkIDs))
	return chunkIDs, nil
}

// ListDocuments returns every document, newest first, with forest sizes.
func (s *Store) ListDocuments(ctx context.Context) ([]store.DocumentSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.title, d.filename, d.content_hash, d.created_at,
		        (SELECT COUNT(*) FROM sections s WHERE s.document_id = d.id),
		        (SELECT COUNT(*) FROM chunks c
		           JOIN paragraphs p ON p.id = c.paragraph_id
		           JOIN sections s ON s.id = p.section_id
		          WHERE s.document_id = d.id)
		 FROM documents d ORDER BY d.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list documents: %w", err)
	}
	defer rows.Close()

	var docs []store.DocumentSummary
	for rows.Next() {
		var d store.DocumentSummary
		var created int64
		if err := rows.Scan(&d.ID, &d.Title, &d.Filename, &d.ContentHash, &created, &d.Sections, &d.Chunks); err != nil {
			return nil, fmt.Errorf("sqlite: scan document: %w", err)
		}
		d.CreatedAt = time.UnixMilli(created).UTC()
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// GetDocumentByHash finds a previously ingested document by content hash.
func (s *Store) GetDocumentByHash(ctx context.Context, hash string) (doctree.Document, error) {
	var d doctree.Document
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, filename, content_hash, created_at FROM documents
		 WHERE content_hash = ? ORDER BY created_at LIMIT 1`, hash).
		Scan(&d.ID, &d.Title, &d.Filename, &d.ContentHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return doctree.Document{}, store.NotFound("document with hash", hash)
	}
	if err != nil {
		return doctree.Document{}, fmt.Errorf("sqlite: get document by hash: %w", err)
	}
	d.CreatedAt = time.UnixMilli(created).UTC()
	return d, nil
}

// ScanEmbeddings streams every stored chunk embedding to fn.
func (s *Store) ScanEmbeddings(ctx context.Context, fn func(chunkID string, vec []float32) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("sqlite: scan embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("sqlite: scan embedding row: %w", err)
		}
		vec, err := deserializeEmbedding(raw)
		if err != nil {
			s.logger.Warn("sqlite: skipping malformed embedding", "chunk_id", id, "error", err)
			continue
		}
		if err := fn(id, vec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
