package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.deps.Store.ListDocuments(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// handleDeleteDocument removes a document with its whole forest, then drops
// the removed chunks from the vector index.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	chunkIDs, err := s.deps.Store.DeleteDocument(r.Context(), docID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.unindex(r.Context(), chunkIDs)

	s.log.Info("document deleted", "doc_id", docID, "chunks", len(chunkIDs))
	writeJSON(w, http.StatusOK, map[string]any{
		"doc_id":         docID,
		"chunks_deleted": len(chunkIDs),
	})
}

func (s *Server) handleGetSection(w http.ResponseWriter, r *http.Request) {
	sec, err := s.deps.Store.GetSection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sec)
}

func (s *Server) handleDeleteSection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	chunkIDs, err := s.deps.Store.DeleteSection(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.unindex(r.Context(), chunkIDs)

	writeJSON(w, http.StatusOK, map[string]any{
		"section_id":     id,
		"chunks_deleted": len(chunkIDs),
	})
}

func (s *Server) handleGetParagraph(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Store.GetParagraph(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// unindex is best effort: the rows are already gone and a stale vector hit
// resolves to ErrNotFound at retrieval time.
func (s *Server) unindex(ctx context.Context, chunkIDs []string) {
	if s.deps.Searcher == nil || len(chunkIDs) == 0 {
		return
	}
	if err := s.deps.Searcher.Remove(ctx, chunkIDs); err != nil {
		s.log.Warn("failed to remove chunks from index", "chunks", len(chunkIDs), "error", err)
	}
}
