package api

import (
	"encoding/json"
	"net/http"

	"github.com/dgallion1/ctxgest/internal/extract"
)

type retrieveRequest struct {
	ChunkIDs []string `json:"chunk_ids"`
}

type queryRequest struct {
	Messages []extract.Message `json:"messages"`
}

const maxJSONBody = 1 << 20

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	passages, err := s.deps.Retriever.Retrieve(r.Context(), req.ChunkIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"passages": passages})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Answerer == nil {
		jsonError(w, "question answering is not configured", http.StatusServiceUnavailable)
		return
	}

	var req queryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	ans, err := s.deps.Answerer.Answer(r.Context(), req.Messages)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}
