package api

import (
	"net/http"
)

// handleLLMStats reports model call latency per operation over the last hour.
func (s *Server) handleLLMStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		jsonError(w, "llm stats unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"models":      s.deps.Models,
		"operations":  s.deps.Stats.Snapshot(),
		"queue_depth": s.deps.Ingestor.QueueDepth(),
	})
}
