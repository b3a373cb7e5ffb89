package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgallion1/ctxgest/internal/chunker"
	"github.com/dgallion1/ctxgest/internal/config"
	"github.com/dgallion1/ctxgest/internal/extract"
	"github.com/dgallion1/ctxgest/internal/pipeline"
	"github.com/dgallion1/ctxgest/internal/rag"
	"github.com/dgallion1/ctxgest/internal/search"
	"github.com/dgallion1/ctxgest/internal/store"
)

// Ingestor queues ingestion jobs and reports on them.
type Ingestor interface {
	Submit(job *pipeline.Job) error
	GetJob(id string) *pipeline.Job
	QueueDepth() int
}

// Retriever turns chunk ids into promoted passages.
type Retriever interface {
	Retrieve(ctx context.Context, chunkIDs []string) ([]string, error)
}

// Answerer answers a chat history.
type Answerer interface {
	Answer(ctx context.Context, history []extract.Message) (rag.Answer, error)
}

// Deps are the collaborators behind the API. Searcher, Answerer and Stats
// may be nil.
type Deps struct {
	Ingestor  Ingestor
	Store     store.Store
	Searcher  search.Searcher
	Retriever Retriever
	Answerer  Answerer
	Stats     *extract.CallStats
	Models    map[string]string
}

// Server is the HTTP API server for ctxgest.
type Server struct {
	router chi.Router
	deps   Deps
	log    *slog.Logger
	cfg    config.Config
}

// NewServer creates and configures the HTTP server.
func NewServer(deps Deps, log *slog.Logger, cfg config.Config) *Server {
	s := &Server{
		deps: deps,
		log:  log,
		cfg:  cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	// Public endpoints.
	r.Get("/health", s.handleHealth)

	// Authenticated endpoints.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.APIKey, s.log))

		r.Post("/api/ingest", s.handleIngest)
		r.Get("/api/ingest/{jobID}/status", s.handleIngestStatus)
		r.Post("/api/ingest/batch", s.handleBatchIngest)
		r.Get("/api/stats/llm", s.handleLLMStats)

		r.Get("/api/documents", s.handleListDocuments)
		r.Delete("/api/documents/{docID}", s.handleDeleteDocument)

		r.Get("/api/sections/{id}", s.handleGetSection)
		r.Delete("/api/sections/{id}", s.handleDeleteSection)
		r.Get("/api/paragraphs/{id}", s.handleGetParagraph)

		r.Post("/api/retrieve", s.handleRetrieve)
		r.Post("/api/query", s.handleQuery)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeError maps domain errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, store.ErrInvalid), errors.Is(err, chunker.ErrEmptyElement), errors.Is(err, rag.ErrNoQuestion):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	jsonError(w, err.Error(), code)
}
