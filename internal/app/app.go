// Package app wires configuration into the running collaborators shared by
// the server and the CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgallion1/ctxgest/internal/chunker"
	"github.com/dgallion1/ctxgest/internal/config"
	"github.com/dgallion1/ctxgest/internal/embed"
	"github.com/dgallion1/ctxgest/internal/extract"
	"github.com/dgallion1/ctxgest/internal/pipeline"
	"github.com/dgallion1/ctxgest/internal/rag"
	"github.com/dgallion1/ctxgest/internal/retrieval"
	"github.com/dgallion1/ctxgest/internal/search"
	"github.com/dgallion1/ctxgest/internal/store"
	"github.com/dgallion1/ctxgest/internal/store/postgres"
	"github.com/dgallion1/ctxgest/internal/store/sqlite"
)

// App holds every long-lived collaborator. Claude and Answerer are nil when
// no Anthropic key is configured.
type App struct {
	Config   config.Config
	Store    store.Store
	Embedder *embed.Ollama
	Searcher search.Searcher
	Engine   *retrieval.Engine
	Claude   *extract.ClaudeClient
	Answerer *rag.Answerer
	Stats    *extract.CallStats

	closers []func()
}

// NewLogger returns the JSON logger used by every binary.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// New opens the store, the embedder and the vector index described by cfg.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	th := cfg.Thresholds()
	if err := th.Validate(); err != nil {
		return nil, fmt.Errorf("retrieval thresholds: %w", err)
	}
	a := &App{Config: cfg, Stats: extract.NewCallStats(time.Hour)}

	st, err := a.openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.Store = st

	if err := st.Init(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}

	a.Embedder, err = embed.NewOllama(cfg.OllamaHost, cfg.EmbedModel)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("embedder: %w", err)
	}
	a.Embedder.Stats = a.Stats

	switch cfg.VectorBackend {
	case "qdrant":
		q, err := search.NewQdrant(ctx, search.QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dimension:  cfg.EmbedDimension,
		}, log)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		a.Searcher = q
		a.closers = append(a.closers, func() { q.Close() })
	default:
		a.Searcher = search.NewLocal(st)
	}

	a.Engine = retrieval.NewEngine(st, th, retrieval.WithLogger(log))

	if cfg.AnthropicAPIKey != "" {
		a.Claude = extract.NewClaudeClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		a.Claude.Stats = a.Stats
		a.closers = append(a.closers, a.Claude.Close)
		a.Answerer = rag.NewAnswerer(a.Claude, a.Embedder, a.Searcher, a.Engine, rag.Config{
			TopN:     cfg.TopNRetrieval,
			MinScore: float32(cfg.MinScore),
		}, log)
	}

	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		return postgres.New(pool), nil
	default:
		st := sqlite.New(cfg.DBPath, sqlite.WithLogger(log))
		a.closers = append(a.closers, func() { st.Close() })
		return st, nil
	}
}

// PipelineDeps returns the collaborators an ingest worker needs. Pages are
// segmented by Claude when it is configured and structurally otherwise.
func (a *App) PipelineDeps() pipeline.Deps {
	var ex extract.Extractor = extract.StructuralExtractor{}
	if a.Claude != nil {
		ex = a.Claude
	}
	return pipeline.Deps{
		Extractor: ex,
		Embedder:  a.Embedder,
		Store:     a.Store,
		Searcher:  a.Searcher,
	}
}

// ChunkConfig is the chunker configuration derived from cfg.
func (a *App) ChunkConfig() chunker.Config {
	return chunker.Config{
		ChunkSize:  a.Config.ChunkSize,
		Separators: a.Config.ChunkSeparators,
	}
}

// Models names the model behind each recorded operation.
func (a *App) Models() map[string]string {
	m := map[string]string{"embed": a.Embedder.Model()}
	if a.Claude != nil {
		m["complete"] = a.Claude.Model()
	}
	return m
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
