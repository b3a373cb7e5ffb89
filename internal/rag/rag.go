// Package rag answers chat questions from ingested documents.
package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgallion1/ctxgest/internal/embed"
	"github.com/dgallion1/ctxgest/internal/extract"
	"github.com/dgallion1/ctxgest/internal/search"
)

// ErrNoQuestion is returned when the history does not end with a user message.
var ErrNoQuestion = errors.New("history must end with a user message")

// Completer sends a system prompt and messages to a language model.
type Completer interface {
	Complete(ctx context.Context, system string, messages []extract.Message) (string, error)
}

// Retriever expands chunk hits into context passages.
type Retriever interface {
	Retrieve(ctx context.Context, chunkIDs []string) ([]string, error)
}

// Answer is the reply to one question.
type Answer struct {
	Answer        string   `json:"answer"`
	Passages      []string `json:"passages"`
	UsedRetrieval bool     `json:"used_retrieval"`
}

// Config tunes the similarity search step.
type Config struct {
	TopN     int
	MinScore float32
}

// Answerer runs rephrase, classify, search, promote and summarize.
type Answerer struct {
	llm       Completer
	embedder  embed.Embedder
	searcher  search.Searcher
	retriever Retriever
	cfg       Config
	log       *slog.Logger
}

// NewAnswerer wires the collaborators of the answer pipeline.
func NewAnswerer(llm Completer, e embed.Embedder, s search.Searcher, r Retriever, cfg Config, log *slog.Logger) *Answerer {
	if cfg.TopN <= 0 {
		cfg.TopN = 10
	}
	return &Answerer{llm: llm, embedder: e, searcher: s, retriever: r, cfg: cfg, log: log}
}

// Answer replies to the last user message in history. Any collaborator
// failure aborts the whole answer.
func (a *Answerer) Answer(ctx context.Context, history []extract.Message) (Answer, error) {
	if len(history) == 0 || history[len(history)-1].Role != "user" {
		return Answer{}, ErrNoQuestion
	}
	msgs := make([]extract.Message, len(history))
	copy(msgs, history)

	query, err := a.rephrase(ctx, msgs)
	if err != nil {
		return Answer{}, err
	}
	msgs[len(msgs)-1].Content = query

	needed, err := a.needsRetrieval(ctx, msgs)
	if err != nil {
		return Answer{}, err
	}
	if !needed {
		text, err := a.llm.Complete(ctx, "", msgs)
		if err != nil {
			return Answer{}, fmt.Errorf("direct answer: %w", err)
		}
		return Answer{Answer: text, Passages: []string{}}, nil
	}

	passages, err := a.passages(ctx, query)
	if err != nil {
		return Answer{}, err
	}
	reverse(passages)

	text, err := a.summarize(ctx, query, passages)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Answer: text, Passages: passages, UsedRetrieval: true}, nil
}

func (a *Answerer) rephrase(ctx context.Context, msgs []extract.Message) (string, error) {
	history, err := json.Marshal(msgs)
	if err != nil {
		return "", fmt.Errorf("marshal history: %w", err)
	}
	out, err := a.llm.Complete(ctx, rephrasePrompt, []extract.Message{{Role: "user", Content: string(history)}})
	if err != nil {
		return "", fmt.Errorf("rephrase: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("rephrase: empty query")
	}
	return out, nil
}

func (a *Answerer) needsRetrieval(ctx context.Context, msgs []extract.Message) (bool, error) {
	history, err := json.Marshal(msgs)
	if err != nil {
		return false, fmt.Errorf("marshal history: %w", err)
	}
	out, err := a.llm.Complete(ctx, classifyPrompt, []extract.Message{{Role: "user", Content: string(history)}})
	if err != nil {
		return false, fmt.Errorf("classify: %w", err)
	}
	switch strings.TrimSpace(out) {
	case "YES":
		return true, nil
	case "NO":
		return false, nil
	default:
		return false, fmt.Errorf("classify: expected YES or NO, got %q", truncate(out, 40))
	}
}

func (a *Answerer) passages(ctx context.Context, query string) ([]string, error) {
	vecs, err := a.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: expected 1 vector, got %d", len(vecs))
	}
	hits, err := a.searcher.Search(ctx, vecs[0], a.cfg.TopN)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	hits = search.FilterByScore(hits, a.cfg.MinScore)

	passages, err := a.retriever.Retrieve(ctx, search.ChunkIDs(hits))
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	a.log.Debug("retrieved passages", "hits", len(hits), "passages", len(passages))
	return passages, nil
}

func (a *Answerer) summarize(ctx context.Context, query string, passages []string) (string, error) {
	user := fmt.Sprintf("Documents:\n%s\n\nQuery: %s", strings.Join(passages, "\n\n"), query)
	out, err := a.llm.Complete(ctx, summarizePrompt, []extract.Message{{Role: "user", Content: user}})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return out, nil
}

// reverse puts the strongest passages last, closest to the query.
func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
