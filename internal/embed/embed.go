// Package embed turns chunk text into vectors.
package embed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/dgallion1/ctxgest/internal/extract"
)

// Embedder produces one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Ollama embeds text with a model served by an Ollama instance.
type Ollama struct {
	client *api.Client
	model  string

	// Stats records every request under "embed" when set.
	Stats *extract.CallStats
}

var _ Embedder = (*Ollama)(nil)

// NewOllama creates an embedder for model on the Ollama server at host.
func NewOllama(host, model string) (*Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host: %w", err)
	}
	return &Ollama{
		client: api.NewClient(u, &http.Client{Timeout: 2 * time.Minute}),
		model:  model,
	}, nil
}

// Model returns the embedding model name.
func (o *Ollama) Model() string {
	return o.model
}

// Embed requests embeddings one text at a time. Rate limits and server
// errors come back as *extract.RetryableError.
func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for i, text := range texts {
		start := time.Now()
		resp, err := o.client.Embeddings(ctx, &api.EmbeddingRequest{
			Model:  o.model,
			Prompt: text,
		})
		if o.Stats != nil {
			o.Stats.Record("embed", time.Since(start), err)
		}
		if err != nil {
			return nil, classify(fmt.Errorf("embed text %d: %w", i, err))
		}
		if len(resp.Embedding) == 0 {
			return nil, fmt.Errorf("embed text %d: empty embedding", i)
		}
		out = append(out, toFloat32(resp.Embedding))
	}
	return out, nil
}

func classify(err error) error {
	var status api.StatusError
	if errors.As(err, &status) {
		if status.StatusCode == http.StatusTooManyRequests || status.StatusCode >= 500 {
			return &extract.RetryableError{StatusCode: status.StatusCode, Message: err.Error()}
		}
	}
	return err
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
