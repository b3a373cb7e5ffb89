package search

import (
	"context"
	"errors"
	"testing"
)

type memEmbeddings map[string][]float32

func (m memEmbeddings) ScanEmbeddings(_ context.Context, fn func(string, []float32) error) error {
	for id, v := range m {
		if err := fn(id, v); err != nil {
			return err
		}
	}
	return nil
}

func TestLocalSearch(t *testing.T) {
	l := NewLocal(memEmbeddings{
		"same":     {1, 0},
		"close":    {1, 1},
		"opposite": {-1, 0},
		"short":    {1},
	})

	hits, err := l.Search(context.Background(), []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ChunkID != "same" || hits[1].ChunkID != "close" {
		t.Errorf("expected [same close], got %+v", hits)
	}
	if hits[0].Score < 0.999 {
		t.Errorf("expected score near 1, got %v", hits[0].Score)
	}
}

func TestLocalSearch_PropagatesScanError(t *testing.T) {
	boom := errors.New("boom")
	l := NewLocal(scanFunc(func(context.Context, func(string, []float32) error) error { return boom }))
	if _, err := l.Search(context.Background(), []float32{1}, 3); !errors.Is(err, boom) {
		t.Fatalf("expected scan error, got %v", err)
	}
}

type scanFunc func(context.Context, func(string, []float32) error) error

func (f scanFunc) ScanEmbeddings(ctx context.Context, fn func(string, []float32) error) error {
	return f(ctx, fn)
}

func TestFilterByScore(t *testing.T) {
	hits := []Hit{{"a", 0.9}, {"b", 0.2}, {"c", 0.5}}
	got := FilterByScore(hits, 0.5)
	if len(got) != 2 || got[0].ChunkID != "a" || got[1].ChunkID != "c" {
		t.Errorf("expected [a c], got %+v", got)
	}
	ids := ChunkIDs(got)
	if len(ids) != 2 || ids[1] != "c" {
		t.Errorf("expected ids [a c], got %v", ids)
	}
}

func TestCosineSimilarity_ZeroVector(t *testing.T) {
	if got := cosineSimilarity([]float32{0, 0}, []float32{1, 0}); got != 0 {
		t.Errorf("expected 0 for zero vector, got %v", got)
	}
}
