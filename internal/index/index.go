package index

import (
	"context"
	"errors"
)

// ErrBuild marks failures while embedding or loading documents into a
// backend. The assistant treats it as "unavailable" rather than fatal.
var ErrBuild = errors.New("index build failed")

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type Hit struct {
	Document Document
	Score    float64
}

// Index is immutable once built. Search must be safe for concurrent use.
type Index interface {
	Search(ctx context.Context, vector []float32, k int) ([]Hit, error)
	Len() int
	Close(ctx context.Context) error
}

// Backend creates a fresh Index from documents and their vectors.
type Backend interface {
	Name() string
	Build(ctx context.Context, docs []Document, vectors [][]float32) (Index, error)
}
