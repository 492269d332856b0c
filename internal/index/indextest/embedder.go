// Package indextest provides a deterministic embedder for tests.
package indextest

import (
	"context"
	"hash/fnv"
	"sync/atomic"
)

const Dim = 64

// Embedder hashes each rune into a bucket, so texts sharing characters
// score close under cosine similarity. Err, when set, is returned by every
// call.
type Embedder struct {
	Err   error
	Calls atomic.Int32
}

func (e *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.Calls.Add(1)
	if e.Err != nil {
		return nil, e.Err
	}
	return Vector(text), nil
}

func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func Vector(text string) []float32 {
	v := make([]float32, Dim)
	for _, r := range text {
		h := fnv.New32a()
		_, _ = h.Write([]byte(string(r)))
		v[h.Sum32()%Dim]++
	}
	return v
}
