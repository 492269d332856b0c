package index

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// MemoryBackend keeps vectors in process and ranks by cosine similarity.
type MemoryBackend struct{}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (MemoryBackend) Name() string { return "memory" }

func (MemoryBackend) Build(_ context.Context, docs []Document, vectors [][]float32) (Index, error) {
	if len(docs) != len(vectors) {
		return nil, fmt.Errorf("got %d vectors for %d documents", len(vectors), len(docs))
	}
	idx := &memoryIndex{
		docs:    make([]Document, len(docs)),
		vectors: make([][]float32, len(vectors)),
	}
	copy(idx.docs, docs)
	for i, v := range vectors {
		idx.vectors[i] = append([]float32(nil), v...)
	}
	return idx, nil
}

// memoryIndex is never written after Build, so reads need no locking.
type memoryIndex struct {
	docs    []Document
	vectors [][]float32
}

func (m *memoryIndex) Search(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 || len(m.docs) == 0 {
		return nil, nil
	}

	hits := make([]Hit, 0, len(m.docs))
	for i, doc := range m.docs {
		if len(m.vectors[i]) != len(vector) {
			return nil, fmt.Errorf("query dimension %d does not match index dimension %d", len(vector), len(m.vectors[i]))
		}
		hits = append(hits, Hit{Document: doc, Score: cosineSimilarity(vector, m.vectors[i])})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *memoryIndex) Len() int { return len(m.docs) }

func (m *memoryIndex) Close(context.Context) error { return nil }

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
