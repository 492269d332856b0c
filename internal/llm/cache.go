package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/internal/index"
	"github.com/Leoris0/MusicProject/internal/metrics"
	"github.com/Leoris0/MusicProject/pkg/logger"
	"github.com/Leoris0/MusicProject/pkg/utils"
)

type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32) error
}

// CachedEmbedder consults the cache before the provider. Cache failures are
// logged and otherwise ignored.
type CachedEmbedder struct {
	next  index.Embedder
	cache EmbeddingCache
	model string
}

func NewCachedEmbedder(next index.Embedder, cache EmbeddingCache, model string) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, model: model}
}

func (c *CachedEmbedder) key(text string) string {
	return utils.HashString(c.model, text)
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingAt []int

	for i, text := range texts {
		vec, ok, err := c.cache.GetEmbedding(ctx, c.key(text))
		if err != nil {
			logger.Warn("Embedding cache read failed", zap.Error(err))
		}
		if ok {
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			out[i] = vec
			continue
		}
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
		missing = append(missing, text)
		missingAt = append(missingAt, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := c.next.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(fresh), len(missing))
	}

	for j, vec := range fresh {
		out[missingAt[j]] = vec
		if err := c.cache.SetEmbedding(ctx, c.key(missing[j]), vec); err != nil {
			logger.Warn("Embedding cache write failed", zap.Error(err))
		}
	}
	return out, nil
}
