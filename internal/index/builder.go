package index

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/internal/knowledge"
	"github.com/Leoris0/MusicProject/internal/metrics"
	"github.com/Leoris0/MusicProject/pkg/logger"
)

type Builder struct {
	embedder  Embedder
	backend   Backend
	batchSize int
}

func NewBuilder(embedder Embedder, backend Backend, batchSize int) *Builder {
	if batchSize <= 0 {
		batchSize = 16
	}
	return &Builder{
		embedder:  embedder,
		backend:   backend,
		batchSize: batchSize,
	}
}

// Build embeds every document eagerly and hands them to the backend. An empty
// base produces a one-document index holding the placeholder.
func (b *Builder) Build(ctx context.Context, base knowledge.Base) (Index, error) {
	start := time.Now()
	docs := Documents(base)

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}

	vectors := make([][]float32, 0, len(texts))
	for lo := 0; lo < len(texts); lo += b.batchSize {
		hi := min(lo+b.batchSize, len(texts))
		batch, err := b.embedder.EmbedBatch(ctx, texts[lo:hi])
		if err != nil {
			metrics.IndexBuilds.WithLabelValues(b.backend.Name(), "error").Inc()
			return nil, fmt.Errorf("%w: embedding documents %d-%d: %w", ErrBuild, lo, hi-1, err)
		}
		if len(batch) != hi-lo {
			metrics.IndexBuilds.WithLabelValues(b.backend.Name(), "error").Inc()
			return nil, fmt.Errorf("%w: embedder returned %d vectors for %d texts", ErrBuild, len(batch), hi-lo)
		}
		vectors = append(vectors, batch...)
	}

	idx, err := b.backend.Build(ctx, docs, vectors)
	if err != nil {
		metrics.IndexBuilds.WithLabelValues(b.backend.Name(), "error").Inc()
		return nil, fmt.Errorf("%w: %s backend: %w", ErrBuild, b.backend.Name(), err)
	}

	metrics.IndexBuilds.WithLabelValues(b.backend.Name(), "success").Inc()
	metrics.IndexDocuments.Set(float64(idx.Len()))
	logger.Info("Vector index built",
		zap.String("backend", b.backend.Name()),
		zap.Int("documents", idx.Len()),
		zap.Duration("duration", time.Since(start)),
	)
	return idx, nil
}
