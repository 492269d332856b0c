// Package milvus implements the vector index backend on Milvus / Zilliz
// Cloud. Every build writes a fresh collection so a rebuild never mutates
// the collection live queries are reading.
package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/internal/index"
	"github.com/Leoris0/MusicProject/internal/knowledge"
	"github.com/Leoris0/MusicProject/pkg/logger"
)

const (
	fieldID          = "entry_id"
	fieldEmbedding   = "embedding"
	fieldText        = "text"
	fieldType        = "type"
	fieldMediaURL    = "media_url"
	fieldKeywords    = "keywords"
	fieldPlaceholder = "placeholder"
)

var outputFields = []string{fieldID, fieldText, fieldType, fieldMediaURL, fieldKeywords, fieldPlaceholder}

type Client struct {
	store  store
	prefix string
	seq    atomic.Uint64
}

func NewClient(ctx context.Context, endpoint, apiKey, prefix string) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection_prefix", prefix),
	)

	return newClient(&sdkStore{c: c}, prefix), nil
}

func newClient(s store, prefix string) *Client {
	if prefix == "" {
		prefix = "maestro_kb"
	}
	return &Client{store: s, prefix: prefix}
}

func (m *Client) Name() string { return "milvus" }

func (m *Client) Close() error {
	return m.store.Close()
}

// Build creates, fills, indexes and loads a new collection.
func (m *Client) Build(ctx context.Context, docs []index.Document, vectors [][]float32) (index.Index, error) {
	if len(docs) == 0 || len(docs) != len(vectors) {
		return nil, fmt.Errorf("got %d vectors for %d documents", len(vectors), len(docs))
	}
	dim := len(vectors[0])
	name := fmt.Sprintf("%s_%d_%d", m.prefix, time.Now().Unix(), m.seq.Add(1))

	if err := m.store.CreateCollection(ctx, schema(name, dim)); err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	cleanup := func() {
		if err := m.store.DropCollection(context.Background(), name); err != nil {
			logger.Warn("Failed to drop partial collection", zap.String("collection", name), zap.Error(err))
		}
	}

	if err := m.insert(ctx, name, dim, docs, vectors); err != nil {
		cleanup()
		return nil, err
	}

	idx, err := entity.NewIndexFlat(entity.IP)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to build index params: %w", err)
	}
	if err := m.store.CreateIndex(ctx, name, fieldEmbedding, idx); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create index: %w", err)
	}
	if err := m.store.LoadCollection(ctx, name); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded",
		zap.String("collection", name),
		zap.Int("documents", len(docs)),
	)

	return &collection{store: m.store, name: name, size: len(docs)}, nil
}

// Prune drops collections left behind by earlier processes, keeping keep.
func (m *Client) Prune(ctx context.Context, keep string) error {
	names, err := m.store.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, n := range names {
		if n == keep || !strings.HasPrefix(n, m.prefix+"_") {
			continue
		}
		if err := m.store.DropCollection(ctx, n); err != nil {
			return fmt.Errorf("failed to drop %s: %w", n, err)
		}
		logger.Info("Dropped stale collection", zap.String("collection", n))
	}
	return nil
}

func (m *Client) insert(ctx context.Context, name string, dim int, docs []index.Document, vectors [][]float32) error {
	ids := make([]string, len(docs))
	embeddings := make([][]float32, len(docs))
	texts := make([]string, len(docs))
	types := make([]string, len(docs))
	mediaURLs := make([]string, len(docs))
	keywords := make([]string, len(docs))
	placeholders := make([]bool, len(docs))

	for i, doc := range docs {
		if len(vectors[i]) != dim {
			return fmt.Errorf("document %d has dimension %d, want %d", i, len(vectors[i]), dim)
		}
		kw, err := json.Marshal(doc.Metadata.Keywords)
		if err != nil {
			return fmt.Errorf("failed to encode keywords: %w", err)
		}
		ids[i] = fmt.Sprintf("%d:%s", i, doc.Metadata.EntryID)
		embeddings[i] = normalize(vectors[i])
		texts[i] = doc.Text
		types[i] = string(doc.Metadata.Type)
		mediaURLs[i] = doc.Metadata.MediaURL
		keywords[i] = string(kw)
		placeholders[i] = doc.Metadata.Placeholder
	}

	err := m.store.Insert(ctx, name,
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnFloatVector(fieldEmbedding, dim, embeddings),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnVarChar(fieldType, types),
		entity.NewColumnVarChar(fieldMediaURL, mediaURLs),
		entity.NewColumnVarChar(fieldKeywords, keywords),
		entity.NewColumnBool(fieldPlaceholder, placeholders),
	)
	if err != nil {
		return fmt.Errorf("failed to insert documents: %w", err)
	}

	if err := m.store.Flush(ctx, name); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

type collection struct {
	store store
	name  string
	size  int
}

func (c *collection) Name() string { return c.name }

func (c *collection) Len() int { return c.size }

func (c *collection) Close(ctx context.Context) error {
	if err := c.store.DropCollection(ctx, c.name); err != nil {
		return fmt.Errorf("failed to drop collection %s: %w", c.name, err)
	}
	logger.Info("Collection dropped", zap.String("collection", c.name))
	return nil
}

func (c *collection) Search(ctx context.Context, vector []float32, k int) ([]index.Hit, error) {
	sp, err := entity.NewIndexFlatSearchParam()
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	results, err := c.store.Search(ctx, c.name, normalize(vector), k, sp)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]index.Hit, 0, k)
	for _, sr := range results {
		for i := 0; i < sr.ResultCount; i++ {
			hit, err := decodeHit(sr, i)
			if err != nil {
				return nil, err
			}
			hits = append(hits, hit)
		}
	}

	logger.Debug("Vector search completed",
		zap.String("collection", c.name),
		zap.Int("topK", k),
		zap.Int("results", len(hits)),
	)
	return hits, nil
}

func decodeHit(sr client.SearchResult, i int) (index.Hit, error) {
	str := func(field string) (string, error) {
		col := sr.Fields.GetColumn(field)
		if col == nil {
			return "", fmt.Errorf("search result missing field %q", field)
		}
		v, err := col.Get(i)
		if err != nil {
			return "", err
		}
		s, _ := v.(string)
		return s, nil
	}

	id, err := str(fieldID)
	if err != nil {
		return index.Hit{}, err
	}
	text, err := str(fieldText)
	if err != nil {
		return index.Hit{}, err
	}
	typ, err := str(fieldType)
	if err != nil {
		return index.Hit{}, err
	}
	mediaURL, err := str(fieldMediaURL)
	if err != nil {
		return index.Hit{}, err
	}
	kwRaw, err := str(fieldKeywords)
	if err != nil {
		return index.Hit{}, err
	}

	var keywords []string
	if kwRaw != "" {
		if err := json.Unmarshal([]byte(kwRaw), &keywords); err != nil {
			return index.Hit{}, fmt.Errorf("failed to decode keywords: %w", err)
		}
	}

	placeholder := false
	if col := sr.Fields.GetColumn(fieldPlaceholder); col != nil {
		if v, err := col.Get(i); err == nil {
			placeholder, _ = v.(bool)
		}
	}

	_, entryID, _ := strings.Cut(id, ":")

	var score float64
	if i < len(sr.Scores) {
		score = float64(sr.Scores[i])
	}

	return index.Hit{
		Document: index.Document{
			Text: text,
			Metadata: index.Metadata{
				EntryID:     entryID,
				Type:        knowledge.EntryType(typ).Normalize(),
				MediaURL:    mediaURL,
				Keywords:    keywords,
				Placeholder: placeholder,
			},
		},
		Score: score,
	}, nil
}

func schema(name string, dim int) *entity.Schema {
	varchar := func(field string, maxLen int) *entity.Field {
		return &entity.Field{
			Name:     field,
			DataType: entity.FieldTypeVarChar,
			TypeParams: map[string]string{
				"max_length": fmt.Sprintf("%d", maxLen),
			},
		}
	}

	id := varchar(fieldID, 128)
	id.PrimaryKey = true

	return &entity.Schema{
		CollectionName: name,
		Description:    "Culture knowledge base embeddings",
		Fields: []*entity.Field{
			id,
			{
				Name:     fieldEmbedding,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", dim),
				},
			},
			varchar(fieldText, 8192),
			varchar(fieldType, 16),
			varchar(fieldMediaURL, 1024),
			varchar(fieldKeywords, 2048),
			{
				Name:     fieldPlaceholder,
				DataType: entity.FieldTypeBool,
			},
		},
	}
}

// normalize scales v to unit length so inner product equals cosine.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	n := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}
