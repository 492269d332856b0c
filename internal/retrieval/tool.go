// Package retrieval exposes the vector index to the agent as the
// search_knowledge_base tool.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/internal/agent"
	"github.com/Leoris0/MusicProject/internal/index"
	"github.com/Leoris0/MusicProject/internal/knowledge"
	"github.com/Leoris0/MusicProject/internal/media"
	"github.com/Leoris0/MusicProject/internal/metrics"
	"github.com/Leoris0/MusicProject/pkg/logger"
)

const (
	ToolName = "search_knowledge_base"
	topK     = 1
)

var (
	ErrSearch      = errors.New("knowledge search failed")
	ErrNoIndex     = errors.New("no index loaded")
	ErrInvalidArgs = errors.New("invalid tool arguments")
)

// Result is the tool output. Found is false for the "no information" case.
type Result struct {
	Content  string              `json:"content"`
	Type     knowledge.EntryType `json:"type"`
	MediaURL string              `json:"media_url,omitempty"`
	Found    bool                `json:"-"`
	Score    float64             `json:"-"`
}

type IndexSource interface {
	Current() index.Index
}

type Tool struct {
	indexes  IndexSource
	embedder index.Embedder
	resolver *media.Resolver
}

func NewTool(indexes IndexSource, embedder index.Embedder, resolver *media.Resolver) *Tool {
	return &Tool{
		indexes:  indexes,
		embedder: embedder,
		resolver: resolver,
	}
}

// Search returns the single best match. An empty or placeholder-only index
// is a successful not-found result, while embedding or backend failures are
// returned wrapped in ErrSearch.
func (t *Tool) Search(ctx context.Context, query string) (Result, error) {
	idx := t.indexes.Current()
	if idx == nil {
		metrics.ToolCalls.WithLabelValues(ToolName, "error").Inc()
		return Result{}, fmt.Errorf("%w: %w", ErrSearch, ErrNoIndex)
	}

	vec, err := t.embedder.Embed(ctx, query)
	if err != nil {
		metrics.ToolCalls.WithLabelValues(ToolName, "error").Inc()
		return Result{}, fmt.Errorf("%w: embedding query: %w", ErrSearch, err)
	}

	hits, err := idx.Search(ctx, vec, topK)
	if err != nil {
		metrics.ToolCalls.WithLabelValues(ToolName, "error").Inc()
		return Result{}, fmt.Errorf("%w: %w", ErrSearch, err)
	}

	if len(hits) == 0 || hits[0].Document.Metadata.Placeholder {
		metrics.ToolCalls.WithLabelValues(ToolName, "miss").Inc()
		return Result{Content: agent.NoInformation, Type: knowledge.TypeText}, nil
	}

	hit := hits[0]
	metrics.ToolCalls.WithLabelValues(ToolName, "hit").Inc()
	logger.Debug("Knowledge search hit",
		zap.String("entry_id", hit.Document.Metadata.EntryID),
		zap.Float64("score", hit.Score),
	)

	return Result{
		Content:  index.StripKeywords(hit.Document.Text),
		Type:     hit.Document.Metadata.Type,
		MediaURL: t.resolver.Resolve(hit.Document.Metadata.MediaURL),
		Found:    true,
		Score:    hit.Score,
	}, nil
}

func (t *Tool) Schema() agent.ToolSchema {
	return agent.ToolSchema{
		Name:        ToolName,
		Description: "Search the Shaanbei folk song and culture knowledge base. Returns the best matching entry with its content, type and media_url.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The topic or question to look up, e.g. 信天游 or 安塞腰鼓",
				},
			},
			"required": []string{"query"},
		},
	}
}

// Call implements agent.Tool.
func (t *Tool) Call(ctx context.Context, arguments string) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidArgs, err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", fmt.Errorf("%w: query is empty", ErrInvalidArgs)
	}

	res, err := t.Search(ctx, args.Query)
	if err != nil {
		return "", err
	}
	if !res.Found {
		return agent.NoInformation, nil
	}
	return Encode(res)
}

// Encode renders a Result as JSON without HTML escaping so media links
// reach the model byte for byte.
func Encode(res Result) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(res); err != nil {
		return "", fmt.Errorf("failed to encode search result: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
