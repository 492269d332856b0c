// Package app builds the assistant and the job gateway from configuration.
// Both the API server and the maestro CLI start from here.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/internal/agent"
	"github.com/Leoris0/MusicProject/internal/assistant"
	"github.com/Leoris0/MusicProject/internal/cache/redis"
	"github.com/Leoris0/MusicProject/internal/index"
	"github.com/Leoris0/MusicProject/internal/jobs"
	"github.com/Leoris0/MusicProject/internal/knowledge"
	"github.com/Leoris0/MusicProject/internal/llm"
	"github.com/Leoris0/MusicProject/internal/media"
	"github.com/Leoris0/MusicProject/internal/retrieval"
	"github.com/Leoris0/MusicProject/internal/storage/sqlite"
	"github.com/Leoris0/MusicProject/internal/vector/milvus"
	"github.com/Leoris0/MusicProject/pkg/config"
	"github.com/Leoris0/MusicProject/pkg/logger"
)

const (
	BackendMemory = "memory"
	BackendMilvus = "milvus"
)

type App struct {
	Config    *config.Config
	Store     *sqlite.Client
	LLM       *llm.Client
	Embedder  index.Embedder
	Resolver  *media.Resolver
	Holder    *index.Holder
	Assistant *assistant.Service
	Generator *jobs.Generator

	milvus  *milvus.Client
	cache   *redis.Client
	closers []func() error
}

// New wires every component but does not build the index; call
// StartAssistant for that. Redis is optional and skipped with a warning
// when unreachable.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	store, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQLite client: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	if err := store.InitSchema(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	a.LLM = llm.NewClient(cfg.LLM)
	a.Embedder = a.LLM

	if cfg.Redis.Enabled {
		ttl := time.Duration(cfg.Redis.EmbeddingTTLHours) * time.Hour
		rc, err := redis.NewClient(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, ttl)
		if err != nil {
			logger.Warn("Embedding cache disabled", zap.Error(err))
		} else {
			a.cache = rc
			a.closers = append(a.closers, rc.Close)
			a.Embedder = llm.NewCachedEmbedder(a.LLM, rc, cfg.LLM.EmbeddingModel)
		}
	}

	backend, err := a.backend(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Resolver, err = media.NewResolver(cfg.Knowledge.ProjectRoot, cfg.Knowledge.MediaMarker)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Holder = index.NewHolder()
	tool := retrieval.NewTool(a.Holder, a.Embedder, a.Resolver)

	ag, err := agent.New(agent.Config{
		Model:         a.LLM,
		Tools:         []agent.Tool{tool},
		SystemPrompt:  agent.SystemPrompt(retrieval.ToolName, a.Resolver.Marker()),
		MaxIterations: cfg.Agent.MaxIterations,
		ToolTimeout:   cfg.Agent.ToolTimeout(),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	a.Assistant = assistant.New(assistant.Deps{
		KnowledgePath: cfg.Knowledge.Path,
		Builder:       index.NewBuilder(a.Embedder, backend, cfg.LLM.EmbeddingBatchSize),
		Holder:        a.Holder,
		Agent:         ag,
		Tool:          tool,
		Store:         store,
		SwapGrace:     cfg.Knowledge.SwapGrace(),
	})

	a.Generator = jobs.NewGenerator(cfg.Jobs, store)

	logger.Info("Components initialized",
		zap.String("llm_model", a.LLM.Model()),
		zap.String("index_backend", backend.Name()),
		zap.Bool("embedding_cache", a.cache != nil),
		zap.String("project_root", a.Resolver.Root()),
	)
	return a, nil
}

func (a *App) backend(ctx context.Context) (index.Backend, error) {
	switch a.Config.Knowledge.IndexBackend {
	case "", BackendMemory:
		return index.NewMemoryBackend(), nil
	case BackendMilvus:
		m := a.Config.Milvus
		client, err := milvus.NewClient(ctx, m.Endpoint, m.APIKey, m.CollectionPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to create Milvus client: %w", err)
		}
		a.milvus = client
		a.closers = append(a.closers, client.Close)
		return client, nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", a.Config.Knowledge.IndexBackend)
	}
}

// StartAssistant builds the first index. On a Milvus backend, collections
// left by earlier processes are dropped once the new one is live; later
// swaps drop their predecessor themselves.
func (a *App) StartAssistant(ctx context.Context) error {
	if err := a.Assistant.Start(ctx); err != nil {
		return err
	}
	if a.milvus == nil {
		return nil
	}
	if named, ok := a.Holder.Current().(interface{ Name() string }); ok {
		if err := a.milvus.Prune(ctx, named.Name()); err != nil {
			logger.Warn("Failed to prune stale collections", zap.Error(err))
		}
	}
	return nil
}

func (a *App) Reload(ctx context.Context) (int, error) {
	n, err := a.Assistant.Reload(ctx)
	if err != nil {
		logger.Error("Knowledge reload failed, keeping previous index", zap.Error(err))
	}
	return n, err
}

// WatchKnowledge reloads the index whenever the knowledge base file changes.
// It blocks until ctx is done.
func (a *App) WatchKnowledge(ctx context.Context) error {
	w, err := knowledge.NewWatcher(a.Config.Knowledge.Path, 0, func(ctx context.Context) {
		_, _ = a.Reload(ctx)
	})
	if err != nil {
		return err
	}
	w.Run(ctx)
	return nil
}

// MediaDir is the directory knowledge-base media is served from. A relative
// knowledge.mediaDir is taken relative to the project root.
func (a *App) MediaDir() string {
	dir := a.Config.Knowledge.MediaDir
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(a.Resolver.Root(), dir)
}

var ErrCacheDisabled = errors.New("embedding cache is not enabled")

// FlushEmbeddingCache drops every cached embedding. Run it before
// rebuilding after the embedding model changed.
func (a *App) FlushEmbeddingCache(ctx context.Context) (int, error) {
	if a.cache == nil {
		return 0, ErrCacheDisabled
	}
	return a.cache.Flush(ctx)
}

// CacheCheck returns a readiness check for the embedding cache, or nil
// when Redis is not in use.
func (a *App) CacheCheck() func(context.Context) error {
	if a.cache == nil {
		return nil
	}
	return a.cache.Ping
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("Failed to close component", zap.Error(err))
		}
	}
	a.closers = nil
}
