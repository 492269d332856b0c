package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leoris0/MusicProject/pkg/config"
)

func fakeProvider(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/v1/chat/completions":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "qwen-max",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "信天游是陕北民歌。"},
				"finish_reason": "stop",
			}},
		})
	case "/v1/embeddings":
		var body struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		data := make([]map[string]any, len(body.Input))
		for i, in := range body.Input {
			data[i] = map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(len([]rune(in))), 1, 0.5},
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": "text-embedding-v1"})
	default:
		http.NotFound(w, r)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(fakeProvider))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	kb := filepath.Join(dir, "knowledge_base.json")
	require.NoError(t, os.WriteFile(kb, []byte(`{"entries":[
		{"content":"信天游是陕北民歌的代表形式","keywords":["信天游"],"type":"text"}
	]}`), 0o644))

	return &config.Config{
		LLM: config.LLMConfig{
			BaseURL:            srv.URL + "/v1",
			APIKey:             "test-key",
			Model:              "qwen-max",
			TimeoutSec:         5,
			MaxAttempts:        1,
			EmbeddingModel:     "text-embedding-v1",
			EmbeddingBatchSize: 10,
		},
		Knowledge: config.KnowledgeConfig{
			Path:         kb,
			ProjectRoot:  dir,
			MediaMarker:  "/file=",
			IndexBackend: BackendMemory,
		},
		Agent:  config.AgentConfig{MaxIterations: 4, ToolTimeoutSec: 5},
		SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "maestro.db")},
		Jobs: config.JobsConfig{
			OutputDir:        filepath.Join(dir, "outputs"),
			HealthTimeoutSec: 1,
			Video:            config.ServiceConfig{URL: "http://127.0.0.1:1"},
			Song:             config.ServiceConfig{URL: "http://127.0.0.1:1"},
			Avatar:           config.ServiceConfig{URL: "http://127.0.0.1:1"},
		},
	}
}

func TestAppAnswersAfterStart(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.StartAssistant(ctx))
	st := a.Assistant.Status()
	assert.True(t, st.Ready)
	assert.Equal(t, 1, st.Documents)

	answer, err := a.Assistant.Ask(ctx, "s1", "什么是信天游")
	require.NoError(t, err)
	assert.Equal(t, "信天游是陕北民歌。", answer.Response)

	history, err := a.Store.GetRecentConversations(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "什么是信天游", history[0].Query)

	n, err := a.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Knowledge.IndexBackend = "faiss"

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "faiss")
}

func TestAppSkipsUnreachableCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis = config.RedisConfig{Enabled: true, Host: "127.0.0.1", Port: 1}

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()
	assert.Same(t, a.LLM, a.Embedder)
}

func TestAppCacheHooksWithoutRedis(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.CacheCheck())
	_, err = a.FlushEmbeddingCache(context.Background())
	assert.ErrorIs(t, err, ErrCacheDisabled)
}

func TestAppMediaDirRelativeToProjectRoot(t *testing.T) {
	cfg := testConfig(t)
	cfg.Knowledge.MediaDir = "data/media"

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, filepath.Join(cfg.Knowledge.ProjectRoot, "data", "media"), a.MediaDir())

	abs := filepath.Join(t.TempDir(), "media")
	a.Config.Knowledge.MediaDir = abs
	assert.Equal(t, abs, a.MediaDir())
}
