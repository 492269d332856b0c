package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leoris0/MusicProject/internal/agent"
	"github.com/Leoris0/MusicProject/pkg/config"
)

type fakeProvider struct {
	t          *testing.T
	chatStatus int
	chatCalls  atomic.Int32
	embedCalls atomic.Int32
	lastChat   map[string]any
	mu         sync.Mutex
	toolReply  bool
}

func (f *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.URL.Path {
	case "/v1/chat/completions":
		f.chatCalls.Add(1)
		var body map[string]any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.lastChat = body
		f.mu.Unlock()

		if f.chatStatus != 0 {
			w.WriteHeader(f.chatStatus)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
			return
		}

		msg := map[string]any{"role": "assistant", "content": "信天游是陕北民歌。"}
		if f.toolReply {
			msg = map[string]any{
				"role":    "assistant",
				"content": "",
				"tool_calls": []map[string]any{{
					"id":   "call_1",
					"type": "function",
					"function": map[string]any{
						"name":      "search_knowledge_base",
						"arguments": `{"query":"信天游"}`,
					},
				}},
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   "qwen-max",
			"choices": []map[string]any{{"index": 0, "message": msg, "finish_reason": "stop"}},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})

	case "/v1/embeddings":
		f.embedCalls.Add(1)
		var body struct {
			Input []string `json:"input"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))

		// Reply out of order to check the client sorts by index.
		data := make([]map[string]any, 0, len(body.Input))
		for i := len(body.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(len([]rune(body.Input[i]))), 1},
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  "text-embedding-v1",
			"usage":  map[string]any{"prompt_tokens": 3, "total_tokens": 3},
		})

	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, f *fakeProvider, mutate ...func(*config.LLMConfig)) *Client {
	t.Helper()
	f.t = t
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	cfg := config.LLMConfig{
		BaseURL:            srv.URL + "/v1",
		APIKey:             "test-key",
		Model:              "qwen-max",
		Temperature:        0.7,
		MaxTokens:          256,
		TimeoutSec:         5,
		MaxAttempts:        2,
		EmbeddingModel:     "text-embedding-v1",
		EmbeddingBatchSize: 2,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return newClient(cfg, srv.Client())
}

func TestCompleteContent(t *testing.T) {
	f := &fakeProvider{}
	c := newTestClient(t, f)

	reply, err := c.Complete(context.Background(), []agent.Turn{
		{Role: agent.RoleSystem, Content: "sys"},
		{Role: agent.RoleUser, Content: "什么是信天游"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, agent.RoleAssistant, reply.Role)
	assert.Equal(t, "信天游是陕北民歌。", reply.Content)
	assert.Empty(t, reply.ToolCalls)

	assert.Equal(t, "qwen-max", f.lastChat["model"])
	assert.InDelta(t, 0.7, f.lastChat["temperature"], 0.001)
	assert.Nil(t, f.lastChat["tools"])
}

func TestCompleteToolCallRoundTrip(t *testing.T) {
	f := &fakeProvider{toolReply: true}
	c := newTestClient(t, f)

	schema := agent.ToolSchema{
		Name:       "search_knowledge_base",
		Parameters: map[string]any{"type": "object"},
	}
	reply, err := c.Complete(context.Background(), []agent.Turn{
		{Role: agent.RoleUser, Content: "信天游"},
		{Role: agent.RoleAssistant, ToolCalls: []agent.ToolCall{{ID: "call_0", Name: "search_knowledge_base", Arguments: `{"query":"x"}`}}},
		{Role: agent.RoleTool, Content: "No relevant information found.", ToolCallID: "call_0"},
	}, []agent.ToolSchema{schema})
	require.NoError(t, err)

	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, "call_1", reply.ToolCalls[0].ID)
	assert.Equal(t, "search_knowledge_base", reply.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"信天游"}`, reply.ToolCalls[0].Arguments)

	tools, ok := f.lastChat["tools"].([]any)
	require.True(t, ok)
	assert.Len(t, tools, 1)

	msgs := f.lastChat["messages"].([]any)
	require.Len(t, msgs, 3)
	assert.Equal(t, "call_0", msgs[2].(map[string]any)["tool_call_id"])
}

func TestCompleteClientErrorIsNotRetried(t *testing.T) {
	f := &fakeProvider{chatStatus: http.StatusBadRequest}
	c := newTestClient(t, f, func(cfg *config.LLMConfig) { cfg.MaxAttempts = 3 })

	_, err := c.Complete(context.Background(), []agent.Turn{{Role: agent.RoleUser, Content: "hi there"}}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), f.chatCalls.Load())
}

func TestCompleteServerErrorIsRetried(t *testing.T) {
	f := &fakeProvider{chatStatus: http.StatusInternalServerError}
	c := newTestClient(t, f, func(cfg *config.LLMConfig) { cfg.MaxAttempts = 2 })

	_, err := c.Complete(context.Background(), []agent.Turn{{Role: agent.RoleUser, Content: "hi there"}}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(2), f.chatCalls.Load())
}

func TestEmbedBatchKeepsOrder(t *testing.T) {
	f := &fakeProvider{}
	c := newTestClient(t, f)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := c.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))

	for i, v := range vectors {
		assert.Equal(t, float32(i+1), v[0])
	}
	assert.Equal(t, int32(3), f.embedCalls.Load())

	v, err := c.Embed(context.Background(), "信天游")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 1}, v)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]float32
	fail bool
}

func (m *mapCache) GetEmbedding(_ context.Context, key string) ([]float32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, false, errors.New("cache down")
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) SetEmbedding(_ context.Context, key string, v []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("cache down")
	}
	m.data[key] = v
	return nil
}

func TestCachedEmbedder(t *testing.T) {
	f := &fakeProvider{}
	c := newTestClient(t, f)
	cache := &mapCache{data: map[string][]float32{}}
	e := NewCachedEmbedder(c, cache, "text-embedding-v1")

	first, err := e.EmbedBatch(context.Background(), []string{"a", "bb"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.embedCalls.Load())
	assert.Len(t, cache.data, 2)

	second, err := e.EmbedBatch(context.Background(), []string{"bb", "ccc", "a"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.embedCalls.Load())
	assert.Equal(t, first[1], second[0])
	assert.Equal(t, first[0], second[2])
	assert.Equal(t, float32(3), second[1][0])
}

func TestCachedEmbedderSurvivesCacheOutage(t *testing.T) {
	f := &fakeProvider{}
	c := newTestClient(t, f)
	e := NewCachedEmbedder(c, &mapCache{fail: true}, "m")

	v, err := e.Embed(context.Background(), "秧歌")
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 1}, v)
}

func TestCompleteHonoursTimeout(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(slow)
	t.Cleanup(srv.Close)

	c := newClient(config.LLMConfig{BaseURL: srv.URL + "/v1", Model: "m", TimeoutSec: 1, MaxAttempts: 1}, srv.Client())
	c.timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := c.Complete(context.Background(), []agent.Turn{{Role: agent.RoleUser, Content: "hello there"}}, nil)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
