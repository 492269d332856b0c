package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leoris0/MusicProject/internal/metrics"
)

type scriptedModel struct {
	mu      sync.Mutex
	replies []Turn
	err     error
	calls   [][]Turn
	tools   [][]ToolSchema
}

func (m *scriptedModel) Complete(_ context.Context, turns []Turn, tools []ToolSchema) (Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, append([]Turn(nil), turns...))
	m.tools = append(m.tools, tools)
	if m.err != nil {
		return Turn{}, m.err
	}
	if len(m.replies) == 0 {
		return Turn{Role: RoleAssistant, Content: "done"}, nil
	}
	r := m.replies[0]
	if len(m.replies) > 1 {
		m.replies = m.replies[1:]
	}
	return r, nil
}

type countingTool struct {
	mu     sync.Mutex
	output string
	err    error
	delay  time.Duration
	args   []string
}

func (t *countingTool) Schema() ToolSchema {
	return ToolSchema{Name: "search_knowledge_base", Description: "search"}
}

func (t *countingTool) Call(ctx context.Context, args string) (string, error) {
	t.mu.Lock()
	t.args = append(t.args, args)
	t.mu.Unlock()

	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return t.output, t.err
}

func (t *countingTool) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.args)
}

func toolCallTurn(id, query string) Turn {
	return Turn{
		Role:      RoleAssistant,
		ToolCalls: []ToolCall{{ID: id, Name: "search_knowledge_base", Arguments: `{"query":"` + query + `"}`}},
	}
}

func newAgent(t *testing.T, model ChatModel, tool Tool, mutate ...func(*Config)) *Agent {
	t.Helper()
	cfg := Config{
		Model:        model,
		Tools:        []Tool{tool},
		SystemPrompt: SystemPrompt("search_knowledge_base", "/file="),
		Selector:     FixedSelector(0),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func TestClassifyIntent(t *testing.T) {
	greetings := []string{"你好", " 在吗 ", "Hello", "HI", "hi\n", "早上好", "", " ", "?", "嗨"}
	for _, g := range greetings {
		assert.Equal(t, IntentGreeting, ClassifyIntent(g), "input %q", g)
	}

	queries := []string{"什么是信天游", "hello there", "你好啊", "ok"}
	for _, q := range queries {
		assert.Equal(t, IntentQuery, ClassifyIntent(q), "input %q", q)
	}
}

func TestGreetingSkipsModelAndTool(t *testing.T) {
	model := &scriptedModel{}
	tool := &countingTool{}

	for i, input := range []string{"你好", "hello", "早上好", "在吗", "x"} {
		a := newAgent(t, model, tool, func(c *Config) { c.Selector = FixedSelector(i) })

		state, err := a.Run(context.Background(), input)
		require.NoError(t, err)
		assert.Equal(t, IntentGreeting, state.Intent)
		assert.Contains(t, GreetingReplies(), state.FinalResponse)
		assert.Equal(t, []Node{NodeAnalyzeIntent, NodeRespondGreeting, NodeEnd}, state.Path)
	}

	assert.Empty(t, model.calls)
	assert.Zero(t, tool.count())
}

func TestGreetingSelectorIsDeterministic(t *testing.T) {
	a := newAgent(t, &scriptedModel{}, &countingTool{}, func(c *Config) {
		c.Greetings = []string{"a", "b", "c"}
		c.Selector = FixedSelector(1)
	})

	state, err := a.Run(context.Background(), "你好")
	require.NoError(t, err)
	assert.Equal(t, "b", state.FinalResponse)
}

func TestRetrievalRoundTrip(t *testing.T) {
	const fact = "信天游是陕北传统民歌形式"
	model := &scriptedModel{replies: []Turn{
		toolCallTurn("call-1", "信天游"),
		{Role: RoleAssistant, Content: fact + "，多用比兴手法。"},
	}}
	tool := &countingTool{output: `{"content":"` + fact + `","type":"text"}`}
	a := newAgent(t, model, tool)

	state, err := a.Run(context.Background(), "什么是信天游")
	require.NoError(t, err)

	assert.Equal(t, IntentQuery, state.Intent)
	assert.Contains(t, state.FinalResponse, fact)
	assert.NotContains(t, state.FinalResponse, "](")
	assert.Equal(t, 1, tool.count())
	assert.Equal(t, 2, state.ModelCalls)
	assert.Equal(t, []Node{NodeAnalyzeIntent, NodeAgent, NodeTools, NodeAgent, NodeEnd}, state.Path)

	// system, user, assistant(tool call), tool, assistant
	require.Len(t, state.Messages, 5)
	assert.Equal(t, RoleSystem, state.Messages[0].Role)
	assert.Equal(t, RoleTool, state.Messages[3].Role)
	assert.Equal(t, "call-1", state.Messages[3].ToolCallID)
	assert.Equal(t, tool.output, state.Messages[3].Content)
}

func TestSystemPromptInjectedOnce(t *testing.T) {
	model := &scriptedModel{replies: []Turn{
		toolCallTurn("1", "a"),
		toolCallTurn("2", "b"),
		{Role: RoleAssistant, Content: "answer"},
	}}
	a := newAgent(t, model, &countingTool{output: NoInformation})

	_, err := a.Run(context.Background(), "陕北秧歌有什么特点")
	require.NoError(t, err)
	require.Len(t, model.calls, 3)

	for _, msgs := range model.calls {
		require.NotEmpty(t, msgs)
		assert.Equal(t, RoleSystem, msgs[0].Role)

		systems := 0
		for _, m := range msgs {
			if m.Role == RoleSystem {
				systems++
			}
		}
		assert.Equal(t, 1, systems)
	}
	assert.Len(t, model.tools[0], 1)
}

func TestToolErrorDegradesToNoInformation(t *testing.T) {
	model := &scriptedModel{replies: []Turn{
		toolCallTurn("1", "腰鼓"),
		{Role: RoleAssistant, Content: "知识库里暂时没有相关内容。"},
	}}
	tool := &countingTool{err: errors.New("embedding provider down")}
	a := newAgent(t, model, tool)

	state, err := a.Run(context.Background(), "安塞腰鼓")
	require.NoError(t, err)
	assert.Equal(t, NoInformation, state.Messages[3].Content)
	assert.NotEmpty(t, state.FinalResponse)
}

func TestToolTimeoutDegrades(t *testing.T) {
	model := &scriptedModel{replies: []Turn{
		toolCallTurn("1", "剪纸"),
		{Role: RoleAssistant, Content: "ok"},
	}}
	tool := &countingTool{delay: time.Second, output: "late"}
	a := newAgent(t, model, tool, func(c *Config) { c.ToolTimeout = 10 * time.Millisecond })

	state, err := a.Run(context.Background(), "剪纸的历史")
	require.NoError(t, err)
	assert.Equal(t, NoInformation, state.Messages[3].Content)
}

func TestUnknownToolDegrades(t *testing.T) {
	model := &scriptedModel{replies: []Turn{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "1", Name: "web_search", Arguments: "{}"}}},
		{Role: RoleAssistant, Content: "ok"},
	}}
	tool := &countingTool{}
	a := newAgent(t, model, tool)

	state, err := a.Run(context.Background(), "今天天气")
	require.NoError(t, err)
	assert.Zero(t, tool.count())
	assert.Equal(t, NoInformation, state.Messages[3].Content)
}

func TestOnlyFirstToolCallPerTurn(t *testing.T) {
	model := &scriptedModel{replies: []Turn{
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "1", Name: "search_knowledge_base", Arguments: `{"query":"a"}`},
			{ID: "2", Name: "search_knowledge_base", Arguments: `{"query":"b"}`},
		}},
		{Role: RoleAssistant, Content: "ok"},
	}}
	tool := &countingTool{output: NoInformation}
	a := newAgent(t, model, tool)

	state, err := a.Run(context.Background(), "两个问题")
	require.NoError(t, err)
	assert.Equal(t, 1, tool.count())
	assert.Len(t, state.Messages[2].ToolCalls, 1)
}

func TestIterationLimitForcesAnswer(t *testing.T) {
	model := &scriptedModel{replies: []Turn{toolCallTurn("loop", "again")}}
	tool := &countingTool{output: NoInformation}
	a := newAgent(t, model, tool, func(c *Config) { c.MaxIterations = 2 })
	before := testutil.ToFloat64(metrics.AgentIterationLimitHit)

	state, err := a.Run(context.Background(), "一直调用工具")
	require.NoError(t, err)

	assert.True(t, state.IterationLimitHit)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AgentIterationLimitHit))
	assert.Equal(t, 2, tool.count())
	assert.Equal(t, 3, state.ModelCalls)
	assert.Nil(t, model.tools[2])
	assert.Equal(t, DefaultFallbackResponse, state.FinalResponse)
}

func TestIterationLimitUsesModelContent(t *testing.T) {
	model := &scriptedModel{replies: []Turn{
		toolCallTurn("1", "a"),
		{Role: RoleAssistant, Content: "最终回答"},
	}}
	a := newAgent(t, model, &countingTool{output: NoInformation}, func(c *Config) { c.MaxIterations = 1 })

	state, err := a.Run(context.Background(), "问题一个")
	require.NoError(t, err)
	assert.True(t, state.IterationLimitHit)
	assert.Equal(t, "最终回答", state.FinalResponse)
}

func TestModelFailureSurfaces(t *testing.T) {
	boom := errors.New("connection refused")
	model := &scriptedModel{err: boom}
	tool := &countingTool{}
	a := newAgent(t, model, tool)

	state, err := a.Run(context.Background(), "什么是信天游")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelFailure)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, state.FinalResponse)
	assert.Zero(t, tool.count())
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Model: &scriptedModel{}, Tools: []Tool{&countingTool{}, &countingTool{}}})
	assert.Error(t, err)
}

func TestSystemPromptMentionsContract(t *testing.T) {
	p := SystemPrompt("search_knowledge_base", "/file=")
	assert.True(t, strings.Contains(p, "search_knowledge_base"))
	assert.True(t, strings.Contains(p, "/file="))
	assert.Contains(t, p, "![")
	assert.NotContains(t, p, "{{")
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	tool := &countingTool{output: NoInformation}
	a := newAgent(t, &scriptedModel{replies: []Turn{{Role: RoleAssistant, Content: "answer"}}}, tool)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := a.Run(context.Background(), "陕北的剪纸")
			assert.NoError(t, err)
			assert.Len(t, state.Messages, 3)
		}()
	}
	wg.Wait()
}
