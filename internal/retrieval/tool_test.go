package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leoris0/MusicProject/internal/agent"
	"github.com/Leoris0/MusicProject/internal/index"
	"github.com/Leoris0/MusicProject/internal/index/indextest"
	"github.com/Leoris0/MusicProject/internal/knowledge"
	"github.com/Leoris0/MusicProject/internal/media"
	"github.com/Leoris0/MusicProject/internal/metrics"
)

type fixture struct {
	root     string
	holder   *index.Holder
	embedder *indextest.Embedder
	tool     *Tool
}

func newFixture(t *testing.T, base knowledge.Base, files ...string) *fixture {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("data"), 0o644))
	}

	resolver, err := media.NewResolver(root, media.DefaultMarker)
	require.NoError(t, err)

	embedder := &indextest.Embedder{}
	idx, err := index.NewBuilder(embedder, index.NewMemoryBackend(), 0).Build(context.Background(), base)
	require.NoError(t, err)

	holder := index.NewHolder()
	holder.Swap(idx)

	return &fixture{
		root:     root,
		holder:   holder,
		embedder: embedder,
		tool:     NewTool(holder, embedder, resolver),
	}
}

func TestSearchEmptyBaseIsNotFound(t *testing.T) {
	f := newFixture(t, knowledge.Base{})

	for _, q := range []string{"信天游", "anything", "Empty Knowledge Base"} {
		res, err := f.tool.Search(context.Background(), q)
		require.NoError(t, err)
		assert.False(t, res.Found)
		assert.Equal(t, agent.NoInformation, res.Content)
	}

	out, err := f.tool.Call(context.Background(), `{"query":"信天游"}`)
	require.NoError(t, err)
	assert.Equal(t, agent.NoInformation, out)
}

func TestSearchStripsKeywordsAndResolvesMedia(t *testing.T) {
	f := newFixture(t, knowledge.Base{Entries: []knowledge.Entry{
		{Content: "安塞腰鼓图片", Keywords: []string{"腰鼓", "安塞"}, Type: knowledge.TypeImage, MediaURL: "media/a.png"},
	}}, "media/a.png")

	res, err := f.tool.Search(context.Background(), "腰鼓")
	require.NoError(t, err)
	require.True(t, res.Found)

	assert.Equal(t, "安塞腰鼓图片", res.Content)
	assert.NotContains(t, res.Content, "Keywords")
	assert.Equal(t, knowledge.TypeImage, res.Type)
	assert.True(t, strings.HasPrefix(res.MediaURL, media.DefaultMarker))
	assert.True(t, strings.HasSuffix(res.MediaURL, "/media/a.png"))
	assert.NotContains(t, res.MediaURL, `\`)
}

func toolCalls(result string) float64 {
	return testutil.ToFloat64(metrics.ToolCalls.WithLabelValues(ToolName, result))
}

func TestSearchCountsOutcomes(t *testing.T) {
	f := newFixture(t, knowledge.Base{Entries: []knowledge.Entry{
		{Content: "信天游是陕北传统民歌形式", Keywords: []string{"信天游"}},
	}})
	hits, misses, errs := toolCalls("hit"), toolCalls("miss"), toolCalls("error")

	_, err := f.tool.Search(context.Background(), "信天游")
	require.NoError(t, err)
	assert.Equal(t, hits+1, toolCalls("hit"))

	_, err = newFixture(t, knowledge.Base{}).tool.Search(context.Background(), "信天游")
	require.NoError(t, err)
	assert.Equal(t, misses+1, toolCalls("miss"))

	f.embedder.Err = errors.New("quota exceeded")
	_, err = f.tool.Search(context.Background(), "信天游")
	require.Error(t, err)
	assert.Equal(t, errs+1, toolCalls("error"))
}

func TestCallOutputIsUnescapedJSON(t *testing.T) {
	f := newFixture(t, knowledge.Base{Entries: []knowledge.Entry{
		{Content: "<b>秧歌</b> & 锣鼓", Keywords: []string{"秧歌"}, Type: knowledge.TypeAudio, MediaURL: "media/yangge.mp3"},
	}}, "media/yangge.mp3")

	out, err := f.tool.Call(context.Background(), `{"query":"秧歌"}`)
	require.NoError(t, err)

	assert.Contains(t, out, "<b>秧歌</b> & 锣鼓")
	assert.NotContains(t, out, `\u003c`)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "audio", decoded["type"])
	assert.True(t, strings.HasPrefix(decoded["media_url"], "/file="))
}

func TestCallOmitsEmptyMediaURL(t *testing.T) {
	f := newFixture(t, knowledge.Base{Entries: []knowledge.Entry{
		{Content: "信天游是陕北传统民歌形式", Keywords: []string{"信天游"}},
	}})

	out, err := f.tool.Call(context.Background(), `{"query":"信天游"}`)
	require.NoError(t, err)
	assert.NotContains(t, out, "media_url")
}

func TestCallRejectsBadArguments(t *testing.T) {
	f := newFixture(t, knowledge.Base{})

	_, err := f.tool.Call(context.Background(), `not json`)
	assert.ErrorIs(t, err, ErrInvalidArgs)

	_, err = f.tool.Call(context.Background(), `{"query":"  "}`)
	assert.ErrorIs(t, err, ErrInvalidArgs)
}

func TestSearchErrors(t *testing.T) {
	f := newFixture(t, knowledge.Base{})
	f.embedder.Err = errors.New("quota exceeded")

	_, err := f.tool.Search(context.Background(), "腰鼓")
	assert.ErrorIs(t, err, ErrSearch)

	empty := NewTool(index.NewHolder(), &indextest.Embedder{}, nil)
	_, err = empty.Search(context.Background(), "腰鼓")
	assert.ErrorIs(t, err, ErrNoIndex)
}

// echoModel calls the tool once and then answers from its output, rendering
// media the way the system prompt asks.
type echoModel struct{}

func (echoModel) Complete(_ context.Context, turns []agent.Turn, _ []agent.ToolSchema) (agent.Turn, error) {
	last := turns[len(turns)-1]
	if last.Role != agent.RoleTool {
		return agent.Turn{
			Role: agent.RoleAssistant,
			ToolCalls: []agent.ToolCall{{
				ID:        "call-1",
				Name:      ToolName,
				Arguments: `{"query":` + mustJSON(turns[len(turns)-1].Content) + `}`,
			}},
		}, nil
	}

	if last.Content == agent.NoInformation {
		return agent.Turn{Role: agent.RoleAssistant, Content: "暂时没有找到相关资料。"}, nil
	}

	var res Result
	if err := json.Unmarshal([]byte(last.Content), &res); err != nil {
		return agent.Turn{}, err
	}
	answer := res.Content
	switch {
	case res.MediaURL == "":
	case res.Type == knowledge.TypeImage && strings.HasPrefix(res.MediaURL, media.DefaultMarker):
		answer += "\n\n![图片](" + res.MediaURL + ")"
	case res.Type == knowledge.TypeAudio && strings.HasPrefix(res.MediaURL, media.DefaultMarker):
		answer += "\n\n[音频](" + res.MediaURL + ")"
	}
	return agent.Turn{Role: agent.RoleAssistant, Content: answer}, nil
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestAgentTextEntryScenario(t *testing.T) {
	f := newFixture(t, knowledge.Base{Entries: []knowledge.Entry{
		{Content: "信天游是陕北传统民歌形式", Keywords: []string{"信天游", "民歌"}, Type: knowledge.TypeText},
	}})

	a, err := agent.New(agent.Config{Model: echoModel{}, Tools: []agent.Tool{f.tool}, SystemPrompt: "sys"})
	require.NoError(t, err)

	state, err := a.Run(context.Background(), "什么是信天游")
	require.NoError(t, err)
	assert.Equal(t, 1, state.ToolCalls)
	assert.Contains(t, state.FinalResponse, "信天游是陕北传统民歌形式")
	assert.NotContains(t, state.FinalResponse, "](")
}

func TestAgentMissingMediaScenario(t *testing.T) {
	f := newFixture(t, knowledge.Base{Entries: []knowledge.Entry{
		{Content: "陕北剪纸窗花", Keywords: []string{"剪纸"}, Type: knowledge.TypeImage, MediaURL: "media/missing.png"},
	}})

	a, err := agent.New(agent.Config{Model: echoModel{}, Tools: []agent.Tool{f.tool}, SystemPrompt: "sys"})
	require.NoError(t, err)

	state, err := a.Run(context.Background(), "剪纸")
	require.NoError(t, err)
	assert.Contains(t, state.FinalResponse, "陕北剪纸窗花")
	assert.NotContains(t, state.FinalResponse, media.DefaultMarker)
	assert.NotContains(t, state.FinalResponse, filepath.ToSlash(f.root))
}

func TestAgentImageScenario(t *testing.T) {
	f := newFixture(t, knowledge.Base{Entries: []knowledge.Entry{
		{Content: "安塞腰鼓", Keywords: []string{"腰鼓"}, Type: knowledge.TypeImage, MediaURL: "media/a.png"},
	}}, "media/a.png")

	a, err := agent.New(agent.Config{Model: echoModel{}, Tools: []agent.Tool{f.tool}, SystemPrompt: "sys"})
	require.NoError(t, err)

	state, err := a.Run(context.Background(), "腰鼓")
	require.NoError(t, err)
	assert.Contains(t, state.FinalResponse, "![图片](/file=")
}
