package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "kb.json", `{
  "entries": [
    {"content": "信天游是陕北民歌的代表形式。", "keywords": ["信天游", "民歌"], "type": "text"},
    {"content": "安塞腰鼓图片", "keywords": ["腰鼓"], "type": "image", "media_url": "assets/yaogu.jpg"},
    {"content": "no type or keywords"}
  ]
}`)

	base := Load(path)
	require.Equal(t, 3, base.Len())

	assert.Equal(t, TypeText, base.Entries[0].Type)
	assert.Equal(t, []string{"信天游", "民歌"}, base.Entries[0].Keywords)
	assert.Equal(t, TypeImage, base.Entries[1].Type)
	assert.Equal(t, "assets/yaogu.jpg", base.Entries[1].MediaURL)

	assert.Equal(t, TypeText, base.Entries[2].Type)
	assert.NotNil(t, base.Entries[2].Keywords)
	assert.Empty(t, base.Entries[2].Keywords)

	for _, e := range base.Entries {
		assert.NotEmpty(t, e.ID)
	}
	assert.NotEqual(t, base.Entries[0].ID, base.Entries[1].ID)
}

func TestLoadSkipsMalformedEntries(t *testing.T) {
	path := writeFile(t, "kb.json", `{
  "entries": [
    {"content": "ok", "keywords": ["a"]},
    {"content": 42},
    {"content": "also ok", "keywords": "not-a-list"},
    {"content": "fine", "type": "audio", "media_url": "assets/song.mp3"}
  ]
}`)

	base := Load(path)
	require.Equal(t, 2, base.Len())
	assert.Equal(t, "ok", base.Entries[0].Content)
	assert.Equal(t, TypeAudio, base.Entries[1].Type)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "kb.yaml", `
entries:
  - id: jianzhi
    content: 陕北剪纸以窗花最为常见。
    keywords: [剪纸, 窗花]
    type: IMAGE
    media_url: assets/jianzhi.png
  - content: 秧歌
    keywords: [秧歌]
`)

	base := Load(path)
	require.Equal(t, 2, base.Len())
	assert.Equal(t, "jianzhi", base.Entries[0].ID)
	assert.Equal(t, TypeImage, base.Entries[0].Type)
	assert.Equal(t, TypeText, base.Entries[1].Type)
}

func TestLoadMissingOrBrokenFileIsEmpty(t *testing.T) {
	assert.Zero(t, Load(filepath.Join(t.TempDir(), "absent.json")).Len())
	assert.Zero(t, Load(writeFile(t, "kb.json", `{"entries": [`)).Len())
	assert.Zero(t, Load(writeFile(t, "kb.json", `{}`)).Len())
}

func TestLoadIDsAreStable(t *testing.T) {
	path := writeFile(t, "kb.json", `{"entries": [{"content": "same"}]}`)
	assert.Equal(t, Load(path).Entries[0].ID, Load(path).Entries[0].ID)
}

func TestWatcherFiresOnWrite(t *testing.T) {
	path := writeFile(t, "kb.json", `{"entries": []}`)

	var calls atomic.Int32
	w, err := NewWatcher(path, 20*time.Millisecond, func(context.Context) { calls.Add(1) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte(`{"entries": [{"content": "x"}]}`), 0o644))
	require.NoError(t, os.WriteFile(path, []byte(`{"entries": [{"content": "y"}]}`), 0o644))

	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}
