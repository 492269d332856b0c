package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractAttachments(t *testing.T) {
	answer := "安塞腰鼓气势磅礴。\n\n![图片](/file=/srv/media/yaogu.png)\n\n[音频](/file=/srv/media/song.mp3)\n" +
		"更多见 [百科](https://example.com/xty) 和 ![重复](/file=/srv/media/yaogu.png)"

	got := ExtractAttachments(answer)
	assert.Equal(t, []Attachment{
		{Kind: KindImage, Label: "图片", URL: "/file=/srv/media/yaogu.png"},
		{Kind: KindAudio, Label: "音频", URL: "/file=/srv/media/song.mp3"},
		{Kind: KindLink, Label: "百科", URL: "https://example.com/xty"},
	}, got)
}

func TestExtractAttachmentsNone(t *testing.T) {
	assert.Empty(t, ExtractAttachments("信天游是陕北传统民歌形式"))
}

func TestExtractAttachmentsImageLinkWithoutBang(t *testing.T) {
	got := ExtractAttachments("[剪纸](/file=/a/jianzhi.jpg)")
	assert.Equal(t, KindImage, got[0].Kind)
}

func TestExtractAttachmentsKeepsQueryVerbatim(t *testing.T) {
	got := ExtractAttachments("[音频](/file=/srv/s.mp3?a=1&amp;b=2)")
	assert.Equal(t, []Attachment{{Kind: KindAudio, Label: "音频", URL: "/file=/srv/s.mp3?a=1&amp;b=2"}}, got)
}

func TestPlainText(t *testing.T) {
	assert.Equal(t, "plain **markdown**", PlainText("plain **markdown**"))
	assert.Equal(t, "信天游\n民歌", PlainText("<p>信天游<br>民歌</p>"))
	assert.Equal(t, "safe", PlainText("<script>alert(1)</script><b>safe</b>"))
	assert.Equal(t, "音程 a<b 且 b>c", PlainText("音程 a<b 且 b>c"))
	assert.Equal(t, "a=1&amp;b=2", PlainText("a=1&amp;b=2"))
}
