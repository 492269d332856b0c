package jobs

import "strings"

var instrumentalTags = map[string]bool{
	"[intro-short]":  true,
	"[intro-medium]": true,
	"[inst-short]":   true,
	"[inst-medium]":  true,
	"[outro-short]":  true,
	"[outro-medium]": true,
}

var shortTags = strings.NewReplacer(
	"[intro]", "[intro-short]",
	"[inst]", "[inst-short]",
	"[outro]", "[outro-short]",
)

// FormatLyrics converts paragraph-structured lyrics into the single-line
// form the song service expects, e.g.
//
//	[verse] line one.line two ; [inst-short] ; [chorus] ...
func FormatLyrics(raw string) string {
	text := shortTags.Replace(strings.ReplaceAll(raw, "\r\n", "\n"))

	var parts []string
	for _, para := range strings.Split(strings.TrimSpace(text), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		lines := strings.Split(para, "\n")
		tag := strings.ToLower(strings.TrimSpace(lines[0]))

		if instrumentalTags[tag] {
			parts = append(parts, tag)
			continue
		}

		var sung []string
		for _, l := range lines[1:] {
			if l = strings.TrimSpace(l); l != "" {
				sung = append(sung, l)
			}
		}
		if len(sung) == 0 {
			parts = append(parts, tag)
			continue
		}
		parts = append(parts, tag+" "+strings.Join(sung, "."))
	}
	return strings.Join(parts, " ; ")
}

const exampleLyrics = `[intro-short]

[verse]
黄土高原风吹过
信天游唱响山坡坡
羊肚肚手巾三道道蓝
哥哥的歌声飘过川

[chorus]
腰鼓敲得震天响
秧歌扭得红火火
陕北的汉子陕北的歌
唱不尽这黄河长

[outro-short]`

func ExampleLyrics() string {
	return exampleLyrics
}
