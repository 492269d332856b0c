// Package render lists the media an assistant answer links to and derives
// plain-text copies of answers for comparison.
package render

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Leoris0/MusicProject/internal/media"
)

type AttachmentKind string

const (
	KindImage AttachmentKind = "image"
	KindAudio AttachmentKind = "audio"
	KindLink  AttachmentKind = "link"
)

type Attachment struct {
	Kind  AttachmentKind `json:"kind"`
	Label string         `json:"label"`
	URL   string         `json:"url"`
}

var markdownLink = regexp.MustCompile(`(!?)\[([^\]]*)\]\(([^)\s]+)\)`)

// ExtractAttachments finds Markdown images and links in answer order. Links
// whose URL looks like audio are reported as audio so the UI can embed a
// player.
func ExtractAttachments(markdown string) []Attachment {
	matches := markdownLink.FindAllStringSubmatch(markdown, -1)
	out := make([]Attachment, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))

	for _, m := range matches {
		url := m[3]
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}

		kind := KindLink
		switch {
		case media.IsAudio(url):
			kind = KindAudio
		case m[1] == "!" || media.IsImage(url):
			kind = KindImage
		}
		out = append(out, Attachment{Kind: kind, Label: m[2], URL: url})
	}
	return out
}

var htmlMarkup = regexp.MustCompile(`(?i)</[a-z][a-z0-9]*\s*>|<br\s*/?>`)

// PlainText returns the text of s with any HTML markup removed. It is meant
// for derived copies such as evaluation matching; answers shown to users
// keep the model's text as is. Input without closing tags or <br> is
// returned unchanged, so comparisons like "a<b" survive.
func PlainText(s string) string {
	if !htmlMarkup.MatchString(s) {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<body>" + s + "</body>"))
	if err != nil {
		return s
	}
	doc.Find("script, style").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	return strings.TrimSpace(doc.Find("body").Text())
}
