// Package index turns knowledge entries into searchable documents and keeps
// the live vector index behind an atomically swappable reference.
package index

import (
	"strings"

	"github.com/Leoris0/MusicProject/internal/knowledge"
)

const (
	keywordSeparator = " Keywords: "

	// PlaceholderText is indexed when the knowledge base is empty so that
	// similarity search never runs against an empty corpus.
	PlaceholderText = "Empty Knowledge Base"
)

type Metadata struct {
	EntryID     string              `json:"entry_id"`
	Type        knowledge.EntryType `json:"type"`
	MediaURL    string              `json:"media_url,omitempty"`
	Keywords    []string            `json:"keywords"`
	Placeholder bool                `json:"placeholder,omitempty"`
}

type Document struct {
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

// SearchableText renders content first, then the keyword list.
func SearchableText(e knowledge.Entry) string {
	return e.Content + keywordSeparator + strings.Join(e.Keywords, ", ")
}

// StripKeywords recovers the original content from searchable text.
func StripKeywords(text string) string {
	content, _, _ := strings.Cut(text, strings.TrimRight(keywordSeparator, " "))
	return strings.TrimRight(content, " ")
}

func FromEntry(e knowledge.Entry) Document {
	return Document{
		Text: SearchableText(e),
		Metadata: Metadata{
			EntryID:  e.ID,
			Type:     e.Type.Normalize(),
			MediaURL: e.MediaURL,
			Keywords: e.Keywords,
		},
	}
}

func Placeholder() Document {
	return Document{
		Text: PlaceholderText,
		Metadata: Metadata{
			EntryID:     "placeholder",
			Type:        knowledge.TypeText,
			Keywords:    []string{},
			Placeholder: true,
		},
	}
}

// Documents maps entries 1:1, substituting the placeholder for an empty base.
func Documents(base knowledge.Base) []Document {
	if base.Len() == 0 {
		return []Document{Placeholder()}
	}
	docs := make([]Document, 0, base.Len())
	for _, e := range base.Entries {
		docs = append(docs, FromEntry(e))
	}
	return docs
}
