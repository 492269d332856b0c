// Package knowledge holds the culture knowledge base: its entry model, the
// tolerant file loader and an optional file watcher for hot reloads.
package knowledge

import "strings"

type EntryType string

const (
	TypeText  EntryType = "text"
	TypeImage EntryType = "image"
	TypeAudio EntryType = "audio"
)

// Normalize maps unknown or empty values to TypeText.
func (t EntryType) Normalize() EntryType {
	switch EntryType(strings.ToLower(strings.TrimSpace(string(t)))) {
	case TypeImage:
		return TypeImage
	case TypeAudio:
		return TypeAudio
	default:
		return TypeText
	}
}

// Entry is one fact unit. MediaURL is relative to the project root and
// POSIX-style; it is empty for entries without media.
type Entry struct {
	ID       string    `json:"id,omitempty" yaml:"id,omitempty"`
	Content  string    `json:"content" yaml:"content"`
	Keywords []string  `json:"keywords" yaml:"keywords"`
	Type     EntryType `json:"type" yaml:"type"`
	MediaURL string    `json:"media_url,omitempty" yaml:"media_url,omitempty"`
}

type Base struct {
	Entries []Entry `json:"entries" yaml:"entries"`
}

func (b Base) Len() int {
	return len(b.Entries)
}
