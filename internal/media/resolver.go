// Package media maps knowledge-base media references to links the web UI
// can serve.
package media

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/pkg/logger"
)

const DefaultMarker = "/file="

var foreignRef = regexp.MustCompile(`^(?i:[a-z][a-z0-9+.-]*://|data:)`)

// Resolver turns a project-relative media reference into
// marker + absolute forward-slash path when the file exists.
type Resolver struct {
	root   string
	marker string
}

func NewResolver(root, marker string) (*Resolver, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root %q: %w", root, err)
	}
	if marker == "" {
		marker = DefaultMarker
	}
	return &Resolver{root: abs, marker: marker}, nil
}

func (r *Resolver) Root() string   { return r.root }
func (r *Resolver) Marker() string { return r.marker }

// Resolve is idempotent. Empty references, marker-prefixed references and
// foreign URLs come back unchanged, as does any reference whose file is
// missing.
func (r *Resolver) Resolve(ref string) string {
	if ref == "" || strings.HasPrefix(ref, r.marker) || foreignRef.MatchString(ref) {
		return ref
	}

	rel := strings.ReplaceAll(ref, `\`, "/")
	local := filepath.FromSlash(rel)
	if !filepath.IsAbs(local) && !hasVolume(rel) {
		local = filepath.Join(r.root, local)
	}

	info, err := os.Stat(local)
	if err != nil || info.IsDir() {
		logger.Warn("Media file not found, passing reference through",
			zap.String("ref", ref),
			zap.String("path", local),
		)
		return ref
	}

	return r.marker + canonical(local)
}

// Path reverses Resolve: it strips the marker and returns the local path.
// ok is false for references that do not carry the marker.
func (r *Resolver) Path(link string) (string, bool) {
	if !strings.HasPrefix(link, r.marker) {
		return "", false
	}
	return filepath.FromSlash(strings.TrimPrefix(link, r.marker)), true
}

func canonical(p string) string {
	slashed := path.Clean(filepath.ToSlash(p))
	if hasVolume(slashed) {
		slashed = strings.ToUpper(slashed[:1]) + slashed[1:]
	}
	return slashed
}

// hasVolume reports a Windows drive prefix such as "c:/".
func hasVolume(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// IsAudio guesses from the extension whether a link should render as an
// audio player.
func IsAudio(link string) bool {
	switch strings.ToLower(path.Ext(strings.SplitN(link, "?", 2)[0])) {
	case ".mp3", ".wav", ".ogg", ".flac", ".m4a", ".aac":
		return true
	}
	return false
}

func IsImage(link string) bool {
	switch strings.ToLower(path.Ext(strings.SplitN(link, "?", 2)[0])) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".svg":
		return true
	}
	return false
}

func IsVideo(link string) bool {
	switch strings.ToLower(path.Ext(strings.SplitN(link, "?", 2)[0])) {
	case ".mp4", ".webm", ".mov":
		return true
	}
	return false
}

// IsMedia reports whether link names an image, audio or video file.
func IsMedia(link string) bool {
	return IsImage(link) || IsAudio(link) || IsVideo(link)
}
