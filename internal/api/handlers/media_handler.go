package handlers

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/internal/media"
	"github.com/Leoris0/MusicProject/pkg/logger"
)

// MediaHandler serves image, audio and video files addressed by marker
// links (/file=<path>) as long as they live under one of the allowed roots.
type MediaHandler struct {
	resolver *media.Resolver
	roots    []string
}

func NewMediaHandler(resolver *media.Resolver, roots ...string) *MediaHandler {
	abs := make([]string, 0, len(roots))
	for _, r := range roots {
		if r == "" {
			continue
		}
		if p, err := filepath.Abs(r); err == nil {
			abs = append(abs, p)
		}
	}
	return &MediaHandler{resolver: resolver, roots: abs}
}

func (h *MediaHandler) Serve(c *fiber.Ctx) error {
	raw, err := url.PathUnescape(c.Params("*"))
	if err != nil {
		return c.SendStatus(fiber.StatusBadRequest)
	}

	p, ok := h.resolver.Path(h.resolver.Marker() + raw)
	if !ok {
		return c.SendStatus(fiber.StatusNotFound)
	}
	p = filepath.Clean(p)

	if !media.IsMedia(p) || !h.allowed(p) {
		logger.Warn("Rejected media path outside allowed roots", zap.String("path", p), zap.String("ip", c.IP()))
		return c.SendStatus(fiber.StatusForbidden)
	}

	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return c.SendStatus(fiber.StatusNotFound)
	}

	return c.SendFile(p)
}

func (h *MediaHandler) allowed(p string) bool {
	for _, root := range h.roots {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)) {
			return true
		}
	}
	return false
}
