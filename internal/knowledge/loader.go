package knowledge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Leoris0/MusicProject/pkg/logger"
	"github.com/Leoris0/MusicProject/pkg/utils"
)

// Load reads the knowledge base at path. It never fails: a missing or
// unreadable document yields an empty Base and a warning, and entries that
// do not decode are skipped individually.
func Load(path string) Base {
	base, err := load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("Knowledge base not found, starting empty", zap.String("path", path))
		} else {
			logger.Warn("Knowledge base unreadable, starting empty",
				zap.String("path", path),
				zap.Error(err),
			)
		}
		return Base{}
	}

	logger.Info("Knowledge base loaded",
		zap.String("path", path),
		zap.Int("entries", base.Len()),
	)
	return base
}

func load(path string) (Base, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Base{}, err
	}

	var entries []Entry
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		entries, err = decodeYAML(data)
	default:
		entries, err = decodeJSON(data)
	}
	if err != nil {
		return Base{}, err
	}

	for i := range entries {
		entries[i] = normalize(entries[i], i)
	}
	return Base{Entries: entries}, nil
}

func decodeJSON(data []byte) ([]Entry, error) {
	var doc struct {
		Entries []json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse knowledge base: %w", err)
	}

	entries := make([]Entry, 0, len(doc.Entries))
	for i, raw := range doc.Entries {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			logger.Warn("Skipping malformed knowledge entry", zap.Int("position", i), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func decodeYAML(data []byte) ([]Entry, error) {
	var doc struct {
		Entries []yaml.Node `yaml:"entries"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse knowledge base: %w", err)
	}

	entries := make([]Entry, 0, len(doc.Entries))
	for i := range doc.Entries {
		var e Entry
		if err := doc.Entries[i].Decode(&e); err != nil {
			logger.Warn("Skipping malformed knowledge entry", zap.Int("position", i), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func normalize(e Entry, position int) Entry {
	e.Type = e.Type.Normalize()
	if e.Keywords == nil {
		e.Keywords = []string{}
	}
	e.MediaURL = strings.TrimSpace(e.MediaURL)
	if e.ID == "" {
		e.ID = fmt.Sprintf("kb-%04d-%s", position, utils.ShortHash(8, e.Content, e.MediaURL))
	}
	return e
}
