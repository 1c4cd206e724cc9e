// Package plugin lists installed plugin manifests for the UI.
package plugin

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Manifest describes one installed plugin.
type Manifest struct {
	Name        string   `yaml:"name" json:"name"`
	Version     string   `yaml:"version" json:"version"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Author      string   `yaml:"author" json:"author,omitempty"`
	Entry       string   `yaml:"entry" json:"entry,omitempty"`
	Panels      []string `yaml:"panels" json:"panels,omitempty"`
}

// Loader reads plugin manifests from a directory of plugin subdirectories,
// each holding a manifest.yaml.
type Loader struct {
	dir    string
	logger zerolog.Logger
}

// NewLoader creates a manifest loader.
func NewLoader(dir string, logger zerolog.Logger) *Loader {
	return &Loader{
		dir:    dir,
		logger: logger.With().Str("component", "plugins").Logger(),
	}
}

// List returns all readable manifests sorted by name. Malformed manifests
// are logged and skipped; subdirectories without a readable manifest.yaml are
// skipped silently; a missing plugin directory yields an empty list.
func (l *Loader) List() []Manifest {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn().Err(err).Str("dir", l.dir).Msg("cannot scan plugin dir")
		}
		return []Manifest{}
	}

	out := []Manifest{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(l.dir, e.Name(), "manifest.yaml")
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var m Manifest
		if err := yaml.Unmarshal(raw, &m); err != nil {
			l.logger.Warn().Err(err).Str("plugin", e.Name()).Msg("skipping malformed manifest")
			continue
		}
		if m.Name == "" {
			m.Name = e.Name()
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
