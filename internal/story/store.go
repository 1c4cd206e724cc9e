package story

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/storyloom/storyloom/internal/atomicfile"
	"github.com/storyloom/storyloom/internal/block"
	"github.com/storyloom/storyloom/internal/errors"
	"github.com/storyloom/storyloom/internal/fragment"
)

// Store persists stories under {dataDir}/stories/{sid}/meta.json and the
// per-story block config under content/block-config.json.
type Store struct {
	dataDir string
	logger  zerolog.Logger
	mu      sync.Mutex
}

// NewStore creates a story store rooted at dataDir.
func NewStore(dataDir string, logger zerolog.Logger) *Store {
	return &Store{
		dataDir: dataDir,
		logger:  logger.With().Str("component", "story_store").Logger(),
	}
}

// Dir returns a story's directory.
func (s *Store) Dir(storyID string) string {
	return filepath.Join(s.dataDir, "stories", storyID)
}

func (s *Store) metaPath(storyID string) string {
	return filepath.Join(s.Dir(storyID), "meta.json")
}

func (s *Store) blockConfigPath(storyID string) string {
	return filepath.Join(s.Dir(storyID), "content", "block-config.json")
}

// CreateInput holds the fields accepted when creating a story.
type CreateInput struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Settings    *Settings `json:"settings"`
}

// UpdateInput holds the mutable story fields.
type UpdateInput struct {
	Name        *string   `json:"name"`
	Description *string   `json:"description"`
	Settings    *Settings `json:"settings"`
}

// Create persists a new story with a fresh id.
func (s *Store) Create(in CreateInput) (*Story, error) {
	if in.Name == "" {
		return nil, errors.Validation("story name is required")
	}
	settings := DefaultSettings()
	if in.Settings != nil {
		settings = *in.Settings
	}
	if settings.MaxSteps <= 0 {
		settings.MaxSteps = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := &Story{
		ID:          fragment.NewID("st"),
		Name:        in.Name,
		Description: in.Description,
		CreatedAt:   time.Now().UTC(),
		Settings:    settings,
	}
	if err := atomicfile.WriteJSON(s.metaPath(st.ID), st); err != nil {
		return nil, errors.Storage("write story", err)
	}
	return st, nil
}

// Get reads a story by id. Returns a not-found error when absent.
func (s *Store) Get(storyID string) (*Story, error) {
	var st Story
	if err := atomicfile.ReadJSON(s.metaPath(storyID), &st); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("story", storyID)
		}
		return nil, errors.Storage("read story", err)
	}
	return &st, nil
}

// List returns all stories ordered by creation time descending.
func (s *Store) List() ([]*Story, error) {
	root := filepath.Join(s.dataDir, "stories")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Story{}, nil
		}
		return nil, errors.Storage("scan stories", err)
	}

	out := make([]*Story, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		st, err := s.Get(e.Name())
		if err != nil {
			s.logger.Warn().Err(err).Str("story", e.Name()).Msg("skipping unreadable story")
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Update applies mutable field changes to a story.
func (s *Store) Update(storyID string, in UpdateInput) (*Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.Get(storyID)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		st.Name = *in.Name
	}
	if in.Description != nil {
		st.Description = *in.Description
	}
	if in.Settings != nil {
		st.Settings = *in.Settings
	}
	if err := atomicfile.WriteJSON(s.metaPath(storyID), st); err != nil {
		return nil, errors.Storage("write story", err)
	}
	return st, nil
}

// UpdateSummary replaces the rolling librarian summary.
func (s *Store) UpdateSummary(storyID, summary string) (*Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.Get(storyID)
	if err != nil {
		return nil, err
	}
	st.Summary = summary
	if err := atomicfile.WriteJSON(s.metaPath(storyID), st); err != nil {
		return nil, errors.Storage("write story", err)
	}
	return st, nil
}

// Delete removes a story directory and everything under it.
func (s *Store) Delete(storyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.Get(storyID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.Dir(storyID)); err != nil {
		return errors.Storage("delete story", err)
	}
	return nil
}

// BlockConfig reads the story's block configuration. A missing file yields
// an empty config.
func (s *Store) BlockConfig(storyID string) (*block.Config, error) {
	var cfg block.Config
	if err := atomicfile.ReadJSON(s.blockConfigPath(storyID), &cfg); err != nil {
		if os.IsNotExist(err) {
			return &block.Config{}, nil
		}
		return nil, errors.Storage("read block config", err)
	}
	return &cfg, nil
}

// SaveBlockConfig persists the story's block configuration.
func (s *Store) SaveBlockConfig(storyID string, cfg *block.Config) error {
	if _, err := s.Get(storyID); err != nil {
		return err
	}
	if err := atomicfile.WriteJSON(s.blockConfigPath(storyID), cfg); err != nil {
		return errors.Storage("write block config", err)
	}
	return nil
}
