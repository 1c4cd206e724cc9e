package fragment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/storyloom/storyloom/internal/atomicfile"
	"github.com/storyloom/storyloom/internal/errors"
)

const indexFile = "_index.json"

// Store is the per-story fragment store. One JSON file per fragment plus a
// summary index, all written atomically. A per-story in-memory index cache
// is rebuilt from the directory when the index file is missing.
type Store struct {
	dataDir string
	logger  zerolog.Logger

	mu    sync.Mutex
	index map[string]map[string]Summary // storyID → fragment id → summary
}

// NewStore creates a fragment store rooted at dataDir.
func NewStore(dataDir string, logger zerolog.Logger) *Store {
	return &Store{
		dataDir: dataDir,
		logger:  logger.With().Str("component", "fragment_store").Logger(),
		index:   make(map[string]map[string]Summary),
	}
}

// Dir returns the fragments directory for a story.
func (s *Store) Dir(storyID string) string {
	return filepath.Join(s.dataDir, "stories", storyID, "content", "fragments")
}

func (s *Store) path(storyID, id string) string {
	return filepath.Join(s.Dir(storyID), id+".json")
}

// CreateInput holds the fields accepted when creating a fragment.
type CreateInput struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Content     string         `json:"content"`
	Sticky      bool           `json:"sticky"`
	Placement   string         `json:"placement"`
	Order       float64        `json:"order"`
	Tags        []string       `json:"tags"`
	Meta        map[string]any `json:"meta"`
}

// UpdateInput holds the non-versioned fields of a fragment update.
type UpdateInput struct {
	Sticky    *bool          `json:"sticky"`
	Placement *string        `json:"placement"`
	Order     *float64       `json:"order"`
	Tags      *[]string      `json:"tags"`
	Meta      map[string]any `json:"meta"`
}

// VersionedInput holds the versioned fields of a fragment update. Any field
// that is set and differs from the stored value triggers a snapshot append
// and a version bump. IfVersion, when set, is compared against the stored
// version first and mismatches fail with a conflict.
type VersionedInput struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Content     *string `json:"content"`
	IfVersion   *int    `json:"ifVersion"`
}

// Create validates the input, assigns a fresh id and persists the fragment.
func (s *Store) Create(storyID string, in CreateInput) (*Fragment, error) {
	prefix, ok := PrefixForType(in.Type)
	if !ok {
		return nil, errors.Validation("unknown fragment type %q", in.Type)
	}
	if in.Placement == "" {
		in.Placement = PlacementUser
	}
	if in.Placement != PlacementSystem && in.Placement != PlacementUser {
		return nil, errors.Validation("invalid placement %q", in.Placement)
	}
	if in.Tags == nil {
		in.Tags = []string{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndexLocked(storyID)
	if err != nil {
		return nil, err
	}

	id := NewID(prefix)
	for _, exists := idx[id]; exists; _, exists = idx[id] {
		id = NewID(prefix)
	}

	now := time.Now().UTC()
	f := &Fragment{
		ID:          id,
		Type:        in.Type,
		Name:        in.Name,
		Description: in.Description,
		Content:     in.Content,
		Sticky:      in.Sticky,
		Placement:   in.Placement,
		Order:       in.Order,
		Tags:        in.Tags,
		Meta:        in.Meta,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
		Versions:    []Snapshot{},
	}
	if err := s.writeLocked(storyID, f, idx); err != nil {
		return nil, err
	}
	return f, nil
}

// Get reads a fragment by id. Absent or unparseable files return (nil, nil).
func (s *Store) Get(storyID, id string) (*Fragment, error) {
	var f Fragment
	err := atomicfile.ReadJSON(s.path(storyID, id), &f)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		s.logger.Warn().Err(err).Str("story", storyID).Str("fragment", id).Msg("unreadable fragment file")
		return nil, nil
	}
	return &f, nil
}

// Update applies non-versioned field changes. The version is not bumped.
func (s *Store) Update(storyID, id string, in UpdateInput) (*Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.mustGetLocked(storyID, id)
	if err != nil {
		return nil, err
	}
	if in.Sticky != nil {
		f.Sticky = *in.Sticky
	}
	if in.Placement != nil {
		if *in.Placement != PlacementSystem && *in.Placement != PlacementUser {
			return nil, errors.Validation("invalid placement %q", *in.Placement)
		}
		f.Placement = *in.Placement
	}
	if in.Order != nil {
		f.Order = *in.Order
	}
	if in.Tags != nil {
		f.Tags = *in.Tags
	}
	if in.Meta != nil {
		f.Meta = in.Meta
	}
	f.UpdatedAt = time.Now().UTC()
	if err := s.persistLocked(storyID, f); err != nil {
		return nil, err
	}
	return f, nil
}

// UpdateVersioned applies name/description/content changes. If any of the
// three actually differs, a snapshot of the previous state is appended and
// the version is bumped.
func (s *Store) UpdateVersioned(storyID, id string, in VersionedInput) (*Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.mustGetLocked(storyID, id)
	if err != nil {
		return nil, err
	}
	if in.IfVersion != nil && *in.IfVersion != f.Version {
		return nil, fmt.Errorf("fragment %s is at version %d, expected %d: %w", id, f.Version, *in.IfVersion, errors.ErrConflict)
	}

	changed := false
	name, desc, content := f.Name, f.Description, f.Content
	if in.Name != nil && *in.Name != f.Name {
		name, changed = *in.Name, true
	}
	if in.Description != nil && *in.Description != f.Description {
		desc, changed = *in.Description, true
	}
	if in.Content != nil && *in.Content != f.Content {
		content, changed = *in.Content, true
	}
	if !changed {
		return f, nil
	}

	f.Versions = append(f.Versions, snapshotOf(f))
	f.Name, f.Description, f.Content = name, desc, content
	f.Version++
	f.UpdatedAt = time.Now().UTC()
	if err := s.persistLocked(storyID, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Archive marks a fragment archived, removing it from default listings.
func (s *Store) Archive(storyID, id string) (*Fragment, error) {
	return s.setArchived(storyID, id, true)
}

// Restore clears the archived flag.
func (s *Store) Restore(storyID, id string) (*Fragment, error) {
	return s.setArchived(storyID, id, false)
}

func (s *Store) setArchived(storyID, id string, archived bool) (*Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.mustGetLocked(storyID, id)
	if err != nil {
		return nil, err
	}
	f.Archived = archived
	f.UpdatedAt = time.Now().UTC()
	if err := s.persistLocked(storyID, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Delete removes a fragment file and its index entry.
func (s *Store) Delete(storyID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.mustGetLocked(storyID, id); err != nil {
		return err
	}
	if err := os.Remove(s.path(storyID, id)); err != nil && !os.IsNotExist(err) {
		return errors.Storage("delete fragment", err)
	}
	idx, err := s.loadIndexLocked(storyID)
	if err != nil {
		return err
	}
	delete(idx, id)
	return s.saveIndexLocked(storyID, idx)
}

// SetTags replaces a fragment's tag list, preserving order.
func (s *Store) SetTags(storyID, id string, tags []string) (*Fragment, error) {
	if tags == nil {
		tags = []string{}
	}
	return s.Update(storyID, id, UpdateInput{Tags: &tags})
}

// ListSummaries returns index entries, optionally filtered by type, excluding
// archived fragments unless includeArchived is set. Results are ordered by
// ascending order, ties by updatedAt.
func (s *Store) ListSummaries(storyID, typ string, includeArchived bool) ([]Summary, error) {
	var prefix string
	if typ != "" {
		p, ok := PrefixForType(typ)
		if !ok {
			return nil, errors.Validation("unknown fragment type %q", typ)
		}
		prefix = p
	}

	s.mu.Lock()
	idx, err := s.loadIndexLocked(storyID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	out := make([]Summary, 0, len(idx))
	for _, sum := range idx {
		if !includeArchived && sum.Archived {
			continue
		}
		if prefix != "" && IDPrefix(sum.ID) != prefix {
			continue
		}
		out = append(out, sum)
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

// ListVersions returns the snapshot history of a fragment, oldest first.
func (s *Store) ListVersions(storyID, id string) ([]Snapshot, error) {
	f, err := s.Get(storyID, id)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, errors.NotFound("fragment", id)
	}
	return f.Versions, nil
}

// RevertToVersion restores the fragment's versioned fields from a snapshot.
// With version nil the latest snapshot is used. A new snapshot recording the
// pre-revert state is always appended and the version bumped.
func (s *Store) RevertToVersion(storyID, id string, version *int) (*Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.mustGetLocked(storyID, id)
	if err != nil {
		return nil, err
	}
	if len(f.Versions) == 0 {
		return nil, errors.Validation("fragment %s has no versions to revert to", id)
	}

	var target *Snapshot
	if version == nil {
		target = &f.Versions[len(f.Versions)-1]
	} else {
		for i := range f.Versions {
			if f.Versions[i].Version == *version {
				target = &f.Versions[i]
				break
			}
		}
		if target == nil {
			return nil, errors.NotFound("fragment version", id)
		}
	}
	restored := *target

	f.Versions = append(f.Versions, snapshotOf(f))
	f.Name, f.Description, f.Content = restored.Name, restored.Description, restored.Content
	f.Version++
	f.UpdatedAt = time.Now().UTC()
	if err := s.persistLocked(storyID, f); err != nil {
		return nil, err
	}
	return f, nil
}

// ClearCache drops all cached indexes. For tests.
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = make(map[string]map[string]Summary)
}

func snapshotOf(f *Fragment) Snapshot {
	return Snapshot{
		Version:     f.Version,
		Name:        f.Name,
		Description: f.Description,
		Content:     f.Content,
		SavedAt:     time.Now().UTC(),
	}
}

func (s *Store) mustGetLocked(storyID, id string) (*Fragment, error) {
	var f Fragment
	err := atomicfile.ReadJSON(s.path(storyID, id), &f)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("fragment", id)
		}
		return nil, errors.Storage("read fragment", err)
	}
	return &f, nil
}

func (s *Store) writeLocked(storyID string, f *Fragment, idx map[string]Summary) error {
	if err := atomicfile.WriteJSON(s.path(storyID, f.ID), f); err != nil {
		return errors.Storage("write fragment", err)
	}
	idx[f.ID] = f.summary()
	return s.saveIndexLocked(storyID, idx)
}

func (s *Store) persistLocked(storyID string, f *Fragment) error {
	idx, err := s.loadIndexLocked(storyID)
	if err != nil {
		return err
	}
	return s.writeLocked(storyID, f, idx)
}

func (s *Store) loadIndexLocked(storyID string) (map[string]Summary, error) {
	if idx, ok := s.index[storyID]; ok {
		return idx, nil
	}

	idx := make(map[string]Summary)
	var entries []Summary
	err := atomicfile.ReadJSON(filepath.Join(s.Dir(storyID), indexFile), &entries)
	switch {
	case err == nil:
		for _, e := range entries {
			idx[e.ID] = e
		}
	case os.IsNotExist(err):
		if err := s.rebuildIndexLocked(storyID, idx); err != nil {
			return nil, err
		}
	default:
		s.logger.Warn().Err(err).Str("story", storyID).Msg("corrupt fragment index, rebuilding")
		if err := s.rebuildIndexLocked(storyID, idx); err != nil {
			return nil, err
		}
	}
	s.index[storyID] = idx
	return idx, nil
}

func (s *Store) rebuildIndexLocked(storyID string, idx map[string]Summary) error {
	entries, err := os.ReadDir(s.Dir(storyID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Storage("scan fragments", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == indexFile || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if !ValidID(id) {
			continue
		}
		var f Fragment
		if err := atomicfile.ReadJSON(filepath.Join(s.Dir(storyID), name), &f); err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("skipping unreadable fragment during rebuild")
			continue
		}
		idx[f.ID] = f.summary()
	}
	return nil
}

func (s *Store) saveIndexLocked(storyID string, idx map[string]Summary) error {
	entries := make([]Summary, 0, len(idx))
	for _, e := range idx {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	if err := atomicfile.WriteJSON(filepath.Join(s.Dir(storyID), indexFile), entries); err != nil {
		return errors.Storage("write fragment index", err)
	}
	return nil
}
