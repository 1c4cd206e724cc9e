// Package instruction resolves named instruction strings, with optional
// model-matching overrides loaded from an instruction-sets directory.
package instruction

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/storyloom/storyloom/internal/atomicfile"
	"github.com/storyloom/storyloom/internal/errors"
)

// OverrideSet is one instruction-sets/*.json document.
type OverrideSet struct {
	Name         string            `json:"name"`
	ModelMatch   string            `json:"modelMatch"`
	Priority     *int              `json:"priority"`
	Instructions map[string]string `json:"instructions"`

	priority int
	match    func(model string) bool
}

// Registry holds instruction defaults and loaded overrides. Resolve is a
// lock-free-in-spirit read path; loading happens at start and on explicit
// reload (or via the optional watcher).
type Registry struct {
	mu        sync.RWMutex
	defaults  map[string]string
	overrides []*OverrideSet
	dir       string
	logger    zerolog.Logger
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

// NewRegistry creates a registry seeded with the built-in defaults.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		defaults: builtinDefaults(),
		logger:   logger.With().Str("component", "instructions").Logger(),
	}
}

// SetDefault registers (or replaces) a default instruction string.
func (r *Registry) SetDefault(key, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[key] = text
}

// LoadDir loads override documents from dir and remembers it for Reload.
// Malformed files are logged and skipped.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.dir = dir
			r.overrides = nil
			r.mu.Unlock()
			return nil
		}
		return errors.Storage("scan instruction sets", err)
	}

	var sets []*OverrideSet
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		var set OverrideSet
		if err := atomicfile.ReadJSON(path, &set); err != nil {
			r.logger.Warn().Err(err).Str("file", e.Name()).Msg("skipping malformed instruction set")
			continue
		}
		if err := prepare(&set); err != nil {
			r.logger.Warn().Err(err).Str("file", e.Name()).Msg("skipping instruction set")
			continue
		}
		sets = append(sets, &set)
	}
	sort.SliceStable(sets, func(i, j int) bool { return sets[i].priority < sets[j].priority })

	r.mu.Lock()
	r.dir = dir
	r.overrides = sets
	r.mu.Unlock()

	r.logger.Info().Int("sets", len(sets)).Str("dir", dir).Msg("instruction overrides loaded")
	return nil
}

// Reload re-reads the directory passed to the last LoadDir call.
func (r *Registry) Reload() error {
	r.mu.RLock()
	dir := r.dir
	r.mu.RUnlock()
	if dir == "" {
		return nil
	}
	return r.LoadDir(dir)
}

// Resolve returns the instruction text for key under the given model id.
// Overrides are scanned in ascending priority; the first set whose pattern
// matches the model and that defines the key wins.
func (r *Registry) Resolve(key, model string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, set := range r.overrides {
		if !set.match(model) {
			continue
		}
		if text, ok := set.Instructions[key]; ok {
			return text, nil
		}
	}
	if text, ok := r.defaults[key]; ok {
		return text, nil
	}
	return "", fmt.Errorf("instruction %q: %w", key, errors.ErrUnknownInstruction)
}

// Watch starts an fsnotify watcher on the instruction directory and reloads
// on changes. Close stops it.
func (r *Registry) Watch() error {
	r.mu.RLock()
	dir := r.dir
	r.mu.RUnlock()
	if dir == "" {
		return fmt.Errorf("no instruction directory loaded")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Storage("create instruction dir", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	r.mu.Lock()
	r.watcher = w
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := r.Reload(); err != nil {
						r.logger.Warn().Err(err).Msg("instruction reload failed")
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn().Err(err).Msg("instruction watcher error")
			case <-done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil {
		close(r.done)
		r.watcher.Close()
		r.watcher = nil
	}
}

// Clear resets the registry to built-in defaults with no overrides. For tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = builtinDefaults()
	r.overrides = nil
	r.dir = ""
}

var patternRe = regexp.MustCompile(`^/(.+)/([a-z]*)$`)

func prepare(set *OverrideSet) error {
	if set.Instructions == nil {
		return fmt.Errorf("instruction set %q has no instructions", set.Name)
	}
	set.priority = 100
	if set.Priority != nil {
		set.priority = *set.Priority
	}

	if m := patternRe.FindStringSubmatch(set.ModelMatch); m != nil {
		pattern := m[1]
		if strings.Contains(m[2], "i") {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("instruction set %q: bad modelMatch %q: %w", set.Name, set.ModelMatch, err)
		}
		set.match = re.MatchString
		return nil
	}

	exact := set.ModelMatch
	set.match = func(model string) bool { return model == exact }
	return nil
}
