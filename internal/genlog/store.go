// Package genlog persists generation logs with a newest-first summary index.
package genlog

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/storyloom/storyloom/internal/atomicfile"
	"github.com/storyloom/storyloom/internal/errors"
	"github.com/storyloom/storyloom/internal/llm"
)

const indexFile = "_index.json"

// ToolCall is one executed tool call with merged args and result.
type ToolCall struct {
	ToolName string          `json:"toolName"`
	Args     json.RawMessage `json:"args"`
	Result   json.RawMessage `json:"result"`
}

// Usage is the token usage accumulated over a run.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Log is a persisted generation record.
type Log struct {
	ID            string        `json:"id"`
	CreatedAt     time.Time     `json:"createdAt"`
	Mode          string        `json:"mode,omitempty"`
	Input         string        `json:"input"`
	Messages      []llm.Message `json:"messages"`
	ToolCalls     []ToolCall    `json:"toolCalls"`
	GeneratedText string        `json:"generatedText"`
	FragmentID    string        `json:"fragmentId,omitempty"`
	Model         string        `json:"model"`
	DurationMs    int64         `json:"durationMs"`
	StepCount     int           `json:"stepCount"`
	FinishReason  string        `json:"finishReason"`
	StepsExceeded bool          `json:"stepsExceeded"`
	TotalUsage    *Usage        `json:"totalUsage,omitempty"`
	Reasoning     string        `json:"reasoning,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// IndexEntry is the lightweight summary stored in _index.json, newest first.
type IndexEntry struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	Mode         string    `json:"mode,omitempty"`
	Input        string    `json:"input"`
	Model        string    `json:"model"`
	FragmentID   string    `json:"fragmentId,omitempty"`
	StepCount    int       `json:"stepCount"`
	FinishReason string    `json:"finishReason"`
	DurationMs   int64     `json:"durationMs"`
}

const indexInputMax = 200

// Store persists generation logs under
// stories/{sid}/content/generation-logs/. Index appends are serialized.
type Store struct {
	dataDir string
	logger  zerolog.Logger
	mu      sync.Mutex
}

// NewStore creates a generation-log store rooted at dataDir.
func NewStore(dataDir string, logger zerolog.Logger) *Store {
	return &Store{
		dataDir: dataDir,
		logger:  logger.With().Str("component", "genlog_store").Logger(),
	}
}

// Dir returns the generation-log directory for a story.
func (s *Store) Dir(storyID string) string {
	return filepath.Join(s.dataDir, "stories", storyID, "content", "generation-logs")
}

// NewID returns a fresh, time-sortable log id.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Save persists a log and prepends it to the summary index. A missing id or
// createdAt is filled in.
func (s *Store) Save(storyID string, l *Log) error {
	if l.ID == "" {
		l.ID = NewID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := atomicfile.WriteJSON(filepath.Join(s.Dir(storyID), l.ID+".json"), l); err != nil {
		return errors.Storage("write generation log", err)
	}

	entries, err := s.readIndexLocked(storyID)
	if err != nil {
		return err
	}
	input := l.Input
	if len(input) > indexInputMax {
		input = input[:indexInputMax]
	}
	entries = append(entries, IndexEntry{
		ID:           l.ID,
		CreatedAt:    l.CreatedAt,
		Mode:         l.Mode,
		Input:        input,
		Model:        l.Model,
		FragmentID:   l.FragmentID,
		StepCount:    l.StepCount,
		FinishReason: l.FinishReason,
		DurationMs:   l.DurationMs,
	})
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })

	if err := atomicfile.WriteJSON(filepath.Join(s.Dir(storyID), indexFile), entries); err != nil {
		return errors.Storage("write generation log index", err)
	}
	return nil
}

// Get reads one log by id.
func (s *Store) Get(storyID, id string) (*Log, error) {
	var l Log
	if err := atomicfile.ReadJSON(filepath.Join(s.Dir(storyID), id+".json"), &l); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("generation log", id)
		}
		return nil, errors.Storage("read generation log", err)
	}
	return &l, nil
}

// List returns the summary index, newest first.
func (s *Store) List(storyID string) ([]IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readIndexLocked(storyID)
}

func (s *Store) readIndexLocked(storyID string) ([]IndexEntry, error) {
	var entries []IndexEntry
	err := atomicfile.ReadJSON(filepath.Join(s.Dir(storyID), indexFile), &entries)
	if err != nil {
		if os.IsNotExist(err) {
			return []IndexEntry{}, nil
		}
		s.logger.Warn().Err(err).Str("story", storyID).Msg("corrupt generation-log index, resetting")
		return []IndexEntry{}, nil
	}
	return entries, nil
}
