package genlog

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/internal/errors"
	"github.com/storyloom/storyloom/internal/llm"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), zerolog.Nop())
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	s := setupStore(t)
	l := &Log{
		Mode:          "generate",
		Input:         "continue the scene",
		Messages:      []llm.Message{llm.UserMessage("hi")},
		ToolCalls:     []ToolCall{{ToolName: "getFragment", Args: json.RawMessage(`{"id":"pr-a"}`), Result: json.RawMessage(`{}`)}},
		GeneratedText: "The ship sailed on.",
		Model:         "claude-sonnet-4-5",
		DurationMs:    1234,
		StepCount:     2,
		FinishReason:  "end_turn",
	}
	require.NoError(t, s.Save("s1", l))
	assert.NotEmpty(t, l.ID)
	assert.False(t, l.CreatedAt.IsZero())

	got, err := s.Get("s1", l.ID)
	require.NoError(t, err)
	assert.Equal(t, l.GeneratedText, got.GeneratedText)
	assert.Equal(t, l.StepCount, got.StepCount)
	require.Len(t, got.ToolCalls, 1)
	assert.Equal(t, "getFragment", got.ToolCalls[0].ToolName)
}

func TestListNewestFirst(t *testing.T) {
	s := setupStore(t)
	older := &Log{Input: "first", CreatedAt: time.Now().UTC().Add(-time.Minute)}
	require.NoError(t, s.Save("s1", older))
	newer := &Log{Input: "second"}
	require.NoError(t, s.Save("s1", newer))

	entries, err := s.List("s1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, newer.ID, entries[0].ID)
	assert.Equal(t, older.ID, entries[1].ID)
}

func TestIndexTruncatesInput(t *testing.T) {
	s := setupStore(t)
	l := &Log{Input: strings.Repeat("a", 500)}
	require.NoError(t, s.Save("s1", l))

	entries, err := s.List("s1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Input, indexInputMax)

	got, err := s.Get("s1", l.ID)
	require.NoError(t, err)
	assert.Len(t, got.Input, 500)
}

func TestGetMissing(t *testing.T) {
	s := setupStore(t)
	_, err := s.Get("s1", "01J00000000000000000000000")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestListEmptyStory(t *testing.T) {
	s := setupStore(t)
	entries, err := s.List("s1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIDsAreTimeSortable(t *testing.T) {
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()
	assert.Less(t, a, b)
}
