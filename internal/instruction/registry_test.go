package instruction

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/internal/errors"
)

func writeSet(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func setupRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	r := NewRegistry(zerolog.Nop())
	dir := t.TempDir()
	return r, dir
}

func TestResolveDefault(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	text, err := r.Resolve(KeyWriterSystem, "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Contains(t, text, "co-writer")
}

func TestResolveUnknownKey(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	_, err := r.Resolve("writer.nonexistent", "any-model")
	assert.ErrorIs(t, err, errors.ErrUnknownInstruction)
}

func TestExactModelMatch(t *testing.T) {
	r, dir := setupRegistry(t)
	writeSet(t, dir, "sonnet.json", `{
		"name": "sonnet tweaks",
		"modelMatch": "claude-sonnet-4-5",
		"instructions": {"writer.system": "sonnet voice"}
	}`)
	require.NoError(t, r.LoadDir(dir))

	text, err := r.Resolve(KeyWriterSystem, "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "sonnet voice", text)

	text, err = r.Resolve(KeyWriterSystem, "claude-haiku-4")
	require.NoError(t, err)
	assert.Contains(t, text, "co-writer")
}

func TestRegexModelMatchCaseInsensitive(t *testing.T) {
	r, dir := setupRegistry(t)
	writeSet(t, dir, "foo.json", `{
		"name": "foo family",
		"modelMatch": "/foo-.*/i",
		"instructions": {"writer.system": "foo style"}
	}`)
	require.NoError(t, r.LoadDir(dir))

	for _, model := range []string{"foo-x", "FOO-Y"} {
		text, err := r.Resolve(KeyWriterSystem, model)
		require.NoError(t, err)
		assert.Equal(t, "foo style", text, model)
	}

	text, err := r.Resolve(KeyWriterSystem, "bar-z")
	require.NoError(t, err)
	assert.NotEqual(t, "foo style", text)
}

func TestPriorityOrdering(t *testing.T) {
	r, dir := setupRegistry(t)
	writeSet(t, dir, "low.json", `{
		"name": "low", "modelMatch": "/.*/", "priority": 10,
		"instructions": {"writer.system": "low wins"}
	}`)
	writeSet(t, dir, "high.json", `{
		"name": "high", "modelMatch": "/.*/", "priority": 200,
		"instructions": {"writer.system": "high loses", "writer.toolUse": "high toolUse"}
	}`)
	require.NoError(t, r.LoadDir(dir))

	text, err := r.Resolve(KeyWriterSystem, "m")
	require.NoError(t, err)
	assert.Equal(t, "low wins", text)

	// Lower-priority set doesn't define the key, so the scan continues.
	text, err = r.Resolve(KeyWriterToolUse, "m")
	require.NoError(t, err)
	assert.Equal(t, "high toolUse", text)
}

func TestDefaultPriorityIs100(t *testing.T) {
	r, dir := setupRegistry(t)
	writeSet(t, dir, "plain.json", `{
		"name": "plain", "modelMatch": "/.*/",
		"instructions": {"writer.system": "plain"}
	}`)
	writeSet(t, dir, "later.json", `{
		"name": "later", "modelMatch": "/.*/", "priority": 150,
		"instructions": {"writer.system": "later"}
	}`)
	require.NoError(t, r.LoadDir(dir))

	text, err := r.Resolve(KeyWriterSystem, "m")
	require.NoError(t, err)
	assert.Equal(t, "plain", text)
}

func TestMalformedFilesSkipped(t *testing.T) {
	r, dir := setupRegistry(t)
	writeSet(t, dir, "broken.json", `{not json`)
	writeSet(t, dir, "badregex.json", `{
		"name": "bad", "modelMatch": "/([/",
		"instructions": {"writer.system": "x"}
	}`)
	writeSet(t, dir, "good.json", `{
		"name": "good", "modelMatch": "/.*/",
		"instructions": {"writer.system": "good"}
	}`)
	require.NoError(t, r.LoadDir(dir))

	text, err := r.Resolve(KeyWriterSystem, "m")
	require.NoError(t, err)
	assert.Equal(t, "good", text)
}

func TestLoadMissingDirIsEmpty(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.LoadDir(filepath.Join(t.TempDir(), "absent")))
	text, err := r.Resolve(KeyWriterSystem, "m")
	require.NoError(t, err)
	assert.Contains(t, text, "co-writer")
}

func TestClearResetsOverrides(t *testing.T) {
	r, dir := setupRegistry(t)
	writeSet(t, dir, "set.json", `{
		"name": "s", "modelMatch": "/.*/",
		"instructions": {"writer.system": "override"}
	}`)
	require.NoError(t, r.LoadDir(dir))
	r.Clear()

	text, err := r.Resolve(KeyWriterSystem, "m")
	require.NoError(t, err)
	assert.Contains(t, text, "co-writer")
}

func TestSetDefault(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.SetDefault("custom.key", "custom text")
	text, err := r.Resolve("custom.key", "m")
	require.NoError(t, err)
	assert.Equal(t, "custom text", text)
}
