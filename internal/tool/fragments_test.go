package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/internal/fragment"
)

func setupFragments(t *testing.T) (*fragment.Store, string) {
	t.Helper()
	return fragment.NewStore(t.TempDir(), zerolog.Nop()), "st-test01"
}

func exec(t *testing.T, r *Registry, name, input string) string {
	t.Helper()
	out, err := r.Call(context.Background(), name, json.RawMessage(input))
	require.NoError(t, err, name)
	return out
}

func TestReadOnlyOmitsWriteTools(t *testing.T) {
	store, sid := setupFragments(t)
	r := NewFragmentRegistry(store, sid, true)

	for _, name := range []string{"createFragment", "updateFragment", "editFragment", "editProse", "deleteFragment"} {
		_, ok := r.Lookup(name)
		assert.False(t, ok, name)
	}
	for _, name := range []string{"getFragment", "listFragments", "searchFragments", "listFragmentTypes"} {
		_, ok := r.Lookup(name)
		assert.True(t, ok, name)
	}
}

func TestPerTypeAliases(t *testing.T) {
	store, sid := setupFragments(t)
	r := NewFragmentRegistry(store, sid, true)

	for _, name := range []string{"getCharacter", "listCharacters", "getGuideline", "listGuidelines", "getKnowledge", "listKnowledges", "getProse", "listProses"} {
		_, ok := r.Lookup(name)
		assert.True(t, ok, name)
	}
}

func TestGetFragmentTool(t *testing.T) {
	store, sid := setupFragments(t)
	f, err := store.Create(sid, fragment.CreateInput{Type: fragment.TypeCharacter, Name: "Mira", Content: "tall"})
	require.NoError(t, err)

	r := NewFragmentRegistry(store, sid, true)
	out := exec(t, r, "getFragment", `{"id":"`+f.ID+`"}`)
	assert.Contains(t, out, `"Mira"`)

	// Typed alias rejects other types.
	_, err = r.Call(context.Background(), "getGuideline", json.RawMessage(`{"id":"`+f.ID+`"}`))
	assert.Error(t, err)

	out = exec(t, r, "getCharacter", `{"id":"`+f.ID+`"}`)
	assert.Contains(t, out, `"tall"`)
}

func TestListFragmentsTool(t *testing.T) {
	store, sid := setupFragments(t)
	_, err := store.Create(sid, fragment.CreateInput{Type: fragment.TypeCharacter, Name: "A"})
	require.NoError(t, err)
	_, err = store.Create(sid, fragment.CreateInput{Type: fragment.TypeKnowledge, Name: "K"})
	require.NoError(t, err)

	r := NewFragmentRegistry(store, sid, true)

	var res struct {
		Fragments []fragment.Summary `json:"fragments"`
	}
	require.NoError(t, json.Unmarshal([]byte(exec(t, r, "listFragments", `{}`)), &res))
	assert.Len(t, res.Fragments, 2)

	require.NoError(t, json.Unmarshal([]byte(exec(t, r, "listCharacters", `{}`)), &res))
	require.Len(t, res.Fragments, 1)
	assert.Equal(t, "A", res.Fragments[0].Name)
}

func TestSearchFragmentsExcerpt(t *testing.T) {
	store, sid := setupFragments(t)
	long := strings.Repeat("x", 200) + "The HIDDEN gate opened." + strings.Repeat("y", 200)
	f, err := store.Create(sid, fragment.CreateInput{Type: fragment.TypeProse, Content: long})
	require.NoError(t, err)

	r := NewFragmentRegistry(store, sid, true)
	var res struct {
		Matches []struct {
			ID      string `json:"id"`
			Excerpt string `json:"excerpt"`
		} `json:"matches"`
	}
	require.NoError(t, json.Unmarshal([]byte(exec(t, r, "searchFragments", `{"q":"hidden gate"}`)), &res))
	require.Len(t, res.Matches, 1)
	assert.Equal(t, f.ID, res.Matches[0].ID)
	assert.Contains(t, res.Matches[0].Excerpt, "HIDDEN gate")
	// ±80 characters around the match.
	assert.LessOrEqual(t, len(res.Matches[0].Excerpt), len("hidden gate")+2*80)

	require.NoError(t, json.Unmarshal([]byte(exec(t, r, "searchFragments", `{"q":"absent phrase"}`)), &res))
	assert.Empty(t, res.Matches)
}

func TestCreateAndUpdateTools(t *testing.T) {
	store, sid := setupFragments(t)
	r := NewFragmentRegistry(store, sid, false)

	out := exec(t, r, "createFragment", `{"type":"knowledge","name":"Gate","content":"old lore"}`)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.True(t, strings.HasPrefix(created.ID, "kn-"))

	exec(t, r, "updateFragment", `{"id":"`+created.ID+`","content":"new lore"}`)
	f, err := store.Get(sid, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "new lore", f.Content)
	assert.Equal(t, 2, f.Version)
}

func TestEditFragmentFirstOccurrence(t *testing.T) {
	store, sid := setupFragments(t)
	f, err := store.Create(sid, fragment.CreateInput{Type: fragment.TypeProse, Content: "red door, red door"})
	require.NoError(t, err)

	r := NewFragmentRegistry(store, sid, false)
	exec(t, r, "editFragment", `{"id":"`+f.ID+`","oldText":"red door","newText":"blue door"}`)

	got, err := store.Get(sid, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "blue door, red door", got.Content)

	_, err = r.Call(context.Background(), "editFragment",
		json.RawMessage(`{"id":"`+f.ID+`","oldText":"green door","newText":"x"}`))
	assert.Error(t, err)
}

func TestEditProseAcrossFragments(t *testing.T) {
	store, sid := setupFragments(t)
	a, err := store.Create(sid, fragment.CreateInput{Type: fragment.TypeProse, Content: "the Captain spoke"})
	require.NoError(t, err)
	b, err := store.Create(sid, fragment.CreateInput{Type: fragment.TypeProse, Content: "later the Captain slept"})
	require.NoError(t, err)
	archived, err := store.Create(sid, fragment.CreateInput{Type: fragment.TypeProse, Content: "the Captain archived"})
	require.NoError(t, err)
	_, err = store.Archive(sid, archived.ID)
	require.NoError(t, err)

	r := NewFragmentRegistry(store, sid, false)
	out := exec(t, r, "editProse", `{"oldText":"the Captain","newText":"the Commodore"}`)
	var res struct {
		Edited []string `json:"edited"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.ElementsMatch(t, []string{a.ID, b.ID}, res.Edited)

	// Archived prose untouched.
	got, err := store.Get(sid, archived.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Content, "the Captain")

	_, err = r.Call(context.Background(), "editProse",
		json.RawMessage(`{"oldText":"no such text","newText":"x"}`))
	assert.Error(t, err)
}

func TestDeleteFragmentTool(t *testing.T) {
	store, sid := setupFragments(t)
	f, err := store.Create(sid, fragment.CreateInput{Type: fragment.TypeKnowledge, Name: "K"})
	require.NoError(t, err)

	r := NewFragmentRegistry(store, sid, false)
	exec(t, r, "deleteFragment", `{"id":"`+f.ID+`"}`)
	got, err := store.Get(sid, f.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
