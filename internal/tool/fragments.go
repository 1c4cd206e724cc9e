package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/storyloom/storyloom/internal/fragment"
)

const excerptRadius = 80

// NewFragmentRegistry builds the tool set handed to agents for one story.
// Read tools are always present; write tools are included only when
// readOnly is false (the librarian).
func NewFragmentRegistry(store *fragment.Store, storyID string, readOnly bool) *Registry {
	ft := &fragmentTools{store: store, storyID: storyID}

	tools := ft.readerTools()
	if !readOnly {
		tools = append(tools, ft.writerTools()...)
	}

	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		// Generated per-type aliases can collide with core names; first
		// registration wins.
		_ = r.Add(t)
	}
	return r
}

type fragmentTools struct {
	store   *fragment.Store
	storyID string
}

func objSchema(props map[string]any, required ...string) json.RawMessage {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	b, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("tool schema: %v", err))
	}
	return b
}

func resultJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal tool result: %w", err)
	}
	return string(b), nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (ft *fragmentTools) readerTools() []Tool {
	tools := []Tool{
		{
			Name:        "getFragment",
			Description: "Read a fragment by id, including its full content.",
			InputSchema: objSchema(map[string]any{
				"id": map[string]any{"type": "string", "description": "fragment id, e.g. ch-a1b2c3"},
			}, "id"),
			Run: ft.getFragment(""),
		},
		{
			Name:        "listFragments",
			Description: "List fragment summaries, optionally filtered by type.",
			InputSchema: objSchema(map[string]any{
				"type": map[string]any{"type": "string", "description": "fragment type filter"},
			}),
			Run: ft.listFragments(""),
		},
		{
			Name:        "searchFragments",
			Description: "Case-insensitive substring search over fragment content. Returns ids with a short excerpt around the first match.",
			InputSchema: objSchema(map[string]any{
				"q":    map[string]any{"type": "string", "description": "text to search for"},
				"type": map[string]any{"type": "string", "description": "fragment type filter"},
			}, "q"),
			Run: ft.searchFragments,
		},
		{
			Name:        "listFragmentTypes",
			Description: "List the registered fragment types.",
			InputSchema: objSchema(map[string]any{}),
			Run: func(ctx context.Context, input json.RawMessage) (string, error) {
				return resultJSON(map[string]any{"types": fragment.Types()})
			},
		},
	}

	// Per-type aliases: getCharacter, listCharacters, ...
	types := fragment.Types()
	sort.Strings(types)
	for _, typ := range types {
		typ := typ
		tools = append(tools,
			Tool{
				Name:        "get" + titleCase(typ),
				Description: fmt.Sprintf("Read a %s fragment by id.", typ),
				InputSchema: objSchema(map[string]any{
					"id": map[string]any{"type": "string"},
				}, "id"),
				Run: ft.getFragment(typ),
			},
			Tool{
				Name:        "list" + titleCase(typ) + "s",
				Description: fmt.Sprintf("List %s fragments.", typ),
				InputSchema: objSchema(map[string]any{}),
				Run:         ft.listFragments(typ),
			},
		)
	}
	return tools
}

func (ft *fragmentTools) getFragment(typ string) Handler {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var in struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
		f, err := ft.store.Get(ft.storyID, in.ID)
		if err != nil {
			return "", err
		}
		if f == nil {
			return "", fmt.Errorf("fragment %s not found", in.ID)
		}
		if typ != "" && f.Type != typ {
			return "", fmt.Errorf("fragment %s is a %s, not a %s", in.ID, f.Type, typ)
		}
		return resultJSON(f)
	}
}

func (ft *fragmentTools) listFragments(fixedType string) Handler {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		typ := fixedType
		if typ == "" && len(input) > 0 {
			var in struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(input, &in); err == nil {
				typ = in.Type
			}
		}
		sums, err := ft.store.ListSummaries(ft.storyID, typ, false)
		if err != nil {
			return "", err
		}
		return resultJSON(map[string]any{"fragments": sums})
	}
}

func (ft *fragmentTools) searchFragments(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Q    string `json:"q"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if in.Q == "" {
		return "", fmt.Errorf("q is required")
	}

	sums, err := ft.store.ListSummaries(ft.storyID, in.Type, false)
	if err != nil {
		return "", err
	}

	type hit struct {
		ID      string `json:"id"`
		Excerpt string `json:"excerpt"`
	}
	needle := strings.ToLower(in.Q)
	hits := []hit{}
	for _, sum := range sums {
		f, err := ft.store.Get(ft.storyID, sum.ID)
		if err != nil || f == nil {
			continue
		}
		idx := strings.Index(strings.ToLower(f.Content), needle)
		if idx < 0 {
			continue
		}
		start := idx - excerptRadius
		if start < 0 {
			start = 0
		}
		end := idx + len(needle) + excerptRadius
		if end > len(f.Content) {
			end = len(f.Content)
		}
		hits = append(hits, hit{ID: f.ID, Excerpt: f.Content[start:end]})
	}
	return resultJSON(map[string]any{"matches": hits})
}

func (ft *fragmentTools) writerTools() []Tool {
	return []Tool{
		{
			Name:        "createFragment",
			Description: "Create a new fragment.",
			InputSchema: objSchema(map[string]any{
				"type":        map[string]any{"type": "string"},
				"name":        map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
				"content":     map[string]any{"type": "string"},
				"sticky":      map[string]any{"type": "boolean"},
				"placement":   map[string]any{"type": "string", "enum": []string{"system", "user"}},
				"tags":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			}, "type", "name"),
			Run: func(ctx context.Context, input json.RawMessage) (string, error) {
				var in fragment.CreateInput
				if err := json.Unmarshal(input, &in); err != nil {
					return "", fmt.Errorf("invalid input: %w", err)
				}
				f, err := ft.store.Create(ft.storyID, in)
				if err != nil {
					return "", err
				}
				return resultJSON(map[string]any{"id": f.ID, "created": true})
			},
		},
		{
			Name:        "updateFragment",
			Description: "Replace a fragment's name, description or content. Bumps the version.",
			InputSchema: objSchema(map[string]any{
				"id":          map[string]any{"type": "string"},
				"name":        map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
				"content":     map[string]any{"type": "string"},
			}, "id"),
			Run: func(ctx context.Context, input json.RawMessage) (string, error) {
				var in struct {
					ID string `json:"id"`
					fragment.VersionedInput
				}
				if err := json.Unmarshal(input, &in); err != nil {
					return "", fmt.Errorf("invalid input: %w", err)
				}
				f, err := ft.store.UpdateVersioned(ft.storyID, in.ID, in.VersionedInput)
				if err != nil {
					return "", err
				}
				return resultJSON(map[string]any{"id": f.ID, "version": f.Version})
			},
		},
		{
			Name:        "editFragment",
			Description: "Replace the first occurrence of oldText with newText in one fragment.",
			InputSchema: objSchema(map[string]any{
				"id":      map[string]any{"type": "string"},
				"oldText": map[string]any{"type": "string"},
				"newText": map[string]any{"type": "string"},
			}, "id", "oldText", "newText"),
			Run: ft.editFragment,
		},
		{
			Name:        "editProse",
			Description: "Replace the first occurrence of oldText with newText in each active prose fragment that contains it.",
			InputSchema: objSchema(map[string]any{
				"oldText": map[string]any{"type": "string"},
				"newText": map[string]any{"type": "string"},
			}, "oldText", "newText"),
			Run: ft.editProse,
		},
		{
			Name:        "deleteFragment",
			Description: "Delete a fragment permanently.",
			InputSchema: objSchema(map[string]any{
				"id": map[string]any{"type": "string"},
			}, "id"),
			Run: func(ctx context.Context, input json.RawMessage) (string, error) {
				var in struct {
					ID string `json:"id"`
				}
				if err := json.Unmarshal(input, &in); err != nil {
					return "", fmt.Errorf("invalid input: %w", err)
				}
				if err := ft.store.Delete(ft.storyID, in.ID); err != nil {
					return "", err
				}
				return resultJSON(map[string]any{"id": in.ID, "deleted": true})
			},
		},
	}
}

func (ft *fragmentTools) editFragment(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		ID      string `json:"id"`
		OldText string `json:"oldText"`
		NewText string `json:"newText"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	f, err := ft.store.Get(ft.storyID, in.ID)
	if err != nil {
		return "", err
	}
	if f == nil {
		return "", fmt.Errorf("fragment %s not found", in.ID)
	}
	if !strings.Contains(f.Content, in.OldText) {
		return "", fmt.Errorf("oldText not found in fragment %s", in.ID)
	}
	content := strings.Replace(f.Content, in.OldText, in.NewText, 1)
	updated, err := ft.store.UpdateVersioned(ft.storyID, in.ID, fragment.VersionedInput{Content: &content})
	if err != nil {
		return "", err
	}
	return resultJSON(map[string]any{"id": updated.ID, "version": updated.Version})
}

func (ft *fragmentTools) editProse(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		OldText string `json:"oldText"`
		NewText string `json:"newText"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if in.OldText == "" {
		return "", fmt.Errorf("oldText is required")
	}

	sums, err := ft.store.ListSummaries(ft.storyID, fragment.TypeProse, false)
	if err != nil {
		return "", err
	}

	edited := []string{}
	for _, sum := range sums {
		f, err := ft.store.Get(ft.storyID, sum.ID)
		if err != nil || f == nil {
			continue
		}
		if !strings.Contains(f.Content, in.OldText) {
			continue
		}
		content := strings.Replace(f.Content, in.OldText, in.NewText, 1)
		if _, err := ft.store.UpdateVersioned(ft.storyID, f.ID, fragment.VersionedInput{Content: &content}); err != nil {
			return "", err
		}
		edited = append(edited, f.ID)
	}
	if len(edited) == 0 {
		return "", fmt.Errorf("oldText not found in any active prose fragment")
	}
	return resultJSON(map[string]any{"edited": edited})
}
