// Package block composes the ordered context blocks that become the final
// prompt messages, merging builtin producers with user-defined simple and
// script blocks.
package block

import (
	"github.com/storyloom/storyloom/internal/fragment"
)

// Block roles.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Block sources.
const (
	SourceBuiltin = "builtin"
	SourceCustom  = "custom"
)

// Custom block types.
const (
	TypeSimple = "simple"
	TypeScript = "script"
)

// Content modes for Override.ContentMode.
const (
	ModeOverride = "override"
	ModePrepend  = "prepend"
	ModeAppend   = "append"
)

// ContextBlock is one ordered piece of the final prompt message.
type ContextBlock struct {
	ID      string  `json:"id"`
	Role    string  `json:"role"`
	Content string  `json:"content"`
	Order   float64 `json:"order"`
	Source  string  `json:"source"`
	Name    string  `json:"name,omitempty"`
}

// CustomBlockDefinition is a user-authored block. Script blocks carry a
// JavaScript async function body in Content.
type CustomBlockDefinition struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Role    string  `json:"role"`
	Order   float64 `json:"order"`
	Enabled bool    `json:"enabled"`
	Type    string  `json:"type"`
	Content string  `json:"content"`
}

// Override adjusts a block (builtin or custom) by id.
type Override struct {
	Enabled       *bool    `json:"enabled,omitempty"`
	Order         *float64 `json:"order,omitempty"`
	ContentMode   *string  `json:"contentMode,omitempty"`
	CustomContent string   `json:"customContent,omitempty"`
}

// Config is the persistent per-story block configuration.
type Config struct {
	CustomBlocks []CustomBlockDefinition `json:"customBlocks"`
	Overrides    map[string]Override     `json:"overrides"`
	BlockOrder   []string                `json:"blockOrder"`
}

// ScriptStory is the story view handed to block scripts.
type ScriptStory struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Summary     string `json:"summary"`
}

// ScriptContext is the capability object exposed to script blocks. Scripts
// see only this surface; there is no filesystem or network access.
type ScriptContext struct {
	Story              ScriptStory
	ProseFragments     []fragment.Fragment
	StickyCharacters   []fragment.Fragment
	StickyGuidelines   []fragment.Fragment
	StickyKnowledge    []fragment.Fragment
	CharacterShortlist []fragment.Summary
	GuidelineShortlist []fragment.Summary
	KnowledgeShortlist []fragment.Summary
	NewProse           string
	GetFragment        func(id string) (*fragment.Fragment, error)
}
