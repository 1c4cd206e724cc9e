package compose

import (
	"fmt"
	"strings"

	"github.com/storyloom/storyloom/internal/block"
	"github.com/storyloom/storyloom/internal/fragment"
	"github.com/storyloom/storyloom/internal/llm"
)

// Builtin block ids.
const (
	BlockInstructions    = "instructions"
	BlockSystemFragments = "system-fragments"
	BlockStoryHeader     = "story-header"
	BlockSummary         = "summary"
	BlockSticky          = "sticky"
	BlockShortlists      = "shortlists"
	BlockProse           = "prose"
	BlockAuthorInput     = "author-input"
)

// DefaultBlocks produces the builtin block list for a context state.
// systemText is the resolved writer instruction text (system role).
func DefaultBlocks(state *ContextState, systemText string) []block.ContextBlock {
	var blocks []block.ContextBlock
	add := func(id, role, content string, order float64) {
		if content == "" {
			return
		}
		blocks = append(blocks, block.ContextBlock{
			ID:      id,
			Role:    role,
			Content: content,
			Order:   order,
			Source:  block.SourceBuiltin,
		})
	}

	add(BlockInstructions, block.RoleSystem, systemText, 0)
	add(BlockSystemFragments, block.RoleSystem, renderFragments(state.SystemPromptFragments), 10)

	add(BlockStoryHeader, block.RoleUser, renderHeader(state), 0)
	if state.IncludeSummary {
		add(BlockSummary, block.RoleUser, "Story so far:\n"+state.Story.Summary, 10)
	}
	add(BlockSticky, block.RoleUser, renderSticky(state), 20)
	add(BlockShortlists, block.RoleUser, renderShortlists(state), 30)
	add(BlockProse, block.RoleUser, renderProse(state.ProseFragments), 40)
	if state.AuthorInput != "" {
		add(BlockAuthorInput, block.RoleUser, "Author's direction:\n"+state.AuthorInput, 50)
	}
	return blocks
}

// Messages folds a sorted block list into the system and user messages.
func Messages(blocks []block.ContextBlock) (systemPrompt string, messages []llm.Message) {
	systemPrompt = block.Concat(blocks, block.RoleSystem)
	user := block.Concat(blocks, block.RoleUser)
	if user == "" {
		user = "Continue the story."
	}
	return systemPrompt, []llm.Message{llm.UserMessage(user)}
}

// ScriptContext adapts a ContextState for block scripts.
func (s *ContextState) ScriptContext(getFragment func(id string) (*fragment.Fragment, error), newProse string) *block.ScriptContext {
	return &block.ScriptContext{
		Story: block.ScriptStory{
			ID:          s.Story.ID,
			Name:        s.Story.Name,
			Description: s.Story.Description,
			Summary:     s.Story.Summary,
		},
		ProseFragments:     s.ProseFragments,
		StickyCharacters:   s.StickyCharacters,
		StickyGuidelines:   s.StickyGuidelines,
		StickyKnowledge:    s.StickyKnowledge,
		CharacterShortlist: s.CharacterShortlist,
		GuidelineShortlist: s.GuidelineShortlist,
		KnowledgeShortlist: s.KnowledgeShortlist,
		NewProse:           newProse,
		GetFragment:        getFragment,
	}
}

func renderHeader(state *ContextState) string {
	header := "Story: " + state.Story.Name
	if state.Story.Description != "" {
		header += "\n" + state.Story.Description
	}
	return header
}

func renderFragments(frags []fragment.Fragment) string {
	var parts []string
	for _, f := range frags {
		parts = append(parts, renderFragment(&f))
	}
	return strings.Join(parts, "\n\n")
}

func renderFragment(f *fragment.Fragment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "### %s (%s)\n", f.Name, f.ID)
	if f.Description != "" {
		sb.WriteString(f.Description + "\n")
	}
	sb.WriteString(f.Content)
	return sb.String()
}

func renderSticky(state *ContextState) string {
	sections := []struct {
		title string
		frags []fragment.Fragment
	}{
		{"Characters", state.StickyCharacters},
		{"Guidelines", state.StickyGuidelines},
		{"Knowledge", state.StickyKnowledge},
	}
	var parts []string
	for _, sec := range sections {
		if len(sec.frags) == 0 {
			continue
		}
		parts = append(parts, "## "+sec.title+"\n\n"+renderFragments(sec.frags))
	}
	return strings.Join(parts, "\n\n")
}

func renderShortlists(state *ContextState) string {
	sections := []struct {
		title string
		sums  []fragment.Summary
	}{
		{"Other characters", state.CharacterShortlist},
		{"Other guidelines", state.GuidelineShortlist},
		{"Other knowledge", state.KnowledgeShortlist},
	}
	var parts []string
	for _, sec := range sections {
		if len(sec.sums) == 0 {
			continue
		}
		lines := make([]string, 0, len(sec.sums))
		for _, sum := range sec.sums {
			lines = append(lines, ShortlistEntry(sum))
		}
		parts = append(parts, sec.title+" (look up by id when needed):\n"+strings.Join(lines, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// ShortlistEntry renders the one-line summary form of a non-sticky fragment.
func ShortlistEntry(sum fragment.Summary) string {
	return fmt.Sprintf("%s: %s — %s", sum.ID, sum.Name, sum.Description)
}

func renderProse(frags []fragment.Fragment) string {
	if len(frags) == 0 {
		return ""
	}
	parts := make([]string, 0, len(frags))
	for _, f := range frags {
		parts = append(parts, f.Content)
	}
	return "## Recent prose\n\n" + strings.Join(parts, "\n\n")
}
