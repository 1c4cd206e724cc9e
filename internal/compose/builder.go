// Package compose builds the per-request ContextState from a story's corpus
// and assembles the final prompt messages.
package compose

import (
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/storyloom/storyloom/internal/fragment"
	"github.com/storyloom/storyloom/internal/story"
)

// ContextState is the transient per-request context snapshot.
type ContextState struct {
	Story          *story.Story
	ProseFragments []fragment.Fragment

	StickyCharacters []fragment.Fragment
	StickyGuidelines []fragment.Fragment
	StickyKnowledge  []fragment.Fragment

	CharacterShortlist []fragment.Summary
	GuidelineShortlist []fragment.Summary
	KnowledgeShortlist []fragment.Summary

	// SystemPromptFragments are sticky fragments with placement=system,
	// regardless of type.
	SystemPromptFragments []fragment.Fragment

	AuthorInput    string
	IncludeSummary bool
}

// Options tune a single build.
type Options struct {
	// ProseBeforeFragmentID starts the prose window scan strictly before
	// this fragment (used by regenerate/refine).
	ProseBeforeFragmentID string
	// SummaryBeforeFragmentID gates the rolling summary out of the prompt
	// when the generation targets prose the summary may already cover.
	SummaryBeforeFragmentID string
}

// Builder loads stories and fragments into ContextStates.
type Builder struct {
	stories   *story.Store
	fragments *fragment.Store
	logger    zerolog.Logger
}

// NewBuilder creates a context builder.
func NewBuilder(stories *story.Store, fragments *fragment.Store, logger zerolog.Logger) *Builder {
	return &Builder{
		stories:   stories,
		fragments: fragments,
		logger:    logger.With().Str("component", "context_builder").Logger(),
	}
}

// Build produces the ContextState for one generation request.
func (b *Builder) Build(storyID, authorInput string, opts Options) (*ContextState, error) {
	st, err := b.stories.Get(storyID)
	if err != nil {
		return nil, err
	}

	sums, err := b.fragments.ListSummaries(storyID, "", false)
	if err != nil {
		return nil, err
	}

	state := &ContextState{
		Story:          st,
		AuthorInput:    authorInput,
		IncludeSummary: st.Summary != "" && opts.SummaryBeforeFragmentID == "",
	}

	var prose []fragment.Fragment
	for _, sum := range sums {
		switch typ, _ := fragment.TypeForPrefix(fragment.IDPrefix(sum.ID)); typ {
		case fragment.TypeProse:
			f, err := b.fragments.Get(storyID, sum.ID)
			if err != nil || f == nil {
				continue
			}
			prose = append(prose, *f)
		case fragment.TypeCharacter:
			b.splitSticky(storyID, sum, &state.StickyCharacters, &state.CharacterShortlist, state)
		case fragment.TypeGuideline:
			b.splitSticky(storyID, sum, &state.StickyGuidelines, &state.GuidelineShortlist, state)
		case fragment.TypeKnowledge:
			b.splitSticky(storyID, sum, &state.StickyKnowledge, &state.KnowledgeShortlist, state)
		default:
			// User-registered types behave like knowledge.
			b.splitSticky(storyID, sum, &state.StickyKnowledge, &state.KnowledgeShortlist, state)
		}
	}

	state.ProseFragments = windowProse(prose, st.Settings.ContextLimit, opts.ProseBeforeFragmentID)
	return state, nil
}

// splitSticky routes a non-prose fragment into the sticky set (loading its
// full content) or the shortlist.
func (b *Builder) splitSticky(storyID string, sum fragment.Summary, sticky *[]fragment.Fragment, shortlist *[]fragment.Summary, state *ContextState) {
	if !sum.Sticky {
		*shortlist = append(*shortlist, sum)
		return
	}
	f, err := b.fragments.Get(storyID, sum.ID)
	if err != nil || f == nil {
		return
	}
	if f.Placement == fragment.PlacementSystem {
		state.SystemPromptFragments = append(state.SystemPromptFragments, *f)
		return
	}
	*sticky = append(*sticky, *f)
}

// windowProse applies the context-limit policy, scanning the prose chain
// from the end backward and always including at least one fragment.
func windowProse(prose []fragment.Fragment, limit story.ContextLimit, beforeID string) []fragment.Fragment {
	end := len(prose)
	if beforeID != "" {
		for i, f := range prose {
			if f.ID == beforeID {
				end = i
				break
			}
		}
	}
	chain := prose[:end]
	if len(chain) == 0 {
		return nil
	}

	var cost func(f *fragment.Fragment) int
	budget := limit.Value
	switch limit.Mode {
	case story.LimitTokens:
		cost = func(f *fragment.Fragment) int { return (utf8.RuneCountInString(f.Content) + 3) / 4 }
	case story.LimitCharacters:
		cost = func(f *fragment.Fragment) int { return utf8.RuneCountInString(f.Content) }
	default: // fragments
		cost = func(f *fragment.Fragment) int { return 1 }
	}

	used := 0
	start := len(chain)
	for i := len(chain) - 1; i >= 0; i-- {
		c := cost(&chain[i])
		if start < len(chain) && used+c > budget {
			break
		}
		start = i
		used += c
	}
	return chain[start:]
}
