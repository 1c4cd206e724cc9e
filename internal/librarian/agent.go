package librarian

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/storyloom/storyloom/internal/agent"
	"github.com/storyloom/storyloom/internal/compose"
	"github.com/storyloom/storyloom/internal/fragment"
	"github.com/storyloom/storyloom/internal/instruction"
	"github.com/storyloom/storyloom/internal/llm"
	"github.com/storyloom/storyloom/internal/stream"
	"github.com/storyloom/storyloom/internal/tool"
)

const analyzeAgentName = "analyze"

const analyzeMaxSteps = 8

type analyzeInput struct {
	FragmentID string `json:"fragmentId"`
}

// Mention links new prose to an existing fragment.
type Mention struct {
	FragmentID string `json:"fragmentId"`
	Name       string `json:"name"`
	Note       string `json:"note,omitempty"`
}

// Contradiction flags new prose that conflicts with established facts.
type Contradiction struct {
	FragmentID string `json:"fragmentId,omitempty"`
	Detail     string `json:"detail"`
}

// KnowledgeSuggestion proposes a new knowledge fragment.
type KnowledgeSuggestion struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Content     string   `json:"content"`
	Tags        []string `json:"tags,omitempty"`
}

// TimelineEvent is one dated event extracted from the prose.
type TimelineEvent struct {
	When  string `json:"when"`
	Event string `json:"event"`
}

// AnalysisResult is the analyzer's structured output.
type AnalysisResult struct {
	SummaryUpdate        string                `json:"summaryUpdate"`
	Mentions             []Mention             `json:"mentions"`
	Contradictions       []Contradiction       `json:"contradictions"`
	KnowledgeSuggestions []KnowledgeSuggestion `json:"knowledgeSuggestions"`
	TimelineEvents       []TimelineEvent       `json:"timelineEvents"`
}

var analyzeOutputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"summaryUpdate": {"type": "string"},
		"mentions": {"type": "array"},
		"contradictions": {"type": "array"},
		"knowledgeSuggestions": {"type": "array"},
		"timelineEvents": {"type": "array"}
	},
	"required": ["summaryUpdate"]
}`)

// RegisterAnalyzeAgent registers the librarian's analyze agent. The agent
// streams its parts into the story's live analysis buffer and completes the
// buffer when the run ends; the scheduler fails the buffer on error.
func (s *Scheduler) RegisterAnalyzeAgent(reg *agent.Registry, provider llm.Provider, instructions *instruction.Registry) error {
	return reg.Register(&agent.Definition{
		Name: analyzeAgentName,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"fragmentId": {"type": "string"}},
			"required": ["fragmentId"]
		}`),
		OutputSchema: analyzeOutputSchema,
		Run: func(ctx context.Context, inv *agent.Invocation, input json.RawMessage) (any, error) {
			var in analyzeInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			return s.analyze(ctx, inv, provider, instructions, in)
		},
	})
}

func (s *Scheduler) analyze(ctx context.Context, inv *agent.Invocation, provider llm.Provider,
	instructions *instruction.Registry, in analyzeInput) (any, error) {

	st, err := s.stories.Get(inv.StoryID)
	if err != nil {
		return nil, err
	}
	newProse, err := s.fragments.Get(inv.StoryID, in.FragmentID)
	if err != nil {
		return nil, err
	}
	if newProse == nil {
		return nil, fmt.Errorf("fragment %s not found", in.FragmentID)
	}

	systemText, err := instructions.Resolve(instruction.KeyLibrarianSystem, provider.ModelID())
	if err != nil {
		return nil, err
	}

	user := buildAnalyzeMessage(st.Name, st.Summary, newProse, s.corpusOverview(inv.StoryID))
	tools := tool.NewFragmentRegistry(s.fragments, inv.StoryID, false)

	buf := s.currentBuffer(inv.StoryID)
	emit := func(p llm.Part) {
		if buf == nil {
			return
		}
		if ev, ok := stream.EventFromPart(p); ok {
			buf.Push(ev)
		}
	}

	res, err := agent.RunToolLoop(ctx, provider, llm.CompletionRequest{
		SystemPrompt: systemText + "\n\nWhen you are finished, output ONLY a JSON object with keys " +
			`summaryUpdate, mentions, contradictions, knowledgeSuggestions, timelineEvents.`,
		Messages: []llm.Message{llm.UserMessage(user)},
	}, tools, analyzeMaxSteps, emit)
	if err != nil {
		return nil, err
	}

	var out AnalysisResult
	if err := json.Unmarshal([]byte(extractJSON(res.Text)), &out); err != nil {
		return nil, fmt.Errorf("analyzer returned unparseable output: %w", err)
	}

	if buf != nil {
		buf.Complete(res.FinishReason, res.StepCount)
	}
	return &out, nil
}

// corpusOverview renders the shortlist view of the non-prose corpus.
func (s *Scheduler) corpusOverview(storyID string) string {
	sums, err := s.fragments.ListSummaries(storyID, "", false)
	if err != nil {
		return ""
	}
	var lines []string
	for _, sum := range sums {
		if fragment.IDPrefix(sum.ID) == "pr" {
			continue
		}
		lines = append(lines, compose.ShortlistEntry(sum))
	}
	return strings.Join(lines, "\n")
}

func buildAnalyzeMessage(storyName, summary string, newProse *fragment.Fragment, overview string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Story: %s\n\n", storyName)
	if summary != "" {
		sb.WriteString("Current summary:\n" + summary + "\n\n")
	}
	if overview != "" {
		sb.WriteString("Known fragments:\n" + overview + "\n\n")
	}
	fmt.Fprintf(&sb, "New prose (%s):\n%s", newProse.ID, newProse.Content)
	return sb.String()
}

// extractJSON strips optional code fences around a JSON payload.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if i := strings.Index(text, "\n"); i >= 0 {
			text = text[i+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		return strings.TrimSpace(text)
	}
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			return text[start : end+1]
		}
	}
	return text
}
