package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/storyloom/storyloom/internal/agent"
	"github.com/storyloom/storyloom/internal/compose"
	"github.com/storyloom/storyloom/internal/instruction"
	"github.com/storyloom/storyloom/internal/llm"
)

const directionsAgentName = "directions"

const defaultDirectionCount = 3

// Direction is one suggested way the story could continue.
type Direction struct {
	Pacing      string `json:"pacing"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Instruction string `json:"instruction"`
}

// Directions is the suggest-directions response payload.
type Directions struct {
	Suggestions []Direction `json:"suggestions"`
}

type directionsInput struct {
	Count int `json:"count,omitempty"`
}

func (p *Pipeline) registerDirectionsAgent() error {
	return p.agents.Register(&agent.Definition{
		Name: directionsAgentName,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"count": {"type": "integer", "minimum": 1, "maximum": 10}}
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"suggestions": {"type": "array"}},
			"required": ["suggestions"]
		}`),
		Run: func(ctx context.Context, inv *agent.Invocation, input json.RawMessage) (any, error) {
			var in directionsInput
			if len(input) > 0 {
				if err := json.Unmarshal(input, &in); err != nil {
					return nil, err
				}
			}
			return p.runDirections(ctx, inv.StoryID, in.Count)
		},
	})
}

func (p *Pipeline) runDirections(ctx context.Context, storyID string, count int) (*Directions, error) {
	if count <= 0 {
		count = defaultDirectionCount
	}

	state, err := p.builder.Build(storyID, "", compose.Options{})
	if err != nil {
		return nil, err
	}

	systemText, err := p.instructions.Resolve(instruction.KeyDirectionsSystem, p.provider.ModelID())
	if err != nil {
		return nil, err
	}

	blocks := compose.DefaultBlocks(state, systemText)
	systemPrompt, messages := compose.Messages(blocks)
	ask := fmt.Sprintf(
		"Propose %d distinct directions. Output ONLY a JSON object of the form "+
			`{"suggestions":[{"pacing":"...","title":"...","description":"...","instruction":"..."}]}.`, count)
	messages = append(messages, llm.UserMessage(ask))

	resp, err := p.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     messages,
	})
	if err != nil {
		return nil, err
	}

	var out Directions
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &out); err != nil {
		return nil, fmt.Errorf("directions agent returned unparseable output: %w", err)
	}
	if len(out.Suggestions) > count {
		out.Suggestions = out.Suggestions[:count]
	}
	return &out, nil
}

// SuggestDirections runs the directions agent for a story.
func (p *Pipeline) SuggestDirections(ctx context.Context, storyID string, count int) (*Directions, error) {
	if _, err := p.stories.Get(storyID); err != nil {
		return nil, err
	}

	activeID := p.actives.Register(storyID, directionsAgentName)
	defer p.actives.Unregister(activeID)

	input, _ := json.Marshal(directionsInput{Count: count})
	res, err := p.agents.Invoke(ctx, agent.InvokeParams{
		StoryID:   storyID,
		AgentName: directionsAgentName,
		Input:     input,
		Options:   &p.agentOpts,
		Logger:    p.logger,
	})
	if err != nil {
		p.metrics.AgentRunsTotal.WithLabelValues(directionsAgentName, "error").Inc()
		return nil, err
	}
	p.metrics.AgentRunsTotal.WithLabelValues(directionsAgentName, "success").Inc()
	return res.Output.(*Directions), nil
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
