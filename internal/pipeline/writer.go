package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/storyloom/storyloom/internal/agent"
	"github.com/storyloom/storyloom/internal/block"
	"github.com/storyloom/storyloom/internal/compose"
	"github.com/storyloom/storyloom/internal/fragment"
	"github.com/storyloom/storyloom/internal/instruction"
	"github.com/storyloom/storyloom/internal/llm"
	"github.com/storyloom/storyloom/internal/story"
)

const writerAgentName = "writer"

// Builtin block id for the passage a refine/regenerate run targets.
const blockTargetPassage = "target-passage"

type writerInput struct {
	Token      string `json:"token"`
	Mode       string `json:"mode"`
	Input      string `json:"input"`
	FragmentID string `json:"fragmentId,omitempty"`
}

type writerOutput struct {
	Text          string                 `json:"text"`
	Reasoning     string                 `json:"reasoning,omitempty"`
	Messages      []llm.Message          `json:"messages"`
	ToolCalls     []agent.ToolCallRecord `json:"toolCalls"`
	StepCount     int                    `json:"stepCount"`
	FinishReason  string                 `json:"finishReason"`
	StepsExceeded bool                   `json:"stepsExceeded"`
	InputTokens   int                    `json:"inputTokens"`
	OutputTokens  int                    `json:"outputTokens"`
	FragmentID    string                 `json:"fragmentId,omitempty"`
}

func (p *Pipeline) registerWriterAgent() error {
	return p.agents.Register(&agent.Definition{
		Name: writerAgentName,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"token": {"type": "string"},
				"mode": {"type": "string", "enum": ["generate", "regenerate", "refine"]},
				"input": {"type": "string"},
				"fragmentId": {"type": "string"}
			},
			"required": ["token", "mode"]
		}`),
		Run: func(ctx context.Context, inv *agent.Invocation, input json.RawMessage) (any, error) {
			var in writerInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			return p.runWriter(ctx, inv, in)
		},
	})
}

func (p *Pipeline) runWriter(ctx context.Context, inv *agent.Invocation, in writerInput) (any, error) {
	adapter, ok := p.lookupAdapter(in.Token)
	if !ok {
		return nil, fmt.Errorf("no stream registered for writer run")
	}

	st, err := p.stories.Get(inv.StoryID)
	if err != nil {
		return nil, err
	}

	opts := compose.Options{}
	if in.Mode != ModeGenerate {
		opts.ProseBeforeFragmentID = in.FragmentID
		opts.SummaryBeforeFragmentID = in.FragmentID
	}

	state, err := p.builder.Build(inv.StoryID, in.Input, opts)
	if err != nil {
		return nil, err
	}

	systemText, err := p.systemText(st, in.Mode)
	if err != nil {
		return nil, err
	}

	blocks := compose.DefaultBlocks(state, systemText)
	if in.Mode != ModeGenerate {
		target, err := p.fragments.Get(inv.StoryID, in.FragmentID)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, fmt.Errorf("target fragment %s not found", in.FragmentID)
		}
		blocks = append(blocks, block.ContextBlock{
			ID:      blockTargetPassage,
			Role:    block.RoleUser,
			Content: "Passage to rewrite:\n" + target.Content,
			Order:   45,
			Source:  block.SourceBuiltin,
		})
	}

	cfg, err := p.stories.BlockConfig(inv.StoryID)
	if err != nil {
		return nil, err
	}
	sctx := state.ScriptContext(func(id string) (*fragment.Fragment, error) {
		return p.fragments.Get(inv.StoryID, id)
	}, "")
	blocks = p.blocks.Apply(blocks, cfg, sctx)

	systemPrompt, messages := compose.Messages(blocks)

	maxSteps := st.Settings.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 10
	}

	res, err := agent.RunToolLoop(ctx, p.provider, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     messages,
	}, p.readTools(inv.StoryID), maxSteps, func(part llm.Part) {
		if perr := adapter.Push(part); perr != nil {
			inv.Logger.Warn().Err(perr).Msg("stream push failed")
		}
	})
	if err != nil {
		return nil, err
	}

	return &writerOutput{
		Text:          res.Text,
		Reasoning:     res.Reasoning,
		Messages:      res.Messages,
		ToolCalls:     res.ToolCalls,
		StepCount:     res.StepCount,
		FinishReason:  res.FinishReason,
		StepsExceeded: res.StepsExceeded,
		InputTokens:   res.InputTokens,
		OutputTokens:  res.OutputTokens,
	}, nil
}

// systemText assembles the writer's system instructions for a mode.
func (p *Pipeline) systemText(st *story.Story, mode string) (string, error) {
	model := p.provider.ModelID()

	base, err := p.instructions.Resolve(instruction.KeyWriterSystem, model)
	if err != nil {
		return "", err
	}
	toolUse, err := p.instructions.Resolve(instruction.KeyWriterToolUse, model)
	if err != nil {
		return "", err
	}
	text := base + "\n\n" + toolUse

	switch mode {
	case ModeRegenerate:
		extra, err := p.instructions.Resolve(instruction.KeyWriterRegenerate, model)
		if err != nil {
			return "", err
		}
		text += "\n\n" + extra
	case ModeRefine:
		extra, err := p.instructions.Resolve(instruction.KeyWriterRefine, model)
		if err != nil {
			return "", err
		}
		text += "\n\n" + extra
	}

	formatKey := instruction.KeyFormatPlaintext
	if st.Settings.OutputFormat == story.FormatMarkdown {
		formatKey = instruction.KeyFormatMarkdown
	}
	format, err := p.instructions.Resolve(formatKey, model)
	if err != nil {
		return "", err
	}
	return text + "\n\n" + format, nil
}
