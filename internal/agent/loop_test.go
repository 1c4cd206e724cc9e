package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/internal/llm"
	"github.com/storyloom/storyloom/internal/tool"
)

// scriptedProvider replays a fixed sequence of step responses.
type scriptedProvider struct {
	steps []*llm.CompletionResponse
	calls int
}

func (p *scriptedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return p.next()
}

func (p *scriptedProvider) StreamStep(ctx context.Context, req llm.CompletionRequest, emit func(llm.Part)) (*llm.CompletionResponse, error) {
	resp, err := p.next()
	if err != nil {
		return nil, err
	}
	if resp.Text != "" {
		emit(llm.Part{Type: llm.PartTextDelta, Text: resp.Text})
	}
	for _, tu := range resp.ToolUses {
		emit(llm.Part{Type: llm.PartToolCall, ID: tu.ID, ToolName: tu.Name, Args: tu.Input})
	}
	return resp, nil
}

func (p *scriptedProvider) next() (*llm.CompletionResponse, error) {
	if p.calls >= len(p.steps) {
		return nil, fmt.Errorf("no more scripted steps")
	}
	resp := p.steps[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) ModelID() string { return "scripted" }
func (p *scriptedProvider) MaxTokens() int  { return 4096 }

type stubTool struct {
	name   string
	result string
	err    error
	calls  int
}

func (s *stubTool) tool() tool.Tool {
	return tool.Tool{
		Name:        s.name,
		Description: "stub",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Run: func(ctx context.Context, input json.RawMessage) (string, error) {
			s.calls++
			return s.result, s.err
		},
	}
}

func TestToolLoopSingleStep(t *testing.T) {
	p := &scriptedProvider{steps: []*llm.CompletionResponse{
		{Text: "done", StopReason: llm.StopReasonEndTurn},
	}}

	var parts []llm.Part
	res, err := RunToolLoop(context.Background(), p, llm.CompletionRequest{
		Messages: []llm.Message{llm.UserMessage("go")},
	}, nil, 10, func(pt llm.Part) { parts = append(parts, pt) })
	require.NoError(t, err)

	assert.Equal(t, "done", res.Text)
	assert.Equal(t, 1, res.StepCount)
	assert.Equal(t, llm.StopReasonEndTurn, res.FinishReason)
	assert.False(t, res.StepsExceeded)
	// text delta then finish part.
	require.Len(t, parts, 2)
	assert.Equal(t, llm.PartFinish, parts[1].Type)
}

func TestToolLoopExecutesTools(t *testing.T) {
	p := &scriptedProvider{steps: []*llm.CompletionResponse{
		{
			Text:       "checking",
			StopReason: llm.StopReasonToolUse,
			ToolUses:   []llm.ToolUse{{ID: "tu_1", Name: "lookup", Input: json.RawMessage(`{"id":"x"}`)}},
		},
		{Text: " written", StopReason: llm.StopReasonEndTurn},
	}}

	st := &stubTool{name: "lookup", result: `{"found":true}`}
	reg, err := tool.NewRegistry(st.tool())
	require.NoError(t, err)

	var parts []llm.Part
	res, err := RunToolLoop(context.Background(), p, llm.CompletionRequest{
		Messages: []llm.Message{llm.UserMessage("go")},
	}, reg, 10, func(pt llm.Part) { parts = append(parts, pt) })
	require.NoError(t, err)

	assert.Equal(t, 1, st.calls)
	assert.Equal(t, "checking written", res.Text)
	assert.Equal(t, 2, res.StepCount)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "lookup", res.ToolCalls[0].ToolName)
	assert.JSONEq(t, `{"id":"x"}`, string(res.ToolCalls[0].Args))
	assert.JSONEq(t, `{"found":true}`, string(res.ToolCalls[0].Result))

	// The conversation grew: user, assistant tool use, tool results.
	require.Len(t, res.Messages, 3)
	assert.Len(t, res.Messages[1].ToolUses, 1)
	assert.Len(t, res.Messages[2].ToolResults, 1)

	var types []string
	for _, pt := range parts {
		types = append(types, pt.Type)
	}
	assert.Equal(t, []string{
		llm.PartTextDelta, llm.PartToolCall, llm.PartFinish, llm.PartToolResult,
		llm.PartTextDelta, llm.PartFinish,
	}, types)
}

func TestToolLoopErrorBecomesToolResult(t *testing.T) {
	p := &scriptedProvider{steps: []*llm.CompletionResponse{
		{
			StopReason: llm.StopReasonToolUse,
			ToolUses:   []llm.ToolUse{{ID: "tu_1", Name: "broken", Input: json.RawMessage(`{}`)}},
		},
		{Text: "recovered", StopReason: llm.StopReasonEndTurn},
	}}

	reg, err := tool.NewRegistry((&stubTool{name: "broken", err: fmt.Errorf("store offline")}).tool())
	require.NoError(t, err)

	res, err := RunToolLoop(context.Background(), p, llm.CompletionRequest{
		Messages: []llm.Message{llm.UserMessage("go")},
	}, reg, 10, nil)
	require.NoError(t, err)

	assert.Equal(t, "recovered", res.Text)
	require.Len(t, res.ToolCalls, 1)
	assert.Contains(t, string(res.ToolCalls[0].Result), "store offline")
	// The error reached the model as an error tool result.
	tr := res.Messages[2].ToolResults[0]
	assert.True(t, tr.IsError)
	assert.Contains(t, tr.Content, "store offline")
}

func TestToolLoopStepsExceeded(t *testing.T) {
	mkStep := func() *llm.CompletionResponse {
		return &llm.CompletionResponse{
			StopReason: llm.StopReasonToolUse,
			ToolUses:   []llm.ToolUse{{ID: "tu", Name: "lookup", Input: json.RawMessage(`{}`)}},
		}
	}
	p := &scriptedProvider{steps: []*llm.CompletionResponse{mkStep(), mkStep(), mkStep()}}

	reg, err := tool.NewRegistry((&stubTool{name: "lookup", result: `{}`}).tool())
	require.NoError(t, err)

	res, err := RunToolLoop(context.Background(), p, llm.CompletionRequest{
		Messages: []llm.Message{llm.UserMessage("go")},
	}, reg, 2, nil)
	require.NoError(t, err)
	assert.True(t, res.StepsExceeded)
	assert.Equal(t, 2, res.StepCount)
	assert.Equal(t, llm.StopReasonToolUse, res.FinishReason)
}
