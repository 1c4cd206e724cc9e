package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/storyloom/storyloom/internal/llm"
	"github.com/storyloom/storyloom/internal/tool"
)

// ToolCallRecord is one executed tool call with its args and result.
type ToolCallRecord struct {
	ID       string          `json:"id"`
	ToolName string          `json:"toolName"`
	Args     json.RawMessage `json:"args"`
	Result   json.RawMessage `json:"result"`
}

// LoopResult is the outcome of a full tool loop.
type LoopResult struct {
	Text          string
	Reasoning     string
	Messages      []llm.Message
	ToolCalls     []ToolCallRecord
	StepCount     int
	FinishReason  string
	StepsExceeded bool
	InputTokens   int
	OutputTokens  int
}

// RunToolLoop drives the model step-by-step until it stops calling tools or
// maxSteps is reached. Parts (including per-step finish and tool-result
// parts) are emitted in production order. Tool errors are reported to the
// model as error tool results, never raised.
func RunToolLoop(ctx context.Context, provider llm.Provider, req llm.CompletionRequest, tools *tool.Registry, maxSteps int, emit func(llm.Part)) (*LoopResult, error) {
	if maxSteps <= 0 {
		maxSteps = 10
	}
	if emit == nil {
		emit = func(llm.Part) {}
	}
	if tools != nil {
		req.Tools = tools.Specs()
	}

	msgs := make([]llm.Message, len(req.Messages))
	copy(msgs, req.Messages)
	result := &LoopResult{}

	for step := 0; step < maxSteps; step++ {
		stepReq := req
		stepReq.Messages = msgs

		resp, err := provider.StreamStep(ctx, stepReq, emit)
		if err != nil {
			result.Messages = msgs
			return result, err
		}

		result.Text += resp.Text
		result.Reasoning += resp.Reasoning
		result.StepCount++
		result.FinishReason = resp.StopReason
		result.InputTokens += resp.InputTokens
		result.OutputTokens += resp.OutputTokens
		emit(llm.Part{Type: llm.PartFinish, FinishReason: resp.StopReason})

		if resp.StopReason != llm.StopReasonToolUse {
			result.Messages = msgs
			return result, nil
		}
		if len(resp.ToolUses) == 0 {
			result.Messages = msgs
			return result, fmt.Errorf("model stopped for tool use without a tool call")
		}

		msgs = append(msgs, llm.Message{
			Role:     llm.RoleAssistant,
			Content:  resp.Text,
			ToolUses: resp.ToolUses,
		})

		results := make([]llm.ToolResult, 0, len(resp.ToolUses))
		for _, tu := range resp.ToolUses {
			var content string
			var execErr error
			if tools == nil {
				execErr = fmt.Errorf("no tools available")
			} else {
				content, execErr = tools.Call(ctx, tu.Name, tu.Input)
			}
			isError := execErr != nil
			if isError {
				content = execErr.Error()
			}
			resultJSON := toResultJSON(content, isError)

			emit(llm.Part{
				Type:     llm.PartToolResult,
				ID:       tu.ID,
				ToolName: tu.Name,
				Result:   resultJSON,
			})
			result.ToolCalls = append(result.ToolCalls, ToolCallRecord{
				ID:       tu.ID,
				ToolName: tu.Name,
				Args:     tu.Input,
				Result:   resultJSON,
			})
			results = append(results, llm.ToolResult{ToolUseID: tu.ID, Content: content, IsError: isError})
		}
		msgs = append(msgs, llm.ToolResultMessage(results))
	}

	result.StepsExceeded = true
	result.Messages = msgs
	return result, nil
}

// toResultJSON keeps tool output as raw JSON when it already is JSON, and
// wraps plain text or error strings otherwise.
func toResultJSON(content string, isError bool) json.RawMessage {
	if isError {
		b, _ := json.Marshal(map[string]string{"error": content})
		return b
	}
	raw := json.RawMessage(content)
	if json.Valid(raw) {
		return raw
	}
	b, _ := json.Marshal(content)
	return b
}
