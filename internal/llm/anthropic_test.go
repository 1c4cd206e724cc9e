package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *AnthropicProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAnthropicProvider("sk-test",
		WithBaseURL(srv.URL),
		WithRetryPolicy(2, time.Millisecond),
	)
}

func TestBuildMessagesToolFlow(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "checking", ToolUses: []ToolUse{
			{ID: "tu_1", Name: "getFragment", Input: json.RawMessage(`{"id":"ch-abc123"}`)},
		}},
		ToolResultMessage([]ToolResult{{ToolUseID: "tu_1", Content: `{"name":"A"}`}}),
	}
	wire := buildMessages(msgs)
	require.Len(t, wire, 3)

	assert.Equal(t, "hello", wire[0].Content)

	blocks, ok := wire[1].Content.([]any)
	require.True(t, ok)
	require.Len(t, blocks, 2)
	text := blocks[0].(map[string]any)
	assert.Equal(t, "text", text["type"])
	tu := blocks[1].(map[string]any)
	assert.Equal(t, "tool_use", tu["type"])
	assert.Equal(t, "tu_1", tu["id"])

	results, ok := wire[2].Content.([]any)
	require.True(t, ok)
	tr := results[0].(map[string]any)
	assert.Equal(t, "tool_result", tr["type"])
	assert.Equal(t, "tu_1", tr["tool_use_id"])
}

func TestComplete(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-test", r.Header.Get("x-api-key"))
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)

		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "once upon"},
				{"type": "tool_use", "id": "tu_9", "name": "listFragments", "input": map[string]any{}},
			},
			"stop_reason": "tool_use",
			"usage":       map[string]int{"input_tokens": 10, "output_tokens": 4},
		})
	})

	resp, err := p.Complete(context.Background(), CompletionRequest{
		Messages: []Message{UserMessage("go")},
	})
	require.NoError(t, err)
	assert.Equal(t, "once upon", resp.Text)
	assert.Equal(t, StopReasonToolUse, resp.StopReason)
	require.Len(t, resp.ToolUses, 1)
	assert.Equal(t, "listFragments", resp.ToolUses[0].Name)
	assert.Equal(t, 10, resp.InputTokens)
}

func TestCompleteRetriesOn503(t *testing.T) {
	attempts := 0
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"type":"overloaded","message":"busy"}}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content":     []map[string]any{{"type": "text", "text": "ok"}},
			"stop_reason": "end_turn",
		})
	})

	resp, err := p.Complete(context.Background(), CompletionRequest{Messages: []Message{UserMessage("x")}})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "ok", resp.Text)
}

func TestCompleteDoesNotRetry401(t *testing.T) {
	attempts := 0
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"type":"authentication_error","message":"bad key"}}`)
	})

	_, err := p.Complete(context.Background(), CompletionRequest{Messages: []Message{UserMessage("x")}})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Contains(t, err.Error(), "bad key")
}

func TestBackoffHonorsRetryAfter(t *testing.T) {
	p := NewAnthropicProvider("sk-test", WithRetryPolicy(3, time.Millisecond))
	assert.Equal(t, 2*time.Second, p.backoff(0, "2"))
	// An oversized Retry-After is capped.
	assert.Equal(t, retryCeiling, p.backoff(0, "3600"))
	// Without the header the delay stays within the jittered window.
	d := p.backoff(4, "")
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, retryCeiling+time.Millisecond)
}

func sseBody() string {
	events := []string{
		`{"type":"message_start","message":{"usage":{"input_tokens":21}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"planning"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"The ship "}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"sailed."}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"tu_1","name":"getFragment"}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"id\":"}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"pr-aaa111\"}"}}`,
		`{"type":"content_block_stop","index":2}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":17}}`,
		`{"type":"message_stop"}`,
	}
	body := ""
	for _, e := range events {
		body += "data: " + e + "\n\n"
	}
	return body
}

func TestStreamStep(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody())
	})

	var parts []Part
	resp, err := p.StreamStep(context.Background(), CompletionRequest{
		Messages: []Message{UserMessage("continue")},
	}, func(pt Part) { parts = append(parts, pt) })
	require.NoError(t, err)

	assert.Equal(t, "The ship sailed.", resp.Text)
	assert.Equal(t, "planning", resp.Reasoning)
	assert.Equal(t, StopReasonToolUse, resp.StopReason)
	require.Len(t, resp.ToolUses, 1)
	assert.Equal(t, "getFragment", resp.ToolUses[0].Name)
	assert.JSONEq(t, `{"id":"pr-aaa111"}`, string(resp.ToolUses[0].Input))
	assert.Equal(t, 21, resp.InputTokens)
	assert.Equal(t, 17, resp.OutputTokens)

	// Parts arrive in production order: reasoning, two text deltas, tool call.
	require.Len(t, parts, 4)
	assert.Equal(t, PartReasoningDelta, parts[0].Type)
	assert.Equal(t, PartTextDelta, parts[1].Type)
	assert.Equal(t, PartTextDelta, parts[2].Type)
	assert.Equal(t, PartToolCall, parts[3].Type)
	assert.Equal(t, "tu_1", parts[3].ID)
}

func TestStreamStepMalformedToolArgs(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		body := "data: " + `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu_2","name":"listFragments"}}` + "\n\n" +
			"data: " + `{"type":"content_block_stop","index":0}` + "\n\n" +
			"data: " + `{"type":"message_delta","delta":{"stop_reason":"tool_use"}}` + "\n\n"
		fmt.Fprint(w, body)
	})

	resp, err := p.StreamStep(context.Background(), CompletionRequest{Messages: []Message{UserMessage("x")}}, func(Part) {})
	require.NoError(t, err)
	require.Len(t, resp.ToolUses, 1)
	assert.JSONEq(t, `{}`, string(resp.ToolUses[0].Input))
}

func TestStreamStepUpstreamError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: "+`{"type":"error","error":{"type":"overloaded_error","message":"slow down"}}`+"\n\n")
	})

	_, err := p.StreamStep(context.Background(), CompletionRequest{Messages: []Message{UserMessage("x")}}, func(Part) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slow down")
}
