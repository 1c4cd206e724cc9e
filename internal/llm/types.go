// Package llm defines the LLM provider interface and related types.
// Providers are interchangeable behind this interface.
package llm

import (
	"context"
	"encoding/json"
)

// Role constants for Message.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// StopReason describes why the LLM stopped generating.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonToolUse   = "tool_use"
	StopReasonMaxTokens = "max_tokens"
)

// ToolUse represents a tool call requested by the LLM.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the result returned to the LLM after executing a tool.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is a single turn in the conversation. Assistant turns may carry
// text plus tool uses; user turns may carry text or tool results.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolUses    []ToolUse    `json:"tool_uses,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolSchema describes a tool's interface for the LLM.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"` // JSON Schema object
}

// CompletionRequest is the input to a provider call.
type CompletionRequest struct {
	Messages     []Message
	SystemPrompt string
	Tools        []ToolSchema
	MaxTokens    int
	Model        string // override provider default if set
}

// CompletionResponse is the outcome of one model step.
type CompletionResponse struct {
	Text         string
	Reasoning    string
	StopReason   string
	ToolUses     []ToolUse // populated when StopReason == StopReasonToolUse
	InputTokens  int
	OutputTokens int
}

// Part types for the streaming part sequence.
const (
	PartTextDelta      = "text-delta"
	PartReasoningDelta = "reasoning-delta"
	PartToolCall       = "tool-call"
	PartToolResult     = "tool-result"
	PartFinish         = "finish"
)

// Part is one element of a model part-stream. Providers emit text-delta,
// reasoning-delta and tool-call parts; the agent loop injects tool-result
// parts after executing tools and a finish part after each step.
type Part struct {
	Type         string
	Text         string          // text-delta, reasoning-delta
	ID           string          // tool-call, tool-result
	ToolName     string          // tool-call, tool-result
	Args         json.RawMessage // tool-call
	Result       json.RawMessage // tool-result
	FinishReason string          // finish
}

// Provider is the core abstraction for language model backends.
type Provider interface {
	// Complete sends a completion request and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamStep streams one model step, calling emit for each part in
	// production order, and returns the accumulated step response. No
	// finish part is emitted; the caller owns step accounting.
	StreamStep(ctx context.Context, req CompletionRequest, emit func(Part)) (*CompletionResponse, error)

	// ModelID returns the current model identifier string.
	ModelID() string

	// MaxTokens returns the provider's default max output token limit.
	MaxTokens() int
}

// UserMessage creates a plain user turn.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// ToolResultMessage creates a user turn carrying tool results.
func ToolResultMessage(results []ToolResult) Message {
	return Message{Role: RoleUser, ToolResults: results}
}
