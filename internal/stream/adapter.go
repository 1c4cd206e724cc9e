// Package stream converts a model part-stream into NDJSON events plus a
// completion summary.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	serrors "github.com/storyloom/storyloom/internal/errors"
	"github.com/storyloom/storyloom/internal/llm"
)

// Event is one NDJSON line.
type Event struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	ID           string          `json:"id,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	StepCount    *int            `json:"stepCount,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// ToolCallRecord is one executed tool call as accumulated by the adapter.
// Args are empty at result time; consumers merge the tool-call event's args
// by id.
type ToolCallRecord struct {
	ID       string          `json:"id"`
	ToolName string          `json:"toolName"`
	Args     json.RawMessage `json:"args"`
	Result   json.RawMessage `json:"result"`
}

// Completion summarizes a finished stream.
type Completion struct {
	Text         string
	Reasoning    string
	ToolCalls    []ToolCallRecord
	StepCount    int
	FinishReason string
}

// EventFromPart maps a model part to its NDJSON event. Finish parts return
// ok=false; they carry step accounting, not a line of their own.
func EventFromPart(p llm.Part) (Event, bool) {
	switch p.Type {
	case llm.PartTextDelta:
		return Event{Type: "text", Text: p.Text}, true
	case llm.PartReasoningDelta:
		return Event{Type: "reasoning", Text: p.Text}, true
	case llm.PartToolCall:
		args := p.Args
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		return Event{Type: "tool-call", ID: p.ID, ToolName: p.ToolName, Args: args}, true
	case llm.PartToolResult:
		return Event{Type: "tool-result", ID: p.ID, ToolName: p.ToolName, Result: p.Result}, true
	default:
		return Event{}, false
	}
}

// Adapter accumulates parts into NDJSON lines and a completion. The line
// channel is bounded; when it fills, reasoning deltas are dropped first and
// any further overflow aborts the stream.
type Adapter struct {
	lines    chan []byte
	capacity int

	mu           sync.Mutex
	text         []byte
	reasoning    []byte
	toolCalls    []ToolCallRecord
	stepCount    int
	finishReason string
	err          error
	closed       bool

	done chan struct{}
}

// NewAdapter creates an adapter with the given high-water mark.
func NewAdapter(highWater int) *Adapter {
	if highWater <= 0 {
		highWater = 1024
	}
	return &Adapter{
		lines:    make(chan []byte, highWater),
		capacity: highWater,
		done:     make(chan struct{}),
	}
}

// Lines returns the NDJSON line channel. It closes after the synthetic
// finish line (or on failure).
func (a *Adapter) Lines() <-chan []byte { return a.lines }

// Push converts a part into its event line. Finish parts bump the step count
// and latch the finish reason without emitting a line. Returns an error once
// the stream is aborted; producers should stop pushing.
func (a *Adapter) Push(p llm.Part) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return a.err
	}

	switch p.Type {
	case llm.PartTextDelta:
		a.text = append(a.text, p.Text...)
		return a.emitLocked(Event{Type: "text", Text: p.Text}, false)
	case llm.PartReasoningDelta:
		a.reasoning = append(a.reasoning, p.Text...)
		return a.emitLocked(Event{Type: "reasoning", Text: p.Text}, true)
	case llm.PartToolCall:
		args := p.Args
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		return a.emitLocked(Event{Type: "tool-call", ID: p.ID, ToolName: p.ToolName, Args: args}, false)
	case llm.PartToolResult:
		a.toolCalls = append(a.toolCalls, ToolCallRecord{
			ID:       p.ID,
			ToolName: p.ToolName,
			Args:     json.RawMessage(`{}`),
			Result:   p.Result,
		})
		return a.emitLocked(Event{Type: "tool-result", ID: p.ID, ToolName: p.ToolName, Result: p.Result}, false)
	case llm.PartFinish:
		a.stepCount++
		if p.FinishReason != "" {
			a.finishReason = p.FinishReason
		}
		return nil
	default:
		return fmt.Errorf("unknown part type %q", p.Type)
	}
}

// emitLocked enqueues one line, keeping the last buffer slot reserved for
// the synthetic finish line. droppable lines are discarded on overflow;
// anything else aborts the stream.
func (a *Adapter) emitLocked(ev Event, droppable bool) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if len(a.lines) >= a.capacity-1 {
		if droppable {
			return nil
		}
		a.err = fmt.Errorf("slow consumer: %w", serrors.ErrStreamAborted)
		a.closeLocked()
		return a.err
	}
	a.lines <- line
	return nil
}

// Finish emits the synthetic finish line, closes the stream and resolves
// the completion.
func (a *Adapter) Finish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	reason := a.finishReason
	if reason == "" {
		reason = llm.StopReasonEndTurn
	}
	a.finishReason = reason
	steps := a.stepCount
	line, _ := json.Marshal(Event{Type: "finish", FinishReason: reason, StepCount: &steps})
	a.lines <- line // reserved slot; see emitLocked
	a.closeLocked()
}

// Fail errors the stream and rejects the completion.
func (a *Adapter) Fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.err = err
	a.closeLocked()
}

func (a *Adapter) closeLocked() {
	a.closed = true
	close(a.lines)
	close(a.done)
}

// Wait blocks until the stream finishes or fails and returns the completion.
func (a *Adapter) Wait(ctx context.Context) (*Completion, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return &Completion{
		Text:         string(a.text),
		Reasoning:    string(a.reasoning),
		ToolCalls:    a.toolCalls,
		StepCount:    a.stepCount,
		FinishReason: a.finishReason,
	}, nil
}
