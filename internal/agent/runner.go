package agent

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	serrors "github.com/storyloom/storyloom/internal/errors"
)

// Options bounds a root invocation and everything nested under it.
type Options struct {
	MaxDepth int
	MaxCalls int
	Timeout  time.Duration
}

// DefaultOptions returns the runner defaults.
func DefaultOptions() Options {
	return Options{MaxDepth: 3, MaxCalls: 20, Timeout: 120 * time.Second}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxDepth <= 0 {
		o.MaxDepth = d.MaxDepth
	}
	if o.MaxCalls <= 0 {
		o.MaxCalls = d.MaxCalls
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	return o
}

// InvokeParams parameterize a root invocation.
type InvokeParams struct {
	DataDir   string
	StoryID   string
	AgentName string
	Input     json.RawMessage
	Options   *Options
	Logger    zerolog.Logger
}

// Result is a successful invocation outcome.
type Result struct {
	RunID  string       `json:"runId"`
	Output any          `json:"output"`
	Trace  []TraceEntry `json:"trace"`
}

// runtime is shared between a root invocation and its nested calls so that
// cycle, depth and call-count limits hold across the whole call graph.
type runtime struct {
	rootRunID string
	opts      Options

	mu        sync.Mutex
	trace     []TraceEntry
	stack     []string
	callCount int
}

func (rt *runtime) snapshotTrace() []TraceEntry {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]TraceEntry, len(rt.trace))
	copy(out, rt.trace)
	return out
}

func (rt *runtime) record(e TraceEntry) {
	rt.mu.Lock()
	rt.trace = append(rt.trace, e)
	rt.mu.Unlock()
}

// Invocation is the capability set handed to a running agent.
type Invocation struct {
	DataDir     string
	StoryID     string
	RunID       string
	ParentRunID string
	RootRunID   string
	Depth       int
	Logger      zerolog.Logger

	def *Definition
	reg *Registry
	rt  *runtime
}

// InvokeAgent performs a nested invocation that shares this run's limits.
func (inv *Invocation) InvokeAgent(ctx context.Context, agentName string, input json.RawMessage) (*Result, error) {
	return inv.reg.invoke(ctx, inv.rt, inv, agentName, input, inv.DataDir, inv.StoryID, inv.Logger)
}

// Trace returns the call graph's trace so far.
func (inv *Invocation) Trace() []TraceEntry {
	return inv.rt.snapshotTrace()
}

// Invoke runs a named agent as a new root invocation.
func (r *Registry) Invoke(ctx context.Context, p InvokeParams) (*Result, error) {
	opts := DefaultOptions()
	if p.Options != nil {
		opts = p.Options.withDefaults()
	}
	rt := &runtime{
		rootRunID: uuid.NewString(),
		opts:      opts,
	}
	return r.invoke(ctx, rt, nil, p.AgentName, p.Input, p.DataDir, p.StoryID, p.Logger)
}

func (r *Registry) invoke(ctx context.Context, rt *runtime, parent *Invocation, agentName string, input json.RawMessage,
	dataDir, storyID string, logger zerolog.Logger) (*Result, error) {

	started := time.Now().UTC()
	runID := uuid.NewString()
	parentRunID := ""
	depth := 0
	if parent != nil {
		parentRunID = parent.RunID
		depth = parent.Depth + 1
	} else {
		rt.rootRunID = runID
	}

	fail := func(err error) (*Result, error) {
		now := time.Now().UTC()
		rt.record(TraceEntry{
			RunID:       runID,
			ParentRunID: parentRunID,
			RootRunID:   rt.rootRunID,
			AgentName:   agentName,
			StartedAt:   started,
			FinishedAt:  now,
			DurationMs:  now.Sub(started).Milliseconds(),
			Status:      "error",
			Error:       err.Error(),
		})
		return nil, err
	}

	def, err := r.resolve(agentName)
	if err != nil {
		return fail(err)
	}

	rt.mu.Lock()
	if rt.callCount >= rt.opts.MaxCalls {
		rt.mu.Unlock()
		return fail(fmt.Errorf("agent %q: %w (max %d)", agentName, serrors.ErrAgentCallLimit, rt.opts.MaxCalls))
	}
	if depth > rt.opts.MaxDepth {
		rt.mu.Unlock()
		return fail(fmt.Errorf("agent %q: %w (max %d)", agentName, serrors.ErrAgentDepth, rt.opts.MaxDepth))
	}
	if slices.Contains(rt.stack, agentName) {
		rt.mu.Unlock()
		return fail(fmt.Errorf("agent %q already on the call stack: %w", agentName, serrors.ErrAgentCycle))
	}
	if parent != nil && parent.def.AllowedCalls != nil && !slices.Contains(parent.def.AllowedCalls, agentName) {
		rt.mu.Unlock()
		return fail(fmt.Errorf("agent %q may not call %q: %w", parent.def.Name, agentName, serrors.ErrValidation))
	}
	rt.callCount++
	rt.stack = append(rt.stack, agentName)
	rt.mu.Unlock()

	defer func() {
		rt.mu.Lock()
		for i := len(rt.stack) - 1; i >= 0; i-- {
			if rt.stack[i] == agentName {
				rt.stack = append(rt.stack[:i], rt.stack[i+1:]...)
				break
			}
		}
		rt.mu.Unlock()
	}()

	if err := validateSchema(def.InputSchema, input, "input"); err != nil {
		return fail(err)
	}

	inv := &Invocation{
		DataDir:     dataDir,
		StoryID:     storyID,
		RunID:       runID,
		ParentRunID: parentRunID,
		RootRunID:   rt.rootRunID,
		Depth:       depth,
		Logger:      logger.With().Str("agent", agentName).Str("run_id", runID).Logger(),
		def:         def,
		reg:         r,
		rt:          rt,
	}

	output, err := runWithTimeout(ctx, rt.opts.Timeout, agentName, def, inv, input)
	if err != nil {
		return fail(err)
	}

	if def.OutputSchema != nil {
		raw, merr := json.Marshal(output)
		if merr != nil {
			return fail(fmt.Errorf("agent %q output not serializable: %w", agentName, serrors.ErrValidation))
		}
		if err := validateSchema(def.OutputSchema, raw, "output"); err != nil {
			return fail(err)
		}
	}

	now := time.Now().UTC()
	rt.record(TraceEntry{
		RunID:       runID,
		ParentRunID: parentRunID,
		RootRunID:   rt.rootRunID,
		AgentName:   agentName,
		StartedAt:   started,
		FinishedAt:  now,
		DurationMs:  now.Sub(started).Milliseconds(),
		Status:      "success",
	})

	return &Result{RunID: runID, Output: output, Trace: rt.snapshotTrace()}, nil
}

type runOutcome struct {
	output any
	err    error
}

// runWithTimeout races the agent's run function against the runtime timeout.
func runWithTimeout(ctx context.Context, timeout time.Duration, agentName string, def *Definition, inv *Invocation, input json.RawMessage) (any, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan runOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- runOutcome{err: fmt.Errorf("agent %q panicked: %v", agentName, rec)}
			}
		}()
		out, err := def.Run(runCtx, inv, input)
		done <- runOutcome{output: out, err: err}
	}()

	select {
	case outcome := <-done:
		// A cooperative run may return the deadline error itself before the
		// timeout branch is selected.
		if outcome.err != nil && ctx.Err() == nil && stderrors.Is(outcome.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("agent %q exceeded %s: %w", agentName, timeout, serrors.ErrAgentTimeout)
		}
		return outcome.output, outcome.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent %q canceled: %w", agentName, ctx.Err())
		}
		return nil, fmt.Errorf("agent %q exceeded %s: %w", agentName, timeout, serrors.ErrAgentTimeout)
	}
}

func validateSchema(schema, doc json.RawMessage, kind string) error {
	if schema == nil {
		return nil
	}
	if len(doc) == 0 {
		doc = json.RawMessage(`null`)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("%s validation: %v: %w", kind, err, serrors.ErrValidation)
	}
	if !result.Valid() {
		msgs := ""
		for i, e := range result.Errors() {
			if i > 0 {
				msgs += "; "
			}
			msgs += e.String()
		}
		return fmt.Errorf("%s rejected: %s: %w", kind, msgs, serrors.ErrValidation)
	}
	return nil
}
