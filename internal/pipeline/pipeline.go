// Package pipeline orchestrates prose generation: context assembly, block
// composition, the writer agent's tool loop, NDJSON streaming, log
// persistence and librarian scheduling.
package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/storyloom/storyloom/internal/active"
	"github.com/storyloom/storyloom/internal/agent"
	"github.com/storyloom/storyloom/internal/block"
	"github.com/storyloom/storyloom/internal/compose"
	"github.com/storyloom/storyloom/internal/errors"
	"github.com/storyloom/storyloom/internal/fragment"
	"github.com/storyloom/storyloom/internal/genlog"
	"github.com/storyloom/storyloom/internal/instruction"
	"github.com/storyloom/storyloom/internal/librarian"
	"github.com/storyloom/storyloom/internal/llm"
	"github.com/storyloom/storyloom/internal/metrics"
	"github.com/storyloom/storyloom/internal/story"
	"github.com/storyloom/storyloom/internal/stream"
	"github.com/storyloom/storyloom/internal/tool"
)

// Generation modes.
const (
	ModeGenerate   = "generate"
	ModeRegenerate = "regenerate"
	ModeRefine     = "refine"
)

// Request is one generation request.
type Request struct {
	StoryID    string
	Input      string
	Mode       string
	FragmentID string // target for regenerate/refine
	SaveResult bool
}

// Pipeline wires the generation subsystems together.
type Pipeline struct {
	stories      *story.Store
	fragments    *fragment.Store
	logs         *genlog.Store
	instructions *instruction.Registry
	blocks       *block.Engine
	builder      *compose.Builder
	agents       *agent.Registry
	provider     llm.Provider
	sched        *librarian.Scheduler
	actives      *active.Registry
	metrics      *metrics.Metrics
	agentOpts    agent.Options
	highWater    int
	logger       zerolog.Logger

	emits sync.Map // token → *stream.Adapter
}

// Deps collects the pipeline's collaborators.
type Deps struct {
	Stories      *story.Store
	Fragments    *fragment.Store
	Logs         *genlog.Store
	Instructions *instruction.Registry
	Blocks       *block.Engine
	Builder      *compose.Builder
	Agents       *agent.Registry
	Provider     llm.Provider
	Scheduler    *librarian.Scheduler
	Actives      *active.Registry
	Metrics      *metrics.Metrics
	AgentOpts    agent.Options
	HighWater    int
	Logger       zerolog.Logger
}

// New creates a pipeline and registers its writer and directions agents.
func New(d Deps) (*Pipeline, error) {
	p := &Pipeline{
		stories:      d.Stories,
		fragments:    d.Fragments,
		logs:         d.Logs,
		instructions: d.Instructions,
		blocks:       d.Blocks,
		builder:      d.Builder,
		agents:       d.Agents,
		provider:     d.Provider,
		sched:        d.Scheduler,
		actives:      d.Actives,
		metrics:      d.Metrics,
		agentOpts:    d.AgentOpts,
		highWater:    d.HighWater,
		logger:       d.Logger.With().Str("component", "pipeline").Logger(),
	}
	if err := p.registerWriterAgent(); err != nil {
		return nil, err
	}
	if err := p.registerDirectionsAgent(); err != nil {
		return nil, err
	}
	return p, nil
}

// Start begins a generation and returns the NDJSON adapter to stream from.
// The heavy lifting happens in a background goroutine; the returned adapter
// fails or finishes as the run does.
func (p *Pipeline) Start(ctx context.Context, req Request) (*stream.Adapter, error) {
	if req.Mode == "" {
		req.Mode = ModeGenerate
	}
	if req.Mode != ModeGenerate && req.Mode != ModeRegenerate && req.Mode != ModeRefine {
		return nil, errors.Validation("unknown mode %q", req.Mode)
	}
	if req.Mode != ModeGenerate && req.FragmentID == "" {
		return nil, errors.Validation("mode %s requires fragmentId", req.Mode)
	}
	if _, err := p.stories.Get(req.StoryID); err != nil {
		return nil, err
	}

	adapter := stream.NewAdapter(p.highWater)
	token := uuid.NewString()
	p.emits.Store(token, adapter)

	go p.run(ctx, req, token, adapter)
	return adapter, nil
}

func (p *Pipeline) run(ctx context.Context, req Request, token string, adapter *stream.Adapter) {
	defer p.emits.Delete(token)
	started := time.Now()

	activeID := p.actives.Register(req.StoryID, writerAgentName)
	defer p.actives.Unregister(activeID)

	input, _ := json.Marshal(writerInput{
		Token:      token,
		Mode:       req.Mode,
		Input:      req.Input,
		FragmentID: req.FragmentID,
	})
	res, err := p.agents.Invoke(ctx, agent.InvokeParams{
		StoryID:   req.StoryID,
		AgentName: writerAgentName,
		Input:     input,
		Options:   &p.agentOpts,
		Logger:    p.logger,
	})

	if err != nil {
		adapter.Fail(err)
		p.metrics.GenerationsTotal.WithLabelValues(req.Mode, "error").Inc()
		p.metrics.AgentRunsTotal.WithLabelValues(writerAgentName, "error").Inc()
		p.persistLog(req, nil, nil, started, err)
		return
	}
	p.metrics.AgentRunsTotal.WithLabelValues(writerAgentName, "success").Inc()

	out := res.Output.(*writerOutput)
	adapter.Finish()

	completion, werr := adapter.Wait(context.Background())
	if werr != nil {
		p.metrics.GenerationsTotal.WithLabelValues(req.Mode, "aborted").Inc()
		p.persistLog(req, out, nil, started, werr)
		return
	}

	fragmentID, serr := p.saveResult(req, completion.Text)
	if serr != nil {
		p.logger.Error().Err(serr).Str("story", req.StoryID).Msg("failed to save generated prose")
	}
	out.FragmentID = fragmentID

	p.metrics.GenerationsTotal.WithLabelValues(req.Mode, "success").Inc()
	p.metrics.GenerationDuration.WithLabelValues(req.Mode).Observe(time.Since(started).Seconds())
	p.persistLog(req, out, completion, started, nil)

	if fragmentID != "" {
		p.sched.Trigger(req.StoryID, fragmentID)
	}
}

// saveResult persists the generated text according to the mode. Generate
// appends a new prose fragment; regenerate and refine replace the target's
// content through a versioned update.
func (p *Pipeline) saveResult(req Request, text string) (string, error) {
	if !req.SaveResult || text == "" {
		return "", nil
	}
	switch req.Mode {
	case ModeGenerate:
		f, err := p.fragments.Create(req.StoryID, fragment.CreateInput{
			Type:    fragment.TypeProse,
			Content: text,
		})
		if err != nil {
			return "", err
		}
		return f.ID, nil
	default:
		f, err := p.fragments.UpdateVersioned(req.StoryID, req.FragmentID, fragment.VersionedInput{
			Content: &text,
		})
		if err != nil {
			return "", err
		}
		return f.ID, nil
	}
}

// persistLog writes the generation log, best-effort on failures.
func (p *Pipeline) persistLog(req Request, out *writerOutput, completion *stream.Completion, started time.Time, runErr error) {
	l := &genlog.Log{
		Mode:       req.Mode,
		Input:      req.Input,
		Model:      p.provider.ModelID(),
		DurationMs: time.Since(started).Milliseconds(),
	}
	if runErr != nil {
		l.Error = runErr.Error()
	}
	if out != nil {
		l.Messages = out.Messages
		l.GeneratedText = out.Text
		l.Reasoning = out.Reasoning
		l.StepCount = out.StepCount
		l.FinishReason = out.FinishReason
		l.StepsExceeded = out.StepsExceeded
		l.FragmentID = out.FragmentID
		if out.InputTokens > 0 || out.OutputTokens > 0 {
			l.TotalUsage = &genlog.Usage{InputTokens: out.InputTokens, OutputTokens: out.OutputTokens}
		}
		l.ToolCalls = mergeToolCalls(out.ToolCalls, completion)
	}
	if err := p.logs.Save(req.StoryID, l); err != nil {
		p.logger.Error().Err(err).Str("story", req.StoryID).Msg("failed to persist generation log")
	}
}

// mergeToolCalls joins the loop's records (which carry args) with the
// adapter's completion records (which carry empty args) by id.
func mergeToolCalls(records []agent.ToolCallRecord, completion *stream.Completion) []genlog.ToolCall {
	argsByID := make(map[string]json.RawMessage, len(records))
	for _, r := range records {
		argsByID[r.ID] = r.Args
	}

	out := make([]genlog.ToolCall, 0, len(records))
	if completion != nil && len(completion.ToolCalls) > 0 {
		for _, tc := range completion.ToolCalls {
			args := argsByID[tc.ID]
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			out = append(out, genlog.ToolCall{ToolName: tc.ToolName, Args: args, Result: tc.Result})
		}
		return out
	}
	for _, r := range records {
		out = append(out, genlog.ToolCall{ToolName: r.ToolName, Args: r.Args, Result: r.Result})
	}
	return out
}

// Logs exposes the generation-log store.
func (p *Pipeline) Logs() *genlog.Store { return p.logs }

// lookupAdapter resolves a writer token to its adapter.
func (p *Pipeline) lookupAdapter(token string) (*stream.Adapter, bool) {
	v, ok := p.emits.Load(token)
	if !ok {
		return nil, false
	}
	return v.(*stream.Adapter), true
}

// readTools builds the read-only tool registry for one story. Tool
// executions are not counted in metrics.
func (p *Pipeline) readTools(storyID string) *tool.Registry {
	return tool.NewFragmentRegistry(p.fragments, storyID, true)
}
