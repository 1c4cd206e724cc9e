package librarian

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/storyloom/storyloom/internal/active"
	"github.com/storyloom/storyloom/internal/agent"
	"github.com/storyloom/storyloom/internal/atomicfile"
	"github.com/storyloom/storyloom/internal/fragment"
	"github.com/storyloom/storyloom/internal/metrics"
	"github.com/storyloom/storyloom/internal/story"
	"github.com/storyloom/storyloom/internal/stream"
)

// Run statuses for a story's librarian.
const (
	StatusIdle      = "idle"
	StatusScheduled = "scheduled"
	StatusRunning   = "running"
	StatusError     = "error"
)

// DefaultDebounce between the last trigger and the analyzer start.
const DefaultDebounce = 2000 * time.Millisecond

// Summary cap applied when integrating summary updates.
const summaryMaxBytes = 8192

// Status is the externally visible scheduler state for one story.
type Status struct {
	RunStatus         string `json:"runStatus"`
	PendingFragmentID string `json:"pendingFragmentId,omitempty"`
	LastError         string `json:"lastError,omitempty"`
}

type storyState struct {
	timer             *time.Timer
	pendingFragmentID string
	queuedFragmentID  string
	status            string
	lastError         string
	buffer            *Buffer
}

// Scheduler debounces librarian runs per story and owns their live analysis
// buffers. Librarian failures never fail a generation request; they only
// surface through Status.
type Scheduler struct {
	dataDir   string
	debounce  time.Duration
	agents    *agent.Registry
	stories   *story.Store
	fragments *fragment.Store
	actives   *active.Registry
	agentOpts agent.Options
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu    sync.Mutex
	state map[string]*storyState
}

// NewScheduler creates a librarian scheduler.
func NewScheduler(dataDir string, debounce time.Duration, agents *agent.Registry, stories *story.Store,
	fragments *fragment.Store, actives *active.Registry, agentOpts agent.Options, logger zerolog.Logger) *Scheduler {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Scheduler{
		dataDir:   dataDir,
		debounce:  debounce,
		agents:    agents,
		stories:   stories,
		fragments: fragments,
		actives:   actives,
		agentOpts: agentOpts,
		logger:    logger.With().Str("component", "librarian").Logger(),
		state:     make(map[string]*storyState),
	}
}

// SetMetrics attaches prometheus counters to the scheduler.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) { s.metrics = m }

func (s *Scheduler) stateFor(storyID string) *storyState {
	st, ok := s.state[storyID]
	if !ok {
		st = &storyState{status: StatusIdle}
		s.state[storyID] = st
	}
	return st
}

// Trigger schedules an analysis of fragmentID after the debounce interval.
// A pending timer is canceled and replaced; a running analysis is not
// preempted, the trigger re-arms after it completes.
func (s *Scheduler) Trigger(storyID, fragmentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateFor(storyID)
	if st.status == StatusRunning {
		st.queuedFragmentID = fragmentID
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.status = StatusScheduled
	st.pendingFragmentID = fragmentID
	st.timer = time.AfterFunc(s.debounce, func() { s.run(storyID) })
	s.logger.Debug().Str("story", storyID).Str("fragment", fragmentID).Msg("librarian scheduled")
}

// Status returns the scheduler state for one story.
func (s *Scheduler) Status(storyID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[storyID]
	if !ok {
		return Status{RunStatus: StatusIdle}
	}
	return Status{
		RunStatus:         st.status,
		PendingFragmentID: st.pendingFragmentID,
		LastError:         st.lastError,
	}
}

// Subscribe returns a replay-then-follow event channel for the story's
// current analysis buffer. With no buffer yet, an empty one is created; the
// next run supersedes it, so its subscribers receive the supersede error
// rather than that run's events.
func (s *Scheduler) Subscribe(ctx context.Context, storyID string) <-chan stream.Event {
	s.mu.Lock()
	st := s.stateFor(storyID)
	if st.buffer == nil {
		st.buffer = NewBuffer()
	}
	buf := st.buffer
	s.mu.Unlock()
	return buf.Subscribe(ctx)
}

// currentBuffer returns the story's live buffer, if any.
func (s *Scheduler) currentBuffer(storyID string) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state[storyID]; ok {
		return st.buffer
	}
	return nil
}

// Clear cancels all timers and drops all state. For tests.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.state {
		if st.timer != nil {
			st.timer.Stop()
		}
		if st.buffer != nil {
			st.buffer.Fail("Scheduler cleared")
		}
		delete(s.state, id)
	}
}

func (s *Scheduler) run(storyID string) {
	s.mu.Lock()
	st := s.stateFor(storyID)
	fragmentID := st.pendingFragmentID
	st.pendingFragmentID = ""
	st.timer = nil
	st.status = StatusRunning

	// Supersede any prior live buffer.
	if st.buffer != nil {
		st.buffer.Fail("Superseded by new analysis")
	}
	buf := NewBuffer()
	st.buffer = buf
	s.mu.Unlock()

	activeID := s.actives.Register(storyID, analyzeAgentName)
	defer s.actives.Unregister(activeID)

	input, _ := json.Marshal(analyzeInput{FragmentID: fragmentID})
	println("DEBUG: run() calling Invoke", storyID, fragmentID)
	res, err := s.agents.Invoke(context.Background(), agent.InvokeParams{
		DataDir:   s.dataDir,
		StoryID:   storyID,
		AgentName: analyzeAgentName,
		Input:     input,
		Options:   &s.agentOpts,
		Logger:    s.logger,
	})
	if err != nil {
		println("DEBUG: run() Invoke err=", err.Error())
	}

	var runErr error
	if err == nil {
		runErr = s.integrate(storyID, res.Output)
	} else {
		runErr = err
	}

	if s.metrics != nil {
		status := "success"
		if runErr != nil {
			status = "error"
		}
		s.metrics.LibrarianRunsTotal.WithLabelValues(status).Inc()
	}

	s.mu.Lock()
	if runErr != nil {
		st.status = StatusError
		st.lastError = runErr.Error()
		buf.Fail(runErr.Error())
		s.logger.Warn().Err(runErr).Str("story", storyID).Msg("librarian run failed")
	} else {
		st.status = StatusIdle
		st.lastError = ""
	}
	queued := st.queuedFragmentID
	st.queuedFragmentID = ""
	s.mu.Unlock()

	if queued != "" {
		s.Trigger(storyID, queued)
	}
}

// integrate applies an analysis result: the summary update is appended to
// the story's rolling summary (capped), knowledge suggestions are either
// auto-applied or stored for the UI, and the full result is persisted.
func (s *Scheduler) integrate(storyID string, output any) error {
	raw, err := json.Marshal(output)
	if err != nil {
		return err
	}
	var res AnalysisResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return err
	}

	st, err := s.stories.Get(storyID)
	if err != nil {
		return err
	}

	if res.SummaryUpdate != "" {
		summary := st.Summary
		if summary != "" {
			summary += "\n\n"
		}
		summary += res.SummaryUpdate
		summary = capSummary(summary, summaryMaxBytes)
		if _, err := s.stories.UpdateSummary(storyID, summary); err != nil {
			return err
		}
	}

	if len(res.KnowledgeSuggestions) > 0 && st.Settings.AutoApplyLibrarian {
		for _, sug := range res.KnowledgeSuggestions {
			_, err := s.fragments.Create(storyID, fragment.CreateInput{
				Type:        fragment.TypeKnowledge,
				Name:        sug.Name,
				Description: sug.Description,
				Content:     sug.Content,
				Tags:        sug.Tags,
			})
			if err != nil {
				s.logger.Warn().Err(err).Str("story", storyID).Msg("failed to apply knowledge suggestion")
			}
		}
		res.KnowledgeSuggestions = nil
	}

	dir := filepath.Join(s.dataDir, "stories", storyID, "content", "librarian")
	if err := atomicfile.WriteJSON(filepath.Join(dir, "last-analysis.json"), &res); err != nil {
		return err
	}
	return nil
}

// capSummary trims the summary from the front at a paragraph boundary when
// it exceeds the byte cap, keeping the newest text.
func capSummary(summary string, maxBytes int) string {
	if len(summary) <= maxBytes {
		return summary
	}
	cut := len(summary) - maxBytes
	for i := cut; i < len(summary)-1; i++ {
		if summary[i] == '\n' && summary[i+1] == '\n' {
			return summary[i+2:]
		}
	}
	return summary[cut:]
}
