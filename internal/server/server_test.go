package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/internal/active"
	"github.com/storyloom/storyloom/internal/agent"
	"github.com/storyloom/storyloom/internal/block"
	"github.com/storyloom/storyloom/internal/compose"
	"github.com/storyloom/storyloom/internal/fragment"
	"github.com/storyloom/storyloom/internal/genlog"
	"github.com/storyloom/storyloom/internal/health"
	"github.com/storyloom/storyloom/internal/instruction"
	"github.com/storyloom/storyloom/internal/librarian"
	"github.com/storyloom/storyloom/internal/llm"
	"github.com/storyloom/storyloom/internal/metrics"
	"github.com/storyloom/storyloom/internal/pipeline"
	"github.com/storyloom/storyloom/internal/plugin"
	"github.com/storyloom/storyloom/internal/story"
	"github.com/storyloom/storyloom/internal/stream"
)

type fakeProvider struct {
	steps    []*llm.CompletionResponse
	complete *llm.CompletionResponse
	calls    int
}

func (p *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.complete == nil {
		return nil, fmt.Errorf("no scripted completion")
	}
	return p.complete, nil
}

func (p *fakeProvider) StreamStep(ctx context.Context, req llm.CompletionRequest, emit func(llm.Part)) (*llm.CompletionResponse, error) {
	if p.calls >= len(p.steps) {
		return nil, fmt.Errorf("no more scripted steps")
	}
	resp := p.steps[p.calls]
	p.calls++
	if resp.Text != "" {
		emit(llm.Part{Type: llm.PartTextDelta, Text: resp.Text})
	}
	return resp, nil
}

func (p *fakeProvider) ModelID() string { return "fake-model" }
func (p *fakeProvider) MaxTokens() int  { return 4096 }

type serverFixture struct {
	server    *Server
	stories   *story.Store
	fragments *fragment.Store
	sched     *librarian.Scheduler
	actives   *active.Registry
	storyID   string
}

func setupServer(t *testing.T, provider llm.Provider) *serverFixture {
	t.Helper()
	dir := t.TempDir()
	logger := zerolog.Nop()

	stories := story.NewStore(dir, logger)
	fragments := fragment.NewStore(dir, logger)
	logs := genlog.NewStore(dir, logger)
	agents := agent.NewRegistry()
	actives := active.NewRegistry()
	t.Cleanup(actives.Clear)

	sched := librarian.NewScheduler(dir, time.Hour, agents, stories, fragments, actives, agent.DefaultOptions(), logger)
	t.Cleanup(sched.Clear)

	p, err := pipeline.New(pipeline.Deps{
		Stories:      stories,
		Fragments:    fragments,
		Logs:         logs,
		Instructions: instruction.NewRegistry(logger),
		Blocks:       block.NewEngine(250*time.Millisecond, logger),
		Builder:      compose.NewBuilder(stories, fragments, logger),
		Agents:       agents,
		Provider:     provider,
		Scheduler:    sched,
		Actives:      actives,
		Metrics:      metrics.New(),
		AgentOpts:    agent.DefaultOptions(),
		HighWater:    1024,
		Logger:       logger,
	})
	require.NoError(t, err)

	checker := health.NewChecker(logger)
	checker.Register("data_dir", health.DataDirCheck(dir))

	srv := New(Deps{
		Stories:   stories,
		Fragments: fragments,
		Logs:      logs,
		Pipeline:  p,
		Scheduler: sched,
		Actives:   actives,
		Plugins:   plugin.NewLoader(dir+"/plugins", logger),
		Checker:   checker,
		Metrics:   metrics.New(),
		Logger:    logger,
	})

	st, err := stories.Create(story.CreateInput{Name: "Voyage"})
	require.NoError(t, err)

	return &serverFixture{
		server:    srv,
		stories:   stories,
		fragments: fragments,
		sched:     sched,
		actives:   actives,
		storyID:   st.ID,
	}
}

func (fx *serverFixture) request(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := fx.server.App().Test(req, 10000)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func TestCreateFragmentEndpoint(t *testing.T) {
	fx := setupServer(t, &fakeProvider{})

	status, raw := fx.request(t, "POST", "/stories/"+fx.storyID+"/fragments", map[string]any{
		"type": "character", "name": "A", "description": "d", "content": "c",
	})
	require.Equal(t, 201, status, string(raw))

	var f fragment.Fragment
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Regexp(t, `^ch-[a-z0-9]{6}$`, f.ID)
	assert.Equal(t, 1, f.Version)
	assert.Empty(t, f.Versions)
}

func TestFragmentCRUDEndpoints(t *testing.T) {
	fx := setupServer(t, &fakeProvider{})

	_, raw := fx.request(t, "POST", "/stories/"+fx.storyID+"/fragments", map[string]any{
		"type": "knowledge", "name": "Gate", "content": "sealed",
	})
	var f fragment.Fragment
	require.NoError(t, json.Unmarshal(raw, &f))
	base := "/stories/" + fx.storyID + "/fragments/" + f.ID

	// Patch content twice → version 3, two snapshots.
	status, _ := fx.request(t, "PATCH", base, map[string]any{"content": "opened"})
	require.Equal(t, 200, status)
	status, raw = fx.request(t, "PATCH", base, map[string]any{"content": "destroyed"})
	require.Equal(t, 200, status)
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, 3, f.Version)
	require.Len(t, f.Versions, 2)
	assert.Equal(t, 1, f.Versions[0].Version)
	assert.Equal(t, 2, f.Versions[1].Version)

	// Version listing + revert.
	status, raw = fx.request(t, "GET", base+"/versions", nil)
	require.Equal(t, 200, status)
	var versions struct {
		Versions []fragment.Snapshot `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(raw, &versions))
	assert.Len(t, versions.Versions, 2)

	status, raw = fx.request(t, "POST", base+"/revert", map[string]any{"version": 1})
	require.Equal(t, 200, status)
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, "sealed", f.Content)

	// Tags.
	status, raw = fx.request(t, "PUT", base+"/tags", map[string]any{"tags": []string{"lore", "gate"}})
	require.Equal(t, 200, status)
	assert.Contains(t, string(raw), "lore")
	status, raw = fx.request(t, "GET", base+"/tags", nil)
	require.Equal(t, 200, status)
	var tags struct {
		Tags []string `json:"tags"`
	}
	require.NoError(t, json.Unmarshal(raw, &tags))
	assert.Equal(t, []string{"lore", "gate"}, tags.Tags)

	// Archive removes from default listing.
	status, _ = fx.request(t, "POST", base+"/archive", nil)
	require.Equal(t, 200, status)
	status, raw = fx.request(t, "GET", "/stories/"+fx.storyID+"/fragments", nil)
	require.Equal(t, 200, status)
	var listing struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(raw, &listing))
	assert.Equal(t, 0, listing.Total)

	// Delete.
	status, _ = fx.request(t, "DELETE", base, nil)
	require.Equal(t, 200, status)
	status, _ = fx.request(t, "GET", base, nil)
	assert.Equal(t, 404, status)
}

func TestCASConflictReturns409(t *testing.T) {
	fx := setupServer(t, &fakeProvider{})
	_, raw := fx.request(t, "POST", "/stories/"+fx.storyID+"/fragments", map[string]any{
		"type": "prose", "content": "v1",
	})
	var f fragment.Fragment
	require.NoError(t, json.Unmarshal(raw, &f))

	status, _ := fx.request(t, "PATCH", "/stories/"+fx.storyID+"/fragments/"+f.ID,
		map[string]any{"content": "v2", "ifVersion": 9})
	assert.Equal(t, 409, status)
}

func TestGenerateStreamsNDJSON(t *testing.T) {
	provider := &fakeProvider{steps: []*llm.CompletionResponse{
		{Text: "The ship sailed.", StopReason: llm.StopReasonEndTurn},
	}}
	fx := setupServer(t, provider)

	// One sticky guideline and two prose fragments.
	_, err := fx.fragments.Create(fx.storyID, fragment.CreateInput{
		Type: fragment.TypeGuideline, Name: "tone", Content: "grim", Sticky: true,
	})
	require.NoError(t, err)
	_, err = fx.fragments.Create(fx.storyID, fragment.CreateInput{Type: fragment.TypeProse, Content: "one"})
	require.NoError(t, err)
	_, err = fx.fragments.Create(fx.storyID, fragment.CreateInput{Type: fragment.TypeProse, Content: "two"})
	require.NoError(t, err)

	status, raw := fx.request(t, "POST", "/stories/"+fx.storyID+"/generate", map[string]any{
		"input": "continue", "saveResult": false,
	})
	require.Equal(t, 200, status)

	var events []stream.Event
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var ev stream.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev), scanner.Text())
		events = append(events, ev)
	}

	textCount, finishCount := 0, 0
	for _, ev := range events {
		switch ev.Type {
		case "text":
			textCount++
		case "finish":
			finishCount++
		}
	}
	assert.GreaterOrEqual(t, textCount, 1)
	assert.Equal(t, 1, finishCount)
	assert.Equal(t, "finish", events[len(events)-1].Type)

	// saveResult=false: still two prose fragments.
	sums, err := fx.fragments.ListSummaries(fx.storyID, fragment.TypeProse, false)
	require.NoError(t, err)
	assert.Len(t, sums, 2)
}

func TestGenerationLogEndpoints(t *testing.T) {
	provider := &fakeProvider{steps: []*llm.CompletionResponse{
		{Text: "prose", StopReason: llm.StopReasonEndTurn},
	}}
	fx := setupServer(t, provider)

	status, _ := fx.request(t, "POST", "/stories/"+fx.storyID+"/generate", map[string]any{"input": "go"})
	require.Equal(t, 200, status)

	var entries struct {
		Logs []genlog.IndexEntry `json:"logs"`
	}
	require.Eventually(t, func() bool {
		status, raw := fx.request(t, "GET", "/stories/"+fx.storyID+"/generation-logs", nil)
		if status != 200 {
			return false
		}
		require.NoError(t, json.Unmarshal(raw, &entries))
		return len(entries.Logs) == 1
	}, 2*time.Second, 20*time.Millisecond)

	status, raw := fx.request(t, "GET", "/stories/"+fx.storyID+"/generation-logs/"+entries.Logs[0].ID, nil)
	require.Equal(t, 200, status)
	var l genlog.Log
	require.NoError(t, json.Unmarshal(raw, &l))
	assert.Equal(t, "prose", l.GeneratedText)
}

func TestSuggestDirectionsEndpoint(t *testing.T) {
	provider := &fakeProvider{complete: &llm.CompletionResponse{
		Text:       `{"suggestions":[{"pacing":"slow","title":"T","description":"D","instruction":"I"}]}`,
		StopReason: llm.StopReasonEndTurn,
	}}
	fx := setupServer(t, provider)

	status, raw := fx.request(t, "POST", "/stories/"+fx.storyID+"/suggest-directions", map[string]any{"count": 1})
	require.Equal(t, 200, status, string(raw))
	var out pipeline.Directions
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.Suggestions, 1)
	assert.Equal(t, "T", out.Suggestions[0].Title)
}

func TestStoryEndpoints(t *testing.T) {
	fx := setupServer(t, &fakeProvider{})

	status, raw := fx.request(t, "POST", "/stories/", map[string]any{"name": "Second"})
	require.Equal(t, 201, status)
	var st story.Story
	require.NoError(t, json.Unmarshal(raw, &st))

	status, raw = fx.request(t, "GET", "/stories/", nil)
	require.Equal(t, 200, status)
	assert.Contains(t, string(raw), "Second")

	status, _ = fx.request(t, "PATCH", "/stories/"+st.ID, map[string]any{"description": "updated"})
	require.Equal(t, 200, status)

	status, _ = fx.request(t, "DELETE", "/stories/"+st.ID, nil)
	require.Equal(t, 200, status)
	status, _ = fx.request(t, "GET", "/stories/"+st.ID, nil)
	assert.Equal(t, 404, status)
}

func TestBlockConfigEndpoints(t *testing.T) {
	fx := setupServer(t, &fakeProvider{})
	base := "/stories/" + fx.storyID + "/block-config"

	status, raw := fx.request(t, "GET", base, nil)
	require.Equal(t, 200, status)
	assert.Contains(t, string(raw), "customBlocks")

	status, _ = fx.request(t, "PUT", base, map[string]any{
		"customBlocks": []map[string]any{
			{"id": "cb-a1", "name": "tone", "role": "user", "enabled": true, "type": "simple", "content": "dark"},
		},
		"blockOrder": []string{"cb-a1"},
	})
	require.Equal(t, 200, status)

	status, raw = fx.request(t, "GET", base, nil)
	require.Equal(t, 200, status)
	var cfg block.Config
	require.NoError(t, json.Unmarshal(raw, &cfg))
	require.Len(t, cfg.CustomBlocks, 1)
	assert.Equal(t, []string{"cb-a1"}, cfg.BlockOrder)
}

func TestActiveAgentsEndpoint(t *testing.T) {
	fx := setupServer(t, &fakeProvider{})
	fx.actives.Register(fx.storyID, "writer")
	fx.actives.Register("st-other9", "analyze")

	status, raw := fx.request(t, "GET", "/stories/"+fx.storyID+"/active-agents", nil)
	require.Equal(t, 200, status)
	var out struct {
		Agents []active.Agent `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.Agents, 1)
	assert.Equal(t, "writer", out.Agents[0].AgentName)
}

func TestLibrarianStatusEndpoint(t *testing.T) {
	fx := setupServer(t, &fakeProvider{})
	status, raw := fx.request(t, "GET", "/stories/"+fx.storyID+"/librarian/status", nil)
	require.Equal(t, 200, status)
	assert.Contains(t, string(raw), "idle")
}

func TestHealthAndPlugins(t *testing.T) {
	fx := setupServer(t, &fakeProvider{})

	status, _ := fx.request(t, "GET", "/healthz", nil)
	assert.Equal(t, 200, status)
	status, _ = fx.request(t, "GET", "/readyz", nil)
	assert.Equal(t, 200, status)
	status, raw := fx.request(t, "GET", "/plugins", nil)
	assert.Equal(t, 200, status)
	assert.True(t, strings.Contains(string(raw), "plugins"))
}

func TestUnknownStoryIs404(t *testing.T) {
	fx := setupServer(t, &fakeProvider{})
	status, _ := fx.request(t, "GET", "/stories/st-none00", nil)
	assert.Equal(t, 404, status)
	status, _ = fx.request(t, "POST", "/stories/st-none00/generate", map[string]any{"input": "x"})
	assert.Equal(t, 404, status)
	status, _ = fx.request(t, "GET", "/stories/st-none00/fragments", nil)
	assert.Equal(t, 404, status)
}
