package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/storyloom/storyloom/internal/errors"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	defaultMaxTokens    = 4096
	defaultModel        = "claude-sonnet-4-5"

	defaultRetryAttempts = 3
	defaultRetryBase     = 400 * time.Millisecond
	retryCeiling         = 8 * time.Second
)

// AnthropicProvider implements Provider using the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey        string
	baseURL       string
	model         string
	maxTokens     int
	client        *http.Client
	retryAttempts int
	retryBase     time.Duration
	logger        zerolog.Logger
}

// AnthropicOption configures the provider.
type AnthropicOption func(*AnthropicProvider)

func WithModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) { p.model = model }
}

func WithMaxTokens(n int) AnthropicOption {
	return func(p *AnthropicProvider) { p.maxTokens = n }
}

func WithHTTPClient(c *http.Client) AnthropicOption {
	return func(p *AnthropicProvider) { p.client = c }
}

// WithRetryPolicy sets how many attempts a request gets and the base jitter
// window between them.
func WithRetryPolicy(attempts int, base time.Duration) AnthropicOption {
	return func(p *AnthropicProvider) {
		p.retryAttempts = attempts
		p.retryBase = base
	}
}

// WithBaseURL points the provider at a different API endpoint. Used by tests
// and API-compatible gateways.
func WithBaseURL(u string) AnthropicOption {
	return func(p *AnthropicProvider) { p.baseURL = u }
}

func WithLogger(l zerolog.Logger) AnthropicOption {
	return func(p *AnthropicProvider) { p.logger = l }
}

// NewAnthropicProvider constructs a new Anthropic provider.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		apiKey:        apiKey,
		baseURL:       anthropicAPIBase,
		model:         defaultModel,
		maxTokens:     defaultMaxTokens,
		client:        &http.Client{Timeout: 300 * time.Second},
		retryAttempts: defaultRetryAttempts,
		retryBase:     defaultRetryBase,
		logger:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.With().Str("component", "anthropic").Logger()
	return p
}

func (p *AnthropicProvider) ModelID() string { return p.model }
func (p *AnthropicProvider) MaxTokens() int  { return p.maxTokens }

// ---- Anthropic wire types ----

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []block
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
	Error      *anthropicError         `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// buildMessages converts []Message to the wire shape, expanding tool uses and
// tool results into content blocks.
func buildMessages(msgs []Message) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case len(m.ToolResults) > 0:
			blocks := make([]any, 0, len(m.ToolResults))
			for _, tr := range m.ToolResults {
				block := map[string]any{
					"type":        "tool_result",
					"tool_use_id": tr.ToolUseID,
					"content":     tr.Content,
				}
				if tr.IsError {
					block["is_error"] = true
				}
				blocks = append(blocks, block)
			}
			out = append(out, anthropicMessage{Role: RoleUser, Content: blocks})
		case len(m.ToolUses) > 0:
			blocks := make([]any, 0, len(m.ToolUses)+1)
			if m.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": m.Content})
			}
			for _, tu := range m.ToolUses {
				input := tu.Input
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tu.ID,
					"name":  tu.Name,
					"input": input,
				})
			}
			out = append(out, anthropicMessage{Role: m.Role, Content: blocks})
		default:
			out = append(out, anthropicMessage{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

func (p *AnthropicProvider) buildRequest(req CompletionRequest, stream bool) anthropicRequest {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	maxTok := p.maxTokens
	if req.MaxTokens > 0 {
		maxTok = req.MaxTokens
	}

	ar := anthropicRequest{
		Model:     model,
		MaxTokens: maxTok,
		System:    req.SystemPrompt,
		Messages:  buildMessages(req.Messages),
		Stream:    stream,
	}
	for _, t := range req.Tools {
		ar.Tools = append(ar.Tools, anthropicTool(t))
	}
	return ar
}

// doRequest posts the request. Transport failures and transient upstream
// statuses are retried on a full-jitter schedule; a retried status carrying
// Retry-After waits that long instead, capped at the ceiling. Everything else
// fails immediately.
func (p *AnthropicProvider) doRequest(ctx context.Context, ar anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(ar)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	delay := time.Duration(0)
	for attempt := 0; attempt < p.retryAttempts; attempt++ {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			p.baseURL+"/messages", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", p.apiKey)
		httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

		r, err := p.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("anthropic http: %w", err)
			delay = p.backoff(attempt, "")
			continue
		}
		if r.StatusCode == http.StatusOK {
			return r, nil
		}

		raw, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
		r.Body.Close()
		apiErr := &serrors.APIError{Service: "anthropic", StatusCode: r.StatusCode, Message: apiErrorMessage(raw)}
		if !serrors.IsRetryable(apiErr) {
			return nil, apiErr
		}
		lastErr = apiErr
		delay = p.backoff(attempt, r.Header.Get("Retry-After"))
		p.logger.Debug().Int("status", r.StatusCode).Dur("delay", delay).Int("attempt", attempt).Msg("retrying anthropic request")
	}
	return nil, lastErr
}

// backoff picks a random delay within a window that doubles per attempt, up
// to the ceiling. A parseable Retry-After header replaces the jittered delay,
// capped at the ceiling.
func (p *AnthropicProvider) backoff(attempt int, retryAfter string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs > 0 {
		d := time.Duration(secs) * time.Second
		if d > retryCeiling {
			d = retryCeiling
		}
		return d
	}
	window := p.retryBase << uint(attempt)
	if window <= 0 {
		window = defaultRetryBase
	}
	if window > retryCeiling {
		window = retryCeiling
	}
	return time.Millisecond + time.Duration(rand.Int63n(int64(window)))
}

func apiErrorMessage(raw []byte) string {
	var body struct {
		Error *anthropicError `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != nil {
		return body.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

// Complete sends a blocking completion request.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ar := p.buildRequest(req, false)
	resp, err := p.doRequest(ctx, ar)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var ar2 anthropicResponse
	if err := json.Unmarshal(raw, &ar2); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if ar2.Error != nil {
		return nil, fmt.Errorf("anthropic api error %s: %s", ar2.Error.Type, ar2.Error.Message)
	}

	out := &CompletionResponse{
		StopReason:   ar2.StopReason,
		InputTokens:  ar2.Usage.InputTokens,
		OutputTokens: ar2.Usage.OutputTokens,
	}
	for _, block := range ar2.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "thinking":
			out.Reasoning += block.Text
		case "tool_use":
			out.ToolUses = append(out.ToolUses, ToolUse{ID: block.ID, Name: block.Name, Input: block.Input})
		}
	}

	p.logger.Debug().
		Str("model", ar.Model).
		Str("stop_reason", out.StopReason).
		Int("in_tokens", out.InputTokens).
		Int("out_tokens", out.OutputTokens).
		Msg("anthropic complete")
	return out, nil
}

// ---- streaming ----

type sseEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Usage anthropicUsage  `json:"usage"`
	Error *anthropicError `json:"error"`
}

type toolAccumulator struct {
	id   string
	name string
	buf  strings.Builder
}

// StreamStep streams one model step over SSE, emitting parts as they arrive.
func (p *AnthropicProvider) StreamStep(ctx context.Context, req CompletionRequest, emit func(Part)) (*CompletionResponse, error) {
	ar := p.buildRequest(req, true)
	resp, err := p.doRequest(ctx, ar)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &CompletionResponse{}
	tools := map[int]*toolAccumulator{}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("stream canceled: %w", serrors.ErrStreamAborted)
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var ev sseEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			out.InputTokens = ev.Message.Usage.InputTokens

		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				tools[ev.Index] = &toolAccumulator{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			}

		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				out.Text += ev.Delta.Text
				emit(Part{Type: PartTextDelta, Text: ev.Delta.Text})
			case "thinking_delta":
				out.Reasoning += ev.Delta.Thinking
				emit(Part{Type: PartReasoningDelta, Text: ev.Delta.Thinking})
			case "input_json_delta":
				if acc, ok := tools[ev.Index]; ok {
					acc.buf.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if acc, ok := tools[ev.Index]; ok {
				args := json.RawMessage(acc.buf.String())
				if !json.Valid(args) || len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				tu := ToolUse{ID: acc.id, Name: acc.name, Input: args}
				out.ToolUses = append(out.ToolUses, tu)
				emit(Part{Type: PartToolCall, ID: tu.ID, ToolName: tu.Name, Args: tu.Input})
				delete(tools, ev.Index)
			}

		case "message_delta":
			if ev.Delta.StopReason != "" {
				out.StopReason = ev.Delta.StopReason
			}
			if ev.Usage.OutputTokens > 0 {
				out.OutputTokens = ev.Usage.OutputTokens
			}

		case "error":
			return nil, fmt.Errorf("anthropic stream error %s: %s", ev.Error.Type, ev.Error.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("stream canceled: %w", serrors.ErrStreamAborted)
		}
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if out.StopReason == "" {
		out.StopReason = StopReasonEndTurn
	}

	p.logger.Debug().
		Str("stop_reason", out.StopReason).
		Int("tool_uses", len(out.ToolUses)).
		Msg("anthropic stream step done")
	return out, nil
}
