package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	types "github.com/strandlabs/strand/internal/domain"
)

// Client talks to an OpenAI-compatible inference gateway. One Generate or
// Stream call is one model step; the generation loop lives with callers.
type Client interface {
	Generate(ctx context.Context, req Request) (*Result, error)
	Stream(ctx context.Context, req Request, onEvent func(Event) error) (*Result, error)
	EmbedMany(ctx context.Context, inputs []string) ([][]float32, error)
	Model() string
	EmbedModel() string
}

type Options struct {
	BaseURL string
	APIKey  string

	Model      string
	EmbedModel string

	Timeout       time.Duration
	StreamTimeout time.Duration
	MaxRetries    int

	HTTPClient *http.Client
}

type httpClient struct {
	baseURL string
	apiKey  string

	model      string
	embedModel string

	timeout       time.Duration
	streamTimeout time.Duration
	maxRetries    int

	hc *http.Client
}

func New(opts Options) (Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("baseURL required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &httpClient{
		baseURL:       baseURL,
		apiKey:        strings.TrimSpace(opts.APIKey),
		model:         strings.TrimSpace(opts.Model),
		embedModel:    strings.TrimSpace(opts.EmbedModel),
		timeout:       timeout,
		streamTimeout: opts.StreamTimeout,
		maxRetries:    maxRetries,
		hc:            hc,
	}, nil
}

func NewFromEnv() (Client, error) {
	baseURL := getEnv("STRAND_INFERENCE_URL", "")
	if baseURL == "" {
		return nil, errors.New("missing STRAND_INFERENCE_URL")
	}
	return New(Options{
		BaseURL:       baseURL,
		APIKey:        getEnv("STRAND_INFERENCE_API_KEY", ""),
		Model:         getEnv("STRAND_INFERENCE_MODEL", ""),
		EmbedModel:    getEnv("STRAND_INFERENCE_EMBED_MODEL", ""),
		Timeout:       time.Duration(intFromEnv("STRAND_INFERENCE_TIMEOUT_SECONDS", 120)) * time.Second,
		StreamTimeout: time.Duration(intFromEnv("STRAND_INFERENCE_STREAM_TIMEOUT_SECONDS", 0)) * time.Second,
		MaxRetries:    intFromEnv("STRAND_INFERENCE_MAX_RETRIES", 2),
	})
}

func (c *httpClient) Model() string      { return c.model }
func (c *httpClient) EmbedModel() string { return c.embedModel }

func (c *httpClient) Generate(ctx context.Context, req Request) (*Result, error) {
	body, err := c.buildChatRequest(req, false)
	if err != nil {
		return nil, err
	}
	var resp chatResponse
	raw, err := c.doJSON(ctx, c.timeout, http.MethodPost, "/v1/chat/completions", body, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("empty completion response")
	}
	choice := resp.Choices[0]
	parts := decodeChoiceParts(choice.Message.Content, choice.Message.ReasoningContent, choice.Message.ToolCalls)
	return &Result{
		Parts:        parts,
		FinishReason: normalizeFinishReason(choice.FinishReason, len(choice.Message.ToolCalls) > 0),
		Usage:        Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens, TotalTokens: resp.Usage.TotalTokens},
		Raw:          raw,
	}, nil
}

func (c *httpClient) Stream(ctx context.Context, req Request, onEvent func(Event) error) (*Result, error) {
	body, err := c.buildChatRequest(req, true)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}

	ctx2 := ctx
	var cancel context.CancelFunc
	if c.streamTimeout > 0 {
		ctx2, cancel = context.WithTimeout(ctx, c.streamTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx2, http.MethodPost, c.baseURL+"/v1/chat/completions", &buf)
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq, "application/json", "text/event-stream")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, parseHTTPError(resp.StatusCode, raw)
	}

	acc := newStreamAccumulator()
	err = streamSSE(resp.Body, func(_ string, data string) error {
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			return nil
		}
		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil
		}
		return acc.apply(chunk, onEvent)
	})
	if err != nil {
		return nil, err
	}
	return acc.finish(onEvent)
}

func (c *httpClient) EmbedMany(ctx context.Context, inputs []string) ([][]float32, error) {
	if strings.TrimSpace(c.embedModel) == "" {
		return nil, errors.New("missing embed model")
	}
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}
	req := embeddingsRequest{Model: c.embedModel, Input: normalizeStrings(inputs)}
	var resp embeddingsResponse
	if _, err := c.doJSON(ctx, c.timeout, http.MethodPost, "/v1/embeddings", req, &resp); err != nil {
		return nil, err
	}
	out := make([][]float32, len(inputs))
	for _, item := range resp.Data {
		if item.Index >= 0 && item.Index < len(out) {
			out[item.Index] = item.Embedding
		}
	}
	for i := range out {
		if out[i] == nil {
			return nil, fmt.Errorf("embedding missing for input %d", i)
		}
	}
	return out, nil
}

func (c *httpClient) buildChatRequest(req Request, stream bool) (chatRequest, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	if model == "" {
		return chatRequest{}, errors.New("missing model")
	}
	wire := chatRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if stream {
		wire.StreamOptions = map[string]any{"include_usage": true}
	}
	if strings.TrimSpace(req.System) != "" {
		wire.Messages = append(wire.Messages, wireMessage{Role: types.RoleSystem, Content: req.System})
	}
	for _, msg := range req.Messages {
		encoded, err := encodeMessage(msg)
		if err != nil {
			return chatRequest{}, err
		}
		wire.Messages = append(wire.Messages, encoded...)
	}
	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, wireTool{
			Type: "function",
			Function: wireToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	if req.Schema != nil {
		name := strings.TrimSpace(req.SchemaName)
		if name == "" {
			name = "response"
		}
		wire.ResponseFormat = &wireResponseFormat{
			Type:       "json_schema",
			JSONSchema: &wireJSONSchema{Name: name, Schema: req.Schema, Strict: true},
		}
	}
	return wire, nil
}

// encodeMessage flattens one stored message into wire messages. Approval
// request/response parts are workflow bookkeeping, not a model concept:
// the model sees their consequences as tool results (execution-denied),
// so they are skipped on the wire.
func encodeMessage(msg types.MessageContent) ([]wireMessage, error) {
	var (
		out       []wireMessage
		text      strings.Builder
		toolCalls []wireToolCall
	)
	for _, p := range msg.Parts {
		switch v := p.(type) {
		case types.TextPart:
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(v.Text)
		case types.ReasoningPart:
			// Model-internal; not replayed.
		case types.ImagePart:
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString("[image] " + v.URL)
		case types.FilePart:
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString("[file] " + v.Name)
		case types.ToolCallPart:
			toolCalls = append(toolCalls, wireToolCall{
				ID:   v.ToolCallID,
				Type: "function",
				Function: wireFunction{
					Name:      v.ToolName,
					Arguments: string(v.Input),
				},
			})
		case types.ToolResultPart:
			out = append(out, wireMessage{
				Role:       types.RoleTool,
				ToolCallID: v.ToolCallID,
				Content:    encodeToolOutput(v.Output),
			})
		case types.ApprovalRequestPart, types.ApprovalResponsePart:
			// Skipped; see above.
		default:
			return nil, fmt.Errorf("unknown part type %q", p.PartType())
		}
	}
	if text.Len() > 0 || len(toolCalls) > 0 {
		head := wireMessage{Role: msg.Role, Content: text.String(), ToolCalls: toolCalls}
		if head.Role == types.RoleTool {
			head.Role = types.RoleAssistant
		}
		out = append([]wireMessage{head}, out...)
	}
	return out, nil
}

func encodeToolOutput(out types.ToolOutput) string {
	switch out.Type {
	case types.ToolOutputText:
		return out.Value
	case types.ToolOutputJSON:
		return string(out.JSON)
	case types.ToolOutputError:
		return "Error: " + out.Value
	case types.ToolOutputExecutionDenied:
		if strings.TrimSpace(out.Reason) != "" {
			return "Execution denied: " + out.Reason
		}
		return "Execution denied."
	default:
		return out.Value
	}
}

func decodeChoiceParts(content, reasoning string, calls []wireToolCall) []types.Part {
	var parts []types.Part
	if strings.TrimSpace(reasoning) != "" {
		parts = append(parts, types.ReasoningPart{Text: reasoning})
	}
	if content != "" {
		parts = append(parts, types.TextPart{Text: content})
	}
	for _, call := range calls {
		parts = append(parts, types.ToolCallPart{
			ToolCallID: call.ID,
			ToolName:   call.Function.Name,
			Input:      json.RawMessage(call.Function.Arguments),
		})
	}
	return parts
}

func normalizeFinishReason(reason string, hasToolCalls bool) string {
	switch strings.TrimSpace(reason) {
	case "tool_calls", "tool-calls":
		return FinishToolCalls
	case "length":
		return FinishLength
	case "stop", "":
		if hasToolCalls {
			return FinishToolCalls
		}
		return FinishStop
	default:
		return strings.TrimSpace(reason)
	}
}

// streamAccumulator folds stream chunks into a final Result while
// forwarding delta events.
type streamAccumulator struct {
	text         strings.Builder
	reasoning    strings.Builder
	toolByIndex  map[int]*wireToolCall
	finishReason string
	usage        Usage
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{toolByIndex: map[int]*wireToolCall{}}
}

func (a *streamAccumulator) apply(chunk chatStreamChunk, onEvent func(Event) error) error {
	if chunk.Usage != nil {
		a.usage = Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
			TotalTokens:  chunk.Usage.TotalTokens,
		}
	}
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]
	if choice.FinishReason != "" {
		a.finishReason = choice.FinishReason
	}
	if d := choice.Delta.ReasoningContent; d != "" {
		a.reasoning.WriteString(d)
		if onEvent != nil {
			if err := onEvent(Event{Type: EventReasoningDelta, TextDelta: d}); err != nil {
				return err
			}
		}
	}
	if d := choice.Delta.Content; d != "" {
		a.text.WriteString(d)
		if onEvent != nil {
			if err := onEvent(Event{Type: EventTextDelta, TextDelta: d}); err != nil {
				return err
			}
		}
	}
	for _, tc := range choice.Delta.ToolCalls {
		entry, ok := a.toolByIndex[tc.Index]
		if !ok {
			entry = &wireToolCall{Type: "function"}
			a.toolByIndex[tc.Index] = entry
		}
		if tc.ID != "" {
			entry.ID = tc.ID
		}
		if tc.Function.Name != "" {
			entry.Function.Name = tc.Function.Name
		}
		entry.Function.Arguments += tc.Function.Arguments
	}
	return nil
}

func (a *streamAccumulator) finish(onEvent func(Event) error) (*Result, error) {
	indexes := make([]int, 0, len(a.toolByIndex))
	for i := range a.toolByIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	calls := make([]wireToolCall, 0, len(indexes))
	for _, i := range indexes {
		calls = append(calls, *a.toolByIndex[i])
	}
	parts := decodeChoiceParts(a.text.String(), a.reasoning.String(), calls)
	finish := normalizeFinishReason(a.finishReason, len(calls) > 0)

	if onEvent != nil {
		for _, p := range parts {
			if call, ok := p.(types.ToolCallPart); ok {
				callCopy := call
				if err := onEvent(Event{Type: EventToolCall, ToolCall: &callCopy}); err != nil {
					return nil, err
				}
			}
		}
		usage := a.usage
		if err := onEvent(Event{Type: EventFinish, FinishReason: finish, Usage: &usage}); err != nil {
			return nil, err
		}
	}
	return &Result{Parts: parts, FinishReason: finish, Usage: a.usage}, nil
}

func (c *httpClient) setHeaders(req *http.Request, contentType, accept string) {
	if strings.TrimSpace(contentType) != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if strings.TrimSpace(accept) != "" {
		req.Header.Set("Accept", accept)
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.apiKey))
	}
}

func (c *httpClient) doJSON(ctx context.Context, timeout time.Duration, method, path string, body any, out any) (json.RawMessage, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}

	ctx2 := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx2, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx2.Err() != nil {
			return nil, ctx2.Err()
		}
		req, err := http.NewRequestWithContext(ctx2, method, c.baseURL+path, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return nil, err
		}
		c.setHeaders(req, "application/json", "application/json")

		resp, err := c.hc.Do(req)
		if err != nil {
			lastErr = err
		} else {
			raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			_ = resp.Body.Close()
			if readErr != nil {
				return nil, readErr
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				lastErr = parseHTTPError(resp.StatusCode, raw)
			} else {
				if out != nil {
					if err := json.Unmarshal(raw, out); err != nil {
						return nil, err
					}
				}
				return raw, nil
			}
		}

		if attempt < c.maxRetries {
			select {
			case <-ctx2.Done():
				return nil, ctx2.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	if lastErr == nil {
		lastErr = errors.New("request failed")
	}
	return nil, lastErr
}

func normalizeStrings(inputs []string) []string {
	out := make([]string, len(inputs))
	for i := range inputs {
		s := strings.TrimSpace(inputs[i])
		if s == "" {
			s = " "
		}
		out[i] = s
	}
	return out
}

func getEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
