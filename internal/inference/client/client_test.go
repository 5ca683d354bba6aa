package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	types "github.com/strandlabs/strand/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Options{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		Model:      "test-model",
		EmbedModel: "test-embed",
		MaxRetries: 0,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestGenerateDecodesToolCalls(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices": [{
				"message": {
					"content": "Let me check.",
					"tool_calls": [{"id": "c1", "type": "function", "function": {"name": "searchDocs", "arguments": "{\"q\":\"widgets\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19}
		}`)
	})

	res, err := c.Generate(context.Background(), Request{
		System: "You are terse.",
		Messages: []types.MessageContent{
			{Role: types.RoleUser, Parts: []types.Part{types.TextPart{Text: "find widgets"}}},
		},
		Tools: []ToolSpec{{Name: "searchDocs", Description: "search the docs"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if got.Model != "test-model" {
		t.Fatalf("request model = %q", got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != types.RoleSystem || got.Messages[1].Content != "find widgets" {
		t.Fatalf("unexpected wire messages: %+v", got.Messages)
	}
	if len(got.Tools) != 1 || got.Tools[0].Function.Name != "searchDocs" {
		t.Fatalf("unexpected wire tools: %+v", got.Tools)
	}

	if res.FinishReason != FinishToolCalls {
		t.Fatalf("finish reason = %q", res.FinishReason)
	}
	if len(res.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(res.Parts))
	}
	text, ok := res.Parts[0].(types.TextPart)
	if !ok || text.Text != "Let me check." {
		t.Fatalf("unexpected first part: %+v", res.Parts[0])
	}
	call, ok := res.Parts[1].(types.ToolCallPart)
	if !ok || call.ToolCallID != "c1" || call.ToolName != "searchDocs" {
		t.Fatalf("unexpected tool call part: %+v", res.Parts[1])
	}
	if string(call.Input) != `{"q":"widgets"}` {
		t.Fatalf("tool call input = %s", call.Input)
	}
	if res.Usage.InputTokens != 12 || res.Usage.OutputTokens != 7 || res.Usage.TotalTokens != 19 {
		t.Fatalf("unexpected usage: %+v", res.Usage)
	}
}

func TestGenerateEncodesToolResults(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"done"},"finish_reason":"stop"}]}`)
	})

	_, err := c.Generate(context.Background(), Request{
		Messages: []types.MessageContent{
			{Role: types.RoleUser, Parts: []types.Part{types.TextPart{Text: "delete it"}}},
			{Role: types.RoleAssistant, Parts: []types.Part{
				types.ToolCallPart{ToolCallID: "c1", ToolName: "deleteFile", Input: json.RawMessage(`{"path":"a.txt"}`)},
				types.ApprovalRequestPart{ApprovalID: "a1", ToolCallID: "c1"},
				types.ApprovalResponsePart{ApprovalID: "a1"},
			}},
			{Role: types.RoleTool, Parts: []types.Part{
				types.ToolResultPart{ToolCallID: "c1", ToolName: "deleteFile", Output: types.ToolOutput{Type: types.ToolOutputExecutionDenied, Reason: "User denied"}},
			}},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(got.Messages) != 3 {
		t.Fatalf("expected 3 wire messages, got %d: %+v", len(got.Messages), got.Messages)
	}
	asst := got.Messages[1]
	if asst.Role != types.RoleAssistant || len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "c1" {
		t.Fatalf("unexpected assistant message: %+v", asst)
	}
	toolMsg := got.Messages[2]
	if toolMsg.Role != types.RoleTool || toolMsg.ToolCallID != "c1" {
		t.Fatalf("unexpected tool message: %+v", toolMsg)
	}
	if toolMsg.Content != "Execution denied: User denied" {
		t.Fatalf("tool message content = %q", toolMsg.Content)
	}
}

func TestStreamAccumulatesDeltas(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"lookup","arguments":"{\"id\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}`,
		}
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var (
		text   string
		events []EventType
	)
	res, err := c.Stream(context.Background(), Request{
		Messages: []types.MessageContent{{Role: types.RoleUser, Parts: []types.Part{types.TextPart{Text: "hi"}}}},
	}, func(ev Event) error {
		events = append(events, ev.Type)
		if ev.Type == EventTextDelta {
			text += ev.TextDelta
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if text != "Hello" {
		t.Fatalf("accumulated text = %q", text)
	}
	want := []EventType{EventTextDelta, EventTextDelta, EventToolCall, EventFinish}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v", events)
		}
	}

	if res.FinishReason != FinishToolCalls {
		t.Fatalf("finish reason = %q", res.FinishReason)
	}
	if len(res.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(res.Parts))
	}
	call, ok := res.Parts[1].(types.ToolCallPart)
	if !ok || call.ToolName != "lookup" || string(call.Input) != `{"id":1}` {
		t.Fatalf("unexpected tool call: %+v", res.Parts[1])
	}
	if res.Usage.TotalTokens != 8 {
		t.Fatalf("unexpected usage: %+v", res.Usage)
	}
}

func TestEmbedManyOrdersByIndex(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"data":[
			{"index":1,"embedding":[0.4,0.5]},
			{"index":0,"embedding":[0.1,0.2]}
		]}`)
	})

	out, err := c.EmbedMany(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("EmbedMany: %v", err)
	}
	if len(out) != 2 || out[0][0] != 0.1 || out[1][0] != 0.4 {
		t.Fatalf("unexpected embeddings: %v", out)
	}
}

func TestGenerateRetriesAfterServerError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"error":{"message":"upstream busy"}}`)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Options{BaseURL: srv.URL, Model: "test-model", MaxRetries: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := c.Generate(context.Background(), Request{
		Messages: []types.MessageContent{{Role: types.RoleUser, Parts: []types.Part{types.TextPart{Text: "hi"}}}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d", attempts)
	}
	if res.FinishReason != FinishStop {
		t.Fatalf("finish reason = %q", res.FinishReason)
	}
}

func TestNormalizeFinishReason(t *testing.T) {
	cases := []struct {
		reason   string
		hasCalls bool
		want     string
	}{
		{"tool_calls", false, FinishToolCalls},
		{"stop", true, FinishToolCalls},
		{"stop", false, FinishStop},
		{"", false, FinishStop},
		{"length", false, FinishLength},
		{"content_filter", false, "content_filter"},
	}
	for _, tc := range cases {
		if got := normalizeFinishReason(tc.reason, tc.hasCalls); got != tc.want {
			t.Errorf("normalizeFinishReason(%q, %v) = %q, want %q", tc.reason, tc.hasCalls, got, tc.want)
		}
	}
}
