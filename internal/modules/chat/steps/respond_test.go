package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	chatrepos "github.com/strandlabs/strand/internal/data/repos/chat"
	types "github.com/strandlabs/strand/internal/domain"
	"github.com/strandlabs/strand/internal/inference/client"
	"github.com/strandlabs/strand/internal/pkg/dbctx"
	"github.com/strandlabs/strand/internal/pkg/logger"
	"github.com/strandlabs/strand/internal/testsupport"
)

// fakeModel replays one scripted outcome per step.
type fakeModel struct {
	outcomes []fakeStep
	calls    int
}

type fakeStep struct {
	res *client.Result
	err error
}

func (f *fakeModel) next() (*client.Result, error) {
	if f.calls >= len(f.outcomes) {
		return nil, fmt.Errorf("unscripted model step %d", f.calls)
	}
	step := f.outcomes[f.calls]
	f.calls++
	return step.res, step.err
}

func (f *fakeModel) Generate(ctx context.Context, req client.Request) (*client.Result, error) {
	return f.next()
}

func (f *fakeModel) Stream(ctx context.Context, req client.Request, onEvent func(client.Event) error) (*client.Result, error) {
	return f.next()
}

func (f *fakeModel) EmbedMany(ctx context.Context, inputs []string) ([][]float32, error) {
	return nil, errors.New("no embeddings")
}

func (f *fakeModel) Model() string      { return "fake-model" }
func (f *fakeModel) EmbedModel() string { return "" }

type responderFixture struct {
	responder *Responder
	messages  chatrepos.ChatMessageRepo
	threadID  uuid.UUID
	dbc       dbctx.Context
}

func setupResponder(t *testing.T, model *fakeModel, tools ...Tool) responderFixture {
	t.Helper()
	db := testsupport.OpenDB(t)
	log := logger.NewNop()
	threads := chatrepos.NewChatThreadRepo(db, log)
	messages := chatrepos.NewChatMessageRepo(db, log)
	streams := chatrepos.NewChatStreamRepo(db, log)
	dbc := dbctx.Context{Ctx: context.Background()}

	thread, err := threads.Create(dbc, &types.ChatThread{Title: "t"})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	registry, err := NewToolRegistry(tools...)
	if err != nil {
		t.Fatalf("tool registry: %v", err)
	}
	responder := NewResponder(ResponderDeps{
		Threads:   threads,
		Messages:  messages,
		Streams:   streams,
		Fetcher:   NewContextFetcher(messages, nil, nil, log),
		Inference: model,
		Tools:     registry,
		Defaults:  GenerateOptions{Model: "fake-model"},
		Log:       log,
	})
	return responderFixture{responder: responder, messages: messages, threadID: thread.ID, dbc: dbc}
}

func userPrompt(text string) []types.MessageContent {
	return []types.MessageContent{{
		Role:  types.RoleUser,
		Parts: []types.Part{types.TextPart{Text: text}},
	}}
}

func turnStatuses(t *testing.T, messages chatrepos.ChatMessageRepo, dbc dbctx.Context, threadID uuid.UUID, ord int64) []string {
	t.Helper()
	group, err := messages.ListByOrd(dbc, threadID, ord)
	if err != nil {
		t.Fatalf("list turn: %v", err)
	}
	out := make([]string, 0, len(group))
	for _, m := range group {
		out = append(out, m.Status)
	}
	return out
}

func TestRespondToolLoopRunsToCompletion(t *testing.T) {
	model := &fakeModel{outcomes: []fakeStep{
		{res: &client.Result{
			Parts: []types.Part{
				types.ToolCallPart{ToolCallID: "c1", ToolName: "lookupOrder", Input: []byte(`{"id":7}`)},
			},
			FinishReason: client.FinishToolCalls,
			Usage:        client.Usage{InputTokens: 10, OutputTokens: 4, TotalTokens: 14},
		}},
		{res: &client.Result{
			Parts:        []types.Part{types.TextPart{Text: "Order 7 holds 42 widgets."}},
			FinishReason: client.FinishStop,
			Usage:        client.Usage{InputTokens: 16, OutputTokens: 8, TotalTokens: 24},
		}},
	}}
	executed := 0
	fx := setupResponder(t, model, Tool{
		Name: "lookupOrder",
		Execute: func(ctx context.Context, call CallContext, input json.RawMessage) (types.ToolOutput, error) {
			executed++
			return types.ToolOutput{Type: types.ToolOutputText, Value: "42 widgets"}, nil
		},
	})

	res, err := fx.responder.Respond(fx.dbc.Ctx, RespondInput{
		ThreadID: fx.threadID,
		Messages: userPrompt("how many widgets in order 7?"),
		Options:  GenerateOptions{Context: &ContextOptions{}},
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}

	if res.Steps != 2 {
		t.Fatalf("steps: want=2 got=%d", res.Steps)
	}
	if res.FinishReason != client.FinishStop {
		t.Fatalf("finish reason: want=%q got=%q", client.FinishStop, res.FinishReason)
	}
	if executed != 1 {
		t.Fatalf("tool executions: want=1 got=%d", executed)
	}
	if res.Usage.TotalTokens != 38 {
		t.Fatalf("usage total: want=38 got=%d", res.Usage.TotalTokens)
	}

	// Prompt, step-1 assistant, step-1 tool result, step-2 assistant,
	// every one committed once the loop ends.
	statuses := turnStatuses(t, fx.messages, fx.dbc, fx.threadID, res.Ord)
	if len(statuses) != 4 {
		t.Fatalf("turn rows: want=4 got=%d", len(statuses))
	}
	for i, status := range statuses {
		if status != types.MessageStatusSuccess {
			t.Fatalf("row %d status: want=%q got=%q", i, types.MessageStatusSuccess, status)
		}
	}
}

func TestRespondModelErrorFailsWholeTurn(t *testing.T) {
	errExploded := errors.New("model exploded")
	model := &fakeModel{outcomes: []fakeStep{
		{res: &client.Result{
			Parts: []types.Part{
				types.ToolCallPart{ToolCallID: "c1", ToolName: "lookupOrder", Input: []byte(`{}`)},
			},
			FinishReason: client.FinishToolCalls,
		}},
		{err: errExploded},
	}}
	fx := setupResponder(t, model, Tool{
		Name: "lookupOrder",
		Execute: func(ctx context.Context, call CallContext, input json.RawMessage) (types.ToolOutput, error) {
			return types.ToolOutput{Type: types.ToolOutputText, Value: "ok"}, nil
		},
	})

	_, err := fx.responder.Respond(fx.dbc.Ctx, RespondInput{
		ThreadID: fx.threadID,
		Messages: userPrompt("hi"),
		Options:  GenerateOptions{Context: &ContextOptions{}},
	})
	if !errors.Is(err, errExploded) {
		t.Fatalf("respond: want wrapped model error got %v", err)
	}

	// The prompt anchor and the half-finished step both end up failed;
	// nothing in the turn stays pending.
	statuses := turnStatuses(t, fx.messages, fx.dbc, fx.threadID, 0)
	if len(statuses) != 3 {
		t.Fatalf("turn rows: want=3 got=%d", len(statuses))
	}
	for i, status := range statuses {
		if status != types.MessageStatusFailed {
			t.Fatalf("row %d status: want=%q got=%q", i, types.MessageStatusFailed, status)
		}
	}
}

func TestRespondSuspendsOnApprovalGate(t *testing.T) {
	model := &fakeModel{outcomes: []fakeStep{
		{res: &client.Result{
			Parts: []types.Part{
				types.ToolCallPart{ToolCallID: "c1", ToolName: "deployRelease", Input: []byte(`{"env":"prod"}`)},
			},
			FinishReason: client.FinishToolCalls,
		}},
	}}
	executed := 0
	fx := setupResponder(t, model, Tool{
		Name:          "deployRelease",
		NeedsApproval: true,
		Execute: func(ctx context.Context, call CallContext, input json.RawMessage) (types.ToolOutput, error) {
			executed++
			return types.ToolOutput{Type: types.ToolOutputText, Value: "deployed"}, nil
		},
	})

	res, err := fx.responder.Respond(fx.dbc.Ctx, RespondInput{
		ThreadID: fx.threadID,
		Messages: userPrompt("ship it"),
		Options:  GenerateOptions{Context: &ContextOptions{}},
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}

	if res.Steps != 1 {
		t.Fatalf("steps: want=1 got=%d", res.Steps)
	}
	if model.calls != 1 {
		t.Fatalf("model calls: want=1 got=%d", model.calls)
	}
	if executed != 0 {
		t.Fatalf("gated tool executed without a decision: %d", executed)
	}

	group, err := fx.messages.ListByOrd(fx.dbc, fx.threadID, res.Ord)
	if err != nil {
		t.Fatalf("list turn: %v", err)
	}
	contents := make([]types.MessageContent, 0, len(group))
	for _, m := range group {
		if m.Status == types.MessageStatusPending {
			t.Fatalf("suspended turn left row %s pending", m.ID)
		}
		content, err := m.DecodeContent()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		contents = append(contents, content)
	}
	states := DeriveToolStates(contents)
	if len(states) != 1 || states[0].State != ToolStateApprovalRequested {
		t.Fatalf("derived state: want approval-requested got %+v", states)
	}
	if states[0].ApprovalID == "" {
		t.Fatalf("persisted approval request has no id")
	}
}
