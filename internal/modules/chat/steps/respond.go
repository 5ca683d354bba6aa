package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	chatrepos "github.com/strandlabs/strand/internal/data/repos/chat"
	types "github.com/strandlabs/strand/internal/domain"
	"github.com/strandlabs/strand/internal/inference/client"
	"github.com/strandlabs/strand/internal/pkg/dbctx"
	pkgerrors "github.com/strandlabs/strand/internal/pkg/errors"
	"github.com/strandlabs/strand/internal/pkg/logger"
	"github.com/strandlabs/strand/internal/platform/vectorstore"
)

// StepInfo is handed to the OnStep hook after each model step.
type StepInfo struct {
	ThreadID     uuid.UUID
	MessageID    uuid.UUID
	Step         int
	FinishReason string
	Usage        client.Usage
	Raw          json.RawMessage
}

// Hooks carry best-effort side effects. A panicking hook is logged and
// never blocks persistence.
type Hooks struct {
	OnStep func(ctx context.Context, info StepInfo)
}

type ResponderDeps struct {
	Threads   chatrepos.ChatThreadRepo
	Messages  chatrepos.ChatMessageRepo
	Streams   chatrepos.ChatStreamRepo
	Fetcher   *ContextFetcher
	Inference client.Client
	Vectors   vectorstore.VectorStore
	Tools     *ToolRegistry
	Defaults  GenerateOptions
	Hooks     Hooks
	Sink      SinkOptions
	Log       *logger.Logger
}

// Responder runs the generation loop: persist input, assemble context,
// call the model step by step, execute tools and persist each step
// anchored to the prompt's ord.
type Responder struct {
	threads   chatrepos.ChatThreadRepo
	messages  chatrepos.ChatMessageRepo
	streams   chatrepos.ChatStreamRepo
	fetcher   *ContextFetcher
	inference client.Client
	vectors   vectorstore.VectorStore
	tools     *ToolRegistry
	defaults  GenerateOptions
	hooks     Hooks
	sinkOpts  SinkOptions
	log       *logger.Logger
}

func NewResponder(deps ResponderDeps) *Responder {
	tools := deps.Tools
	if tools == nil {
		tools, _ = NewToolRegistry()
	}
	return &Responder{
		threads:   deps.Threads,
		messages:  deps.Messages,
		streams:   deps.Streams,
		fetcher:   deps.Fetcher,
		inference: deps.Inference,
		vectors:   deps.Vectors,
		tools:     tools,
		defaults:  deps.Defaults,
		hooks:     deps.Hooks,
		sinkOpts:  deps.Sink,
		log:       deps.Log.With("step", "Responder"),
	}
}

type RespondInput struct {
	ThreadID uuid.UUID
	UserID   *uuid.UUID
	// Messages are the new input for a fresh turn; the last one is the
	// prompt the generation anchors to.
	Messages []types.MessageContent
	// PromptMessageID resumes an existing turn instead (after an approval
	// decision landed); Messages must be empty then.
	PromptMessageID *uuid.UUID
	Options         GenerateOptions
	// Stream persists incremental deltas through a StreamSink and emits
	// events to OnEvent when set.
	Stream  bool
	OnEvent func(ev client.Event) error
}

type RespondResult struct {
	MessageID    uuid.UUID
	Ord          int64
	Messages     []*types.ChatMessage
	Parts        []types.Part
	FinishReason string
	Usage        client.Usage
	Steps        int
	StreamID     uuid.UUID
}

func (r *Responder) Respond(ctx context.Context, in RespondInput) (*RespondResult, error) {
	if in.ThreadID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id: %w", pkgerrors.ErrInvalidArgument)
	}
	resume := in.PromptMessageID != nil && *in.PromptMessageID != uuid.Nil
	if !resume && len(in.Messages) == 0 {
		return nil, fmt.Errorf("no input messages: %w", pkgerrors.ErrInvalidArgument)
	}
	if resume && len(in.Messages) > 0 {
		return nil, fmt.Errorf("resume takes no new messages: %w", pkgerrors.ErrInvalidArgument)
	}
	dbc := dbctx.Context{Ctx: ctx}

	thread, err := r.threads.GetByID(dbc, in.ThreadID)
	if err != nil {
		return nil, err
	}
	userID := in.UserID
	if userID == nil {
		userID = thread.UserID
	}
	opts := ResolveGenerateOptions(r.defaults, thread, in.Options)

	var (
		anchor *types.ChatMessage
		conv   []types.MessageContent
	)
	if resume {
		anchor, err = r.messages.GetByID(dbc, *in.PromptMessageID)
		if err != nil {
			return nil, err
		}
		if anchor.ThreadID != in.ThreadID {
			return nil, fmt.Errorf("prompt message %s not in thread: %w", anchor.ID, pkgerrors.ErrInvalidArgument)
		}
	}

	fetchIn := FetchInput{
		ThreadID: &in.ThreadID,
		UserID:   userID,
		Messages: in.Messages,
		Options:  *opts.Context,
	}
	if resume {
		fetchIn.TargetMessageID = &anchor.ID
	}
	fetched, err := r.fetcher.Fetch(dbc, fetchIn)
	if err != nil {
		return nil, err
	}

	if resume {
		group, err := r.messages.ListByOrd(dbc, in.ThreadID, anchor.Ord)
		if err != nil {
			return nil, err
		}
		inGroup := map[uuid.UUID]bool{}
		for _, m := range group {
			inGroup[m.ID] = true
		}
		for _, cm := range fetched.Ordered() {
			if !inGroup[cm.Msg.ID] {
				conv = append(conv, cm.Content)
			}
		}
		for _, m := range group {
			if m.Status == types.MessageStatusFailed {
				continue
			}
			content, err := m.DecodeContent()
			if err != nil {
				return nil, err
			}
			conv = append(conv, content)
		}
	} else {
		rows := make([]*types.ChatMessage, 0, len(in.Messages))
		for _, content := range in.Messages {
			if content.Role == "" {
				content.Role = types.RoleUser
			}
			row := &types.ChatMessage{UserID: userID}
			if err := row.SetContent(content); err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		rows, err = r.messages.Append(dbc, in.ThreadID, rows, chatrepos.AppendOptions{})
		if err != nil {
			return nil, err
		}
		anchor = rows[len(rows)-1]
		r.embedPrompt(dbc, userID, anchor)

		for _, cm := range fetched.Ordered() {
			conv = append(conv, cm.Content)
		}
		for _, row := range rows {
			content, err := row.DecodeContent()
			if err != nil {
				return nil, err
			}
			conv = append(conv, content)
		}
	}

	var sink *StreamSink
	if in.Stream {
		sink = NewStreamSink(r.streams, r.messages, r.log, in.ThreadID, anchor.Ord, anchor.StepOrder+1, r.sinkOpts)
		sink.SetAnchor(anchor.ID)
	}

	res, err := r.runSteps(ctx, dbc, in, userID, anchor, conv, opts, sink)
	if err != nil {
		if sink != nil {
			if abortErr := sink.Abort(dbc, err.Error()); abortErr != nil {
				r.log.Warn("stream abort failed", "error", abortErr)
			}
		}
		if rbErr := r.messages.Rollback(dbc, anchor.ID, err.Error()); rbErr != nil {
			r.log.Error("rollback failed", "message_id", anchor.ID, "error", rbErr)
		}
		return nil, err
	}
	if sink != nil {
		if err := sink.Finish(dbc); err != nil {
			r.log.Warn("stream finish failed", "error", err)
		}
		res.StreamID = sink.StreamID()
	}
	if err := r.messages.Commit(dbc, anchor.ID); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Responder) runSteps(ctx context.Context, dbc dbctx.Context, in RespondInput, userID *uuid.UUID, anchor *types.ChatMessage, conv []types.MessageContent, opts GenerateOptions, sink *StreamSink) (*RespondResult, error) {
	res := &RespondResult{MessageID: anchor.ID, Ord: anchor.Ord}
	specs := r.toolSpecs()

	for step := 0; step < opts.MaxSteps; step++ {
		req := client.Request{
			Model:       opts.Model,
			System:      opts.System,
			Messages:    conv,
			Tools:       specs,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
			SchemaName:  opts.SchemaName,
			Schema:      opts.Schema,
		}

		stepRes, err := r.invoke(ctx, dbc, req, sink, in.OnEvent)
		if err != nil {
			return nil, err
		}

		assistantParts := stepRes.Parts
		toolCalls := extractToolCalls(assistantParts)

		var (
			resultParts    []types.Part
			allHaveResults = true
			stopRequested  bool
		)
		callCtx := CallContext{UserID: userID, ThreadID: in.ThreadID, MessageID: anchor.ID}
		for _, call := range toolCalls {
			tool, ok := r.tools.Get(call.ToolName)
			if !ok {
				resultParts = append(resultParts, types.ToolResultPart{
					ToolCallID: call.ToolCallID,
					ToolName:   call.ToolName,
					Output:     types.ToolOutput{Type: types.ToolOutputError, Value: "unknown tool: " + call.ToolName},
				})
				continue
			}
			if tool.NeedsApproval {
				// Execution waits for a human decision; the request part is
				// the only thing persisted this step.
				reqPart := types.ApprovalRequestPart{ApprovalID: uuid.NewString(), ToolCallID: call.ToolCallID}
				assistantParts = append(assistantParts, reqPart)
				if sink != nil {
					if err := sink.AddParts(dbc, reqPart); err != nil {
						return nil, err
					}
				}
				allHaveResults = false
				continue
			}
			output, execErr := tool.Execute(ctx, callCtx, call.Input)
			if execErr != nil {
				// The model gets to see the failure and react; an error
				// result still counts as a result for continuation.
				output = types.ToolOutput{Type: types.ToolOutputError, Value: execErr.Error()}
			}
			resultParts = append(resultParts, types.ToolResultPart{
				ToolCallID: call.ToolCallID,
				ToolName:   call.ToolName,
				Output:     output,
			})
			if execErr == nil && output.Type != types.ToolOutputError && output.Type != types.ToolOutputExecutionDenied &&
				opts.StopWhen != nil && opts.StopWhen(call.ToolName, output) {
				stopRequested = true
			}
		}

		willContinue := stepRes.FinishReason == client.FinishToolCalls &&
			len(toolCalls) > 0 && allHaveResults && !stopRequested && step+1 < opts.MaxSteps

		rows, err := r.stepRows(userID, assistantParts, resultParts, stepRes, opts)
		if err != nil {
			return nil, err
		}
		appended, err := r.messages.Append(dbc, in.ThreadID, rows, chatrepos.AppendOptions{
			PromptMessageID:  &anchor.ID,
			Pending:          willContinue,
			FailPendingSteps: step == 0,
		})
		if err != nil {
			return nil, err
		}

		res.Messages = append(res.Messages, appended...)
		res.Parts = assistantParts
		res.FinishReason = stepRes.FinishReason
		res.Usage.InputTokens += stepRes.Usage.InputTokens
		res.Usage.OutputTokens += stepRes.Usage.OutputTokens
		res.Usage.TotalTokens += stepRes.Usage.TotalTokens
		res.Steps = step + 1

		r.fireOnStep(ctx, StepInfo{
			ThreadID:     in.ThreadID,
			MessageID:    appended[0].ID,
			Step:         step,
			FinishReason: stepRes.FinishReason,
			Usage:        stepRes.Usage,
			Raw:          stepRes.Raw,
		})

		if !willContinue {
			break
		}
		for _, row := range appended {
			content, err := row.DecodeContent()
			if err != nil {
				return nil, err
			}
			conv = append(conv, content)
		}
	}
	return res, nil
}

func (r *Responder) invoke(ctx context.Context, dbc dbctx.Context, req client.Request, sink *StreamSink, onEvent func(client.Event) error) (*client.Result, error) {
	if sink == nil && onEvent == nil {
		return r.inference.Generate(ctx, req)
	}
	return r.inference.Stream(ctx, req, func(ev client.Event) error {
		if onEvent != nil {
			if err := onEvent(ev); err != nil {
				return err
			}
		}
		if sink == nil {
			return nil
		}
		switch ev.Type {
		case client.EventTextDelta:
			return sink.AddParts(dbc, types.TextPart{Text: ev.TextDelta})
		case client.EventReasoningDelta:
			return sink.AddParts(dbc, types.ReasoningPart{Text: ev.TextDelta})
		case client.EventToolCall:
			return sink.AddParts(dbc, *ev.ToolCall)
		}
		return nil
	})
}

// stepRows serializes one step's output: the assistant message plus, if
// any tool ran, one trailing tool message.
func (r *Responder) stepRows(userID *uuid.UUID, assistantParts, resultParts []types.Part, stepRes *client.Result, opts GenerateOptions) ([]*types.ChatMessage, error) {
	model := opts.Model
	if model == "" {
		model = r.inference.Model()
	}
	usage, err := json.Marshal(stepRes.Usage)
	if err != nil {
		return nil, err
	}

	assistant := &types.ChatMessage{
		UserID:       userID,
		Model:        model,
		FinishReason: stepRes.FinishReason,
		Usage:        datatypes.JSON(usage),
	}
	if err := assistant.SetContent(types.MessageContent{Role: types.RoleAssistant, Parts: assistantParts}); err != nil {
		return nil, err
	}
	rows := []*types.ChatMessage{assistant}

	if len(resultParts) > 0 {
		toolMsg := &types.ChatMessage{UserID: userID}
		if err := toolMsg.SetContent(types.MessageContent{Role: types.RoleTool, Parts: resultParts}); err != nil {
			return nil, err
		}
		rows = append(rows, toolMsg)
	}
	return rows, nil
}

func (r *Responder) toolSpecs() []client.ToolSpec {
	tools := r.tools.List()
	if len(tools) == 0 {
		return nil
	}
	specs := make([]client.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, client.ToolSpec{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return specs
}

// embedPrompt indexes the prompt text for later vector retrieval. Purely
// a retrieval aid: failures are logged, never fatal to the generation.
func (r *Responder) embedPrompt(dbc dbctx.Context, userID *uuid.UUID, row *types.ChatMessage) {
	if r.vectors == nil || r.inference == nil || strings.TrimSpace(r.inference.EmbedModel()) == "" {
		return
	}
	if row.EmbeddingID != nil || strings.TrimSpace(row.Text) == "" {
		return
	}
	ctx := dbc.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	vecs, err := r.inference.EmbedMany(ctx, []string{row.Text})
	if err != nil {
		r.log.Warn("prompt embedding failed", "message_id", row.ID, "error", err)
		return
	}
	threadID := row.ThreadID
	ns := searchNamespace(&threadID, userID)
	err = r.vectors.Upsert(ctx, ns, []vectorstore.Vector{{
		ID:     row.ID.String(),
		Values: vecs[0],
		Metadata: map[string]any{
			"thread_id": row.ThreadID.String(),
			"ord":       row.Ord,
		},
	}})
	if err != nil {
		r.log.Warn("vector upsert failed", "message_id", row.ID, "error", err)
		return
	}
	embeddingID := row.ID.String()
	if err := r.messages.UpdateFields(dbc, row.ID, map[string]interface{}{"embedding_id": embeddingID}); err != nil {
		r.log.Warn("embedding id update failed", "message_id", row.ID, "error", err)
	}
}

func (r *Responder) fireOnStep(ctx context.Context, info StepInfo) {
	if r.hooks.OnStep == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn("on-step hook panicked", "recover", rec)
		}
	}()
	r.hooks.OnStep(ctx, info)
}

func extractToolCalls(parts []types.Part) []types.ToolCallPart {
	var calls []types.ToolCallPart
	for _, p := range parts {
		if call, ok := p.(types.ToolCallPart); ok {
			calls = append(calls, call)
		}
	}
	return calls
}
