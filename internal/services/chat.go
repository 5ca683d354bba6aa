package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/strandlabs/strand/internal/data/repos"
	chatrepos "github.com/strandlabs/strand/internal/data/repos/chat"
	types "github.com/strandlabs/strand/internal/domain"
	"github.com/strandlabs/strand/internal/inference/client"
	"github.com/strandlabs/strand/internal/modules/chat/steps"
	"github.com/strandlabs/strand/internal/pkg/ctxutil"
	"github.com/strandlabs/strand/internal/pkg/dbctx"
	pkgerrors "github.com/strandlabs/strand/internal/pkg/errors"
	"github.com/strandlabs/strand/internal/pkg/logger"
	"github.com/strandlabs/strand/internal/realtime"
)

// approvalScanLimit bounds how far back SubmitApproval searches for the
// approval-request message.
const approvalScanLimit = 500

type GenerateParams struct {
	ThreadID uuid.UUID
	Messages []types.MessageContent
	// PromptMessageID resumes an anchored turn (after an approval).
	PromptMessageID *uuid.UUID
	Options         steps.GenerateOptions
	Stream          bool
	OnEvent         func(ev client.Event) error
}

// ApprovalOutcome reports what a decision produced: the derived state
// after the response (and result, when execution happened synchronously)
// were persisted, plus the resumed generation if one was requested.
type ApprovalOutcome struct {
	State    steps.ToolCallState
	Output   *types.ToolOutput
	Messages []*types.ChatMessage
	Resumed  *steps.RespondResult
}

type StreamSync struct {
	Stream *types.ChatStream
	Deltas []*types.ChatStreamDelta
}

type ChatService interface {
	CreateThread(dbc dbctx.Context, title string, metadata datatypes.JSON) (*types.ChatThread, error)
	GetThread(dbc dbctx.Context, threadID uuid.UUID) (*types.ChatThread, error)
	ListThreads(dbc dbctx.Context, limit int) ([]*types.ChatThread, error)

	// SaveMessages persists explicit messages, bypassing generation.
	SaveMessages(dbc dbctx.Context, threadID uuid.UUID, msgs []types.MessageContent) ([]*types.ChatMessage, error)
	ListMessages(dbc dbctx.Context, threadID uuid.UUID, opts chatrepos.ListOptions) (chatrepos.MessagePage, error)

	// Generate runs the model against the thread; set Options.Schema for
	// structured-object output, Stream for incremental delta persistence.
	Generate(ctx context.Context, in GenerateParams) (*steps.RespondResult, error)

	// SubmitApproval records a human decision for one approval id,
	// appends the response (and the execution or denial result) to the
	// turn, and optionally resumes generation. A duplicate submission
	// fails with ErrAlreadyResponded.
	SubmitApproval(dbc dbctx.Context, threadID uuid.UUID, approvalID string, approved bool, reason string, resume bool) (*ApprovalOutcome, error)

	// SyncStreamDeltas returns deltas at or past the cursor for catch-up
	// reads of an in-progress stream.
	SyncStreamDeltas(dbc dbctx.Context, threadID, streamID uuid.UUID, cursor int64, limit int) (*StreamSync, error)

	// DeleteThreadAsync marks the thread deleting; the reaper purges it.
	DeleteThreadAsync(dbc dbctx.Context, threadID uuid.UUID) error
}

type chatService struct {
	db        *gorm.DB
	log       *logger.Logger
	threads   chatrepos.ChatThreadRepo
	messages  chatrepos.ChatMessageRepo
	streams   chatrepos.ChatStreamRepo
	approvals chatrepos.ChatToolApprovalRepo
	responder *steps.Responder
	tools     *steps.ToolRegistry
	notify    ChatNotifier
}

func NewChatService(
	db *gorm.DB,
	baseLog *logger.Logger,
	all repos.All,
	responder *steps.Responder,
	tools *steps.ToolRegistry,
	notify ChatNotifier,
) ChatService {
	return &chatService{
		db:        db,
		log:       baseLog.With("service", "ChatService"),
		threads:   all.Threads,
		messages:  all.Messages,
		streams:   all.Streams,
		approvals: all.Approvals,
		responder: responder,
		tools:     tools,
		notify:    notify,
	}
}

func (s *chatService) CreateThread(dbc dbctx.Context, title string, metadata datatypes.JSON) (*types.ChatThread, error) {
	userID := s.requestUserID(dbc)
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New chat"
	}
	row := &types.ChatThread{
		Title:    title,
		Status:   types.ThreadStatusActive,
		Metadata: metadata,
	}
	if userID != nil {
		row.UserID = userID
	}
	return s.threads.Create(dbc, row)
}

func (s *chatService) GetThread(dbc dbctx.Context, threadID uuid.UUID) (*types.ChatThread, error) {
	thread, err := s.threads.GetByID(dbc, threadID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(dbc, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

func (s *chatService) ListThreads(dbc dbctx.Context, limit int) ([]*types.ChatThread, error) {
	userID := s.requestUserID(dbc)
	return s.threads.List(dbc, userID, []string{types.ThreadStatusActive, types.ThreadStatusArchived}, limit)
}

func (s *chatService) SaveMessages(dbc dbctx.Context, threadID uuid.UUID, msgs []types.MessageContent) ([]*types.ChatMessage, error) {
	thread, err := s.threads.GetByID(dbc, threadID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(dbc, thread); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return []*types.ChatMessage{}, nil
	}
	userID := s.requestUserID(dbc)
	rows := make([]*types.ChatMessage, 0, len(msgs))
	for _, content := range msgs {
		if content.Role == "" {
			content.Role = types.RoleUser
		}
		row := &types.ChatMessage{UserID: userID}
		if err := row.SetContent(content); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return s.messages.Append(dbc, threadID, rows, chatrepos.AppendOptions{})
}

func (s *chatService) ListMessages(dbc dbctx.Context, threadID uuid.UUID, opts chatrepos.ListOptions) (chatrepos.MessagePage, error) {
	thread, err := s.threads.GetByID(dbc, threadID)
	if err != nil {
		return chatrepos.MessagePage{}, err
	}
	if err := s.authorize(dbc, thread); err != nil {
		return chatrepos.MessagePage{}, err
	}
	return s.messages.ListByThread(dbc, threadID, opts)
}

func (s *chatService) Generate(ctx context.Context, in GenerateParams) (*steps.RespondResult, error) {
	dbc := dbctx.Context{Ctx: ctx}
	thread, err := s.threads.GetByID(dbc, in.ThreadID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(dbc, thread); err != nil {
		return nil, err
	}
	userID := s.requestUserID(dbc)

	onEvent := in.OnEvent
	if s.notify != nil && in.Stream {
		inner := onEvent
		onEvent = func(ev client.Event) error {
			if ev.Type == client.EventTextDelta {
				s.notify.ThreadEvent(ctx, in.ThreadID, realtime.EventStreamDelta, map[string]any{"text": ev.TextDelta})
			}
			if inner != nil {
				return inner(ev)
			}
			return nil
		}
	}

	res, err := s.responder.Respond(ctx, steps.RespondInput{
		ThreadID:        in.ThreadID,
		UserID:          userID,
		Messages:        in.Messages,
		PromptMessageID: in.PromptMessageID,
		Options:         in.Options,
		Stream:          in.Stream,
		OnEvent:         onEvent,
	})
	if err != nil {
		return nil, err
	}
	if s.notify != nil {
		event := realtime.EventStreamFinished
		if !in.Stream {
			event = realtime.EventMessageCreated
		}
		s.notify.ThreadEvent(ctx, in.ThreadID, event, map[string]any{
			"message_id":    res.MessageID,
			"ord":           res.Ord,
			"finish_reason": res.FinishReason,
		})
	}
	return res, nil
}

func (s *chatService) SubmitApproval(dbc dbctx.Context, threadID uuid.UUID, approvalID string, approved bool, reason string, resume bool) (*ApprovalOutcome, error) {
	approvalID = strings.TrimSpace(approvalID)
	if approvalID == "" {
		return nil, fmt.Errorf("missing approval id: %w", pkgerrors.ErrInvalidArgument)
	}
	thread, err := s.threads.GetByID(dbc, threadID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(dbc, thread); err != nil {
		return nil, err
	}

	requestMsg, err := s.findApprovalRequest(dbc, threadID, approvalID)
	if err != nil {
		return nil, err
	}
	group, err := s.messages.ListByOrd(dbc, threadID, requestMsg.Ord)
	if err != nil {
		return nil, err
	}
	state, err := approvalState(group, approvalID)
	if err != nil {
		return nil, err
	}
	if state.Output != nil || state.Approved != nil {
		return nil, fmt.Errorf("approval %s: %w", approvalID, pkgerrors.ErrAlreadyResponded)
	}

	userID := s.requestUserID(dbc)
	approvedCopy := approved

	// Response message and decision record land in one transaction; the
	// unique (thread_id, approval_id) index turns a concurrent duplicate
	// into ErrAlreadyResponded instead of a double execution.
	var responseRows []*types.ChatMessage
	err = dbctx.Transact(dbc, s.db, func(txc dbctx.Context) error {
		row := &types.ChatMessage{UserID: userID}
		if err := row.SetContent(types.MessageContent{
			Role: types.RoleUser,
			Parts: []types.Part{types.ApprovalResponsePart{
				ApprovalID: approvalID,
				Approved:   &approvedCopy,
				Reason:     reason,
			}},
		}); err != nil {
			return err
		}
		responseRows, err = s.messages.Append(txc, threadID, []*types.ChatMessage{row}, chatrepos.AppendOptions{
			PromptMessageID: &requestMsg.ID,
		})
		if err != nil {
			return err
		}
		return s.approvals.Record(txc, &types.ChatToolApproval{
			ThreadID:   threadID,
			ApprovalID: approvalID,
			ToolCallID: state.ToolCallID,
			MessageID:  responseRows[0].ID,
			Approved:   approved,
			Reason:     reason,
		})
	})
	if err != nil {
		return nil, err
	}

	outcome := &ApprovalOutcome{Messages: responseRows}
	output, err := s.resolveApprovedCall(dbc, threadID, requestMsg, state, approved, reason, userID)
	if err != nil {
		return nil, err
	}
	if output != nil {
		outcome.Output = &output.output
		outcome.Messages = append(outcome.Messages, output.rows...)
	}
	// Without a terminal result the decision alone is the state.
	if approved {
		outcome.State = steps.ToolStateApproved
		if output != nil && output.output.Type != types.ToolOutputError {
			outcome.State = steps.ToolStateOutputAvailable
		}
	} else {
		outcome.State = steps.ToolStateDenied
		if output != nil {
			outcome.State = steps.ToolStateOutputDenied
		}
	}

	if resume {
		ctx := ctxutil.Default(dbc.Ctx)
		resumed, err := s.responder.Respond(ctx, steps.RespondInput{
			ThreadID:        threadID,
			UserID:          userID,
			PromptMessageID: &requestMsg.ID,
		})
		if err != nil {
			return nil, err
		}
		outcome.Resumed = resumed
	}
	return outcome, nil
}

type approvedCallResult struct {
	output types.ToolOutput
	rows   []*types.ChatMessage
}

// resolveApprovedCall executes the gated tool (or records the denial)
// and appends the terminal tool-result to the turn.
func (s *chatService) resolveApprovedCall(dbc dbctx.Context, threadID uuid.UUID, requestMsg *types.ChatMessage, state steps.ToolState, approved bool, reason string, userID *uuid.UUID) (*approvedCallResult, error) {
	if state.ToolCallID == "" {
		// Request was never attached to a call; nothing to execute.
		return nil, nil
	}
	var output types.ToolOutput
	if !approved {
		output = types.ToolOutput{Type: types.ToolOutputExecutionDenied, Reason: reason}
	} else {
		tool, ok := s.tools.Get(state.ToolName)
		if !ok || tool.Execute == nil {
			output = types.ToolOutput{Type: types.ToolOutputError, Value: "unknown tool: " + state.ToolName}
		} else {
			ctx := ctxutil.Default(dbc.Ctx)
			result, execErr := tool.Execute(ctx, steps.CallContext{
				UserID:    userID,
				ThreadID:  threadID,
				MessageID: requestMsg.ID,
			}, state.Input)
			if execErr != nil {
				output = types.ToolOutput{Type: types.ToolOutputError, Value: execErr.Error()}
			} else {
				output = result
			}
		}
	}

	row := &types.ChatMessage{UserID: userID}
	if err := row.SetContent(types.MessageContent{
		Role: types.RoleTool,
		Parts: []types.Part{types.ToolResultPart{
			ToolCallID: state.ToolCallID,
			ToolName:   state.ToolName,
			Output:     output,
		}},
	}); err != nil {
		return nil, err
	}
	rows, err := s.messages.Append(dbc, threadID, []*types.ChatMessage{row}, chatrepos.AppendOptions{
		PromptMessageID: &requestMsg.ID,
	})
	if err != nil {
		return nil, err
	}
	return &approvedCallResult{output: output, rows: rows}, nil
}

func (s *chatService) findApprovalRequest(dbc dbctx.Context, threadID uuid.UUID, approvalID string) (*types.ChatMessage, error) {
	cursor := ""
	scanned := 0
	for scanned < approvalScanLimit {
		page, err := s.messages.ListByThread(dbc, threadID, chatrepos.ListOptions{
			Order:    chatrepos.ListDesc,
			Statuses: []string{types.MessageStatusSuccess, types.MessageStatusPending},
			Cursor:   cursor,
			Limit:    100,
		})
		if err != nil {
			return nil, err
		}
		for _, msg := range page.Page {
			scanned++
			content, err := msg.DecodeContent()
			if err != nil {
				continue
			}
			for _, p := range content.Parts {
				if req, ok := p.(types.ApprovalRequestPart); ok && req.ApprovalID == approvalID {
					return msg, nil
				}
			}
		}
		if page.IsDone {
			break
		}
		cursor = page.ContinueCursor
	}
	return nil, fmt.Errorf("approval request %s: %w", approvalID, pkgerrors.ErrNotFound)
}

func approvalState(group []*types.ChatMessage, approvalID string) (steps.ToolState, error) {
	contents := make([]types.MessageContent, 0, len(group))
	for _, msg := range group {
		if msg.Status == types.MessageStatusFailed {
			continue
		}
		content, err := msg.DecodeContent()
		if err != nil {
			return steps.ToolState{}, err
		}
		contents = append(contents, content)
	}
	for _, st := range steps.DeriveToolStates(contents) {
		if st.ApprovalID == approvalID {
			return st, nil
		}
	}
	return steps.ToolState{}, fmt.Errorf("approval %s: %w", approvalID, pkgerrors.ErrNotFound)
}

func (s *chatService) SyncStreamDeltas(dbc dbctx.Context, threadID, streamID uuid.UUID, cursor int64, limit int) (*StreamSync, error) {
	thread, err := s.threads.GetByID(dbc, threadID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(dbc, thread); err != nil {
		return nil, err
	}
	stream, err := s.streams.GetByID(dbc, streamID)
	if err != nil {
		return nil, err
	}
	if stream.ThreadID != threadID {
		return nil, fmt.Errorf("stream %s not in thread: %w", streamID, pkgerrors.ErrNotFound)
	}
	deltas, err := s.streams.ListDeltasSince(dbc, streamID, cursor, limit)
	if err != nil {
		return nil, err
	}
	return &StreamSync{Stream: stream, Deltas: deltas}, nil
}

func (s *chatService) DeleteThreadAsync(dbc dbctx.Context, threadID uuid.UUID) error {
	thread, err := s.threads.GetByID(dbc, threadID)
	if err != nil {
		return err
	}
	if err := s.authorize(dbc, thread); err != nil {
		return err
	}
	if err := s.threads.MarkDeleting(dbc, threadID); err != nil {
		return err
	}
	if s.notify != nil {
		s.notify.ThreadEvent(ctxutil.Default(dbc.Ctx), threadID, realtime.EventThreadDeleted, map[string]any{"thread_id": threadID})
	}
	return nil
}

func (s *chatService) requestUserID(dbc dbctx.Context) *uuid.UUID {
	if dbc.Ctx == nil {
		return nil
	}
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return nil
	}
	id := rd.UserID
	return &id
}

func (s *chatService) authorize(dbc dbctx.Context, thread *types.ChatThread) error {
	userID := s.requestUserID(dbc)
	if userID == nil {
		// Library use without request auth; callers are trusted.
		return nil
	}
	if thread.UserID != nil && *thread.UserID != *userID {
		return fmt.Errorf("thread %s: %w", thread.ID, pkgerrors.ErrUnauthorized)
	}
	return nil
}
