package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	types "github.com/strandlabs/strand/internal/domain"
	"github.com/strandlabs/strand/internal/pkg/dbctx"
	pkgerrors "github.com/strandlabs/strand/internal/pkg/errors"
	"github.com/strandlabs/strand/internal/pkg/logger"
	"github.com/strandlabs/strand/internal/testsupport"
)

func setupMessageRepo(t *testing.T) (ChatMessageRepo, uuid.UUID, dbctx.Context) {
	t.Helper()
	db := testsupport.OpenDB(t)
	log := logger.NewNop()
	threads := NewChatThreadRepo(db, log)
	messages := NewChatMessageRepo(db, log)
	dbc := dbctx.Context{Ctx: context.Background()}
	thread, err := threads.Create(dbc, &types.ChatThread{Title: "test"})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return messages, thread.ID, dbc
}

func textMessage(t *testing.T, role, text string) *types.ChatMessage {
	t.Helper()
	row := &types.ChatMessage{}
	if err := row.SetContent(types.MessageContent{
		Role:  role,
		Parts: []types.Part{types.TextPart{Text: text}},
	}); err != nil {
		t.Fatalf("set content: %v", err)
	}
	return row
}

func TestAppendAssignsOrdAndStepOrder(t *testing.T) {
	messages, threadID, dbc := setupMessageRepo(t)

	first, err := messages.Append(dbc, threadID, []*types.ChatMessage{textMessage(t, types.RoleUser, "hello")}, AppendOptions{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first[0].Ord != 0 || first[0].StepOrder != 0 {
		t.Fatalf("first message position: want=(0,0) got=(%d,%d)", first[0].Ord, first[0].StepOrder)
	}
	if first[0].Status != types.MessageStatusSuccess {
		t.Fatalf("first message status: want=%q got=%q", types.MessageStatusSuccess, first[0].Status)
	}

	anchored, err := messages.Append(dbc, threadID, []*types.ChatMessage{
		textMessage(t, types.RoleAssistant, "step one"),
		textMessage(t, types.RoleAssistant, "step two"),
	}, AppendOptions{PromptMessageID: &first[0].ID})
	if err != nil {
		t.Fatalf("anchored append: %v", err)
	}
	if anchored[0].Ord != 0 || anchored[0].StepOrder != 1 {
		t.Fatalf("anchored[0] position: want=(0,1) got=(%d,%d)", anchored[0].Ord, anchored[0].StepOrder)
	}
	if anchored[1].Ord != 0 || anchored[1].StepOrder != 2 {
		t.Fatalf("anchored[1] position: want=(0,2) got=(%d,%d)", anchored[1].Ord, anchored[1].StepOrder)
	}

	next, err := messages.Append(dbc, threadID, []*types.ChatMessage{textMessage(t, types.RoleUser, "next turn")}, AppendOptions{})
	if err != nil {
		t.Fatalf("append next turn: %v", err)
	}
	if next[0].Ord != 1 || next[0].StepOrder != 0 {
		t.Fatalf("next turn position: want=(1,0) got=(%d,%d)", next[0].Ord, next[0].StepOrder)
	}
}

func TestAppendFailPendingStepsCleansAbandonedTurn(t *testing.T) {
	messages, threadID, dbc := setupMessageRepo(t)

	prompt, err := messages.Append(dbc, threadID, []*types.ChatMessage{textMessage(t, types.RoleUser, "prompt")}, AppendOptions{})
	if err != nil {
		t.Fatalf("append prompt: %v", err)
	}
	stale, err := messages.Append(dbc, threadID, []*types.ChatMessage{textMessage(t, types.RoleAssistant, "stale")}, AppendOptions{
		PromptMessageID: &prompt[0].ID,
		Pending:         true,
	})
	if err != nil {
		t.Fatalf("append stale pending: %v", err)
	}

	if _, err := messages.Append(dbc, threadID, []*types.ChatMessage{textMessage(t, types.RoleAssistant, "fresh")}, AppendOptions{
		PromptMessageID:  &prompt[0].ID,
		FailPendingSteps: true,
	}); err != nil {
		t.Fatalf("append fresh: %v", err)
	}

	got, err := messages.GetByID(dbc, stale[0].ID)
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if got.Status != types.MessageStatusFailed {
		t.Fatalf("stale status: want=%q got=%q", types.MessageStatusFailed, got.Status)
	}
}

func TestRollbackFailsPendingSiblings(t *testing.T) {
	messages, threadID, dbc := setupMessageRepo(t)

	prompt, err := messages.Append(dbc, threadID, []*types.ChatMessage{textMessage(t, types.RoleUser, "prompt")}, AppendOptions{})
	if err != nil {
		t.Fatalf("append prompt: %v", err)
	}
	steps, err := messages.Append(dbc, threadID, []*types.ChatMessage{
		textMessage(t, types.RoleAssistant, "one"),
		textMessage(t, types.RoleAssistant, "two"),
	}, AppendOptions{PromptMessageID: &prompt[0].ID, Pending: true})
	if err != nil {
		t.Fatalf("append pending steps: %v", err)
	}

	if err := messages.Rollback(dbc, steps[0].ID, "model exploded"); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	for _, id := range []uuid.UUID{steps[0].ID, steps[1].ID} {
		got, err := messages.GetByID(dbc, id)
		if err != nil {
			t.Fatalf("get step: %v", err)
		}
		if got.Status != types.MessageStatusFailed {
			t.Fatalf("step status: want=%q got=%q", types.MessageStatusFailed, got.Status)
		}
		if got.Error != "model exploded" {
			t.Fatalf("step error: want=%q got=%q", "model exploded", got.Error)
		}
	}
	// The successful prompt at the same ord is untouched.
	gotPrompt, err := messages.GetByID(dbc, prompt[0].ID)
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if gotPrompt.Status != types.MessageStatusSuccess {
		t.Fatalf("prompt status: want=%q got=%q", types.MessageStatusSuccess, gotPrompt.Status)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	messages, threadID, dbc := setupMessageRepo(t)

	prompt, err := messages.Append(dbc, threadID, []*types.ChatMessage{textMessage(t, types.RoleUser, "prompt")}, AppendOptions{})
	if err != nil {
		t.Fatalf("append prompt: %v", err)
	}
	steps, err := messages.Append(dbc, threadID, []*types.ChatMessage{textMessage(t, types.RoleAssistant, "answer")}, AppendOptions{
		PromptMessageID: &prompt[0].ID,
		Pending:         true,
	})
	if err != nil {
		t.Fatalf("append pending: %v", err)
	}

	if err := messages.Commit(dbc, steps[0].ID); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, err := messages.GetByID(dbc, steps[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.MessageStatusSuccess {
		t.Fatalf("status after commit: want=%q got=%q", types.MessageStatusSuccess, got.Status)
	}

	if err := messages.Commit(dbc, steps[0].ID); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	got, err = messages.GetByID(dbc, steps[0].ID)
	if err != nil {
		t.Fatalf("get after second commit: %v", err)
	}
	if got.Status != types.MessageStatusSuccess {
		t.Fatalf("status after second commit: want=%q got=%q", types.MessageStatusSuccess, got.Status)
	}
}

func TestListByThreadCursorPaging(t *testing.T) {
	messages, threadID, dbc := setupMessageRepo(t)

	for i := 0; i < 5; i++ {
		if _, err := messages.Append(dbc, threadID, []*types.ChatMessage{textMessage(t, types.RoleUser, "msg")}, AppendOptions{}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	page, err := messages.ListByThread(dbc, threadID, ListOptions{Order: ListAsc, Limit: 2})
	if err != nil {
		t.Fatalf("list page 1: %v", err)
	}
	if len(page.Page) != 2 || page.IsDone {
		t.Fatalf("page 1: want 2 rows not done, got %d rows done=%v", len(page.Page), page.IsDone)
	}
	if page.Page[0].Ord != 0 || page.Page[1].Ord != 1 {
		t.Fatalf("page 1 ords: want=[0 1] got=[%d %d]", page.Page[0].Ord, page.Page[1].Ord)
	}

	page, err = messages.ListByThread(dbc, threadID, ListOptions{Order: ListAsc, Limit: 2, Cursor: page.ContinueCursor})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page.Page) != 2 || page.Page[0].Ord != 2 {
		t.Fatalf("page 2: want 2 rows starting at ord 2, got %d rows first ord %d", len(page.Page), page.Page[0].Ord)
	}

	page, err = messages.ListByThread(dbc, threadID, ListOptions{Order: ListAsc, Limit: 2, Cursor: page.ContinueCursor})
	if err != nil {
		t.Fatalf("list page 3: %v", err)
	}
	if len(page.Page) != 1 || !page.IsDone {
		t.Fatalf("page 3: want 1 row done, got %d rows done=%v", len(page.Page), page.IsDone)
	}

	if _, err := messages.ListByThread(dbc, threadID, ListOptions{Cursor: "garbage"}); !errors.Is(err, pkgerrors.ErrInvalidArgument) {
		t.Fatalf("bad cursor: want ErrInvalidArgument got %v", err)
	}
}

func TestDeleteRangeResumesUntilDone(t *testing.T) {
	messages, threadID, dbc := setupMessageRepo(t)

	for i := 0; i < 5; i++ {
		if _, err := messages.Append(dbc, threadID, []*types.ChatMessage{textMessage(t, types.RoleUser, "msg")}, AppendOptions{}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	start := RangeCursor{}
	end := RangeCursor{Ord: 1 << 60, StepOrder: 0}
	total := 0
	for i := 0; ; i++ {
		res, err := messages.DeleteRange(dbc, threadID, start, end, 2)
		if err != nil {
			t.Fatalf("delete range: %v", err)
		}
		total += res.Deleted
		if res.IsDone {
			break
		}
		if res.Resume == nil {
			t.Fatalf("not done but no resume cursor")
		}
		start = *res.Resume
		if i > 10 {
			t.Fatalf("delete range never finished")
		}
	}
	if total != 5 {
		t.Fatalf("deleted total: want=5 got=%d", total)
	}

	page, err := messages.ListByThread(dbc, threadID, ListOptions{})
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(page.Page) != 0 {
		t.Fatalf("messages remaining after full delete: %d", len(page.Page))
	}
}

func TestAppendDerivesTextAndToolFlag(t *testing.T) {
	messages, threadID, dbc := setupMessageRepo(t)

	row := &types.ChatMessage{}
	if err := row.SetContent(types.MessageContent{
		Role: types.RoleTool,
		Parts: []types.Part{types.ToolResultPart{
			ToolCallID: "c1",
			ToolName:   "search",
			Output:     types.ToolOutput{Type: types.ToolOutputText, Value: "done"},
		}},
	}); err != nil {
		t.Fatalf("set content: %v", err)
	}
	rows, err := messages.Append(dbc, threadID, []*types.ChatMessage{row}, AppendOptions{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := messages.GetByID(dbc, rows[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Tool {
		t.Fatalf("tool flag: want=true got=false")
	}

	page, err := messages.ListByThread(dbc, threadID, ListOptions{ExcludeTool: true})
	if err != nil {
		t.Fatalf("list exclude tool: %v", err)
	}
	if len(page.Page) != 0 {
		t.Fatalf("exclude_tool list: want 0 rows got %d", len(page.Page))
	}
}
