package services

import (
	"context"
	"errors"
	"testing"

	types "github.com/strandlabs/strand/internal/domain"

	chatrepos "github.com/strandlabs/strand/internal/data/repos/chat"
	"github.com/strandlabs/strand/internal/pkg/dbctx"
	pkgerrors "github.com/strandlabs/strand/internal/pkg/errors"
	"github.com/strandlabs/strand/internal/pkg/logger"
	"github.com/strandlabs/strand/internal/testsupport"
)

func TestSweepPurgesDeletingThread(t *testing.T) {
	db := testsupport.OpenDB(t)
	log := logger.NewNop()
	threads := chatrepos.NewChatThreadRepo(db, log)
	messages := chatrepos.NewChatMessageRepo(db, log)
	streams := chatrepos.NewChatStreamRepo(db, log)
	dbc := dbctx.Context{Ctx: context.Background()}

	thread, err := threads.Create(dbc, &types.ChatThread{Title: "doomed"})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	keep, err := threads.Create(dbc, &types.ChatThread{Title: "kept"})
	if err != nil {
		t.Fatalf("create kept thread: %v", err)
	}

	for i := 0; i < 7; i++ {
		row := &types.ChatMessage{}
		if err := row.SetContent(types.MessageContent{Role: types.RoleUser, Parts: []types.Part{types.TextPart{Text: "m"}}}); err != nil {
			t.Fatalf("set content: %v", err)
		}
		if _, err := messages.Append(dbc, thread.ID, []*types.ChatMessage{row}, chatrepos.AppendOptions{}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := streams.Create(dbc, &types.ChatStream{ThreadID: thread.ID, Ord: 0, StepOrder: 1}); err != nil {
		t.Fatalf("create stream: %v", err)
	}

	if err := threads.MarkDeleting(dbc, thread.ID); err != nil {
		t.Fatalf("mark deleting: %v", err)
	}

	reaper := NewThreadReaper(threads, messages, streams, nil, log)
	reaper.Sweep(context.Background())

	if _, err := threads.GetByID(dbc, thread.ID); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("thread after sweep: want ErrNotFound got %v", err)
	}
	page, err := messages.ListByThread(dbc, thread.ID, chatrepos.ListOptions{})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(page.Page) != 0 {
		t.Fatalf("messages remaining after sweep: %d", len(page.Page))
	}
	active, err := streams.ListActiveByThread(dbc, thread.ID)
	if err != nil {
		t.Fatalf("list streams: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("streams remaining after sweep: %d", len(active))
	}

	if _, err := threads.GetByID(dbc, keep.ID); err != nil {
		t.Fatalf("unrelated thread touched by sweep: %v", err)
	}
}
