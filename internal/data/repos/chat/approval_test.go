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

func TestRecordDuplicateApprovalConflicts(t *testing.T) {
	db := testsupport.OpenDB(t)
	approvals := NewChatToolApprovalRepo(db, logger.NewNop())
	dbc := dbctx.Context{Ctx: context.Background()}

	threadID := uuid.New()
	row := &types.ChatToolApproval{
		ThreadID:   threadID,
		ApprovalID: "a1",
		ToolCallID: "c1",
		MessageID:  uuid.New(),
		Approved:   true,
	}
	if err := approvals.Record(dbc, row); err != nil {
		t.Fatalf("record: %v", err)
	}

	dup := &types.ChatToolApproval{
		ThreadID:   threadID,
		ApprovalID: "a1",
		ToolCallID: "c1",
		MessageID:  uuid.New(),
		Approved:   false,
	}
	if err := approvals.Record(dbc, dup); !errors.Is(err, pkgerrors.ErrAlreadyResponded) {
		t.Fatalf("duplicate record: want ErrAlreadyResponded got %v", err)
	}

	got, err := approvals.GetByApprovalID(dbc, threadID, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Approved {
		t.Fatalf("stored decision overwritten by duplicate")
	}
}

func TestRecordSameApprovalDifferentThreads(t *testing.T) {
	db := testsupport.OpenDB(t)
	approvals := NewChatToolApprovalRepo(db, logger.NewNop())
	dbc := dbctx.Context{Ctx: context.Background()}

	for i := 0; i < 2; i++ {
		if err := approvals.Record(dbc, &types.ChatToolApproval{
			ThreadID:   uuid.New(),
			ApprovalID: "a1",
			ToolCallID: "c1",
			MessageID:  uuid.New(),
			Approved:   true,
		}); err != nil {
			t.Fatalf("record thread %d: %v", i, err)
		}
	}
}
