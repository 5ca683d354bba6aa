package steps

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	chatrepos "github.com/strandlabs/strand/internal/data/repos/chat"
	types "github.com/strandlabs/strand/internal/domain"
	"github.com/strandlabs/strand/internal/pkg/dbctx"
	pkgerrors "github.com/strandlabs/strand/internal/pkg/errors"
	"github.com/strandlabs/strand/internal/pkg/logger"
	"github.com/strandlabs/strand/internal/testsupport"
)

func TestRRFFuseIsDeterministic(t *testing.T) {
	a := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	b := uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	c := uuid.MustParse("00000000-0000-0000-0000-00000000000c")

	text := []uuid.UUID{b, a, c}
	vector := []uuid.UUID{b, c, a}

	first := rrfFuse(text, vector, 3)
	for i := 0; i < 10; i++ {
		again := rrfFuse(text, vector, 3)
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("fusion not deterministic: run %d position %d: want=%s got=%s", i, j, first[j], again[j])
			}
		}
	}

	// b tops both lists; a and c have symmetric ranks (2nd in one list,
	// 3rd in the other), so the id string breaks the tie.
	if first[0] != b {
		t.Fatalf("top hit: want=%s got=%s", b, first[0])
	}
	if first[1] != a || first[2] != c {
		t.Fatalf("tie order: want=[%s %s] got=[%s %s]", a, c, first[1], first[2])
	}
}

func TestRRFFuseLimit(t *testing.T) {
	var ids []uuid.UUID
	for i := 0; i < 10; i++ {
		ids = append(ids, uuid.New())
	}
	fused := rrfFuse(ids, nil, 4)
	if len(fused) != 4 {
		t.Fatalf("fused length: want=4 got=%d", len(fused))
	}
	for i := range fused {
		if fused[i] != ids[i] {
			t.Fatalf("single-list fusion must preserve order at %d", i)
		}
	}
}

func TestMergeWindowsCoalescesAdjacent(t *testing.T) {
	merged := mergeWindows([]chatrepos.OrdWindow{
		{Lo: 5, Hi: 7},
		{Lo: 0, Hi: 2},
		{Lo: 3, Hi: 4},
		{Lo: 20, Hi: 22},
	})
	if len(merged) != 2 {
		t.Fatalf("merged windows: want=2 got=%d (%+v)", len(merged), merged)
	}
	if merged[0].Lo != 0 || merged[0].Hi != 7 {
		t.Fatalf("window 0: want=[0,7] got=[%d,%d]", merged[0].Lo, merged[0].Hi)
	}
	if merged[1].Lo != 20 || merged[1].Hi != 22 {
		t.Fatalf("window 1: want=[20,22] got=[%d,%d]", merged[1].Lo, merged[1].Hi)
	}
}

func filterMessage(t *testing.T, role string, parts ...types.Part) *types.ChatMessage {
	t.Helper()
	row := &types.ChatMessage{ID: uuid.New()}
	if err := row.SetContent(types.MessageContent{Role: role, Parts: parts}); err != nil {
		t.Fatalf("set content: %v", err)
	}
	return row
}

func TestFilterOrphansDropsLoneToolCall(t *testing.T) {
	lone := filterMessage(t, types.RoleAssistant, types.ToolCallPart{ToolCallID: "c1", ToolName: "search"})

	_, recent, err := filterOrphans(nil, []*types.ChatMessage{lone})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("lone call: want message dropped, got %d messages", len(recent))
	}

	// Adding the result back (even in the other set) revives it.
	result := filterMessage(t, types.RoleTool, types.ToolResultPart{ToolCallID: "c1", Output: types.ToolOutput{
		Type: types.ToolOutputText, Value: "ok",
	}})
	searched, recent, err := filterOrphans([]*types.ChatMessage{result}, []*types.ChatMessage{lone})
	if err != nil {
		t.Fatalf("filter with result: %v", err)
	}
	if len(searched) != 1 || len(recent) != 1 {
		t.Fatalf("call+result: want both kept, got searched=%d recent=%d", len(searched), len(recent))
	}
}

func TestFilterOrphansKeepsApprovalPausedCall(t *testing.T) {
	paused := filterMessage(t, types.RoleAssistant,
		types.ToolCallPart{ToolCallID: "c1", ToolName: "deleteFile"},
		types.ApprovalRequestPart{ApprovalID: "a1", ToolCallID: "c1"},
	)

	// No response yet: the call itself is dropped, the request part stays.
	_, recent, err := filterOrphans(nil, []*types.ChatMessage{paused})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(recent) != 1 || len(recent[0].Content.Parts) != 1 {
		t.Fatalf("unresolved approval: want request part only, got %+v", recent)
	}

	// With a recorded response the call is not an orphan.
	response := filterMessage(t, types.RoleUser, types.ApprovalResponsePart{ApprovalID: "a1", Approved: boolPtr(false)})
	_, recent, err = filterOrphans(nil, []*types.ChatMessage{paused, response})
	if err != nil {
		t.Fatalf("filter with response: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("responded approval: want both messages, got %d", len(recent))
	}
	if len(recent[0].Content.Parts) != 2 {
		t.Fatalf("responded approval: want call and request kept, got %d parts", len(recent[0].Content.Parts))
	}
}

func TestFilterOrphansDropsResultWithoutCall(t *testing.T) {
	orphanResult := filterMessage(t, types.RoleTool, types.ToolResultPart{ToolCallID: "c9", Output: types.ToolOutput{
		Type: types.ToolOutputText, Value: "stale",
	}})
	_, recent, err := filterOrphans(nil, []*types.ChatMessage{orphanResult})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("orphan result: want dropped, got %d messages", len(recent))
	}
}

func TestFetchMisconfiguration(t *testing.T) {
	db := testsupport.OpenDB(t)
	log := logger.NewNop()
	messages := chatrepos.NewChatMessageRepo(db, log)

	threadID := uuid.New()
	search := &SearchOptions{Text: true, Vector: false, Limit: 5}

	// Search inside a transaction is refused.
	fetcher := NewContextFetcher(messages, nil, nil, log)
	_, err := fetcher.Fetch(dbctx.Context{Ctx: context.Background(), Tx: db}, FetchInput{
		ThreadID: &threadID,
		Options:  ContextOptions{Search: search},
	})
	if !errors.Is(err, pkgerrors.ErrMisconfigured) {
		t.Fatalf("search in tx: want ErrMisconfigured got %v", err)
	}

	// Vector search without an embedder is refused.
	_, err = fetcher.Fetch(dbctx.Context{Ctx: context.Background()}, FetchInput{
		ThreadID: &threadID,
		Options:  ContextOptions{Search: &SearchOptions{Vector: true, Limit: 5}},
	})
	if !errors.Is(err, pkgerrors.ErrMisconfigured) {
		t.Fatalf("vector search without embedder: want ErrMisconfigured got %v", err)
	}
}

func TestFetchRecentTailChronological(t *testing.T) {
	db := testsupport.OpenDB(t)
	log := logger.NewNop()
	threads := chatrepos.NewChatThreadRepo(db, log)
	messages := chatrepos.NewChatMessageRepo(db, log)
	dbc := dbctx.Context{Ctx: context.Background()}

	thread, err := threads.Create(dbc, &types.ChatThread{Title: "t"})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	for _, text := range []string{"one", "two", "three", "four"} {
		row := &types.ChatMessage{}
		if err := row.SetContent(types.MessageContent{Role: types.RoleUser, Parts: []types.Part{types.TextPart{Text: text}}}); err != nil {
			t.Fatalf("set content: %v", err)
		}
		if _, err := messages.Append(dbc, thread.ID, []*types.ChatMessage{row}, chatrepos.AppendOptions{}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	fetcher := NewContextFetcher(messages, nil, nil, log)
	res, err := fetcher.Fetch(dbc, FetchInput{
		ThreadID: &thread.ID,
		Options:  ContextOptions{RecentMessages: 3},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Recent) != 3 {
		t.Fatalf("recent tail: want=3 got=%d", len(res.Recent))
	}
	want := []string{"two", "three", "four"}
	for i, cm := range res.Recent {
		if cm.Msg.Text != want[i] {
			t.Fatalf("recent[%d]: want=%q got=%q", i, want[i], cm.Msg.Text)
		}
	}
}
