package steps

import (
	"testing"

	types "github.com/strandlabs/strand/internal/domain"
)

func boolPtr(v bool) *bool { return &v }

func assistantTurn(parts ...types.Part) types.MessageContent {
	return types.MessageContent{Role: types.RoleAssistant, Parts: parts}
}

func userTurn(parts ...types.Part) types.MessageContent {
	return types.MessageContent{Role: types.RoleUser, Parts: parts}
}

func toolTurn(parts ...types.Part) types.MessageContent {
	return types.MessageContent{Role: types.RoleTool, Parts: parts}
}

func TestDeriveToolStatesApprovalLifecycle(t *testing.T) {
	call := types.ToolCallPart{ToolCallID: "c1", ToolName: "deleteFile"}
	request := types.ApprovalRequestPart{ApprovalID: "a1", ToolCallID: "c1"}

	// Requested, no decision yet.
	states := DeriveToolStates([]types.MessageContent{assistantTurn(call, request)})
	if len(states) != 1 {
		t.Fatalf("states: want=1 got=%d", len(states))
	}
	if states[0].State != ToolStateApprovalRequested {
		t.Fatalf("state: want=%q got=%q", ToolStateApprovalRequested, states[0].State)
	}
	if states[0].Approved != nil {
		t.Fatalf("approved before decision: want=nil got=%v", *states[0].Approved)
	}

	// Approved, not yet executed.
	approve := types.ApprovalResponsePart{ApprovalID: "a1", Approved: boolPtr(true)}
	states = DeriveToolStates([]types.MessageContent{
		assistantTurn(call, request),
		userTurn(approve),
	})
	if states[0].State != ToolStateApproved {
		t.Fatalf("state after approval: want=%q got=%q", ToolStateApproved, states[0].State)
	}

	// Executed: result presence wins.
	result := types.ToolResultPart{ToolCallID: "c1", ToolName: "deleteFile", Output: types.ToolOutput{
		Type: types.ToolOutputText, Value: "Deleted: test.txt",
	}}
	states = DeriveToolStates([]types.MessageContent{
		assistantTurn(call, request),
		userTurn(approve),
		toolTurn(result),
	})
	if states[0].State != ToolStateOutputAvailable {
		t.Fatalf("state after result: want=%q got=%q", ToolStateOutputAvailable, states[0].State)
	}
	if states[0].Output == nil || states[0].Output.Value != "Deleted: test.txt" {
		t.Fatalf("output: want %q got %+v", "Deleted: test.txt", states[0].Output)
	}
}

func TestDeriveToolStatesDenial(t *testing.T) {
	msgs := []types.MessageContent{
		assistantTurn(
			types.ToolCallPart{ToolCallID: "c1", ToolName: "deleteFile"},
			types.ApprovalRequestPart{ApprovalID: "a1", ToolCallID: "c1"},
		),
		userTurn(types.ApprovalResponsePart{ApprovalID: "a1", Approved: boolPtr(false), Reason: "User denied"}),
	}
	states := DeriveToolStates(msgs)
	if states[0].State != ToolStateDenied {
		t.Fatalf("state: want=%q got=%q", ToolStateDenied, states[0].State)
	}
	if states[0].Reason != "User denied" {
		t.Fatalf("reason: want=%q got=%q", "User denied", states[0].Reason)
	}

	msgs = append(msgs, toolTurn(types.ToolResultPart{ToolCallID: "c1", Output: types.ToolOutput{
		Type: types.ToolOutputExecutionDenied, Reason: "User denied",
	}}))
	states = DeriveToolStates(msgs)
	if states[0].State != ToolStateOutputDenied {
		t.Fatalf("state after denied result: want=%q got=%q", ToolStateOutputDenied, states[0].State)
	}
}

func TestDeriveToolStatesResultWinsOverPartOrder(t *testing.T) {
	// Result appears before its call in the array; state is still
	// output-available.
	states := DeriveToolStates([]types.MessageContent{assistantTurn(
		types.ToolResultPart{ToolCallID: "c1", Output: types.ToolOutput{Type: types.ToolOutputText, Value: "ok"}},
		types.ToolCallPart{ToolCallID: "c1", ToolName: "search"},
	)})
	if len(states) != 1 || states[0].State != ToolStateOutputAvailable {
		t.Fatalf("state: want=%q got=%+v", ToolStateOutputAvailable, states)
	}
}

func TestDeriveToolStatesDetachedRequestStillReported(t *testing.T) {
	states := DeriveToolStates([]types.MessageContent{
		assistantTurn(types.ApprovalRequestPart{ApprovalID: "a9"}),
	})
	if len(states) != 1 {
		t.Fatalf("states: want=1 got=%d", len(states))
	}
	if states[0].ApprovalID != "a9" || states[0].State != ToolStateApprovalRequested {
		t.Fatalf("detached request state: got %+v", states[0])
	}
}

func TestMergeRevisionsKeepsDroppedToolFragments(t *testing.T) {
	rev1 := []types.Part{
		types.TextPart{Text: "Let me"},
		types.ToolCallPart{ToolCallID: "c1", ToolName: "search"},
	}
	rev2 := []types.Part{
		types.TextPart{Text: "Let me check that."},
		types.ToolResultPart{ToolCallID: "c1", Output: types.ToolOutput{Type: types.ToolOutputText, Value: "found"}},
	}
	merged := MergeRevisions(rev1, rev2)

	if len(merged) != 3 {
		t.Fatalf("merged parts: want=3 got=%d (%+v)", len(merged), merged)
	}
	text, ok := merged[0].(types.TextPart)
	if !ok || text.Text != "Let me check that." {
		t.Fatalf("text part: want latest revision text, got %+v", merged[0])
	}
	if _, ok := merged[1].(types.ToolCallPart); !ok {
		t.Fatalf("tool call dropped from merge: %+v", merged[1])
	}
	if _, ok := merged[2].(types.ToolResultPart); !ok {
		t.Fatalf("tool result missing from merge: %+v", merged[2])
	}
}

func TestMergeRevisionsLatestToolValueWins(t *testing.T) {
	rev1 := []types.Part{types.ToolCallPart{ToolCallID: "c1", ToolName: "search", Input: []byte(`{"q":"a"}`)}}
	rev2 := []types.Part{types.ToolCallPart{ToolCallID: "c1", ToolName: "search", Input: []byte(`{"q":"ab"}`)}}
	merged := MergeRevisions(rev1, rev2)
	if len(merged) != 1 {
		t.Fatalf("merged parts: want=1 got=%d", len(merged))
	}
	call := merged[0].(types.ToolCallPart)
	if string(call.Input) != `{"q":"ab"}` {
		t.Fatalf("tool input: want latest value got %s", call.Input)
	}
}
