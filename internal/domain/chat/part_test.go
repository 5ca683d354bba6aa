package chat

import (
	"strings"
	"testing"
)

func TestUnmarshalPartsRejectsUnknownType(t *testing.T) {
	data := []byte(`[{"type":"text","text":"hi"},{"type":"hologram","data":"x"}]`)
	if _, err := UnmarshalParts(data); err == nil {
		t.Fatalf("unknown part type decoded without error")
	} else if !strings.Contains(err.Error(), "hologram") {
		t.Fatalf("error should name the unknown type, got: %v", err)
	}
}

func TestMarshalPartsTagsEveryPart(t *testing.T) {
	approved := true
	encoded, err := MarshalParts([]Part{
		TextPart{Text: "hi"},
		ToolCallPart{ToolCallID: "c1", ToolName: "search", Input: []byte(`{"q":"x"}`)},
		ApprovalResponsePart{ApprovalID: "a1", Approved: &approved},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := UnmarshalParts(encoded)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("decoded parts: want=3 got=%d", len(decoded))
	}
	resp, ok := decoded[2].(ApprovalResponsePart)
	if !ok {
		t.Fatalf("part 2: want ApprovalResponsePart got %T", decoded[2])
	}
	if resp.Approved == nil || !*resp.Approved {
		t.Fatalf("approved pointer lost in round trip: %+v", resp)
	}
}

func TestDeriveTextJoinsTextParts(t *testing.T) {
	c := MessageContent{Role: RoleAssistant, Parts: []Part{
		TextPart{Text: "first"},
		ReasoningPart{Text: "hidden"},
		TextPart{Text: "second"},
	}}
	if got := DeriveText(c); got != "first\nsecond" {
		t.Fatalf("derived text: want=%q got=%q", "first\nsecond", got)
	}
}

func TestDeriveToolFlag(t *testing.T) {
	plain := MessageContent{Role: RoleAssistant, Parts: []Part{TextPart{Text: "hi"}}}
	if DeriveToolFlag(plain) {
		t.Fatalf("plain assistant message flagged as tool")
	}
	withResult := MessageContent{Role: RoleAssistant, Parts: []Part{
		ToolResultPart{ToolCallID: "c1", Output: ToolOutput{Type: ToolOutputText, Value: "ok"}},
	}}
	if !DeriveToolFlag(withResult) {
		t.Fatalf("message with tool result not flagged")
	}
	toolRole := MessageContent{Role: RoleTool}
	if !DeriveToolFlag(toolRole) {
		t.Fatalf("tool role message not flagged")
	}
}
