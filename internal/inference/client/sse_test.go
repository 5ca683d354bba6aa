package client

import (
	"strings"
	"testing"
)

func TestStreamSSEFraming(t *testing.T) {
	input := strings.Join([]string{
		": keepalive",
		"event: delta",
		"data: line one",
		"data: line two",
		"",
		"data: solo",
		"",
		"data: trailing without blank line",
	}, "\n")

	type got struct{ event, data string }
	var events []got
	err := streamSSE(strings.NewReader(input), func(event, data string) error {
		events = append(events, got{event, data})
		return nil
	})
	if err != nil {
		t.Fatalf("streamSSE: %v", err)
	}

	want := []got{
		{"delta", "line one\nline two"},
		{"", "solo"},
		{"", "trailing without blank line"},
	}
	if len(events) != len(want) {
		t.Fatalf("events: want=%d got=%d (%v)", len(want), len(events), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d: want=%+v got=%+v", i, want[i], events[i])
		}
	}
}
