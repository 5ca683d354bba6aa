package client

import (
	"bufio"
	"io"
	"strings"
)

// maxSSELine bounds a single event line; gateway deltas are small but
// tool-call argument chunks can get long.
const maxSSELine = 1 << 20

// streamSSE reads the subset of server-sent-event framing the inference
// gateway emits: an optional "event:" line, one or more "data:" lines,
// a blank line closing the event. Comment lines are dropped.
func streamSSE(r io.Reader, onEvent func(event string, data string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var (
		name string
		data []string
	)
	emit := func() error {
		if len(data) == 0 {
			name = ""
			return nil
		}
		ev, payload := name, strings.Join(data, "\n")
		name, data = "", nil
		if onEvent == nil {
			return nil
		}
		return onEvent(ev, payload)
	}

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		switch {
		case line == "":
			if err := emit(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(line[len("data:"):]))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	// A final event without a trailing blank line still counts.
	return emit()
}
