package testutil

import (
	"bufio"
	"net/http"
	"strings"
	"testing"
)

// SSEEvent is one event/data pair read off a server-sent event stream.
type SSEEvent struct {
	Event string
	Data  string
}

// ReadSSE consumes a streaming response until a done or error event
// arrives, returning the comment prelude (if any) and every data-carrying
// event in order. The response body is closed on return.
func ReadSSE(t *testing.T, resp *http.Response) (prelude string, events []SSEEvent) {
	t.Helper()
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var current string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			prelude = line
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			events = append(events, SSEEvent{Event: current, Data: strings.TrimPrefix(line, "data: ")})
			if current == "done" || current == "error" {
				return prelude, events
			}
		}
	}
	return prelude, events
}

// Filter returns the events matching the given type, preserving order.
func Filter(events []SSEEvent, event string) []SSEEvent {
	var out []SSEEvent
	for _, ev := range events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}
