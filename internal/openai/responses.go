// Package openai holds the wire types for the upstream Responses API.
package openai

import "encoding/json"

// ResponsesRequest is the payload for a streaming /v1/responses call.
type ResponsesRequest struct {
	Model  string         `json:"model"`
	Stream bool           `json:"stream"`
	Input  []InputMessage `json:"input"`
}

// InputMessage is one role-tagged turn of the conversation sent upstream.
type InputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Event type labels observed on the upstream stream. Unknown labels are
// counted and ignored for forward compatibility.
const (
	EventOutputTextDelta  = "response.output_text.delta"
	EventContentPartDelta = "response.content_part.delta"
	EventOutputTextDone   = "response.output_text.done"
	EventResponseDone     = "response.done"
	EventResponseComplete = "response.completed"
	EventResponseError    = "response.error"
)

// StreamEvent is one decoded upstream protocol event.
type StreamEvent struct {
	Type  string       `json:"type"`
	Delta string       `json:"delta,omitempty"`
	Text  string       `json:"text,omitempty"`
	Part  *ContentPart `json:"part,omitempty"`
	// Response is present on response.done / response.completed events and
	// may carry a full-text snapshot.
	Response *ResponseSnapshot `json:"response,omitempty"`
}

// ContentPart is the nested part of a response.content_part.delta event.
type ContentPart struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Delta string `json:"delta,omitempty"`
}

// ResponseSnapshot is the subset of a completed response the relay reads.
type ResponseSnapshot struct {
	OutputText string `json:"output_text,omitempty"`
}

// DeltaText returns the incremental fragment carried by a delta-type event,
// or "" when the event carries none.
func (e *StreamEvent) DeltaText() string {
	switch e.Type {
	case EventOutputTextDelta:
		if e.Delta != "" {
			return e.Delta
		}
		return e.Text
	case EventContentPartDelta:
		if e.Part != nil && e.Part.Type == "output_text" {
			if e.Part.Text != "" {
				return e.Part.Text
			}
			return e.Part.Delta
		}
	}
	return ""
}

// SnapshotText returns the full-so-far text carried by a snapshot-type
// event, or "" when the event carries none.
func (e *StreamEvent) SnapshotText() string {
	switch e.Type {
	case EventOutputTextDone:
		return e.Text
	case EventResponseDone, EventResponseComplete:
		if e.Response != nil {
			return e.Response.OutputText
		}
	}
	return ""
}

// IsTerminal reports whether the event completes the response.
func (e *StreamEvent) IsTerminal() bool {
	return e.Type == EventResponseDone || e.Type == EventResponseComplete
}

// ParseStreamEvent decodes one data payload into a StreamEvent.
func ParseStreamEvent(payload string) (*StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
