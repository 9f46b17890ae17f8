package relay

// EventType labels an outbound framed event on a subscriber stream.
type EventType string

const (
	// EventMeta opens every stream exactly once, echoing the job id and
	// resolved model.
	EventMeta EventType = "meta"
	// EventToken carries one flushed text chunk as {"t": "..."}.
	EventToken EventType = "token"
	// EventDone terminates a successful stream with the full reply.
	EventDone EventType = "done"
	// EventError terminates a failed stream with a description.
	EventError EventType = "error"
	// EventPing is a per-connection heartbeat with no job-state semantics.
	EventPing EventType = "ping"
	// EventUpstream reports the upstream response status and content type.
	EventUpstream EventType = "upstream"
	// EventDebug carries transient diagnostics such as the first observed
	// upstream event types.
	EventDebug EventType = "debug"
)

// TokenPayload is the payload of a token event. Concatenating the T values
// of a job's token events, in emission order, yields the final reply.
type TokenPayload struct {
	T string `json:"t"`
}

// DonePayload is the payload of the done terminal event.
type DonePayload struct {
	Done  bool   `json:"done"`
	Reply string `json:"reply"`
}

// ErrorPayload is the payload of the error terminal event.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  Code   `json:"code,omitempty"`
}

// MetaPayload is the payload of the meta event.
type MetaPayload struct {
	OK    bool   `json:"ok"`
	JobID string `json:"sid"`
	Model string `json:"model"`
	TS    string `json:"ts"`
}

// UpstreamPayload mirrors the upstream response line for diagnostics.
type UpstreamPayload struct {
	Status      int    `json:"status"`
	ContentType string `json:"ct"`
}

// Subscriber is one live outbound connection attached to a job. Send must
// not block: an implementation that cannot accept the event promptly
// returns an error, which detaches and closes only that subscriber.
type Subscriber interface {
	Send(event EventType, payload any) error
	Close()
}
