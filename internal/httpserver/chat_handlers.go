package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/promptrelay/promptrelay/internal/relay"
)

type chatCreateRequest struct {
	Message      string       `json:"message"`
	Model        string       `json:"model"`
	History      []relay.Turn `json:"history,omitempty"`
	ContextFacts []string     `json:"context,omitempty"`
}

type chatCreateResponse struct {
	OK  bool   `json:"ok"`
	SID string `json:"sid"`
}

// handleChatCreate validates and starts a job. The response carries only
// the job id; all output arrives over the stream endpoint.
func (s *Server) handleChatCreate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, err := s.authenticate(r, bearerToken(r.Header.Get("Authorization")))
	if err != nil {
		s.recordRequestError("chat_create")
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if !caller.CanCreate() {
		s.recordRequestError("chat_create")
		writeJSONError(w, http.StatusForbidden, "caller is not approved for job creation")
		return
	}
	if s.limiter != nil && !s.limiter.Allow(r.Context(), caller.Subject) {
		if s.metrics != nil {
			s.metrics.RateLimitHit()
		}
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req chatCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.recordRequestError("chat_create")
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !s.modelAllowed(req.Model) {
		s.recordRequestError("chat_create")
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown model %q", req.Model))
		return
	}

	job, err := s.controller.CreateJob(relay.CreateParams{
		Prompt:       req.Message,
		History:      req.History,
		ContextFacts: req.ContextFacts,
		Model:        req.Model,
		OwnerSubject: caller.Subject,
		OwnerID:      caller.ID,
	})
	if err != nil {
		s.recordRequestError("chat_create")
		writeRelayError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordRequest("chat_create", time.Since(start))
	}
	writeJSON(w, http.StatusOK, chatCreateResponse{OK: true, SID: job.ID})
}

// modelAllowed checks the value against the loaded catalog. An empty
// catalog lets everything through so the controller enforces presence.
func (s *Server) modelAllowed(model string) bool {
	if model == "" {
		// Let the controller return the model_required error shape.
		return true
	}
	if len(s.models) == 0 {
		return true
	}
	for _, m := range s.models {
		if m.Value == model {
			return true
		}
	}
	return false
}

// handleChatStream attaches the caller to a job's SSE stream. Tokens
// arrive via query parameter because EventSource cannot set headers.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		writeJSONError(w, http.StatusBadRequest, "missing sid")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r.Header.Get("Authorization"))
	}
	caller, err := s.authenticate(r, token)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	job := s.registry.Lookup(sid)
	if job == nil {
		writeJSONError(w, http.StatusNotFound, "sid not found")
		return
	}
	// Only the caller that created the job may attach. Opaque equality,
	// never interpretation.
	if !s.authDisabled && job.OwnerSubject != "" && job.OwnerSubject != caller.Subject {
		writeJSONError(w, http.StatusForbidden, "stream belongs to another caller")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Comment prelude so the client sees the connection is live before
	// the first event.
	fmt.Fprint(w, ":ok\n\n")
	flusher.Flush()

	writeSSE(w, flusher, relay.EventMeta, relay.MetaPayload{
		OK:    true,
		JobID: job.ID,
		Model: job.Model,
		TS:    time.Now().UTC().Format(time.RFC3339),
	})

	sub := newSSESubscriber()
	if err := s.registry.Attach(sid, sub); err != nil {
		writeSSE(w, flusher, relay.EventError, relay.ErrorPayload{Error: "sid not found", Code: relay.CodeNotFound})
		return
	}

	s.pump(w, flusher, r, sid, sub)
}

// pump forwards queued events to the wire until the job closes the
// subscriber or the client goes away.
func (s *Server) pump(w http.ResponseWriter, flusher http.Flusher, r *http.Request, sid string, sub *sseSubscriber) {
	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.registry.Detach(sid, sub)
			return
		case <-heartbeat.C:
			writeSSE(w, flusher, relay.EventPing, map[string]int64{"t": time.Now().UnixMilli()})
		case frame := <-sub.frames:
			writeSSE(w, flusher, frame.event, frame.payload)
		case <-sub.closed:
			// Drain anything queued ahead of the close.
			for {
				select {
				case frame := <-sub.frames:
					writeSSE(w, flusher, frame.event, frame.payload)
				default:
					return
				}
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event relay.EventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

const subscriberBuffer = 256

type sseFrame struct {
	event   relay.EventType
	payload any
}

// sseSubscriber queues events for one connection. Send never blocks the
// broadcasting job: a connection that cannot drain its buffer is dropped
// by the registry on the failed send.
type sseSubscriber struct {
	frames chan sseFrame
	closed chan struct{}
	once   sync.Once
}

func newSSESubscriber() *sseSubscriber {
	return &sseSubscriber{
		frames: make(chan sseFrame, subscriberBuffer),
		closed: make(chan struct{}),
	}
}

func (s *sseSubscriber) Send(event relay.EventType, payload any) error {
	select {
	case <-s.closed:
		return errors.New("subscriber closed")
	case s.frames <- sseFrame{event: event, payload: payload}:
		return nil
	default:
		return errors.New("subscriber backlogged")
	}
}

func (s *sseSubscriber) Close() {
	s.once.Do(func() { close(s.closed) })
}

func (s *Server) recordRequestError(endpoint string) {
	if s.metrics != nil {
		s.metrics.RecordRequestError(endpoint)
	}
}
