package relay

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/promptrelay/promptrelay/internal/ledger"
	"github.com/promptrelay/promptrelay/internal/openai"
	"github.com/promptrelay/promptrelay/internal/upstream"
)

// fakeStreamer serves a canned response and records the request it saw.
type fakeStreamer struct {
	mu     sync.Mutex
	resp   func(ctx context.Context) *upstream.Response
	err    error
	gotReq openai.ResponsesRequest
}

func (f *fakeStreamer) Stream(ctx context.Context, req openai.ResponsesRequest) (*upstream.Response, error) {
	f.mu.Lock()
	f.gotReq = req
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.resp(ctx), nil
}

func (f *fakeStreamer) request() openai.ResponsesRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotReq
}

// sseResponse wraps a literal SSE stream; delay holds back the first read
// so the test can attach a subscriber before any token flows.
func sseResponse(body string, delay time.Duration) func(ctx context.Context) *upstream.Response {
	return func(ctx context.Context) *upstream.Response {
		return &upstream.Response{
			Status:      200,
			ContentType: "text/event-stream",
			Body:        io.NopCloser(&delayedReader{r: strings.NewReader(body), delay: delay}),
		}
	}
}

type delayedReader struct {
	r     io.Reader
	delay time.Duration
	once  sync.Once
}

func (d *delayedReader) Read(p []byte) (int, error) {
	d.once.Do(func() { time.Sleep(d.delay) })
	return d.r.Read(p)
}

// stalledBody blocks on Read until the request context is cancelled,
// simulating an upstream that connects and then goes silent.
type stalledBody struct{ ctx context.Context }

func (s *stalledBody) Read(p []byte) (int, error) {
	<-s.ctx.Done()
	return 0, s.ctx.Err()
}

func (s *stalledBody) Close() error { return nil }

type memLedger struct {
	mu      sync.Mutex
	entries []ledger.Entry
}

func (m *memLedger) Record(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

func (m *memLedger) Summary(context.Context, int64) (ledger.Summary, error) {
	return ledger.Summary{}, nil
}

func (m *memLedger) ListRecent(context.Context, int64, int) ([]ledger.Entry, error) {
	return nil, nil
}

func (m *memLedger) Close() error { return nil }

func (m *memLedger) last() (ledger.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return ledger.Entry{}, false
	}
	return m.entries[len(m.entries)-1], true
}

func event(typ, field, text string) string {
	return `data: {"type":"` + typ + `","` + field + `":"` + text + `"}` + "\n\n"
}

func newTestController(s upstream.Streamer, usage ledger.Store, cfg ControllerConfig) (*Controller, *Registry) {
	reg := NewRegistry(DefaultCadence(), nil, nil)
	reg.SetGrace(time.Minute)
	return NewController(reg, s, usage, cfg, nil, nil), reg
}

func TestController_CreateValidation(t *testing.T) {
	c, _ := newTestController(&fakeStreamer{}, nil, ControllerConfig{})

	tests := []struct {
		name   string
		params CreateParams
		want   Code
	}{
		{"empty prompt", CreateParams{Model: "m"}, CodeInvalidInput},
		{"whitespace prompt", CreateParams{Prompt: "   \n ", Model: "m"}, CodeInvalidInput},
		{"oversized prompt", CreateParams{Prompt: strings.Repeat("a", DefaultMaxInputChars+1), Model: "m"}, CodeInvalidInput},
		{"missing model", CreateParams{Prompt: "hi"}, CodeModelRequired},
	}
	for _, tt := range tests {
		_, err := c.CreateJob(tt.params)
		if CodeOf(err) != tt.want {
			t.Errorf("%s: err = %v, want code %s", tt.name, err, tt.want)
		}
	}
}

func TestController_BuildsRequestContext(t *testing.T) {
	s := &fakeStreamer{resp: sseResponse("data: [DONE]\n\n", 0)}
	c, _ := newTestController(s, nil, ControllerConfig{SystemPrompt: "be brief", MaxInputChars: 10})

	job, err := c.CreateJob(CreateParams{
		Prompt: "question?",
		Model:  "test-model",
		History: []Turn{
			{Role: "user", Content: "  first turn  "},
			{Role: "tool", Content: "dropped role"},
			{Role: "assistant", Content: ""},
			{Role: "assistant", Content: "a very long answer that gets cut"},
		},
		ContextFacts: []string{"today is monday", ""},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, job.Done)

	input := s.request().Input
	if len(input) != 4 {
		t.Fatalf("input length = %d, want 4: %+v", len(input), input)
	}
	if input[0].Role != "system" || !strings.HasPrefix(input[0].Content, "be brief") {
		t.Errorf("system turn = %+v", input[0])
	}
	if !strings.Contains(input[0].Content, "today is monday") {
		t.Error("context facts missing from system instructions")
	}
	if input[1].Content != "first turn" {
		t.Errorf("history turn not trimmed: %q", input[1].Content)
	}
	if got := input[2].Content; got != "a very lon" {
		t.Errorf("history turn not truncated: %q", got)
	}
	if input[3].Role != "user" || input[3].Content != "question?" {
		t.Errorf("final turn = %+v", input[3])
	}
}

func TestController_StreamsDeltasToSubscriber(t *testing.T) {
	body := event("response.output_text.delta", "delta", "Hello ") +
		event("response.output_text.delta", "delta", "world.") +
		"data: [DONE]\n\n"
	s := &fakeStreamer{resp: sseResponse(body, 30*time.Millisecond)}
	usage := &memLedger{}
	c, reg := newTestController(s, usage, ControllerConfig{})

	job, err := c.CreateJob(CreateParams{Prompt: "hi", Model: "test-model", OwnerID: 7})
	if err != nil {
		t.Fatal(err)
	}
	sub := &fakeSub{}
	if err := reg.Attach(job.ID, sub); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, job.Done)

	if got := sub.tokens(); got != "Hello world." {
		t.Errorf("tokens = %q", got)
	}
	if sub.count(EventDone) != 1 {
		t.Errorf("done events = %d, want 1", sub.count(EventDone))
	}
	if sub.count(EventUpstream) != 1 {
		t.Errorf("upstream events = %d, want 1", sub.count(EventUpstream))
	}
	if job.Mode() != ModeIncremental {
		t.Errorf("mode = %s, want incremental", job.Mode())
	}

	entry, ok := usage.last()
	if !ok {
		t.Fatal("no usage entry recorded")
	}
	if entry.Outcome != "done" || entry.CallerID != 7 {
		t.Errorf("usage entry = %+v", entry)
	}
	if entry.CompletionTokens != ledger.ApproxTokens(len("Hello world.")) {
		t.Errorf("completion tokens = %d", entry.CompletionTokens)
	}
}

func TestController_SnapshotOnlyStream(t *testing.T) {
	body := event("response.output_text.done", "text", "Hi") +
		event("response.output_text.done", "text", "Hi there") +
		"data: [DONE]\n\n"
	s := &fakeStreamer{resp: sseResponse(body, 0)}
	c, _ := newTestController(s, nil, ControllerConfig{})

	job, err := c.CreateJob(CreateParams{Prompt: "hi", Model: "test-model"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, job.Done)

	if got := job.Reply(); got != "Hi there" {
		t.Errorf("reply = %q", got)
	}
	if job.Mode() != ModeSnapshot {
		t.Errorf("mode = %s, want snapshot", job.Mode())
	}
}

func TestController_UpstreamHTTPError(t *testing.T) {
	s := &fakeStreamer{resp: func(ctx context.Context) *upstream.Response {
		return &upstream.Response{
			Status:      500,
			ContentType: "application/json",
			Body:        io.NopCloser(strings.NewReader(`{"error":"boom"}`)),
		}
	}}
	usage := &memLedger{}
	c, reg := newTestController(s, usage, ControllerConfig{})

	job, err := c.CreateJob(CreateParams{Prompt: "hi", Model: "test-model"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, job.Done)

	// Late attach still observes the terminal error.
	sub := &fakeSub{}
	if err := reg.Attach(job.ID, sub); err != nil {
		t.Fatal(err)
	}
	events := sub.snapshot()
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("events = %+v, want single error", events)
	}
	if got := events[0].Payload.(ErrorPayload).Code; got != CodeUpstreamUnavailable {
		t.Errorf("code = %s, want upstream_unavailable", got)
	}
	if entry, ok := usage.last(); !ok || entry.Outcome != string(CodeUpstreamUnavailable) {
		t.Errorf("usage outcome = %+v", entry)
	}
}

func TestController_UpstreamNonSSEContentType(t *testing.T) {
	s := &fakeStreamer{resp: func(ctx context.Context) *upstream.Response {
		return &upstream.Response{
			Status:      200,
			ContentType: "text/html",
			Body:        io.NopCloser(strings.NewReader("<html>not a stream</html>")),
		}
	}}
	c, reg := newTestController(s, nil, ControllerConfig{})

	job, err := c.CreateJob(CreateParams{Prompt: "hi", Model: "test-model"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, job.Done)

	sub := &fakeSub{}
	if err := reg.Attach(job.ID, sub); err != nil {
		t.Fatal(err)
	}
	if got := sub.snapshot()[0].Payload.(ErrorPayload).Code; got != CodeUpstreamUnavailable {
		t.Errorf("code = %s, want upstream_unavailable", got)
	}
}

func TestController_ResponseErrorEvent(t *testing.T) {
	body := event("response.output_text.delta", "delta", "partial") +
		`data: {"type":"response.error"}` + "\n\n"
	s := &fakeStreamer{resp: sseResponse(body, 0)}
	c, reg := newTestController(s, nil, ControllerConfig{})

	job, err := c.CreateJob(CreateParams{Prompt: "hi", Model: "test-model"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, job.Done)

	sub := &fakeSub{}
	if err := reg.Attach(job.ID, sub); err != nil {
		t.Fatal(err)
	}
	if got := sub.snapshot()[0].Payload.(ErrorPayload).Code; got != CodeUpstreamProtocolError {
		t.Errorf("code = %s, want upstream_protocol_error", got)
	}
}

func TestController_EmptyCloseIsPartialData(t *testing.T) {
	s := &fakeStreamer{resp: sseResponse("", 0)}
	c, reg := newTestController(s, nil, ControllerConfig{})

	job, err := c.CreateJob(CreateParams{Prompt: "hi", Model: "test-model"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, job.Done)

	sub := &fakeSub{}
	if err := reg.Attach(job.ID, sub); err != nil {
		t.Fatal(err)
	}
	if got := sub.snapshot()[0].Payload.(ErrorPayload).Code; got != CodePartialDataClosed {
		t.Errorf("code = %s, want partial_data_closed", got)
	}
}

func TestController_CloseAfterDataCompletes(t *testing.T) {
	// Stream ends without the sentinel after real data: the relayed text is
	// delivered as a normal completion.
	body := event("response.output_text.delta", "delta", "all of it.")
	s := &fakeStreamer{resp: sseResponse(body, 0)}
	c, reg := newTestController(s, nil, ControllerConfig{})

	job, err := c.CreateJob(CreateParams{Prompt: "hi", Model: "test-model"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, job.Done)

	sub := &fakeSub{}
	if err := reg.Attach(job.ID, sub); err != nil {
		t.Fatal(err)
	}
	events := sub.snapshot()
	if len(events) != 1 || events[0].Type != EventDone {
		t.Fatalf("events = %+v, want single done", events)
	}
	if got := events[0].Payload.(DonePayload).Reply; got != "all of it." {
		t.Errorf("reply = %q", got)
	}
}

func TestController_InactivityTimeout(t *testing.T) {
	s := &fakeStreamer{resp: func(ctx context.Context) *upstream.Response {
		return &upstream.Response{
			Status:      200,
			ContentType: "text/event-stream",
			Body:        &stalledBody{ctx: ctx},
		}
	}}
	c, reg := newTestController(s, nil, ControllerConfig{InactivityTimeout: 60 * time.Millisecond})

	job, err := c.CreateJob(CreateParams{Prompt: "hi", Model: "test-model"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, job.Done)

	sub := &fakeSub{}
	if err := reg.Attach(job.ID, sub); err != nil {
		t.Fatal(err)
	}
	if got := sub.snapshot()[0].Payload.(ErrorPayload).Code; got != CodeUpstreamTimeout {
		t.Errorf("code = %s, want upstream_timeout", got)
	}
}

func TestController_MalformedFramesSkipped(t *testing.T) {
	body := "data: {not json}\n\n" +
		event("response.output_text.delta", "delta", "fine.") +
		"data: [DONE]\n\n"
	s := &fakeStreamer{resp: sseResponse(body, 0)}
	c, _ := newTestController(s, nil, ControllerConfig{})

	job, err := c.CreateJob(CreateParams{Prompt: "hi", Model: "test-model"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, job.Done)

	if got := job.Reply(); got != "fine." {
		t.Errorf("reply = %q, malformed frame must not be fatal", got)
	}
}
