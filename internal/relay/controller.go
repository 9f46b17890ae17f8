package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/promptrelay/promptrelay/internal/ledger"
	"github.com/promptrelay/promptrelay/internal/metrics"
	"github.com/promptrelay/promptrelay/internal/openai"
	"github.com/promptrelay/promptrelay/internal/sse"
	"github.com/promptrelay/promptrelay/internal/upstream"
)

const (
	// DefaultMaxInputChars bounds the prompt and each history turn.
	DefaultMaxInputChars = 8000
	// DefaultInactivityTimeout finalizes a job when no upstream byte has
	// arrived for this long, in any lifecycle phase.
	DefaultInactivityTimeout = 120 * time.Second

	errorBodyLimit = 2000
	firstTypesMax  = 10
)

// Turn is one prior conversation turn supplied by the caller. Roles other
// than user and assistant are dropped during request building.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CreateParams carries everything needed to start a job.
type CreateParams struct {
	Prompt       string
	History      []Turn
	ContextFacts []string
	Model        string
	OwnerSubject string
	OwnerID      int64
}

// ControllerConfig tunes the lifecycle controller.
type ControllerConfig struct {
	SystemPrompt      string
	MaxInputChars     int
	InactivityTimeout time.Duration
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.MaxInputChars <= 0 {
		c.MaxInputChars = DefaultMaxInputChars
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	return c
}

// Controller drives jobs through their lifecycle: it validates creation,
// builds the upstream request context, owns the fetch goroutine and its
// inactivity watchdog, and finalizes through the registry.
type Controller struct {
	registry *Registry
	streamer upstream.Streamer
	usage    ledger.Store
	cfg      ControllerConfig
	logger   *log.Logger
	metrics  *metrics.Collector
}

// NewController wires a controller. usage, logger and collector may be nil.
func NewController(reg *Registry, streamer upstream.Streamer, usage ledger.Store, cfg ControllerConfig, logger *log.Logger, collector *metrics.Collector) *Controller {
	return &Controller{
		registry: reg,
		streamer: streamer,
		usage:    usage,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  collector,
	}
}

// CreateJob validates the input, registers a new job and starts the
// upstream fetch in the background. The returned job is immediately
// attachable; the first subscriber may connect before or after the
// upstream responds.
func (c *Controller) CreateJob(params CreateParams) (*Job, error) {
	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		return nil, NewError(CodeInvalidInput, "prompt is empty")
	}
	if len(prompt) > c.cfg.MaxInputChars {
		return nil, NewError(CodeInvalidInput, "prompt exceeds %d chars", c.cfg.MaxInputChars)
	}
	model := strings.TrimSpace(params.Model)
	if model == "" {
		return nil, NewError(CodeModelRequired, "model is required")
	}

	req := openai.ResponsesRequest{
		Model:  model,
		Stream: true,
		Input:  c.buildInput(prompt, params.History, params.ContextFacts),
	}

	job := NewJob(params.OwnerSubject, params.OwnerID, model, req)
	c.registry.Register(job)
	c.logf("job created sid=%s model=%s turns=%d", job.ID, model, len(req.Input))

	go c.run(job)
	return job, nil
}

// buildInput assembles the ordered upstream message list: system
// instructions (plus any caller-supplied context facts), the filtered
// history, then the prompt as the final user turn.
func (c *Controller) buildInput(prompt string, history []Turn, facts []string) []openai.InputMessage {
	system := c.cfg.SystemPrompt
	if len(facts) > 0 {
		var b strings.Builder
		b.WriteString(system)
		b.WriteString("\n\nContext:")
		for _, f := range facts {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			b.WriteString("\n- ")
			b.WriteString(f)
		}
		system = b.String()
	}

	input := make([]openai.InputMessage, 0, len(history)+2)
	if system != "" {
		input = append(input, openai.InputMessage{Role: "system", Content: system})
	}
	for _, t := range history {
		if t.Role != "user" && t.Role != "assistant" {
			continue
		}
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		if len(content) > c.cfg.MaxInputChars {
			content = content[:c.cfg.MaxInputChars]
		}
		input = append(input, openai.InputMessage{Role: t.Role, Content: content})
	}
	input = append(input, openai.InputMessage{Role: "user", Content: prompt})
	return input
}

// activityReader refreshes the job's activity timestamp on every upstream
// read so the watchdog sees byte-level progress, not event-level.
type activityReader struct {
	r   io.Reader
	job *Job
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.job.Touch()
	}
	return n, err
}

// run owns one job's upstream fetch from request to finalize.
func (c *Controller) run(job *Job) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var timedOut atomic.Bool
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go c.watchdog(job, cancel, &timedOut, watchdogDone)

	_ = job.Transition(StateRequesting)
	job.Touch()

	start := time.Now()
	resp, err := c.streamer.Stream(ctx, job.Request)
	if err != nil {
		if timedOut.Load() {
			c.finish(job, NewError(CodeUpstreamTimeout, "no upstream response within %s", c.cfg.InactivityTimeout))
			return
		}
		c.logf("upstream connect failed sid=%s: %v", job.ID, err)
		c.finish(job, NewError(CodeUpstreamUnavailable, "upstream connection failed"))
		return
	}

	c.registry.Broadcast(job.ID, EventUpstream, UpstreamPayload{Status: resp.Status, ContentType: resp.ContentType})

	if resp.Status != 200 {
		body := resp.ReadErrorBody(errorBodyLimit)
		c.logf("upstream status=%d sid=%s body=%q", resp.Status, job.ID, body)
		if body == "" {
			body = fmt.Sprintf("HTTP %d", resp.Status)
		}
		c.finish(job, NewError(CodeUpstreamUnavailable, "HTTP %d: %s", resp.Status, body))
		return
	}
	if !resp.IsEventStream() {
		body := resp.ReadErrorBody(errorBodyLimit)
		c.logf("upstream non-sse sid=%s ct=%s body=%q", job.ID, resp.ContentType, body)
		c.finish(job, NewError(CodeUpstreamUnavailable, "unexpected upstream content type %s", resp.ContentType))
		return
	}
	defer resp.Body.Close()

	_ = job.Transition(StateStreaming)
	c.logf("upstream streaming sid=%s model=%s delay=%dms", job.ID, job.Model, time.Since(start).Milliseconds())

	c.consume(job, resp.Body, &timedOut)
}

// consume runs the protocol loop: decode blank-line framed events, feed
// text into the registry, and finalize exactly once on the first terminal
// condition.
func (c *Controller) consume(job *Job, body io.Reader, timedOut *atomic.Bool) {
	dec := sse.NewDecoder(&activityReader{r: body, job: job})

	eventCount := 0
	firstTypes := make([]string, 0, firstTypesMax)

	for {
		payload, err := dec.Next()
		if err != nil {
			switch {
			case errors.Is(err, sse.ErrStreamDone):
				c.finish(job, nil)
			case errors.Is(err, io.EOF):
				// Close without the sentinel. Data already relayed is
				// delivered as a normal completion; an empty close is a
				// distinct failure.
				if eventCount == 0 && job.Reply() == "" {
					c.finish(job, NewError(CodePartialDataClosed, "upstream closed before any data"))
				} else {
					c.logf("upstream closed without sentinel sid=%s events=%d", job.ID, eventCount)
					c.finish(job, nil)
				}
			case timedOut.Load():
				c.finish(job, NewError(CodeUpstreamTimeout, "no upstream data within %s", c.cfg.InactivityTimeout))
			default:
				c.logf("upstream read failed sid=%s: %v", job.ID, err)
				c.finish(job, NewError(CodeUpstreamConnectionLost, "upstream connection lost"))
			}
			return
		}

		ev, perr := openai.ParseStreamEvent(payload)
		if perr != nil {
			if c.metrics != nil {
				c.metrics.MalformedFrame()
			}
			c.logf("upstream json parse sid=%s: %v :: %.120s", job.ID, perr, payload)
			continue
		}

		eventCount++
		if len(firstTypes) < firstTypesMax {
			firstTypes = append(firstTypes, ev.Type)
			if len(firstTypes) == firstTypesMax {
				c.registry.Broadcast(job.ID, EventDebug, map[string]any{"first_types": firstTypes})
			}
		}

		if delta := ev.DeltaText(); delta != "" {
			c.registry.AppendDelta(job.ID, delta)
		} else if snap := ev.SnapshotText(); snap != "" {
			c.registry.ApplySnapshot(job.ID, snap)
		} else if !ev.IsTerminal() && ev.Type != openai.EventResponseError {
			if c.metrics != nil {
				c.metrics.UnknownEvent()
			}
		}

		if ev.Type == openai.EventResponseError {
			c.logf("upstream response.error sid=%s :: %.500s", job.ID, payload)
			c.finish(job, NewError(CodeUpstreamProtocolError, "upstream reported an error"))
			return
		}
		if ev.IsTerminal() {
			c.logf("upstream done sid=%s events=%d len=%d mode=%s", job.ID, eventCount, len(job.Reply()), job.Mode())
			c.finish(job, nil)
			return
		}
	}
}

// watchdog cancels the upstream context when no byte has arrived within
// the inactivity window. One uniform timeout covers waiting for the
// response, waiting for the first token, and mid-stream stalls.
func (c *Controller) watchdog(job *Job, cancel context.CancelFunc, timedOut *atomic.Bool, done <-chan struct{}) {
	interval := c.cfg.InactivityTimeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if time.Since(job.LastActivity()) >= c.cfg.InactivityTimeout {
				timedOut.Store(true)
				c.logf("upstream inactivity timeout sid=%s", job.ID)
				cancel()
				return
			}
		}
	}
}

// finish finalizes the job and records usage. Each run path calls it at
// most once; the registry guarantees idempotence regardless.
func (c *Controller) finish(job *Job, relayErr *Error) {
	c.registry.Finalize(job.ID, relayErr)
	c.recordUsage(job, relayErr)
}

func (c *Controller) recordUsage(job *Job, relayErr *Error) {
	if c.usage == nil {
		return
	}
	outcome := "done"
	if relayErr != nil {
		outcome = string(relayErr.Code)
	}
	promptChars := 0
	for _, m := range job.Request.Input {
		promptChars += len(m.Content)
	}
	entry := ledger.Entry{
		CallerID:         job.OwnerID,
		JobID:            job.ID,
		Model:            job.Model,
		PromptTokens:     ledger.ApproxTokens(promptChars),
		CompletionTokens: ledger.ApproxTokens(len(job.Reply())),
		Outcome:          outcome,
		CreatedAt:        time.Now().UTC(),
	}
	if err := c.usage.Record(context.Background(), entry); err != nil {
		c.logf("usage record failed sid=%s: %v", job.ID, err)
	}
}

func (c *Controller) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
