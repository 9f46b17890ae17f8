// Package upstream issues the streaming request to the remote
// text-generation service.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/promptrelay/promptrelay/internal/openai"
)

// Streamer opens one streaming generation request per job.
type Streamer interface {
	Stream(ctx context.Context, req openai.ResponsesRequest) (*Response, error)
}

// Response is the upstream reply before protocol parsing. The caller owns
// Body and must close it.
type Response struct {
	Status      int
	ContentType string
	Body        io.ReadCloser
}

// IsEventStream reports whether the response carries the expected
// streaming content type.
func (r *Response) IsEventStream() bool {
	return strings.Contains(r.ContentType, "text/event-stream")
}

// ReadErrorBody drains up to limit bytes of a failed response for an
// error message, then closes the body.
func (r *Response) ReadErrorBody(limit int64) string {
	defer r.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(r.Body, limit))
	return strings.TrimSpace(string(raw))
}

// Config holds configuration for the upstream client.
type Config struct {
	APIKey  string
	BaseURL string // optional, defaults to https://api.openai.com/v1
	Org     string // optional organization ID
	// ConnectTimeout bounds dialing and response headers. The body is
	// deliberately unbounded here; stall detection is the lifecycle
	// controller's inactivity watchdog.
	ConnectTimeout time.Duration
}

// Client sends streaming requests to the Responses API.
type Client struct {
	apiKey     string
	baseURL    string
	org        string
	httpClient *http.Client
}

var _ Streamer = (*Client)(nil)

// New creates a Client instance.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("upstream: api key required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 30 * time.Second
	}

	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		org:     cfg.Org,
		httpClient: &http.Client{
			// No overall timeout: a healthy stream may run for minutes.
			Transport: &http.Transport{
				ResponseHeaderTimeout: connectTimeout,
			},
		},
	}, nil
}

// Stream opens the streaming request and returns the raw response for
// the protocol parser. Transport-level failures are the only errors;
// HTTP-level failures are reported through Response.Status.
func (c *Client) Stream(ctx context.Context, req openai.ResponsesRequest) (*Response, error) {
	if len(req.Input) == 0 {
		return nil, errors.New("upstream: no input messages provided")
	}
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.org != "" {
		httpReq.Header.Set("OpenAI-Organization", c.org)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: send request: %w", err)
	}

	return &Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        resp.Body,
	}, nil
}
