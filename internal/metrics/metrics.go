// Package metrics collects relay counters and exports them in Prometheus
// text format. Tracking is manual, mirroring the rest of the stack's
// no-dependency exposition.
package metrics

import (
	"sync"
	"time"
)

// Collector accumulates relay metrics. All methods are safe for
// concurrent use.
type Collector struct {
	mu sync.RWMutex

	// HTTP surface
	totalRequests    map[string]int64 // by endpoint
	requestErrors    map[string]int64
	totalRequestsDur map[string]int64 // total duration in ms
	rateLimitHits    int64

	// Job lifecycle
	jobsRegistered map[string]int64 // by model
	jobsFinalized  map[string]int64 // by outcome (done or error code)

	// Streaming
	subscribersActive int64
	tokenEvents       int64
	tokenChars        int64

	// Upstream parsing
	malformedFrames  int64
	unknownEvents    int64
	ignoredSnapshots int64

	startTime time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:    make(map[string]int64),
		requestErrors:    make(map[string]int64),
		totalRequestsDur: make(map[string]int64),
		jobsRegistered:   make(map[string]int64),
		jobsFinalized:    make(map[string]int64),
		startTime:        time.Now(),
	}
}

// RecordRequest records one handled request on an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
}

// RecordRequestError records a request that failed.
func (c *Collector) RecordRequestError(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestErrors[endpoint]++
}

// RateLimitHit records a rejected job-creation attempt.
func (c *Collector) RateLimitHit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitHits++
}

// JobRegistered records a new job for a model.
func (c *Collector) JobRegistered(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobsRegistered[model]++
}

// JobFinalized records a job reaching its terminal state.
// outcome is "done" or the relay error code.
func (c *Collector) JobFinalized(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobsFinalized[outcome]++
}

// SubscriberAttached increments the live subscriber gauge.
func (c *Collector) SubscriberAttached() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribersActive++
}

// SubscriberDetached decrements the live subscriber gauge.
func (c *Collector) SubscriberDetached() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribersActive > 0 {
		c.subscribersActive--
	}
}

// TokenEventEmitted records one flushed token event carrying n chars.
func (c *Collector) TokenEventEmitted(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenEvents++
	c.tokenChars += int64(n)
}

// MalformedFrame records a skipped unparseable upstream frame.
func (c *Collector) MalformedFrame() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.malformedFrames++
}

// UnknownEvent records an unrecognized upstream event type.
func (c *Collector) UnknownEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unknownEvents++
}

// SnapshotIgnored records a snapshot dropped by the reconciliation rule.
func (c *Collector) SnapshotIgnored() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ignoredSnapshots++
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Uptime            int64
	TotalRequests     map[string]int64
	RequestErrors     map[string]int64
	TotalRequestsDur  map[string]int64
	RateLimitHits     int64
	JobsRegistered    map[string]int64
	JobsFinalized     map[string]int64
	SubscribersActive int64
	TokenEvents       int64
	TokenChars        int64
	MalformedFrames   int64
	UnknownEvents     int64
	IgnoredSnapshots  int64
}

// GetSnapshot copies the current metric values.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Uptime:            int64(time.Since(c.startTime).Seconds()),
		TotalRequests:     copyMap(c.totalRequests),
		RequestErrors:     copyMap(c.requestErrors),
		TotalRequestsDur:  copyMap(c.totalRequestsDur),
		RateLimitHits:     c.rateLimitHits,
		JobsRegistered:    copyMap(c.jobsRegistered),
		JobsFinalized:     copyMap(c.jobsFinalized),
		SubscribersActive: c.subscribersActive,
		TokenEvents:       c.tokenEvents,
		TokenChars:        c.tokenChars,
		MalformedFrames:   c.malformedFrames,
		UnknownEvents:     c.unknownEvents,
		IgnoredSnapshots:  c.ignoredSnapshots,
	}
}

func copyMap(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
