package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus renders a snapshot in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	sb.WriteString("# HELP relay_uptime_seconds Time since the relay started\n")
	sb.WriteString("# TYPE relay_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "relay_uptime_seconds %d\n\n", snap.Uptime)

	sb.WriteString("# HELP relay_requests_total Total requests by endpoint\n")
	sb.WriteString("# TYPE relay_requests_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequests) {
		fmt.Fprintf(&sb, "relay_requests_total{endpoint=%q} %d\n", endpoint, snap.TotalRequests[endpoint])
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP relay_request_errors_total Total request errors by endpoint\n")
	sb.WriteString("# TYPE relay_request_errors_total counter\n")
	for _, endpoint := range sortedKeys(snap.RequestErrors) {
		fmt.Fprintf(&sb, "relay_request_errors_total{endpoint=%q} %d\n", endpoint, snap.RequestErrors[endpoint])
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP relay_request_duration_ms_total Total request duration in milliseconds\n")
	sb.WriteString("# TYPE relay_request_duration_ms_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequestsDur) {
		fmt.Fprintf(&sb, "relay_request_duration_ms_total{endpoint=%q} %d\n", endpoint, snap.TotalRequestsDur[endpoint])
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP relay_rate_limit_hits_total Job creations rejected by the rate limiter\n")
	sb.WriteString("# TYPE relay_rate_limit_hits_total counter\n")
	fmt.Fprintf(&sb, "relay_rate_limit_hits_total %d\n\n", snap.RateLimitHits)

	sb.WriteString("# HELP relay_jobs_registered_total Jobs registered by model\n")
	sb.WriteString("# TYPE relay_jobs_registered_total counter\n")
	for _, model := range sortedKeys(snap.JobsRegistered) {
		fmt.Fprintf(&sb, "relay_jobs_registered_total{model=%q} %d\n", model, snap.JobsRegistered[model])
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP relay_jobs_finalized_total Jobs finalized by outcome\n")
	sb.WriteString("# TYPE relay_jobs_finalized_total counter\n")
	for _, outcome := range sortedKeys(snap.JobsFinalized) {
		fmt.Fprintf(&sb, "relay_jobs_finalized_total{outcome=%q} %d\n", outcome, snap.JobsFinalized[outcome])
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP relay_subscribers_active Currently attached subscriber connections\n")
	sb.WriteString("# TYPE relay_subscribers_active gauge\n")
	fmt.Fprintf(&sb, "relay_subscribers_active %d\n\n", snap.SubscribersActive)

	sb.WriteString("# HELP relay_token_events_total Token events broadcast to subscribers\n")
	sb.WriteString("# TYPE relay_token_events_total counter\n")
	fmt.Fprintf(&sb, "relay_token_events_total %d\n\n", snap.TokenEvents)

	sb.WriteString("# HELP relay_token_chars_total Characters delivered via token events\n")
	sb.WriteString("# TYPE relay_token_chars_total counter\n")
	fmt.Fprintf(&sb, "relay_token_chars_total %d\n\n", snap.TokenChars)

	sb.WriteString("# HELP relay_malformed_frames_total Upstream frames skipped as unparseable\n")
	sb.WriteString("# TYPE relay_malformed_frames_total counter\n")
	fmt.Fprintf(&sb, "relay_malformed_frames_total %d\n\n", snap.MalformedFrames)

	sb.WriteString("# HELP relay_unknown_events_total Upstream events with unrecognized types\n")
	sb.WriteString("# TYPE relay_unknown_events_total counter\n")
	fmt.Fprintf(&sb, "relay_unknown_events_total %d\n\n", snap.UnknownEvents)

	sb.WriteString("# HELP relay_snapshots_ignored_total Snapshots dropped by the reconciliation rule\n")
	sb.WriteString("# TYPE relay_snapshots_ignored_total counter\n")
	fmt.Fprintf(&sb, "relay_snapshots_ignored_total %d\n", snap.IgnoredSnapshots)

	return sb.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
