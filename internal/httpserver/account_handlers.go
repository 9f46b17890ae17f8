package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/promptrelay/promptrelay/internal/auth"
	"github.com/promptrelay/promptrelay/internal/identity"
	"github.com/promptrelay/promptrelay/internal/metrics"
	"github.com/promptrelay/promptrelay/internal/version"
)

type userInitRequest struct {
	DisplayName string `json:"display_name,omitempty"`
	// Token lets an existing caller refresh its session instead of
	// minting a new identity.
	Token string `json:"token,omitempty"`
}

type userInitResponse struct {
	OK      bool   `json:"ok"`
	Subject string `json:"subject"`
	Status  string `json:"status"`
	Token   string `json:"token"`
}

// handleUserInit registers (or refreshes) a caller and returns a signed
// session token. New callers start readonly until approved.
func (s *Server) handleUserInit(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil || s.identity == nil {
		writeJSONError(w, http.StatusNotImplemented, "identity is not configured")
		return
	}

	var req userInitRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var subject string
	if req.Token != "" {
		sub, err := s.auth.ValidateToken(req.Token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		subject = sub
	} else {
		sub, err := auth.NewSubject()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "could not allocate identity")
			return
		}
		subject = sub
	}

	caller, err := s.identity.EnsureCaller(r.Context(), subject, req.DisplayName)
	if err != nil {
		s.logf("user init failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "could not register caller")
		return
	}
	token, err := s.auth.IssueToken(caller.Subject)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "could not issue token")
		return
	}

	s.debugf("user init subject=%s status=%s", caller.Subject, caller.Status)
	writeJSON(w, http.StatusOK, userInitResponse{
		OK:      true,
		Subject: caller.Subject,
		Status:  string(caller.Status),
		Token:   token,
	})
}

// handleUsageSummary returns aggregate usage for the session caller.
func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	if caller == nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if s.usage == nil {
		writeJSONError(w, http.StatusNotImplemented, "usage ledger is not configured")
		return
	}
	summary, err := s.usage.Summary(r.Context(), caller.ID)
	if err != nil {
		s.logf("usage summary failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "could not load usage")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleUsageLogs returns the caller's most recent ledger entries.
func (s *Server) handleUsageLogs(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	if caller == nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if s.usage == nil {
		writeJSONError(w, http.StatusNotImplemented, "usage ledger is not configured")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	entries, err := s.usage.ListRecent(r.Context(), caller.ID, limit)
	if err != nil {
		s.logf("usage logs failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "could not load usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleModels returns the selectable model catalog.
func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.models})
}

// healthProbeCaller is the caller id used for the ledger reachability
// probe. Any positive id passes store validation and reads at most an
// aggregate row.
const healthProbeCaller int64 = 1

// handleHealth reports liveness, store reachability, and a small config
// summary. Store probes are issued per request with a short deadline so a
// wedged database turns the health response degraded instead of hanging it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	ledgerState := "disabled"
	if s.usage != nil {
		ledgerState = "ok"
		// Caller 1 need not exist; the stores reject caller id 0 before
		// querying, so an empty summary for 1 is what proves the
		// database answers.
		if _, err := s.usage.Summary(ctx, healthProbeCaller); err != nil {
			ledgerState = "error"
		}
	}
	identityState := "disabled"
	if s.identity != nil {
		identityState = "ok"
		if _, err := s.identity.FindBySubject(ctx, "healthcheck"); err != nil && !errors.Is(err, identity.ErrNotFound) {
			identityState = "error"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          ledgerState != "error" && identityState != "error",
		"version":     version.Info(),
		"environment": s.environment,
		"active_jobs": s.registry.ActiveJobs(),
		"models":      len(s.models),
		"ledger":      ledgerState,
		"identity":    identityState,
		"ts":          time.Now().UTC().Format(time.RFC3339),
	})
}

// handleMetrics renders the Prometheus text exposition.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.metrics.GetSnapshot())))
}
