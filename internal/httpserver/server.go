// Package httpserver exposes the relay's REST and SSE endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/promptrelay/promptrelay/internal/auth"
	"github.com/promptrelay/promptrelay/internal/config"
	"github.com/promptrelay/promptrelay/internal/identity"
	"github.com/promptrelay/promptrelay/internal/ledger"
	"github.com/promptrelay/promptrelay/internal/metrics"
	"github.com/promptrelay/promptrelay/internal/ratelimit"
	"github.com/promptrelay/promptrelay/internal/relay"
)

// DefaultHeartbeat is how often each SSE connection receives a ping.
const DefaultHeartbeat = 5 * time.Second

// Server wires the relay engine to its HTTP surface.
type Server struct {
	controller *relay.Controller
	registry   *relay.Registry
	models     []config.Model
	auth       *auth.Manager
	identity   identity.Store
	usage      ledger.Store
	limiter    *ratelimit.Limiter
	metrics    *metrics.Collector

	environment  string
	authDisabled bool
	heartbeat    time.Duration

	logger   *log.Logger
	logLevel string
}

// NewServer constructs the HTTP layer. identity, usage, limiter and
// collector may be nil; the matching endpoints degrade gracefully.
func NewServer(controller *relay.Controller, registry *relay.Registry, models []config.Model) *Server {
	return &Server{
		controller: controller,
		registry:   registry,
		models:     models,
		heartbeat:  DefaultHeartbeat,
	}
}

// SetAuth configures session token validation.
func (s *Server) SetAuth(manager *auth.Manager, disabled bool) {
	s.auth = manager
	s.authDisabled = disabled
}

// SetIdentity configures the caller store.
func (s *Server) SetIdentity(store identity.Store) {
	s.identity = store
}

// SetUsage configures the usage ledger used by the summary endpoint.
func (s *Server) SetUsage(store ledger.Store) {
	s.usage = store
}

// SetLimiter configures job-creation rate limiting.
func (s *Server) SetLimiter(limiter *ratelimit.Limiter) {
	s.limiter = limiter
}

// SetMetrics configures the metrics collector behind /metrics.
func (s *Server) SetMetrics(collector *metrics.Collector) {
	s.metrics = collector
}

// SetHeartbeat overrides the SSE ping interval.
func (s *Server) SetHeartbeat(interval time.Duration) {
	if interval > 0 {
		s.heartbeat = interval
	}
}

// SetEnvironment records the environment label reported by /api/health.
func (s *Server) SetEnvironment(env string) {
	s.environment = env
}

// SetLogger configures logging output and verbosity.
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
	s.logger = logger
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.isDebug() && s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Router assembles the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(api chi.Router) {
		api.Post("/user/init", s.handleUserInit)
		api.Get("/health", s.handleHealth)
		api.Get("/models", s.handleModels)

		api.Post("/chat/create", s.handleChatCreate)
		api.Get("/chat/stream", s.handleChatStream)

		api.Group(func(private chi.Router) {
			private.Use(s.sessionMiddleware)
			private.Get("/usage/summary", s.handleUsageSummary)
			private.Get("/usage/logs", s.handleUsageLogs)
		})
	})

	r.Get("/metrics", s.handleMetrics)
	return r
}

type callerContextKey struct{}

// sessionMiddleware resolves the bearer token to a caller and stores it
// in the request context.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.authenticate(r, bearerToken(r.Header.Get("Authorization")))
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), callerContextKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate validates a session token and loads the caller record.
// With auth disabled it returns a synthetic active caller.
func (s *Server) authenticate(r *http.Request, token string) (*identity.Caller, error) {
	if s.authDisabled || s.auth == nil {
		return &identity.Caller{Subject: "local", Status: identity.StatusActive}, nil
	}
	if token == "" {
		return nil, auth.ErrInvalidToken
	}
	subject, err := s.auth.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	if s.identity == nil {
		return &identity.Caller{Subject: subject, Status: identity.StatusActive}, nil
	}
	return s.identity.FindBySubject(r.Context(), subject)
}

func callerFrom(ctx context.Context) *identity.Caller {
	caller, _ := ctx.Value(callerContextKey{}).(*identity.Caller)
	return caller
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// writeRelayError maps a relay error code to an HTTP status.
func writeRelayError(w http.ResponseWriter, err error) {
	code := relay.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case relay.CodeInvalidInput, relay.CodeModelRequired:
		status = http.StatusBadRequest
	case relay.CodeUnauthorized:
		status = http.StatusUnauthorized
	case relay.CodeForbidden:
		status = http.StatusForbidden
	case relay.CodeNotFound:
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "code": code})
}
