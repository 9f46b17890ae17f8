package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/promptrelay/promptrelay/internal/auth"
	"github.com/promptrelay/promptrelay/internal/config"
	"github.com/promptrelay/promptrelay/internal/httpserver"
	"github.com/promptrelay/promptrelay/internal/identity"
	identitypg "github.com/promptrelay/promptrelay/internal/identity/postgres"
	identitysqlite "github.com/promptrelay/promptrelay/internal/identity/sqlite"
	"github.com/promptrelay/promptrelay/internal/ledger"
	ledgerasync "github.com/promptrelay/promptrelay/internal/ledger/async"
	ledgerpg "github.com/promptrelay/promptrelay/internal/ledger/postgres"
	ledgersqlite "github.com/promptrelay/promptrelay/internal/ledger/sqlite"
	"github.com/promptrelay/promptrelay/internal/logging"
	"github.com/promptrelay/promptrelay/internal/metrics"
	"github.com/promptrelay/promptrelay/internal/ratelimit"
	"github.com/promptrelay/promptrelay/internal/relay"
	"github.com/promptrelay/promptrelay/internal/upstream"
	"github.com/promptrelay/promptrelay/internal/version"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Initialize rotating file logging (enabled when log_file provided)
	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	logTarget := strings.TrimSpace(cfg.LogFile)
	if logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		defer rot.Close()
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[relayd] ")

	models, err := config.LoadModels(cfg.ModelsFile)
	if err != nil {
		log.Fatalf("load models catalog: %v", err)
	}
	log.Printf("models catalog loaded: %d entries from %s", len(models), cfg.ModelsFile)

	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		log.Fatalf("openai api key not configured; set RELAY_OPENAI_API_KEY or openai_api_key in config")
	}
	streamer, err := upstream.New(upstream.Config{
		APIKey:         cfg.OpenAIAPIKey,
		BaseURL:        cfg.OpenAIBaseURL,
		Org:            cfg.OpenAIOrg,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	if err != nil {
		log.Fatalf("init upstream client: %v", err)
	}

	collector := metrics.NewCollector()

	registry := relay.NewRegistry(relay.CadenceConfig{
		FlushMin:        cfg.FlushMin,
		FlushDense:      cfg.FlushDense,
		SparseImmediate: cfg.SparseImmediate,
		MaxBufferChars:  cfg.MaxBufferChars,
	}, log.Default(), collector)
	registry.SetGrace(cfg.DiscardGrace)

	usageStore, err := openLedger(cfg)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	usage := ledgerasync.New(usageStore, ledgerasync.Config{Logger: log.Default()})
	defer usage.Close()

	identityStore, err := openIdentity(cfg)
	if err != nil {
		log.Fatalf("open identity store: %v", err)
	}
	defer identityStore.Close()

	var authManager *auth.Manager
	if !cfg.AuthDisabled {
		authManager = auth.NewManager(cfg.AuthSecret, cfg.AuthTTL)
	} else {
		log.Printf("authorization disabled: skipping token validation")
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimitPerSecond,
		BurstSize:         cfg.RateLimitBurst,
	})
	defer limiter.Close()

	controller := relay.NewController(registry, streamer, usage, relay.ControllerConfig{
		SystemPrompt:      cfg.SystemPrompt,
		MaxInputChars:     cfg.MaxInputChars,
		InactivityTimeout: cfg.UpstreamTimeout,
	}, log.Default(), collector)

	httpSrv := httpserver.NewServer(controller, registry, models)
	httpSrv.SetAuth(authManager, cfg.AuthDisabled)
	httpSrv.SetIdentity(identityStore)
	httpSrv.SetUsage(usage)
	httpSrv.SetLimiter(limiter)
	httpSrv.SetMetrics(collector)
	httpSrv.SetEnvironment(cfg.Environment)
	httpSrv.SetHeartbeat(cfg.HeartbeatInterval)
	httpSrv.SetLogger(cfg.LogLevel, log.New(log.Writer(), "[relayd/http] ", log.LstdFlags|log.Lmicroseconds))

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpSrv.Router(),
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays unset: SSE connections outlive any fixed bound.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("promptrelay %s listening on %s env=%s", version.FullInfo(), addr, cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func openLedger(cfg config.RelayConfig) (ledger.Store, error) {
	switch cfg.LedgerBackend {
	case "postgres":
		log.Printf("ledger backend: postgres")
		return ledgerpg.New(cfg.LedgerDSN)
	default:
		log.Printf("ledger backend: sqlite path=%s", cfg.LedgerPath)
		return ledgersqlite.New(cfg.LedgerPath)
	}
}

func openIdentity(cfg config.RelayConfig) (identity.Store, error) {
	switch cfg.IdentityBackend {
	case "postgres":
		log.Printf("identity backend: postgres")
		return identitypg.New(cfg.IdentityDSN, identitypg.DefaultConfig())
	default:
		log.Printf("identity backend: sqlite path=%s", cfg.IdentityPath)
		return identitysqlite.New(cfg.IdentityPath)
	}
}
