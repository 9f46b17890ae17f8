package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/relay.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// RelayConfig describes runtime options for the relay daemon.
type RelayConfig struct {
	Environment string
	Port        int

	// Upstream
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIOrg         string
	SystemPrompt      string
	MaxInputChars     int
	UpstreamTimeout   time.Duration
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	DiscardGrace      time.Duration

	// Token cadence
	FlushMin        time.Duration
	FlushDense      time.Duration
	SparseImmediate time.Duration
	MaxBufferChars  int

	// Auth
	AuthSecret   string
	AuthTTL      time.Duration
	AuthDisabled bool

	// Rate limiting
	RateLimitPerSecond float64
	RateLimitBurst     float64

	// Storage
	LedgerBackend   string // sqlite|postgres
	LedgerPath      string
	LedgerDSN       string
	IdentityBackend string // sqlite|postgres
	IdentityPath    string
	IdentityDSN     string

	// Models catalog
	ModelsFile string

	// Logging
	LogFile  string
	LogLevel string
}

// Load reads the current environment and the matching relay config file.
// Environment variables with the RELAY_ prefix override file values.
func Load(root string) (RelayConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return RelayConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return RelayConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := RelayConfig{
		Environment:        s.Environment,
		Port:               parseOptionalInt(firstNonEmpty(os.Getenv("RELAY_PORT"), os.Getenv("PORT"), merged["port"]), 3001),
		OpenAIAPIKey:       firstNonEmpty(os.Getenv("RELAY_OPENAI_API_KEY"), os.Getenv("OPENAI_API_KEY"), merged["openai_api_key"]),
		OpenAIBaseURL:      firstNonEmpty(os.Getenv("RELAY_OPENAI_BASE_URL"), merged["openai_base_url"]),
		OpenAIOrg:          firstNonEmpty(os.Getenv("RELAY_OPENAI_ORG"), merged["openai_org"]),
		SystemPrompt:       firstNonEmpty(os.Getenv("RELAY_SYSTEM_PROMPT"), os.Getenv("SYSTEM_PROMPT"), merged["system_prompt"]),
		MaxInputChars:      parseOptionalInt(firstNonEmpty(os.Getenv("RELAY_MAX_INPUT_CHARS"), merged["max_input_chars"]), 8000),
		AuthSecret:         firstNonEmpty(os.Getenv("RELAY_AUTH_SECRET"), merged["auth_secret"], "promptrelay-dev-secret"),
		AuthDisabled:       parseOptionalBool(firstNonEmpty(os.Getenv("RELAY_AUTH_DISABLED"), merged["auth_disabled"]), false),
		RateLimitPerSecond: parseOptionalFloat(firstNonEmpty(os.Getenv("RELAY_RATE_LIMIT_PER_SECOND"), merged["rate_limit_per_second"]), 1),
		RateLimitBurst:     parseOptionalFloat(firstNonEmpty(os.Getenv("RELAY_RATE_LIMIT_BURST"), merged["rate_limit_burst"]), 5),
		LedgerBackend:      firstNonEmpty(os.Getenv("RELAY_LEDGER_BACKEND"), merged["ledger_backend"], "sqlite"),
		LedgerPath:         firstNonEmpty(os.Getenv("RELAY_LEDGER_PATH"), merged["ledger_path"], DefaultLedgerPath()),
		LedgerDSN:          firstNonEmpty(os.Getenv("RELAY_LEDGER_DSN"), merged["ledger_dsn"]),
		IdentityBackend:    firstNonEmpty(os.Getenv("RELAY_IDENTITY_BACKEND"), merged["identity_backend"], "sqlite"),
		IdentityPath:       firstNonEmpty(os.Getenv("RELAY_IDENTITY_PATH"), merged["identity_path"], DefaultIdentityPath()),
		IdentityDSN:        firstNonEmpty(os.Getenv("RELAY_IDENTITY_DSN"), merged["identity_dsn"]),
		ModelsFile:         firstNonEmpty(os.Getenv("RELAY_MODELS_FILE"), merged["models_file"], filepath.Join(root, "config", "models.yaml")),
		LogFile:            firstNonEmpty(os.Getenv("RELAY_LOG_FILE"), merged["log_file"]),
		LogLevel:           firstNonEmpty(os.Getenv("RELAY_LOG_LEVEL"), merged["log_level"], "info"),
	}

	var derr error
	cfg.UpstreamTimeout, derr = parseOptionalDuration(firstNonEmpty(os.Getenv("RELAY_UPSTREAM_TIMEOUT"), merged["upstream_timeout"]), 120*time.Second)
	if derr != nil {
		return RelayConfig{}, derr
	}
	cfg.ConnectTimeout, derr = parseOptionalDuration(firstNonEmpty(os.Getenv("RELAY_CONNECT_TIMEOUT"), merged["connect_timeout"]), 30*time.Second)
	if derr != nil {
		return RelayConfig{}, derr
	}
	cfg.HeartbeatInterval, derr = parseOptionalDuration(firstNonEmpty(os.Getenv("RELAY_HEARTBEAT_INTERVAL"), merged["heartbeat_interval"]), 5*time.Second)
	if derr != nil {
		return RelayConfig{}, derr
	}
	cfg.DiscardGrace, derr = parseOptionalDuration(firstNonEmpty(os.Getenv("RELAY_DISCARD_GRACE"), merged["discard_grace"]), 2*time.Minute)
	if derr != nil {
		return RelayConfig{}, derr
	}
	cfg.AuthTTL, derr = parseOptionalDuration(firstNonEmpty(os.Getenv("RELAY_AUTH_TTL"), merged["auth_ttl"]), 24*time.Hour)
	if derr != nil {
		return RelayConfig{}, derr
	}

	// Cadence timings keep the millisecond-valued keys from the original
	// deployment environment.
	cfg.FlushMin = parseOptionalMillis(firstNonEmpty(os.Getenv("RELAY_SSE_FLUSH_MIN_MS"), merged["sse_flush_min_ms"]), 33*time.Millisecond)
	cfg.FlushDense = parseOptionalMillis(firstNonEmpty(os.Getenv("RELAY_SSE_FLUSH_DENSE_MS"), merged["sse_flush_dense_ms"]), 70*time.Millisecond)
	cfg.SparseImmediate = parseOptionalMillis(firstNonEmpty(os.Getenv("RELAY_SSE_SPARSE_MS"), merged["sse_sparse_ms"]), 140*time.Millisecond)
	cfg.MaxBufferChars = parseOptionalInt(firstNonEmpty(os.Getenv("RELAY_SSE_MAX_BUFFER_CHARS"), merged["sse_max_buffer_chars"]), 900)

	switch cfg.LedgerBackend {
	case "sqlite", "postgres":
	default:
		return RelayConfig{}, fmt.Errorf("invalid ledger_backend %q", cfg.LedgerBackend)
	}
	switch cfg.IdentityBackend {
	case "sqlite", "postgres":
	default:
		return RelayConfig{}, fmt.Errorf("invalid identity_backend %q", cfg.IdentityBackend)
	}

	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalFloat(v string, fallback float64) float64 {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	dur, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", v, err)
	}
	return dur, nil
}

func parseOptionalMillis(v string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
		return time.Duration(parsed) * time.Millisecond
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultLedgerPath returns the fallback ledger location under the user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".promptrelay", "ledger.db")
}

// DefaultIdentityPath returns the fallback identity database path.
func DefaultIdentityPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "identity.db"
	}
	return filepath.Join(home, ".promptrelay", "identity.db")
}
