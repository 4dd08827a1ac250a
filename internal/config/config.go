// Package config loads the service configuration: provider credentials,
// rate-limit overrides, storage connections, and the websocket/HTTP
// server's own settings. Files are loaded through LoadRaw ($include
// resolution, env-var expansion) and decoded with strict field
// checking so a typo'd key fails fast instead of silently no-op'ing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/simstudio/workflow-core/internal/ratelimit"
)

// Config is the root configuration document.
type Config struct {
	Version   int             `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Storage   StorageConfig   `yaml:"storage"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the HTTP completion endpoint and metrics.
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// ProvidersConfig configures every upstream LLM provider adapter.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Google    ProviderConfig `yaml:"google"`
	Cerebras  ProviderConfig `yaml:"cerebras"`
	Groq      ProviderConfig `yaml:"groq"`
	Mistral   ProviderConfig `yaml:"mistral"`
	Ollama    ProviderConfig `yaml:"ollama"`
	Bedrock   BedrockConfig  `yaml:"bedrock"`
}

// ProviderConfig holds one provider's credential and endpoint overrides.
type ProviderConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// BedrockConfig holds AWS Bedrock's connection settings, distinct from
// ProviderConfig because Bedrock authenticates via an AWS credential
// triple (or the default credential chain) rather than a single API key.
type BedrockConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	DefaultModel    string `yaml:"default_model"`
}

// RateLimitConfig configures the fixed-window rate limiter.
type RateLimitConfig struct {
	WindowMS             int                             `yaml:"window_ms"`
	ManualExecutionLimit int                              `yaml:"manual_execution_limit"`
	Plans                map[string]RateLimitPlanOverride `yaml:"plans"`
}

// RateLimitPlanOverride overrides one plan's per-counter ceilings.
// Zero fields keep ratelimit.DefaultPlanLimits' value for that counter.
type RateLimitPlanOverride struct {
	Sync        int `yaml:"sync"`
	Async       int `yaml:"async"`
	APIEndpoint int `yaml:"api_endpoint"`
}

// StorageConfig configures the Postgres/CockroachDB connections shared
// by the rate limiter and the workflow store.
type StorageConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// RealtimeConfig configures the workflow-room websocket server.
type RealtimeConfig struct {
	Path             string        `yaml:"path"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongWait         time.Duration `yaml:"pong_wait"`
	FieldDebounceMS  int           `yaml:"field_debounce_ms"`
}

// AuthConfig configures request authentication for both the HTTP
// completion endpoint and the websocket upgrade.
type AuthConfig struct {
	JWTSecret string         `yaml:"jwt_secret"`
	APIKeys   []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig maps one static API key to the identity it authenticates.
type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OpenTelemetry span export. An empty
// Endpoint disables exporting entirely (spans are created but
// discarded), so tracing is opt-in per deployment.
type TracingConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	Environment    string  `yaml:"environment"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	EnableInsecure bool    `yaml:"enable_insecure"`
}

// Load reads, expands, and validates a configuration file, resolving
// $include directives and environment-variable placeholders along the
// way (see loader.go).
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	encoded, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-marshal merged config: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(string(encoded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}

	if cfg.RateLimit.WindowMS == 0 {
		cfg.RateLimit.WindowMS = int(ratelimit.DefaultWindow / time.Millisecond)
	}
	if cfg.RateLimit.ManualExecutionLimit == 0 {
		cfg.RateLimit.ManualExecutionLimit = ratelimit.ManualExecutionLimit
	}

	if cfg.Storage.MaxOpenConns == 0 {
		cfg.Storage.MaxOpenConns = 25
	}
	if cfg.Storage.MaxIdleConns == 0 {
		cfg.Storage.MaxIdleConns = 5
	}
	if cfg.Storage.ConnMaxLifetime == 0 {
		cfg.Storage.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Storage.ConnMaxIdleTime == 0 {
		cfg.Storage.ConnMaxIdleTime = 2 * time.Minute
	}
	if cfg.Storage.ConnectTimeout == 0 {
		cfg.Storage.ConnectTimeout = 10 * time.Second
	}

	if cfg.Realtime.Path == "" {
		cfg.Realtime.Path = "/ws"
	}
	if cfg.Realtime.PingInterval == 0 {
		cfg.Realtime.PingInterval = 20 * time.Second
	}
	if cfg.Realtime.PongWait == 0 {
		cfg.Realtime.PongWait = 45 * time.Second
	}
	if cfg.Realtime.FieldDebounceMS == 0 {
		cfg.Realtime.FieldDebounceMS = 25
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// PlanLimits merges configured plan overrides over ratelimit's
// documented defaults, leaving unconfigured counters untouched.
func (c RateLimitConfig) PlanLimits() map[ratelimit.Plan]ratelimit.PlanLimits {
	limits := make(map[ratelimit.Plan]ratelimit.PlanLimits, len(ratelimit.DefaultPlanLimits))
	for plan, defaults := range ratelimit.DefaultPlanLimits {
		limits[plan] = defaults
	}
	for planName, override := range c.Plans {
		plan := ratelimit.Plan(planName)
		limit := limits[plan]
		if override.Sync != 0 {
			limit.Sync = override.Sync
		}
		if override.Async != 0 {
			limit.Async = override.Async
		}
		if override.APIEndpoint != 0 {
			limit.APIEndpoint = override.APIEndpoint
		}
		limits[plan] = limit
	}
	return limits
}

// applyEnvOverrides mirrors spec.md §6's documented environment
// variables, taking precedence over file-configured values.
func applyEnvOverrides(cfg *Config) {
	if value := strings.TrimSpace(os.Getenv("OLLAMA_URL")); value != "" {
		cfg.Providers.Ollama.BaseURL = value
	}
	if value := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_MS")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.RateLimit.WindowMS = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("MANUAL_EXECUTION_LIMIT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.RateLimit.ManualExecutionLimit = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("DATABASE_URL")); value != "" {
		cfg.Storage.DSN = value
	}

	if cfg.RateLimit.Plans == nil {
		cfg.RateLimit.Plans = map[string]RateLimitPlanOverride{}
	}
	for _, plan := range []string{"free", "pro", "team", "enterprise"} {
		prefix := "RATE_LIMIT_" + strings.ToUpper(plan) + "_"
		override := cfg.RateLimit.Plans[plan]
		if value := strings.TrimSpace(os.Getenv(prefix + "SYNC")); value != "" {
			if parsed, err := strconv.Atoi(value); err == nil {
				override.Sync = parsed
			}
		}
		if value := strings.TrimSpace(os.Getenv(prefix + "ASYNC")); value != "" {
			if parsed, err := strconv.Atoi(value); err == nil {
				override.Async = parsed
			}
		}
		if override != (RateLimitPlanOverride{}) {
			cfg.RateLimit.Plans[plan] = override
		}
	}
}

// ConfigValidationError collects every validation failure so a
// misconfigured deployment is reported in one pass.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	var issues []string
	if cfg.Storage.DSN == "" {
		issues = append(issues, "storage.dsn (or DATABASE_URL) is required")
	}
	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
