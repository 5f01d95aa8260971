// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Every duration-valued option accepts a compact window string (500ms, 30s,
// 5m, 2h, 1d); YAML values may also be a whole number of milliseconds.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/ai-gateway/internal/registry"
	"github.com/nulpointcorp/ai-gateway/internal/timewin"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider API keys — at least one must be non-empty, and every configured
	// model's provider must have one.
	OpenAI    ProviderConfig
	DeepSeek  ProviderConfig
	Gemini    ProviderConfig
	Anthropic ProviderConfig

	// Models is the fallback chain in priority order. Entries are either
	// compact refs ("openai:gpt-4o") or structured blocks with per-model
	// limit/restore overrides. At least one model is required.
	Models []registry.Ref

	// Limits are the engine-level defaults; per-model and per-request values
	// override them.
	Limits LimitsConfig

	// Restore holds the delays before an errored model is retried, per error
	// class.
	Restore RestoreConfig

	// Storage selects the shared-state backend.
	Storage StorageConfig

	// Auth enables JWT verification on the HTTP boundary when Secret is set.
	Auth AuthConfig

	// SessionHeader is the response header carrying the session id.
	// Default: x-session-id.
	SessionHeader string

	// ClickHouse enables the request-log sink when URL is set.
	ClickHouse ClickHouseConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// LimitsConfig holds the default per-model budget and timing options.
type LimitsConfig struct {
	// MaxTokens caps completions; 0 defers to the vendor default.
	MaxTokens int

	// RateMax is the per-model request budget within one window. Default: 200.
	RateMax int64

	// RateWindowMs is the fixed-window size. Default: 30s.
	RateWindowMs int64

	// RequestTimeoutMs bounds one upstream call and, for streams, the gap
	// between frames. Default: 30s.
	RequestTimeoutMs int64

	// RetryMax is the number of attempts after the first failure. Default: 1.
	RetryMax int

	// RetryIntervalMs is the fixed backoff between retries. Default: 1s.
	RetryIntervalMs int64

	// HistoryExpirationMs is the session hash TTL. Default: 1d.
	HistoryExpirationMs int64
}

// RestoreConfig holds the per-error-class restore delays.
type RestoreConfig struct {
	RateLimitMs     int64 // default 1m
	RetryMs         int64 // default 1m
	TimeoutMs       int64 // default 1m
	CommunicationMs int64 // default 1m
	ExceededMs      int64 // default 10m
}

// StorageConfig selects and configures the shared-state backend.
type StorageConfig struct {
	// Type is "memory" (single process) or "valkey" (shared). Default: memory.
	Type string

	// ValkeyURL is a redis:// / valkey:// URL. Required when Type is "valkey".
	ValkeyURL string
}

// AuthConfig controls HTTP-boundary authentication.
type AuthConfig struct {
	// JWTSecret is the HMAC secret bearer tokens are verified against.
	// Empty disables authentication.
	JWTSecret string
}

// ClickHouseConfig configures the optional request-log sink.
type ClickHouseConfig struct {
	// URL is a clickhouse:// DSN. Empty disables the sink.
	URL string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SESSION_HEADER", "x-session-id")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("RATE_MAX", 200)
	v.SetDefault("RATE_TIME_WINDOW", "30s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("RETRY_MAX", 1)
	v.SetDefault("RETRY_INTERVAL", "1s")
	v.SetDefault("HISTORY_EXPIRATION", "1d")
	v.SetDefault("MAX_TOKENS", 0)

	v.SetDefault("RESTORE_RATE_LIMIT", "1m")
	v.SetDefault("RESTORE_RETRY", "1m")
	v.SetDefault("RESTORE_TIMEOUT", "1m")
	v.SetDefault("RESTORE_PROVIDER_COMMUNICATION_ERROR", "1m")
	v.SetDefault("RESTORE_PROVIDER_EXCEEDED_ERROR", "10m")

	v.SetDefault("STORAGE_TYPE", "memory")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		DeepSeek:  ProviderConfig{APIKey: v.GetString("DEEPSEEK_API_KEY"), BaseURL: v.GetString("DEEPSEEK_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},

		Limits: LimitsConfig{
			MaxTokens: v.GetInt("MAX_TOKENS"),
			RateMax:   v.GetInt64("RATE_MAX"),
			RetryMax:  v.GetInt("RETRY_MAX"),
		},

		Storage: StorageConfig{
			Type:      strings.ToLower(v.GetString("STORAGE_TYPE")),
			ValkeyURL: v.GetString("VALKEY_URL"),
		},

		Auth: AuthConfig{JWTSecret: v.GetString("AUTH_JWT_SECRET")},

		SessionHeader: v.GetString("SESSION_HEADER"),

		ClickHouse: ClickHouseConfig{URL: v.GetString("CLICKHOUSE_URL")},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	var err error
	windows := []struct {
		name string
		dst  *int64
	}{
		{"RATE_TIME_WINDOW", &cfg.Limits.RateWindowMs},
		{"REQUEST_TIMEOUT", &cfg.Limits.RequestTimeoutMs},
		{"RETRY_INTERVAL", &cfg.Limits.RetryIntervalMs},
		{"HISTORY_EXPIRATION", &cfg.Limits.HistoryExpirationMs},
		{"RESTORE_RATE_LIMIT", &cfg.Restore.RateLimitMs},
		{"RESTORE_RETRY", &cfg.Restore.RetryMs},
		{"RESTORE_TIMEOUT", &cfg.Restore.TimeoutMs},
		{"RESTORE_PROVIDER_COMMUNICATION_ERROR", &cfg.Restore.CommunicationMs},
		{"RESTORE_PROVIDER_EXCEEDED_ERROR", &cfg.Restore.ExceededMs},
	}
	for _, w := range windows {
		if *w.dst, err = timewin.Parse(v.Get(w.name)); err != nil {
			return nil, fmt.Errorf("config: %s: %w", w.name, err)
		}
	}

	if cfg.Models, err = parseModels(v.Get("MODELS")); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseModels accepts the env form "openai:gpt-4o,gemini:gemini-2.5-flash" or
// the YAML list form, whose entries are either compact ref strings or maps
// with per-model overrides:
//
//	models:
//	  - openai:gpt-4o
//	  - ref: gemini:gemini-2.5-flash
//	    limits: {max_tokens: 2048, rate: {max: 50, time_window: 10s}}
//	    restore: {rate_limit: 2m}
func parseModels(raw any) ([]registry.Ref, error) {
	var entries []any
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case string:
		for _, s := range strings.Split(val, ",") {
			if s = strings.TrimSpace(s); s != "" {
				entries = append(entries, s)
			}
		}
	case []any:
		entries = val
	case []string:
		for _, s := range val {
			entries = append(entries, s)
		}
	default:
		return nil, fmt.Errorf("config: MODELS has unsupported type %T", raw)
	}

	refs := make([]registry.Ref, 0, len(entries))
	for _, e := range entries {
		switch val := e.(type) {
		case string:
			ref, err := registry.ParseRef(val)
			if err != nil {
				return nil, fmt.Errorf("config: MODELS: %w", err)
			}
			refs = append(refs, ref)
		case map[string]any:
			ref, err := parseModelBlock(val)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		default:
			return nil, fmt.Errorf("config: MODELS entry has unsupported type %T", e)
		}
	}
	return refs, nil
}

func parseModelBlock(block map[string]any) (registry.Ref, error) {
	refStr, _ := block["ref"].(string)
	ref, err := registry.ParseRef(refStr)
	if err != nil {
		return registry.Ref{}, fmt.Errorf("config: MODELS: %w", err)
	}

	if limits, ok := block["limits"].(map[string]any); ok {
		l := &registry.Limits{}
		if mt, ok := limits["max_tokens"]; ok {
			l.MaxTokens = toInt(mt)
		}
		if rate, ok := limits["rate"].(map[string]any); ok {
			if m, ok := rate["max"]; ok {
				l.RateMax = int64(toInt(m))
			}
			if tw, ok := rate["time_window"]; ok {
				if l.RateWindowMs, err = timewin.Parse(tw); err != nil {
					return registry.Ref{}, fmt.Errorf("config: model %s rate window: %w", ref, err)
				}
			}
		}
		ref.Limits = l
	}

	if restore, ok := block["restore"].(map[string]any); ok {
		r := &registry.Restore{}
		fields := []struct {
			key string
			dst *int64
		}{
			{"rate_limit", &r.RateLimitMs},
			{"retry", &r.RetryMs},
			{"timeout", &r.TimeoutMs},
			{"provider_communication_error", &r.CommunicationMs},
			{"provider_exceeded_error", &r.ExceededMs},
		}
		for _, f := range fields {
			if val, ok := restore[f.key]; ok {
				if *f.dst, err = timewin.Parse(val); err != nil {
					return registry.Ref{}, fmt.Errorf("config: model %s restore.%s: %w", ref, f.key, err)
				}
			}
		}
		ref.Restore = r
	}

	return ref, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("config: MODELS must name at least one model, e.g. MODELS=openai:gpt-4o")
	}

	keyFor := map[string]string{
		"openai":    c.OpenAI.APIKey,
		"deepseek":  c.DeepSeek.APIKey,
		"gemini":    c.Gemini.APIKey,
		"anthropic": c.Anthropic.APIKey,
	}
	for _, ref := range c.Models {
		key, known := keyFor[ref.Provider]
		if !known {
			return fmt.Errorf("config: model %s names unknown provider %q", ref, ref.Provider)
		}
		if key == "" {
			return fmt.Errorf("config: model %s requires an API key for provider %q", ref, ref.Provider)
		}
	}

	switch c.Storage.Type {
	case "memory":
	case "valkey":
		if c.Storage.ValkeyURL == "" {
			return fmt.Errorf("config: VALKEY_URL is required when STORAGE_TYPE=valkey")
		}
	default:
		return fmt.Errorf("config: invalid STORAGE_TYPE %q; must be one of: memory, valkey", c.Storage.Type)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Limits.RateMax < 0 {
		return fmt.Errorf("config: RATE_MAX must be ≥ 0, got %d", c.Limits.RateMax)
	}
	if c.Limits.RateWindowMs <= 0 {
		return fmt.Errorf("config: RATE_TIME_WINDOW must be positive")
	}
	if c.Limits.RequestTimeoutMs <= 0 {
		return fmt.Errorf("config: REQUEST_TIMEOUT must be positive")
	}
	if c.Limits.RetryMax < 0 {
		return fmt.Errorf("config: RETRY_MAX must be ≥ 0, got %d", c.Limits.RetryMax)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
