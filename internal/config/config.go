// Package config loads and validates all runtime configuration for the agent.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example PRIMARY_API_TOKEN becomes
// primary_api_token in YAML.
//
// Nothing external is strictly required to start: the primary provider serves
// an anonymous tier without a token, history defaults to the in-process
// store, and completion records fall back to the structured log when no
// ClickHouse address is configured. The secondary provider needs an API key,
// so either set SECONDARY_API_KEY or disable it with SECONDARY_ENABLED=false.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// OpsAddr is the listen address of the operations HTTP server
	// (chat entrypoint, health, metrics, admin). Default: ":8080".
	OpsAddr string

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Primary is the preferred text provider.
	Primary PrimaryConfig

	// Secondary is the failover text provider.
	Secondary SecondaryConfig

	// Timeout tunes the adaptive request-timeout controller.
	Timeout TimeoutConfig

	// Restore tunes automatic fail-back onto the preferred provider.
	Restore RestoreConfig

	Agent      AgentConfig
	Uniqueness UniquenessConfig
	History    HistoryConfig

	// ClickHouse is the optional completion-record sink. Leave Addr empty
	// to write completion records through the structured log instead.
	ClickHouse ClickHouseConfig

	// HealthCheckInterval is the cadence of background provider probes.
	// Default: 30s.
	HealthCheckInterval time.Duration
}

// PrimaryConfig configures the primary text provider.
type PrimaryConfig struct {
	// TextAPI is the base URL of the provider's text API.
	// Default: https://text.pollinations.ai.
	TextAPI string

	// APIToken authenticates requests. Optional: without it the provider
	// serves its anonymous tier with stricter upstream limits.
	APIToken string

	// TextTimeout is the static per-request timeout, also used while the
	// adaptive controller is warming up. Default: 30s.
	TextTimeout time.Duration

	// HealthTimeout bounds health probes. Default: 8s.
	HealthTimeout time.Duration

	// RateLimitPerMin caps admitted requests per rolling minute. Default: 60.
	RateLimitPerMin int

	// DefaultModel is used when a request names no model. Default: openai.
	DefaultModel string
}

// SecondaryConfig configures the failover text provider.
type SecondaryConfig struct {
	// Enabled turns the failover provider on. Default: true.
	Enabled bool

	// APIURL is the base URL of the OpenAI-compatible API.
	// Default: https://openrouter.ai/api/v1.
	APIURL string

	// APIKey authenticates requests. Required when Enabled.
	APIKey string

	// SiteURL and AppName are sent as the HTTP-Referer and X-Title
	// attribution headers on every request.
	SiteURL string
	AppName string

	// TextTimeout is the static per-request timeout. Default: 60s.
	TextTimeout time.Duration

	// HealthTimeout bounds health probes. Default: 10s.
	HealthTimeout time.Duration

	// RateLimitPerMin caps admitted requests per rolling minute. Default: 20.
	RateLimitPerMin int

	// DefaultModel is used when a request names no model.
	DefaultModel string
}

// TimeoutConfig tunes the adaptive request-timeout controller.
type TimeoutConfig struct {
	// Dynamic enables avg+2·stddev request timeouts once a provider has
	// enough recorded samples. When false the static per-provider text
	// timeout is always used. Default: true.
	Dynamic bool

	// Min and Max clamp computed dynamic timeouts. Defaults: 10s and 60s.
	Min time.Duration
	Max time.Duration

	// HistorySize bounds the per-provider latency sample rings. Default: 100.
	HistorySize int

	// Monitoring enables latency recording. When false every provider stays
	// on its static timeout. Default: true.
	Monitoring bool
}

// RestoreConfig tunes fail-back after a failover.
type RestoreConfig struct {
	// Enabled schedules a one-shot restoration check after each failover.
	// Default: true.
	Enabled bool

	// Cooldown is how long after a failover the restoration check fires.
	// Set via FALLBACK_RESTORE_TIMEOUT_SECONDS. Default: 60s.
	Cooldown time.Duration
}

// AgentConfig tunes the chat event pipeline.
type AgentConfig struct {
	// SystemPrompt seeds every conversation. Empty disables the system
	// message entirely.
	SystemPrompt string

	// MaxConcurrent bounds in-flight chat events. Default: 32.
	MaxConcurrent int
}

// UniquenessConfig tunes the repetition filter.
type UniquenessConfig struct {
	// Enabled turns reply-repetition filtering on. Default: true.
	Enabled bool

	// Engine selects the filter implementation: advanced or legacy.
	// Default: advanced.
	Engine string
}

// HistoryConfig selects the conversation store.
type HistoryConfig struct {
	// Backend is one of: memory, redis. Default: memory.
	Backend string

	// Limit is how many past messages are replayed into each request.
	// 0 disables history replay. Default: 10.
	Limit int

	// RedisURL is required when Backend is redis. The URL may carry
	// credentials and is never logged.
	RedisURL string
}

// ClickHouseConfig configures the optional completion-record sink.
type ClickHouseConfig struct {
	// Addr is the host:port of the ClickHouse native endpoint. Empty
	// disables the sink.
	Addr string

	// Database holds the completion table. Default: default.
	Database string

	Username string
	Password string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// SECONDARY_API_KEY is only required when SECONDARY_ENABLED=true.
// REDIS_URL is only required when HISTORY_BACKEND=redis.
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
	v.SetDefault("OPS_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HEALTH_CHECK_INTERVAL", "30s")

	// Primary provider defaults.
	v.SetDefault("PRIMARY_TEXT_API", "https://text.pollinations.ai")
	v.SetDefault("PRIMARY_TEXT_TIMEOUT", "30s")
	v.SetDefault("PRIMARY_HEALTH_TIMEOUT", "8s")
	v.SetDefault("PRIMARY_RATE_LIMIT_PER_MIN", 60)
	v.SetDefault("PRIMARY_DEFAULT_MODEL", "openai")

	// Secondary provider defaults.
	v.SetDefault("SECONDARY_ENABLED", true)
	v.SetDefault("SECONDARY_API_URL", "https://openrouter.ai/api/v1")
	v.SetDefault("SECONDARY_TEXT_TIMEOUT", "60s")
	v.SetDefault("SECONDARY_HEALTH_TIMEOUT", "10s")
	v.SetDefault("SECONDARY_RATE_LIMIT_PER_MIN", 20)
	v.SetDefault("SECONDARY_DEFAULT_MODEL", "deepseek/deepseek-chat-v3.1:free")
	v.SetDefault("SECONDARY_SITE_URL", "https://github.com/parleybot/parley")
	v.SetDefault("SECONDARY_APP_NAME", "Parley")

	// Adaptive timeout defaults.
	v.SetDefault("DYNAMIC_TIMEOUT_ENABLED", true)
	v.SetDefault("DYNAMIC_TIMEOUT_MIN", "10s")
	v.SetDefault("DYNAMIC_TIMEOUT_MAX", "60s")
	v.SetDefault("TIMEOUT_HISTORY_SIZE", 100)
	v.SetDefault("TIMEOUT_MONITORING_ENABLED", true)

	// Restoration defaults.
	v.SetDefault("FALLBACK_RESTORE_ENABLED", true)
	v.SetDefault("FALLBACK_RESTORE_TIMEOUT_SECONDS", 60)

	// Agent defaults.
	v.SetDefault("AGENT_MAX_CONCURRENT", 32)

	// Uniqueness filter defaults.
	v.SetDefault("UNIQUENESS_ENABLED", true)
	v.SetDefault("UNIQUENESS_ENGINE", "advanced")

	// History defaults.
	v.SetDefault("HISTORY_BACKEND", "memory")
	v.SetDefault("HISTORY_LIMIT", 10)

	// ClickHouse: empty addr means completion records go to the log.
	v.SetDefault("CLICKHOUSE_DATABASE", "default")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		OpsAddr:  v.GetString("OPS_ADDR"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Primary: PrimaryConfig{
			TextAPI:         v.GetString("PRIMARY_TEXT_API"),
			APIToken:        v.GetString("PRIMARY_API_TOKEN"),
			TextTimeout:     v.GetDuration("PRIMARY_TEXT_TIMEOUT"),
			HealthTimeout:   v.GetDuration("PRIMARY_HEALTH_TIMEOUT"),
			RateLimitPerMin: v.GetInt("PRIMARY_RATE_LIMIT_PER_MIN"),
			DefaultModel:    v.GetString("PRIMARY_DEFAULT_MODEL"),
		},

		Secondary: SecondaryConfig{
			Enabled:         v.GetBool("SECONDARY_ENABLED"),
			APIURL:          v.GetString("SECONDARY_API_URL"),
			APIKey:          v.GetString("SECONDARY_API_KEY"),
			SiteURL:         v.GetString("SECONDARY_SITE_URL"),
			AppName:         v.GetString("SECONDARY_APP_NAME"),
			TextTimeout:     v.GetDuration("SECONDARY_TEXT_TIMEOUT"),
			HealthTimeout:   v.GetDuration("SECONDARY_HEALTH_TIMEOUT"),
			RateLimitPerMin: v.GetInt("SECONDARY_RATE_LIMIT_PER_MIN"),
			DefaultModel:    v.GetString("SECONDARY_DEFAULT_MODEL"),
		},

		Timeout: TimeoutConfig{
			Dynamic:     v.GetBool("DYNAMIC_TIMEOUT_ENABLED"),
			Min:         v.GetDuration("DYNAMIC_TIMEOUT_MIN"),
			Max:         v.GetDuration("DYNAMIC_TIMEOUT_MAX"),
			HistorySize: v.GetInt("TIMEOUT_HISTORY_SIZE"),
			Monitoring:  v.GetBool("TIMEOUT_MONITORING_ENABLED"),
		},

		Restore: RestoreConfig{
			Enabled:  v.GetBool("FALLBACK_RESTORE_ENABLED"),
			Cooldown: time.Duration(v.GetInt("FALLBACK_RESTORE_TIMEOUT_SECONDS")) * time.Second,
		},

		Agent: AgentConfig{
			SystemPrompt:  v.GetString("AGENT_SYSTEM_PROMPT"),
			MaxConcurrent: v.GetInt("AGENT_MAX_CONCURRENT"),
		},

		Uniqueness: UniquenessConfig{
			Enabled: v.GetBool("UNIQUENESS_ENABLED"),
			Engine:  strings.ToLower(v.GetString("UNIQUENESS_ENGINE")),
		},

		History: HistoryConfig{
			Backend:  strings.ToLower(v.GetString("HISTORY_BACKEND")),
			Limit:    v.GetInt("HISTORY_LIMIT"),
			RedisURL: v.GetString("REDIS_URL"),
		},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		HealthCheckInterval: v.GetDuration("HEALTH_CHECK_INTERVAL"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Primary provider sanity checks.
	if c.Primary.TextAPI == "" {
		return fmt.Errorf("config: PRIMARY_TEXT_API must not be empty")
	}
	if c.Primary.TextTimeout <= 0 {
		return fmt.Errorf("config: PRIMARY_TEXT_TIMEOUT must be a positive duration")
	}
	if c.Primary.RateLimitPerMin < 1 {
		return fmt.Errorf("config: PRIMARY_RATE_LIMIT_PER_MIN must be ≥ 1, got %d", c.Primary.RateLimitPerMin)
	}

	// Secondary provider checks only apply when it is enabled.
	if c.Secondary.Enabled {
		if c.Secondary.APIKey == "" {
			return fmt.Errorf(
				"config: SECONDARY_API_KEY is required when SECONDARY_ENABLED=true; " +
					"set SECONDARY_ENABLED=false to run on the primary provider alone",
			)
		}
		if c.Secondary.TextTimeout <= 0 {
			return fmt.Errorf("config: SECONDARY_TEXT_TIMEOUT must be a positive duration")
		}
		if c.Secondary.RateLimitPerMin < 1 {
			return fmt.Errorf("config: SECONDARY_RATE_LIMIT_PER_MIN must be ≥ 1, got %d", c.Secondary.RateLimitPerMin)
		}
		if c.Secondary.SiteURL == "" || c.Secondary.AppName == "" {
			return fmt.Errorf(
				"config: SECONDARY_SITE_URL and SECONDARY_APP_NAME must not be empty " +
					"when the secondary provider is enabled",
			)
		}
	}

	// Adaptive timeout bounds must be ordered.
	if c.Timeout.Min <= 0 {
		return fmt.Errorf("config: DYNAMIC_TIMEOUT_MIN must be a positive duration")
	}
	if c.Timeout.Max < c.Timeout.Min {
		return fmt.Errorf(
			"config: DYNAMIC_TIMEOUT_MAX must be ≥ DYNAMIC_TIMEOUT_MIN, got min=%s max=%s",
			c.Timeout.Min, c.Timeout.Max,
		)
	}
	if c.Timeout.HistorySize < 1 {
		return fmt.Errorf("config: TIMEOUT_HISTORY_SIZE must be ≥ 1, got %d", c.Timeout.HistorySize)
	}

	if c.Restore.Enabled && c.Restore.Cooldown <= 0 {
		return fmt.Errorf(
			"config: FALLBACK_RESTORE_TIMEOUT_SECONDS must be ≥ 1 when FALLBACK_RESTORE_ENABLED=true",
		)
	}

	if c.Agent.MaxConcurrent < 1 {
		return fmt.Errorf("config: AGENT_MAX_CONCURRENT must be ≥ 1, got %d", c.Agent.MaxConcurrent)
	}

	// Validate uniqueness engine name.
	switch c.Uniqueness.Engine {
	case "advanced", "legacy":
	default:
		return fmt.Errorf(
			"config: invalid UNIQUENESS_ENGINE %q; must be one of: advanced, legacy",
			c.Uniqueness.Engine,
		)
	}

	// Validate history backend value.
	switch c.History.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf(
			"config: invalid HISTORY_BACKEND %q; must be one of: memory, redis",
			c.History.Backend,
		)
	}

	// Redis URL is required when the history backend is "redis".
	if c.History.Backend == "redis" && c.History.RedisURL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when HISTORY_BACKEND=redis; " +
				"set HISTORY_BACKEND=memory to use the built-in in-process store",
		)
	}
	if c.History.Limit < 0 {
		return fmt.Errorf("config: HISTORY_LIMIT must be ≥ 0, got %d", c.History.Limit)
	}

	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("config: HEALTH_CHECK_INTERVAL must be a positive duration")
	}

	return nil
}

// String renders a startup summary with credentials redacted. Safe to log at
// any level. Redis and ClickHouse URLs can embed passwords, so only presence
// and non-secret fields are printed.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ops_addr=%s log_level=%s", c.OpsAddr, c.LogLevel)
	fmt.Fprintf(&b, " primary{api=%s token=%s model=%s rpm=%d}",
		c.Primary.TextAPI, presence(c.Primary.APIToken), c.Primary.DefaultModel, c.Primary.RateLimitPerMin)
	fmt.Fprintf(&b, " secondary{enabled=%t api=%s key=%s model=%s rpm=%d}",
		c.Secondary.Enabled, c.Secondary.APIURL, presence(c.Secondary.APIKey), c.Secondary.DefaultModel, c.Secondary.RateLimitPerMin)
	fmt.Fprintf(&b, " timeout{dynamic=%t min=%s max=%s history=%d monitoring=%t}",
		c.Timeout.Dynamic, c.Timeout.Min, c.Timeout.Max, c.Timeout.HistorySize, c.Timeout.Monitoring)
	fmt.Fprintf(&b, " restore{enabled=%t cooldown=%s}", c.Restore.Enabled, c.Restore.Cooldown)
	fmt.Fprintf(&b, " uniqueness{enabled=%t engine=%s}", c.Uniqueness.Enabled, c.Uniqueness.Engine)
	fmt.Fprintf(&b, " history{backend=%s limit=%d}", c.History.Backend, c.History.Limit)
	if c.ClickHouse.Addr != "" {
		fmt.Fprintf(&b, " clickhouse{addr=%s db=%s password=%s}",
			c.ClickHouse.Addr, c.ClickHouse.Database, presence(c.ClickHouse.Password))
	}
	return b.String()
}

// presence reports whether a secret is configured without echoing it.
func presence(secret string) string {
	if secret == "" {
		return "unset"
	}
	return "set"
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
