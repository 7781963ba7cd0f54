// Package config loads the proxy configuration in layers: built-in
// defaults, the global ~/.promptwire/config.yaml, a local ./config.yaml,
// saved command overrides, then environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppName is the canonical application name.
const AppName = "promptwire"

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Backends  []BackendConfig `mapstructure:"backends"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Breaker   BreakerConfig   `mapstructure:"circuit_breaker"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Wiretap   WiretapConfig   `mapstructure:"wiretap"`
}

// ServerConfig configures the HTTP listener and client auth.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // local, production
	// AuthKeys are accepted client bearer tokens. An empty list or
	// DisableAuth leaves the endpoints public.
	AuthKeys    []string `mapstructure:"auth_keys"`
	DisableAuth bool     `mapstructure:"disable_auth"`
}

// ProxyConfig tunes request processing.
type ProxyConfig struct {
	CommandPrefix              string `mapstructure:"command_prefix"`
	DisableCommands            bool   `mapstructure:"disable_commands"`
	DisableInteractiveCommands bool   `mapstructure:"disable_interactive_commands"`
	DefaultBackend             string `mapstructure:"default_backend"`
	// ThinkingBudget, when positive, pins the reasoning budget process-wide
	// and disables the interactive reasoning-effort and thinking-budget
	// commands.
	ThinkingBudget int           `mapstructure:"thinking_budget"`
	SessionPrefix  string        `mapstructure:"session_prefix"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
	Redaction      bool          `mapstructure:"redaction"`

	EditPrecision EditPrecisionConfig `mapstructure:"edit_precision"`
	LoopDetection LoopDetectionConfig `mapstructure:"loop_detection"`
	JSONRepair    bool                `mapstructure:"json_repair"`
	EmptyRetry    bool                `mapstructure:"empty_retry"`
}

// LoopDetectionConfig tunes the rolling-window repetition scan. The
// tool-loop knobs stay per-session (interactive commands); these bound the
// text scan process-wide.
type LoopDetectionConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	MinPatternLength int  `mapstructure:"min_pattern_length"`
	MaxPatternLength int  `mapstructure:"max_pattern_length"`
	Threshold        int  `mapstructure:"threshold"`
}

// EditPrecisionConfig tunes the post-edit-failure parameter clamp.
type EditPrecisionConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	TargetTemperature float64 `mapstructure:"target_temperature"`
	MinTopP           float64 `mapstructure:"min_top_p"`
	ApplyTopP         bool    `mapstructure:"apply_top_p"`
}

// BackendConfig declares one upstream backend instance. Type selects the
// adapter ("openai", "anthropic", "gemini"); aggregators like OpenRouter
// are openai-type entries with their own base URL and headers.
type BackendConfig struct {
	Name         string            `mapstructure:"name"`
	Type         string            `mapstructure:"type"`
	BaseURL      string            `mapstructure:"base_url"`
	Timeout      time.Duration     `mapstructure:"timeout"`
	ExtraHeaders map[string]string `mapstructure:"extra_headers"`
	Identity     IdentityConfig    `mapstructure:"identity"`
}

// IdentityConfig names the proxy to aggregators that attribute traffic via
// the HTTP-Referer and X-Title headers. A per-backend identity overrides
// the global one field by field.
type IdentityConfig struct {
	Referer string `mapstructure:"referer"`
	Title   string `mapstructure:"title"`
}

// Merge overlays non-empty fields of other onto a copy of the identity.
func (ic IdentityConfig) Merge(other IdentityConfig) IdentityConfig {
	out := ic
	if other.Referer != "" {
		out.Referer = other.Referer
	}
	if other.Title != "" {
		out.Title = other.Title
	}
	return out
}

// Headers renders the identity as wire headers, omitting empty fields.
func (ic IdentityConfig) Headers() map[string]string {
	h := make(map[string]string, 2)
	if ic.Referer != "" {
		h["HTTP-Referer"] = ic.Referer
	}
	if ic.Title != "" {
		h["X-Title"] = ic.Title
	}
	return h
}

// RateLimitConfig is the default per-(backend,model,key) sliding window.
// A zero limit disables local limiting; upstream 429s are still honored.
type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
	Store  string        `mapstructure:"store"` // memory, redis
}

// BreakerConfig gates the optional per-backend circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// CaptureConfig controls the wire log. An empty file disables capture.
type CaptureConfig struct {
	File                  string `mapstructure:"file"`
	MaxBytes              int64  `mapstructure:"max_bytes"`
	MaxFiles              int    `mapstructure:"max_files"`
	RotateIntervalSeconds int    `mapstructure:"rotate_interval_seconds"`
	TotalMaxBytes         int64  `mapstructure:"total_max_bytes"`
	TruncateBytes         int    `mapstructure:"truncate_bytes"`
}

// DatabaseConfig selects the session store.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // memory, sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// RedisConfig backs the shared rate-limit store when rate_limit.store is
// "redis".
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// WiretapConfig gates the live capture tail endpoint.
type WiretapConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HomeDir returns the global configuration directory: ~/.promptwire.
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// OverridesPath is where command-driven settings are persisted.
func OverridesPath() string {
	return filepath.Join(HomeDir(), "overrides.yaml")
}

// Load builds the configuration. A local .env is read first so key
// discovery and env overrides see it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(HomeDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read global config: %w", err)
		}
	}

	// Local overlay: first of ./config/config.yaml, ./config.yaml.
	for _, localPath := range []string{filepath.Join("config", "config.yaml"), "config.yaml"} {
		if _, err := os.Stat(localPath); err != nil {
			continue
		}
		local := viper.New()
		local.SetConfigFile(localPath)
		if err := local.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read local config %s: %w", localPath, err)
		}
		if err := v.MergeConfigMap(local.AllSettings()); err != nil {
			return nil, fmt.Errorf("merge local config: %w", err)
		}
		break
	}

	mergeOverrides(v, OverridesPath())

	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Backends) == 0 {
		cfg.Backends = DefaultBackends()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindEnvAliases wires the short environment names alongside the
// PROMPTWIRE_-prefixed ones.
func bindEnvAliases(v *viper.Viper) {
	aliases := map[string]string{
		"proxy.command_prefix":               "COMMAND_PREFIX",
		"proxy.disable_commands":             "DISABLE_COMMANDS",
		"proxy.disable_interactive_commands": "DISABLE_INTERACTIVE_COMMANDS",
		"proxy.default_backend":              "DEFAULT_BACKEND",
		"proxy.thinking_budget":              "THINKING_BUDGET",
		"server.disable_auth":                "DISABLE_AUTH",
	}
	for key, short := range aliases {
		prefixed := strings.ToUpper(AppName) + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, short)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.mode", "local")
	v.SetDefault("server.disable_auth", false)

	v.SetDefault("proxy.command_prefix", "!/")
	v.SetDefault("proxy.default_backend", "openai")
	v.SetDefault("proxy.session_prefix", "proxy")
	v.SetDefault("proxy.session_ttl", "12h")
	v.SetDefault("proxy.redaction", true)
	v.SetDefault("proxy.edit_precision.enabled", true)
	v.SetDefault("proxy.edit_precision.target_temperature", 0.15)
	v.SetDefault("proxy.edit_precision.min_top_p", 0.3)
	v.SetDefault("proxy.edit_precision.apply_top_p", false)
	v.SetDefault("proxy.loop_detection.enabled", true)
	v.SetDefault("proxy.loop_detection.min_pattern_length", 4)
	v.SetDefault("proxy.loop_detection.max_pattern_length", 120)
	v.SetDefault("proxy.loop_detection.threshold", 6)
	v.SetDefault("proxy.json_repair", true)
	v.SetDefault("proxy.empty_retry", true)

	v.SetDefault("identity.title", AppName)

	v.SetDefault("rate_limit.limit", 0)
	v.SetDefault("rate_limit.window", "60s")
	v.SetDefault("rate_limit.store", "memory")

	v.SetDefault("circuit_breaker.enabled", false)
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.recovery_timeout", "30s")

	v.SetDefault("capture.max_bytes", 10*1024*1024)
	v.SetDefault("capture.max_files", 5)
	v.SetDefault("capture.rotate_interval_seconds", 0)
	v.SetDefault("capture.total_max_bytes", 100*1024*1024)
	v.SetDefault("capture.truncate_bytes", 64*1024)

	v.SetDefault("database.type", "memory")
	v.SetDefault("database.dsn", "promptwire.db")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("wiretap.enabled", false)
}

// DefaultBackends is the built-in backend set used when none are
// configured. Keys still come from the environment; a backend without keys
// is registered but not functional.
func DefaultBackends() []BackendConfig {
	return []BackendConfig{
		{Name: "openai", Type: "openai"},
		{Name: "anthropic", Type: "anthropic"},
		{Name: "gemini", Type: "gemini"},
		{Name: "openrouter", Type: "openai", BaseURL: "https://openrouter.ai/api/v1"},
	}
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Database.Type {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("database.type %q not one of memory, sqlite, postgres", c.Database.Type)
	}
	switch c.RateLimit.Store {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("rate_limit.store redis requires redis.addr")
		}
	default:
		return fmt.Errorf("rate_limit.store %q not one of memory, redis", c.RateLimit.Store)
	}
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend with empty name")
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend %q", b.Name)
		}
		seen[b.Name] = true
	}
	if c.Proxy.CommandPrefix == "" {
		return fmt.Errorf("proxy.command_prefix must not be empty")
	}
	return nil
}
