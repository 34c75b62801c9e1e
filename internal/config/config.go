// Package config provides configuration loading for the server.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// YAML config file, and environment variables. Keys are dotted
// (session.max_concurrent) and map onto upper-case environment names with
// underscores (SESSION_MAX_CONCURRENT).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
)

// Auth schemes for the API gate.
const (
	AuthBearer = "bearer"
	AuthJWT    = "jwt"
)

// Engine kinds.
const (
	EngineClaudeCLI = "claude-cli"
	EngineACP       = "acp"
)

// Config holds all configuration values for the server.
type Config struct {
	// Server settings
	Host           string
	Port           int
	PublicURL      string
	AllowedOrigins []string

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	ShutdownTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
	WSPingInterval    time.Duration
	WSPongTimeout     time.Duration

	// API gate
	AuthEnabled        bool
	AuthType           string
	APIKey             string
	JWKSURL            string
	JWTAudience        string
	JWTIssuer          string
	RateLimitEnabled   bool
	RateLimitPerMinute int
	RateLimitBurst     int

	// Engine defaults
	ClaudeAPIKey          string
	ClaudePath            string
	DefaultModel          string
	DefaultPermissionMode string
	DefaultAllowedTools   []string
	DefaultMaxTurns       int

	// Engine runtime
	EngineType          string
	ACPCommand          string
	ACPArgs             []string
	EnginePTY           bool
	EngineCancelGrace   time.Duration
	ContainerMode       bool
	ContainerLabelKey   string
	ContainerLabelValue string
	ContainerUser       string
	ContainerCacheTTL   time.Duration

	// Session pool
	SessionMaxConcurrent   int
	SessionIdleTimeout     time.Duration
	SessionCleanupInterval time.Duration

	// Tasks
	TaskDefaultTimeout time.Duration

	// Storage
	StorageType     string
	SQLitePath      string
	RedisURL        string
	RedisKeyPrefix  string
	StorageAttempts int

	// Event queues
	EventsQueueSize      int
	EventsPublishTimeout time.Duration
	EventsGracePeriod    time.Duration
	EventsReplayBuffer   int

	// Logging
	LogLevel  string
	LogFormat string
}

// SetDefaults registers every known key with its default value. Keys must be
// registered for environment overrides to be picked up by AutomaticEnv.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("ws.read_buffer_size", 1024)
	v.SetDefault("ws.write_buffer_size", 1024)
	v.SetDefault("ws.ping_interval", 30*time.Second)
	v.SetDefault("ws.pong_timeout", 90*time.Second)

	v.SetDefault("api.allowed_origins", "*")
	v.SetDefault("api.auth_enabled", false)
	v.SetDefault("api.auth_type", AuthBearer)
	v.SetDefault("api.key", "")
	v.SetDefault("api.jwks_url", "")
	v.SetDefault("api.jwt_audience", "")
	v.SetDefault("api.jwt_issuer", "")
	v.SetDefault("api.rate_limit_enabled", true)
	v.SetDefault("api.rate_limit_per_minute", 100)
	v.SetDefault("api.rate_limit_burst", 20)

	v.SetDefault("claude.api_key", "")
	v.SetDefault("claude.path", "claude")
	v.SetDefault("claude.default_model", "")
	v.SetDefault("claude.default_permission_mode", "acceptEdits")
	v.SetDefault("claude.default_allowed_tools", "Read,Write,Edit,Bash")
	v.SetDefault("claude.max_turns", 50)

	v.SetDefault("engine.type", EngineClaudeCLI)
	v.SetDefault("engine.acp_command", "claude-code-acp")
	v.SetDefault("engine.acp_args", "")
	v.SetDefault("engine.pty", false)
	v.SetDefault("engine.cancel_grace", 5*time.Second)
	v.SetDefault("engine.container_mode", false)
	v.SetDefault("engine.container_label_key", "devcontainer.local_folder")
	v.SetDefault("engine.container_label_value", "")
	v.SetDefault("engine.container_user", "")
	v.SetDefault("engine.container_cache_ttl", 30*time.Second)

	v.SetDefault("session.max_concurrent", 10)
	v.SetDefault("session.idle_timeout_seconds", 1800)
	v.SetDefault("session.cleanup_interval_seconds", 300)

	v.SetDefault("task.default_timeout_seconds", 3600)

	v.SetDefault("storage.type", StorageMemory)
	v.SetDefault("storage.sqlite_path", "claude-code-server.db")
	v.SetDefault("storage.redis_url", "redis://localhost:6379/0")
	v.SetDefault("storage.redis_key_prefix", "ccs:")
	v.SetDefault("storage.connect_attempts", 5)

	v.SetDefault("events.queue_size", 256)
	v.SetDefault("events.publish_timeout", 100*time.Millisecond)
	v.SetDefault("events.grace_period", 5*time.Minute)
	v.SetDefault("events.replay_buffer", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// BindEnv wires environment variable lookup into v.
func BindEnv(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from v, which must already have defaults and
// environment binding applied (see New).
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Host:           v.GetString("server.host"),
		Port:           v.GetInt("server.port"),
		PublicURL:      strings.TrimRight(v.GetString("server.public_url"), "/"),
		AllowedOrigins: getStringSlice(v, "api.allowed_origins"),

		HTTPReadTimeout:  v.GetDuration("server.read_timeout"),
		HTTPWriteTimeout: v.GetDuration("server.write_timeout"),
		HTTPIdleTimeout:  v.GetDuration("server.idle_timeout"),
		ShutdownTimeout:  v.GetDuration("server.shutdown_timeout"),

		WSReadBufferSize:  v.GetInt("ws.read_buffer_size"),
		WSWriteBufferSize: v.GetInt("ws.write_buffer_size"),
		WSPingInterval:    v.GetDuration("ws.ping_interval"),
		WSPongTimeout:     v.GetDuration("ws.pong_timeout"),

		AuthEnabled:        v.GetBool("api.auth_enabled"),
		AuthType:           strings.ToLower(v.GetString("api.auth_type")),
		APIKey:             v.GetString("api.key"),
		JWKSURL:            v.GetString("api.jwks_url"),
		JWTAudience:        v.GetString("api.jwt_audience"),
		JWTIssuer:          v.GetString("api.jwt_issuer"),
		RateLimitEnabled:   v.GetBool("api.rate_limit_enabled"),
		RateLimitPerMinute: v.GetInt("api.rate_limit_per_minute"),
		RateLimitBurst:     v.GetInt("api.rate_limit_burst"),

		ClaudeAPIKey:          v.GetString("claude.api_key"),
		ClaudePath:            v.GetString("claude.path"),
		DefaultModel:          v.GetString("claude.default_model"),
		DefaultPermissionMode: v.GetString("claude.default_permission_mode"),
		DefaultAllowedTools:   getStringSlice(v, "claude.default_allowed_tools"),
		DefaultMaxTurns:       v.GetInt("claude.max_turns"),

		EngineType:          strings.ToLower(v.GetString("engine.type")),
		ACPCommand:          v.GetString("engine.acp_command"),
		ACPArgs:             getStringSlice(v, "engine.acp_args"),
		EnginePTY:           v.GetBool("engine.pty"),
		EngineCancelGrace:   v.GetDuration("engine.cancel_grace"),
		ContainerMode:       v.GetBool("engine.container_mode"),
		ContainerLabelKey:   v.GetString("engine.container_label_key"),
		ContainerLabelValue: v.GetString("engine.container_label_value"),
		ContainerUser:       v.GetString("engine.container_user"),
		ContainerCacheTTL:   v.GetDuration("engine.container_cache_ttl"),

		SessionMaxConcurrent:   v.GetInt("session.max_concurrent"),
		SessionIdleTimeout:     seconds(v, "session.idle_timeout_seconds"),
		SessionCleanupInterval: seconds(v, "session.cleanup_interval_seconds"),

		TaskDefaultTimeout: seconds(v, "task.default_timeout_seconds"),

		StorageType:     strings.ToLower(v.GetString("storage.type")),
		SQLitePath:      v.GetString("storage.sqlite_path"),
		RedisURL:        v.GetString("storage.redis_url"),
		RedisKeyPrefix:  v.GetString("storage.redis_key_prefix"),
		StorageAttempts: v.GetInt("storage.connect_attempts"),

		EventsQueueSize:      v.GetInt("events.queue_size"),
		EventsPublishTimeout: v.GetDuration("events.publish_timeout"),
		EventsGracePeriod:    v.GetDuration("events.grace_period"),
		EventsReplayBuffer:   v.GetInt("events.replay_buffer"),

		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// New returns a viper instance with defaults and environment binding applied.
// When path is non-empty the file is read as well.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Port))
	}
	if c.SessionMaxConcurrent <= 0 {
		errs = append(errs, errors.New("session.max_concurrent must be positive"))
	}
	if c.SessionIdleTimeout <= 0 {
		errs = append(errs, errors.New("session.idle_timeout_seconds must be positive"))
	}
	if c.SessionCleanupInterval <= 0 {
		errs = append(errs, errors.New("session.cleanup_interval_seconds must be positive"))
	}
	if c.TaskDefaultTimeout <= 0 {
		errs = append(errs, errors.New("task.default_timeout_seconds must be positive"))
	}
	if c.WSPingInterval <= 0 || c.WSPongTimeout <= c.WSPingInterval {
		errs = append(errs, errors.New("ws.pong_timeout must exceed a positive ws.ping_interval"))
	}
	if c.EventsQueueSize <= 0 {
		errs = append(errs, errors.New("events.queue_size must be positive"))
	}

	switch c.StorageType {
	case StorageMemory:
	case StorageSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for sqlite storage"))
		}
	case StorageRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("storage.redis_url is required for redis storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.type %q", c.StorageType))
	}

	switch c.EngineType {
	case EngineClaudeCLI, EngineACP:
	default:
		errs = append(errs, fmt.Errorf("unknown engine.type %q", c.EngineType))
	}

	if c.AuthEnabled {
		switch c.AuthType {
		case AuthBearer:
			if c.APIKey == "" {
				errs = append(errs, errors.New("API_KEY is required when bearer auth is enabled"))
			}
		case AuthJWT:
			if c.JWKSURL == "" {
				errs = append(errs, errors.New("API_JWKS_URL is required when jwt auth is enabled"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown api.auth_type %q", c.AuthType))
		}
	}
	if c.RateLimitEnabled && c.RateLimitPerMinute <= 0 {
		errs = append(errs, errors.New("api.rate_limit_per_minute must be positive when rate limiting is enabled"))
	}

	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}

// getStringSlice accepts either a YAML list or a comma-separated string,
// which is how list values arrive from the environment.
func getStringSlice(v *viper.Viper, key string) []string {
	var parts []string
	switch raw := v.Get(key).(type) {
	case string:
		parts = strings.Split(raw, ",")
	case []string:
		parts = raw
	case []interface{}:
		for _, p := range raw {
			parts = append(parts, fmt.Sprint(p))
		}
	}
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
