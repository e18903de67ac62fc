// ABOUTME: Configuration loading and parsing for handoff-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete handoff-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Presence  PresenceConfig  `yaml:"presence" toml:"presence"`
	Routing   RoutingConfig   `yaml:"routing" toml:"routing"`
	Lock      LockConfig      `yaml:"lock" toml:"lock"`
	Notify    NotifyConfig    `yaml:"notify" toml:"notify"`
	Detect    DetectConfig    `yaml:"detect" toml:"detect"`
	Policy    PolicyConfig    `yaml:"policy" toml:"policy"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
}

// DatabaseConfig selects the SQL driver and its data source.
// Driver is one of "sqlite" (pure Go), "sqlite3" (cgo) or "pgx" (Postgres).
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// PresenceConfig holds liveness timing for agent sessions
type PresenceConfig struct {
	LivenessWindow  time.Duration `yaml:"-" toml:"-"`
	SweepInterval   time.Duration `yaml:"-" toml:"-"`
	ReleaseOnExpiry bool          `yaml:"release_on_expiry" toml:"release_on_expiry"`

	// Raw string values for unmarshaling
	LivenessWindowRaw string `yaml:"liveness_window" toml:"liveness_window"`
	SweepIntervalRaw  string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// RoutingConfig holds assignment and reconciliation settings
type RoutingConfig struct {
	ReconcileInterval time.Duration `yaml:"-" toml:"-"`
	ReconcileRepair   bool          `yaml:"reconcile_repair" toml:"reconcile_repair"`
	CandidateLimit    int           `yaml:"candidate_limit" toml:"candidate_limit"`

	ReconcileIntervalRaw string `yaml:"reconcile_interval" toml:"reconcile_interval"`
}

// LockConfig selects the per-conversation lock backend
type LockConfig struct {
	Backend  string        `yaml:"backend" toml:"backend"` // memory or redis
	RedisURL string        `yaml:"redis_url" toml:"redis_url"`
	TTL      time.Duration `yaml:"-" toml:"-"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// NotifyConfig configures the transition notification sinks
type NotifyConfig struct {
	DispatchTimeout time.Duration `yaml:"-" toml:"-"`
	AMQP            AMQPConfig    `yaml:"amqp" toml:"amqp"`
	Asynq           AsynqConfig   `yaml:"asynq" toml:"asynq"`
	Matrix          MatrixConfig  `yaml:"matrix" toml:"matrix"`

	DispatchTimeoutRaw string `yaml:"dispatch_timeout" toml:"dispatch_timeout"`
}

// AMQPConfig holds RabbitMQ publisher settings
type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	URL      string `yaml:"url" toml:"url"`
	Exchange string `yaml:"exchange" toml:"exchange"`
}

// AsynqConfig holds task queue settings for guest/agent delivery workers
type AsynqConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	RedisURL string `yaml:"redis_url" toml:"redis_url"`
	Queue    string `yaml:"queue" toml:"queue"`
	MaxRetry int    `yaml:"max_retry" toml:"max_retry"`
}

// MatrixConfig holds the staff room notifier settings
type MatrixConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
	RoomID      string `yaml:"room_id" toml:"room_id"`
}

// DetectConfig controls transfer-intent detection on guest text
type DetectConfig struct {
	Keywords      bool    `yaml:"keywords" toml:"keywords"`
	OpenAIKey     string  `yaml:"openai_api_key" toml:"openai_api_key"`
	OpenAIModel   string  `yaml:"openai_model" toml:"openai_model"`
	MinConfidence float64 `yaml:"min_confidence" toml:"min_confidence"`
}

// PolicyConfig points at an optional rego file replacing the builtin policy
type PolicyConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// DedupeConfig bounds the idempotency-key cache for handoff requests
type DedupeConfig struct {
	TTL     time.Duration `yaml:"-" toml:"-"`
	MaxSize int           `yaml:"max_size" toml:"max_size"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults applied when a field is left empty.
const (
	DefaultLivenessWindow    = 90 * time.Second
	DefaultSweepInterval     = 30 * time.Second
	DefaultReconcileInterval = 5 * time.Minute
	DefaultLockTTL           = 10 * time.Second
	DefaultDispatchTimeout   = 5 * time.Second
	DefaultDedupeTTL         = 10 * time.Minute
	DefaultCandidateLimit    = 5
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(string(data), strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration text, applying env expansion, defaults and validation.
func Parse(raw string, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(raw)

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Presence.LivenessWindow == 0 {
		c.Presence.LivenessWindow = DefaultLivenessWindow
	}
	if c.Presence.SweepInterval == 0 {
		c.Presence.SweepInterval = DefaultSweepInterval
	}
	if c.Routing.ReconcileInterval == 0 {
		c.Routing.ReconcileInterval = DefaultReconcileInterval
	}
	if c.Routing.CandidateLimit == 0 {
		c.Routing.CandidateLimit = DefaultCandidateLimit
	}
	if c.Lock.Backend == "" {
		c.Lock.Backend = "memory"
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = DefaultLockTTL
	}
	if c.Notify.DispatchTimeout == 0 {
		c.Notify.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.Notify.AMQP.Exchange == "" {
		c.Notify.AMQP.Exchange = "handoff.events"
	}
	if c.Notify.Asynq.Queue == "" {
		c.Notify.Asynq.Queue = "notifications"
	}
	if c.Detect.OpenAIModel == "" {
		c.Detect.OpenAIModel = "gpt-4o-mini"
	}
	if c.Detect.MinConfidence == 0 {
		c.Detect.MinConfidence = 0.7
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.MaxSize == 0 {
		c.Dedupe.MaxSize = 10000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3", "pgx":
	default:
		return fmt.Errorf("database.driver %q is not supported (sqlite, sqlite3, pgx)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Presence.LivenessWindow <= 0 {
		return fmt.Errorf("presence.liveness_window must be positive")
	}
	if c.Presence.SweepInterval <= 0 || c.Presence.SweepInterval > c.Presence.LivenessWindow {
		return fmt.Errorf("presence.sweep_interval must be positive and no longer than liveness_window")
	}
	if c.Routing.CandidateLimit < 0 {
		return fmt.Errorf("routing.candidate_limit must not be negative")
	}
	if c.Routing.ReconcileInterval <= 0 {
		return fmt.Errorf("routing.reconcile_interval must be positive")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be positive")
	}
	if c.Dedupe.TTL <= 0 {
		return fmt.Errorf("dedupe.ttl must be positive")
	}
	if c.Notify.DispatchTimeout <= 0 {
		return fmt.Errorf("notify.dispatch_timeout must be positive")
	}

	switch c.Lock.Backend {
	case "memory":
	case "redis":
		if c.Lock.RedisURL == "" {
			return fmt.Errorf("lock.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("lock.backend %q is not supported (memory, redis)", c.Lock.Backend)
	}

	if c.Notify.AMQP.Enabled && c.Notify.AMQP.URL == "" {
		return fmt.Errorf("notify.amqp.url is required when amqp is enabled")
	}
	if c.Notify.Asynq.Enabled && c.Notify.Asynq.RedisURL == "" {
		return fmt.Errorf("notify.asynq.redis_url is required when asynq is enabled")
	}
	if c.Notify.Matrix.Enabled && (c.Notify.Matrix.Homeserver == "" || c.Notify.Matrix.RoomID == "") {
		return fmt.Errorf("notify.matrix.homeserver and room_id are required when matrix is enabled")
	}

	if c.Detect.MinConfidence < 0 || c.Detect.MinConfidence > 1 {
		return fmt.Errorf("detect.min_confidence must be between 0 and 1")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"liveness_window", cfg.Presence.LivenessWindowRaw, &cfg.Presence.LivenessWindow},
		{"sweep_interval", cfg.Presence.SweepIntervalRaw, &cfg.Presence.SweepInterval},
		{"reconcile_interval", cfg.Routing.ReconcileIntervalRaw, &cfg.Routing.ReconcileInterval},
		{"lock.ttl", cfg.Lock.TTLRaw, &cfg.Lock.TTL},
		{"dispatch_timeout", cfg.Notify.DispatchTimeoutRaw, &cfg.Notify.DispatchTimeout},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
