// ABOUTME: Configuration loading and parsing for switchboard
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete switchboard configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Workers   []WorkerConfig  `yaml:"workers"`
	Health    HealthConfig    `yaml:"health"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Bus       BusConfig       `yaml:"bus"`
	Commands  CommandsConfig  `yaml:"commands"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds the public listener address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// AuthConfig holds authentication configuration.
// JWTSecret enables bearer-token auth; APIKeys maps key values to a
// display name for each caller. Either mechanism satisfies admission.
type AuthConfig struct {
	JWTSecret string            `yaml:"jwt_secret"`
	APIKeys   map[string]string `yaml:"api_keys"`
}

// WorkerConfig describes one statically configured worker endpoint
type WorkerConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// HealthConfig holds health monitor timing configuration
type HealthConfig struct {
	Interval     time.Duration `yaml:"-"`
	ProbeTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IntervalRaw     string `yaml:"interval"`
	ProbeTimeoutRaw string `yaml:"probe_timeout"`
}

// SessionsConfig holds session store eviction configuration
type SessionsConfig struct {
	TTL           time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	TTLRaw           string `yaml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// BusConfig holds message bus configuration.
// When RedisAddr is empty or Redis is unreachable at startup the bus
// falls back to its in-memory backend.
type BusConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	MaxAttempts   int    `yaml:"max_attempts"`
	HistoryLimit  int    `yaml:"history_limit"`

	HandlerTimeout    time.Duration `yaml:"-"`
	HandlerTimeoutRaw string        `yaml:"handler_timeout"`
}

// CommandsConfig holds command router configuration
type CommandsConfig struct {
	HistoryLimit int `yaml:"history_limit"`

	DispatchTimeout    time.Duration `yaml:"-"`
	DispatchTimeoutRaw string        `yaml:"dispatch_timeout"`
}

// RateLimitConfig holds admission control quota configuration.
// PerMinute/Burst bound each (identity, operation) pair; EdgeLimit
// bounds raw requests per IP before auth runs.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
	EdgeLimit int `yaml:"edge_limit"`

	EdgeWindow    time.Duration `yaml:"-"`
	EdgeWindowRaw string        `yaml:"edge_window"`
}

// AuditConfig holds the optional persistent audit trail configuration.
// An empty path disables persistence.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied by Load when the corresponding field is absent.
const (
	DefaultHealthInterval     = 10 * time.Second
	DefaultProbeTimeout       = 5 * time.Second
	DefaultSessionTTL         = 30 * time.Minute
	DefaultDispatchTimeout    = 5 * time.Second
	DefaultHandlerTimeout     = 2 * time.Second
	DefaultBusMaxAttempts     = 3
	DefaultBusHistoryLimit    = 1000
	DefaultCommandHistory     = 1000
	DefaultRateLimitPerMinute = 60
	DefaultEdgeLimit          = 600
	DefaultEdgeWindow         = time.Minute
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Health.Interval == 0 {
		c.Health.Interval = DefaultHealthInterval
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Sessions.TTL == 0 {
		c.Sessions.TTL = DefaultSessionTTL
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = c.Sessions.TTL / 2
		if c.Sessions.SweepInterval > time.Minute {
			c.Sessions.SweepInterval = time.Minute
		}
	}
	if c.Bus.MaxAttempts == 0 {
		c.Bus.MaxAttempts = DefaultBusMaxAttempts
	}
	if c.Bus.HistoryLimit == 0 {
		c.Bus.HistoryLimit = DefaultBusHistoryLimit
	}
	if c.Bus.HandlerTimeout == 0 {
		c.Bus.HandlerTimeout = DefaultHandlerTimeout
	}
	if c.Commands.HistoryLimit == 0 {
		c.Commands.HistoryLimit = DefaultCommandHistory
	}
	if c.Commands.DispatchTimeout == 0 {
		c.Commands.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.RateLimit.PerMinute == 0 {
		c.RateLimit.PerMinute = DefaultRateLimitPerMinute
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = c.RateLimit.PerMinute
	}
	if c.RateLimit.EdgeLimit == 0 {
		c.RateLimit.EdgeLimit = DefaultEdgeLimit
	}
	if c.RateLimit.EdgeWindow == 0 {
		c.RateLimit.EdgeWindow = DefaultEdgeWindow
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	seen := make(map[string]bool, len(c.Workers))
	for _, w := range c.Workers {
		if w.Name == "" {
			return fmt.Errorf("workers: name is required")
		}
		if w.Address == "" {
			return fmt.Errorf("workers: address is required for %q", w.Name)
		}
		if seen[w.Name] {
			return fmt.Errorf("workers: duplicate name %q", w.Name)
		}
		seen[w.Name] = true
	}

	if c.Bus.MaxAttempts < 1 {
		return fmt.Errorf("bus.max_attempts must be at least 1")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Health.IntervalRaw, &cfg.Health.Interval, "health.interval"},
		{cfg.Health.ProbeTimeoutRaw, &cfg.Health.ProbeTimeout, "health.probe_timeout"},
		{cfg.Sessions.TTLRaw, &cfg.Sessions.TTL, "sessions.ttl"},
		{cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval, "sessions.sweep_interval"},
		{cfg.Bus.HandlerTimeoutRaw, &cfg.Bus.HandlerTimeout, "bus.handler_timeout"},
		{cfg.Commands.DispatchTimeoutRaw, &cfg.Commands.DispatchTimeout, "commands.dispatch_timeout"},
		{cfg.RateLimit.EdgeWindowRaw, &cfg.RateLimit.EdgeWindow, "ratelimit.edge_window"},
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
