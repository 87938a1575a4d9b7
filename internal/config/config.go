// ABOUTME: Configuration loading and parsing for wallboard-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete wallboard-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Presence PresenceConfig `yaml:"presence"`
	Relay    RelayConfig    `yaml:"relay"`
	Session  SessionConfig  `yaml:"session"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TokenTTLRaw string `yaml:"token_ttl"`
}

// PresenceConfig holds the status label set
type PresenceConfig struct {
	// Statuses is the accepted set of status labels. The first entry is
	// the status assigned on registration unless DefaultStatus overrides it.
	Statuses      []string `yaml:"statuses"`
	DefaultStatus string   `yaml:"default_status"`
}

// RelayConfig holds routing policy configuration
type RelayConfig struct {
	BroadcastAudience  string `yaml:"broadcast_audience"` // "agents" or "all"
	BroadcastEcho      *bool  `yaml:"broadcast_echo"`     // default true
	ObserverTeamFilter bool   `yaml:"observer_team_filter"`
}

// SessionConfig holds per-connection tunables
type SessionConfig struct {
	WriteTimeout time.Duration `yaml:"-"`
	SendBuffer   int           `yaml:"send_buffer"`

	// Raw string value for YAML unmarshaling
	WriteTimeoutRaw string `yaml:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

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

	cfg.applyDefaults()

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied, for tests
// and spot runs without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Auth.TokenTTL = 24 * time.Hour
	cfg.Session.WriteTimeout = 5 * time.Second
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "localhost:8080"
	}
	if len(c.Presence.Statuses) == 0 {
		c.Presence.Statuses = []string{"available", "busy", "break", "offline"}
	}
	if c.Presence.DefaultStatus == "" {
		c.Presence.DefaultStatus = c.Presence.Statuses[0]
	}
	if c.Relay.BroadcastAudience == "" {
		c.Relay.BroadcastAudience = "agents"
	}
	if c.Relay.BroadcastEcho == nil {
		echo := true
		c.Relay.BroadcastEcho = &echo
	}
	if c.Session.SendBuffer == 0 {
		c.Session.SendBuffer = 64
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Relay.BroadcastAudience != "agents" && c.Relay.BroadcastAudience != "all" {
		return fmt.Errorf("relay.broadcast_audience must be \"agents\" or \"all\", got %q", c.Relay.BroadcastAudience)
	}

	defaultOK := false
	for _, s := range c.Presence.Statuses {
		if s == "" {
			return fmt.Errorf("presence.statuses must not contain empty labels")
		}
		if s == c.Presence.DefaultStatus {
			defaultOK = true
		}
	}
	if !defaultOK {
		return fmt.Errorf("presence.default_status %q is not in presence.statuses", c.Presence.DefaultStatus)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	cfg.Auth.TokenTTL = 24 * time.Hour
	if cfg.Auth.TokenTTLRaw != "" {
		cfg.Auth.TokenTTL, err = time.ParseDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing token_ttl %q: %w", cfg.Auth.TokenTTLRaw, err)
		}
	}

	cfg.Session.WriteTimeout = 5 * time.Second
	if cfg.Session.WriteTimeoutRaw != "" {
		cfg.Session.WriteTimeout, err = time.ParseDuration(cfg.Session.WriteTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing write_timeout %q: %w", cfg.Session.WriteTimeoutRaw, err)
		}
	}

	return nil
}
