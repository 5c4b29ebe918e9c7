// ABOUTME: Configuration loading and parsing for tether-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete tether-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	AI        AIConfig        `yaml:"ai"`
	App       AppConfig       `yaml:"app"`
	Pairing   PairingConfig   `yaml:"pairing"`
	Media     MediaConfig     `yaml:"media"`
	Connector ConnectorConfig `yaml:"connector"`
	Logging   LoggingConfig   `yaml:"logging"`
	CORS      CORSConfig      `yaml:"cors"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AIConfig holds AI backend configuration
type AIConfig struct {
	BaseURL string `yaml:"base_url"`

	RequestTimeout    time.Duration `yaml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`
}

// AppConfig holds the externally visible base URL for this service
type AppConfig struct {
	BaseURL string `yaml:"base_url"`
}

// PairingConfig holds pairing-code timing configuration
type PairingConfig struct {
	Expiry           time.Duration `yaml:"-"`
	WaitTimeout      time.Duration `yaml:"-"`
	ReconnectTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ExpiryRaw           string `yaml:"expiry"`
	WaitTimeoutRaw      string `yaml:"wait_timeout"`
	ReconnectTimeoutRaw string `yaml:"reconnect_timeout"`
}

// MediaConfig holds temporary media storage configuration
type MediaConfig struct {
	Dir string `yaml:"dir"`

	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
}

// ConnectorConfig holds messaging-network connector configuration
type ConnectorConfig struct {
	Homeserver       string `yaml:"homeserver"`
	CredentialsDir   string `yaml:"credentials_dir"`
	ProvisionBaseURL string `yaml:"provision_base_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CORSConfig holds cross-origin configuration for the HTTP API
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
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

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in defaults for optional timing fields.
func applyDefaults(cfg *Config) {
	if cfg.AI.RequestTimeout == 0 {
		cfg.AI.RequestTimeout = 2 * time.Minute
	}
	if cfg.Pairing.Expiry == 0 {
		cfg.Pairing.Expiry = 5 * time.Minute
	}
	if cfg.Pairing.WaitTimeout == 0 {
		cfg.Pairing.WaitTimeout = time.Minute
	}
	if cfg.Pairing.ReconnectTimeout == 0 {
		cfg.Pairing.ReconnectTimeout = 30 * time.Second
	}
	if cfg.Media.TTL == 0 {
		cfg.Media.TTL = 24 * time.Hour
	}
	if cfg.Media.Dir == "" {
		cfg.Media.Dir = "temp"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The server address is required unless Tailscale provides the listener
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.App.BaseURL == "" {
		return fmt.Errorf("app.base_url is required")
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
		{cfg.AI.RequestTimeoutRaw, &cfg.AI.RequestTimeout, "ai.request_timeout"},
		{cfg.Pairing.ExpiryRaw, &cfg.Pairing.Expiry, "pairing.expiry"},
		{cfg.Pairing.WaitTimeoutRaw, &cfg.Pairing.WaitTimeout, "pairing.wait_timeout"},
		{cfg.Pairing.ReconnectTimeoutRaw, &cfg.Pairing.ReconnectTimeout, "pairing.reconnect_timeout"},
		{cfg.Media.TTLRaw, &cfg.Media.TTL, "media.ttl"},
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
