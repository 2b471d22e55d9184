// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth"`
	Identity  IdentityConfig  `yaml:"identity"`
	Gateways  []GatewayConfig `yaml:"gateways"`
	Models    []ModelConfig   `yaml:"models"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Logging   LoggingConfig   `yaml:"logging"`

	HandshakeTimeout    time.Duration `yaml:"-"`
	HandshakeTimeoutRaw string        `yaml:"handshake_timeout"`
}

// ServerConfig holds the frontend listen address
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
	HTTPS     bool   `yaml:"https"`  // serve on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel"` // enable public Funnel (implies HTTPS)
}

// AuthConfig holds the frontend shared-secret gate. At most one of
// Password (plain, constant-time compare) and PasswordHash (bcrypt) may be
// set; with neither set, connections are authenticated on accept.
type AuthConfig struct {
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
}

// IdentityConfig holds the device identity file location
type IdentityConfig struct {
	Path string `yaml:"path"`
}

// GatewayConfig describes one backend gateway endpoint
type GatewayConfig struct {
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	AgentID string `yaml:"agent_id"`
}

// ModelConfig is one entry of the model list surfaced to frontends
type ModelConfig struct {
	Value string `yaml:"value" json:"value"`
	Label string `yaml:"label" json:"label"`
}

// ReconnectConfig tunes the per-gateway reconnection backoff
type ReconnectConfig struct {
	BaseDelay time.Duration `yaml:"-"`
	MaxDelay  time.Duration `yaml:"-"`
	Factor    float64       `yaml:"factor"`

	// Raw string values for YAML unmarshaling
	BaseDelayRaw string `yaml:"base_delay"`
	MaxDelayRaw  string `yaml:"max_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied after parsing when fields are unset.
const (
	DefaultBaseDelay        = time.Second
	DefaultMaxDelay         = 30 * time.Second
	DefaultFactor           = 2.0
	DefaultHandshakeTimeout = 10 * time.Second
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

	cfg.applyDefaults()

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

func (c *Config) applyDefaults() {
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultMaxDelay
	}
	if c.Reconnect.Factor == 0 {
		c.Reconnect.Factor = DefaultFactor
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The listen address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.Password != "" && c.Auth.PasswordHash != "" {
		return fmt.Errorf("auth.password and auth.password_hash are mutually exclusive")
	}

	if len(c.Gateways) == 0 {
		return fmt.Errorf("at least one gateway is required")
	}
	for i, gw := range c.Gateways {
		if gw.Name == "" {
			return fmt.Errorf("gateways[%d].name is required", i)
		}
		if gw.URL == "" {
			return fmt.Errorf("gateways[%d].url is required", i)
		}
	}

	if c.Reconnect.Factor < 1 {
		return fmt.Errorf("reconnect.factor must be >= 1")
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay <= 0 {
		return fmt.Errorf("reconnect delays must be positive")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Reconnect.BaseDelayRaw != "" {
		cfg.Reconnect.BaseDelay, err = time.ParseDuration(cfg.Reconnect.BaseDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing base_delay %q: %w", cfg.Reconnect.BaseDelayRaw, err)
		}
	}

	if cfg.Reconnect.MaxDelayRaw != "" {
		cfg.Reconnect.MaxDelay, err = time.ParseDuration(cfg.Reconnect.MaxDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing max_delay %q: %w", cfg.Reconnect.MaxDelayRaw, err)
		}
	}

	if cfg.HandshakeTimeoutRaw != "" {
		cfg.HandshakeTimeout, err = time.ParseDuration(cfg.HandshakeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing handshake_timeout %q: %w", cfg.HandshakeTimeoutRaw, err)
		}
	}

	return nil
}
