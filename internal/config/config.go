// ABOUTME: Configuration loading and parsing for the council client and server
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "COUNCIL_CONFIG"

// Config represents the complete council configuration
type Config struct {
	Client      ClientConfig      `yaml:"client" toml:"client"`
	Transport   TransportConfig   `yaml:"transport" toml:"transport"`
	Resume      ResumeConfig      `yaml:"resume" toml:"resume"`
	Attachments AttachmentsConfig `yaml:"attachments" toml:"attachments"`
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Events      EventsConfig      `yaml:"events" toml:"events"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ClientConfig holds what the terminal client needs to reach the server
type ClientConfig struct {
	ServerURL       string `yaml:"server_url" toml:"server_url"`
	APIURL          string `yaml:"api_url" toml:"api_url"`
	TokenPath       string `yaml:"token_path" toml:"token_path"`
	DefaultMaxTurns int    `yaml:"default_max_turns" toml:"default_max_turns"`

	StartTimeout time.Duration `yaml:"-" toml:"-"`
	TurnTimeout  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	StartTimeoutRaw string `yaml:"start_timeout" toml:"start_timeout"`
	TurnTimeoutRaw  string `yaml:"turn_timeout" toml:"turn_timeout"`
}

// TransportConfig holds websocket reconnection and send queue settings
type TransportConfig struct {
	JitterPercent int `yaml:"jitter_percent" toml:"jitter_percent"`
	SendBuffer    int `yaml:"send_buffer" toml:"send_buffer"`

	ReconnectBase time.Duration `yaml:"-" toml:"-"`
	ReconnectMax  time.Duration `yaml:"-" toml:"-"`
	WriteTimeout  time.Duration `yaml:"-" toml:"-"`

	ReconnectBaseRaw string `yaml:"reconnect_base" toml:"reconnect_base"`
	ReconnectMaxRaw  string `yaml:"reconnect_max" toml:"reconnect_max"`
	WriteTimeoutRaw  string `yaml:"write_timeout" toml:"write_timeout"`
}

// ResumeConfig selects where resumption records live
type ResumeConfig struct {
	Backend string   `yaml:"backend" toml:"backend"` // "memory" or "sqlite"
	DSN     string   `yaml:"dsn" toml:"dsn"`
	Origins []string `yaml:"origins" toml:"origins"`

	TTL    time.Duration `yaml:"-" toml:"-"`
	TTLRaw string        `yaml:"ttl" toml:"ttl"`
}

// AttachmentsConfig bounds attachment handling
type AttachmentsConfig struct {
	Concurrency int   `yaml:"concurrency" toml:"concurrency"`
	MaxBytes    int64 `yaml:"max_bytes" toml:"max_bytes"`
}

// ServerConfig holds reference server configuration
type ServerConfig struct {
	HTTPAddr       string `yaml:"http_addr" toml:"http_addr"`
	JWTSecret      string `yaml:"jwt_secret" toml:"jwt_secret"`
	DatabasePath   string `yaml:"database_path" toml:"database_path"`
	CostPerTurn    int64  `yaml:"cost_per_turn" toml:"cost_per_turn"`
	InitialCredits int64  `yaml:"initial_credits" toml:"initial_credits"`

	AgentDelay time.Duration `yaml:"-" toml:"-"`
	DedupeTTL  time.Duration `yaml:"-" toml:"-"`

	AgentDelayRaw string `yaml:"agent_delay" toml:"agent_delay"`
	DedupeTTLRaw  string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// EventsConfig configures lifecycle event publishing. Empty AMQPURL disables it.
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url" toml:"amqp_url"`
	Exchange string `yaml:"exchange" toml:"exchange"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			ServerURL:       "ws://localhost:8080/ws",
			APIURL:          "http://localhost:8080",
			DefaultMaxTurns: 6,
			StartTimeoutRaw: "15s",
			TurnTimeoutRaw:  "2m",
		},
		Transport: TransportConfig{
			JitterPercent:    20,
			SendBuffer:       64,
			ReconnectBaseRaw: "500ms",
			ReconnectMaxRaw:  "30s",
			WriteTimeoutRaw:  "5s",
		},
		Resume: ResumeConfig{
			Backend: "sqlite",
			Origins: []string{"quickStart", "marketplace"},
			TTLRaw:  "5m",
		},
		Attachments: AttachmentsConfig{
			Concurrency: 4,
			MaxBytes:    10 << 20,
		},
		Server: ServerConfig{
			HTTPAddr:       "localhost:8080",
			DatabasePath:   "council.db",
			CostPerTurn:    1,
			InitialCredits: 100,
			AgentDelayRaw:  "750ms",
			DedupeTTLRaw:   "5m",
		},
		Events: EventsConfig{
			Exchange: "council.events",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("checking config file: %w", err)
		}
	}

	cfg := Default()
	if err := parseDurations(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPath returns the config file location.
// Priority: COUNCIL_CONFIG env var > XDG_CONFIG_HOME/coven/council.yaml > ~/.config/coven/council.yaml
func DefaultPath() string {
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "council.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "council.yaml")
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

// ValidateClient checks the fields the terminal client needs.
func (c *Config) ValidateClient() error {
	if err := validateURL("client.server_url", c.Client.ServerURL, "ws", "wss"); err != nil {
		return err
	}
	if err := validateURL("client.api_url", c.Client.APIURL, "http", "https"); err != nil {
		return err
	}
	if c.Client.DefaultMaxTurns < 1 {
		return fmt.Errorf("client.default_max_turns must be positive")
	}
	if c.Transport.JitterPercent < 0 || c.Transport.JitterPercent > 100 {
		return fmt.Errorf("transport.jitter_percent must be between 0 and 100")
	}
	if c.Transport.ReconnectMax < c.Transport.ReconnectBase {
		return fmt.Errorf("transport.reconnect_max must not be less than transport.reconnect_base")
	}
	switch c.Resume.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("resume.backend must be memory or sqlite, got %q", c.Resume.Backend)
	}
	if len(c.Resume.Origins) == 0 {
		return fmt.Errorf("resume.origins must not be empty")
	}
	if c.Attachments.Concurrency < 1 {
		return fmt.Errorf("attachments.concurrency must be positive")
	}
	return nil
}

// ValidateServer checks the fields the reference server needs.
func (c *Config) ValidateServer() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if len(c.Server.JWTSecret) < 32 {
		return fmt.Errorf("server.jwt_secret must be at least 32 bytes")
	}
	if c.Server.DatabasePath == "" {
		return fmt.Errorf("server.database_path is required")
	}
	if c.Server.CostPerTurn < 0 {
		return fmt.Errorf("server.cost_per_turn must not be negative")
	}
	if c.Events.AMQPURL != "" && c.Events.Exchange == "" {
		return fmt.Errorf("events.exchange is required when events.amqp_url is set")
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use %s scheme", field, strings.Join(schemes, " or "))
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"client.start_timeout", cfg.Client.StartTimeoutRaw, &cfg.Client.StartTimeout},
		{"client.turn_timeout", cfg.Client.TurnTimeoutRaw, &cfg.Client.TurnTimeout},
		{"transport.reconnect_base", cfg.Transport.ReconnectBaseRaw, &cfg.Transport.ReconnectBase},
		{"transport.reconnect_max", cfg.Transport.ReconnectMaxRaw, &cfg.Transport.ReconnectMax},
		{"transport.write_timeout", cfg.Transport.WriteTimeoutRaw, &cfg.Transport.WriteTimeout},
		{"resume.ttl", cfg.Resume.TTLRaw, &cfg.Resume.TTL},
		{"server.agent_delay", cfg.Server.AgentDelayRaw, &cfg.Server.AgentDelay},
		{"server.dedupe_ttl", cfg.Server.DedupeTTLRaw, &cfg.Server.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
