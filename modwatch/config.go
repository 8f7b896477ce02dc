package modwatch

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level modwatch configuration.
type Config struct {
	ListenAddr   string        `yaml:"listen_addr"`
	UnitsDir     string        `yaml:"units_dir"`
	DBPath       string        `yaml:"db_path"`
	PollInterval time.Duration `yaml:"poll_interval"`

	Journal JournalConfig `yaml:"journal"`
	Stream  StreamConfig  `yaml:"stream"`
	MCP     MCPConfig     `yaml:"mcp"`
	Admin   AdminConfig   `yaml:"admin"`
	Limits  LimitsConfig  `yaml:"limits"`
}

// JournalConfig controls scan history retention.
type JournalConfig struct {
	RetentionDays   int    `yaml:"retention_days"`
	CleanupSchedule string `yaml:"cleanup_schedule"`
}

// StreamConfig controls the WebSocket report stream.
type StreamConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MCPConfig controls the MCP-over-QUIC listener.
type MCPConfig struct {
	// QUICAddr enables the QUIC listener when non-empty.
	QUICAddr string `yaml:"quic_addr"`
	// InsecureDevTLS serves a self-signed certificate instead of requiring
	// cert and key files.
	InsecureDevTLS bool   `yaml:"insecure_dev_tls"`
	TLSCert        string `yaml:"tls_cert"`
	TLSKey         string `yaml:"tls_key"`
}

// AdminConfig controls API authentication.
type AdminConfig struct {
	// TokenHash is the bcrypt hash of the admin bearer token. Empty
	// disables authentication.
	TokenHash string `yaml:"token_hash"`
}

// LimitsConfig bounds resource usage.
type LimitsConfig struct {
	// MaxConns caps concurrent API connections.
	MaxConns int `yaml:"max_conns"`
}

// LoadConfig reads a YAML configuration file, applies defaults and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8600"
	}
	if c.UnitsDir == "" {
		c.UnitsDir = "./units"
	}
	if c.DBPath == "" {
		c.DBPath = "./modwatch.db"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Journal.RetentionDays <= 0 {
		c.Journal.RetentionDays = 14
	}
	if c.Journal.CleanupSchedule == "" {
		c.Journal.CleanupSchedule = "0 3 * * *"
	}
	if c.Limits.MaxConns <= 0 {
		c.Limits.MaxConns = 64
	}
}

// Validate rejects configurations that cannot work. Errors name the
// offending field.
func (c *Config) Validate() error {
	if c.PollInterval < 10*time.Millisecond {
		return fmt.Errorf("poll_interval: %s is below the 10ms floor", c.PollInterval)
	}
	if _, err := cron.ParseStandard(c.Journal.CleanupSchedule); err != nil {
		return fmt.Errorf("journal.cleanup_schedule: %w", err)
	}
	if c.MCP.QUICAddr != "" && !c.MCP.InsecureDevTLS {
		if c.MCP.TLSCert == "" || c.MCP.TLSKey == "" {
			return fmt.Errorf("mcp.tls_cert/mcp.tls_key: required when quic_addr is set without insecure_dev_tls")
		}
	}
	return nil
}
