package modwatch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modwatch.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9000"
units_dir: "/tmp/units"
poll_interval: 250ms
journal:
  retention_days: 7
stream:
  enabled: true
admin:
  token_hash: "$2a$10$abcdefghijklmnopqrstuv"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("listen_addr: got %q", cfg.ListenAddr)
	}
	if cfg.UnitsDir != "/tmp/units" {
		t.Errorf("units_dir: got %q", cfg.UnitsDir)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("poll_interval: got %s", cfg.PollInterval)
	}
	if cfg.Journal.RetentionDays != 7 {
		t.Errorf("retention_days: got %d", cfg.Journal.RetentionDays)
	}
	if !cfg.Stream.Enabled {
		t.Error("stream.enabled should be true")
	}

	// Omitted fields fall back to defaults.
	if cfg.DBPath != "./modwatch.db" {
		t.Errorf("db_path default: got %q", cfg.DBPath)
	}
	if cfg.Journal.CleanupSchedule != "0 3 * * *" {
		t.Errorf("cleanup_schedule default: got %q", cfg.Journal.CleanupSchedule)
	}
	if cfg.Limits.MaxConns != 64 {
		t.Errorf("max_conns default: got %d", cfg.Limits.MaxConns)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadConfig_BadYAML(t *testing.T) {
	path := writeConfig(t, "listen_addr: [not a\n  string")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ListenAddr != ":8600" {
		t.Errorf("listen_addr: got %q", cfg.ListenAddr)
	}
	if cfg.PollInterval != time.Second {
		t.Errorf("poll_interval: got %s", cfg.PollInterval)
	}
	if cfg.Journal.RetentionDays != 14 {
		t.Errorf("retention_days: got %d", cfg.Journal.RetentionDays)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "poll interval below floor",
			mutate:  func(c *Config) { c.PollInterval = time.Millisecond },
			wantSub: "poll_interval",
		},
		{
			name:    "bad cron schedule",
			mutate:  func(c *Config) { c.Journal.CleanupSchedule = "not a schedule" },
			wantSub: "journal.cleanup_schedule",
		},
		{
			name:    "quic without tls",
			mutate:  func(c *Config) { c.MCP.QUICAddr = ":9444" },
			wantSub: "mcp.tls_cert",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("error should name %q, got: %v", tt.wantSub, err)
			}
		})
	}
}

func TestConfigValidate_QUICDevTLS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MCP.QUICAddr = ":9444"
	cfg.MCP.InsecureDevTLS = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("dev TLS should not require cert files: %v", err)
	}
}
