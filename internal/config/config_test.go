package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vaultpilot.yaml")
	content := `
server:
  address: ":9090"
storage:
  driver: sqlite
wallet:
  confirmation_timeout: 45s
scheduler:
  failure_threshold: 3
strategies:
  swap:
    quote_url: http://quotes.local/swap
    timeout: 2s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address %s", cfg.Server.Address)
	}
	if cfg.Storage.DSN != filepath.Join(dir, "data", "vaultpilot.db") {
		t.Fatalf("unexpected sqlite dsn %s", cfg.Storage.DSN)
	}
	if cfg.Wallet.ConfirmationTimeout.Std() != 45*time.Second {
		t.Fatalf("unexpected confirmation timeout %s", cfg.Wallet.ConfirmationTimeout.Std())
	}
	if cfg.Approval.TTL.Std() != 5*time.Minute {
		t.Fatalf("approval ttl should default to 5m, got %s", cfg.Approval.TTL.Std())
	}
	if cfg.Scheduler.FailureThreshold != 3 {
		t.Fatalf("unexpected threshold %d", cfg.Scheduler.FailureThreshold)
	}
	if cfg.Strategies["swap"].Timeout.Std() != 2*time.Second {
		t.Fatalf("unexpected strategy timeout %s", cfg.Strategies["swap"].Timeout.Std())
	}
	if cfg.Queue.Driver != "memory" || cfg.Auth.Mode != "disabled" {
		t.Fatalf("unexpected defaults: queue=%s auth=%s", cfg.Queue.Driver, cfg.Auth.Mode)
	}
}

func TestLoadJSONSupportsNumericDurations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vaultpilot.json")
	content := `{"scheduler": {"interval": 15}, "approval": {"ttl": "90s"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Scheduler.Interval.Std() != 15*time.Second {
		t.Fatalf("unexpected interval %s", cfg.Scheduler.Interval.Std())
	}
	if cfg.Approval.TTL.Std() != 90*time.Second {
		t.Fatalf("unexpected ttl %s", cfg.Approval.TTL.Std())
	}
}

func TestValidateRejectsInconsistentSettings(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown storage":         func(c *Config) { c.Storage.Driver = "postgres" },
		"mysql without dsn":       func(c *Config) { c.Storage.Driver = "mysql" },
		"jwt without secret":      func(c *Config) { c.Auth.Mode = "jwt" },
		"sql approvals on memory": func(c *Config) { c.Approval.Driver = "sql" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestResolvePathPrefersEnvironment(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/vaultpilot/override.yaml")
	if got := ResolvePath("configs/vaultpilot.yaml"); got != "/etc/vaultpilot/override.yaml" {
		t.Fatalf("unexpected path %s", got)
	}
}
