package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
	if cfg.Frameworks.Default != "local" {
		t.Errorf("expected local default framework, got %s", cfg.Frameworks.Default)
	}
	if cfg.Bus.QueueSize != 256 {
		t.Errorf("expected queue size 256, got %d", cfg.Bus.QueueSize)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runplane.yaml")
	content := `
database:
  path: /var/lib/runplane/state.db
reconcile:
  workers: 4
triggers:
  timezone: Europe/Paris
  filter_timeout: 500ms
policy:
  paths: [/etc/runplane/policies]
  watch: true
catalog:
  paths: [catalog.yaml]
frameworks:
  local:
    workdir: /tmp/runs
telemetry:
  logging:
    level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RUNPLANE_RECONCILE_WORKERS", "16")
	t.Setenv("RUNPLANE_TELEMETRY_LOGGING_FORMAT", "json")

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	if cfg.Database.Path != "/var/lib/runplane/state.db" || cfg.Database.Driver != "sqlite" {
		t.Errorf("unexpected database config %+v", cfg.Database)
	}
	if cfg.Reconcile.Workers != 16 {
		t.Errorf("expected env to override workers, got %d", cfg.Reconcile.Workers)
	}
	if cfg.Triggers.FilterTimeout != 500*time.Millisecond {
		t.Errorf("expected 500ms filter timeout, got %v", cfg.Triggers.FilterTimeout)
	}
	if loc, _ := cfg.Triggers.Location(); loc.String() != "Europe/Paris" {
		t.Errorf("unexpected location %v", loc)
	}
	if len(cfg.Policy.Paths) != 1 || !cfg.Policy.Watch || !cfg.Policy.Enabled {
		t.Errorf("unexpected policy config %+v", cfg.Policy)
	}
	if cfg.Frameworks.Local.Workdir != "/tmp/runs" || cfg.Frameworks.Local.Shell != "/bin/sh" {
		t.Errorf("unexpected local config %+v", cfg.Frameworks.Local)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Format != "json" {
		t.Errorf("unexpected logging config %+v", cfg.Telemetry.Logging)
	}
	if cfg.Telemetry.ServiceName != "runplane" {
		t.Errorf("expected default service name, got %s", cfg.Telemetry.ServiceName)
	}
}

func TestLoad_FlagsWin(t *testing.T) {
	v := viper.New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("db", "", "")
	if err := v.BindPFlag("database.path", flags.Lookup("db")); err != nil {
		t.Fatal(err)
	}
	if err := flags.Parse([]string{"--db", "/tmp/flag.db"}); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RUNPLANE_DATABASE_PATH", "/tmp/env.db")

	cfg, err := Load(v, "")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if cfg.Database.Path != "/tmp/flag.db" {
		t.Errorf("expected flag to win, got %s", cfg.Database.Path)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(nil, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for an explicit missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("triggers:\n  timezone: Mars/Olympus\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(nil, path); err == nil {
		t.Error("expected error for an unknown timezone")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }},
		{"negative workers", func(c *Config) { c.Reconcile.Workers = -1 }},
		{"empty queue", func(c *Config) { c.Bus.QueueSize = 0 }},
		{"no default framework", func(c *Config) { c.Frameworks.Default = "" }},
		{"zero filter timeout", func(c *Config) { c.Triggers.FilterTimeout = 0 }},
		{"bad log level", func(c *Config) { c.Telemetry.Logging.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	cfg := Default()
	cfg.Database = DatabaseConfig{Driver: "memory"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("memory driver needs no path: %v", err)
	}
}
