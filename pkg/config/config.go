package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // trigger timezones resolve without system zoneinfo

	"github.com/go-playground/validator/v10"
	"github.com/runplane/runplane/pkg/bus"
	"github.com/runplane/runplane/pkg/reconcile"
	"github.com/runplane/runplane/pkg/telemetry"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RUNPLANE_DATABASE_PATH.
const EnvPrefix = "RUNPLANE"

// DefaultFile is looked up in the working directory when no file is given.
const DefaultFile = "runplane.yaml"

// Config is the kernel configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Bus        bus.Config       `mapstructure:"bus" yaml:"bus"`
	Reconcile  reconcile.Config `mapstructure:"reconcile" yaml:"reconcile"`
	Triggers   TriggersConfig   `mapstructure:"triggers" yaml:"triggers"`
	Policy     PolicyConfig     `mapstructure:"policy" yaml:"policy"`
	Catalog    CatalogConfig    `mapstructure:"catalog" yaml:"catalog"`
	Frameworks FrameworksConfig `mapstructure:"frameworks" yaml:"frameworks"`
	Telemetry  telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`
}

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `mapstructure:"driver" yaml:"driver" validate:"oneof=sqlite memory"`

	// Path is the SQLite database file.
	Path string `mapstructure:"path" yaml:"path" validate:"required_if=Driver sqlite"`
}

// TriggersConfig configures the trigger subsystem.
type TriggersConfig struct {
	// Timezone is the IANA zone cron schedules are evaluated in.
	Timezone string `mapstructure:"timezone" yaml:"timezone" validate:"required"`

	// FiringHistory bounds `triggers firings` output. 0 lists everything.
	FiringHistory int `mapstructure:"firing_history" yaml:"firing_history" validate:"gte=0"`

	// FilterTimeout bounds one Starlark filter or template script evaluation.
	FilterTimeout time.Duration `mapstructure:"filter_timeout" yaml:"filter_timeout" validate:"gt=0"`
}

// Location resolves Timezone.
func (c TriggersConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// PolicyConfig configures run admission.
type PolicyConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Paths   []string `mapstructure:"paths" yaml:"paths"`

	// Watch reloads Paths on change.
	Watch bool `mapstructure:"watch" yaml:"watch"`
}

// CatalogConfig lists Function and Task documents loaded at startup.
type CatalogConfig struct {
	Paths []string `mapstructure:"paths" yaml:"paths"`

	// Schemas maps a runtime to a CUE file declaring its #Spec. It replaces
	// the builtin schema of that runtime.
	Schemas map[string]string `mapstructure:"schemas" yaml:"schemas"`
}

// FrameworksConfig configures the framework adapters.
type FrameworksConfig struct {
	// Default is used when a composed spec names no framework.
	Default string `mapstructure:"default" yaml:"default" validate:"required"`

	Local LocalConfig `mapstructure:"local" yaml:"local"`
}

// LocalConfig configures the local process adapter.
type LocalConfig struct {
	// Shell runs the command string, e.g. "/bin/sh".
	Shell string `mapstructure:"shell" yaml:"shell" validate:"required"`

	// Workdir is the root of per-run working directories.
	Workdir string `mapstructure:"workdir" yaml:"workdir"`

	// GracePeriod is how long Stop waits after SIGTERM before killing.
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "runplane.db",
		},
		Bus:       bus.DefaultConfig(),
		Reconcile: reconcile.DefaultConfig(),
		Triggers: TriggersConfig{
			Timezone:      "UTC",
			FiringHistory: 50,
			FilterTimeout: 2 * time.Second,
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Frameworks: FrameworksConfig{
			Default: "local",
			Local: LocalConfig{
				Shell:       "/bin/sh",
				GracePeriod: 10 * time.Second,
			},
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the configuration from path, or from DefaultFile when path is
// empty and the file exists, then applies RUNPLANE_ environment overrides.
// Flags bound into v take precedence over both.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, ".yaml"))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("bus.queue_size", d.Bus.QueueSize)
	v.SetDefault("bus.max_attempts", d.Bus.MaxAttempts)
	v.SetDefault("bus.retry_backoff", d.Bus.RetryBackoff)

	v.SetDefault("reconcile.workers", d.Reconcile.Workers)

	v.SetDefault("triggers.timezone", d.Triggers.Timezone)
	v.SetDefault("triggers.firing_history", d.Triggers.FiringHistory)
	v.SetDefault("triggers.filter_timeout", d.Triggers.FilterTimeout)

	v.SetDefault("policy.enabled", d.Policy.Enabled)
	v.SetDefault("policy.paths", d.Policy.Paths)
	v.SetDefault("policy.watch", d.Policy.Watch)

	v.SetDefault("catalog.paths", d.Catalog.Paths)

	v.SetDefault("frameworks.default", d.Frameworks.Default)
	v.SetDefault("frameworks.local.shell", d.Frameworks.Local.Shell)
	v.SetDefault("frameworks.local.workdir", d.Frameworks.Local.Workdir)
	v.SetDefault("frameworks.local.grace_period", d.Frameworks.Local.GracePeriod)

	t := d.Telemetry
	v.SetDefault("telemetry.service_name", t.ServiceName)
	v.SetDefault("telemetry.service_version", t.ServiceVersion)
	v.SetDefault("telemetry.environment", t.Environment)
	v.SetDefault("telemetry.logging.level", t.Logging.Level)
	v.SetDefault("telemetry.logging.format", t.Logging.Format)
	v.SetDefault("telemetry.logging.output", t.Logging.Output)
	v.SetDefault("telemetry.logging.enable_caller", t.Logging.EnableCaller)
	v.SetDefault("telemetry.logging.enable_sampling", t.Logging.EnableSampling)
	v.SetDefault("telemetry.logging.sampling_initial", t.Logging.SamplingInitial)
	v.SetDefault("telemetry.logging.sampling_thereafter", t.Logging.SamplingThereafter)
	v.SetDefault("telemetry.logging.time_format", t.Logging.TimeFormat)
	v.SetDefault("telemetry.tracing.enabled", t.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", t.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", t.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.sampling_rate", t.Tracing.SamplingRate)
	v.SetDefault("telemetry.tracing.max_export_batch_size", t.Tracing.MaxExportBatchSize)
	v.SetDefault("telemetry.tracing.export_timeout", t.Tracing.ExportTimeout)
	v.SetDefault("telemetry.tracing.insecure", t.Tracing.Insecure)
	v.SetDefault("telemetry.metrics.enabled", t.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", t.Metrics.ListenAddress)
	v.SetDefault("telemetry.metrics.path", t.Metrics.Path)
	v.SetDefault("telemetry.metrics.namespace", t.Metrics.Namespace)
	v.SetDefault("telemetry.metrics.buckets", t.Metrics.Buckets)
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Bus.QueueSize <= 0 {
		return fmt.Errorf("invalid config: bus.queue_size must be positive")
	}
	if _, err := c.Triggers.Location(); err != nil {
		return fmt.Errorf("invalid config: triggers.timezone: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid config: telemetry: %w", err)
	}
	return nil
}
