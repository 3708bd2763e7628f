package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry section of the kernel configuration.
type Config struct {
	ServiceName    string `mapstructure:"service_name" yaml:"service_name" validate:"required"`
	ServiceVersion string `mapstructure:"service_version" yaml:"service_version" validate:"required"`
	Environment    string `mapstructure:"environment" yaml:"environment"`

	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=console json"`

	// Output is stdout, stderr or a file path opened for append.
	Output string `mapstructure:"output" yaml:"output"`

	EnableCaller bool `mapstructure:"enable_caller" yaml:"enable_caller"`

	// With sampling on, SamplingInitial entries pass each second and then
	// one in every SamplingThereafter.
	EnableSampling     bool `mapstructure:"enable_sampling" yaml:"enable_sampling"`
	SamplingInitial    int  `mapstructure:"sampling_initial" yaml:"sampling_initial" validate:"gte=0"`
	SamplingThereafter int  `mapstructure:"sampling_thereafter" yaml:"sampling_thereafter" validate:"gte=0"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Exporter string `mapstructure:"exporter" yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector address, e.g. localhost:4317.
	Endpoint string            `mapstructure:"endpoint" yaml:"endpoint"`
	Headers  map[string]string `mapstructure:"headers" yaml:"headers"`
	Insecure bool              `mapstructure:"insecure" yaml:"insecure"`

	SamplingRate       float64       `mapstructure:"sampling_rate" yaml:"sampling_rate" validate:"gte=0,lte=1"`
	MaxExportBatchSize int           `mapstructure:"max_export_batch_size" yaml:"max_export_batch_size" validate:"gte=0"`
	ExportTimeout      time.Duration `mapstructure:"export_timeout" yaml:"export_timeout" validate:"gte=0"`
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address" validate:"required_if=Enabled true"`
	Path          string `mapstructure:"path" yaml:"path"`
	Namespace     string `mapstructure:"namespace" yaml:"namespace"`

	// Buckets are the dispatch latency buckets in seconds.
	Buckets []float64 `mapstructure:"buckets" yaml:"buckets"`
}

// DefaultConfig logs to stderr at info, exports no spans and serves metrics on :9090.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "runplane",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			Headers:            map[string]string{},
			Insecure:           true,
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "runplane",
			Buckets:       []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
	}
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}
