package telemetry

import (
	"fmt"
	"time"
)

// Config contains the observability configuration for the machine engine.
type Config struct {
	// ServiceName identifies this service in logs, traces and metrics.
	ServiceName string

	// ServiceVersion is the running version of the service.
	ServiceVersion string

	// Environment is the deployment environment (development, staging, production).
	Environment string

	// Logging configures structured logging.
	Logging LoggingConfig

	// Tracing configures distributed tracing.
	Tracing TracingConfig

	// Metrics configures Prometheus metrics.
	Metrics MetricsConfig

	// Events configures the lifecycle event bus.
	Events EventsConfig

	// ResourceAttributes are extra resource attributes attached to traces.
	ResourceAttributes map[string]string
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error, fatal).
	Level string

	// Format is the log output format (console, json).
	Format string

	// Output is where logs are written (stdout, stderr, or a file path).
	Output string

	// EnableCaller adds file:line caller information to log lines.
	EnableCaller bool

	// EnableSampling enables burst sampling for high-frequency logs.
	EnableSampling bool

	// SamplingInitial is the number of messages allowed per second before sampling.
	SamplingInitial int

	// SamplingThereafter logs every Nth message once sampling kicks in.
	SamplingThereafter int

	// TimeFormat is the timestamp format (unix, rfc3339).
	TimeFormat string
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool

	// Exporter selects the span exporter (otlp, stdout, none).
	Exporter string

	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string

	// SamplingRate is the trace sampling ratio (0.0 to 1.0).
	SamplingRate float64

	// MaxExportBatchSize caps the number of spans per export batch.
	MaxExportBatchSize int

	// ExportTimeout bounds a single export attempt.
	ExportTimeout time.Duration

	// Headers are extra headers sent to the OTLP collector.
	Headers map[string]string

	// Insecure disables TLS on the exporter connection.
	Insecure bool
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool

	// ListenAddress is the address of the metrics HTTP endpoint.
	ListenAddress string

	// Path is the HTTP path serving metrics (default: /metrics).
	Path string

	// Namespace is the metric name prefix.
	Namespace string

	// DurationBuckets are histogram buckets for dispatch latencies, in seconds.
	DurationBuckets []float64
}

// EventsConfig configures the lifecycle event bus.
type EventsConfig struct {
	// Enabled controls whether events are published.
	Enabled bool

	// BufferSize is the capacity of the event buffer.
	BufferSize int

	// FlushInterval is how often buffered events are flushed to subscribers.
	FlushInterval time.Duration

	// MaxBatchSize caps the number of events delivered per flush.
	MaxBatchSize int

	// EnableAsync delivers events on a background goroutine.
	EnableAsync bool
}

// DefaultConfig returns the default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "openrig",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			EnableCaller:       false,
			EnableSampling:     false,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9464",
			Path:          "/metrics",
			Namespace:     "openrig",
			DurationBuckets: []float64{
				0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 30.0, 60.0, 300.0,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    256,
			FlushInterval: 5 * time.Second,
			MaxBatchSize:  64,
			EnableAsync:   true,
		},
		ResourceAttributes: make(map[string]string),
	}
}

// ProductionConfig returns a production-leaning telemetry configuration.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// DevelopmentConfig returns a development-leaning telemetry configuration.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "development"
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	cfg.Tracing.SamplingRate = 1.0
	return cfg
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{
		"otlp": true, "stdout": true, "none": true,
	}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}

	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("otlp exporter requires an endpoint")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}

	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}

	return nil
}
