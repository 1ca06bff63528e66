package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/driftdb/driftdb/pkg/telemetry"
)

// Config is the file-facing configuration shared by the driftctl and
// drift-resolver binaries. The library packages take their own typed
// configs; this struct only exists to carry operator choices from a CUE
// or YAML document to them.
type Config struct {
	// Storage selects and configures the document store backend.
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Engine configures the coroutine runtime and merge resolver.
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Resolver selects the merge strategy and, for custom strategies,
	// the external resolver to connect to.
	Resolver ResolverConfig `json:"resolver" yaml:"resolver"`

	// Policy configures the rego policy engine.
	Policy PolicyConfig `json:"policy" yaml:"policy"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// StorageConfig selects the store backend.
type StorageConfig struct {
	// Backend is the store implementation.
	Backend string `json:"backend" yaml:"backend" validate:"required,oneof=memory sqlite"`

	// Path is the database file for the sqlite backend.
	Path string `json:"path,omitempty" yaml:"path,omitempty" validate:"required_if=Backend sqlite"`
}

// EngineConfig configures the runtime and resolver internals.
type EngineConfig struct {
	// MaxIdleWorkers caps the coroutine worker reuse pool. Zero keeps
	// the runtime's default.
	MaxIdleWorkers int `json:"max_idle_workers,omitempty" yaml:"max_idle_workers,omitempty" validate:"min=0,max=1024"`

	// EventBuffer sizes the merge event publisher's buffer.
	EventBuffer int `json:"event_buffer,omitempty" yaml:"event_buffer,omitempty" validate:"min=0"`
}

// ResolverConfig selects how conflicts get decided.
type ResolverConfig struct {
	// Strategy is the merge strategy: lww takes the later head
	// wholesale, policy consults the rego engine, custom talks to an
	// external resolver.
	Strategy string `json:"strategy" yaml:"strategy" validate:"required,oneof=lww policy custom"`

	// Target locates the external resolver for the custom strategy:
	// exec:PATH, unix:ADDR, tcp:ADDR or starlark:FILE.
	Target string `json:"target,omitempty" yaml:"target,omitempty" validate:"required_if=Strategy custom"`

	// Manifest is an optional resolver manifest whose checksum is
	// verified before an exec target is spawned.
	Manifest string `json:"manifest,omitempty" yaml:"manifest,omitempty"`
}

// PolicyConfig configures the policy engine for the policy strategy.
type PolicyConfig struct {
	// Paths are policy files and directories to load.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`

	// Watch reloads policies when the files change.
	Watch bool `json:"watch,omitempty" yaml:"watch,omitempty"`

	// Fallback decides conflicts no policy has a verdict for.
	Fallback string `json:"fallback,omitempty" yaml:"fallback,omitempty" validate:"omitempty,oneof=left right"`
}

// TelemetryConfig configures the observability stack.
type TelemetryConfig struct {
	// LogLevel is the minimum level: trace, debug, info, warn, error or
	// fatal.
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty" validate:"omitempty,oneof=trace debug info warn error fatal"`

	// LogFormat is console or json.
	LogFormat string `json:"log_format,omitempty" yaml:"log_format,omitempty" validate:"omitempty,oneof=console json"`

	// Metrics configures the prometheus endpoint.
	Metrics MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`

	// Tracing configures the OpenTelemetry exporter.
	Tracing TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures the prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Address string `json:"address,omitempty" yaml:"address,omitempty" validate:"omitempty,hostname_port"`
}

// TracingConfig configures trace export.
type TracingConfig struct {
	Enabled  bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Exporter string `json:"exporter,omitempty" yaml:"exporter,omitempty" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Insecure bool   `json:"insecure,omitempty" yaml:"insecure,omitempty"`
}

// DefaultConfig returns the configuration both binaries start from: an
// in-memory store, last-one-wins merging and console logging, with
// metrics and tracing off.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: "memory",
		},
		Engine: EngineConfig{
			MaxIdleWorkers: 25,
			EventBuffer:    64,
		},
		Resolver: ResolverConfig{
			Strategy: "lww",
		},
		Policy: PolicyConfig{
			Fallback: "right",
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "console",
			Metrics: MetricsConfig{
				Address: ":9090",
			},
			Tracing: TracingConfig{
				Exporter: "stdout",
			},
		},
	}
}

// ApplyDefaults fills unset fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Engine.MaxIdleWorkers == 0 {
		c.Engine.MaxIdleWorkers = d.Engine.MaxIdleWorkers
	}
	if c.Engine.EventBuffer == 0 {
		c.Engine.EventBuffer = d.Engine.EventBuffer
	}
	if c.Resolver.Strategy == "" {
		c.Resolver.Strategy = d.Resolver.Strategy
	}
	if c.Policy.Fallback == "" {
		c.Policy.Fallback = d.Policy.Fallback
	}
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = d.Telemetry.LogLevel
	}
	if c.Telemetry.LogFormat == "" {
		c.Telemetry.LogFormat = d.Telemetry.LogFormat
	}
	if c.Telemetry.Metrics.Address == "" {
		c.Telemetry.Metrics.Address = d.Telemetry.Metrics.Address
	}
	if c.Telemetry.Tracing.Exporter == "" {
		c.Telemetry.Tracing.Exporter = d.Telemetry.Tracing.Exporter
	}
}

var structValidator = validator.New()

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ToTelemetry maps the telemetry section onto the telemetry package's
// config.
func (c *Config) ToTelemetry() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = c.Telemetry.LogLevel
	cfg.Logging.Format = c.Telemetry.LogFormat
	cfg.Metrics.Enabled = c.Telemetry.Metrics.Enabled
	cfg.Metrics.ListenAddress = c.Telemetry.Metrics.Address
	cfg.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	cfg.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	cfg.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	cfg.Tracing.Insecure = c.Telemetry.Tracing.Insecure
	return cfg
}
