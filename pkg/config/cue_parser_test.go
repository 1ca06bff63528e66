package config

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

func newMemParser() (*Parser, afero.Fs) {
	fs := afero.NewMemMapFs()
	return NewParserWithFs(fs, zerolog.Nop()), fs
}

func TestParseInlineFullDocument(t *testing.T) {
	parser, _ := newMemParser()

	cfg, err := parser.ParseInline(context.Background(), `
storage: {
	backend: "sqlite"
	path:    "/var/lib/driftdb/store.db"
}
engine: max_idle_workers: 10
resolver: {
	strategy: "custom"
	target:   "exec:/usr/local/bin/merge-bot"
}
policy: fallback: "left"
telemetry: {
	log_level: "debug"
	metrics: {
		enabled: true
		address: ":9123"
	}
}
`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if cfg.Storage.Backend != "sqlite" || cfg.Storage.Path != "/var/lib/driftdb/store.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Engine.MaxIdleWorkers != 10 {
		t.Errorf("max_idle_workers = %d, want 10", cfg.Engine.MaxIdleWorkers)
	}
	if cfg.Resolver.Strategy != "custom" || cfg.Resolver.Target != "exec:/usr/local/bin/merge-bot" {
		t.Errorf("resolver = %+v", cfg.Resolver)
	}
	if cfg.Policy.Fallback != "left" {
		t.Errorf("fallback = %q, want left", cfg.Policy.Fallback)
	}
	if !cfg.Telemetry.Metrics.Enabled || cfg.Telemetry.Metrics.Address != ":9123" {
		t.Errorf("metrics = %+v", cfg.Telemetry.Metrics)
	}

	// Unset fields pick up defaults.
	if cfg.Engine.EventBuffer != 64 {
		t.Errorf("event_buffer = %d, want the default", cfg.Engine.EventBuffer)
	}
	if cfg.Telemetry.LogFormat != "console" {
		t.Errorf("log_format = %q, want the default", cfg.Telemetry.LogFormat)
	}
}

func TestParseInlineAppliesAllDefaults(t *testing.T) {
	parser, _ := newMemParser()

	cfg, err := parser.ParseInline(context.Background(), `storage: backend: "memory"`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	want := DefaultConfig()
	if cfg.Resolver.Strategy != want.Resolver.Strategy {
		t.Errorf("strategy = %q, want %q", cfg.Resolver.Strategy, want.Resolver.Strategy)
	}
	if cfg.Engine.MaxIdleWorkers != want.Engine.MaxIdleWorkers {
		t.Errorf("max_idle_workers = %d, want %d", cfg.Engine.MaxIdleWorkers, want.Engine.MaxIdleWorkers)
	}
	if cfg.Telemetry.LogLevel != want.Telemetry.LogLevel {
		t.Errorf("log_level = %q, want %q", cfg.Telemetry.LogLevel, want.Telemetry.LogLevel)
	}
}

func TestParseInlineSyntaxErrorHasLocation(t *testing.T) {
	parser, _ := newMemParser()

	_, err := parser.ParseInline(context.Background(), "storage: {\nbackend: \"memory\"")
	if err == nil {
		t.Fatal("a syntax error should fail the parse")
	}

	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("err = %T, want *ParseError", err)
	}
	if len(parseErr.Errors) == 0 {
		t.Fatal("no located errors recorded")
	}
	if parseErr.Errors[0].File != "inline" {
		t.Errorf("file = %q, want inline", parseErr.Errors[0].File)
	}
	if parseErr.Errors[0].Line == 0 {
		t.Error("line missing from located error")
	}
}

func TestParseInlineRejectsBadEnums(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown backend", `storage: backend: "postgres"`},
		{"unknown strategy", `resolver: strategy: "vote"`},
		{"bad target scheme", `
resolver: {
	strategy: "custom"
	target:   "carrier-pigeon:coop"
}`},
		{"unknown log level", `telemetry: log_level: "loud"`},
		{"unknown section field", `storage: {backend: "memory", flavor: "vanilla"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parser, _ := newMemParser()
			if _, err := parser.ParseInline(context.Background(), tt.content); err == nil {
				t.Fatalf("config %q should fail validation", tt.content)
			}
		})
	}
}

func TestParseYAML(t *testing.T) {
	parser, _ := newMemParser()

	cfg, err := parser.ParseYAML(context.Background(), []byte(`
storage:
  backend: sqlite
  path: /tmp/store.db
resolver:
  strategy: policy
policy:
  paths:
    - /etc/driftdb/policies
  watch: true
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.Path != "/tmp/store.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Resolver.Strategy != "policy" {
		t.Errorf("strategy = %q", cfg.Resolver.Strategy)
	}
	if len(cfg.Policy.Paths) != 1 || !cfg.Policy.Watch {
		t.Errorf("policy = %+v", cfg.Policy)
	}
	if cfg.Policy.Fallback != "right" {
		t.Errorf("fallback = %q, want the default", cfg.Policy.Fallback)
	}
}

func TestParseYAMLRejectsMalformedDocuments(t *testing.T) {
	parser, _ := newMemParser()
	if _, err := parser.ParseYAML(context.Background(), []byte("storage: [unclosed")); err == nil {
		t.Fatal("malformed YAML should fail")
	}
	if _, err := parser.ParseYAML(context.Background(), []byte("storage:\n  backend: postgres")); err == nil {
		t.Fatal("YAML documents hit the same schema as CUE ones")
	}
}

func TestLoadDispatchesOnExtension(t *testing.T) {
	parser, fs := newMemParser()
	ctx := context.Background()

	files := map[string]string{
		"/etc/driftdb/config.cue":  `storage: backend: "memory"`,
		"/etc/driftdb/config.yaml": "storage:\n  backend: memory\n",
		"/etc/driftdb/config.toml": `backend = "memory"`,
	}
	for path, content := range files {
		if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", path, err)
		}
	}

	if _, err := parser.Load(ctx, "/etc/driftdb/config.cue"); err != nil {
		t.Errorf("cue load failed: %v", err)
	}
	if _, err := parser.Load(ctx, "/etc/driftdb/config.yaml"); err != nil {
		t.Errorf("yaml load failed: %v", err)
	}
	if _, err := parser.Load(ctx, "/etc/driftdb/config.toml"); err == nil {
		t.Error("unsupported extensions should fail")
	}
	if _, err := parser.Load(ctx, "/etc/driftdb/missing.cue"); err == nil {
		t.Error("missing files should fail")
	}
}

func TestValidateCrossFieldRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"sqlite needs a path", func(c *Config) {
			c.Storage.Backend = "sqlite"
			c.Storage.Path = ""
		}},
		{"custom strategy needs a target", func(c *Config) {
			c.Resolver.Strategy = "custom"
			c.Resolver.Target = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("validation should fail")
			}
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("the default config must validate: %v", err)
	}

	parser, _ := newMemParser()
	if err := parser.Schemas().ValidateConfig(context.Background(), cfg); err != nil {
		t.Fatalf("the default config must pass the schema: %v", err)
	}
}

func TestToTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Telemetry.LogLevel = "warn"
	cfg.Telemetry.LogFormat = "json"
	cfg.Telemetry.Metrics.Enabled = true
	cfg.Telemetry.Metrics.Address = ":9999"
	cfg.Telemetry.Tracing.Enabled = true
	cfg.Telemetry.Tracing.Exporter = "otlp"
	cfg.Telemetry.Tracing.Endpoint = "collector:4317"

	tc := cfg.ToTelemetry()
	if tc.Logging.Level != "warn" || tc.Logging.Format != "json" {
		t.Errorf("logging = %+v", tc.Logging)
	}
	if !tc.Metrics.Enabled || tc.Metrics.ListenAddress != ":9999" {
		t.Errorf("metrics = %+v", tc.Metrics)
	}
	if !tc.Tracing.Enabled || tc.Tracing.Exporter != "otlp" || tc.Tracing.Endpoint != "collector:4317" {
		t.Errorf("tracing = %+v", tc.Tracing)
	}
}

func TestParseErrorMessage(t *testing.T) {
	err := &ParseError{Errors: []ValidationError{
		{File: "config.cue", Line: 3, Column: 7, Message: "cannot use value"},
		{File: "config.cue", Line: 9, Column: 1, Message: "field not allowed"},
	}}
	msg := err.Error()
	if !strings.Contains(msg, "config.cue:3:7") {
		t.Errorf("message %q lacks the first location", msg)
	}
	if !strings.Contains(msg, "1 more") {
		t.Errorf("message %q lacks the remainder count", msg)
	}
}
