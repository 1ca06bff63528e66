package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/driftdb/driftdb/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(c *Config) {}},
		{
			name:    "missing service name",
			mutate:  func(c *Config) { c.ServiceName = "" },
			wantErr: true,
		},
		{
			name:    "missing service version",
			mutate:  func(c *Config) { c.ServiceVersion = "" },
			wantErr: true,
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "text" },
			wantErr: true,
		},
		{
			name: "bad exporter with tracing enabled",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "jaeger"
			},
			wantErr: true,
		},
		{
			name:   "bad exporter with tracing disabled",
			mutate: func(c *Config) { c.Tracing.Exporter = "jaeger" },
		},
		{
			name:    "sampling rate above one",
			mutate:  func(c *Config) { c.Tracing.SamplingRate = 1.5 },
			wantErr: true,
		},
		{
			name:    "negative sampling rate",
			mutate:  func(c *Config) { c.Tracing.SamplingRate = -0.1 },
			wantErr: true,
		},
		{
			name: "metrics enabled without address",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.ListenAddress = ""
			},
			wantErr: true,
		},
		{
			name:    "events enabled without buffer",
			mutate:  func(c *Config) { c.Events.BufferSize = 0 },
			wantErr: true,
		},
		{
			name:    "async events without batch size",
			mutate:  func(c *Config) { c.Events.MaxBatchSize = 0 },
			wantErr: true,
		},
		{
			name: "sync events ignore batch size",
			mutate: func(c *Config) {
				c.Events.EnableAsync = false
				c.Events.MaxBatchSize = 0
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvironmentConfigsAreValid(t *testing.T) {
	for _, tt := range []struct {
		name string
		cfg  *Config
	}{
		{"default", DefaultConfig()},
		{"production", ProductionConfig()},
		{"development", DevelopmentConfig()},
	} {
		if err := tt.cfg.Validate(); err != nil {
			t.Errorf("%s config invalid: %v", tt.name, err)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"shouting", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drift.log")
	logger, err := NewLogger(LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: path,
	})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("written to file")

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat log file: %v", err)
	}
	if info.Size() == 0 {
		t.Error("log file is empty after Info")
	}
}

func TestNewLoggerRejectsUnwritableFile(t *testing.T) {
	_, err := NewLogger(LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: filepath.Join(t.TempDir(), "missing", "drift.log"),
	})
	if err == nil {
		t.Error("NewLogger accepted a file in a missing directory")
	}
}

func scrapeMetrics(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	return string(body)
}

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordMergeStarted("lww")
	m.RecordMergeCompleted("ok", 25*time.Millisecond)
	m.RecordConflicts(2)
	m.RecordDecision("left")
	m.RecordStorageOp("add_commit", "ok", time.Millisecond)
	m.RecordResolverRequest("merge")
	m.SessionOpened()
	m.RecordError("transient", "STORAGE_ERROR")
	m.SetHeads(1)
	m.RecordEvent("merge_completed")

	body := scrapeMetrics(t, m)
	for _, want := range []string{
		`driftdb_merges_started_total{strategy="lww"} 1`,
		`driftdb_merges_completed_total{status="ok"} 1`,
		`driftdb_merge_conflicts_total 2`,
		`driftdb_merge_decisions_total{source="left"} 1`,
		`driftdb_storage_ops_total{operation="add_commit",status="ok"} 1`,
		`driftdb_resolver_requests_total{kind="merge"} 1`,
		`driftdb_resolver_sessions_active 1`,
		`driftdb_errors_by_code_total{code="STORAGE_ERROR"} 1`,
		`driftdb_heads 1`,
		`driftdb_events_published_total{type="merge_completed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	// None of these may panic on the no-op instance.
	m.RecordMergeStarted("lww")
	m.RecordMergeCompleted("ok", time.Millisecond)
	m.RecordConflicts(1)
	m.SessionOpened()
	m.SessionClosed()
	m.SetHeads(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled metrics handler status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if err := m.StopMetricsServer(context.Background()); err != nil {
		t.Errorf("StopMetricsServer without server: %v", err)
	}
}

func TestNewTelemetryWiresComponents(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.Logging.Level = "error"
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry: %v", err)
	}

	if tel.Logger == nil || tel.Tracer == nil || tel.Metrics == nil || tel.Events == nil {
		t.Fatal("telemetry component missing after NewTelemetry")
	}

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("FromTelemetryContext did not return the stored telemetry")
	}
	if FromTelemetryContext(context.Background()) != nil {
		t.Error("FromTelemetryContext on a bare context is not nil")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNewTelemetryRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	if _, err := NewTelemetry(cfg); err == nil {
		t.Error("NewTelemetry accepted an invalid config")
	}
}

func TestObserveEventsRecordsMergeMetrics(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Metrics.Enabled = true
	cfg.Events.EnableAsync = false
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry: %v", err)
	}
	defer tel.Shutdown(context.Background())

	ctx := context.Background()
	stop, err := tel.ObserveEvents(ctx, "lww")
	if err != nil {
		t.Fatalf("ObserveEvents: %v", err)
	}

	events := []*engine.Event{
		{
			Type: engine.EventTypeMergeStarted,
			Left: "commit-a", Right: "commit-b",
			Message: "merge started",
		},
		{
			Type: engine.EventTypeConflictDetected,
			Left: "commit-a", Right: "commit-b",
			Details: map[string]interface{}{"conflicts": 2},
			Message: "merge requires conflict resolution",
		},
		{
			Type: engine.EventTypeMergeCompleted,
			Left: "commit-a", Right: "commit-b", Result: "commit-m",
			Message: "merge completed",
		},
		{
			Type:    engine.EventTypeHeadsConverged,
			Details: map[string]interface{}{"heads": 1},
			Message: "head set converged",
		},
	}
	for _, ev := range events {
		if err := tel.Events.Publish(ctx, ev); err != nil {
			t.Fatalf("Publish %s: %v", ev.Type, err)
		}
	}
	stop()

	body := scrapeMetrics(t, tel.Metrics)
	for _, want := range []string{
		`driftdb_merges_started_total{strategy="lww"} 1`,
		`driftdb_merges_completed_total{status="ok"} 1`,
		`driftdb_merge_conflicts_total 2`,
		`driftdb_heads 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
