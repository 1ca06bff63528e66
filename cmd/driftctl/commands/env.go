package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/config"
	"github.com/driftdb/driftdb/pkg/stores"
	"github.com/driftdb/driftdb/pkg/telemetry"
)

// env bundles what every command needs: the parsed configuration, the
// telemetry stack built from it, and the logger the components share.
type env struct {
	cfg *config.Config
	tel *telemetry.Telemetry
	log zerolog.Logger
}

// newEnv loads the configuration (the --config file when given, defaults
// otherwise) and brings up the telemetry stack from it.
func newEnv(ctx context.Context) (*env, error) {
	bootstrap := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg := config.DefaultConfig()
	if configPath != "" {
		parser := config.NewParser(bootstrap)
		loaded, err := parser.Load(ctx, configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", configPath, err)
		}
		cfg = loaded
	}

	tcfg := cfg.ToTelemetry()
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	if metricsAddr != "" {
		tcfg.Metrics.Enabled = true
		tcfg.Metrics.ListenAddress = metricsAddr
	}
	if traceExporter != "" {
		tcfg.Tracing.Enabled = true
		tcfg.Tracing.Exporter = traceExporter
	}
	if cfg.Engine.EventBuffer > 0 {
		tcfg.Events.BufferSize = cfg.Engine.EventBuffer
	}
	// Deliver events inline; the CLI prints its summary right after
	// convergence and must not race the flush interval.
	tcfg.Events.EnableAsync = false
	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	return &env{cfg: cfg, tel: tel, log: tel.Logger.Zerolog()}, nil
}

// close shuts the telemetry stack down, flushing spans and buffered
// events.
func (e *env) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.tel.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
	}
}

// openStore opens the configured store backend. SQLite stores are
// migrated to the current schema first.
func (e *env) openStore(ctx context.Context) (stores.Store, error) {
	switch e.cfg.Storage.Backend {
	case "sqlite":
		s, err := stores.NewSQLiteStore(stores.SQLiteConfig{
			Path:   e.cfg.Storage.Path,
			Logger: e.log,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return s, nil
	case "memory":
		return stores.NewMemoryStore(stores.MemoryConfig{Logger: e.log}), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", e.cfg.Storage.Backend)
	}
}
