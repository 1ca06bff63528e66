package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driftdb/driftdb/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		backend string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a DriftDB workspace",
		Long: `Initialize a new DriftDB workspace: the data directory, the SQLite
database with its schema, and a starter config file.

The memory backend keeps nothing on disk; initializing it only writes
the config file, and every run starts from an empty store.`,
		Example: `  # Initialize a SQLite-backed workspace in ./data
  driftctl init

  # Initialize with a custom data directory and config path
  driftctl init --data-dir /var/lib/driftdb --config /etc/driftdb/driftdb.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Str("backend", backend).
				Str("data_dir", dataDir).
				Str("config", configPath).
				Msg("Initializing workspace")

			ctx := context.Background()

			if backend != "sqlite" && backend != "memory" {
				return fmt.Errorf("unknown storage backend %q", backend)
			}

			fmt.Printf("Initializing DriftDB workspace in %s\n\n", dataDir)

			dbPath := filepath.Join(dataDir, "driftdb.db")
			if backend == "sqlite" {
				// Step 1: Create the data directory
				if err := os.MkdirAll(dataDir, 0700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dataDir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dataDir)

				// Step 2: Initialize the SQLite database
				store, err := stores.NewSQLiteStore(stores.SQLiteConfig{Path: dbPath})
				if err != nil {
					return fmt.Errorf("failed to create store: %w", err)
				}
				if err := store.Migrate(ctx); err != nil {
					_ = store.Close()
					return fmt.Errorf("failed to run migrations: %w", err)
				}
				if err := store.Close(); err != nil {
					return fmt.Errorf("failed to close store: %w", err)
				}
				fmt.Printf("✓ Initialized SQLite database: %s\n", dbPath)
			}

			// Step 3: Write the starter config file
			defaultConfig := `# DriftDB Configuration

storage:
  backend: %s
  path: %s

engine:
  max_idle_workers: 25
  event_buffer: 64

resolver:
  # lww, policy or custom
  strategy: lww

telemetry:
  log_level: info
  log_format: console
  metrics:
    enabled: false
    address: ":9090"
  tracing:
    enabled: false
    exporter: stdout
`
			configContent := fmt.Sprintf(defaultConfig, backend, dbPath)

			if configPath == "" {
				configPath = "./driftdb.yaml"
			}
			if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Printf("✓ Created config file: %s\n", configPath)

			fmt.Printf("\n✅ Workspace initialized successfully!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Stage a document:\n")
			fmt.Printf("     driftctl put greeting hello --config %s\n\n", configPath)
			fmt.Printf("  2. Inspect the head set:\n")
			fmt.Printf("     driftctl heads --config %s\n\n", configPath)
			fmt.Printf("  3. Merge diverged heads:\n")
			fmt.Printf("     driftctl merge --config %s\n\n", configPath)

			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "data directory for the SQLite backend")
	cmd.Flags().StringVar(&backend, "backend", "sqlite", "storage backend (sqlite, memory)")

	return cmd
}
