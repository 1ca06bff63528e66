package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath    string
	verbose       bool
	jsonOutput    bool
	metricsAddr   string
	traceExporter string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "driftctl",
		Short: "DriftDB - replicated document store merge engine",
		Long: `DriftDB stores documents as an append-only commit DAG and merges
diverged replica heads back into one.

Features:
  - Content-addressed commits over SQLite or memory
  - Deterministic (timestamp, id) merge ordering
  - Pluggable conflict resolution: last-one-wins, rego policies,
    external resolver processes, Starlark scripts
  - Typed configs via CUE or YAML
  - Prometheus metrics and OpenTelemetry tracing`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (CUE or YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&traceExporter, "trace", "", "enable tracing with this exporter: otlp or stdout (overrides config)")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newPutCommand())
	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(newHeadsCommand())
	rootCmd.AddCommand(newMergeCommand())
	rootCmd.AddCommand(newLogCommand())

	return rootCmd
}
