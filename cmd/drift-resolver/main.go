// Package main implements the drift-resolver sidecar. It answers merge
// conflicts over the resolver wire protocol on stdin/stdout, so the
// engine can spawn it with exec: targets or from a manifest.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/driftdb/driftdb/pkg/resolver"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	var (
		scriptPath string
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:   "drift-resolver",
		Short: "Conflict resolver sidecar for the merge engine",
		Long: `drift-resolver answers merge conflicts over stdin/stdout.

Without flags every conflict goes to the newer head (last one wins).
With --script a Starlark decide(conflict) function rules instead.

Stdout carries the wire protocol; all logging goes to stderr.`,
		Example: `  # Spawned by the engine
  driftctl merge --strategy custom --resolver exec:drift-resolver

  # Script-driven decisions
  driftctl merge --strategy custom --resolver "exec:drift-resolver --script rules.star"`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("unknown log level %q: %w", logLevel, err)
			}
			logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)

			decide := resolver.LastOneWins()
			if scriptPath != "" {
				decide, err = resolver.StarlarkDecider(resolver.StarlarkConfig{
					Path:   scriptPath,
					Logger: logger,
				})
				if err != nil {
					return err
				}
				logger.Info().Str("script", scriptPath).Msg("resolver script loaded")
			}

			conn := struct {
				io.Reader
				io.Writer
			}{os.Stdin, os.Stdout}

			logger.Info().Int("pid", os.Getpid()).Msg("serving merges on stdio")
			return resolver.Serve(conn, resolver.ServeConfig{
				Decide: decide,
				Logger: logger,
			})
		},
	}

	// Stdout belongs to the protocol peer.
	rootCmd.SetOut(os.Stderr)

	rootCmd.Flags().StringVar(&scriptPath, "script", "", "Starlark script with a decide(conflict) function")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "drift-resolver: %v\n", err)
		os.Exit(1)
	}
}
