package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/driftdb/driftdb/pkg/coroutine"
	"github.com/driftdb/driftdb/pkg/engine"
	"github.com/driftdb/driftdb/pkg/policy"
	"github.com/driftdb/driftdb/pkg/resolver"
	"github.com/driftdb/driftdb/pkg/stores"
	"github.com/driftdb/driftdb/pkg/telemetry"
)

func newMergeCommand() *cobra.Command {
	var (
		strategyName string
		target       string
		manifestPath string
		policyPaths  []string
		watch        bool
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Converge the store's heads into one commit",
		Long: `Run the merge engine until the head set converges.

The engine folds heads pairwise in (timestamp, id) order, resolving
conflicts with the configured strategy:

  lww     every conflict takes the newer head's value
  policy  rego policies decide, loaded from --policy paths
  custom  an external resolver decides, reached via --resolver or
          spawned from a --manifest

With --watch the engine keeps running after convergence, folding new
forks as they appear; policy paths are reloaded on change.`,
		Example: `  # One-shot merge with last-one-wins
  driftctl merge

  # Policy-driven merge, reloading policies on change
  driftctl merge --strategy policy --policy ./policies --watch

  # Delegate conflicts to a resolver process
  driftctl merge --strategy custom --resolver exec:./my-resolver

  # Delegate to a checksummed resolver binary
  driftctl merge --strategy custom --manifest resolver.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (runErr error) {
			e, err := newEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			if strategyName == "" {
				strategyName = e.cfg.Resolver.Strategy
			}
			if target == "" {
				target = e.cfg.Resolver.Target
			}
			if manifestPath == "" {
				manifestPath = e.cfg.Resolver.Manifest
			}
			if len(policyPaths) == 0 {
				policyPaths = e.cfg.Policy.Paths
			}
			if !cmd.Flags().Changed("watch") {
				watch = e.cfg.Policy.Watch
			}

			ctx := e.tel.WithContext(cmd.Context())
			op := telemetry.StartOperation(ctx, "driftctl.merge")
			defer func() { op.End(runErr) }()

			log.Info().Str("strategy", strategyName).Bool("watch", watch).Msg("Starting merge engine")

			if e.tel.Config.Metrics.Enabled {
				if err := e.tel.StartMetricsServer(); err != nil {
					return fmt.Errorf("failed to start metrics server: %w", err)
				}
				fmt.Printf("✓ Serving metrics on %s\n", e.tel.Config.Metrics.ListenAddress)
			}

			stopObserving, err := e.tel.ObserveEvents(ctx, strategyName)
			if err != nil {
				return err
			}
			defer stopObserving()

			tracker := engine.NewStatusTracker(0, e.log)
			stopTracker, err := tracker.Attach(ctx, e.tel.Events)
			if err != nil {
				return err
			}
			defer stopTracker()

			// A separate subscription watches for merges failing for good,
			// so the one-shot mode can bail out instead of idling until the
			// deadline.
			failures, failuresID, err := e.tel.Events.Subscribe(ctx, engine.EventFilter{
				Types: []engine.EventType{engine.EventTypeMergeFailed},
			})
			if err != nil {
				return err
			}
			defer func() { _ = e.tel.Events.Unsubscribe(context.Background(), failuresID) }()

			rt := coroutine.NewRuntime(coroutine.Config{
				MaxIdleWorkers: e.cfg.Engine.MaxIdleWorkers,
				Logger:         e.log,
			})
			defer rt.Close()

			store, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			var strategy engine.MergeStrategy
			switch strategyName {
			case "lww":
				session := engine.NewAutoSession(func(conflict engine.ConflictInfo) (engine.MergeDecision, error) {
					return engine.MergeDecision{Key: conflict.Key, Source: engine.SourceRight}, nil
				})
				strategy = engine.NewCustomMergeStrategy(engine.CustomStrategyConfig{
					Runtime: rt,
					Session: session,
					Events:  e.tel.Events,
					Logger:  e.log,
				})
				fmt.Println("✓ Using last-one-wins conflict resolution")

			case "policy":
				// Installed through the manager below, once the resolver
				// exists to install on.

			case "custom":
				session, name, err := openResolverSession(ctx, target, manifestPath, e.log)
				if err != nil {
					return err
				}
				defer session.Close()

				sctx, endSession := telemetry.WithSessionContext(ctx, uuid.New().String(), name, target)
				defer func() { endSession(runErr) }()

				strategy = engine.NewCustomMergeStrategy(engine.CustomStrategyConfig{
					Runtime: rt,
					Session: session,
					Events:  e.tel.Events,
					Logger:  telemetry.FromContext(sctx).Zerolog(),
				})
				fmt.Printf("✓ Connected to resolver %s\n", name)

			default:
				return fmt.Errorf("unknown strategy %q (want lww, policy, or custom)", strategyName)
			}

			res, err := engine.NewMergeResolver(engine.ResolverConfig{
				Store:    store,
				Runtime:  rt,
				Strategy: strategy,
				Events:   e.tel.Events,
				Logger:   e.log,
			})
			if err != nil {
				return err
			}
			defer res.Close()

			if strategyName == "policy" {
				mgr, err := policy.NewManager(ctx, policy.ManagerConfig{
					Runtime:  rt,
					Resolver: res,
					Paths:    policyPaths,
					Logger:   e.log,
				})
				if err != nil {
					return fmt.Errorf("failed to load policies: %w", err)
				}
				defer mgr.Close()
				if e.cfg.Policy.Fallback == "left" {
					mgr.Engine().SetFallback(engine.SourceLeft)
				}
				mgr.Install()
				if watch {
					if err := mgr.Watch(ctx); err != nil {
						return fmt.Errorf("failed to watch policy paths: %w", err)
					}
				}
				fmt.Printf("✓ Loaded policies from %d path(s)\n", len(policyPaths))
			}

			converged := make(chan struct{})
			res.RegisterNoConflictCallback(func() { close(converged) })

			if err := res.Start(); err != nil {
				return err
			}
			fmt.Println("✓ Merge engine started")

			if watch {
				fmt.Println("\nWatching heads. Press Ctrl-C to stop.")
				runErr = waitForInterrupt(ctx, failures)
			} else {
				runErr = waitForConvergence(ctx, converged, failures, timeout)
			}

			// Event delivery and the tracker goroutine trail the engine
			// slightly; let the last merge retire before summarizing.
			settle := time.Now().Add(2 * time.Second)
			for time.Now().Before(settle) && len(tracker.Active()) > 0 {
				time.Sleep(20 * time.Millisecond)
			}

			if err := printMergeSummary(store, tracker, runErr); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&strategyName, "strategy", "", "conflict resolution strategy (lww, policy, custom)")
	cmd.Flags().StringVar(&target, "resolver", "", "resolver target (exec:PATH, unix:ADDR, tcp:ADDR, starlark:FILE)")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "resolver manifest to spawn a checksummed binary from")
	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "policy files or directories (repeatable)")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running after convergence, folding new forks")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "give up waiting for convergence after this long (0 waits forever)")

	return cmd
}

// openResolverSession opens the conflict resolver session for the custom
// strategy: an explicit target wins over a manifest. The returned name
// labels the session in logs and traces.
func openResolverSession(ctx context.Context, target, manifestPath string, logger zerolog.Logger) (engine.ResolverSession, string, error) {
	switch {
	case target != "":
		session, err := resolver.Connect(ctx, target, logger)
		if err != nil {
			return nil, "", fmt.Errorf("failed to connect to resolver %q: %w", target, err)
		}
		return session, target, nil
	case manifestPath != "":
		fs := afero.NewOsFs()
		manifest, err := resolver.LoadManifest(fs, manifestPath)
		if err != nil {
			return nil, "", err
		}
		session, err := resolver.SpawnFromManifest(ctx, fs, manifest, logger)
		if err != nil {
			return nil, "", err
		}
		return session, manifest.Name, nil
	default:
		return nil, "", fmt.Errorf("custom strategy needs --resolver or --manifest")
	}
}

// waitForConvergence blocks until the head set converges, a merge fails
// for good, the timeout passes, or the context is cancelled. Retryable
// failures are left to the engine's own backoff.
func waitForConvergence(ctx context.Context, converged <-chan struct{}, failures <-chan engine.Event, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-converged:
			return nil
		case ev, ok := <-failures:
			if !ok {
				return fmt.Errorf("event stream closed before convergence")
			}
			if _, retrying := ev.Details["attempt"]; retrying {
				continue
			}
			return fmt.Errorf("merge %s + %s failed: %s", ev.Left, ev.Right, ev.Message)
		case <-deadline:
			return fmt.Errorf("heads did not converge within %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitForInterrupt keeps the engine running until the context is
// cancelled, draining failure events as the log already carries them.
func waitForInterrupt(ctx context.Context, failures <-chan engine.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-failures:
			if !ok {
				return nil
			}
		}
	}
}

// printMergeSummary reports what the run did: the merges the tracker
// retired and the resulting head set.
func printMergeSummary(store stores.Store, tracker *engine.StatusTracker, runErr error) error {
	history := tracker.History()
	heads, err := listHeads(store)
	if err != nil {
		return err
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
			"heads":  heads,
			"merges": history,
			"active": tracker.Active(),
		})
	}

	fmt.Printf("\nMerges performed: %d\n", len(history))
	for i := len(history) - 1; i >= 0; i-- {
		rec := history[i]
		switch rec.State {
		case engine.MergeStateDone:
			fmt.Printf("  %s + %s -> %s (%d conflicts, %s)\n",
				rec.Left, rec.Right, rec.Result, rec.Conflicts, rec.Duration().Round(time.Millisecond))
		default:
			fmt.Printf("  %s + %s: %s %s\n", rec.Left, rec.Right, rec.State, rec.Message)
		}
	}

	switch {
	case runErr != nil:
	case len(heads) == 0:
		fmt.Println("\nThe store has no commits; nothing to merge.")
	case len(heads) == 1:
		fmt.Printf("\n✅ Heads converged successfully!\n\nHead: %s\n", heads[0])
	default:
		fmt.Printf("\nThe store still has %d heads.\n", len(heads))
	}
	return nil
}
