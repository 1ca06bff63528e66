package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driftdb/driftdb/pkg/engine"
	"github.com/driftdb/driftdb/pkg/stores"
	"github.com/driftdb/driftdb/pkg/telemetry"
)

func newHeadsCommand() *cobra.Command {
	var showPlan bool

	cmd := &cobra.Command{
		Use:   "heads",
		Short: "List the current heads",
		Long: `List the head commits of the store in merge order.

Heads are ordered by (timestamp, id); the merge engine always folds the
two lowest first. With --plan the full pairwise merge sequence for the
current head set is printed.`,
		Example: `  # List heads
  driftctl heads

  # Show how the engine would fold them
  driftctl heads --plan`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			ctx := e.tel.WithContext(cmd.Context())
			op := telemetry.StartOperation(ctx, "driftctl.heads")
			var opErr error
			defer func() { op.End(opErr) }()

			store, err := e.openStore(ctx)
			if err != nil {
				opErr = err
				return err
			}
			defer store.Close()

			ids, err := listHeads(store)
			if err != nil {
				opErr = err
				return err
			}

			commits := make([]*stores.Commit, 0, len(ids))
			for _, id := range ids {
				commit, err := getCommit(store, id)
				if err != nil {
					opErr = err
					return err
				}
				commits = append(commits, commit)
			}

			var plan *engine.MergePlan
			if showPlan && len(commits) > 0 {
				plan, err = engine.BuildMergePlan(commits)
				if err != nil {
					opErr = err
					return err
				}
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"heads": commits,
					"plan":  plan,
				})
			}

			log.Info().Int("heads", len(commits)).Msg("Listing heads")
			if len(commits) == 0 {
				fmt.Println("The store has no commits.")
				return nil
			}
			for i, commit := range commits {
				fmt.Printf("%d. %s  ts=%s  gen=%d\n",
					i+1, commit.ID,
					time.Unix(0, commit.Timestamp).UTC().Format(time.RFC3339Nano),
					commit.Generation)
			}
			if len(commits) == 1 {
				fmt.Println("\nThe store is converged.")
			}

			if plan != nil {
				fmt.Println("\nMerge plan:")
				for i, step := range plan.Steps {
					left := string(step.Left)
					if step.LeftFromStep >= 0 {
						left = fmt.Sprintf("result of step %d", step.LeftFromStep+1)
					}
					fmt.Printf("  step %d: %s + %s\n", i+1, left, step.Right)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showPlan, "plan", false, "print the pairwise merge sequence")

	return cmd
}
