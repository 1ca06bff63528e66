package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driftdb/driftdb/pkg/coroutine"
	"github.com/driftdb/driftdb/pkg/engine"
	"github.com/driftdb/driftdb/pkg/stores"
	"github.com/driftdb/driftdb/pkg/telemetry"
)

func newLogCommand() *cobra.Command {
	var (
		commitID string
		limit    int
		asDOT    bool
	)

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Walk the commit history",
		Long: `Walk the commit DAG from a starting commit towards the root.

The walk follows every parent of every commit, newest first. Merge
commits show both parents. With --dot a Graphviz rendering of the
visited subgraph is printed instead.`,
		Example: `  # History of the newest head
  driftctl log

  # History of a specific commit, limited to 10 entries
  driftctl log --commit 4ac3… --limit 10

  # Render the DAG
  driftctl log --dot | dot -Tsvg > history.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			ctx := e.tel.WithContext(cmd.Context())
			op := telemetry.StartOperation(ctx, "driftctl.log")
			var opErr error
			defer func() { op.End(opErr) }()

			store, err := e.openStore(ctx)
			if err != nil {
				opErr = err
				return err
			}
			defer store.Close()

			start := stores.CommitID(commitID)
			if commitID == "" {
				head, err := newestHead(store)
				if err != nil {
					opErr = err
					return err
				}
				start = head.ID
			}

			// The history walk runs as a coroutine so its storage reads
			// yield instead of blocking a worker.
			rt := coroutine.NewRuntime(coroutine.Config{
				MaxIdleWorkers: e.cfg.Engine.MaxIdleWorkers,
				Logger:         e.log,
			})
			defer rt.Close()

			type result struct {
				status  stores.Status
				commits []*stores.Commit
			}
			ch := make(chan result, 1)
			engine.CollectHistory(rt, store, start, limit, func(st stores.Status, commits []*stores.Commit) {
				ch <- result{status: st, commits: commits}
			})
			res := <-ch
			if res.status != stores.StatusOK {
				opErr = engine.StatusError(res.status, "collect history")
				return opErr
			}

			log.Info().Str("start", string(start)).Int("commits", len(res.commits)).Msg("Collected history")

			if asDOT {
				fmt.Print(engine.HistoryDOT(res.commits))
				return nil
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"start":   start,
					"commits": res.commits,
				})
			}
			for _, commit := range res.commits {
				fmt.Printf("%s  ts=%s  gen=%d", commit.ID,
					time.Unix(0, commit.Timestamp).UTC().Format(time.RFC3339Nano),
					commit.Generation)
				if len(commit.Parents) > 0 {
					fmt.Printf("  parents=%v", commit.Parents)
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&commitID, "commit", "", "commit to start from (default: the newest head)")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many commits (0 means no limit)")
	cmd.Flags().BoolVar(&asDOT, "dot", false, "print the visited subgraph in Graphviz DOT form")

	return cmd
}
