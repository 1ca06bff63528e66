package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driftdb/driftdb/pkg/stores"
	"github.com/driftdb/driftdb/pkg/telemetry"
)

func newPutCommand() *cobra.Command {
	var (
		parent   string
		priority string
		fromFile string
		remove   bool
	)

	cmd := &cobra.Command{
		Use:   "put KEY [VALUE]",
		Short: "Commit a document change",
		Long: `Stage a single key change in a journal and commit it.

The new commit's parent is the newest head unless --parent picks one
explicitly. Committing on an older head forks the DAG; driftctl merge
folds the fork back.`,
		Example: `  # Put a value
  driftctl put greeting hello

  # Put a value read from a file
  driftctl put page --from-file index.html

  # Delete a key
  driftctl put greeting --delete

  # Fork the DAG by committing on an old head
  driftctl put greeting howdy --parent 4ac3…`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			log.Info().
				Str("key", key).
				Str("parent", parent).
				Bool("delete", remove).
				Msg("Committing change")

			var value []byte
			switch {
			case remove:
				if len(args) > 1 || fromFile != "" {
					return fmt.Errorf("--delete takes no value")
				}
			case fromFile != "":
				if len(args) > 1 {
					return fmt.Errorf("give a VALUE or --from-file, not both")
				}
				data, err := os.ReadFile(fromFile)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", fromFile, err)
				}
				value = data
			case len(args) == 2:
				value = []byte(args[1])
			default:
				return fmt.Errorf("missing VALUE (or --delete, or --from-file)")
			}

			prio := stores.Priority(priority)
			if prio != stores.PriorityEager && prio != stores.PriorityLazy {
				return fmt.Errorf("unknown priority %q", priority)
			}

			e, err := newEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			ctx := e.tel.WithContext(cmd.Context())
			op := telemetry.StartOperation(ctx, "driftctl.put")
			var opErr error
			defer func() { op.End(opErr) }()

			store, err := e.openStore(ctx)
			if err != nil {
				opErr = err
				return err
			}
			defer store.Close()

			// Pick the parent: an explicit commit or the newest head. An
			// empty store starts a root commit.
			parentID := stores.CommitID(parent)
			if parent == "" {
				heads, err := listHeads(store)
				if err != nil {
					opErr = err
					return err
				}
				if len(heads) > 0 {
					parentID = heads[len(heads)-1]
				}
			}

			journal, err := startCommit(store, parentID)
			if err != nil {
				opErr = err
				return err
			}

			if remove {
				if err := journalDelete(journal, key); err != nil {
					rollbackJournal(store, journal)
					opErr = err
					return err
				}
			} else {
				objectID, err := addObject(store, value)
				if err != nil {
					rollbackJournal(store, journal)
					opErr = err
					return err
				}
				if err := journalPut(journal, key, objectID, prio); err != nil {
					rollbackJournal(store, journal)
					opErr = err
					return err
				}
			}

			commit, err := commitJournal(store, journal)
			if err != nil {
				opErr = err
				return err
			}

			heads, err := listHeads(store)
			if err != nil {
				opErr = err
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"commit": commit,
					"key":    key,
					"heads":  len(heads),
				})
			}

			fmt.Printf("Committed %s\n", commit.ID)
			fmt.Printf("  parents:    %v\n", commit.Parents)
			fmt.Printf("  generation: %d\n", commit.Generation)
			if len(heads) > 1 {
				fmt.Printf("\nThe store now has %d heads. Run 'driftctl merge' to converge them.\n", len(heads))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&parent, "parent", "", "parent commit id (default: the newest head)")
	cmd.Flags().StringVar(&priority, "priority", string(stores.PriorityEager), "sync priority (eager, lazy)")
	cmd.Flags().StringVar(&fromFile, "from-file", "", "read the value from a file")
	cmd.Flags().BoolVar(&remove, "delete", false, "delete the key instead of putting a value")

	return cmd
}
