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

func newGetCommand() *cobra.Command {
	var (
		commitID string
		listAll  bool
	)

	cmd := &cobra.Command{
		Use:   "get [KEY]",
		Short: "Read a document from a commit",
		Long: `Resolve KEY in a commit and print the stored value.

Without --commit the newest head is read. With --list the full contents
of the commit are printed instead of a single value.`,
		Example: `  # Read a key from the newest head
  driftctl get greeting

  # Read a key from a specific commit
  driftctl get greeting --commit 4ac3…

  # List everything in the newest head
  driftctl get --list`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !listAll && len(args) == 0 {
				return fmt.Errorf("missing KEY (or use --list)")
			}
			if listAll && len(args) > 0 {
				return fmt.Errorf("--list takes no KEY")
			}

			e, err := newEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			ctx := e.tel.WithContext(cmd.Context())
			op := telemetry.StartOperation(ctx, "driftctl.get")
			var opErr error
			defer func() { op.End(opErr) }()

			store, err := e.openStore(ctx)
			if err != nil {
				opErr = err
				return err
			}
			defer store.Close()

			var commit *stores.Commit
			if commitID != "" {
				commit, err = getCommit(store, stores.CommitID(commitID))
			} else {
				commit, err = newestHead(store)
			}
			if err != nil {
				opErr = err
				return err
			}

			if listAll {
				entries, err := getContents(store, commit)
				if err != nil {
					opErr = err
					return err
				}
				if jsonOutput {
					return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
						"commit":  commit.ID,
						"entries": entries,
					})
				}
				log.Info().Str("commit", string(commit.ID)).Int("entries", len(entries)).Msg("Listing commit contents")
				for _, entry := range entries {
					fmt.Printf("%s\t%s\t%s\n", entry.Key, entry.Priority, entry.ObjectID)
				}
				return nil
			}

			key := args[0]
			entry, err := getEntry(store, commit, key)
			if err != nil {
				opErr = err
				return err
			}
			value, err := getObject(store, entry.ObjectID)
			if err != nil {
				opErr = err
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"commit":    commit.ID,
					"key":       key,
					"object_id": entry.ObjectID,
					"priority":  entry.Priority,
					"value":     string(value),
				})
			}

			// Raw value on stdout so the command composes with pipes.
			os.Stdout.Write(value)
			if len(value) == 0 || value[len(value)-1] != '\n' {
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&commitID, "commit", "", "commit to read from (default: the newest head)")
	cmd.Flags().BoolVar(&listAll, "list", false, "print every entry in the commit")

	return cmd
}
