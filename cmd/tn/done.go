package main

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tasknest/tasknest/internal/store"
	"github.com/tasknest/tasknest/internal/task"
)

var doneReopen bool

var doneCmd = &cobra.Command{
	Use:   "done <item-id>",
	Short: "Mark a task done (or reopen it)",
	Long: `Mark a task done, or reopen it with --reopen.

Only manually controlled tasks accept direct edits: for items whose state
is owned by a plugin or a saved list, the controlling authority decides
when the task is done.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		return db.WithTx(cmd.Context(), func(tx *sql.Tx) error {
			var done *time.Time
			if !doneReopen {
				now := time.Now().UTC()
				done = &now
			}
			if err := task.SetDone(cmd.Context(), tx, args[0], done); err != nil {
				return err
			}
			if doneReopen {
				fmt.Printf("Reopened %s\n", shortID(args[0]))
			} else {
				fmt.Printf("Done %s\n", shortID(args[0]))
			}
			return nil
		})
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <item-id>",
	Short: "Archive an item without deleting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		return db.WithTx(cmd.Context(), func(tx *sql.Tx) error {
			return store.SetArchived(cmd.Context(), tx, args[0], true)
		})
	},
}

var snoozeCmd = &cobra.Command{
	Use:   "snooze <item-id> <duration>",
	Short: "Hide an item for a while",
	Long: `Hide an item from listings until the duration elapses, e.g.
'tn snooze 3f1a2b4c 48h'. Snoozing never changes the item's position.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", args[1], err)
		}

		_, db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		return db.WithTx(cmd.Context(), func(tx *sql.Tx) error {
			until := time.Now().UTC().Add(d)
			return store.SetSnoozed(cmd.Context(), tx, args[0], &until)
		})
	},
}

func init() {
	doneCmd.Flags().BoolVar(&doneReopen, "reopen", false, "reopen instead of completing")
}
