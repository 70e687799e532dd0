package main

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tasknest/tasknest/internal/model"
	"github.com/tasknest/tasknest/internal/store"
	"github.com/tasknest/tasknest/internal/task"
)

var (
	lsSection string
	lsAll     bool
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List a section's items in order",
	Long: `List the items of a section (default: inbox) in their stored order.

Archived and snoozed items are hidden unless --all is given. Tasks show
their controller and effective due date; a manually pinned due date takes
precedence over the controller-derived one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		q := db.RawDB()

		section := lsSection
		if section == "" {
			if err := db.WithTx(ctx, func(tx *sql.Tx) error {
				var inboxErr error
				section, inboxErr = store.Inbox(ctx, tx)
				return inboxErr
			}); err != nil {
				return err
			}
		}

		items, err := store.ItemsInSection(ctx, q, section)
		if err != nil {
			return err
		}

		now := time.Now()
		for _, item := range items {
			if !lsAll && (item.Archived || item.Snoozed(now)) {
				continue
			}

			marker := " "
			detail := ""
			info, err := task.Get(ctx, q, item.ID)
			switch {
			case errors.Is(err, model.ErrNotFound):
			case err != nil:
				return err
			default:
				if info.Open() {
					marker = "○"
				} else {
					marker = "✓"
				}
				if due := info.EffectiveDue(); due != nil {
					detail = fmt.Sprintf("  due %s", due.Local().Format("2006-01-02 15:04"))
				}
				if info.Controller != model.ControllerManual {
					detail += fmt.Sprintf("  [%s]", info.Controller)
				}
			}

			fmt.Printf("%2d %s %s  %s%s\n", item.Index, marker, shortID(item.ID), item.Summary, detail)
		}
		return nil
	},
}

func init() {
	lsCmd.Flags().StringVar(&lsSection, "section", "", "section id (default: inbox)")
	lsCmd.Flags().BoolVar(&lsAll, "all", false, "include archived and snoozed items")
}
