package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tasknest/tasknest/internal/order"
	"github.com/tasknest/tasknest/internal/store"
)

var (
	moveSection string
	moveBefore  string
)

var moveCmd = &cobra.Command{
	Use:   "move <item-id>",
	Short: "Move an item within or between sections",
	Long: `Move an item to a new position. --before places it immediately before
another item; without it the item is appended at the end of the target
section. Without --section the item stays in its current section.

Sibling indices are renumbered atomically so every section's order stays
contiguous.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		return db.WithTx(cmd.Context(), func(tx *sql.Tx) error {
			target := moveSection
			if target == "" {
				item, err := store.GetItem(cmd.Context(), tx, args[0])
				if err != nil {
					return err
				}
				target = item.OwnerID
			}
			if err := order.Items.Move(cmd.Context(), tx, args[0], target, moveBefore); err != nil {
				return err
			}
			fmt.Printf("Moved %s\n", shortID(args[0]))
			return nil
		})
	},
}

func init() {
	moveCmd.Flags().StringVar(&moveSection, "section", "", "target section id")
	moveCmd.Flags().StringVar(&moveBefore, "before", "", "place before this item id")
}

// shortID trims long uuids for display; fixed ids like "inbox" pass through.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
