package main

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"github.com/tasknest/tasknest/internal/model"
	"github.com/tasknest/tasknest/internal/store"
	"github.com/tasknest/tasknest/internal/task"
)

var (
	addDue     string
	addNote    string
	addURL     string
	addSection string
)

var addCmd = &cobra.Command{
	Use:   "add <summary>",
	Short: "Capture a new item",
	Long: `Capture a new item, appended at the end of a section's order.

With no --section the item lands in the inbox. --due accepts natural
language ("tomorrow 5pm", "next friday") and pins a manual due date,
making the item a task under manual control.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		var due *time.Time
		if addDue != "" {
			w := when.New(nil)
			w.Add(en.All...)
			w.Add(common.All...)
			result, err := w.Parse(addDue, time.Now())
			if err != nil || result == nil {
				return fmt.Errorf("could not understand due date %q", addDue)
			}
			due = &result.Time
		}

		kind := model.DetailNote
		detail := &model.Detail{Body: addNote}
		if addURL != "" {
			kind = model.DetailLink
			detail = &model.Detail{URL: addURL, Body: addNote}
		}

		var itemID string
		err = db.WithTx(cmd.Context(), func(tx *sql.Tx) error {
			section := addSection
			if section == "" {
				section, err = store.Inbox(cmd.Context(), tx)
				if err != nil {
					return err
				}
			}

			ids, err := store.CreateItems(cmd.Context(), tx, []store.ItemParams{{
				OwnerID: section,
				Summary: args[0],
				Kind:    kind,
				Detail:  detail,
			}})
			if err != nil {
				return err
			}
			itemID = ids[0]

			if due != nil {
				return task.SetManualDue(cmd.Context(), tx, itemID, due)
			}
			return nil
		})
		if err != nil {
			return err
		}

		fmt.Printf("Added %s\n", itemID)
		return nil
	},
}

func init() {
	addCmd.Flags().StringVar(&addDue, "due", "", "due date in natural language")
	addCmd.Flags().StringVar(&addNote, "note", "", "note text")
	addCmd.Flags().StringVar(&addURL, "url", "", "link target (makes a link item)")
	addCmd.Flags().StringVar(&addSection, "section", "", "section id (default: inbox)")
}
