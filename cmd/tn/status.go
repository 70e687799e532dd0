package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tasknest/tasknest/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and sync health",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		q := db.RawDB()

		fmt.Printf("Database: %s", cfg.DBPath)
		if fi, err := os.Stat(cfg.DBPath); err == nil {
			fmt.Printf(" (%.1f KB)", float64(fi.Size())/1024)
		}
		fmt.Println()

		counts := []struct {
			label string
			query string
		}{
			{"Items", "SELECT COUNT(*) FROM items"},
			{"Open tasks", "SELECT COUNT(*) FROM task_info WHERE done IS NULL"},
			{"Lists", "SELECT COUNT(*) FROM lists"},
			{"Mirrored records", "SELECT COUNT(*) FROM entities"},
		}
		for _, c := range counts {
			var n int
			if err := q.QueryRowContext(ctx, c.query).Scan(&n); err != nil {
				return fmt.Errorf("failed to count %s: %w", c.label, err)
			}
			fmt.Printf("%-17s %d\n", c.label+":", n)
		}

		states, err := store.SyncStates(ctx, q)
		if err != nil {
			return err
		}
		if len(states) == 0 {
			fmt.Println("\nNo account has synced yet.")
			return nil
		}

		fmt.Println("\nAccounts:")
		for _, s := range states {
			when := "never"
			if s.LastSyncAt != nil {
				when = fmt.Sprintf("%v ago", time.Since(*s.LastSyncAt).Round(time.Second))
			}
			status := "ok"
			if s.LastError != "" {
				status = "ERROR: " + s.LastError
			}
			fmt.Printf("  %-20s last sync %-12s %s\n", s.AccountID, when, status)
		}
		return nil
	},
}
