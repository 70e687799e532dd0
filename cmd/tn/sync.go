package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncAccount string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass for all accounts",
	Long: `Run one reconciliation pass for every configured account (or one
account with --account) and exit.

Each account is diffed against its local mirror: new remote records
become inbox items, changed records are updated in place, and records
gone remotely are deleted locally. The pass ends with the consistency
sweep, so tasks whose external support disappeared are closed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		coord, _ := newCoordinator(cfg, db, nil)

		start := time.Now()
		if syncAccount != "" {
			reg, _ := buildRegistry(cfg)
			acct, err := findAccount(cmd.Context(), reg, syncAccount)
			if err != nil {
				return err
			}
			if err := coord.SyncAccount(cmd.Context(), acct); err != nil {
				return err
			}
		} else {
			if err := coord.SyncAll(cmd.Context()); err != nil {
				return err
			}
		}

		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncAccount, "account", "", "sync only this account id")
}
