package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tasknest/tasknest/internal/reconcile"
)

var (
	linkTask    bool
	linkAccount string
)

var linkCmd = &cobra.Command{
	Use:   "link <url>",
	Short: "Link a single remote record by URL",
	Long: `Resolve a URL against the configured accounts and create a local item
mirroring the remote record. Idempotent: linking the same record twice
returns the existing item instead of creating a duplicate.

With --task the item becomes a task: controlled by the originating
service while the record is open remotely.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		reg, _ := buildRegistry(cfg)

		for _, acctCfg := range cfg.Accounts {
			if linkAccount != "" && acctCfg.ID != linkAccount {
				continue
			}
			p := reg.Get(acctCfg.Service)
			if p == nil {
				continue
			}

			accounts, err := p.ListAccounts(cmd.Context())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: listing accounts of %s failed: %v\n", acctCfg.Service, err)
				continue
			}
			for _, acct := range accounts {
				if acct.ID != acctCfg.ID {
					continue
				}
				r := reconcile.New(db, p, acct, nil)
				itemID, err := r.CreateItemFromURL(cmd.Context(), args[0], linkTask)
				if err != nil {
					continue // not this account's URL
				}
				fmt.Printf("Linked %s -> %s\n", args[0], shortID(itemID))
				return nil
			}
		}
		return fmt.Errorf("no configured account recognizes %s", args[0])
	},
}

func init() {
	linkCmd.Flags().BoolVar(&linkTask, "task", false, "make the linked item a task")
	linkCmd.Flags().StringVar(&linkAccount, "account", "", "restrict lookup to one account id")
}
