// Command tn is the tasknest CLI: a personal task aggregator that mirrors
// external trackers into a local ordered hierarchy.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/tasknest/tasknest/internal/config"
	"github.com/tasknest/tasknest/internal/provider"
	"github.com/tasknest/tasknest/internal/provider/localdir"
	"github.com/tasknest/tasknest/internal/store"
	"github.com/tasknest/tasknest/internal/syncd"
	"github.com/tasknest/tasknest/internal/task"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tn",
	Short: "tasknest personal task aggregator",
	Long: `tasknest imports items from external trackers into a unified ordered
hierarchy (context > project > section > item) and keeps each item's
due/done state consistent with whichever authority controls it.

Run 'tn serve' to start the background sync daemon, or 'tn sync' for a
one-shot pass.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.tasknest/config.yaml)")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(moveCmd)
	rootCmd.AddCommand(doneCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(snoozeCmd)
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(workspaceCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore loads the configuration and opens the database with the schema
// in place. The caller must Close the returned store.
func openStore(cmd *cobra.Command) (*config.Config, *store.DB, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	if err := db.InitSchema(cmd.Context()); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	// Every mutating transaction ends with the consistency sweep, CLI
	// edits included.
	db.SetCommitSweep(func(ctx context.Context, q store.Querier) error {
		return task.Reconcile(ctx, q)
	})

	return cfg, db, nil
}

// buildRegistry constructs the provider registry from the configured
// accounts. Unknown services are skipped with a warning so one bad config
// entry never blocks the rest.
func buildRegistry(cfg *config.Config) (*provider.Registry, *localdir.Provider) {
	reg := provider.NewRegistry()

	var dirs []localdir.AccountDir
	for _, acct := range cfg.Accounts {
		switch acct.Service {
		case localdir.ServiceName:
			dirs = append(dirs, localdir.AccountDir{ID: acct.ID, Name: acct.Name, Path: acct.Path})
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown service %q for account %s, skipping\n", acct.Service, acct.ID)
		}
	}

	var ld *localdir.Provider
	if len(dirs) > 0 {
		ld = localdir.New(dirs)
		if err := reg.Register(ld); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	return reg, ld
}

// findAccount resolves an account id across every registered provider.
func findAccount(ctx context.Context, reg *provider.Registry, id string) (provider.Account, error) {
	for _, service := range reg.Services() {
		accounts, err := reg.Get(service).ListAccounts(ctx)
		if err != nil {
			continue
		}
		for _, acct := range accounts {
			if acct.ID == id {
				return acct, nil
			}
		}
	}
	return provider.Account{}, fmt.Errorf("no account %q configured", id)
}

// newCoordinator wires the sync coordinator (and with it the commit sweep)
// for CLI commands that mutate the database.
func newCoordinator(cfg *config.Config, db *store.DB, logger *log.Logger) (*syncd.Coordinator, *localdir.Provider) {
	reg, ld := buildRegistry(cfg)
	sc := syncd.DefaultConfig()
	sc.Interval = cfg.SyncInterval
	sc.Stagger = cfg.SyncStagger
	if logger != nil {
		sc.Logger = logger
	}
	return syncd.New(db, reg, sc), ld
}
