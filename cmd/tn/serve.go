package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tasknest/tasknest/internal/dashboard"
	"github.com/tasknest/tasknest/internal/provider/localdir"
	"github.com/tasknest/tasknest/internal/reconcile"
	"github.com/tasknest/tasknest/internal/syncd"
)

var serveForeground bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background sync daemon",
	Long: `Run the sync daemon: one recurring sync job per configured account,
a consistency sweep after every mutating transaction, and a WebSocket
dashboard broadcasting sync results.

Directory-backed accounts are watched for file changes; an edit pulls
that account's next sync forward instead of waiting out the interval.
Logs rotate via the configured log file unless --foreground keeps them
on stderr. Stop with SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		var out io.Writer = os.Stderr
		if cfg.LogFile != "" && !serveForeground {
			out = &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    10, // MB
				MaxBackups: 3,
				MaxAge:     28, // days
				Compress:   true,
			}
		}
		logger := log.New(out, "[tn] ", log.LstdFlags)

		reg, ld := buildRegistry(cfg)
		sc := syncd.DefaultConfig()
		sc.Interval = cfg.SyncInterval
		sc.Stagger = cfg.SyncStagger
		sc.Logger = logger
		coord := syncd.New(db, reg, sc)

		dash := dashboard.NewServer(&dashboard.Config{Port: cfg.DashboardPort, Logger: logger})
		if err := dash.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer func() {
			if err := dash.Stop(); err != nil {
				logger.Printf("WARNING: dashboard shutdown: %v", err)
			}
		}()

		coord.OnSync = func(accountID string, result *reconcile.Result, err error) {
			data := dashboard.SyncCompleteData{AccountID: accountID}
			if err != nil {
				data.Error = err.Error()
			} else if result != nil {
				data.Created = result.Created
				data.Updated = result.Updated
				data.Deleted = result.Deleted
				data.Lists = result.ListsSynced
			}
			dash.BroadcastSyncComplete(data)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Sweep once up front so a daemon restart repairs any state left
		// behind by interrupted syncs.
		if err := coord.EnsureSanity(ctx); err != nil {
			logger.Printf("WARNING: startup sweep failed: %v", err)
		}

		if ld != nil {
			watcher, err := localdir.NewWatcher(ld, 2*time.Second)
			if err != nil {
				logger.Printf("WARNING: localdir watcher unavailable: %v", err)
			} else {
				go watcher.Run(ctx, func(accountID string) {
					acct, err := findAccount(ctx, reg, accountID)
					if err != nil {
						return
					}
					logger.Printf("Change detected in %s, syncing early", accountID)
					if err := coord.SyncAccount(ctx, acct); err != nil {
						logger.Printf("WARNING: early sync of %s failed: %v", accountID, err)
					}
				})
			}
		}

		logger.Printf("Daemon started (db=%s dashboard=%s)", cfg.DBPath, dash.GetAddr())
		err = coord.Run(ctx)
		logger.Printf("Daemon stopped")
		return err
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveForeground, "foreground", false, "log to stderr instead of the log file")
}
