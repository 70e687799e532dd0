// Package syncd runs the sync coordinator: one recurring sync job per
// registered external account, staggered with a minimum delay floor, plus
// the consistency sweep attached to every mutating transaction.
//
// Account jobs run concurrently with respect to each other; a single
// account failing or timing out never cancels the cycle for the rest, and a
// job re-arms itself regardless of the prior run's outcome.
package syncd

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tasknest/tasknest/internal/provider"
	"github.com/tasknest/tasknest/internal/reconcile"
	"github.com/tasknest/tasknest/internal/store"
	"github.com/tasknest/tasknest/internal/task"
)

// Config holds coordinator configuration.
type Config struct {
	// Interval is the minimum delay floor between two syncs of the same
	// account. Provider delay hints are clamped to at least this value.
	Interval time.Duration

	// Stagger spaces out the first sync of each account so a restart does
	// not poll every service at once.
	Stagger time.Duration

	// Logger for coordinator activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 5 * time.Minute,
		Stagger:  10 * time.Second,
		Logger:   log.New(os.Stderr, "[syncd] ", log.LstdFlags),
	}
}

// Coordinator drives reconciliation for every registered account.
type Coordinator struct {
	db     *store.DB
	reg    *provider.Registry
	config *Config

	// Per-account sync locks. The file watcher and the scheduled loop can
	// both request a pass for the same account; two concurrent passes would
	// each read the mirror before the other commits and create duplicates.
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// OnSync, when set, observes every completed account sync. Used by the
	// dashboard broadcaster.
	OnSync func(accountID string, result *reconcile.Result, err error)
}

// New creates a coordinator and installs the commit sweep on the store, so
// every transaction opened through WithTx ends with the orphan-task cleanup.
func New(db *store.DB, reg *provider.Registry, config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[syncd] ", log.LstdFlags)
	}
	db.SetCommitSweep(func(ctx context.Context, q store.Querier) error {
		return task.Reconcile(ctx, q)
	})
	return &Coordinator{db: db, reg: reg, config: config, locks: make(map[string]*sync.Mutex)}
}

// accountLock returns the mutex serializing syncs of one account.
func (c *Coordinator) accountLock(accountID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks[accountID] == nil {
		c.locks[accountID] = &sync.Mutex{}
	}
	return c.locks[accountID]
}

// Run blocks until ctx is cancelled, scheduling one recurring sync job per
// account.
func (c *Coordinator) Run(ctx context.Context) error {
	accounts, err := c.accounts(ctx)
	if err != nil {
		return err
	}
	c.config.Logger.Printf("Scheduling %d account(s)", len(accounts))

	// The daemon stays up without accounts: the dashboard and link command
	// remain usable, and accounts can be configured before a restart.
	if len(accounts) == 0 {
		<-ctx.Done()
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, acct := range accounts {
		initial := time.Duration(i) * c.config.Stagger
		acct := acct
		g.Go(func() error {
			c.runAccount(ctx, acct, initial)
			return nil
		})
	}
	return g.Wait()
}

// runAccount is one account's scheduling loop. Failures are logged and the
// timer re-arms with the default floor.
func (c *Coordinator) runAccount(ctx context.Context, acct provider.Account, initial time.Duration) {
	timer := time.NewTimer(initial)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		delay := c.config.Interval
		if err := c.SyncAccount(ctx, acct); err != nil {
			c.config.Logger.Printf("WARNING: sync of %s failed, retrying in %v: %v", acct.ID, delay, err)
		} else if hinter, ok := c.reg.Get(acct.Service).(provider.DelayHinter); ok {
			if hint := hinter.NextSyncDelay(); hint > delay {
				delay = hint
			}
		}
		timer.Reset(delay)
	}
}

// SyncAccount runs one reconciliation pass for one account and records the
// outcome for the status command. Passes for the same account are serialized;
// a call made while another pass runs blocks until that pass finishes.
func (c *Coordinator) SyncAccount(ctx context.Context, acct provider.Account) error {
	p := c.reg.Get(acct.Service)
	if p == nil {
		return fmt.Errorf("no provider registered for service %q", acct.Service)
	}

	lock := c.accountLock(acct.ID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	r := reconcile.New(c.db, p, acct, c.config.Logger)
	result, err := r.Update(ctx)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	} else {
		c.config.Logger.Printf("Synced %s in %v: created=%d updated=%d unchanged=%d deleted=%d lists=%d (failed=%d)",
			acct.ID, time.Since(start).Round(time.Millisecond),
			result.Created, result.Updated, result.Unchanged, result.Deleted,
			result.ListsSynced, result.ListsFailed)
	}

	if recErr := c.db.WithTx(ctx, func(tx *sql.Tx) error {
		return store.RecordSyncResult(ctx, tx, acct.ID, time.Now(), errMsg)
	}); recErr != nil {
		c.config.Logger.Printf("WARNING: failed to record sync state for %s: %v", acct.ID, recErr)
	}

	if c.OnSync != nil {
		c.OnSync(acct.ID, result, err)
	}
	return err
}

// SyncAll runs one pass for every account sequentially. Used by the
// one-shot CLI sync command.
func (c *Coordinator) SyncAll(ctx context.Context) error {
	accounts, err := c.accounts(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, acct := range accounts {
		if err := c.SyncAccount(ctx, acct); err != nil {
			c.config.Logger.Printf("WARNING: sync of %s failed: %v", acct.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// EnsureSanity runs the consistency sweep on its own: every item under
// external control is recomputed, and items whose support disappeared are
// demoted and closed. Invoked at the end of every externally initiated
// mutating transaction, and available directly for callers that only read.
func (c *Coordinator) EnsureSanity(ctx context.Context) error {
	return c.db.WithTx(ctx, func(tx *sql.Tx) error {
		// The commit sweep does the work.
		return nil
	})
}

// accounts enumerates every account of every registered provider. A failing
// provider is logged and skipped so the rest still schedule.
func (c *Coordinator) accounts(ctx context.Context) ([]provider.Account, error) {
	var accounts []provider.Account
	for _, service := range c.reg.Services() {
		p := c.reg.Get(service)
		list, err := p.ListAccounts(ctx)
		if err != nil {
			c.config.Logger.Printf("WARNING: listing accounts of %s failed: %v", service, err)
			continue
		}
		accounts = append(accounts, list...)
	}
	return accounts, nil
}
