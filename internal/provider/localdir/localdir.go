// Package localdir implements a directory-backed tracker provider.
//
// An account is a directory; each subdirectory is one saved query; each
// *.json file inside is one remote record. The file name (minus extension)
// is irrelevant: identity is the record's key field. This backend makes the
// whole sync pipeline runnable end to end without credentials, and its
// watcher lets the daemon re-sync an account as soon as its files change.
package localdir

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tasknest/tasknest/internal/provider"
)

// ServiceName is the registry key of this provider.
const ServiceName = "localdir"

// AccountDir binds a configured account id to its backing directory.
type AccountDir struct {
	ID   string
	Name string
	Path string
}

// Provider serves records from local directories.
type Provider struct {
	accounts []AccountDir
}

// New creates a provider for the configured account directories.
func New(accounts []AccountDir) *Provider {
	return &Provider{accounts: accounts}
}

// recordFile is the on-disk record format.
type recordFile struct {
	Key     string     `json:"key"`
	Summary string     `json:"summary"`
	URL     string     `json:"url,omitempty"`
	IsTask  bool       `json:"is_task,omitempty"`
	Done    *bool      `json:"done,omitempty"`
	Due     *time.Time `json:"due,omitempty"`
}

// queryFile is the optional per-directory query metadata, stored as
// _query.json inside the query directory.
type queryFile struct {
	Name         string `json:"name,omitempty"`
	DueOffsetHrs int    `json:"due_offset_hours,omitempty"`
}

// Service implements provider.Provider.
func (p *Provider) Service() string {
	return ServiceName
}

// ListAccounts implements provider.Provider.
func (p *Provider) ListAccounts(ctx context.Context) ([]provider.Account, error) {
	out := make([]provider.Account, 0, len(p.accounts))
	for _, a := range p.accounts {
		out = append(out, provider.Account{ID: a.ID, Service: ServiceName, Name: a.Name})
	}
	return out, nil
}

// ListSavedQueries implements provider.Provider: one query per subdirectory.
func (p *Provider) ListSavedQueries(ctx context.Context, account provider.Account) ([]provider.SavedQuery, error) {
	dir, err := p.dirFor(account.ID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read account directory %s: %w", dir, err)
	}

	var queries []provider.SavedQuery
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		q := provider.SavedQuery{
			ID:   entry.Name(),
			Name: entry.Name(),
			URL:  "file://" + filepath.Join(dir, entry.Name()),
		}
		if meta, err := readQueryFile(filepath.Join(dir, entry.Name(), "_query.json")); err == nil {
			if meta.Name != "" {
				q.Name = meta.Name
			}
			if meta.DueOffsetHrs > 0 {
				d := time.Duration(meta.DueOffsetHrs) * time.Hour
				q.DueOffset = &d
			}
		}
		queries = append(queries, q)
	}
	return queries, nil
}

// FetchRecords implements provider.Provider. Invalid files are skipped with
// a warning so one bad record never hides a whole query.
func (p *Provider) FetchRecords(ctx context.Context, account provider.Account, query provider.SavedQuery) ([]provider.Record, error) {
	dir, err := p.dirFor(account.ID)
	if err != nil {
		return nil, err
	}
	queryDir := filepath.Join(dir, query.ID)

	entries, err := os.ReadDir(queryDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read query directory %s: %w", queryDir, err)
	}

	var records []provider.Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") || entry.Name() == "_query.json" {
			continue
		}
		rec, err := readRecordFile(filepath.Join(queryDir, entry.Name()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid record file %s: %v\n", entry.Name(), err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// FetchByKey implements provider.Provider by scanning every query directory.
func (p *Provider) FetchByKey(ctx context.Context, account provider.Account, keys []string) ([]provider.Record, error) {
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}

	queries, err := p.ListSavedQueries(ctx, account)
	if err != nil {
		return nil, err
	}

	var out []provider.Record
	found := make(map[string]bool)
	for _, q := range queries {
		records, err := p.FetchRecords(ctx, account, q)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if want[rec.Key] && !found[rec.Key] {
				found[rec.Key] = true
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

// LookupByURL implements provider.Provider for file:// URLs pointing at a
// record file.
func (p *Provider) LookupByURL(ctx context.Context, account provider.Account, url string) (*provider.Record, error) {
	path := strings.TrimPrefix(url, "file://")
	if path == url {
		return nil, nil // not ours
	}
	dir, err := p.dirFor(account.ID)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, nil // outside this account
	}
	rec, err := readRecordFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read record at %s: %w", path, err)
	}
	return &rec, nil
}

func (p *Provider) dirFor(accountID string) (string, error) {
	for _, a := range p.accounts {
		if a.ID == accountID {
			return a.Path, nil
		}
	}
	return "", fmt.Errorf("unknown localdir account %q", accountID)
}

func readRecordFile(path string) (provider.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return provider.Record{}, err
	}
	var rf recordFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return provider.Record{}, fmt.Errorf("failed to parse record file: %w", err)
	}
	if rf.Key == "" {
		return provider.Record{}, fmt.Errorf("record file has no key")
	}
	if rf.Summary == "" {
		return provider.Record{}, fmt.Errorf("record file has no summary")
	}
	url := rf.URL
	if url == "" {
		url = "file://" + path
	}
	return provider.Record{
		Key:     rf.Key,
		Summary: rf.Summary,
		URL:     url,
		IsTask:  rf.IsTask,
		Done:    rf.Done,
		Due:     rf.Due,
		Raw:     json.RawMessage(data),
	}, nil
}

func readQueryFile(path string) (*queryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var qf queryFile
	if err := json.Unmarshal(data, &qf); err != nil {
		return nil, fmt.Errorf("failed to parse query file: %w", err)
	}
	return &qf, nil
}

// Watcher debounces filesystem events under the account directories and
// reports which account changed, so the daemon can pull that account's next
// sync forward instead of waiting out the full interval.
type Watcher struct {
	p        *Provider
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]time.Time // account id -> last event
}

// NewWatcher creates a watcher over every configured account directory and
// its query subdirectories.
func NewWatcher(p *Provider, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{p: p, watcher: fsw, debounce: debounce, pending: make(map[string]time.Time)}
	for _, a := range p.accounts {
		if err := fsw.Add(a.Path); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", a.Path, err)
		}
		entries, err := os.ReadDir(a.Path)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				// Best effort; a vanished subdirectory is re-added on
				// the next full sync.
				_ = fsw.Add(filepath.Join(a.Path, entry.Name()))
			}
		}
	}
	return w, nil
}

// Run delivers debounced account ids to onChange until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, onChange func(accountID string)) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if acct := w.accountFor(event.Name); acct != "" {
				w.mu.Lock()
				w.pending[acct] = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "Warning: localdir watcher error: %v\n", err)

		case <-ticker.C:
			now := time.Now()
			w.mu.Lock()
			var ready []string
			for acct, at := range w.pending {
				if now.Sub(at) >= w.debounce {
					ready = append(ready, acct)
					delete(w.pending, acct)
				}
			}
			w.mu.Unlock()
			for _, acct := range ready {
				onChange(acct)
			}
		}
	}
}

func (w *Watcher) accountFor(path string) string {
	for _, a := range w.p.accounts {
		rel, err := filepath.Rel(a.Path, path)
		if err == nil && !strings.HasPrefix(rel, "..") {
			return a.ID
		}
	}
	return ""
}
