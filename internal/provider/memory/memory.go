// Package memory implements an in-memory tracker backend. It doubles as the
// deterministic test double for the reconciler and scheduler and as a demo
// backend that needs no credentials.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tasknest/tasknest/internal/provider"
)

// Provider is an in-memory provider.Provider. All state is guarded by one
// mutex; tests mutate it between sync passes to simulate remote churn.
type Provider struct {
	mu sync.Mutex

	service  string
	accounts []provider.Account
	queries  map[string][]provider.SavedQuery       // account id -> queries
	results  map[string]map[string][]provider.Record // account id -> query id -> records
	byKey    map[string]map[string]provider.Record   // account id -> key -> record
	byURL    map[string]map[string]provider.Record   // account id -> url -> record

	// Error injection: non-nil errors fail the corresponding call.
	QueryErr map[string]error // query id -> error
	ListErr  error            // ListSavedQueries error

	// Delay is returned from NextSyncDelay when set.
	Delay time.Duration
}

// New returns an empty provider registered under the given service name.
func New(service string) *Provider {
	return &Provider{
		service:  service,
		queries:  make(map[string][]provider.SavedQuery),
		results:  make(map[string]map[string][]provider.Record),
		byKey:    make(map[string]map[string]provider.Record),
		byURL:    make(map[string]map[string]provider.Record),
		QueryErr: make(map[string]error),
	}
}

// AddAccount registers an account.
func (p *Provider) AddAccount(id, name string) provider.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct := provider.Account{ID: id, Service: p.service, Name: name}
	p.accounts = append(p.accounts, acct)
	p.results[id] = make(map[string][]provider.Record)
	p.byKey[id] = make(map[string]provider.Record)
	p.byURL[id] = make(map[string]provider.Record)
	return acct
}

// SetQueries replaces an account's saved queries.
func (p *Provider) SetQueries(accountID string, queries ...provider.SavedQuery) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries[accountID] = queries
}

// SetResults replaces one query's current result set and indexes the records
// for direct fetch and URL lookup.
func (p *Provider) SetResults(accountID, queryID string, records ...provider.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[accountID][queryID] = records
	for _, r := range records {
		p.byKey[accountID][r.Key] = r
		if r.URL != "" {
			p.byURL[accountID][r.URL] = r
		}
	}
}

// RemoveRecord deletes a record remotely: it disappears from direct fetches
// (and the caller should also update the query results).
func (p *Provider) RemoveRecord(accountID, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.byKey[accountID][key]; ok {
		delete(p.byURL[accountID], r.URL)
	}
	delete(p.byKey[accountID], key)
}

// Service implements provider.Provider.
func (p *Provider) Service() string {
	return p.service
}

// ListAccounts implements provider.Provider.
func (p *Provider) ListAccounts(ctx context.Context) ([]provider.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]provider.Account, len(p.accounts))
	copy(out, p.accounts)
	return out, nil
}

// ListSavedQueries implements provider.Provider.
func (p *Provider) ListSavedQueries(ctx context.Context, account provider.Account) ([]provider.SavedQuery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListErr != nil {
		return nil, p.ListErr
	}
	queries, ok := p.queries[account.ID]
	if !ok {
		return nil, fmt.Errorf("unknown account %q", account.ID)
	}
	out := make([]provider.SavedQuery, len(queries))
	copy(out, queries)
	return out, nil
}

// FetchRecords implements provider.Provider.
func (p *Provider) FetchRecords(ctx context.Context, account provider.Account, query provider.SavedQuery) ([]provider.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.QueryErr[query.ID]; err != nil {
		return nil, err
	}
	records := p.results[account.ID][query.ID]
	out := make([]provider.Record, len(records))
	copy(out, records)
	return out, nil
}

// FetchByKey implements provider.Provider. Keys with no remote record are
// simply absent from the result.
func (p *Provider) FetchByKey(ctx context.Context, account provider.Account, keys []string) ([]provider.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []provider.Record
	for _, key := range keys {
		if r, ok := p.byKey[account.ID][key]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// LookupByURL implements provider.Provider.
func (p *Provider) LookupByURL(ctx context.Context, account provider.Account, url string) (*provider.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.byURL[account.ID][url]; ok {
		cp := r
		return &cp, nil
	}
	return nil, nil
}

// NextSyncDelay implements provider.DelayHinter when Delay is set.
func (p *Provider) NextSyncDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Delay
}
