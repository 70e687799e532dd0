// Package provider defines the abstract contract tasknest uses to talk to
// external trackers. Concrete network clients live behind this interface;
// the reconciler only ever sees accounts, saved queries, and opaque records
// carrying a stable natural key.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Account is one configured account of one external service.
type Account struct {
	ID      string
	Service string
	Name    string
}

// SavedQuery is one remote saved list (a saved search, label, folder) whose
// results the reconciler mirrors. DueOffset, when set, gives members a due
// date relative to when they entered the list.
type SavedQuery struct {
	ID        string
	Name      string
	URL       string
	DueOffset *time.Duration
}

// Record is one remote tracker record. Key is the natural key derived from
// immutable remote fields (a remote numeric id, a message id), never a local
// id: the local id only exists after first creation, and the natural key is
// what keeps items stable across full resyncs.
type Record struct {
	Key     string
	Summary string
	URL     string

	// IsTask marks records that represent something actionable even when
	// the service reports no done semantics for them.
	IsTask bool

	// Done/Due are the service-reported task state, when the service has
	// one. A nil Done means the service reports no done semantics at all.
	Done *bool
	Due  *time.Time

	// Raw preserves the service payload for debugging.
	Raw json.RawMessage
}

// HasTaskState reports whether the record carries service-side done
// semantics, which is what qualifies its item for the Plugin controller.
func (r *Record) HasTaskState() bool {
	return r.Done != nil
}

// Provider is the per-service adapter contract.
//
// All methods take a context and may block on network I/O. Errors are
// treated as transient: the reconciler logs them, skips the affected scope,
// and retries at the next scheduled cycle.
type Provider interface {
	// Service returns the stable service name ("localdir", "memory", ...).
	Service() string

	// ListAccounts enumerates the configured accounts of this service.
	ListAccounts(ctx context.Context) ([]Account, error)

	// ListSavedQueries enumerates the saved lists of one account.
	ListSavedQueries(ctx context.Context, account Account) ([]SavedQuery, error)

	// FetchRecords returns the current results of one saved query.
	FetchRecords(ctx context.Context, account Account, query SavedQuery) ([]Record, error)

	// FetchByKey re-fetches specific records directly, bypassing saved
	// queries. Keys absent from the result no longer exist remotely.
	FetchByKey(ctx context.Context, account Account, keys []string) ([]Record, error)

	// LookupByURL resolves a record from a user-pasted URL. Returns
	// (nil, nil) when the URL belongs to this service but matches nothing.
	LookupByURL(ctx context.Context, account Account, url string) (*Record, error)
}

// DelayHinter is optionally implemented by providers that want a
// server-chosen re-sync delay. The scheduler still applies its minimum
// delay floor on top.
type DelayHinter interface {
	NextSyncDelay() time.Duration
}

// Registry holds the providers constructed at startup. It is an explicit
// object passed by reference into the sync coordinator so tests can hand in
// doubles; there is no global registry.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its service name. Registering the same
// service twice is a wiring bug and returns an error.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Service()
	if _, dup := r.providers[name]; dup {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = p
	return nil
}

// Get returns the provider for a service name, or nil.
func (r *Registry) Get(service string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[service]
}

// Services returns the registered service names, sorted.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
