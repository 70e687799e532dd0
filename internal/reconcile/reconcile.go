// Package reconcile maps opaque remote tracker records onto stable local
// items.
//
// Identity across syncs is the record's natural key, never the local item
// id: local ids are assigned at first creation, so a full resync matches
// records back to their existing items through the entity mirror rows keyed
// by (service, account, natural key).
//
// A full update pass is a diff against the current mirror, which makes an
// unchanged remote state a fixed point: re-running it performs zero item
// creates, updates, or deletes.
package reconcile

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tasknest/tasknest/internal/listsync"
	"github.com/tasknest/tasknest/internal/model"
	"github.com/tasknest/tasknest/internal/provider"
	"github.com/tasknest/tasknest/internal/store"
	"github.com/tasknest/tasknest/internal/task"
)

// Reconciler syncs one account of one service.
type Reconciler struct {
	db      *store.DB
	p       provider.Provider
	account provider.Account
	logger  *log.Logger
}

// New creates a reconciler for one account. A nil logger defaults to stderr.
func New(db *store.DB, p provider.Provider, account provider.Account, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	return &Reconciler{db: db, p: p, account: account, logger: logger}
}

// Result holds statistics for one update pass.
type Result struct {
	Created      int
	Updated      int
	Unchanged    int
	Deleted      int
	ListsSynced  int
	ListsFailed  int
	ListsDropped int
}

// Update runs one full reconciliation pass:
//
//  1. Load the account's mirror rows indexed by natural key.
//  2. Fetch every saved query; records with unknown keys are queued as new,
//     the rest as candidate updates. A failing query is logged and skipped,
//     and its current members are protected from deletion.
//  3. Re-fetch mirror rows no query returned; records still absent remotely
//     are queued for deletion.
//  4. Persist everything in one transaction: creates (appended to the
//     inbox), content updates, deletes, mirror upserts, list memberships,
//     removal of lists whose saved query no longer exists, then the
//     task-state reconcile of affected items.
//
// Persistence failures abort the whole batch so the mirror never diverges
// from what was actually written.
func (r *Reconciler) Update(ctx context.Context) (*Result, error) {
	result := &Result{}

	queries, err := r.p.ListSavedQueries(ctx, r.account)
	if err != nil {
		return nil, fmt.Errorf("%w: list queries for %s: %v", model.ErrExternalFetch, r.account.ID, err)
	}

	mirror, err := store.EntitiesForAccount(ctx, r.db.RawDB(), r.account.Service, r.account.ID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]provider.Record)
	listKeys := make(map[string][]string) // list id -> natural keys
	var okQueries []provider.SavedQuery
	var failedQueries []provider.SavedQuery

	// Every query the service still exposes, fetchable or not. Stored lists
	// outside this set vanished remotely and get dropped during persist.
	remoteLists := make(map[string]bool, len(queries))
	for _, query := range queries {
		remoteLists[r.listID(query)] = true
	}

	for _, query := range queries {
		records, err := r.p.FetchRecords(ctx, r.account, query)
		if err != nil {
			r.logger.Printf("WARNING: query %s (%s) failed, keeping previous membership: %v",
				query.ID, query.Name, err)
			failedQueries = append(failedQueries, query)
			result.ListsFailed++
			continue
		}
		okQueries = append(okQueries, query)
		listID := r.listID(query)
		for _, rec := range records {
			if rec.Key == "" {
				r.logger.Printf("WARNING: query %s returned a record with no key, skipping", query.ID)
				continue
			}
			if _, dup := seen[rec.Key]; !dup {
				seen[rec.Key] = rec
			}
			listKeys[listID] = append(listKeys[listID], rec.Key)
		}
	}

	// Members of failed queries must not be treated as gone remotely.
	protected := make(map[string]bool)
	for _, query := range failedQueries {
		itemIDs, err := listsync.PresentItemsByList(ctx, r.db.RawDB(), r.listID(query))
		if err != nil {
			return nil, err
		}
		byItem := make(map[string]string, len(mirror))
		for key, e := range mirror {
			byItem[e.ItemID] = key
		}
		for _, itemID := range itemIDs {
			if key, ok := byItem[itemID]; ok {
				protected[key] = true
			}
		}
	}

	// Direct re-check of mirror rows no query saw.
	var unseen []string
	for key := range mirror {
		if _, ok := seen[key]; !ok && !protected[key] {
			unseen = append(unseen, key)
		}
	}
	var deleteKeys []string
	if len(unseen) > 0 {
		fetched, err := r.p.FetchByKey(ctx, r.account, unseen)
		if err != nil {
			r.logger.Printf("WARNING: direct re-check of %d records failed, deferring deletes: %v", len(unseen), err)
		} else {
			still := make(map[string]bool, len(fetched))
			for _, rec := range fetched {
				still[rec.Key] = true
				if _, dup := seen[rec.Key]; !dup {
					seen[rec.Key] = rec
				}
			}
			for _, key := range unseen {
				if !still[key] {
					deleteKeys = append(deleteKeys, key)
				}
			}
		}
	}

	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		return r.persist(ctx, tx, mirror, seen, listKeys, okQueries, remoteLists, deleteKeys, result)
	})
	if err != nil {
		return nil, err
	}

	result.ListsSynced = len(okQueries)
	return result, nil
}

// persist is step 4: the single atomic batch.
func (r *Reconciler) persist(ctx context.Context, tx *sql.Tx,
	mirror map[string]*model.Entity, seen map[string]provider.Record,
	listKeys map[string][]string, queries []provider.SavedQuery,
	remoteLists map[string]bool, deleteKeys []string, result *Result) error {

	var affected []string

	// Creates: unknown keys are appended to the inbox.
	inbox, err := store.Inbox(ctx, tx)
	if err != nil {
		return err
	}
	var newKeys []string
	var params []store.ItemParams
	for key, rec := range seen {
		if _, known := mirror[key]; known {
			continue
		}
		newKeys = append(newKeys, key)
		params = append(params, store.ItemParams{
			OwnerID: inbox,
			Summary: rec.Summary,
			Kind:    model.DetailPlugin,
			Detail:  detailFor(rec),
		})
	}
	createdIDs, err := store.CreateItems(ctx, tx, params)
	if err != nil {
		return err
	}
	for i, key := range newKeys {
		rec := seen[key]
		mirror[key] = &model.Entity{
			Service:     r.account.Service,
			AccountID:   r.account.ID,
			Key:         key,
			ItemID:      createdIDs[i],
			URL:         rec.URL,
			ContentHash: contentHash(rec),
		}
		if err := store.UpsertEntity(ctx, tx, mirror[key]); err != nil {
			return err
		}
		affected = append(affected, createdIDs[i])
	}
	result.Created = len(createdIDs)

	// Updates: existing keys whose mapped content changed.
	for key, rec := range seen {
		e := mirror[key]
		isNew := false
		for _, nk := range newKeys {
			if nk == key {
				isNew = true
				break
			}
		}
		if isNew {
			continue
		}
		hash := contentHash(rec)
		if hash == e.ContentHash {
			result.Unchanged++
			continue
		}
		summary := rec.Summary
		err := store.UpdateItems(ctx, tx, []store.ItemUpdate{{
			ID:      e.ItemID,
			Summary: &summary,
			Detail:  detailFor(rec),
		}})
		if err != nil {
			return err
		}
		e.ContentHash = hash
		e.URL = rec.URL
		if err := store.UpsertEntity(ctx, tx, e); err != nil {
			return err
		}
		affected = append(affected, e.ItemID)
		result.Updated++
	}

	// Deletes: mirror rows confirmed gone remotely. Items cascade to task
	// info, details, memberships, and the mirror rows themselves.
	var deleteIDs []string
	for _, key := range deleteKeys {
		if e, ok := mirror[key]; ok {
			deleteIDs = append(deleteIDs, e.ItemID)
			delete(mirror, key)
		}
	}
	if err := store.DeleteItems(ctx, tx, deleteIDs); err != nil {
		return err
	}
	result.Deleted = len(deleteIDs)

	// List membership, with keys resolved to the now-known local ids.
	for _, query := range queries {
		listID := r.listID(query)
		var itemIDs []string
		for _, key := range listKeys[listID] {
			if e, ok := mirror[key]; ok {
				itemIDs = append(itemIDs, e.ItemID)
			}
		}
		diff, err := listsync.UpdateList(ctx, tx, &model.List{
			ID:        listID,
			AccountID: r.account.ID,
			Name:      query.Name,
			URL:       query.URL,
			DueOffset: query.DueOffset,
		}, itemIDs)
		if err != nil {
			return err
		}
		affected = append(affected, diff.Affected()...)
	}

	// Lists whose saved query vanished remotely are dropped outright,
	// membership included. Without this an item would stay "currently
	// listed" under a phantom list and its PluginList task could never
	// complete. A query that merely failed to fetch keeps its list.
	stored, err := listsync.ListIDsForAccount(ctx, tx, r.account.ID)
	if err != nil {
		return err
	}
	for _, listID := range stored {
		if remoteLists[listID] {
			continue
		}
		r.logger.Printf("Dropping list %s: its saved query no longer exists", listID)
		if err := listsync.DeleteList(ctx, tx, listID); err != nil {
			return err
		}
		result.ListsDropped++
	}

	// Fresh items pick their controller once membership has landed.
	for i, key := range newKeys {
		rec := seen[key]
		if err := r.assignController(ctx, tx, createdIDs[i], rec); err != nil {
			return err
		}
	}

	return task.Reconcile(ctx, tx, affected...)
}

// assignController picks the initial controller for a newly created item:
// PluginList when the item arrived through a saved list, Plugin when the
// record itself reports task state, Service when the record represents a
// task with no done semantics, else no task info at all.
func (r *Reconciler) assignController(ctx context.Context, q store.Querier, itemID string, rec provider.Record) error {
	listed, err := listsync.IsItemCurrentlyListed(ctx, q, itemID)
	if err != nil {
		return err
	}
	switch {
	case listed:
		return task.SetController(ctx, q, itemID, model.ControllerPluginList)
	case rec.HasTaskState():
		return task.SetController(ctx, q, itemID, model.ControllerPlugin)
	case rec.IsTask:
		return task.SetController(ctx, q, itemID, model.ControllerService)
	}
	return nil
}

// CreateItemFromURL links a single remote record by URL, bypassing the list
// machinery. Idempotent: a URL whose natural key is already mirrored returns
// the existing item id without creating a duplicate.
func (r *Reconciler) CreateItemFromURL(ctx context.Context, url string, isTask bool) (string, error) {
	rec, err := r.p.LookupByURL(ctx, r.account, url)
	if err != nil {
		return "", fmt.Errorf("%w: lookup %s: %v", model.ErrExternalFetch, url, err)
	}
	if rec == nil {
		return "", fmt.Errorf("%w: no record at %s", model.ErrNotFound, url)
	}

	if e, err := store.EntityByKey(ctx, r.db.RawDB(), r.account.Service, r.account.ID, rec.Key); err == nil {
		return e.ItemID, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return "", err
	}

	var itemID string
	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		inbox, err := store.Inbox(ctx, tx)
		if err != nil {
			return err
		}
		ids, err := store.CreateItems(ctx, tx, []store.ItemParams{{
			OwnerID: inbox,
			Summary: rec.Summary,
			Kind:    model.DetailPlugin,
			Detail:  detailFor(*rec),
		}})
		if err != nil {
			return err
		}
		itemID = ids[0]

		if err := store.UpsertEntity(ctx, tx, &model.Entity{
			Service:     r.account.Service,
			AccountID:   r.account.ID,
			Key:         rec.Key,
			ItemID:      itemID,
			URL:         rec.URL,
			ContentHash: contentHash(*rec),
		}); err != nil {
			return err
		}

		switch {
		case isTask && (rec.Done == nil || !*rec.Done):
			return task.SetController(ctx, tx, itemID, model.ControllerService)
		case isTask:
			return task.SetController(ctx, tx, itemID, model.ControllerManual)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return itemID, nil
}

// listID gives each saved query a stable local list id scoped to the account.
func (r *Reconciler) listID(query provider.SavedQuery) string {
	return fmt.Sprintf("%s:%s:%s", r.account.Service, r.account.ID, query.ID)
}

// detailFor maps a record onto the item's plugin detail row.
func detailFor(rec provider.Record) *model.Detail {
	d := &model.Detail{
		Kind:         model.DetailPlugin,
		URL:          rec.URL,
		HasTaskState: rec.HasTaskState(),
		Due:          rec.Due,
	}
	if rec.Done != nil && *rec.Done {
		now := time.Now().UTC()
		d.Done = &now
	}
	return d
}

// contentHash fingerprints the fields that map onto the local item so an
// unchanged record produces zero writes.
func contentHash(rec provider.Record) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%v\x00", rec.Key, rec.Summary, rec.URL, rec.IsTask)
	if rec.Done != nil {
		fmt.Fprintf(h, "done=%v\x00", *rec.Done)
	}
	if rec.Due != nil {
		fmt.Fprintf(h, "due=%s\x00", rec.Due.UTC().Format(time.RFC3339Nano))
	}
	return hex.EncodeToString(h.Sum(nil))
}
