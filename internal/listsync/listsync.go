// Package listsync tracks which items are present in each external saved
// list (a saved search, a label, a folder) and keeps the membership history
// that gates the PluginList controller.
//
// Membership rows are written once per (item, list) pair and never deleted
// when an item drops out of a list: present flips to false so "was this item
// ever listed" stays answerable. Rows only disappear when the list itself or
// the item is deleted.
package listsync

import (
	"context"
	"fmt"
	"time"

	"github.com/tasknest/tasknest/internal/model"
	"github.com/tasknest/tasknest/internal/store"
	"github.com/tasknest/tasknest/internal/task"
)

// Diff reports what one UpdateList call changed.
type Diff struct {
	Added   []string // item ids newly present
	Removed []string // item ids no longer present
}

// Affected returns all item ids touched by the update.
func (d Diff) Affected() []string {
	out := make([]string, 0, len(d.Added)+len(d.Removed))
	out = append(out, d.Added...)
	out = append(out, d.Removed...)
	return out
}

// UpdateList upserts a list's metadata and reconciles its membership with
// the given desired item set. Newly present items are stamped with
// now()+DueOffset when the list carries one; items leaving the list keep
// their row with present=false and a cleared due.
//
// Must run inside the caller's transaction.
func UpdateList(ctx context.Context, q store.Querier, list *model.List, itemIDs []string) (Diff, error) {
	var diff Diff

	var offset any
	if list.DueOffset != nil {
		offset = int64(list.DueOffset.Seconds())
	}
	_, err := q.ExecContext(ctx, `
	INSERT INTO lists (id, account_id, name, url, due_offset_secs)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		account_id = excluded.account_id,
		name = excluded.name,
		url = excluded.url,
		due_offset_secs = excluded.due_offset_secs
	`, list.ID, list.AccountID, list.Name, list.URL, offset)
	if err != nil {
		return diff, fmt.Errorf("%w: failed to upsert list %s: %v", model.ErrPersistence, list.ID, err)
	}

	current, err := presentItems(ctx, q, list.ID)
	if err != nil {
		return diff, err
	}

	desired := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		desired[id] = true
		if !current[id] {
			diff.Added = append(diff.Added, id)
		}
	}
	for id := range current {
		if !desired[id] {
			diff.Removed = append(diff.Removed, id)
		}
	}

	var due *time.Time
	if list.DueOffset != nil {
		t := time.Now().UTC().Add(*list.DueOffset)
		due = &t
	}
	for _, id := range diff.Added {
		_, err := q.ExecContext(ctx, `
		INSERT INTO list_membership (item_id, list_id, present, due)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(item_id, list_id) DO UPDATE SET
			present = 1,
			due = excluded.due
		`, id, list.ID, store.TimeToNull(due))
		if err != nil {
			return diff, fmt.Errorf("%w: failed to add %s to list %s: %v", model.ErrPersistence, id, list.ID, err)
		}
	}

	for _, id := range diff.Removed {
		_, err := q.ExecContext(ctx,
			`UPDATE list_membership SET present = 0, due = NULL WHERE item_id = ? AND list_id = ?`,
			id, list.ID)
		if err != nil {
			return diff, fmt.Errorf("%w: failed to remove %s from list %s: %v", model.ErrPersistence, id, list.ID, err)
		}
	}

	return diff, nil
}

// DeleteList removes a list and all of its membership rows, then reconciles
// every member item: losing a list may uncover a previously masked
// completion, or strip an item's last claim to PluginList control.
func DeleteList(ctx context.Context, q store.Querier, listID string) error {
	members, err := memberItems(ctx, q, listID)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `DELETE FROM lists WHERE id = ?`, listID)
	if err != nil {
		return fmt.Errorf("%w: failed to delete list %s: %v", model.ErrPersistence, listID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: list %s", model.ErrNotFound, listID)
	}

	return task.Reconcile(ctx, q, members...)
}

// ListIDsForAccount returns the ids of every stored list belonging to the
// account. The reconciler diffs this against the saved queries the service
// still exposes to find lists that vanished remotely.
func ListIDsForAccount(ctx context.Context, q store.Querier, accountID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id FROM lists WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lists for account %s: %w", accountID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan list id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lists: %w", err)
	}
	return ids, nil
}

// WasItemEverListed reports whether any membership row exists for the item,
// present or not.
func WasItemEverListed(ctx context.Context, q store.Querier, itemID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM list_membership WHERE item_id = ?`, itemID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check listing history: %w", err)
	}
	return n > 0, nil
}

// IsItemCurrentlyListed reports whether the item is present in any list.
func IsItemCurrentlyListed(ctx context.Context, q store.Querier, itemID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM list_membership WHERE item_id = ? AND present = 1`, itemID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check listing: %w", err)
	}
	return n > 0, nil
}

// PresentItemsByList returns, per list id, the item ids currently present.
// Used by the reconciler to protect members of lists whose fetch failed.
func PresentItemsByList(ctx context.Context, q store.Querier, listID string) ([]string, error) {
	present, err := presentItems(ctx, q, listID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(present))
	for id := range present {
		ids = append(ids, id)
	}
	return ids, nil
}

func presentItems(ctx context.Context, q store.Querier, listID string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT item_id FROM list_membership WHERE list_id = ? AND present = 1`, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to query membership for list %s: %w", listID, err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan item id: %w", err)
		}
		present[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating membership: %w", err)
	}
	return present, nil
}

func memberItems(ctx context.Context, q store.Querier, listID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT item_id FROM list_membership WHERE list_id = ?`, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to query members of list %s: %w", listID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan item id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating members: %w", err)
	}
	return ids, nil
}
