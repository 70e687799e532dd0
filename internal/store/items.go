package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tasknest/tasknest/internal/model"
)

// ItemParams describes one item to create. ID is assigned (uuid) when empty.
type ItemParams struct {
	ID      string
	OwnerID string // section id
	Summary string
	Kind    model.DetailKind
	Detail  *model.Detail // optional; ItemID/Kind filled in from the item
}

// CreateItems inserts a batch of items, each atomically appended at the end
// of its owner's order. Must run inside the caller's transaction: the
// next-index read and the insert have to see the same order.
// Returns the assigned ids in input order.
func CreateItems(ctx context.Context, q Querier, params []ItemParams) ([]string, error) {
	ids := make([]string, 0, len(params))
	now := time.Now().UTC()

	for _, p := range params {
		id := p.ID
		if id == "" {
			id = uuid.NewString()
		}

		var next int
		err := q.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(idx) + 1, 0) FROM items WHERE owner_id = ? AND idx >= 0`,
			p.OwnerID).Scan(&next)
		if err != nil {
			return nil, fmt.Errorf("failed to compute next index for %s: %w", p.OwnerID, err)
		}

		item := &model.Item{ID: id, OwnerID: p.OwnerID, Index: next, Summary: p.Summary, Kind: p.Kind}
		if err := item.Validate(); err != nil {
			return nil, fmt.Errorf("invalid item: %w", err)
		}

		_, err = q.ExecContext(ctx,
			`INSERT INTO items (id, owner_id, idx, summary, kind, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			id, p.OwnerID, next, p.Summary, string(p.Kind), now.Format(time.RFC3339Nano))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to insert item %s: %v", model.ErrPersistence, id, err)
		}

		if p.Detail != nil {
			d := *p.Detail
			d.ItemID = id
			d.Kind = p.Kind
			if err := UpsertDetail(ctx, q, &d); err != nil {
				return nil, err
			}
		}

		ids = append(ids, id)
	}

	return ids, nil
}

// ItemUpdate describes a partial update of one item's content fields.
// Ordering fields are never touched here; moves go through the order package.
type ItemUpdate struct {
	ID      string
	Summary *string
	Detail  *model.Detail
}

// UpdateItems applies a batch of content updates.
func UpdateItems(ctx context.Context, q Querier, updates []ItemUpdate) error {
	for _, u := range updates {
		if u.Summary != nil {
			res, err := q.ExecContext(ctx, `UPDATE items SET summary = ? WHERE id = ?`, *u.Summary, u.ID)
			if err != nil {
				return fmt.Errorf("%w: failed to update item %s: %v", model.ErrPersistence, u.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: item %s", model.ErrNotFound, u.ID)
			}
		}
		if u.Detail != nil {
			u.Detail.ItemID = u.ID
			if err := UpsertDetail(ctx, q, u.Detail); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteItems removes items and closes the index gap each one leaves behind.
// Task info, details, memberships, and mirror rows cascade. Unknown ids are
// skipped.
func DeleteItems(ctx context.Context, q Querier, ids []string) error {
	for _, id := range ids {
		var ownerID string
		var idx int
		err := q.QueryRowContext(ctx, `SELECT owner_id, idx FROM items WHERE id = ?`, id).Scan(&ownerID, &idx)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read item %s: %w", id, err)
		}

		if _, err := q.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id); err != nil {
			return fmt.Errorf("%w: failed to delete item %s: %v", model.ErrPersistence, id, err)
		}

		// Close the gap. Reserved negative indices are untouched.
		if idx >= 0 {
			if err := closeGap(ctx, q, "items", ownerID, idx); err != nil {
				return err
			}
		}
	}
	return nil
}

// closeGap decrements every non-negative index above idx under ownerID, in
// ascending order so the UNIQUE(owner_id, idx) constraint never trips.
func closeGap(ctx context.Context, q Querier, table, ownerID string, idx int) error {
	rows, err := q.QueryContext(ctx,
		`SELECT id FROM `+table+` WHERE owner_id = ? AND idx > ? ORDER BY idx ASC`, ownerID, idx)
	if err != nil {
		return fmt.Errorf("failed to scan gap in %s: %w", table, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating %s: %w", table, err)
	}

	for _, id := range ids {
		if _, err := q.ExecContext(ctx, `UPDATE `+table+` SET idx = idx - 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("%w: failed to close gap in %s: %v", model.ErrPersistence, table, err)
		}
	}
	return nil
}

// GetItem retrieves one item by id.
func GetItem(ctx context.Context, q Querier, id string) (*model.Item, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, owner_id, idx, summary, kind, created_at, archived, snoozed_until FROM items WHERE id = ?`, id)
	return scanItem(row)
}

// ItemsInSection returns a section's items in index order. Negative-index
// rows do not occur in the items table; the filter is kept for symmetry with
// the section and project queries.
func ItemsInSection(ctx context.Context, q Querier, sectionID string) ([]*model.Item, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, owner_id, idx, summary, kind, created_at, archived, snoozed_until
		 FROM items WHERE owner_id = ? AND idx >= 0 ORDER BY idx ASC`, sectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []*model.Item
	for rows.Next() {
		item, err := scanItemRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	return items, nil
}

func scanItem(row *sql.Row) (*model.Item, error) {
	var item model.Item
	var kind, createdAt string
	var archived int
	var snoozed sql.NullString

	err := row.Scan(&item.ID, &item.OwnerID, &item.Index, &item.Summary, &kind, &createdAt, &archived, &snoozed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: item", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}

	item.Kind = model.DetailKind(kind)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		item.CreatedAt = t
	}
	item.Archived = archived != 0
	item.SnoozedUntil = NullToTime(snoozed)
	return &item, nil
}

func scanItemRows(rows *sql.Rows) (*model.Item, error) {
	var item model.Item
	var kind, createdAt string
	var archived int
	var snoozed sql.NullString

	err := rows.Scan(&item.ID, &item.OwnerID, &item.Index, &item.Summary, &kind, &createdAt, &archived, &snoozed)
	if err != nil {
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}

	item.Kind = model.DetailKind(kind)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		item.CreatedAt = t
	}
	item.Archived = archived != 0
	item.SnoozedUntil = NullToTime(snoozed)
	return &item, nil
}

// SetArchived flips the archived flag. Never touches ordering.
func SetArchived(ctx context.Context, q Querier, itemID string, archived bool) error {
	v := 0
	if archived {
		v = 1
	}
	res, err := q.ExecContext(ctx, `UPDATE items SET archived = ? WHERE id = ?`, v, itemID)
	if err != nil {
		return fmt.Errorf("%w: failed to archive item %s: %v", model.ErrPersistence, itemID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: item %s", model.ErrNotFound, itemID)
	}
	return nil
}

// SetSnoozed hides an item until t (nil clears the snooze).
func SetSnoozed(ctx context.Context, q Querier, itemID string, t *time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE items SET snoozed_until = ? WHERE id = ?`, TimeToNull(t), itemID)
	if err != nil {
		return fmt.Errorf("%w: failed to snooze item %s: %v", model.ErrPersistence, itemID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: item %s", model.ErrNotFound, itemID)
	}
	return nil
}

// UpsertDetail writes the type-specific detail row for an item.
func UpsertDetail(ctx context.Context, q Querier, d *model.Detail) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO item_details (item_id, kind, body, url, path, has_task_state, due, done)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(item_id) DO UPDATE SET
		kind = excluded.kind,
		body = excluded.body,
		url = excluded.url,
		path = excluded.path,
		has_task_state = excluded.has_task_state,
		due = excluded.due,
		done = excluded.done
	`, d.ItemID, string(d.Kind), d.Body, d.URL, d.Path, boolToInt(d.HasTaskState), TimeToNull(d.Due), TimeToNull(d.Done))
	if err != nil {
		return fmt.Errorf("%w: failed to upsert detail for %s: %v", model.ErrPersistence, d.ItemID, err)
	}
	return nil
}

// GetDetail retrieves an item's detail row, or ErrNotFound.
func GetDetail(ctx context.Context, q Querier, itemID string) (*model.Detail, error) {
	var d model.Detail
	var kind string
	var hasTaskState int
	var due, done sql.NullString

	err := q.QueryRowContext(ctx,
		`SELECT item_id, kind, body, url, path, has_task_state, due, done FROM item_details WHERE item_id = ?`,
		itemID).Scan(&d.ItemID, &kind, &d.Body, &d.URL, &d.Path, &hasTaskState, &due, &done)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: detail for item %s", model.ErrNotFound, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan detail: %w", err)
	}

	d.Kind = model.DetailKind(kind)
	d.HasTaskState = hasTaskState != 0
	d.Due = NullToTime(due)
	d.Done = NullToTime(done)
	return &d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
