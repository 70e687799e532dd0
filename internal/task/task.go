// Package task implements the controller state machine that decides an
// item's effective due/done state.
//
// States: no task info at all, or one of the four controllers (Manual,
// Plugin, PluginList, Service). Switching controllers never discards a
// manually pinned due date: manual_due is tracked separately from the
// controller-derived due, and the effective due always resolves to
// manual_due when present.
//
// All operations run against the caller's transaction so a failed
// transition leaves task_info untouched.
package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tasknest/tasknest/internal/model"
	"github.com/tasknest/tasknest/internal/store"
)

// Get loads an item's task info, or ErrNotFound when the item is not a task.
func Get(ctx context.Context, q store.Querier, itemID string) (*model.TaskInfo, error) {
	var info model.TaskInfo
	var controller string
	var due, done, manualDue sql.NullString

	err := q.QueryRowContext(ctx,
		`SELECT item_id, controller, due, done, manual_due FROM task_info WHERE item_id = ?`,
		itemID).Scan(&info.ItemID, &controller, &due, &done, &manualDue)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task info for item %s", model.ErrNotFound, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task info: %w", err)
	}

	info.Controller = model.Controller(controller)
	info.Due = store.NullToTime(due)
	info.Done = store.NullToTime(done)
	info.ManualDue = store.NullToTime(manualDue)
	return &info, nil
}

// SetController transitions an item to a new controller.
//
// Preconditions: Plugin requires a plugin detail reporting task state;
// PluginList requires the item to have been listed in at least one external
// list at some point. A failed precondition returns ErrUnsupportedController
// and leaves task_info unchanged.
func SetController(ctx context.Context, q store.Querier, itemID string, c model.Controller) error {
	if !c.Valid() {
		return fmt.Errorf("%w: unknown controller %q", model.ErrUnsupportedController, c)
	}

	var exists int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE id = ?`, itemID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check item: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: item %s", model.ErrNotFound, itemID)
	}

	prev, err := Get(ctx, q, itemID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}

	switch c {
	case model.ControllerNone:
		if _, err := q.ExecContext(ctx, `DELETE FROM task_info WHERE item_id = ?`, itemID); err != nil {
			return fmt.Errorf("%w: failed to clear task info for %s: %v", model.ErrPersistence, itemID, err)
		}
		return nil

	case model.ControllerManual:
		info := carryOver(itemID, prev)
		info.Controller = model.ControllerManual
		if info.ManualDue != nil {
			info.Due = info.ManualDue
		}
		return upsert(ctx, q, info)

	case model.ControllerPlugin:
		detail, err := store.GetDetail(ctx, q, itemID)
		if err != nil || !detail.HasTaskState {
			return fmt.Errorf("%w: item %s has no plugin detail reporting task state", model.ErrUnsupportedController, itemID)
		}
		info := carryOver(itemID, prev)
		info.Controller = model.ControllerPlugin
		info.Due = detail.Due
		info.Done = detail.Done
		return upsert(ctx, q, info)

	case model.ControllerPluginList:
		ever, err := wasEverListed(ctx, q, itemID)
		if err != nil {
			return err
		}
		if !ever {
			return fmt.Errorf("%w: item %s was never listed", model.ErrUnsupportedController, itemID)
		}
		info := carryOver(itemID, prev)
		info.Controller = model.ControllerPluginList
		if err := upsert(ctx, q, info); err != nil {
			return err
		}
		return Recompute(ctx, q, itemID)

	case model.ControllerService:
		info := carryOver(itemID, prev)
		info.Controller = model.ControllerService
		return upsert(ctx, q, info)
	}
	return nil
}

// SetManualDue pins (or clears, with nil) a manual due override. The pin
// survives controller switches; under any controller the effective due
// resolves to the pin first. An item with no task info becomes a Manual task.
func SetManualDue(ctx context.Context, q store.Querier, itemID string, due *time.Time) error {
	info, err := Get(ctx, q, itemID)
	if errors.Is(err, model.ErrNotFound) {
		return upsert(ctx, q, &model.TaskInfo{
			ItemID:     itemID,
			Controller: model.ControllerManual,
			Due:        due,
			ManualDue:  due,
		})
	}
	if err != nil {
		return err
	}

	info.ManualDue = due
	if info.Controller == model.ControllerManual {
		info.Due = due
	}
	return upsert(ctx, q, info)
}

// SetDone records a manual completion edit. Only the Manual and Service
// controllers accept direct done edits; for the others the controlling
// authority owns the field.
func SetDone(ctx context.Context, q store.Querier, itemID string, done *time.Time) error {
	info, err := Get(ctx, q, itemID)
	if err != nil {
		return err
	}
	switch info.Controller {
	case model.ControllerManual, model.ControllerService:
	default:
		return fmt.Errorf("%w: done is owned by controller %q", model.ErrUnsupportedController, info.Controller)
	}
	info.Done = done
	return upsert(ctx, q, info)
}

// Recompute refreshes the derived due/done of one item from its current
// authority. Manual and Service items are untouched.
func Recompute(ctx context.Context, q store.Querier, itemID string) error {
	info, err := Get(ctx, q, itemID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch info.Controller {
	case model.ControllerPluginList:
		return recomputeFromLists(ctx, q, info)
	case model.ControllerPlugin:
		detail, err := store.GetDetail(ctx, q, itemID)
		if err != nil || !detail.HasTaskState {
			return demote(ctx, q, info)
		}
		info.Due = detail.Due
		info.Done = detail.Done
		return upsert(ctx, q, info)
	}
	return nil
}

// Reconcile is the idempotent sweep invoked after every batch sync and at
// the end of every mutating transaction. With no ids it covers every item
// under external control; with ids it is restricted to those items.
//
// PluginList items are recomputed from current memberships; Plugin and
// PluginList items whose external support disappeared entirely are demoted
// to Manual, marked done if still open, so stale tasks never remain active
// forever.
func Reconcile(ctx context.Context, q store.Querier, itemIDs ...string) error {
	ids := itemIDs
	if len(ids) == 0 {
		rows, err := q.QueryContext(ctx,
			`SELECT item_id FROM task_info WHERE controller IN (?, ?)`,
			string(model.ControllerPlugin), string(model.ControllerPluginList))
		if err != nil {
			return fmt.Errorf("failed to query controlled items: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan item id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating controlled items: %w", err)
		}
	}

	for _, id := range ids {
		info, err := Get(ctx, q, id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		switch info.Controller {
		case model.ControllerPluginList:
			ever, err := wasEverListed(ctx, q, id)
			if err != nil {
				return err
			}
			if !ever {
				if err := demote(ctx, q, info); err != nil {
					return err
				}
				continue
			}
			if err := recomputeFromLists(ctx, q, info); err != nil {
				return err
			}

		case model.ControllerPlugin:
			detail, err := store.GetDetail(ctx, q, id)
			if err != nil || !detail.HasTaskState {
				if err := demote(ctx, q, info); err != nil {
					return err
				}
				continue
			}
			info.Due = detail.Due
			info.Done = detail.Done
			if err := upsert(ctx, q, info); err != nil {
				return err
			}
		}
	}
	return nil
}

// recomputeFromLists derives done/due from the aggregate of the item's
// current list memberships: done is null while the item is present in any
// list and stamped the instant it is present in none; due is the earliest
// due across present memberships.
func recomputeFromLists(ctx context.Context, q store.Querier, info *model.TaskInfo) error {
	rows, err := q.QueryContext(ctx,
		`SELECT due FROM list_membership WHERE item_id = ? AND present = 1`, info.ItemID)
	if err != nil {
		return fmt.Errorf("failed to query memberships: %w", err)
	}

	present := 0
	var minDue *time.Time
	for rows.Next() {
		var due sql.NullString
		if err := rows.Scan(&due); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan membership: %w", err)
		}
		present++
		if t := store.NullToTime(due); t != nil && (minDue == nil || t.Before(*minDue)) {
			minDue = t
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating memberships: %w", err)
	}

	info.Due = minDue
	if present > 0 {
		info.Done = nil
	} else if info.Done == nil {
		now := time.Now().UTC()
		info.Done = &now
	}
	return upsert(ctx, q, info)
}

// demote hands a no-longer-supported item back to Manual, closing it if it
// was still open.
func demote(ctx context.Context, q store.Querier, info *model.TaskInfo) error {
	info.Controller = model.ControllerManual
	if info.Done == nil {
		now := time.Now().UTC()
		info.Done = &now
	}
	return upsert(ctx, q, info)
}

func wasEverListed(ctx context.Context, q store.Querier, itemID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM list_membership WHERE item_id = ?`, itemID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check listing history: %w", err)
	}
	return n > 0, nil
}

func carryOver(itemID string, prev *model.TaskInfo) *model.TaskInfo {
	if prev == nil {
		return &model.TaskInfo{ItemID: itemID}
	}
	cp := *prev
	return &cp
}

func upsert(ctx context.Context, q store.Querier, info *model.TaskInfo) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO task_info (item_id, controller, due, done, manual_due)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(item_id) DO UPDATE SET
		controller = excluded.controller,
		due = excluded.due,
		done = excluded.done,
		manual_due = excluded.manual_due
	`, info.ItemID, string(info.Controller), store.TimeToNull(info.Due),
		store.TimeToNull(info.Done), store.TimeToNull(info.ManualDue))
	if err != nil {
		return fmt.Errorf("%w: failed to upsert task info for %s: %v", model.ErrPersistence, info.ItemID, err)
	}
	return nil
}
