// Package order maintains the contiguous per-owner index of every ordered
// table (items in a section, sections in a project, projects in a context).
//
// Invariant: for a fixed owner, the set of live non-negative indices is
// exactly {0, 1, ..., n-1}. Rows at the reserved negative indices (anonymous
// owner-of-self, inbox) are excluded from all renumbering.
//
// Every operation must run inside the caller's transaction: the index reads
// and the shifts have to see one consistent order, and a partial failure
// must roll the whole move back. The store's UNIQUE(owner_id, idx)
// constraint is immediate in SQLite, so shifts are applied row by row in the
// direction that never collides (descending when shifting up, ascending when
// closing a gap).
package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tasknest/tasknest/internal/model"
	"github.com/tasknest/tasknest/internal/store"
)

// Store operates on one ordered table. The table must carry id, owner_id,
// and idx columns with UNIQUE(owner_id, idx). OwnerTable, when set, is the
// table a target owner id must resolve against before a cross-owner move.
type Store struct {
	Table      string
	OwnerTable string
}

// The ordered tables of the hierarchy. Contexts are owned by the implicit
// user, so their owner ids have no table to resolve against.
var (
	Items    = Store{Table: "items", OwnerTable: "sections"}
	Sections = Store{Table: "sections", OwnerTable: "projects"}
	Projects = Store{Table: "projects", OwnerTable: "contexts"}
	Contexts = Store{Table: "contexts"}
)

// parkedIndex is a transient index far below the reserved range. A moving
// row sits here while its siblings renumber, so the UNIQUE(owner_id, idx)
// constraint never sees two rows on the same slot mid-shift.
const parkedIndex = -1 << 30

// NextIndex returns the append position for ownerID: max live index plus
// one, or 0 when the owner has no rows. Must be called inside the same
// transaction as the subsequent insert.
func (s Store) NextIndex(ctx context.Context, q store.Querier, ownerID string) (int, error) {
	var next int
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM `+s.Table+` WHERE owner_id = ? AND idx >= 0`,
		ownerID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next index in %s: %w", s.Table, err)
	}
	return next, nil
}

// Move places the row id under targetOwner, immediately before beforeID.
// An empty beforeID, or a beforeID that does not resolve to a row under
// targetOwner, appends at the end. Moving a row to the position it already
// occupies is detected and performs no writes. A targetOwner that does not
// exist fails with ErrNotFound before anything changes.
func (s Store) Move(ctx context.Context, q store.Querier, id, targetOwner, beforeID string) error {
	curOwner, curIdx, err := s.position(ctx, q, id)
	if err != nil {
		return err
	}

	if beforeID == id {
		return nil
	}

	if targetOwner != curOwner && s.OwnerTable != "" {
		var one int
		err := q.QueryRowContext(ctx,
			`SELECT 1 FROM `+s.OwnerTable+` WHERE id = ?`, targetOwner).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s owner %s", model.ErrNotFound, s.Table, targetOwner)
		}
		if err != nil {
			return fmt.Errorf("failed to resolve owner %s in %s: %w", targetOwner, s.OwnerTable, err)
		}
	}

	// Tie-break: already in place.
	if curOwner == targetOwner && curIdx >= 0 {
		if beforeID == "" {
			max, err := s.maxIndex(ctx, q, targetOwner)
			if err != nil {
				return err
			}
			if curIdx == max {
				return nil
			}
		} else {
			bOwner, bIdx, err := s.position(ctx, q, beforeID)
			if err == nil && bOwner == targetOwner && bIdx == curIdx+1 {
				return nil
			}
		}
	}

	// Park the row, then close the gap at the old position so target
	// indices are final. Reserved negative indices leave no gap.
	if curIdx >= 0 {
		_, err = q.ExecContext(ctx,
			`UPDATE `+s.Table+` SET idx = ? WHERE id = ?`, parkedIndex, id)
		if err != nil {
			return fmt.Errorf("%w: failed to park %s row %s: %v", model.ErrPersistence, s.Table, id, err)
		}
		if err := s.closeGap(ctx, q, curOwner, curIdx); err != nil {
			return err
		}
	}

	targetIdx := -1
	if beforeID != "" {
		bOwner, bIdx, err := s.position(ctx, q, beforeID)
		if err == nil && bOwner == targetOwner && bIdx >= 0 {
			targetIdx = bIdx
		} else if err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
	}
	if targetIdx < 0 {
		targetIdx, err = s.NextIndex(ctx, q, targetOwner)
		if err != nil {
			return err
		}
	} else {
		if err := s.shiftUp(ctx, q, targetOwner, targetIdx); err != nil {
			return err
		}
	}

	_, err = q.ExecContext(ctx,
		`UPDATE `+s.Table+` SET owner_id = ?, idx = ? WHERE id = ?`,
		targetOwner, targetIdx, id)
	if err != nil {
		return fmt.Errorf("%w: failed to place %s row %s: %v", model.ErrPersistence, s.Table, id, err)
	}
	return nil
}

// Remove deletes the row and closes the index gap it leaves. No-op if the
// row does not exist.
func (s Store) Remove(ctx context.Context, q store.Querier, id string) error {
	ownerID, idx, err := s.position(ctx, q, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM `+s.Table+` WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: failed to delete %s row %s: %v", model.ErrPersistence, s.Table, id, err)
	}

	if idx >= 0 {
		return s.closeGap(ctx, q, ownerID, idx)
	}
	return nil
}

// Indices returns the live non-negative indices under ownerID in ascending
// order. Used by the consistency tests.
func (s Store) Indices(ctx context.Context, q store.Querier, ownerID string) ([]int, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT idx FROM `+s.Table+` WHERE owner_id = ? AND idx >= 0 ORDER BY idx ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query indices: %w", err)
	}
	defer rows.Close()

	var indices []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		indices = append(indices, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating indices: %w", err)
	}
	return indices, nil
}

// IDsInOrder returns the row ids under ownerID by ascending live index.
func (s Store) IDsInOrder(ctx context.Context, q store.Querier, ownerID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id FROM `+s.Table+` WHERE owner_id = ? AND idx >= 0 ORDER BY idx ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order: %w", err)
	}
	return ids, nil
}

func (s Store) position(ctx context.Context, q store.Querier, id string) (string, int, error) {
	var ownerID string
	var idx int
	err := q.QueryRowContext(ctx,
		`SELECT owner_id, idx FROM `+s.Table+` WHERE id = ?`, id).Scan(&ownerID, &idx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, fmt.Errorf("%w: %s row %s", model.ErrNotFound, s.Table, id)
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to read %s row %s: %w", s.Table, id, err)
	}
	return ownerID, idx, nil
}

func (s Store) maxIndex(ctx context.Context, q store.Querier, ownerID string) (int, error) {
	var max int
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx), -1) FROM `+s.Table+` WHERE owner_id = ? AND idx >= 0`,
		ownerID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to compute max index in %s: %w", s.Table, err)
	}
	return max, nil
}

// shiftUp increments every live index >= from under ownerID, descending so
// the uniqueness constraint never trips mid-shift.
func (s Store) shiftUp(ctx context.Context, q store.Querier, ownerID string, from int) error {
	ids, err := s.idsFrom(ctx, q, ownerID, from, "DESC")
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := q.ExecContext(ctx, `UPDATE `+s.Table+` SET idx = idx + 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("%w: failed to shift %s row %s: %v", model.ErrPersistence, s.Table, id, err)
		}
	}
	return nil
}

// closeGap decrements every live index > idx under ownerID, ascending.
func (s Store) closeGap(ctx context.Context, q store.Querier, ownerID string, idx int) error {
	ids, err := s.idsFrom(ctx, q, ownerID, idx+1, "ASC")
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := q.ExecContext(ctx, `UPDATE `+s.Table+` SET idx = idx - 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("%w: failed to close gap at %s row %s: %v", model.ErrPersistence, s.Table, id, err)
		}
	}
	return nil
}

func (s Store) idsFrom(ctx context.Context, q store.Querier, ownerID string, from int, dir string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id FROM `+s.Table+` WHERE owner_id = ? AND idx >= ? ORDER BY idx `+dir, ownerID, from)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s rows: %w", s.Table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", s.Table, err)
	}
	return ids, nil
}
