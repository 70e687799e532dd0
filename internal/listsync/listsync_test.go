package listsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tasknest/tasknest/internal/model"
	"github.com/tasknest/tasknest/internal/store"
	"github.com/tasknest/tasknest/internal/task"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func seedItems(t *testing.T, db *store.DB, n int) []string {
	t.Helper()
	var ids []string
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		inbox, err := store.Inbox(context.Background(), tx)
		if err != nil {
			return err
		}
		params := make([]store.ItemParams, n)
		for i := range params {
			params[i] = store.ItemParams{OwnerID: inbox, Summary: fmt.Sprintf("item %d", i), Kind: model.DetailPlugin}
		}
		ids, err = store.CreateItems(context.Background(), tx, params)
		return err
	})
	if err != nil {
		t.Fatalf("failed to seed items: %v", err)
	}
	return ids
}

func update(t *testing.T, db *store.DB, list *model.List, itemIDs []string) Diff {
	t.Helper()
	var diff Diff
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		diff, err = UpdateList(context.Background(), tx, list, itemIDs)
		return err
	})
	if err != nil {
		t.Fatalf("UpdateList() failed: %v", err)
	}
	return diff
}

func sorted(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

// TestUpdateList_Diff tests the added/removed sets across two updates.
func TestUpdateList_Diff(t *testing.T) {
	db := testDB(t)
	ids := seedItems(t, db, 3)
	list := &model.List{ID: "l1", AccountID: "a1", Name: "list"}

	diff := update(t, db, list, []string{ids[0], ids[1]})
	if d := cmp.Diff(sorted([]string{ids[0], ids[1]}), sorted(diff.Added)); d != "" {
		t.Errorf("first update Added mismatch (-want +got):\n%s", d)
	}
	if len(diff.Removed) != 0 {
		t.Errorf("first update Removed = %v, want none", diff.Removed)
	}

	diff = update(t, db, list, []string{ids[1], ids[2]})
	if d := cmp.Diff([]string{ids[2]}, diff.Added); d != "" {
		t.Errorf("second update Added mismatch (-want +got):\n%s", d)
	}
	if d := cmp.Diff([]string{ids[0]}, diff.Removed); d != "" {
		t.Errorf("second update Removed mismatch (-want +got):\n%s", d)
	}
}

// TestUpdateList_HistorySurvivesLeaving tests that leaving a list flips
// present without deleting the membership row.
func TestUpdateList_HistorySurvivesLeaving(t *testing.T) {
	db := testDB(t)
	ids := seedItems(t, db, 1)
	list := &model.List{ID: "l1", AccountID: "a1", Name: "list"}

	update(t, db, list, ids)
	update(t, db, list, nil)

	listed, err := IsItemCurrentlyListed(context.Background(), db.RawDB(), ids[0])
	if err != nil {
		t.Fatalf("IsItemCurrentlyListed() failed: %v", err)
	}
	if listed {
		t.Error("item should no longer be present")
	}

	ever, err := WasItemEverListed(context.Background(), db.RawDB(), ids[0])
	if err != nil {
		t.Fatalf("WasItemEverListed() failed: %v", err)
	}
	if !ever {
		t.Error("listing history lost after leaving the list")
	}
}

// TestUpdateList_DueOffset tests that new members get now()+offset and that
// the due clears when they leave.
func TestUpdateList_DueOffset(t *testing.T) {
	db := testDB(t)
	ids := seedItems(t, db, 1)
	offset := 48 * time.Hour
	list := &model.List{ID: "l1", AccountID: "a1", Name: "list", DueOffset: &offset}

	update(t, db, list, ids)

	var due sql.NullString
	err := db.RawDB().QueryRow(
		`SELECT due FROM list_membership WHERE item_id = ? AND list_id = 'l1'`, ids[0]).Scan(&due)
	if err != nil {
		t.Fatalf("failed to read membership: %v", err)
	}
	stamped := store.NullToTime(due)
	if stamped == nil {
		t.Fatal("membership due not stamped")
	}
	if got := time.Until(*stamped); got > offset || got < offset-time.Minute {
		t.Errorf("membership due %v from now, want about %v", got, offset)
	}

	update(t, db, list, nil)
	err = db.RawDB().QueryRow(
		`SELECT due FROM list_membership WHERE item_id = ? AND list_id = 'l1'`, ids[0]).Scan(&due)
	if err != nil {
		t.Fatalf("failed to re-read membership: %v", err)
	}
	if due.Valid {
		t.Errorf("due after leaving = %q, want NULL", due.String)
	}
}

// TestUpdateList_RejoinRestamps tests that rejoining refreshes the stamp.
func TestUpdateList_RejoinRestamps(t *testing.T) {
	db := testDB(t)
	ids := seedItems(t, db, 1)
	offset := time.Hour
	list := &model.List{ID: "l1", AccountID: "a1", Name: "list", DueOffset: &offset}

	update(t, db, list, ids)
	update(t, db, list, nil)
	diff := update(t, db, list, ids)

	if d := cmp.Diff(ids, diff.Added); d != "" {
		t.Errorf("rejoin Added mismatch (-want +got):\n%s", d)
	}

	var due sql.NullString
	err := db.RawDB().QueryRow(
		`SELECT due FROM list_membership WHERE item_id = ? AND list_id = 'l1'`, ids[0]).Scan(&due)
	if err != nil {
		t.Fatalf("failed to read membership: %v", err)
	}
	if store.NullToTime(due) == nil {
		t.Error("rejoined membership has no due stamp")
	}
}

// TestDeleteList_ReconcilesMembers tests that deleting a list strips its
// membership rows and closes tasks that lose their last list.
func TestDeleteList_ReconcilesMembers(t *testing.T) {
	db := testDB(t)
	ids := seedItems(t, db, 1)
	list := &model.List{ID: "l1", AccountID: "a1", Name: "list"}
	update(t, db, list, ids)

	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		return task.SetController(context.Background(), tx, ids[0], model.ControllerPluginList)
	})
	if err != nil {
		t.Fatalf("SetController(PluginList) failed: %v", err)
	}

	err = db.WithTx(context.Background(), func(tx *sql.Tx) error {
		return DeleteList(context.Background(), tx, "l1")
	})
	if err != nil {
		t.Fatalf("DeleteList() failed: %v", err)
	}

	ever, err := WasItemEverListed(context.Background(), db.RawDB(), ids[0])
	if err != nil {
		t.Fatalf("WasItemEverListed() failed: %v", err)
	}
	if ever {
		t.Error("membership rows survived the list deletion")
	}

	// With no listing history left the item is demoted and closed.
	info, err := task.Get(context.Background(), db.RawDB(), ids[0])
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if info.Controller != model.ControllerManual {
		t.Errorf("controller = %q, want manual after losing the last list", info.Controller)
	}
	if info.Open() {
		t.Error("orphaned task left open")
	}
}

// TestDeleteList_Missing tests the not-found path.
func TestDeleteList_Missing(t *testing.T) {
	db := testDB(t)

	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		return DeleteList(context.Background(), tx, "no-such-list")
	})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("DeleteList() error = %v, want ErrNotFound", err)
	}
}
