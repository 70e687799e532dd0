package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/tasknest/tasknest/internal/model"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

// TestOpen_CreatesDirectory tests that Open creates missing parent dirs.
func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

// TestInitSchema_Idempotent tests that schema initialization can run twice.
func TestInitSchema_Idempotent(t *testing.T) {
	db := testDB(t)
	if err := db.InitSchema(context.Background()); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}

	tables := []string{"contexts", "projects", "sections", "items", "task_info",
		"item_details", "lists", "list_membership", "entities", "sync_state"}
	for _, table := range tables {
		var count int
		err := db.RawDB().QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

// TestWithTx_RollsBackOnError tests that a failing body leaves no writes.
func TestWithTx_RollsBackOnError(t *testing.T) {
	db := testDB(t)
	boom := errors.New("boom")

	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := CreateContext(context.Background(), tx, "work"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}

	var count int
	if err := db.RawDB().QueryRow(`SELECT COUNT(*) FROM contexts`).Scan(&count); err != nil {
		t.Fatalf("failed to count contexts: %v", err)
	}
	if count != 0 {
		t.Errorf("contexts after rollback = %d, want 0", count)
	}
}

// TestWithTx_SweepRunsBeforeCommit tests that a failing commit sweep rolls
// the transaction back.
func TestWithTx_SweepRunsBeforeCommit(t *testing.T) {
	db := testDB(t)
	swept := false
	db.SetCommitSweep(func(ctx context.Context, q Querier) error {
		swept = true
		return errors.New("sweep failed")
	})

	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := CreateContext(context.Background(), tx, "work")
		return err
	})
	if err == nil {
		t.Fatal("WithTx() succeeded, want sweep failure")
	}
	if !swept {
		t.Fatal("commit sweep never ran")
	}

	var count int
	if err := db.RawDB().QueryRow(`SELECT COUNT(*) FROM contexts`).Scan(&count); err != nil {
		t.Fatalf("failed to count contexts: %v", err)
	}
	if count != 0 {
		t.Errorf("contexts after failed sweep = %d, want 0", count)
	}
}

// TestInbox_FixedAndReused tests that the inbox is created once at the
// reserved index and returned on every call.
func TestInbox_FixedAndReused(t *testing.T) {
	db := testDB(t)

	var first, second string
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		if first, err = Inbox(context.Background(), tx); err != nil {
			return err
		}
		second, err = Inbox(context.Background(), tx)
		return err
	})
	if err != nil {
		t.Fatalf("Inbox() failed: %v", err)
	}
	if first != second {
		t.Errorf("Inbox() returned %q then %q, want one id", first, second)
	}

	var idx int
	if err := db.RawDB().QueryRow(`SELECT idx FROM sections WHERE id = ?`, first).Scan(&idx); err != nil {
		t.Fatalf("failed to read inbox row: %v", err)
	}
	if idx != model.IndexInbox {
		t.Errorf("inbox idx = %d, want %d", idx, model.IndexInbox)
	}
}

// TestCreateProject_CreatesAnonymousSection tests the owner-of-self child.
func TestCreateProject_CreatesAnonymousSection(t *testing.T) {
	db := testDB(t)

	var projID string
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		ctxID, err := CreateContext(context.Background(), tx, "work")
		if err != nil {
			return err
		}
		projID, err = CreateProject(context.Background(), tx, ctxID, "proj")
		return err
	})
	if err != nil {
		t.Fatalf("failed to create project: %v", err)
	}

	if _, err := AnonymousSection(context.Background(), db.RawDB(), projID); err != nil {
		t.Errorf("AnonymousSection() failed: %v", err)
	}
}

// TestCreateProject_UnknownContext tests the not-found path.
func TestCreateProject_UnknownContext(t *testing.T) {
	db := testDB(t)

	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := CreateProject(context.Background(), tx, "no-such-context", "proj")
		return err
	})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("CreateProject() error = %v, want ErrNotFound", err)
	}
}

// TestDeleteItems_CascadesAndClosesGap tests that deleting an item removes
// its task info, detail, membership, and mirror rows, and renumbers the rest.
func TestDeleteItems_CascadesAndClosesGap(t *testing.T) {
	db := testDB(t)

	var ids []string
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		inbox, err := Inbox(context.Background(), tx)
		if err != nil {
			return err
		}
		params := make([]ItemParams, 3)
		for i := range params {
			params[i] = ItemParams{OwnerID: inbox, Summary: fmt.Sprintf("item %d", i), Kind: model.DetailPlugin}
		}
		if ids, err = CreateItems(context.Background(), tx, params); err != nil {
			return err
		}

		target := ids[1]
		if _, err := tx.Exec(
			`INSERT INTO task_info (item_id, controller) VALUES (?, ?)`,
			target, string(model.ControllerManual)); err != nil {
			return err
		}
		if err := UpsertDetail(context.Background(), tx, &model.Detail{ItemID: target, Kind: model.DetailPlugin}); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO lists (id, account_id, name) VALUES ('l1', 'a1', 'list')`); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO list_membership (item_id, list_id, present) VALUES (?, 'l1', 1)`, target); err != nil {
			return err
		}
		return UpsertEntity(context.Background(), tx, &model.Entity{
			Service: "memory", AccountID: "a1", Key: "k1", ItemID: target,
		})
	})
	if err != nil {
		t.Fatalf("failed to seed: %v", err)
	}

	err = db.WithTx(context.Background(), func(tx *sql.Tx) error {
		return DeleteItems(context.Background(), tx, []string{ids[1]})
	})
	if err != nil {
		t.Fatalf("DeleteItems() failed: %v", err)
	}

	for _, check := range []struct {
		table string
		query string
	}{
		{"task_info", `SELECT COUNT(*) FROM task_info WHERE item_id = ?`},
		{"item_details", `SELECT COUNT(*) FROM item_details WHERE item_id = ?`},
		{"list_membership", `SELECT COUNT(*) FROM list_membership WHERE item_id = ?`},
		{"entities", `SELECT COUNT(*) FROM entities WHERE item_id = ?`},
	} {
		var count int
		if err := db.RawDB().QueryRow(check.query, ids[1]).Scan(&count); err != nil {
			t.Fatalf("failed to count %s: %v", check.table, err)
		}
		if count != 0 {
			t.Errorf("%s rows after delete = %d, want 0 (cascade)", check.table, count)
		}
	}

	// Remaining items renumbered to 0, 1.
	var idx0, idx2 int
	if err := db.RawDB().QueryRow(`SELECT idx FROM items WHERE id = ?`, ids[0]).Scan(&idx0); err != nil {
		t.Fatalf("failed to read item: %v", err)
	}
	if err := db.RawDB().QueryRow(`SELECT idx FROM items WHERE id = ?`, ids[2]).Scan(&idx2); err != nil {
		t.Fatalf("failed to read item: %v", err)
	}
	if idx0 != 0 || idx2 != 1 {
		t.Errorf("remaining indices = %d, %d, want 0, 1", idx0, idx2)
	}
}

// TestSetSnoozed_RoundTrip tests the snooze flag without ordering effects.
func TestSetSnoozed_RoundTrip(t *testing.T) {
	db := testDB(t)

	var id string
	until := time.Now().UTC().Add(time.Hour)
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		inbox, err := Inbox(context.Background(), tx)
		if err != nil {
			return err
		}
		ids, err := CreateItems(context.Background(), tx, []ItemParams{
			{OwnerID: inbox, Summary: "nap", Kind: model.DetailNote},
		})
		if err != nil {
			return err
		}
		id = ids[0]
		return SetSnoozed(context.Background(), tx, id, &until)
	})
	if err != nil {
		t.Fatalf("failed to snooze: %v", err)
	}

	item, err := GetItem(context.Background(), db.RawDB(), id)
	if err != nil {
		t.Fatalf("GetItem() failed: %v", err)
	}
	if !item.Snoozed(time.Now()) {
		t.Error("item not snoozed")
	}
	if item.Snoozed(until.Add(time.Minute)) {
		t.Error("item still snoozed after wake time")
	}
	if item.Index != 0 {
		t.Errorf("snooze changed index to %d", item.Index)
	}
}

// TestUpsertEntity_RoundTrip tests the mirror row upsert and lookup.
func TestUpsertEntity_RoundTrip(t *testing.T) {
	db := testDB(t)

	var itemID string
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		inbox, err := Inbox(context.Background(), tx)
		if err != nil {
			return err
		}
		ids, err := CreateItems(context.Background(), tx, []ItemParams{
			{OwnerID: inbox, Summary: "mirrored", Kind: model.DetailPlugin},
		})
		if err != nil {
			return err
		}
		itemID = ids[0]
		return UpsertEntity(context.Background(), tx, &model.Entity{
			Service: "memory", AccountID: "a1", Key: "k1", ItemID: itemID, ContentHash: "h1",
		})
	})
	if err != nil {
		t.Fatalf("failed to seed entity: %v", err)
	}

	e, err := EntityByKey(context.Background(), db.RawDB(), "memory", "a1", "k1")
	if err != nil {
		t.Fatalf("EntityByKey() failed: %v", err)
	}
	if e.ItemID != itemID || e.ContentHash != "h1" {
		t.Errorf("entity = %+v, want item %s hash h1", e, itemID)
	}

	// Upsert with a new hash updates in place.
	err = db.WithTx(context.Background(), func(tx *sql.Tx) error {
		return UpsertEntity(context.Background(), tx, &model.Entity{
			Service: "memory", AccountID: "a1", Key: "k1", ItemID: itemID, ContentHash: "h2",
		})
	})
	if err != nil {
		t.Fatalf("second UpsertEntity() failed: %v", err)
	}
	e, err = EntityByKey(context.Background(), db.RawDB(), "memory", "a1", "k1")
	if err != nil {
		t.Fatalf("EntityByKey() failed: %v", err)
	}
	if e.ContentHash != "h2" {
		t.Errorf("hash after upsert = %q, want h2", e.ContentHash)
	}

	if _, err := EntityByKey(context.Background(), db.RawDB(), "memory", "a1", "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("EntityByKey(missing) error = %v, want ErrNotFound", err)
	}
}

// TestRecordSyncResult_Upserts tests the per-account sync bookkeeping.
func TestRecordSyncResult_Upserts(t *testing.T) {
	db := testDB(t)
	at := time.Now().UTC()

	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		if err := RecordSyncResult(context.Background(), tx, "a1", at, "transient error"); err != nil {
			return err
		}
		return RecordSyncResult(context.Background(), tx, "a1", at.Add(time.Minute), "")
	})
	if err != nil {
		t.Fatalf("RecordSyncResult() failed: %v", err)
	}

	states, err := SyncStates(context.Background(), db.RawDB())
	if err != nil {
		t.Fatalf("SyncStates() failed: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("SyncStates() returned %d rows, want 1", len(states))
	}
	if states[0].LastError != "" {
		t.Errorf("last error = %q, want empty after successful sync", states[0].LastError)
	}
	if states[0].LastSyncAt == nil || !states[0].LastSyncAt.Equal(at.Add(time.Minute)) {
		t.Errorf("last sync at = %v, want %v", states[0].LastSyncAt, at.Add(time.Minute))
	}
}
