package task_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tasknest/tasknest/internal/listsync"
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

// seedItem creates one inbox item, optionally with a plugin detail.
func seedItem(t *testing.T, db *store.DB, detail *model.Detail) string {
	t.Helper()
	var id string
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		inbox, err := store.Inbox(context.Background(), tx)
		if err != nil {
			return err
		}
		ids, err := store.CreateItems(context.Background(), tx, []store.ItemParams{
			{OwnerID: inbox, Summary: "thing", Kind: model.DetailPlugin, Detail: detail},
		})
		if err != nil {
			return err
		}
		id = ids[0]
		return nil
	})
	if err != nil {
		t.Fatalf("failed to seed item: %v", err)
	}
	return id
}

// addToList puts the item in a list, creating the list as needed.
func addToList(t *testing.T, db *store.DB, listID, itemID string, offset *time.Duration) {
	t.Helper()
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := listsync.UpdateList(context.Background(), tx, &model.List{
			ID: listID, AccountID: "a1", Name: listID, DueOffset: offset,
		}, []string{itemID})
		return err
	})
	if err != nil {
		t.Fatalf("failed to add %s to list %s: %v", itemID, listID, err)
	}
}

// emptyList replaces a list's membership with nothing.
func emptyList(t *testing.T, db *store.DB, listID string) {
	t.Helper()
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := listsync.UpdateList(context.Background(), tx, &model.List{
			ID: listID, AccountID: "a1", Name: listID,
		}, nil)
		return err
	})
	if err != nil {
		t.Fatalf("failed to empty list %s: %v", listID, err)
	}
}

func mustGet(t *testing.T, db *store.DB, itemID string) *model.TaskInfo {
	t.Helper()
	info, err := task.Get(context.Background(), db.RawDB(), itemID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	return info
}

func inTx(t *testing.T, db *store.DB, fn func(tx *sql.Tx) error) error {
	t.Helper()
	return db.WithTx(context.Background(), fn)
}

// TestGet_NotATask tests that items without task info report ErrNotFound.
func TestGet_NotATask(t *testing.T) {
	db := testDB(t)
	id := seedItem(t, db, nil)

	_, err := task.Get(context.Background(), db.RawDB(), id)
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

// TestSetController_PluginRequiresTaskState tests that the Plugin controller
// is refused without a detail reporting task state, leaving task_info absent.
func TestSetController_PluginRequiresTaskState(t *testing.T) {
	db := testDB(t)
	id := seedItem(t, db, &model.Detail{HasTaskState: false})

	err := inTx(t, db, func(tx *sql.Tx) error {
		return task.SetController(context.Background(), tx, id, model.ControllerPlugin)
	})
	if !errors.Is(err, model.ErrUnsupportedController) {
		t.Fatalf("SetController(Plugin) error = %v, want ErrUnsupportedController", err)
	}

	if _, err := task.Get(context.Background(), db.RawDB(), id); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("failed transition wrote task info: Get() error = %v, want ErrNotFound", err)
	}
}

// TestSetController_PluginCopiesDetailState tests that becoming a Plugin
// task adopts the detail's due/done.
func TestSetController_PluginCopiesDetailState(t *testing.T) {
	db := testDB(t)
	due := time.Now().UTC().Add(24 * time.Hour)
	id := seedItem(t, db, &model.Detail{HasTaskState: true, Due: &due})

	err := inTx(t, db, func(tx *sql.Tx) error {
		return task.SetController(context.Background(), tx, id, model.ControllerPlugin)
	})
	if err != nil {
		t.Fatalf("SetController(Plugin) failed: %v", err)
	}

	info := mustGet(t, db, id)
	if info.Controller != model.ControllerPlugin {
		t.Errorf("controller = %q, want plugin", info.Controller)
	}
	if info.Due == nil || !info.Due.Equal(due) {
		t.Errorf("due = %v, want %v", info.Due, due)
	}
	if !info.Open() {
		t.Error("task should be open")
	}
}

// TestSetController_PluginListRequiresHistory tests the ever-listed gate.
func TestSetController_PluginListRequiresHistory(t *testing.T) {
	db := testDB(t)
	id := seedItem(t, db, nil)

	err := inTx(t, db, func(tx *sql.Tx) error {
		return task.SetController(context.Background(), tx, id, model.ControllerPluginList)
	})
	if !errors.Is(err, model.ErrUnsupportedController) {
		t.Fatalf("SetController(PluginList) error = %v, want ErrUnsupportedController", err)
	}

	// Having been listed once is enough, even after leaving the list.
	addToList(t, db, "l1", id, nil)
	emptyList(t, db, "l1")

	err = inTx(t, db, func(tx *sql.Tx) error {
		return task.SetController(context.Background(), tx, id, model.ControllerPluginList)
	})
	if err != nil {
		t.Fatalf("SetController(PluginList) after listing failed: %v", err)
	}

	// Not present anywhere, so the recompute closes it immediately.
	info := mustGet(t, db, id)
	if info.Controller != model.ControllerPluginList {
		t.Errorf("controller = %q, want plugin_list", info.Controller)
	}
	if info.Open() {
		t.Error("task present in no list should be closed")
	}
}

// TestSetController_None removes the task info entirely.
func TestSetController_None(t *testing.T) {
	db := testDB(t)
	id := seedItem(t, db, nil)

	err := inTx(t, db, func(tx *sql.Tx) error {
		if err := task.SetManualDue(context.Background(), tx, id, nil); err != nil {
			return err
		}
		return task.SetController(context.Background(), tx, id, model.ControllerNone)
	})
	if err != nil {
		t.Fatalf("SetController(None) failed: %v", err)
	}

	if _, err := task.Get(context.Background(), db.RawDB(), id); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Get() after clearing = %v, want ErrNotFound", err)
	}
}

// TestSetManualDue_CreatesManualTask tests that pinning a due date on a
// plain item makes it a manual task.
func TestSetManualDue_CreatesManualTask(t *testing.T) {
	db := testDB(t)
	id := seedItem(t, db, nil)
	due := time.Now().UTC().Add(48 * time.Hour)

	err := inTx(t, db, func(tx *sql.Tx) error {
		return task.SetManualDue(context.Background(), tx, id, &due)
	})
	if err != nil {
		t.Fatalf("SetManualDue() failed: %v", err)
	}

	info := mustGet(t, db, id)
	if info.Controller != model.ControllerManual {
		t.Errorf("controller = %q, want manual", info.Controller)
	}
	if info.EffectiveDue() == nil || !info.EffectiveDue().Equal(due) {
		t.Errorf("effective due = %v, want %v", info.EffectiveDue(), due)
	}
}

// TestManualDue_SurvivesControllerSwitch tests that a pinned due date wins
// over the controller-derived one across transitions.
func TestManualDue_SurvivesControllerSwitch(t *testing.T) {
	db := testDB(t)
	detailDue := time.Now().UTC().Add(24 * time.Hour)
	pinned := time.Now().UTC().Add(2 * time.Hour)
	id := seedItem(t, db, &model.Detail{HasTaskState: true, Due: &detailDue})

	err := inTx(t, db, func(tx *sql.Tx) error {
		if err := task.SetManualDue(context.Background(), tx, id, &pinned); err != nil {
			return err
		}
		return task.SetController(context.Background(), tx, id, model.ControllerPlugin)
	})
	if err != nil {
		t.Fatalf("failed to pin and switch: %v", err)
	}

	info := mustGet(t, db, id)
	if info.Controller != model.ControllerPlugin {
		t.Errorf("controller = %q, want plugin", info.Controller)
	}
	if info.Due == nil || !info.Due.Equal(detailDue) {
		t.Errorf("derived due = %v, want %v", info.Due, detailDue)
	}
	if info.EffectiveDue() == nil || !info.EffectiveDue().Equal(pinned) {
		t.Errorf("effective due = %v, want pinned %v", info.EffectiveDue(), pinned)
	}

	// Clearing the pin falls back to the derived due.
	err = inTx(t, db, func(tx *sql.Tx) error {
		return task.SetManualDue(context.Background(), tx, id, nil)
	})
	if err != nil {
		t.Fatalf("failed to clear pin: %v", err)
	}
	info = mustGet(t, db, id)
	if info.EffectiveDue() == nil || !info.EffectiveDue().Equal(detailDue) {
		t.Errorf("effective due after clearing pin = %v, want %v", info.EffectiveDue(), detailDue)
	}
}

// TestSetDone_OnlyManualAndService tests that direct done edits are refused
// when an external authority owns the field.
func TestSetDone_OnlyManualAndService(t *testing.T) {
	db := testDB(t)
	id := seedItem(t, db, &model.Detail{HasTaskState: true})

	err := inTx(t, db, func(tx *sql.Tx) error {
		return task.SetController(context.Background(), tx, id, model.ControllerPlugin)
	})
	if err != nil {
		t.Fatalf("SetController(Plugin) failed: %v", err)
	}

	now := time.Now().UTC()
	err = inTx(t, db, func(tx *sql.Tx) error {
		return task.SetDone(context.Background(), tx, id, &now)
	})
	if !errors.Is(err, model.ErrUnsupportedController) {
		t.Fatalf("SetDone() on plugin task error = %v, want ErrUnsupportedController", err)
	}
	if info := mustGet(t, db, id); !info.Open() {
		t.Error("refused edit still closed the task")
	}

	err = inTx(t, db, func(tx *sql.Tx) error {
		if err := task.SetController(context.Background(), tx, id, model.ControllerService); err != nil {
			return err
		}
		return task.SetDone(context.Background(), tx, id, &now)
	})
	if err != nil {
		t.Fatalf("SetDone() on service task failed: %v", err)
	}
	if info := mustGet(t, db, id); info.Open() {
		t.Error("service task not closed")
	}
}

// TestReconcile_ListAggregation tests that a PluginList task derives its due
// from the earliest present membership and closes when it leaves all lists.
func TestReconcile_ListAggregation(t *testing.T) {
	db := testDB(t)
	id := seedItem(t, db, nil)

	soon := 2 * 24 * time.Hour
	later := 5 * 24 * time.Hour
	addToList(t, db, "l-soon", id, &soon)
	addToList(t, db, "l-later", id, &later)

	err := inTx(t, db, func(tx *sql.Tx) error {
		return task.SetController(context.Background(), tx, id, model.ControllerPluginList)
	})
	if err != nil {
		t.Fatalf("SetController(PluginList) failed: %v", err)
	}

	info := mustGet(t, db, id)
	if !info.Open() {
		t.Fatal("listed task should be open")
	}
	if info.Due == nil {
		t.Fatal("listed task has no due")
	}
	if got := time.Until(*info.Due); got > soon || got < soon-time.Minute {
		t.Errorf("due %v from now, want about %v (earliest list)", got, soon)
	}

	// Leaving the nearer list moves the due out to the remaining one.
	emptyList(t, db, "l-soon")
	err = inTx(t, db, func(tx *sql.Tx) error {
		return task.Reconcile(context.Background(), tx, id)
	})
	if err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}
	info = mustGet(t, db, id)
	if !info.Open() {
		t.Fatal("task still in one list should be open")
	}
	if info.Due == nil {
		t.Fatal("task still in one list has no due")
	}
	if got := time.Until(*info.Due); got > later || got < later-time.Minute {
		t.Errorf("due %v from now, want about %v (remaining list)", got, later)
	}

	// Leaving the last list closes the task the moment the sweep runs.
	emptyList(t, db, "l-later")
	err = inTx(t, db, func(tx *sql.Tx) error {
		return task.Reconcile(context.Background(), tx, id)
	})
	if err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}
	info = mustGet(t, db, id)
	if info.Open() {
		t.Error("task present in no list should be closed")
	}
	if info.Controller != model.ControllerPluginList {
		t.Errorf("controller = %q, want plugin_list (history remains)", info.Controller)
	}
}

// TestReconcile_DemotesUnsupportedPlugin tests that a Plugin task whose
// detail stopped reporting task state is demoted to Manual and closed.
func TestReconcile_DemotesUnsupportedPlugin(t *testing.T) {
	db := testDB(t)
	id := seedItem(t, db, &model.Detail{HasTaskState: true})

	err := inTx(t, db, func(tx *sql.Tx) error {
		return task.SetController(context.Background(), tx, id, model.ControllerPlugin)
	})
	if err != nil {
		t.Fatalf("SetController(Plugin) failed: %v", err)
	}

	err = inTx(t, db, func(tx *sql.Tx) error {
		if err := store.UpsertDetail(context.Background(), tx, &model.Detail{
			ItemID: id, Kind: model.DetailPlugin, HasTaskState: false,
		}); err != nil {
			return err
		}
		// The sweep with no ids covers every externally controlled item.
		return task.Reconcile(context.Background(), tx)
	})
	if err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}

	info := mustGet(t, db, id)
	if info.Controller != model.ControllerManual {
		t.Errorf("controller = %q, want manual after demotion", info.Controller)
	}
	if info.Open() {
		t.Error("demoted task left open")
	}
}

// TestReconcile_Idempotent tests that a second sweep over a settled state
// changes nothing.
func TestReconcile_Idempotent(t *testing.T) {
	db := testDB(t)
	id := seedItem(t, db, nil)
	addToList(t, db, "l1", id, nil)

	err := inTx(t, db, func(tx *sql.Tx) error {
		return task.SetController(context.Background(), tx, id, model.ControllerPluginList)
	})
	if err != nil {
		t.Fatalf("SetController(PluginList) failed: %v", err)
	}

	before := mustGet(t, db, id)
	err = inTx(t, db, func(tx *sql.Tx) error {
		return task.Reconcile(context.Background(), tx)
	})
	if err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}
	after := mustGet(t, db, id)

	if before.Controller != after.Controller || before.Open() != after.Open() {
		t.Errorf("sweep changed settled state: before %+v, after %+v", before, after)
	}
}
