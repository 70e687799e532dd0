// Package model defines the core tasknest data types shared by the storage,
// ordering, and sync layers.
//
// The hierarchy is context -> project -> section -> item. Every ownership
// relation is an ordered list: rows carry an (OwnerID, Index) pair and, for a
// fixed owner, the live indices are exactly 0..n-1 with no gaps. Two reserved
// negative indices mark synthetic owners that are excluded from renumbering:
//
//	IndexAnonymous (-1): the owner-of-self bucket created with each project
//	IndexInbox     (-2): the per-user inbox bucket
package model

import (
	"fmt"
	"time"
)

// Reserved indices for synthetic ordered rows. Rows at these indices are
// created exactly once per owning entity and never renumbered.
const (
	IndexAnonymous = -1
	IndexInbox     = -2
)

// Controller identifies which authority owns an item's due/done state.
type Controller string

const (
	// ControllerNone means the item carries no task info at all.
	ControllerNone Controller = ""

	// ControllerManual: due/done are only mutated by direct user edits.
	ControllerManual Controller = "manual"

	// ControllerPlugin: due/done mirror the item's plugin detail.
	ControllerPlugin Controller = "plugin"

	// ControllerPluginList: done/due are derived from the aggregate of the
	// item's saved-list memberships.
	ControllerPluginList Controller = "plugin_list"

	// ControllerService: the item originated from a remote record that
	// represents a task but reports no done semantics of its own.
	ControllerService Controller = "service"
)

// Valid reports whether c is a known controller value.
func (c Controller) Valid() bool {
	switch c {
	case ControllerNone, ControllerManual, ControllerPlugin, ControllerPluginList, ControllerService:
		return true
	}
	return false
}

// DetailKind tags the type-specific detail row attached to an item.
type DetailKind string

const (
	DetailNote   DetailKind = "note"
	DetailLink   DetailKind = "link"
	DetailFile   DetailKind = "file"
	DetailPlugin DetailKind = "plugin"
)

// Context is the top of the ownership hierarchy. Contexts are ordered under
// a user id.
type Context struct {
	ID        string
	OwnerID   string // user id
	Index     int
	Name      string
	CreatedAt time.Time
}

// Project holds an ordered list of sections and is itself ordered under a
// context.
type Project struct {
	ID        string
	OwnerID   string // context id
	Index     int
	Name      string
	CreatedAt time.Time
}

// Section holds an ordered list of items and is itself ordered under a
// project. The anonymous section of a project sits at IndexAnonymous; the
// user inbox sits at IndexInbox.
type Section struct {
	ID        string
	OwnerID   string // project id (or user id for the inbox)
	Index     int
	Name      string
	CreatedAt time.Time
}

// Item is a single tracked thing: a note, a link, a file reference, or a
// mirror of a remote tracker record. Archived and SnoozedUntil are orthogonal
// flags that never affect the item's position in its section.
type Item struct {
	ID           string
	OwnerID      string // section id
	Index        int
	Summary      string
	Kind         DetailKind
	CreatedAt    time.Time
	Archived     bool
	SnoozedUntil *time.Time
}

// Snoozed reports whether the item is hidden until a future wake time.
func (it *Item) Snoozed(now time.Time) bool {
	return it.SnoozedUntil != nil && it.SnoozedUntil.After(now)
}

// TaskInfo is the optional one-to-one task state of an item. Absence means
// the item is not a task.
//
// ManualDue is tracked separately from the effective Due: a manually pinned
// due date survives controller switches, and the effective due always
// resolves to ManualDue when present, else the controller-derived value.
type TaskInfo struct {
	ItemID     string
	Controller Controller
	Due        *time.Time
	Done       *time.Time
	ManualDue  *time.Time
}

// EffectiveDue resolves the due date the user should see.
func (t *TaskInfo) EffectiveDue() *time.Time {
	if t.ManualDue != nil {
		return t.ManualDue
	}
	return t.Due
}

// Open reports whether the task is still pending.
func (t *TaskInfo) Open() bool {
	return t.Done == nil
}

// Detail is the type-specific row attached to an item, keyed by the item's
// Kind. Plugin details may carry task state reported by the remote record;
// HasTaskState gates the Plugin controller.
type Detail struct {
	ItemID       string
	Kind         DetailKind
	Body         string // note text
	URL          string // link target or remote record URL
	Path         string // file path
	HasTaskState bool
	Due          *time.Time
	Done         *time.Time
}

// List is the local metadata for one external saved list (a saved search,
// label, folder) of one account. DueOffset, when set, stamps newly added
// members with a due date of now()+DueOffset.
type List struct {
	ID        string
	AccountID string
	Name      string
	URL       string
	DueOffset *time.Duration
}

// Membership records whether an item currently matches a list's results.
// Rows are never deleted when an item leaves a list; Present flips to false
// so "was this item ever listed" stays queryable.
type Membership struct {
	ItemID  string
	ListID  string
	Present bool
	Due     *time.Time
}

// Entity is the local mirror row for one remote record of one external
// service. Identity across syncs is the natural key derived from immutable
// remote fields, never the local item id.
type Entity struct {
	Service     string
	AccountID   string
	Key         string
	ItemID      string
	URL         string
	ContentHash string
	UpdatedAt   time.Time
}

// Validate checks the fields every item must carry.
func (it *Item) Validate() error {
	if it.ID == "" {
		return fmt.Errorf("item id is required")
	}
	if it.OwnerID == "" {
		return fmt.Errorf("item owner is required")
	}
	if it.Summary == "" {
		return fmt.Errorf("item summary is required")
	}
	switch it.Kind {
	case DetailNote, DetailLink, DetailFile, DetailPlugin:
	default:
		return fmt.Errorf("unknown item kind %q", it.Kind)
	}
	return nil
}
