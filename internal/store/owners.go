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

// DefaultUser is the owner id under which contexts and the inbox live.
// tasknest is a single-user system; the column exists so the hierarchy root
// is ordered like everything else.
const DefaultUser = "user"

// inboxID is the fixed id of the per-user inbox section.
const inboxID = "inbox"

// CreateContext appends a context at the end of the user's order and creates
// its anonymous owner-of-self project at the reserved index.
func CreateContext(ctx context.Context, q Querier, name string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var next int
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM contexts WHERE owner_id = ? AND idx >= 0`,
		DefaultUser).Scan(&next)
	if err != nil {
		return "", fmt.Errorf("failed to compute context index: %w", err)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO contexts (id, owner_id, idx, name, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, DefaultUser, next, name, now)
	if err != nil {
		return "", fmt.Errorf("%w: failed to insert context: %v", model.ErrPersistence, err)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO projects (id, owner_id, idx, name, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), id, model.IndexAnonymous, "", now)
	if err != nil {
		return "", fmt.Errorf("%w: failed to insert anonymous project: %v", model.ErrPersistence, err)
	}

	return id, nil
}

// CreateProject appends a project under a context and creates its anonymous
// owner-of-self section at the reserved index.
func CreateProject(ctx context.Context, q Querier, contextID, name string) (string, error) {
	var exists int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM contexts WHERE id = ?`, contextID).Scan(&exists); err != nil {
		return "", fmt.Errorf("failed to check context: %w", err)
	}
	if exists == 0 {
		return "", fmt.Errorf("%w: context %s", model.ErrNotFound, contextID)
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var next int
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM projects WHERE owner_id = ? AND idx >= 0`,
		contextID).Scan(&next)
	if err != nil {
		return "", fmt.Errorf("failed to compute project index: %w", err)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO projects (id, owner_id, idx, name, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, contextID, next, name, now)
	if err != nil {
		return "", fmt.Errorf("%w: failed to insert project: %v", model.ErrPersistence, err)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO sections (id, owner_id, idx, name, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), id, model.IndexAnonymous, "", now)
	if err != nil {
		return "", fmt.Errorf("%w: failed to insert anonymous section: %v", model.ErrPersistence, err)
	}

	return id, nil
}

// CreateSection appends a section at the end of a project's order.
func CreateSection(ctx context.Context, q Querier, projectID, name string) (string, error) {
	var exists int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE id = ?`, projectID).Scan(&exists); err != nil {
		return "", fmt.Errorf("failed to check project: %w", err)
	}
	if exists == 0 {
		return "", fmt.Errorf("%w: project %s", model.ErrNotFound, projectID)
	}

	id := uuid.NewString()

	var next int
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM sections WHERE owner_id = ? AND idx >= 0`,
		projectID).Scan(&next)
	if err != nil {
		return "", fmt.Errorf("failed to compute section index: %w", err)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO sections (id, owner_id, idx, name, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, projectID, next, name, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("%w: failed to insert section: %v", model.ErrPersistence, err)
	}

	return id, nil
}

// Inbox returns the id of the per-user inbox section, creating it at the
// reserved index on first use.
func Inbox(ctx context.Context, q Querier) (string, error) {
	var id string
	err := q.QueryRowContext(ctx,
		`SELECT id FROM sections WHERE owner_id = ? AND idx = ?`,
		DefaultUser, model.IndexInbox).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to look up inbox: %w", err)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO sections (id, owner_id, idx, name, created_at) VALUES (?, ?, ?, ?, ?)`,
		inboxID, DefaultUser, model.IndexInbox, "Inbox", time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("%w: failed to create inbox: %v", model.ErrPersistence, err)
	}
	return inboxID, nil
}

// AnonymousSection returns the id of a project's owner-of-self section.
// A project without one indicates a creation-path bug.
func AnonymousSection(ctx context.Context, q Querier, projectID string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx,
		`SELECT id FROM sections WHERE owner_id = ? AND idx = ?`,
		projectID, model.IndexAnonymous).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: project %s has no anonymous section", model.ErrInconsistentState, projectID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up anonymous section: %w", err)
	}
	return id, nil
}
