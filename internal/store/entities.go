package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tasknest/tasknest/internal/model"
)

// EntitiesForAccount loads every mirror row of one service account, indexed
// by natural key. This is the reconciler's view of "what we already have".
func EntitiesForAccount(ctx context.Context, q Querier, service, accountID string) (map[string]*model.Entity, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT service, account_id, natural_key, item_id, url, content_hash, updated_at
		 FROM entities WHERE service = ? AND account_id = ?`, service, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	entities := make(map[string]*model.Entity)
	for rows.Next() {
		var e model.Entity
		var updatedAt string
		if err := rows.Scan(&e.Service, &e.AccountID, &e.Key, &e.ItemID, &e.URL, &e.ContentHash, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			e.UpdatedAt = t
		}
		entities[e.Key] = &e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return entities, nil
}

// UpsertEntity writes one mirror row keyed by (service, account, natural key).
func UpsertEntity(ctx context.Context, q Querier, e *model.Entity) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO entities (service, account_id, natural_key, item_id, url, content_hash, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(service, account_id, natural_key) DO UPDATE SET
		item_id = excluded.item_id,
		url = excluded.url,
		content_hash = excluded.content_hash,
		updated_at = excluded.updated_at
	`, e.Service, e.AccountID, e.Key, e.ItemID, e.URL, e.ContentHash,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: failed to upsert entity %s/%s: %v", model.ErrPersistence, e.Service, e.Key, err)
	}
	return nil
}

// EntityByKey looks up one mirror row, or ErrNotFound.
func EntityByKey(ctx context.Context, q Querier, service, accountID, key string) (*model.Entity, error) {
	var e model.Entity
	var updatedAt string
	err := q.QueryRowContext(ctx,
		`SELECT service, account_id, natural_key, item_id, url, content_hash, updated_at
		 FROM entities WHERE service = ? AND account_id = ? AND natural_key = ?`,
		service, accountID, key).Scan(&e.Service, &e.AccountID, &e.Key, &e.ItemID, &e.URL, &e.ContentHash, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entity %s/%s", model.ErrNotFound, service, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		e.UpdatedAt = t
	}
	return &e, nil
}

// RecordSyncResult stores the outcome of one account sync for the status
// command. An empty errMsg marks success.
func RecordSyncResult(ctx context.Context, q Querier, accountID string, at time.Time, errMsg string) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO sync_state (account_id, last_sync_at, last_error) VALUES (?, ?, ?)
	ON CONFLICT(account_id) DO UPDATE SET
		last_sync_at = excluded.last_sync_at,
		last_error = excluded.last_error
	`, accountID, at.UTC().Format(time.RFC3339Nano), errMsg)
	if err != nil {
		return fmt.Errorf("%w: failed to record sync result: %v", model.ErrPersistence, err)
	}
	return nil
}

// SyncState is one account's last-sync bookkeeping row.
type SyncState struct {
	AccountID  string
	LastSyncAt *time.Time
	LastError  string
}

// SyncStates returns the bookkeeping rows for all accounts that ever synced.
func SyncStates(ctx context.Context, q Querier) ([]*SyncState, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT account_id, last_sync_at, last_error FROM sync_state ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync state: %w", err)
	}
	defer rows.Close()

	var states []*SyncState
	for rows.Next() {
		var s SyncState
		var at sql.NullString
		if err := rows.Scan(&s.AccountID, &at, &s.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan sync state: %w", err)
		}
		s.LastSyncAt = NullToTime(at)
		states = append(states, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync state: %w", err)
	}
	return states, nil
}
