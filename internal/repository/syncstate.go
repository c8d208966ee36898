package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Sync state lives in the per-tenant config table as plain strings.
// Key namespacing is <SOURCE>_<MODE>_<SUBJECT>_<SCOPE>:<id>; the namespace
// is the one persistent contract between extractor iterations, so nothing
// here interprets keys.

// GetSyncState returns the raw value for key, with found=false when unset.
func (r *Repository) GetSyncState(ctx context.Context, tenantID, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRow(ctx,
		`SELECT value FROM config WHERE tenant_id = $1 AND key = $2`,
		tenantID, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get sync state %s: %w", key, err)
	}
	return value, true, nil
}

// SetSyncState upserts one key atomically.
func (r *Repository) SetSyncState(ctx context.Context, tenantID, key, value string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO config (tenant_id, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, key) DO UPDATE SET value = EXCLUDED.value`,
		tenantID, key, value)
	if err != nil {
		return fmt.Errorf("set sync state %s: %w", key, err)
	}
	return nil
}

// DeleteSyncState unsets a key. Deleting an absent key is not an error.
func (r *Repository) DeleteSyncState(ctx context.Context, tenantID, key string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM config WHERE tenant_id = $1 AND key = $2`, tenantID, key)
	if err != nil {
		return fmt.Errorf("delete sync state %s: %w", key, err)
	}
	return nil
}

// GetSyncStateBool reads a boolean key; unset reads as false.
func (r *Repository) GetSyncStateBool(ctx context.Context, tenantID, key string) (bool, error) {
	v, ok, err := r.GetSyncState(ctx, tenantID, key)
	if err != nil || !ok {
		return false, err
	}
	return v == "true", nil
}

// SetSyncStateBool writes a boolean key as "true"/"false".
func (r *Repository) SetSyncStateBool(ctx context.Context, tenantID, key string, value bool) error {
	s := "false"
	if value {
		s = "true"
	}
	return r.SetSyncState(ctx, tenantID, key, s)
}

// GetSyncStateTime reads an instant key encoded as RFC3339Nano.
func (r *Repository) GetSyncStateTime(ctx context.Context, tenantID, key string) (time.Time, bool, error) {
	v, ok, err := r.GetSyncState(ctx, tenantID, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, perr := time.Parse(time.RFC3339Nano, v)
	if perr != nil {
		return time.Time{}, false, fmt.Errorf("parse sync state instant %s=%q: %w", key, v, perr)
	}
	return t, true, nil
}

// SetSyncStateTime writes an instant key as RFC3339Nano in UTC.
func (r *Repository) SetSyncStateTime(ctx context.Context, tenantID, key string, t time.Time) error {
	return r.SetSyncState(ctx, tenantID, key, t.UTC().Format(time.RFC3339Nano))
}
