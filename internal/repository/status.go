package repository

import (
	"context"
	"fmt"
)

// ListSyncState dumps every sync-state key for one tenant. The status API
// surfaces this as the per-scope watermark/completion view.
func (r *Repository) ListSyncState(ctx context.Context, tenantID string) (map[string]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT key, value FROM config WHERE tenant_id = $1 ORDER BY key`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list sync state: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan sync state: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// CountArtifactsByKind returns per-entity-kind artifact counts for one
// tenant.
func (r *Repository) CountArtifactsByKind(ctx context.Context, tenantID string) (map[string]int64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT entity, count(*)
		FROM ingest_artifact
		WHERE tenant_id = $1
		GROUP BY entity`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("count artifacts: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan artifact count: %w", err)
		}
		out[kind] = n
	}
	return out, rows.Err()
}
