package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gather-ingest/internal/models"

	"github.com/jackc/pgx/v5"
)

// Batches bigger than this are split per statement; beyond ~1000 rows the
// parameter count stops helping executemany performance.
const artifactBatchLimit = 1000

const artifactColumns = "id, tenant_id, entity, entity_id, ingest_job_id, metadata, content, source_updated_at, indexed_at, last_seen_backfill_id"

// upsertArtifactSQL drops stale writes on the floor: the DO UPDATE only
// fires when the incoming source_updated_at is strictly newer. Ties are a
// no-op, which is what makes concurrent workers and redelivered jobs safe.
const upsertArtifactSQL = `
	INSERT INTO ingest_artifact (id, tenant_id, entity, entity_id, ingest_job_id, metadata, content, source_updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (tenant_id, entity, entity_id) DO UPDATE SET
		ingest_job_id = EXCLUDED.ingest_job_id,
		metadata = EXCLUDED.metadata,
		content = EXCLUDED.content,
		source_updated_at = EXCLUDED.source_updated_at
	WHERE ingest_artifact.source_updated_at < EXCLUDED.source_updated_at`

// forceUpsertArtifactSQL bypasses the monotonic guard for metadata-only
// churn (permission refreshes have no reliable vendor mtime) and stamps the
// backfill id that last observed the row.
const forceUpsertArtifactSQL = `
	INSERT INTO ingest_artifact (id, tenant_id, entity, entity_id, ingest_job_id, metadata, content, source_updated_at, last_seen_backfill_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (tenant_id, entity, entity_id) DO UPDATE SET
		ingest_job_id = EXCLUDED.ingest_job_id,
		metadata = EXCLUDED.metadata,
		content = EXCLUDED.content,
		source_updated_at = EXCLUDED.source_updated_at,
		last_seen_backfill_id = EXCLUDED.last_seen_backfill_id`

// UpsertArtifact writes one artifact under the monotonic rule.
func (r *Repository) UpsertArtifact(ctx context.Context, tenantID string, a models.Artifact) error {
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata for %s/%s: %w", a.EntityKind, a.EntityID, err)
	}
	_, err = r.db.Exec(ctx, upsertArtifactSQL,
		a.ID, tenantID, string(a.EntityKind), a.EntityID, a.IngestJobID, metadata, a.Content, a.SourceUpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert artifact %s/%s: %w", a.EntityKind, a.EntityID, err)
	}
	return nil
}

// UpsertArtifactBatch writes artifacts in chunks of at most 1000 rows,
// pipelined through a pgx batch per chunk.
func (r *Repository) UpsertArtifactBatch(ctx context.Context, tenantID string, artifacts []models.Artifact) error {
	return r.batchExec(ctx, tenantID, artifacts, func(b *pgx.Batch, tenant string, a models.Artifact, metadata []byte) {
		b.Queue(upsertArtifactSQL, a.ID, tenant, string(a.EntityKind), a.EntityID, a.IngestJobID, metadata, a.Content, a.SourceUpdatedAt)
	})
}

// ForceUpsertArtifact overwrites unconditionally.
func (r *Repository) ForceUpsertArtifact(ctx context.Context, tenantID string, a models.Artifact, backfillID string) error {
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata for %s/%s: %w", a.EntityKind, a.EntityID, err)
	}
	var bid *string
	if backfillID != "" {
		bid = &backfillID
	}
	_, err = r.db.Exec(ctx, forceUpsertArtifactSQL,
		a.ID, tenantID, string(a.EntityKind), a.EntityID, a.IngestJobID, metadata, a.Content, a.SourceUpdatedAt, bid)
	if err != nil {
		return fmt.Errorf("force upsert artifact %s/%s: %w", a.EntityKind, a.EntityID, err)
	}
	return nil
}

// ForceUpsertArtifactBatch is the batch variant of ForceUpsertArtifact.
func (r *Repository) ForceUpsertArtifactBatch(ctx context.Context, tenantID string, artifacts []models.Artifact, backfillID string) error {
	var bid *string
	if backfillID != "" {
		bid = &backfillID
	}
	return r.batchExec(ctx, tenantID, artifacts, func(b *pgx.Batch, tenant string, a models.Artifact, metadata []byte) {
		b.Queue(forceUpsertArtifactSQL, a.ID, tenant, string(a.EntityKind), a.EntityID, a.IngestJobID, metadata, a.Content, a.SourceUpdatedAt, bid)
	})
}

func (r *Repository) batchExec(ctx context.Context, tenantID string, artifacts []models.Artifact, queue func(*pgx.Batch, string, models.Artifact, []byte)) error {
	for start := 0; start < len(artifacts); start += artifactBatchLimit {
		end := start + artifactBatchLimit
		if end > len(artifacts) {
			end = len(artifacts)
		}

		batch := &pgx.Batch{}
		for _, a := range artifacts[start:end] {
			metadata, err := json.Marshal(a.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata for %s/%s: %w", a.EntityKind, a.EntityID, err)
			}
			queue(batch, tenantID, a, metadata)
		}

		results := r.db.SendBatch(ctx, batch)
		if err := results.Close(); err != nil {
			return fmt.Errorf("artifact batch write: %w", err)
		}
	}
	return nil
}

// GetArtifactsByEntityIDs returns the artifacts of one kind matching ids,
// dropping excluded entities when applyExclusions is set.
func (r *Repository) GetArtifactsByEntityIDs(ctx context.Context, tenantID string, kind models.EntityKind, ids []string, applyExclusions bool) ([]models.Artifact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+artifactColumns+`
		FROM ingest_artifact
		WHERE tenant_id = $1 AND entity = $2 AND entity_id = ANY($3)`,
		tenantID, string(kind), ids)
	if err != nil {
		return nil, fmt.Errorf("query artifacts by entity ids: %w", err)
	}
	defer rows.Close()

	artifacts, err := scanArtifacts(rows)
	if err != nil {
		return nil, err
	}

	if applyExclusions && r.excluder != nil {
		kept := artifacts[:0]
		for _, a := range artifacts {
			if r.excluder.ShouldExclude(ctx, tenantID, a.EntityID, string(a.EntityKind)) {
				continue
			}
			kept = append(kept, a)
		}
		artifacts = kept
	}
	return artifacts, nil
}

// MetadataFilter is the composable query against artifact metadata. No
// free-form query language: equality uses JSONB containment, AnyOf uses
// array membership, and the range pair compares source_updated_at.
type MetadataFilter struct {
	Equals        map[string]any
	AnyOf         map[string][]string
	UpdatedAfter  *time.Time
	UpdatedBefore *time.Time
}

// buildMetadataQuery renders the filter into a WHERE tail and its args.
// Split out so the SQL shape is unit-testable without a database.
func buildMetadataQuery(f MetadataFilter, startArg int) (string, []any, error) {
	var clauses []string
	var args []any
	arg := startArg

	if len(f.Equals) > 0 {
		containment, err := json.Marshal(f.Equals)
		if err != nil {
			return "", nil, fmt.Errorf("marshal equality filter: %w", err)
		}
		clauses = append(clauses, "metadata @> $"+strconv.Itoa(arg))
		args = append(args, string(containment))
		arg++
	}
	for _, key := range sortedKeys(f.AnyOf) {
		clauses = append(clauses, "metadata->>'"+key+"' = ANY($"+strconv.Itoa(arg)+")")
		args = append(args, f.AnyOf[key])
		arg++
	}
	if f.UpdatedAfter != nil {
		clauses = append(clauses, "source_updated_at > $"+strconv.Itoa(arg))
		args = append(args, *f.UpdatedAfter)
		arg++
	}
	if f.UpdatedBefore != nil {
		clauses = append(clauses, "source_updated_at < $"+strconv.Itoa(arg))
		args = append(args, *f.UpdatedBefore)
		arg++
	}

	if len(clauses) == 0 {
		return "", nil, nil
	}
	return " AND " + strings.Join(clauses, " AND "), args, nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic ordering keeps query plans and tests stable.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// GetArtifactsByMetadata returns the artifacts of one kind matching the
// metadata filter.
func (r *Repository) GetArtifactsByMetadata(ctx context.Context, tenantID string, kind models.EntityKind, f MetadataFilter) ([]models.Artifact, error) {
	tail, args, err := buildMetadataQuery(f, 3)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + artifactColumns + ` FROM ingest_artifact WHERE tenant_id = $1 AND entity = $2` + tail
	rows, err := r.db.Query(ctx, query, append([]any{tenantID, string(kind)}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts by metadata: %w", err)
	}
	defer rows.Close()

	return scanArtifacts(rows)
}

// DeleteArtifactsByEntityIDs removes artifacts by id and reports the count.
func (r *Repository) DeleteArtifactsByEntityIDs(ctx context.Context, tenantID string, kind models.EntityKind, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `
		DELETE FROM ingest_artifact
		WHERE tenant_id = $1 AND entity = $2 AND entity_id = ANY($3)`,
		tenantID, string(kind), ids)
	if err != nil {
		return 0, fmt.Errorf("delete artifacts by entity ids: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteArtifactsByMetadata removes artifacts matching the filter and
// reports the count.
func (r *Repository) DeleteArtifactsByMetadata(ctx context.Context, tenantID string, kind models.EntityKind, f MetadataFilter) (int64, error) {
	tail, args, err := buildMetadataQuery(f, 3)
	if err != nil {
		return 0, err
	}

	query := `DELETE FROM ingest_artifact WHERE tenant_id = $1 AND entity = $2` + tail
	tag, err := r.db.Exec(ctx, query, append([]any{tenantID, string(kind)}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("delete artifacts by metadata: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkArtifactsIndexed stamps indexed_at after the document sink accepted
// the derived documents.
func (r *Repository) MarkArtifactsIndexed(ctx context.Context, tenantID string, kind models.EntityKind, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		UPDATE ingest_artifact SET indexed_at = $4
		WHERE tenant_id = $1 AND entity = $2 AND entity_id = ANY($3)`,
		tenantID, string(kind), ids, at)
	if err != nil {
		return fmt.Errorf("mark artifacts indexed: %w", err)
	}
	return nil
}

func scanArtifacts(rows pgx.Rows) ([]models.Artifact, error) {
	var artifacts []models.Artifact
	for rows.Next() {
		var a models.Artifact
		var kind string
		var metadata []byte
		if err := rows.Scan(&a.ID, new(string), &kind, &a.EntityID, &a.IngestJobID, &metadata, &a.Content, &a.SourceUpdatedAt, &a.IndexedAt, &a.LastSeenBackfillID); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.EntityKind = models.EntityKind(kind)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s/%s: %w", kind, a.EntityID, err)
			}
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
