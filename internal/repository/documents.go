package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"gather-ingest/internal/models"

	"github.com/jackc/pgx/v5"
)

// UpsertDocument writes a derived document and replaces its chunks. The
// chunk ids are deterministic, so rows whose content hash is unchanged keep
// their existing embedding slot.
func (r *Repository) UpsertDocument(ctx context.Context, tenantID string, doc models.Document) error {
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal document metadata: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var tokens any
	if doc.AllowedTokens != nil {
		tokens = doc.AllowedTokens
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO documents (tenant_id, id, source, source_updated_at, permission_policy, permission_allowed_tokens, header, body, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			source_updated_at = EXCLUDED.source_updated_at,
			permission_policy = EXCLUDED.permission_policy,
			permission_allowed_tokens = EXCLUDED.permission_allowed_tokens,
			header = EXCLUDED.header,
			body = EXCLUDED.body,
			metadata = EXCLUDED.metadata,
			updated_at = now()`,
		tenantID, doc.ID, string(doc.Source), doc.SourceUpdatedAt, string(doc.PermissionPolicy), tokens, doc.Header, doc.Body, metadata)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}

	// Remove chunks that no longer exist, then upsert the current set.
	keep := make([]string, 0, len(doc.Chunks))
	for _, c := range doc.Chunks {
		keep = append(keep, c.ID.String())
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM document_chunks
		WHERE tenant_id = $1 AND document_id = $2 AND NOT (id::text = ANY($3))`,
		tenantID, doc.ID, keep); err != nil {
		return fmt.Errorf("prune document chunks %s: %w", doc.ID, err)
	}

	batch := &pgx.Batch{}
	for i, c := range doc.Chunks {
		chunkMeta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO document_chunks (tenant_id, id, document_id, chunk_index, content_hash, content, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (tenant_id, id) DO UPDATE SET
				chunk_index = EXCLUDED.chunk_index,
				content_hash = EXCLUDED.content_hash,
				content = EXCLUDED.content,
				metadata = EXCLUDED.metadata`,
			tenantID, c.ID, doc.ID, i, c.ContentHash, c.Content, chunkMeta)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write document chunks %s: %w", doc.ID, err)
	}

	return tx.Commit(ctx)
}

// DeleteDocument removes a document and its chunks. Returns the number of
// document rows removed (0 or 1).
func (r *Repository) DeleteDocument(ctx context.Context, tenantID, docID string) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM document_chunks WHERE tenant_id = $1 AND document_id = $2`,
		tenantID, docID); err != nil {
		return 0, fmt.Errorf("delete document chunks %s: %w", docID, err)
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM documents WHERE tenant_id = $1 AND id = $2`,
		tenantID, docID)
	if err != nil {
		return 0, fmt.Errorf("delete document %s: %w", docID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
