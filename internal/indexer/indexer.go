package indexer

import (
	"context"
	"fmt"
	"time"

	"gather-ingest/internal/eventbus"
	"gather-ingest/internal/logging"
	"gather-ingest/internal/models"
	"gather-ingest/internal/transform"

	"github.com/rs/zerolog"
)

// DocumentStore is the repository slice the indexer writes through.
type DocumentStore interface {
	GetArtifactsByEntityIDs(ctx context.Context, tenantID string, kind models.EntityKind, ids []string, applyExclusions bool) ([]models.Artifact, error)
	UpsertDocument(ctx context.Context, tenantID string, doc models.Document) error
	DeleteDocument(ctx context.Context, tenantID, docID string) (int64, error)
	MarkArtifactsIndexed(ctx context.Context, tenantID string, kind models.EntityKind, ids []string, at time.Time) error
}

// Indexer turns primary artifacts into documents and pushes them to the
// document store. Extractors call TriggerIndexing with the primary ids they
// touched; the pruner calls DeleteForEntities when upstream records vanish.
type Indexer struct {
	store    DocumentStore
	registry *transform.Registry
	bus      *eventbus.Bus
	log      zerolog.Logger
}

func New(store DocumentStore, registry *transform.Registry) *Indexer {
	return &Indexer{
		store:    store,
		registry: registry,
		log:      logging.WithComponent("indexer"),
	}
}

// SetBus installs the notification bus. Without one, indexing is silent.
func (ix *Indexer) SetBus(b *eventbus.Bus) {
	ix.bus = b
}

func (ix *Indexer) publish(eventType, tenantID, docID string) {
	if ix.bus == nil {
		return
	}
	ix.bus.Publish(eventbus.Event{
		Type:       eventType,
		TenantID:   tenantID,
		DocumentID: docID,
		Timestamp:  time.Now().UTC(),
	})
}

// TriggerIndexing re-derives the documents for a batch of primary artifacts.
// Exclusion rules apply on read, so an excluded primary silently drops out
// of the batch and its document is left as-is. A transform failure on one
// artifact skips it and continues; only artifacts whose documents were
// written get indexed_at stamped. suppressNotification is passed through to
// the sink so bulk backfills do not fan out per-document notifications.
func (ix *Indexer) TriggerIndexing(ctx context.Context, tenantID string, kind models.EntityKind, ids []string, backfillID string, suppressNotification bool) error {
	if len(ids) == 0 {
		return nil
	}

	tr, err := ix.registry.For(kind.Source())
	if err != nil {
		return err
	}

	primaries, err := ix.store.GetArtifactsByEntityIDs(ctx, tenantID, kind, ids, true)
	if err != nil {
		return fmt.Errorf("load primaries: %w", err)
	}

	indexed := make([]string, 0, len(primaries))
	for _, primary := range primaries {
		doc, err := tr.Transform(ctx, tenantID, primary)
		if err != nil {
			ix.log.Error().Err(err).
				Str("tenant_id", tenantID).
				Str("entity", string(kind)).
				Str("entity_id", primary.EntityID).
				Msg("transform failed, skipping artifact")
			continue
		}
		if doc == nil {
			continue
		}
		if err := ix.store.UpsertDocument(ctx, tenantID, *doc); err != nil {
			return fmt.Errorf("upsert document %s: %w", doc.ID, err)
		}
		indexed = append(indexed, primary.EntityID)
		if !suppressNotification {
			ix.publish(eventbus.TypeDocumentIndexed, tenantID, doc.ID)
		}
	}

	if len(indexed) > 0 {
		if err := ix.store.MarkArtifactsIndexed(ctx, tenantID, kind, indexed, time.Now().UTC()); err != nil {
			return fmt.Errorf("mark indexed: %w", err)
		}
	}
	ix.log.Info().
		Str("tenant_id", tenantID).
		Str("entity", string(kind)).
		Str("backfill_id", backfillID).
		Bool("suppress_notification", suppressNotification).
		Int("requested", len(ids)).
		Int("indexed", len(indexed)).
		Msg("indexing pass complete")
	return nil
}

// DeleteForEntities removes the documents derived from the given primaries.
func (ix *Indexer) DeleteForEntities(ctx context.Context, tenantID string, kind models.EntityKind, ids []string) error {
	for _, id := range ids {
		docID := transform.DocumentID(kind, id)
		n, err := ix.store.DeleteDocument(ctx, tenantID, docID)
		if err != nil {
			return fmt.Errorf("delete document %s: %w", docID, err)
		}
		if n > 0 {
			ix.publish(eventbus.TypeDocumentDeleted, tenantID, docID)
			ix.log.Info().Str("tenant_id", tenantID).Str("document_id", docID).Msg("document deleted")
		}
	}
	return nil
}
