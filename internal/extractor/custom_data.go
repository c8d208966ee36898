package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gather-ingest/internal/logging"
	"gather-ingest/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CustomData is the push-style extractor: the documents arrive inline on the
// queue message, so there are no outbound API calls to make.
type CustomData struct {
	store Store
	sink  Sink
	now   clock
	log   zerolog.Logger
}

func NewCustomData(store Store, sink Sink, tenantID string) *CustomData {
	return &CustomData{
		store: store,
		sink:  sink,
		now:   time.Now,
		log:   logging.WithTenant("custom-data-extractor", tenantID),
	}
}

// Ingest builds one artifact per inline document, keyed "<slug>::<item_id>",
// and triggers indexing for the whole batch.
func (c *CustomData) Ingest(ctx context.Context, job Job, slug string, documents []models.CustomDocument) (Result, error) {
	if slug == "" {
		return Result{}, fmt.Errorf("custom data ingest requires a slug")
	}
	if len(documents) == 0 {
		return Result{Complete: true}, nil
	}

	jobID := uuid.New()
	now := c.now().UTC()
	artifacts := make([]models.Artifact, 0, len(documents))
	for _, d := range documents {
		if d.ItemID == "" {
			return Result{}, fmt.Errorf("custom document in slug %q has no item_id", slug)
		}
		raw, err := json.Marshal(d)
		if err != nil {
			return Result{}, err
		}
		artifacts = append(artifacts, models.NewArtifact(models.KindCustomDataItem, slug+"::"+d.ItemID, jobID, now, raw,
			map[string]any{"slug": slug, "item_id": d.ItemID}))
	}

	if err := c.store.UpsertArtifactBatch(ctx, job.TenantID, artifacts); err != nil {
		return Result{}, fmt.Errorf("upsert custom documents: %w", err)
	}

	ids := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		ids = append(ids, a.EntityID)
	}
	if err := c.sink.TriggerIndexing(ctx, job.TenantID, models.KindCustomDataItem, ids, job.BackfillID, job.SuppressNotification); err != nil {
		return Result{}, err
	}

	c.log.Info().Str("slug", slug).Int("documents", len(documents)).Msg("custom data ingested")
	return Result{Complete: true}, nil
}
