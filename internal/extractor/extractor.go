package extractor

import (
	"context"
	"time"

	"gather-ingest/internal/models"
	"gather-ingest/internal/repository"
)

// secondaryFetchLimit bounds the fan-out when a page of primaries pulls in
// its dependent resources.
const secondaryFetchLimit = 5

// Store is the repository surface extractors persist through.
type Store interface {
	UpsertArtifactBatch(ctx context.Context, tenantID string, artifacts []models.Artifact) error
	ForceUpsertArtifactBatch(ctx context.Context, tenantID string, artifacts []models.Artifact, backfillID string) error
	GetArtifactsByEntityIDs(ctx context.Context, tenantID string, kind models.EntityKind, ids []string, applyExclusions bool) ([]models.Artifact, error)
	DeleteArtifactsByEntityIDs(ctx context.Context, tenantID string, kind models.EntityKind, ids []string) (int64, error)
	DeleteArtifactsByMetadata(ctx context.Context, tenantID string, kind models.EntityKind, f repository.MetadataFilter) (int64, error)

	GetSyncState(ctx context.Context, tenantID, key string) (string, bool, error)
	SetSyncState(ctx context.Context, tenantID, key, value string) error
	DeleteSyncState(ctx context.Context, tenantID, key string) error
	GetSyncStateBool(ctx context.Context, tenantID, key string) (bool, error)
	SetSyncStateBool(ctx context.Context, tenantID, key string, value bool) error
	GetSyncStateTime(ctx context.Context, tenantID, key string) (time.Time, bool, error)
	SetSyncStateTime(ctx context.Context, tenantID, key string, t time.Time) error
}

// Sink receives indexing triggers after every upsert batch and document
// deletes from the pruner.
type Sink interface {
	TriggerIndexing(ctx context.Context, tenantID string, kind models.EntityKind, ids []string, backfillID string, suppressNotification bool) error
	DeleteForEntities(ctx context.Context, tenantID string, kind models.EntityKind, ids []string) error
}

// Job is the per-message envelope every extractor run receives.
type Job struct {
	TenantID   string
	BackfillID string
	// Deadline is the wall-clock budget (process_until). Zero means
	// unbounded. It is checked between pages, never mid-page.
	Deadline             time.Time
	SuppressNotification bool
}

// Expired reports whether the job's time budget has elapsed.
func (j Job) Expired(now time.Time) bool {
	return !j.Deadline.IsZero() && !now.Before(j.Deadline)
}

// Result reports how a run ended. Complete == false means the worker must
// enqueue a continuation message carrying the same backfill id.
type Result struct {
	Complete bool
}

// clock is overridable in tests.
type clock func() time.Time
