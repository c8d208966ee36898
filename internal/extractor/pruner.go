package extractor

import (
	"context"
	"fmt"

	"gather-ingest/internal/logging"
	"gather-ingest/internal/models"
	"gather-ingest/internal/repository"

	"github.com/rs/zerolog"
)

// descendantFilters maps a primary kind to the secondary kinds it owns and
// the metadata key that links them back.
var descendantFilters = map[models.EntityKind][]struct {
	kind models.EntityKind
	key  string
}{
	models.KindAsanaTask:   {{models.KindAsanaStory, "task_gid"}},
	models.KindClickUpTask: {{models.KindClickUpComment, "task_id"}},
	models.KindPylonIssue:  {{models.KindPylonMessage, "issue_id"}},
}

// Pruner removes upstream-deleted entities: the primary artifacts by id,
// their descendants by metadata filter, and the derived documents. Counts
// are logged, not reconciled; a prune racing an upsert is harmless.
type Pruner struct {
	store Store
	sink  Sink
	log   zerolog.Logger
}

func NewPruner(store Store, sink Sink) *Pruner {
	return &Pruner{store: store, sink: sink, log: logging.WithComponent("pruner")}
}

func (p *Pruner) Prune(ctx context.Context, tenantID string, kind models.EntityKind, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	primaries, err := p.store.DeleteArtifactsByEntityIDs(ctx, tenantID, kind, ids)
	if err != nil {
		return fmt.Errorf("delete primaries: %w", err)
	}

	var descendants int64
	for _, f := range descendantFilters[kind] {
		n, err := p.store.DeleteArtifactsByMetadata(ctx, tenantID, f.kind, repository.MetadataFilter{
			AnyOf: map[string][]string{f.key: ids},
		})
		if err != nil {
			return fmt.Errorf("delete %s descendants: %w", f.kind, err)
		}
		descendants += n
	}

	if err := p.sink.DeleteForEntities(ctx, tenantID, kind, ids); err != nil {
		return err
	}

	p.log.Info().
		Str("tenant_id", tenantID).
		Str("entity", string(kind)).
		Int("requested", len(ids)).
		Int64("primaries", primaries).
		Int64("descendants", descendants).
		Msg("pruned")
	return nil
}
