package transform

import (
	"context"
	"fmt"

	"gather-ingest/internal/models"
	"gather-ingest/internal/repository"
)

// ArtifactReader is the slice of the repository transformers need to gather
// secondary artifacts around a primary.
type ArtifactReader interface {
	GetArtifactsByEntityIDs(ctx context.Context, tenantID string, kind models.EntityKind, ids []string, applyExclusions bool) ([]models.Artifact, error)
	GetArtifactsByMetadata(ctx context.Context, tenantID string, kind models.EntityKind, f repository.MetadataFilter) ([]models.Artifact, error)
}

// Transformer converts one primary artifact closure into a document.
type Transformer interface {
	Source() models.DocumentSource
	// Transform returns nil with no error when the artifact should simply
	// not produce a document (e.g. a secondary kind slipped in).
	Transform(ctx context.Context, tenantID string, primary models.Artifact) (*models.Document, error)
}

// DocumentID derives the deterministic document id for a primary entity.
// The pruner relies on this to delete the downstream document when the
// upstream record disappears.
func DocumentID(kind models.EntityKind, entityID string) string {
	switch kind {
	case models.KindCustomDataItem:
		// Custom items already carry their "<slug>::<item_id>" shape.
		return entityID
	default:
		return fmt.Sprintf("%s-%s", kind, entityID)
	}
}

// Registry maps sources to their transformers.
type Registry struct {
	bySource map[models.DocumentSource]Transformer
}

func NewRegistry(transformers ...Transformer) *Registry {
	r := &Registry{bySource: map[models.DocumentSource]Transformer{}}
	for _, t := range transformers {
		r.bySource[t.Source()] = t
	}
	return r
}

// For returns the transformer registered for a source.
func (r *Registry) For(source models.DocumentSource) (Transformer, error) {
	t, ok := r.bySource[source]
	if !ok {
		return nil, fmt.Errorf("no transformer registered for source %q", source)
	}
	return t, nil
}
