package extractor

import (
	"gather-ingest/internal/models"
)

// TaskBatchArtifacts is what one page of primaries expands into after the
// secondary closure fan-out. The caller upserts All() and triggers indexing
// with PrimaryIDs() only.
type TaskBatchArtifacts struct {
	Primary   []models.Artifact
	Secondary []models.Artifact
}

// All concatenates primary and secondary artifacts for a single batch upsert.
func (b TaskBatchArtifacts) All() []models.Artifact {
	out := make([]models.Artifact, 0, len(b.Primary)+len(b.Secondary))
	out = append(out, b.Primary...)
	out = append(out, b.Secondary...)
	return out
}

// PrimaryIDs returns the entity ids of the primary artifacts.
func (b TaskBatchArtifacts) PrimaryIDs() []string {
	ids := make([]string, 0, len(b.Primary))
	for _, a := range b.Primary {
		ids = append(ids, a.EntityID)
	}
	return ids
}

// dedupe returns the ids not yet present in seen, marking them as it goes.
// Batch builders use one seen-set per page so the same project or team is
// fetched once even when many tasks reference it.
func dedupe(seen map[string]struct{}, ids ...string) []string {
	var fresh []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		fresh = append(fresh, id)
	}
	return fresh
}
