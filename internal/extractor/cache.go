package extractor

import (
	"sync"

	"gather-ingest/internal/models"
)

// MemoryArtifactCache dedupes secondary fetches within one backfill run.
// Projects, teams and accounts recur across pages; fetching them once per
// run keeps the request budget for the records that actually changed.
type MemoryArtifactCache struct {
	mu   sync.Mutex
	byID map[cacheKey]models.Artifact
}

type cacheKey struct {
	kind models.EntityKind
	id   string
}

func NewMemoryArtifactCache() *MemoryArtifactCache {
	return &MemoryArtifactCache{byID: map[cacheKey]models.Artifact{}}
}

// Get returns the cached artifact for (kind, id).
func (c *MemoryArtifactCache) Get(kind models.EntityKind, id string) (models.Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.byID[cacheKey{kind, id}]
	return a, ok
}

// GetByEntityIDs mirrors the repository read: it returns the cached subset
// of ids, in input order.
func (c *MemoryArtifactCache) GetByEntityIDs(kind models.EntityKind, ids []string) []models.Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Artifact, 0, len(ids))
	for _, id := range ids {
		if a, ok := c.byID[cacheKey{kind, id}]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Put stores an artifact for the remainder of the run.
func (c *MemoryArtifactCache) Put(a models.Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[cacheKey{a.EntityKind, a.EntityID}] = a
}

// Has reports whether (kind, id) was already fetched this run.
func (c *MemoryArtifactCache) Has(kind models.EntityKind, id string) bool {
	_, ok := c.Get(kind, id)
	return ok
}
