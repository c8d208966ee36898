package extractor

import (
	"context"
	"sync"
	"time"

	"gather-ingest/internal/models"
	"gather-ingest/internal/repository"
)

// fakeStore keeps sync state and artifacts in memory and records every
// write so tests can assert ordering and content.
type fakeStore struct {
	mu        sync.Mutex
	state     map[string]string
	artifacts map[string]models.Artifact // kind+"/"+id
	upserts   [][]models.Artifact
	forced    [][]models.Artifact
	forcedBF  []string
	deleted   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		state:     map[string]string{},
		artifacts: map[string]models.Artifact{},
	}
}

func artKey(kind models.EntityKind, id string) string { return string(kind) + "/" + id }

func (s *fakeStore) UpsertArtifactBatch(_ context.Context, _ string, artifacts []models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, artifacts)
	for _, a := range artifacts {
		key := artKey(a.EntityKind, a.EntityID)
		if prev, ok := s.artifacts[key]; ok && !prev.SourceUpdatedAt.Before(a.SourceUpdatedAt) {
			continue
		}
		s.artifacts[key] = a
	}
	return nil
}

func (s *fakeStore) ForceUpsertArtifactBatch(_ context.Context, _ string, artifacts []models.Artifact, backfillID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = append(s.forced, artifacts)
	s.forcedBF = append(s.forcedBF, backfillID)
	for i := range artifacts {
		a := artifacts[i]
		bf := backfillID
		a.LastSeenBackfillID = &bf
		s.artifacts[artKey(a.EntityKind, a.EntityID)] = a
	}
	return nil
}

func (s *fakeStore) GetArtifactsByEntityIDs(_ context.Context, _ string, kind models.EntityKind, ids []string, _ bool) ([]models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Artifact
	for _, id := range ids {
		if a, ok := s.artifacts[artKey(kind, id)]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteArtifactsByEntityIDs(_ context.Context, _ string, kind models.EntityKind, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		key := artKey(kind, id)
		if _, ok := s.artifacts[key]; ok {
			delete(s.artifacts, key)
			n++
		}
		s.deleted = append(s.deleted, key)
	}
	return n, nil
}

func (s *fakeStore) DeleteArtifactsByMetadata(_ context.Context, _ string, kind models.EntityKind, f repository.MetadataFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, a := range s.artifacts {
		if a.EntityKind != kind {
			continue
		}
		match := true
		for k, v := range f.Equals {
			if a.Metadata[k] != v {
				match = false
			}
		}
		for k, vals := range f.AnyOf {
			hit := false
			for _, v := range vals {
				if a.Metadata[k] == v {
					hit = true
				}
			}
			if !hit {
				match = false
			}
		}
		if match {
			delete(s.artifacts, key)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) GetSyncState(_ context.Context, _ string, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[key]
	return v, ok, nil
}

func (s *fakeStore) SetSyncState(_ context.Context, _ string, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = value
	return nil
}

func (s *fakeStore) DeleteSyncState(_ context.Context, _ string, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, key)
	return nil
}

func (s *fakeStore) GetSyncStateBool(_ context.Context, _ string, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[key] == "true", nil
}

func (s *fakeStore) SetSyncStateBool(_ context.Context, _ string, key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value {
		s.state[key] = "true"
	} else {
		s.state[key] = "false"
	}
	return nil
}

func (s *fakeStore) GetSyncStateTime(_ context.Context, _ string, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[key]
	if !ok {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	return t, err == nil, err
}

func (s *fakeStore) SetSyncStateTime(_ context.Context, _ string, key string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = t.UTC().Format(time.RFC3339Nano)
	return nil
}

func (s *fakeStore) totalUpserted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, batch := range s.upserts {
		n += len(batch)
	}
	return n
}

func (s *fakeStore) artifactIDs(kind models.EntityKind) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, a := range s.artifacts {
		if a.EntityKind == kind {
			ids = append(ids, a.EntityID)
		}
	}
	return ids
}

// fakeSink records indexing triggers and document deletes.
type fakeSink struct {
	mu       sync.Mutex
	triggers []sinkCall
	deletes  []sinkCall
}

type sinkCall struct {
	tenantID   string
	kind       models.EntityKind
	ids        []string
	backfillID string
	suppress   bool
}

func (s *fakeSink) TriggerIndexing(_ context.Context, tenantID string, kind models.EntityKind, ids []string, backfillID string, suppress bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, sinkCall{tenantID, kind, append([]string(nil), ids...), backfillID, suppress})
	return nil
}

func (s *fakeSink) DeleteForEntities(_ context.Context, tenantID string, kind models.EntityKind, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, sinkCall{tenantID: tenantID, kind: kind, ids: append([]string(nil), ids...)})
	return nil
}

func (s *fakeSink) triggeredIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.triggers {
		out = append(out, c.ids...)
	}
	return out
}
