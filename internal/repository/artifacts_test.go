package repository

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpsertSQLEnforcesStrictMonotonicity(t *testing.T) {
	// A tied source_updated_at must be a no-op; metadata-only churn with an
	// equal timestamp has to go through ForceUpsert instead.
	require.Contains(t, upsertArtifactSQL, "WHERE ingest_artifact.source_updated_at < EXCLUDED.source_updated_at")
	require.NotContains(t, forceUpsertArtifactSQL, "WHERE ingest_artifact.source_updated_at")
	require.Contains(t, forceUpsertArtifactSQL, "last_seen_backfill_id")
}

func TestBuildMetadataQueryEmpty(t *testing.T) {
	tail, args, err := buildMetadataQuery(MetadataFilter{}, 3)
	require.NoError(t, err)
	require.Empty(t, tail)
	require.Empty(t, args)
}

func TestBuildMetadataQueryEquality(t *testing.T) {
	tail, args, err := buildMetadataQuery(MetadataFilter{
		Equals: map[string]any{"workspace_gid": "ws-1"},
	}, 3)
	require.NoError(t, err)
	require.Equal(t, " AND metadata @> $3", tail)
	require.Len(t, args, 1)
	require.JSONEq(t, `{"workspace_gid":"ws-1"}`, args[0].(string))
}

func TestBuildMetadataQueryAnyOfAndRange(t *testing.T) {
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	tail, args, err := buildMetadataQuery(MetadataFilter{
		AnyOf: map[string][]string{
			"task_gid": {"t1", "t2"},
			"list_id":  {"l1"},
		},
		UpdatedAfter:  &after,
		UpdatedBefore: &before,
	}, 3)
	require.NoError(t, err)

	// AnyOf keys render in sorted order so placeholders are stable.
	require.Equal(t,
		" AND metadata->>'list_id' = ANY($3) AND metadata->>'task_gid' = ANY($4) AND source_updated_at > $5 AND source_updated_at < $6",
		tail)
	require.Equal(t, []any{[]string{"l1"}, []string{"t1", "t2"}, after, before}, args)
}

func TestBuildMetadataQueryPlaceholderNumbering(t *testing.T) {
	tail, args, err := buildMetadataQuery(MetadataFilter{
		Equals: map[string]any{"a": 1},
		AnyOf:  map[string][]string{"b": {"x"}},
	}, 7)
	require.NoError(t, err)
	require.True(t, strings.Contains(tail, "$7") && strings.Contains(tail, "$8"))
	require.Len(t, args, 2)
}
