package exclusion

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"gather-ingest/internal/models"

	"github.com/stretchr/testify/require"
)

func TestMatchesGithubFile(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		rule     string
		entityID string
		want     bool
	}{
		{
			name:     "repo and glob match",
			rule:     `{"repository":"repo","file_path":"vendor/*"}`,
			entityID: "org/repo/vendor/x.js",
			want:     true,
		},
		{
			name:     "glob does not cross directories",
			rule:     `{"repository":"repo","file_path":"vendor/*"}`,
			entityID: "org/repo/vendor/deep/x.js",
			want:     false,
		},
		{
			name:     "doublestar crosses directories",
			rule:     `{"file_path":"vendor/**"}`,
			entityID: "org/repo/vendor/deep/x.js",
			want:     true,
		},
		{
			name:     "wrong repository",
			rule:     `{"repository":"other","file_path":"vendor/*"}`,
			entityID: "org/repo/vendor/x.js",
			want:     false,
		},
		{
			name:     "organization literal",
			rule:     `{"organization":"org"}`,
			entityID: "org/repo/src/main.go",
			want:     true,
		},
		{
			name:     "malformed entity id",
			rule:     `{"repository":"repo"}`,
			entityID: "not-a-path",
			want:     false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Matches(models.KindGithubFile, tc.entityID, json.RawMessage(tc.rule))
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestMatchesSlackChannelStripsDateSuffix(t *testing.T) {
	rule := json.RawMessage(`{"channel_id":"C024BE91L"}`)

	got, err := Matches(models.KindSlackChannel, "C024BE91L-2024-03-01", rule)
	require.NoError(t, err)
	require.True(t, got)

	got, err = Matches(models.KindSlackChannel, "C024BE91L", rule)
	require.NoError(t, err)
	require.True(t, got)

	got, err = Matches(models.KindSlackChannel, "C0OTHER", rule)
	require.NoError(t, err)
	require.False(t, got)
}

func TestMatchesLinearIssueGlob(t *testing.T) {
	rule := json.RawMessage(`{"issue_id_pattern":"INFRA-*"}`)

	got, err := Matches(models.KindLinearIssue, "INFRA-142", rule)
	require.NoError(t, err)
	require.True(t, got)

	got, err = Matches(models.KindLinearIssue, "PROD-9", rule)
	require.NoError(t, err)
	require.False(t, got)
}

func TestMatchesUnknownKindPassesThrough(t *testing.T) {
	got, err := Matches(models.KindAsanaTask, "12345", json.RawMessage(`{"anything":"here"}`))
	require.NoError(t, err)
	require.False(t, got)
}

type fakeRuleSource struct {
	rules []models.ExclusionRule
	err   error
	calls int
}

func (f *fakeRuleSource) LoadExclusionRules(_ context.Context, _ string, _ models.EntityKind) ([]models.ExclusionRule, error) {
	f.calls++
	return f.rules, f.err
}

func TestEngineExcludesAndRestores(t *testing.T) {
	src := &fakeRuleSource{rules: []models.ExclusionRule{{
		EntityKind: models.KindGithubFile,
		Rule:       json.RawMessage(`{"repository":"repo","file_path":"vendor/*"}`),
		IsActive:   true,
	}}}
	engine := NewEngine(src)

	require.True(t, engine.ShouldExclude(context.Background(), "t1", "org/repo/vendor/x.js", "github_file"))

	// Disabling the rule (source returns none) restores the artifact once
	// the cache is invalidated.
	src.rules = nil
	engine.Invalidate("t1", models.KindGithubFile)
	require.False(t, engine.ShouldExclude(context.Background(), "t1", "org/repo/vendor/x.js", "github_file"))
}

func TestEngineFailsOpen(t *testing.T) {
	src := &fakeRuleSource{err: errors.New("db down")}
	engine := NewEngine(src)
	require.False(t, engine.ShouldExclude(context.Background(), "t1", "org/repo/vendor/x.js", "github_file"))
}

func TestEngineCachesRules(t *testing.T) {
	src := &fakeRuleSource{}
	engine := NewEngine(src)

	engine.ShouldExclude(context.Background(), "t1", "a", "github_file")
	engine.ShouldExclude(context.Background(), "t1", "b", "github_file")
	require.Equal(t, 1, src.calls)
}

func TestEngineSkipsBrokenRule(t *testing.T) {
	src := &fakeRuleSource{rules: []models.ExclusionRule{
		{EntityKind: models.KindGithubFile, Rule: json.RawMessage(`{broken`), IsActive: true},
		{EntityKind: models.KindGithubFile, Rule: json.RawMessage(`{"repository":"repo"}`), IsActive: true},
	}}
	engine := NewEngine(src)

	// The broken rule fails open; the valid one still matches.
	require.True(t, engine.ShouldExclude(context.Background(), "t1", "org/repo/x", "github_file"))
}
