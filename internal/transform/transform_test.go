package transform

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gather-ingest/internal/models"
	"gather-ingest/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// fakeReader serves artifacts from memory, honoring the Equals and AnyOf
// metadata filters the transformers actually use.
type fakeReader struct {
	artifacts []models.Artifact
}

func (f *fakeReader) add(t *testing.T, kind models.EntityKind, entityID string, content any, metadata map[string]any) {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	f.artifacts = append(f.artifacts, models.NewArtifact(kind, entityID, uuid.New(), time.Now(), raw, metadata))
}

func (f *fakeReader) GetArtifactsByEntityIDs(_ context.Context, _ string, kind models.EntityKind, ids []string, _ bool) ([]models.Artifact, error) {
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []models.Artifact
	for _, a := range f.artifacts {
		if a.EntityKind == kind && want[a.EntityID] {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeReader) GetArtifactsByMetadata(_ context.Context, _ string, kind models.EntityKind, filter repository.MetadataFilter) ([]models.Artifact, error) {
	var out []models.Artifact
next:
	for _, a := range f.artifacts {
		if a.EntityKind != kind {
			continue
		}
		for k, v := range filter.Equals {
			if a.Metadata[k] != v {
				continue next
			}
		}
		for k, vals := range filter.AnyOf {
			hit := false
			for _, v := range vals {
				if a.Metadata[k] == v {
					hit = true
				}
			}
			if !hit {
				continue next
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func primaryArtifact(t *testing.T, kind models.EntityKind, entityID string, content any, metadata map[string]any) models.Artifact {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	return models.NewArtifact(kind, entityID, uuid.New(), time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), raw, metadata)
}

func TestAsanaTransformPublicProject(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{}
	reader.add(t, models.KindAsanaProject, "p1", map[string]any{
		"gid": "p1", "name": "Roadmap", "privacy_setting": "public_to_workspace",
	}, map[string]any{"project_gid": "p1"})

	task := map[string]any{
		"gid": "t1", "name": "Ship it", "notes": "the plan",
		"modified_at": "2024-03-01T12:00:00Z", "created_at": "2024-02-01T00:00:00Z",
		"projects": []map[string]any{{"gid": "p1"}},
	}
	primary := primaryArtifact(t, models.KindAsanaTask, "t1", task, map[string]any{"workspace_gid": "ws1"})

	doc, err := NewAsanaTransformer(reader).Transform(context.Background(), "tenant1", primary)
	require.NoError(t, err)
	require.NotNil(t, doc)

	require.Equal(t, "asana_task-t1", doc.ID)
	require.Equal(t, models.PolicyTenant, doc.PermissionPolicy)
	require.Nil(t, doc.AllowedTokens)
	require.Contains(t, doc.Header, "Title: Ship it")
	require.Contains(t, doc.Header, "Projects: Roadmap")
	require.Contains(t, doc.Body, "the plan")
	require.NotEmpty(t, doc.Chunks)
}

func TestAsanaTransformPrivateUnionsPrincipals(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{}
	reader.add(t, models.KindAsanaProject, "p1", map[string]any{
		"gid": "p1", "name": "Secret", "privacy_setting": "private_to_team",
		"team": map[string]any{"gid": "team1"},
	}, map[string]any{"project_gid": "p1"})
	reader.add(t, models.KindAsanaTeam, "team1", map[string]any{
		"gid": "team1", "name": "Core", "visibility": "secret",
	}, map[string]any{"team_gid": "team1"})
	reader.add(t, models.KindAsanaProjectMembership, "m1", map[string]any{
		"gid": "m1", "user": map[string]any{"gid": "u3", "email": "member@example.com"},
		"parent": map[string]any{"gid": "p1"},
	}, map[string]any{"project_gid": "p1"})
	reader.add(t, models.KindAsanaUser, "u4", map[string]any{
		"gid": "u4", "email": "teammate@example.com",
	}, map[string]any{"team_gid": "team1"})
	reader.add(t, models.KindAsanaStory, "s1", map[string]any{
		"gid": "s1", "text": "looks good", "resource_subtype": "comment_added",
		"created_at": "2024-02-15T10:00:00Z",
		"created_by": map[string]any{"gid": "u1", "name": "Ana"},
	}, map[string]any{"task_gid": "t1"})

	task := map[string]any{
		"gid": "t1", "name": "Ship it",
		"modified_at": "2024-03-01T12:00:00Z", "created_at": "2024-02-01T00:00:00Z",
		"assignee":  map[string]any{"gid": "u2", "email": "Assignee@Example.com"},
		"followers": []map[string]any{{"gid": "u1", "email": "follower@example.com"}},
		"projects":  []map[string]any{{"gid": "p1"}},
	}
	primary := primaryArtifact(t, models.KindAsanaTask, "t1", task, map[string]any{"workspace_gid": "ws1"})

	doc, err := NewAsanaTransformer(reader).Transform(context.Background(), "tenant1", primary)
	require.NoError(t, err)

	require.Equal(t, models.PolicyPrivate, doc.PermissionPolicy)
	require.Equal(t, []string{
		"email:assignee@example.com",
		"email:follower@example.com",
		"email:member@example.com",
		"email:teammate@example.com",
	}, doc.AllowedTokens)
	require.Contains(t, doc.Body, "looks good")
}

func TestAsanaTransformSkipsSecondaryKinds(t *testing.T) {
	t.Parallel()

	primary := primaryArtifact(t, models.KindAsanaStory, "s1", map[string]any{"gid": "s1"}, nil)
	doc, err := NewAsanaTransformer(&fakeReader{}).Transform(context.Background(), "tenant1", primary)
	require.NoError(t, err)
	require.Nil(t, doc)
}

func TestClickUpTransformPrivateSpace(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{}
	reader.add(t, models.KindClickUpSpace, "sp1", map[string]any{
		"id": "sp1", "private": true,
	}, map[string]any{"space_id": "sp1"})
	reader.add(t, models.KindClickUpListMember, "sp1-l1-9", map[string]any{
		"id": 9, "username": "mem", "email": "member@example.com",
	}, map[string]any{"list_id": "l1"})
	reader.add(t, models.KindClickUpComment, "c1", map[string]any{
		"id": "c1", "comment_text": "done", "date": "1709290800000",
		"user": map[string]any{"id": 9, "username": "mem"},
	}, map[string]any{"task_id": "task1"})

	task := map[string]any{
		"id": "task1", "name": "Fix bug", "description": "repro steps",
		"date_created": "1706745600000", "date_updated": "1709290800000",
		"status":    map[string]any{"status": "in progress"},
		"assignees": []map[string]any{{"id": 7, "username": "dev", "email": "dev@example.com"}},
		"list":      map[string]any{"id": "l1", "name": "Sprint"},
		"space":     map[string]any{"id": "sp1"},
	}
	primary := primaryArtifact(t, models.KindClickUpTask, "task1", task, map[string]any{"workspace_id": "w1"})

	doc, err := NewClickUpTransformer(reader).Transform(context.Background(), "tenant1", primary)
	require.NoError(t, err)

	require.Equal(t, "clickup_task-task1", doc.ID)
	require.Equal(t, models.PolicyPrivate, doc.PermissionPolicy)
	require.Equal(t, []string{"email:dev@example.com", "email:member@example.com"}, doc.AllowedTokens)
	require.Contains(t, doc.Header, "Status: in progress")
	require.Contains(t, doc.Body, "repro steps")
	require.Contains(t, doc.Body, "done")
}

func TestClickUpTransformPublicSpace(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{}
	reader.add(t, models.KindClickUpSpace, "sp1", map[string]any{
		"id": "sp1", "private": false,
	}, map[string]any{"space_id": "sp1"})

	task := map[string]any{
		"id": "task1", "name": "Fix bug",
		"date_created": "1706745600000", "date_updated": "1709290800000",
		"list":  map[string]any{"id": "l1"},
		"space": map[string]any{"id": "sp1"},
	}
	primary := primaryArtifact(t, models.KindClickUpTask, "task1", task, nil)

	doc, err := NewClickUpTransformer(reader).Transform(context.Background(), "tenant1", primary)
	require.NoError(t, err)
	require.Equal(t, models.PolicyTenant, doc.PermissionPolicy)
	require.Nil(t, doc.AllowedTokens)
}

func TestPylonTransformPrivateThread(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{}
	reader.add(t, models.KindPylonMessage, "m2", map[string]any{
		"id": "m2", "body_html": "<p>We shipped a fix.</p>",
		"author":    map[string]any{"id": "agent1", "name": "Agent", "email": "agent@example.com"},
		"timestamp": "2024-03-01T11:00:00Z",
	}, map[string]any{"issue_id": "iss1"})
	reader.add(t, models.KindPylonMessage, "m1", map[string]any{
		"id": "m1", "body_html": "Still broken",
		"author":    map[string]any{"id": "cust1", "email": "customer@example.com"},
		"timestamp": "2024-03-01T10:00:00Z",
	}, map[string]any{"issue_id": "iss1"})

	issue := map[string]any{
		"id": "iss1", "title": "Login fails", "state": "open",
		"body_html":   "<p>Cannot log in &amp; reset</p>",
		"created_at":  "2024-02-28T09:00:00Z",
		"modified_at": "2024-03-01T11:00:00Z",
		"requester":   map[string]any{"id": "cust1", "email": "customer@example.com"},
		"assignee":    map[string]any{"id": "agent1", "email": "agent@example.com"},
		"account":     map[string]any{"id": "acct1"},
	}
	primary := primaryArtifact(t, models.KindPylonIssue, "iss1", issue, nil)

	doc, err := NewPylonTransformer(reader).Transform(context.Background(), "tenant1", primary)
	require.NoError(t, err)

	require.Equal(t, "pylon_issue-iss1", doc.ID)
	require.Equal(t, models.PolicyPrivate, doc.PermissionPolicy)
	require.Equal(t, []string{"email:agent@example.com", "email:customer@example.com"}, doc.AllowedTokens)
	require.Equal(t, "acct1", doc.Metadata["account_id"])

	// HTML stripped, messages chronological.
	require.Contains(t, doc.Body, "Cannot log in & reset")
	require.NotContains(t, doc.Body, "<p>")
	require.Less(t, strings.Index(doc.Body, "Still broken"), strings.Index(doc.Body, "We shipped a fix."))
}

func TestCustomTransform(t *testing.T) {
	t.Parallel()

	item := models.CustomDocument{
		ItemID:       "item-9",
		Name:         "Runbook",
		Description:  "on-call notes",
		Content:      "step one: breathe",
		CustomFields: map[string]any{"team": "infra"},
	}
	primary := primaryArtifact(t, models.KindCustomDataItem, "runbooks::item-9", item, map[string]any{"slug": "runbooks"})

	doc, err := NewCustomTransformer().Transform(context.Background(), "tenant1", primary)
	require.NoError(t, err)

	// Custom ids pass through the repository key unchanged.
	require.Equal(t, "runbooks::item-9", doc.ID)
	require.Equal(t, models.PolicyTenant, doc.PermissionPolicy)
	require.Contains(t, doc.Header, "Title: Runbook")
	require.Contains(t, doc.Header, "team: infra")
	require.Contains(t, doc.Body, "step one: breathe")
}

func TestRegistryDispatch(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(NewAsanaTransformer(&fakeReader{}), NewCustomTransformer())

	tr, err := reg.For(models.SourceAsana)
	require.NoError(t, err)
	require.Equal(t, models.SourceAsana, tr.Source())

	_, err = reg.For(models.SourcePylon)
	require.Error(t, err)
}
