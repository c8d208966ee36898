package transform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gather-ingest/internal/models"
	"gather-ingest/internal/repository"
	"gather-ingest/internal/sourceclient"
)

// ClickUpTransformer builds task documents from a clickup_task artifact,
// its comments, and the list-membership closure that carries permissions.
type ClickUpTransformer struct {
	reader ArtifactReader
}

func NewClickUpTransformer(reader ArtifactReader) *ClickUpTransformer {
	return &ClickUpTransformer{reader: reader}
}

func (t *ClickUpTransformer) Source() models.DocumentSource {
	return models.SourceClickUp
}

func (t *ClickUpTransformer) Transform(ctx context.Context, tenantID string, primary models.Artifact) (*models.Document, error) {
	if primary.EntityKind != models.KindClickUpTask {
		return nil, nil
	}

	var task sourceclient.ClickUpTask
	if err := primary.DecodeContent(&task); err != nil {
		return nil, fmt.Errorf("decode clickup task %s: %w", primary.EntityID, err)
	}

	comments, err := t.loadComments(ctx, tenantID, task.ID)
	if err != nil {
		return nil, err
	}

	policy, tokens, err := t.derivePermissions(ctx, tenantID, task)
	if err != nil {
		return nil, fmt.Errorf("derive permissions for task %s: %w", task.ID, err)
	}

	doc := &models.Document{
		ID:               DocumentID(models.KindClickUpTask, task.ID),
		Source:           models.SourceClickUp,
		SourceUpdatedAt:  primary.SourceUpdatedAt,
		PermissionPolicy: policy,
		AllowedTokens:    tokens,
		Header:           clickupHeader(task),
		Body:             clickupBody(task, comments),
		Metadata: map[string]any{
			"task_id":      task.ID,
			"list_id":      task.List.ID,
			"workspace_id": primary.MetadataString("workspace_id"),
		},
	}
	BuildChunks(doc)
	return doc, nil
}

func (t *ClickUpTransformer) loadComments(ctx context.Context, tenantID, taskID string) ([]sourceclient.ClickUpComment, error) {
	artifacts, err := t.reader.GetArtifactsByMetadata(ctx, tenantID, models.KindClickUpComment, repository.MetadataFilter{
		Equals: map[string]any{"task_id": taskID},
	})
	if err != nil {
		return nil, fmt.Errorf("load comments for task %s: %w", taskID, err)
	}

	comments := make([]sourceclient.ClickUpComment, 0, len(artifacts))
	for _, a := range artifacts {
		var c sourceclient.ClickUpComment
		if err := a.DecodeContent(&c); err != nil {
			return nil, fmt.Errorf("decode comment %s: %w", a.EntityID, err)
		}
		comments = append(comments, c)
	}
	// ClickUp renders comment threads newest first; match it.
	sort.Slice(comments, func(i, j int) bool { return comments[i].Date.After(comments[j].Date.Time) })
	return comments, nil
}

// derivePermissions: a task in a non-private space is tenant-visible.
// Otherwise it is private to the union of list members and assignees,
// sourced from the force-upserted clickup_list_member artifacts.
func (t *ClickUpTransformer) derivePermissions(ctx context.Context, tenantID string, task sourceclient.ClickUpTask) (models.PermissionPolicy, []string, error) {
	if task.Space.ID != "" {
		spaces, err := t.reader.GetArtifactsByEntityIDs(ctx, tenantID, models.KindClickUpSpace, []string{task.Space.ID}, true)
		if err != nil {
			return "", nil, fmt.Errorf("load space %s: %w", task.Space.ID, err)
		}
		for _, a := range spaces {
			var space sourceclient.ClickUpSpace
			if err := a.DecodeContent(&space); err != nil {
				return "", nil, fmt.Errorf("decode space %s: %w", a.EntityID, err)
			}
			if !space.Private {
				return ResolvePermissions(true, nil)
			}
		}
	}

	memberArtifacts, err := t.reader.GetArtifactsByMetadata(ctx, tenantID, models.KindClickUpListMember, repository.MetadataFilter{
		Equals: map[string]any{"list_id": task.List.ID},
	})
	if err != nil {
		return "", nil, fmt.Errorf("load list members for %s: %w", task.List.ID, err)
	}

	var emails []string
	for _, a := range memberArtifacts {
		var member sourceclient.ClickUpUser
		if err := a.DecodeContent(&member); err != nil {
			return "", nil, fmt.Errorf("decode list member %s: %w", a.EntityID, err)
		}
		emails = append(emails, member.Email)
	}
	for _, assignee := range task.Assignees {
		emails = append(emails, assignee.Email)
	}
	return ResolvePermissions(false, emails)
}

func clickupHeader(task sourceclient.ClickUpTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", task.Name)
	fmt.Fprintf(&b, "Task ID: %s\n", task.ID)
	if task.Status.Status != "" {
		fmt.Fprintf(&b, "Status: %s\n", task.Status.Status)
	}
	if len(task.Assignees) > 0 {
		names := make([]string, 0, len(task.Assignees))
		for _, a := range task.Assignees {
			names = append(names, renderUser(a.Username, a.Email, fmt.Sprintf("%d", a.ID)))
		}
		fmt.Fprintf(&b, "Assignees: %s\n", strings.Join(names, ", "))
	}
	if task.List.Name != "" {
		fmt.Fprintf(&b, "List: %s\n", task.List.Name)
	}
	fmt.Fprintf(&b, "Created: %s\n", task.DateCreated.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Updated: %s", task.DateUpdated.UTC().Format(time.RFC3339))
	if task.URL != "" {
		fmt.Fprintf(&b, "\nURL: %s", task.URL)
	}
	return b.String()
}

func clickupBody(task sourceclient.ClickUpTask, comments []sourceclient.ClickUpComment) string {
	var parts []string
	if strings.TrimSpace(task.Description) != "" {
		parts = append(parts, task.Description)
	} else if strings.TrimSpace(task.TextContent) != "" {
		parts = append(parts, task.TextContent)
	}
	for _, c := range comments {
		if strings.TrimSpace(c.CommentText) == "" {
			continue
		}
		author := renderUser(c.User.Username, c.User.Email, fmt.Sprintf("%d", c.User.ID))
		parts = append(parts, fmt.Sprintf("[%s] %s: %s", c.Date.UTC().Format("2006-01-02 15:04"), author, c.CommentText))
	}
	return strings.Join(parts, "\n\n")
}
