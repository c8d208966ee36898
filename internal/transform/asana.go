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

// AsanaTransformer builds task documents from an asana_task artifact and
// its closure: stories, projects, project memberships, teams and team
// users.
type AsanaTransformer struct {
	reader ArtifactReader
}

func NewAsanaTransformer(reader ArtifactReader) *AsanaTransformer {
	return &AsanaTransformer{reader: reader}
}

func (t *AsanaTransformer) Source() models.DocumentSource {
	return models.SourceAsana
}

func (t *AsanaTransformer) Transform(ctx context.Context, tenantID string, primary models.Artifact) (*models.Document, error) {
	if primary.EntityKind != models.KindAsanaTask {
		return nil, nil
	}

	var task sourceclient.AsanaTask
	if err := primary.DecodeContent(&task); err != nil {
		return nil, fmt.Errorf("decode asana task %s: %w", primary.EntityID, err)
	}

	stories, err := t.loadStories(ctx, tenantID, task.GID)
	if err != nil {
		return nil, err
	}

	projects, memberships, teams, teamUsers, err := t.loadProjectClosure(ctx, tenantID, task)
	if err != nil {
		return nil, err
	}

	policy, tokens, err := t.derivePermissions(task, projects, memberships, teams, teamUsers)
	if err != nil {
		return nil, fmt.Errorf("derive permissions for task %s: %w", task.GID, err)
	}

	doc := &models.Document{
		ID:               DocumentID(models.KindAsanaTask, task.GID),
		Source:           models.SourceAsana,
		SourceUpdatedAt:  primary.SourceUpdatedAt,
		PermissionPolicy: policy,
		AllowedTokens:    tokens,
		Header:           asanaHeader(task, projects),
		Body:             asanaBody(task, stories),
		Metadata: map[string]any{
			"task_gid":      task.GID,
			"workspace_gid": primary.MetadataString("workspace_gid"),
		},
	}
	BuildChunks(doc)
	return doc, nil
}

func (t *AsanaTransformer) loadStories(ctx context.Context, tenantID, taskGID string) ([]sourceclient.AsanaStory, error) {
	artifacts, err := t.reader.GetArtifactsByMetadata(ctx, tenantID, models.KindAsanaStory, repository.MetadataFilter{
		Equals: map[string]any{"task_gid": taskGID},
	})
	if err != nil {
		return nil, fmt.Errorf("load stories for task %s: %w", taskGID, err)
	}

	stories := make([]sourceclient.AsanaStory, 0, len(artifacts))
	for _, a := range artifacts {
		var s sourceclient.AsanaStory
		if err := a.DecodeContent(&s); err != nil {
			return nil, fmt.Errorf("decode story %s: %w", a.EntityID, err)
		}
		stories = append(stories, s)
	}
	// Asana task activity reads top to bottom; keep it chronological.
	sort.Slice(stories, func(i, j int) bool { return stories[i].CreatedAt.Before(stories[j].CreatedAt) })
	return stories, nil
}

func (t *AsanaTransformer) loadProjectClosure(ctx context.Context, tenantID string, task sourceclient.AsanaTask) (
	[]sourceclient.AsanaProject, []sourceclient.AsanaProjectMembership, []sourceclient.AsanaTeam, []sourceclient.AsanaUser, error) {

	projectGIDs := make([]string, 0, len(task.Projects))
	for _, ref := range task.Projects {
		projectGIDs = append(projectGIDs, ref.GID)
	}
	if len(projectGIDs) == 0 {
		return nil, nil, nil, nil, nil
	}

	projectArtifacts, err := t.reader.GetArtifactsByEntityIDs(ctx, tenantID, models.KindAsanaProject, projectGIDs, true)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load projects: %w", err)
	}

	var projects []sourceclient.AsanaProject
	var teamGIDs []string
	for _, a := range projectArtifacts {
		var p sourceclient.AsanaProject
		if err := a.DecodeContent(&p); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("decode project %s: %w", a.EntityID, err)
		}
		projects = append(projects, p)
		if p.Team != nil {
			teamGIDs = append(teamGIDs, p.Team.GID)
		}
	}

	membershipArtifacts, err := t.reader.GetArtifactsByMetadata(ctx, tenantID, models.KindAsanaProjectMembership, repository.MetadataFilter{
		AnyOf: map[string][]string{"project_gid": projectGIDs},
	})
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load project memberships: %w", err)
	}
	var memberships []sourceclient.AsanaProjectMembership
	for _, a := range membershipArtifacts {
		var m sourceclient.AsanaProjectMembership
		if err := a.DecodeContent(&m); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("decode membership %s: %w", a.EntityID, err)
		}
		memberships = append(memberships, m)
	}

	var teams []sourceclient.AsanaTeam
	var teamUsers []sourceclient.AsanaUser
	if len(teamGIDs) > 0 {
		teamArtifacts, err := t.reader.GetArtifactsByEntityIDs(ctx, tenantID, models.KindAsanaTeam, teamGIDs, true)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("load teams: %w", err)
		}
		for _, a := range teamArtifacts {
			var tm sourceclient.AsanaTeam
			if err := a.DecodeContent(&tm); err != nil {
				return nil, nil, nil, nil, fmt.Errorf("decode team %s: %w", a.EntityID, err)
			}
			teams = append(teams, tm)
		}

		userArtifacts, err := t.reader.GetArtifactsByMetadata(ctx, tenantID, models.KindAsanaUser, repository.MetadataFilter{
			AnyOf: map[string][]string{"team_gid": teamGIDs},
		})
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("load team users: %w", err)
		}
		for _, a := range userArtifacts {
			var u sourceclient.AsanaUser
			if err := a.DecodeContent(&u); err != nil {
				return nil, nil, nil, nil, fmt.Errorf("decode user %s: %w", a.EntityID, err)
			}
			teamUsers = append(teamUsers, u)
		}
	}

	return projects, memberships, teams, teamUsers, nil
}

// derivePermissions: a task is tenant-visible when any ancestor project is
// public to the workspace or owned by a public team. Otherwise it is
// private to the union of followers, the assignee, project members, and
// users reached through the projects' teams.
func (t *AsanaTransformer) derivePermissions(task sourceclient.AsanaTask,
	projects []sourceclient.AsanaProject, memberships []sourceclient.AsanaProjectMembership,
	teams []sourceclient.AsanaTeam, teamUsers []sourceclient.AsanaUser) (models.PermissionPolicy, []string, error) {

	for _, p := range projects {
		if p.PrivacySetting == "public_to_workspace" {
			return ResolvePermissions(true, nil)
		}
	}
	for _, tm := range teams {
		if tm.Visibility == "public" {
			return ResolvePermissions(true, nil)
		}
	}

	var emails []string
	for _, f := range task.Followers {
		emails = append(emails, f.Email)
	}
	if task.Assignee != nil {
		emails = append(emails, task.Assignee.Email)
	}
	for _, m := range memberships {
		emails = append(emails, m.User.Email)
	}
	for _, u := range teamUsers {
		emails = append(emails, u.Email)
	}
	return ResolvePermissions(false, emails)
}

func asanaHeader(task sourceclient.AsanaTask, projects []sourceclient.AsanaProject) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", task.Name)
	fmt.Fprintf(&b, "Task ID: %s\n", task.GID)

	status := "Open"
	if task.Completed {
		status = "Completed"
	}
	fmt.Fprintf(&b, "Status: %s\n", status)

	if task.Assignee != nil {
		fmt.Fprintf(&b, "Assignee: %s\n", renderUser(task.Assignee.Name, task.Assignee.Email, task.Assignee.GID))
	}
	if task.DueOn != "" {
		fmt.Fprintf(&b, "Due: %s\n", task.DueOn)
	}
	if len(projects) > 0 {
		names := make([]string, 0, len(projects))
		for _, p := range projects {
			names = append(names, p.Name)
		}
		fmt.Fprintf(&b, "Projects: %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(&b, "Created: %s\n", task.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Updated: %s", task.ModifiedAt.UTC().Format(time.RFC3339))
	if task.PermalinkURL != "" {
		fmt.Fprintf(&b, "\nURL: %s", task.PermalinkURL)
	}
	return b.String()
}

func asanaBody(task sourceclient.AsanaTask, stories []sourceclient.AsanaStory) string {
	var parts []string
	if strings.TrimSpace(task.Notes) != "" {
		parts = append(parts, task.Notes)
	}
	for _, s := range stories {
		if s.ResourceSubtype != "comment_added" || strings.TrimSpace(s.Text) == "" {
			continue
		}
		author := renderUser(s.CreatedBy.Name, s.CreatedBy.Email, s.CreatedBy.GID)
		parts = append(parts, fmt.Sprintf("[%s] %s: %s", s.CreatedAt.UTC().Format("2006-01-02 15:04"), author, s.Text))
	}
	return strings.Join(parts, "\n\n")
}

// renderUser falls through name, email, @id so a principal always renders
// as something a reader (and the retriever) can anchor on.
func renderUser(name, email, id string) string {
	switch {
	case name != "":
		return name
	case email != "":
		return email
	default:
		return "@" + id
	}
}
