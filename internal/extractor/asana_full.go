package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gather-ingest/internal/logging"
	"gather-ingest/internal/models"
	"gather-ingest/internal/sourceclient"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// AsanaAPI is the client surface the Asana extractors consume.
type AsanaAPI interface {
	ListWorkspaces(ctx context.Context) ([]sourceclient.AsanaWorkspace, error)
	ListProjects(ctx context.Context, workspaceGID string) ([]sourceclient.AsanaRef, error)
	SearchTasksBefore(ctx context.Context, workspaceGID string, before time.Time) ([]sourceclient.AsanaTask, error)
	SearchTasksAfter(ctx context.Context, workspaceGID string, after time.Time) ([]sourceclient.AsanaTask, error)
	GetTask(ctx context.Context, gid string) (*sourceclient.AsanaTask, error)
	GetStories(ctx context.Context, taskGID string) ([]sourceclient.AsanaStory, error)
	GetProject(ctx context.Context, gid string) (*sourceclient.AsanaProject, error)
	GetProjectMemberships(ctx context.Context, projectGID string) ([]sourceclient.AsanaProjectMembership, error)
	GetTeam(ctx context.Context, gid string) (*sourceclient.AsanaTeam, error)
	GetTeamUsers(ctx context.Context, teamGID string) ([]sourceclient.AsanaUser, error)
	GetEvents(ctx context.Context, resourceGID, syncToken string) ([]sourceclient.AsanaEvent, string, error)
}

// Asana runs the historical and incremental Asana backfills for one tenant.
type Asana struct {
	client AsanaAPI
	store  Store
	sink   Sink
	cache  *MemoryArtifactCache
	now    clock
	log    zerolog.Logger
}

func NewAsana(client AsanaAPI, store Store, sink Sink, tenantID string) *Asana {
	return &Asana{
		client: client,
		store:  store,
		sink:   sink,
		cache:  NewMemoryArtifactCache(),
		now:    time.Now,
		log:    logging.WithTenant("asana-extractor", tenantID),
	}
}

func asanaFullCompleteKey(workspaceGID string) string { return "ASANA_FULL_COMPLETE_" + workspaceGID }
func asanaSyncedAfterKey(workspaceGID string) string  { return "ASANA_SYNCED_AFTER_" + workspaceGID }
func asanaSyncTokenKey(resourceGID string) string     { return "ASANA_SYNC_TOKEN_" + resourceGID }

// FullBackfill sweeps every workspace backward from its watermark until all
// are complete or the job budget elapses.
func (a *Asana) FullBackfill(ctx context.Context, job Job) (Result, error) {
	var workspaces []sourceclient.AsanaWorkspace
	if err := sourceclient.Retry(ctx, a.log, func() error {
		var err error
		workspaces, err = a.client.ListWorkspaces(ctx)
		return err
	}); err != nil {
		return Result{}, fmt.Errorf("list workspaces: %w", err)
	}

	done := make([]bool, len(workspaces))
	g, gctx := errgroup.WithContext(ctx)
	for i, ws := range workspaces {
		i, ws := i, ws
		g.Go(func() error {
			complete, err := a.fullWorkspace(gctx, job, ws.GID)
			if err != nil {
				var pay *sourceclient.PaymentRequiredError
				if errors.As(err, &pay) {
					// The tenant's Asana plan does not cover search in this
					// workspace. Mark it complete so the job can finish.
					a.log.Warn().Str("workspace_gid", ws.GID).Msg("payment required, skipping workspace")
					done[i] = true
					return a.store.SetSyncStateBool(gctx, job.TenantID, asanaFullCompleteKey(ws.GID), true)
				}
				return err
			}
			done[i] = complete
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	result := Result{Complete: true}
	for _, d := range done {
		result.Complete = result.Complete && d
	}
	return result, nil
}

func (a *Asana) fullWorkspace(ctx context.Context, job Job, workspaceGID string) (bool, error) {
	tenant := job.TenantID

	if complete, err := a.store.GetSyncStateBool(ctx, tenant, asanaFullCompleteKey(workspaceGID)); err != nil {
		return false, err
	} else if complete {
		return true, nil
	}

	start, found, err := a.store.GetSyncStateTime(ctx, tenant, asanaSyncedAfterKey(workspaceGID))
	if err != nil {
		return false, err
	}
	if !found {
		start = a.now().UTC()
	}

	sweep := sourceclient.NewDescendingSweep(start, func(ctx context.Context, before time.Time) ([]sourceclient.AsanaTask, error) {
		var page []sourceclient.AsanaTask
		err := sourceclient.Retry(ctx, a.log, func() error {
			var err error
			page, err = a.client.SearchTasksBefore(ctx, workspaceGID, before)
			return err
		})
		return page, err
	})

	for {
		tasks, err := sweep.Next(ctx)
		if err != nil {
			return false, fmt.Errorf("sweep workspace %s: %w", workspaceGID, err)
		}
		if sweep.Done() {
			break
		}

		batch, err := a.buildTaskBatch(ctx, workspaceGID, tasks, false)
		if err != nil {
			return false, err
		}
		if err := a.store.UpsertArtifactBatch(ctx, tenant, batch.All()); err != nil {
			return false, fmt.Errorf("upsert batch: %w", err)
		}
		if err := a.sink.TriggerIndexing(ctx, tenant, models.KindAsanaTask, batch.PrimaryIDs(), job.BackfillID, job.SuppressNotification); err != nil {
			return false, fmt.Errorf("trigger indexing: %w", err)
		}
		if err := a.store.SetSyncStateTime(ctx, tenant, asanaSyncedAfterKey(workspaceGID), sweep.Bound()); err != nil {
			return false, fmt.Errorf("save watermark: %w", err)
		}
		a.log.Info().
			Str("workspace_gid", workspaceGID).
			Int("tasks", len(tasks)).
			Time("synced_after", sweep.Bound()).
			Msg("historical page committed")

		if job.Expired(a.now()) {
			return false, nil
		}
	}

	if err := a.store.SetSyncStateBool(ctx, tenant, asanaFullCompleteKey(workspaceGID), true); err != nil {
		return false, err
	}
	a.log.Info().Str("workspace_gid", workspaceGID).Msg("historical backfill complete")
	return true, nil
}

// buildTaskBatch expands one page of tasks into primary artifacts plus the
// story and project-closure secondaries. Projects, teams and their users are
// deduped across the page and against the run cache; refresh forces
// re-fetching even on a cache hit.
func (a *Asana) buildTaskBatch(ctx context.Context, workspaceGID string, tasks []sourceclient.AsanaTask, refresh bool) (TaskBatchArtifacts, error) {
	jobID := uuid.New()
	var (
		mu    sync.Mutex
		batch TaskBatchArtifacts
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(secondaryFetchLimit)

	projectSeen := map[string]struct{}{}
	var projectGIDs []string
	for _, task := range tasks {
		task := task
		for _, ref := range task.Projects {
			projectGIDs = append(projectGIDs, dedupe(projectSeen, ref.GID)...)
		}

		g.Go(func() error {
			raw, err := json.Marshal(task)
			if err != nil {
				return err
			}
			primary := models.NewArtifact(models.KindAsanaTask, task.GID, jobID, task.ModifiedAt, raw,
				map[string]any{"workspace_gid": workspaceGID})

			var stories []sourceclient.AsanaStory
			if err := sourceclient.Retry(gctx, a.log, func() error {
				var err error
				stories, err = a.client.GetStories(gctx, task.GID)
				return err
			}); err != nil {
				return fmt.Errorf("stories for task %s: %w", task.GID, err)
			}

			secondaries := make([]models.Artifact, 0, len(stories))
			for _, s := range stories {
				raw, err := json.Marshal(s)
				if err != nil {
					return err
				}
				secondaries = append(secondaries, models.NewArtifact(models.KindAsanaStory, s.GID, jobID, s.CreatedAt, raw,
					map[string]any{"task_gid": task.GID}))
			}

			mu.Lock()
			batch.Primary = append(batch.Primary, primary)
			batch.Secondary = append(batch.Secondary, secondaries...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return TaskBatchArtifacts{}, err
	}

	closure, err := a.projectClosure(ctx, jobID, projectGIDs, refresh)
	if err != nil {
		return TaskBatchArtifacts{}, err
	}
	batch.Secondary = append(batch.Secondary, closure...)
	return batch, nil
}

// projectClosure fetches projects, their memberships, teams and team users.
func (a *Asana) projectClosure(ctx context.Context, jobID uuid.UUID, projectGIDs []string, refresh bool) ([]models.Artifact, error) {
	var (
		mu  sync.Mutex
		out []models.Artifact
	)
	teamSeen := map[string]struct{}{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(secondaryFetchLimit)

	var teamMu sync.Mutex
	var teamGIDs []string

	for _, gid := range projectGIDs {
		gid := gid
		if !refresh && a.cache.Has(models.KindAsanaProject, gid) {
			continue
		}
		g.Go(func() error {
			var project *sourceclient.AsanaProject
			if err := sourceclient.Retry(gctx, a.log, func() error {
				var err error
				project, err = a.client.GetProject(gctx, gid)
				return err
			}); err != nil {
				if sourceclient.IsNotFound(err) {
					return nil
				}
				return fmt.Errorf("project %s: %w", gid, err)
			}

			raw, err := json.Marshal(project)
			if err != nil {
				return err
			}
			artifact := models.NewArtifact(models.KindAsanaProject, project.GID, jobID, project.ModifiedAt, raw,
				map[string]any{"project_gid": project.GID})
			a.cache.Put(artifact)

			memberships, err := a.projectMemberships(gctx, jobID, project.GID)
			if err != nil {
				return err
			}

			mu.Lock()
			out = append(out, artifact)
			out = append(out, memberships...)
			mu.Unlock()

			if project.Team != nil {
				teamMu.Lock()
				teamGIDs = append(teamGIDs, dedupe(teamSeen, project.Team.GID)...)
				teamMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	teams, err := a.teamClosure(ctx, jobID, teamGIDs, refresh)
	if err != nil {
		return nil, err
	}
	return append(out, teams...), nil
}

func (a *Asana) projectMemberships(ctx context.Context, jobID uuid.UUID, projectGID string) ([]models.Artifact, error) {
	var memberships []sourceclient.AsanaProjectMembership
	if err := sourceclient.Retry(ctx, a.log, func() error {
		var err error
		memberships, err = a.client.GetProjectMemberships(ctx, projectGID)
		return err
	}); err != nil {
		return nil, fmt.Errorf("memberships for project %s: %w", projectGID, err)
	}

	now := a.now().UTC()
	out := make([]models.Artifact, 0, len(memberships))
	for _, m := range memberships {
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		// Memberships carry no mtime; stamp the read time so newer reads win.
		out = append(out, models.NewArtifact(models.KindAsanaProjectMembership, m.GID, jobID, now, raw,
			map[string]any{"project_gid": projectGID}))
	}
	return out, nil
}

func (a *Asana) teamClosure(ctx context.Context, jobID uuid.UUID, teamGIDs []string, refresh bool) ([]models.Artifact, error) {
	var (
		mu  sync.Mutex
		out []models.Artifact
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(secondaryFetchLimit)

	for _, gid := range teamGIDs {
		gid := gid
		if !refresh && a.cache.Has(models.KindAsanaTeam, gid) {
			continue
		}
		g.Go(func() error {
			var team *sourceclient.AsanaTeam
			if err := sourceclient.Retry(gctx, a.log, func() error {
				var err error
				team, err = a.client.GetTeam(gctx, gid)
				return err
			}); err != nil {
				if sourceclient.IsNotFound(err) {
					return nil
				}
				return fmt.Errorf("team %s: %w", gid, err)
			}

			var users []sourceclient.AsanaUser
			if err := sourceclient.Retry(gctx, a.log, func() error {
				var err error
				users, err = a.client.GetTeamUsers(gctx, gid)
				return err
			}); err != nil {
				return fmt.Errorf("users for team %s: %w", gid, err)
			}

			now := a.now().UTC()
			raw, err := json.Marshal(team)
			if err != nil {
				return err
			}
			artifact := models.NewArtifact(models.KindAsanaTeam, team.GID, jobID, now, raw,
				map[string]any{"team_gid": team.GID})
			a.cache.Put(artifact)

			artifacts := []models.Artifact{artifact}
			for _, u := range users {
				raw, err := json.Marshal(u)
				if err != nil {
					return err
				}
				// Keyed per (team, user): a user sits in several teams and
				// each pairing is its own permission edge.
				artifacts = append(artifacts, models.NewArtifact(models.KindAsanaUser, team.GID+":"+u.GID, jobID, now, raw,
					map[string]any{"team_gid": team.GID, "user_gid": u.GID}))
			}

			mu.Lock()
			out = append(out, artifacts...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
