package extractor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gather-ingest/internal/models"
	"gather-ingest/internal/repository"
	"gather-ingest/internal/sourceclient"

	"golang.org/x/sync/errgroup"
)

// searchFallbackWindow is how far back the incremental run searches when the
// stored sync token is rejected. The fresh token is persisted first, so at
// worst one window of changes is re-read.
const searchFallbackWindow = 10 * time.Minute

// IncrementalBackfill drains the events stream of every workspace. When the
// workspace stream needs service-account auth, it steps down to per-project
// event streams.
func (a *Asana) IncrementalBackfill(ctx context.Context, job Job) (Result, error) {
	var workspaces []sourceclient.AsanaWorkspace
	if err := sourceclient.Retry(ctx, a.log, func() error {
		var err error
		workspaces, err = a.client.ListWorkspaces(ctx)
		return err
	}); err != nil {
		return Result{}, fmt.Errorf("list workspaces: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ws := range workspaces {
		ws := ws
		g.Go(func() error {
			err := a.eventsPass(gctx, job, ws.GID, ws.GID)
			var sa *sourceclient.ServiceAccountOnlyError
			if !errors.As(err, &sa) {
				return err
			}

			a.log.Info().Str("workspace_gid", ws.GID).Msg("workspace events need service account, stepping down to projects")
			var projects []sourceclient.AsanaRef
			if err := sourceclient.Retry(gctx, a.log, func() error {
				var err error
				projects, err = a.client.ListProjects(gctx, ws.GID)
				return err
			}); err != nil {
				return fmt.Errorf("list projects: %w", err)
			}
			for _, p := range projects {
				if err := a.eventsPass(gctx, job, ws.GID, p.GID); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	// Incremental runs are small; they never continue across messages.
	return Result{Complete: true}, nil
}

// eventsPass reads one resource's event stream, classifies the events into
// refresh and delete sets, and executes both in parallel. Invalid tokens
// persist the fresh replacement before any fallback work runs.
func (a *Asana) eventsPass(ctx context.Context, job Job, workspaceGID, resourceGID string) error {
	tenant := job.TenantID
	tokenKey := asanaSyncTokenKey(resourceGID)

	token, _, err := a.store.GetSyncState(ctx, tenant, tokenKey)
	if err != nil {
		return err
	}

	var events []sourceclient.AsanaEvent
	var newToken string
	err = sourceclient.Retry(ctx, a.log, func() error {
		var err error
		events, newToken, err = a.client.GetEvents(ctx, resourceGID, token)
		return err
	})
	if err != nil {
		var invalid *sourceclient.InvalidSyncTokenError
		if errors.As(err, &invalid) {
			// Persist the fresh token before touching anything else: if the
			// fallback below dies, the next run must not loop on the dead
			// token.
			if invalid.FreshToken != "" {
				if err := a.store.SetSyncState(ctx, tenant, tokenKey, invalid.FreshToken); err != nil {
					return fmt.Errorf("save fresh sync token: %w", err)
				}
			}
			return a.searchFallback(ctx, job, workspaceGID)
		}
		return err
	}

	refresh, remove := classifyTaskEvents(events)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.refreshTasks(gctx, job, workspaceGID, refresh) })
	g.Go(func() error { return a.pruneTasks(gctx, tenant, remove) })
	if err := g.Wait(); err != nil {
		return err
	}

	if newToken != "" {
		if err := a.store.SetSyncState(ctx, tenant, tokenKey, newToken); err != nil {
			return fmt.Errorf("save sync token: %w", err)
		}
	}
	return nil
}

// classifyTaskEvents reduces the raw event list to the task gids to re-fetch
// and the ones to prune:
//
//	refresh = (added ∪ changed ∪ parent-of-change) − (added ∩ deleted)
//	delete  = deleted − (added ∩ deleted)
//
// A task added and deleted inside one window never existed for us.
func classifyTaskEvents(events []sourceclient.AsanaEvent) (refresh, remove []string) {
	added := map[string]struct{}{}
	changed := map[string]struct{}{}
	deleted := map[string]struct{}{}

	for _, e := range events {
		if e.Type == "task" || e.Type == "" {
			gid := e.Resource.GID
			switch e.Action {
			case "added", "undeleted":
				added[gid] = struct{}{}
			case "changed":
				changed[gid] = struct{}{}
			case "deleted", "removed":
				deleted[gid] = struct{}{}
			}
		}
		// A story or attachment event names its task as parent; the task's
		// rendered body changed even though the task record did not.
		if e.Parent != nil && e.Parent.GID != "" {
			changed[e.Parent.GID] = struct{}{}
		}
	}

	ephemeral := map[string]struct{}{}
	for gid := range added {
		if _, ok := deleted[gid]; ok {
			ephemeral[gid] = struct{}{}
		}
	}

	refreshSet := map[string]struct{}{}
	for gid := range added {
		refreshSet[gid] = struct{}{}
	}
	for gid := range changed {
		refreshSet[gid] = struct{}{}
	}
	for gid := range ephemeral {
		delete(refreshSet, gid)
	}
	for gid := range refreshSet {
		refresh = append(refresh, gid)
	}
	for gid := range deleted {
		if _, ok := ephemeral[gid]; !ok {
			remove = append(remove, gid)
		}
	}
	sort.Strings(refresh)
	sort.Strings(remove)
	return refresh, remove
}

// refreshTasks re-fetches each task by id, best effort: entities gone by the
// time we get to them (404/403) drop out of the set.
func (a *Asana) refreshTasks(ctx context.Context, job Job, workspaceGID string, gids []string) error {
	if len(gids) == 0 {
		return nil
	}

	var tasks []sourceclient.AsanaTask
	for _, gid := range gids {
		var task *sourceclient.AsanaTask
		err := sourceclient.Retry(ctx, a.log, func() error {
			var err error
			task, err = a.client.GetTask(ctx, gid)
			return err
		})
		if err != nil {
			if sourceclient.IsNotFound(err) {
				a.log.Warn().Str("task_gid", gid).Msg("task vanished before refresh, dropping")
				continue
			}
			return fmt.Errorf("refresh task %s: %w", gid, err)
		}
		tasks = append(tasks, *task)
	}
	if len(tasks) == 0 {
		return nil
	}
	return a.commitTasks(ctx, job, workspaceGID, tasks, true)
}

// searchFallback re-reads everything modified inside the fallback window.
func (a *Asana) searchFallback(ctx context.Context, job Job, workspaceGID string) error {
	since := a.now().UTC().Add(-searchFallbackWindow)
	a.log.Info().Str("workspace_gid", workspaceGID).Time("since", since).Msg("sync token invalid, searching fallback window")

	var tasks []sourceclient.AsanaTask
	if err := sourceclient.Retry(ctx, a.log, func() error {
		var err error
		tasks, err = a.client.SearchTasksAfter(ctx, workspaceGID, since)
		return err
	}); err != nil {
		var pay *sourceclient.PaymentRequiredError
		if errors.As(err, &pay) {
			// Search is plan-gated on some tenants; the fresh token is
			// already saved, so the next run proceeds normally.
			a.log.Warn().Str("workspace_gid", workspaceGID).Msg("payment required on fallback search, skipping")
			return nil
		}
		return fmt.Errorf("fallback search: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}
	return a.commitTasks(ctx, job, workspaceGID, tasks, true)
}

// commitTasks builds the closure batch for the given tasks, upserts and
// triggers indexing.
func (a *Asana) commitTasks(ctx context.Context, job Job, workspaceGID string, tasks []sourceclient.AsanaTask, refresh bool) error {
	batch, err := a.buildTaskBatch(ctx, workspaceGID, tasks, refresh)
	if err != nil {
		return err
	}
	if err := a.store.UpsertArtifactBatch(ctx, job.TenantID, batch.All()); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return a.sink.TriggerIndexing(ctx, job.TenantID, models.KindAsanaTask, batch.PrimaryIDs(), job.BackfillID, job.SuppressNotification)
}

// pruneTasks removes deleted tasks, their stories and their documents.
func (a *Asana) pruneTasks(ctx context.Context, tenantID string, gids []string) error {
	if len(gids) == 0 {
		return nil
	}
	if _, err := a.store.DeleteArtifactsByEntityIDs(ctx, tenantID, models.KindAsanaTask, gids); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	if _, err := a.store.DeleteArtifactsByMetadata(ctx, tenantID, models.KindAsanaStory, repository.MetadataFilter{
		AnyOf: map[string][]string{"task_gid": gids},
	}); err != nil {
		return fmt.Errorf("delete stories: %w", err)
	}
	return a.sink.DeleteForEntities(ctx, tenantID, models.KindAsanaTask, gids)
}
