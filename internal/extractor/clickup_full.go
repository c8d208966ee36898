package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gather-ingest/internal/logging"
	"gather-ingest/internal/models"
	"gather-ingest/internal/sourceclient"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ClickUpAPI is the client surface the ClickUp extractors consume.
type ClickUpAPI interface {
	ListWorkspaces(ctx context.Context) ([]sourceclient.ClickUpWorkspace, error)
	ListSpaces(ctx context.Context, workspaceID string) ([]sourceclient.ClickUpSpace, error)
	ListLists(ctx context.Context, spaceID string) ([]sourceclient.ClickUpList, error)
	SearchTasksBefore(ctx context.Context, workspaceID string, before time.Time) ([]sourceclient.ClickUpTask, error)
	SearchTasksAfter(ctx context.Context, workspaceID string, after time.Time) ([]sourceclient.ClickUpTask, error)
	GetTask(ctx context.Context, id string) (*sourceclient.ClickUpTask, error)
	GetComments(ctx context.Context, taskID string) ([]sourceclient.ClickUpComment, error)
	GetListMembers(ctx context.Context, listID string) ([]sourceclient.ClickUpUser, error)
	GetList(ctx context.Context, id string) (*sourceclient.ClickUpList, error)
}

// ClickUp runs the historical, incremental and permission-refresh backfills
// for one tenant.
type ClickUp struct {
	client ClickUpAPI
	store  Store
	sink   Sink
	cache  *MemoryArtifactCache
	now    clock
	log    zerolog.Logger
}

func NewClickUp(client ClickUpAPI, store Store, sink Sink, tenantID string) *ClickUp {
	return &ClickUp{
		client: client,
		store:  store,
		sink:   sink,
		cache:  NewMemoryArtifactCache(),
		now:    time.Now,
		log:    logging.WithTenant("clickup-extractor", tenantID),
	}
}

func clickupFullCompleteKey(workspaceID string) string { return "CLICKUP_FULL_COMPLETE_" + workspaceID }
func clickupSyncedAfterKey(workspaceID string) string  { return "CLICKUP_SYNCED_AFTER_" + workspaceID }
func clickupSyncedUntilKey(workspaceID string) string  { return "CLICKUP_SYNCED_UNTIL_" + workspaceID }

// FullBackfill sweeps every workspace backward from its watermark.
func (c *ClickUp) FullBackfill(ctx context.Context, job Job) (Result, error) {
	var workspaces []sourceclient.ClickUpWorkspace
	if err := sourceclient.Retry(ctx, c.log, func() error {
		var err error
		workspaces, err = c.client.ListWorkspaces(ctx)
		return err
	}); err != nil {
		return Result{}, fmt.Errorf("list workspaces: %w", err)
	}

	done := make([]bool, len(workspaces))
	g, gctx := errgroup.WithContext(ctx)
	for i, ws := range workspaces {
		i, ws := i, ws
		g.Go(func() error {
			complete, err := c.fullWorkspace(gctx, job, ws.ID)
			if err != nil {
				var pay *sourceclient.PaymentRequiredError
				if errors.As(err, &pay) {
					c.log.Warn().Str("workspace_id", ws.ID).Msg("payment required, skipping workspace")
					done[i] = true
					return c.store.SetSyncStateBool(gctx, job.TenantID, clickupFullCompleteKey(ws.ID), true)
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

func (c *ClickUp) fullWorkspace(ctx context.Context, job Job, workspaceID string) (bool, error) {
	tenant := job.TenantID

	if complete, err := c.store.GetSyncStateBool(ctx, tenant, clickupFullCompleteKey(workspaceID)); err != nil {
		return false, err
	} else if complete {
		return true, nil
	}

	// Spaces carry the privacy bit every task document needs; sync them
	// once up front so the transformer closure is always resolvable.
	if err := c.syncSpaces(ctx, job, workspaceID, false); err != nil {
		return false, err
	}

	start, found, err := c.store.GetSyncStateTime(ctx, tenant, clickupSyncedAfterKey(workspaceID))
	if err != nil {
		return false, err
	}
	if !found {
		start = c.now().UTC()
	}

	sweep := sourceclient.NewDescendingSweep(start, func(ctx context.Context, before time.Time) ([]sourceclient.ClickUpTask, error) {
		var page []sourceclient.ClickUpTask
		err := sourceclient.Retry(ctx, c.log, func() error {
			var err error
			page, err = c.client.SearchTasksBefore(ctx, workspaceID, before)
			return err
		})
		return page, err
	})

	for {
		tasks, err := sweep.Next(ctx)
		if err != nil {
			return false, fmt.Errorf("sweep workspace %s: %w", workspaceID, err)
		}
		if sweep.Done() {
			break
		}

		if err := c.commitTasks(ctx, job, workspaceID, tasks, false); err != nil {
			return false, err
		}
		if err := c.store.SetSyncStateTime(ctx, tenant, clickupSyncedAfterKey(workspaceID), sweep.Bound()); err != nil {
			return false, fmt.Errorf("save watermark: %w", err)
		}
		c.log.Info().
			Str("workspace_id", workspaceID).
			Int("tasks", len(tasks)).
			Time("synced_after", sweep.Bound()).
			Msg("historical page committed")

		if job.Expired(c.now()) {
			return false, nil
		}
	}

	if err := c.store.SetSyncStateBool(ctx, tenant, clickupFullCompleteKey(workspaceID), true); err != nil {
		return false, err
	}
	c.log.Info().Str("workspace_id", workspaceID).Msg("historical backfill complete")
	return true, nil
}

// syncSpaces upserts one artifact per space. force routes through the
// force-upsert path so unchanged spaces still get last_seen stamped.
func (c *ClickUp) syncSpaces(ctx context.Context, job Job, workspaceID string, force bool) error {
	var spaces []sourceclient.ClickUpSpace
	if err := sourceclient.Retry(ctx, c.log, func() error {
		var err error
		spaces, err = c.client.ListSpaces(ctx, workspaceID)
		return err
	}); err != nil {
		return fmt.Errorf("list spaces: %w", err)
	}

	jobID := uuid.New()
	now := c.now().UTC()
	artifacts := make([]models.Artifact, 0, len(spaces))
	for _, s := range spaces {
		raw, err := json.Marshal(s)
		if err != nil {
			return err
		}
		a := models.NewArtifact(models.KindClickUpSpace, s.ID, jobID, now, raw,
			map[string]any{"space_id": s.ID, "workspace_id": workspaceID})
		artifacts = append(artifacts, a)
		c.cache.Put(a)
	}
	if len(artifacts) == 0 {
		return nil
	}
	if force {
		return c.store.ForceUpsertArtifactBatch(ctx, job.TenantID, artifacts, job.BackfillID)
	}
	return c.store.UpsertArtifactBatch(ctx, job.TenantID, artifacts)
}

// commitTasks expands one page of tasks into its batch, upserts and triggers
// indexing.
func (c *ClickUp) commitTasks(ctx context.Context, job Job, workspaceID string, tasks []sourceclient.ClickUpTask, refresh bool) error {
	batch, err := c.buildTaskBatch(ctx, workspaceID, tasks, refresh)
	if err != nil {
		return err
	}
	if err := c.store.UpsertArtifactBatch(ctx, job.TenantID, batch.All()); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return c.sink.TriggerIndexing(ctx, job.TenantID, models.KindClickUpTask, batch.PrimaryIDs(), job.BackfillID, job.SuppressNotification)
}

// buildTaskBatch fans out comment and list-membership fetches for one page
// of tasks. Lists are deduped across the page and against the run cache.
func (c *ClickUp) buildTaskBatch(ctx context.Context, workspaceID string, tasks []sourceclient.ClickUpTask, refresh bool) (TaskBatchArtifacts, error) {
	jobID := uuid.New()
	var (
		mu    sync.Mutex
		batch TaskBatchArtifacts
	)

	listSeen := map[string]struct{}{}
	var listIDs []string
	for _, task := range tasks {
		listIDs = append(listIDs, dedupe(listSeen, task.List.ID)...)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(secondaryFetchLimit)

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			raw, err := json.Marshal(task)
			if err != nil {
				return err
			}
			primary := models.NewArtifact(models.KindClickUpTask, task.ID, jobID, task.DateUpdated.Time, raw,
				map[string]any{"workspace_id": workspaceID, "list_id": task.List.ID})

			var comments []sourceclient.ClickUpComment
			if err := sourceclient.Retry(gctx, c.log, func() error {
				var err error
				comments, err = c.client.GetComments(gctx, task.ID)
				return err
			}); err != nil {
				return fmt.Errorf("comments for task %s: %w", task.ID, err)
			}

			secondaries := make([]models.Artifact, 0, len(comments))
			for _, cm := range comments {
				raw, err := json.Marshal(cm)
				if err != nil {
					return err
				}
				secondaries = append(secondaries, models.NewArtifact(models.KindClickUpComment, cm.ID, jobID, cm.Date.Time, raw,
					map[string]any{"task_id": task.ID}))
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

	members, err := c.listClosure(ctx, jobID, listIDs, refresh)
	if err != nil {
		return TaskBatchArtifacts{}, err
	}
	batch.Secondary = append(batch.Secondary, members...)
	return batch, nil
}

// listClosure fetches each list's members and builds list plus membership
// artifacts. refresh bypasses the run cache; the weekly permissions job
// passes it so unchanged lists are still re-read.
func (c *ClickUp) listClosure(ctx context.Context, jobID uuid.UUID, listIDs []string, refresh bool) ([]models.Artifact, error) {
	var (
		mu  sync.Mutex
		out []models.Artifact
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(secondaryFetchLimit)

	for _, listID := range listIDs {
		listID := listID
		if !refresh && c.cache.Has(models.KindClickUpList, listID) {
			continue
		}
		g.Go(func() error {
			var list *sourceclient.ClickUpList
			if err := sourceclient.Retry(gctx, c.log, func() error {
				var err error
				list, err = c.client.GetList(gctx, listID)
				return err
			}); err != nil {
				if sourceclient.IsNotFound(err) {
					return nil
				}
				return fmt.Errorf("list %s: %w", listID, err)
			}

			var members []sourceclient.ClickUpUser
			if err := sourceclient.Retry(gctx, c.log, func() error {
				var err error
				members, err = c.client.GetListMembers(gctx, listID)
				return err
			}); err != nil {
				return fmt.Errorf("members for list %s: %w", listID, err)
			}

			now := c.now().UTC()
			raw, err := json.Marshal(list)
			if err != nil {
				return err
			}
			listArtifact := models.NewArtifact(models.KindClickUpList, list.ID, jobID, now, raw,
				map[string]any{"list_id": list.ID, "space_id": list.Space.ID})
			c.cache.Put(listArtifact)

			artifacts := []models.Artifact{listArtifact}
			for _, m := range members {
				raw, err := json.Marshal(m)
				if err != nil {
					return err
				}
				// Membership rows have no vendor mtime and no per-member id;
				// key them per (list, user).
				artifacts = append(artifacts, models.NewArtifact(models.KindClickUpListMember,
					listID+":"+strconv.FormatInt(m.ID, 10), jobID, now, raw,
					map[string]any{"list_id": listID}))
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
