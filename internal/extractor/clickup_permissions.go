package extractor

import (
	"context"
	"fmt"

	"gather-ingest/internal/sourceclient"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// PermissionsRefresh re-reads every list's membership and force-upserts the
// permission artifacts. Memberships carry no modified timestamp, so the
// normal monotonic upsert would treat an unchanged membership as stale;
// force-upsert rewrites the row and stamps last_seen_backfill_id, which is
// what lets a later cleanup find memberships no run has seen in a while.
func (c *ClickUp) PermissionsRefresh(ctx context.Context, job Job) (Result, error) {
	var workspaces []sourceclient.ClickUpWorkspace
	if err := sourceclient.Retry(ctx, c.log, func() error {
		var err error
		workspaces, err = c.client.ListWorkspaces(ctx)
		return err
	}); err != nil {
		return Result{}, fmt.Errorf("list workspaces: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ws := range workspaces {
		ws := ws
		g.Go(func() error { return c.refreshWorkspacePermissions(gctx, job, ws.ID) })
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return Result{Complete: true}, nil
}

func (c *ClickUp) refreshWorkspacePermissions(ctx context.Context, job Job, workspaceID string) error {
	if err := c.syncSpaces(ctx, job, workspaceID, true); err != nil {
		return err
	}

	var spaces []sourceclient.ClickUpSpace
	if err := sourceclient.Retry(ctx, c.log, func() error {
		var err error
		spaces, err = c.client.ListSpaces(ctx, workspaceID)
		return err
	}); err != nil {
		return fmt.Errorf("list spaces: %w", err)
	}

	seen := map[string]struct{}{}
	var listIDs []string
	for _, space := range spaces {
		var lists []sourceclient.ClickUpList
		if err := sourceclient.Retry(ctx, c.log, func() error {
			var err error
			lists, err = c.client.ListLists(ctx, space.ID)
			return err
		}); err != nil {
			return fmt.Errorf("lists for space %s: %w", space.ID, err)
		}
		for _, l := range lists {
			listIDs = append(listIDs, dedupe(seen, l.ID)...)
		}
	}

	artifacts, err := c.listClosure(ctx, uuid.New(), listIDs, true)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		return nil
	}
	if err := c.store.ForceUpsertArtifactBatch(ctx, job.TenantID, artifacts, job.BackfillID); err != nil {
		return fmt.Errorf("force upsert memberships: %w", err)
	}
	c.log.Info().
		Str("workspace_id", workspaceID).
		Int("lists", len(listIDs)).
		Int("artifacts", len(artifacts)).
		Msg("permissions refreshed")
	return nil
}
