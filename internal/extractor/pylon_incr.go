package extractor

import (
	"context"
	"fmt"
	"time"

	"gather-ingest/internal/sourceclient"
)

// IncrementalBackfill catches up from the synced_until watermark to now.
// Pylon's search rejects ranges wider than 30 days, so a stale watermark is
// walked forward in window-sized steps; within a window pages follow the
// cursor to exhaustion. refresh is forced so message threads are re-read.
func (p *Pylon) IncrementalBackfill(ctx context.Context, job Job) (Result, error) {
	tenant := job.TenantID
	now := p.now().UTC()

	since, found, err := p.store.GetSyncStateTime(ctx, tenant, pylonSyncedUntilKey)
	if err != nil {
		return Result{}, err
	}
	if !found {
		// First run: the historical backfill owns everything before now.
		since = now
	}

	for since.Before(now) {
		windowEnd := since.Add(sourceclient.PylonWindowLimit)
		if windowEnd.After(now) {
			windowEnd = now
		}

		cursor := ""
		for {
			var page *sourceclient.PylonIssuePage
			if err := sourceclient.Retry(ctx, p.log, func() error {
				var err error
				page, err = p.client.SearchIssues(ctx, since, windowEnd, cursor)
				return err
			}); err != nil {
				return Result{}, fmt.Errorf("incremental search [%s, %s]: %w", since, windowEnd, err)
			}

			if len(page.Issues) > 0 {
				if err := p.commitIssues(ctx, job, page.Issues, true); err != nil {
					return Result{}, err
				}
			}
			if !page.HasNext || page.Cursor == "" {
				break
			}
			cursor = page.Cursor
		}

		since = windowEnd.Add(time.Millisecond)
		if err := p.store.SetSyncStateTime(ctx, tenant, pylonSyncedUntilKey, since); err != nil {
			return Result{}, fmt.Errorf("save watermark: %w", err)
		}
		p.log.Info().Time("synced_until", since).Msg("incremental window committed")

		if job.Expired(p.now()) {
			return Result{}, nil
		}
	}
	return Result{Complete: true}, nil
}
