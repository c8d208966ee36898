package extractor

import (
	"context"
	"encoding/json"
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

// PylonAPI is the client surface the Pylon extractors consume.
type PylonAPI interface {
	SearchIssues(ctx context.Context, start, end time.Time, cursor string) (*sourceclient.PylonIssuePage, error)
	GetIssue(ctx context.Context, id string) (*sourceclient.PylonIssue, error)
	GetMessages(ctx context.Context, issueID string) ([]sourceclient.PylonMessage, error)
	GetAccount(ctx context.Context, id string) (*sourceclient.PylonAccount, error)
}

// pylonHistoryFloor bounds how far back the historical backfill walks.
const pylonHistoryFloor = 2 * 365 * 24 * time.Hour

// Pylon runs the historical and incremental Pylon backfills for one tenant.
// Pylon is a singleton scope: one issue stream per tenant.
type Pylon struct {
	client PylonAPI
	store  Store
	sink   Sink
	cache  *MemoryArtifactCache
	now    clock
	log    zerolog.Logger
}

func NewPylon(client PylonAPI, store Store, sink Sink, tenantID string) *Pylon {
	return &Pylon{
		client: client,
		store:  store,
		sink:   sink,
		cache:  NewMemoryArtifactCache(),
		now:    time.Now,
		log:    logging.WithTenant("pylon-extractor", tenantID),
	}
}

const (
	pylonFullCompleteKey = "PYLON_FULL_COMPLETE"
	pylonWindowEndKey    = "PYLON_WINDOW_END"
	pylonCursorKey       = "PYLON_CURSOR"
	pylonSyncedUntilKey  = "PYLON_SYNCED_UNTIL"
)

// FullBackfill walks fixed 30-day windows backward from the stored window
// end (initially now) until the two-year floor. The page cursor is persisted
// inside a window so a timeout resumes mid-window; it is cleared only when
// the window finishes, and the window end then advances to start − 1ms.
func (p *Pylon) FullBackfill(ctx context.Context, job Job) (Result, error) {
	tenant := job.TenantID

	if complete, err := p.store.GetSyncStateBool(ctx, tenant, pylonFullCompleteKey); err != nil {
		return Result{}, err
	} else if complete {
		return Result{Complete: true}, nil
	}

	floor := p.now().UTC().Add(-pylonHistoryFloor)

	windowEnd, found, err := p.store.GetSyncStateTime(ctx, tenant, pylonWindowEndKey)
	if err != nil {
		return Result{}, err
	}
	if !found {
		windowEnd = p.now().UTC()
	}

	for windowEnd.After(floor) {
		windowStart := windowEnd.Add(-sourceclient.PylonWindowLimit)
		if windowStart.Before(floor) {
			windowStart = floor
		}

		cursor, _, err := p.store.GetSyncState(ctx, tenant, pylonCursorKey)
		if err != nil {
			return Result{}, err
		}

		for {
			var page *sourceclient.PylonIssuePage
			if err := sourceclient.Retry(ctx, p.log, func() error {
				var err error
				page, err = p.client.SearchIssues(ctx, windowStart, windowEnd, cursor)
				return err
			}); err != nil {
				return Result{}, fmt.Errorf("search issues [%s, %s]: %w", windowStart, windowEnd, err)
			}

			if len(page.Issues) > 0 {
				if err := p.commitIssues(ctx, job, page.Issues, false); err != nil {
					return Result{}, err
				}
			}

			if !page.HasNext || page.Cursor == "" {
				break
			}
			cursor = page.Cursor
			if err := p.store.SetSyncState(ctx, tenant, pylonCursorKey, cursor); err != nil {
				return Result{}, fmt.Errorf("save cursor: %w", err)
			}
			if job.Expired(p.now()) {
				return Result{}, nil
			}
		}

		// Window done: drop the cursor and step the window past its start.
		if err := p.store.DeleteSyncState(ctx, tenant, pylonCursorKey); err != nil {
			return Result{}, err
		}
		windowEnd = windowStart.Add(-time.Millisecond)
		if err := p.store.SetSyncStateTime(ctx, tenant, pylonWindowEndKey, windowEnd); err != nil {
			return Result{}, fmt.Errorf("save window end: %w", err)
		}
		p.log.Info().Time("window_end", windowEnd).Msg("historical window committed")

		if job.Expired(p.now()) {
			return Result{}, nil
		}
	}

	if err := p.store.SetSyncStateBool(ctx, tenant, pylonFullCompleteKey, true); err != nil {
		return Result{}, err
	}
	p.log.Info().Msg("historical backfill complete")
	return Result{Complete: true}, nil
}

// commitIssues expands issues into their message threads and accounts,
// upserts, and triggers indexing.
func (p *Pylon) commitIssues(ctx context.Context, job Job, issues []sourceclient.PylonIssue, refresh bool) error {
	batch, err := p.buildIssueBatch(ctx, issues, refresh)
	if err != nil {
		return err
	}
	if err := p.store.UpsertArtifactBatch(ctx, job.TenantID, batch.All()); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return p.sink.TriggerIndexing(ctx, job.TenantID, models.KindPylonIssue, batch.PrimaryIDs(), job.BackfillID, job.SuppressNotification)
}

func (p *Pylon) buildIssueBatch(ctx context.Context, issues []sourceclient.PylonIssue, refresh bool) (TaskBatchArtifacts, error) {
	jobID := uuid.New()
	var (
		mu    sync.Mutex
		batch TaskBatchArtifacts
	)

	accountSeen := map[string]struct{}{}
	var accountIDs []string
	for _, issue := range issues {
		if issue.Account != nil {
			accountIDs = append(accountIDs, dedupe(accountSeen, issue.Account.ID)...)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(secondaryFetchLimit)

	for _, issue := range issues {
		issue := issue
		g.Go(func() error {
			raw, err := json.Marshal(issue)
			if err != nil {
				return err
			}
			accountID := ""
			if issue.Account != nil {
				accountID = issue.Account.ID
			}
			primary := models.NewArtifact(models.KindPylonIssue, issue.ID, jobID, issue.ModifiedAt, raw,
				map[string]any{"account_id": accountID})

			var messages []sourceclient.PylonMessage
			if err := sourceclient.Retry(gctx, p.log, func() error {
				var err error
				messages, err = p.client.GetMessages(gctx, issue.ID)
				return err
			}); err != nil {
				return fmt.Errorf("messages for issue %s: %w", issue.ID, err)
			}

			secondaries := make([]models.Artifact, 0, len(messages))
			for _, m := range messages {
				raw, err := json.Marshal(m)
				if err != nil {
					return err
				}
				secondaries = append(secondaries, models.NewArtifact(models.KindPylonMessage, m.ID, jobID, m.Timestamp, raw,
					map[string]any{"issue_id": issue.ID}))
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

	accounts, err := p.accountClosure(ctx, jobID, accountIDs, refresh)
	if err != nil {
		return TaskBatchArtifacts{}, err
	}
	batch.Secondary = append(batch.Secondary, accounts...)
	return batch, nil
}

func (p *Pylon) accountClosure(ctx context.Context, jobID uuid.UUID, accountIDs []string, refresh bool) ([]models.Artifact, error) {
	var (
		mu  sync.Mutex
		out []models.Artifact
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(secondaryFetchLimit)

	for _, id := range accountIDs {
		id := id
		if !refresh && p.cache.Has(models.KindPylonAccount, id) {
			continue
		}
		g.Go(func() error {
			var account *sourceclient.PylonAccount
			if err := sourceclient.Retry(gctx, p.log, func() error {
				var err error
				account, err = p.client.GetAccount(gctx, id)
				return err
			}); err != nil {
				if sourceclient.IsNotFound(err) {
					return nil
				}
				return fmt.Errorf("account %s: %w", id, err)
			}

			raw, err := json.Marshal(account)
			if err != nil {
				return err
			}
			artifact := models.NewArtifact(models.KindPylonAccount, account.ID, jobID, p.now().UTC(), raw,
				map[string]any{"account_id": account.ID})
			p.cache.Put(artifact)

			mu.Lock()
			out = append(out, artifact)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
