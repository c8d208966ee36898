package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gather-ingest/internal/api"
	"gather-ingest/internal/config"
	"gather-ingest/internal/eventbus"
	"gather-ingest/internal/exclusion"
	"gather-ingest/internal/extractor"
	"gather-ingest/internal/indexer"
	"gather-ingest/internal/logging"
	"gather-ingest/internal/models"
	"gather-ingest/internal/queue"
	"gather-ingest/internal/repository"
	"gather-ingest/internal/sourceclient"
	"gather-ingest/internal/transform"
	"gather-ingest/internal/usage"

	"github.com/redis/go-redis/v9"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logging.Logger.Fatal().Err(err).Msg("load config")
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})
	log := logging.WithComponent("main")
	log.Info().Str("commit", BuildCommit).Msg("starting ingest engine")

	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to database")
	}
	defer repo.Close()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 60*time.Second)
	if n, err := repo.TerminateOtherConnections(startupCtx); err != nil {
		log.Warn().Err(err).Msg("terminate stale connections")
	} else if n > 0 {
		log.Info().Int("terminated", n).Msg("cleared stale connections")
	}
	if err := repo.Migrate("schema.sql"); err != nil {
		log.Fatal().Err(err).Msg("migrate schema")
	}
	cancelStartup()

	engine := exclusion.NewEngine(repo)
	repo.SetExcluder(engine)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("parse redis url")
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// Usage tracking fails open and the queue retries, so a cold Redis
		// delays work rather than aborting startup.
		log.Warn().Err(err).Msg("redis unreachable at startup")
	}
	cancelPing()

	tracker := usage.NewTracker(rdb, repo)

	registry := transform.NewRegistry(
		transform.NewAsanaTransformer(repo),
		transform.NewClickUpTransformer(repo),
		transform.NewPylonTransformer(repo),
		transform.NewCustomTransformer(),
	)
	ix := indexer.New(repo, registry)

	// Downstream notification fan-out. Bulk backfills suppress these via the
	// message flag; the subscriber here is the process-local audit log.
	bus := eventbus.New()
	defer bus.Close()
	ix.SetBus(bus)
	notifications := make(chan eventbus.Event, 256)
	bus.Subscribe(eventbus.TypeDocumentIndexed, notifications)
	bus.Subscribe(eventbus.TypeDocumentDeleted, notifications)
	go func() {
		nlog := logging.WithComponent("notifications")
		for evt := range notifications {
			nlog.Debug().
				Str("type", evt.Type).
				Str("tenant_id", evt.TenantID).
				Str("document_id", evt.DocumentID).
				Msg("document event")
		}
	}()

	q := queue.New(rdb, cfg.VisibilityTimeout)
	pool := queue.NewPool(q, cfg.WorkerCount, cfg.JobDuration)
	registerHandlers(pool, repo, ix, tracker)

	scheduler := queue.NewScheduler(q, repo)
	for _, job := range queue.DefaultJobs(int(cfg.VisibilityTimeout.Seconds())) {
		if err := scheduler.Register(job); err != nil {
			log.Fatal().Err(err).Str("job", job.Name).Msg("register scheduled job")
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := api.NewServer(repo, q, cfg.APIPort, cfg.AdminToken)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("status server")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil {
			log.Error().Err(err).Msg("worker pool exited")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("status server shutdown")
	}
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("worker pool did not drain in time")
	}
	tracker.Flush()
	log.Info().Msg("bye")
}

// registerHandlers wires every queue message tag to its extractor. Vendor
// clients are built per message from the tenant's stored credential; the
// underlying rate limiters are shared process-globally per (tenant, source)
// so rebuilding the client is cheap and keeps tokens fresh.
func registerHandlers(pool *queue.Pool, repo *repository.Repository, ix *indexer.Indexer, tracker *usage.Tracker) {
	log := logging.WithComponent("dispatch")

	asana := func(ctx context.Context, tenantID string) (*extractor.Asana, error) {
		ti, err := repo.GetIntegration(ctx, tenantID, models.SourceAsana)
		if err != nil {
			return nil, err
		}
		return extractor.NewAsana(sourceclient.NewAsanaClient(tenantID, ti.AccessToken), repo, ix, tenantID), nil
	}
	clickup := func(ctx context.Context, tenantID string) (*extractor.ClickUp, error) {
		ti, err := repo.GetIntegration(ctx, tenantID, models.SourceClickUp)
		if err != nil {
			return nil, err
		}
		return extractor.NewClickUp(sourceclient.NewClickUpClient(tenantID, ti.AccessToken), repo, ix, tenantID), nil
	}
	pylon := func(ctx context.Context, tenantID string) (*extractor.Pylon, error) {
		ti, err := repo.GetIntegration(ctx, tenantID, models.SourcePylon)
		if err != nil {
			return nil, err
		}
		return extractor.NewPylon(sourceclient.NewPylonClient(tenantID, ti.AccessToken), repo, ix, tenantID), nil
	}

	pool.Handle(queue.MsgAsanaFullBackfill, func(ctx context.Context, job extractor.Job, _ queue.Message) (extractor.Result, error) {
		ex, err := asana(ctx, job.TenantID)
		if err != nil {
			return extractor.Result{}, err
		}
		return ex.FullBackfill(ctx, job)
	})
	pool.Handle(queue.MsgAsanaIncrBackfill, func(ctx context.Context, job extractor.Job, _ queue.Message) (extractor.Result, error) {
		ex, err := asana(ctx, job.TenantID)
		if err != nil {
			return extractor.Result{}, err
		}
		return ex.IncrementalBackfill(ctx, job)
	})
	pool.Handle(queue.MsgClickUpFullBackfill, func(ctx context.Context, job extractor.Job, _ queue.Message) (extractor.Result, error) {
		ex, err := clickup(ctx, job.TenantID)
		if err != nil {
			return extractor.Result{}, err
		}
		return ex.FullBackfill(ctx, job)
	})
	pool.Handle(queue.MsgClickUpIncrBackfill, func(ctx context.Context, job extractor.Job, _ queue.Message) (extractor.Result, error) {
		ex, err := clickup(ctx, job.TenantID)
		if err != nil {
			return extractor.Result{}, err
		}
		return ex.IncrementalBackfill(ctx, job)
	})
	pool.Handle(queue.MsgClickUpPermissionsRefresh, func(ctx context.Context, job extractor.Job, _ queue.Message) (extractor.Result, error) {
		ex, err := clickup(ctx, job.TenantID)
		if err != nil {
			return extractor.Result{}, err
		}
		return ex.PermissionsRefresh(ctx, job)
	})
	pool.Handle(queue.MsgPylonFullBackfill, func(ctx context.Context, job extractor.Job, _ queue.Message) (extractor.Result, error) {
		ex, err := pylon(ctx, job.TenantID)
		if err != nil {
			return extractor.Result{}, err
		}
		return ex.FullBackfill(ctx, job)
	})
	pool.Handle(queue.MsgPylonIncrBackfill, func(ctx context.Context, job extractor.Job, _ queue.Message) (extractor.Result, error) {
		ex, err := pylon(ctx, job.TenantID)
		if err != nil {
			return extractor.Result{}, err
		}
		return ex.IncrementalBackfill(ctx, job)
	})
	pool.Handle(queue.MsgCustomDataIngest, func(ctx context.Context, job extractor.Job, msg queue.Message) (extractor.Result, error) {
		check := tracker.CheckAndRecord(ctx, job.TenantID,
			map[models.UsageMetric]int64{models.MetricRequests: 1}, "custom_data_ingest", false)
		if !check.Allowed {
			log.Warn().Str("tenant_id", job.TenantID).Str("tier", check.Tier).Msg("custom ingest denied by quota")
			return extractor.Result{Complete: true}, nil
		}
		return extractor.NewCustomData(repo, ix, job.TenantID).Ingest(ctx, job, msg.Slug, msg.Documents)
	})
}
