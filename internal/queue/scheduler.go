package queue

import (
	"context"
	"fmt"

	"gather-ingest/internal/logging"
	"gather-ingest/internal/models"
	"gather-ingest/internal/repository"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// TenantLister resolves which tenants a scheduled job fans out to.
type TenantLister interface {
	ListTenantsWithIntegration(ctx context.Context, source models.DocumentSource) ([]repository.TenantIntegration, error)
}

// ScheduledJob is one named cron entry. On fire it enqueues a copy of
// Template for every tenant with Source installed.
type ScheduledJob struct {
	Name     string
	Spec     string
	Source   models.DocumentSource
	Template Message
}

// DefaultJobs is the standing schedule. Incrementals run often and cheap;
// historicals and the permissions re-read are nightly/weekly and carry a
// processing budget.
func DefaultJobs(durationSeconds int) []ScheduledJob {
	return []ScheduledJob{
		{"asana-incremental", "*/10 * * * *", models.SourceAsana,
			Message{Source: MsgAsanaIncrBackfill}},
		{"clickup-incremental", "*/10 * * * *", models.SourceClickUp,
			Message{Source: MsgClickUpIncrBackfill}},
		{"pylon-incremental", "*/15 * * * *", models.SourcePylon,
			Message{Source: MsgPylonIncrBackfill}},
		{"asana-historical", "0 2 * * *", models.SourceAsana,
			Message{Source: MsgAsanaFullBackfill, DurationSeconds: durationSeconds}},
		{"clickup-historical", "30 2 * * *", models.SourceClickUp,
			Message{Source: MsgClickUpFullBackfill, DurationSeconds: durationSeconds}},
		{"pylon-historical", "0 3 * * *", models.SourcePylon,
			Message{Source: MsgPylonFullBackfill, DurationSeconds: durationSeconds}},
		{"clickup-permissions", "0 4 * * 0", models.SourceClickUp,
			Message{Source: MsgClickUpPermissionsRefresh, DurationSeconds: durationSeconds}},
	}
}

// Scheduler turns cron fires into per-tenant queue messages.
type Scheduler struct {
	cron    *cron.Cron
	queue   *Queue
	tenants TenantLister
	log     zerolog.Logger
}

func NewScheduler(q *Queue, tenants TenantLister) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		queue:   q,
		tenants: tenants,
		log:     logging.WithComponent("scheduler"),
	}
}

// Register adds one job to the cron table.
func (s *Scheduler) Register(job ScheduledJob) error {
	if _, err := s.cron.AddFunc(job.Spec, func() { s.fire(context.Background(), job) }); err != nil {
		return fmt.Errorf("register %s (%q): %w", job.Name, job.Spec, err)
	}
	s.log.Info().Str("job", job.Name).Str("spec", job.Spec).Msg("scheduled")
	return nil
}

// fire fans one job out over its installed tenants. Each tenant's message
// gets a fresh backfill id; continuations re-use it.
func (s *Scheduler) fire(ctx context.Context, job ScheduledJob) {
	tenants, err := s.tenants.ListTenantsWithIntegration(ctx, job.Source)
	if err != nil {
		s.log.Error().Err(err).Str("job", job.Name).Msg("resolve tenants")
		return
	}

	enqueued := 0
	for _, t := range tenants {
		msg := job.Template
		msg.TenantID = t.TenantID
		msg.BackfillID = uuid.New().String()
		if err := s.queue.Enqueue(ctx, msg); err != nil {
			s.log.Error().Err(err).Str("job", job.Name).Str("tenant_id", t.TenantID).Msg("enqueue")
			continue
		}
		enqueued++
	}
	s.log.Info().Str("job", job.Name).Int("tenants", enqueued).Msg("fired")
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron table; in-flight fires finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
