package queue

import (
	"context"
	"errors"
	"time"

	"gather-ingest/internal/extractor"
	"gather-ingest/internal/logging"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// budgetSafetyMargin keeps the processing deadline comfortably inside the
// visibility timeout so a continuation is always enqueued before the
// original message could be redelivered.
const budgetSafetyMargin = 2 * time.Minute

const dequeueWait = 5 * time.Second

// Handler runs one message. Complete == false in the result makes the pool
// enqueue a continuation carrying the same backfill id.
type Handler func(ctx context.Context, job extractor.Job, msg Message) (extractor.Result, error)

// Pool consumes the backfill queue with a fixed number of workers and a
// reaper that returns expired deliveries to pending.
type Pool struct {
	queue         *Queue
	handlers      map[string]Handler
	workers       int
	defaultBudget time.Duration
	log           zerolog.Logger

	now func() time.Time
}

func NewPool(q *Queue, workers int, defaultBudget time.Duration) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		queue:         q,
		handlers:      map[string]Handler{},
		workers:       workers,
		defaultBudget: defaultBudget,
		log:           logging.WithComponent("worker"),
		now:           time.Now,
	}
}

// Handle registers the handler for one message source tag.
func (p *Pool) Handle(source string, h Handler) {
	p.handlers[source] = h
}

// Run blocks until ctx is cancelled, consuming with p.workers goroutines.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.consumeLoop(ctx)
			return nil
		})
	}
	g.Go(func() error {
		p.reapLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (p *Pool) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		d, err := p.queue.Dequeue(ctx, dequeueWait)
		if errors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error().Err(err).Msg("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		p.process(ctx, d)
	}
}

// process dispatches one delivery. Handler errors leave the message
// unacked; the visibility timeout turns that into a retry.
func (p *Pool) process(ctx context.Context, d *Delivery) {
	msg := d.Message
	log := p.log.With().
		Str("source", msg.Source).
		Str("tenant_id", msg.TenantID).
		Str("backfill_id", msg.BackfillID).
		Logger()

	h, ok := p.handlers[msg.Source]
	if !ok {
		log.Error().Msg("no handler for message source, dropping")
		if err := p.queue.Ack(ctx, d); err != nil {
			log.Warn().Err(err).Msg("ack unroutable message")
		}
		return
	}

	if msg.BackfillID == "" {
		msg.BackfillID = uuid.New().String()
	}

	budget := p.defaultBudget
	if msg.DurationSeconds > 0 {
		budget = time.Duration(msg.DurationSeconds)*time.Second - budgetSafetyMargin
		if budget <= 0 {
			budget = time.Duration(msg.DurationSeconds) * time.Second
		}
	}
	job := extractor.Job{
		TenantID:             msg.TenantID,
		BackfillID:           msg.BackfillID,
		Deadline:             p.now().Add(budget),
		SuppressNotification: msg.SuppressNotification,
	}

	started := p.now()
	res, err := h(ctx, job, msg)
	if err != nil {
		log.Error().Err(err).Dur("elapsed", p.now().Sub(started)).Msg("backfill failed, leaving for redelivery")
		return
	}

	if !res.Complete {
		cont := msg
		cont.ID = ""
		if err := p.queue.Enqueue(ctx, cont); err != nil {
			// Not acking keeps the original redeliverable, so the run
			// still resumes after the visibility timeout.
			log.Error().Err(err).Msg("enqueue continuation failed")
			return
		}
		log.Info().Dur("elapsed", p.now().Sub(started)).Msg("budget spent, continuation enqueued")
	} else {
		log.Info().Dur("elapsed", p.now().Sub(started)).Msg("backfill complete")
	}

	if err := p.queue.Ack(ctx, d); err != nil {
		log.Warn().Err(err).Msg("ack failed")
	}
}

func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.queue.Reap(ctx); err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("reap failed")
			}
		}
	}
}
