package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gather-ingest/internal/logging"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	pendingKey    = "ingest:backfills:pending"
	processingKey = "ingest:backfills:processing"
	deliveriesKey = "ingest:backfills:deliveries"
)

// DefaultVisibilityTimeout is how long a delivered message may sit unacked
// in the processing list before the reaper hands it back to pending.
const DefaultVisibilityTimeout = 15 * time.Minute

// ErrEmpty is returned by Dequeue when the blocking pop times out with
// nothing to deliver.
var ErrEmpty = errors.New("queue empty")

// Queue is a durable Redis list queue. Producers LPUSH onto pending;
// workers atomically move an entry to processing with BLMOVE and ack it
// with LREM after the job lands. Delivery timestamps live in a hash so the
// reaper can re-queue entries whose worker died mid-job.
type Queue struct {
	rdb        *redis.Client
	visibility time.Duration
	log        zerolog.Logger

	now func() time.Time
}

func New(rdb *redis.Client, visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &Queue{
		rdb:        rdb,
		visibility: visibility,
		log:        logging.WithComponent("queue"),
		now:        time.Now,
	}
}

// Enqueue publishes a message. A missing ID is assigned so the payload is
// unique on the list.
func (q *Queue) Enqueue(ctx context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	payload, err := encodeMessage(m)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, pendingKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", m.Source, err)
	}
	return nil
}

// Delivery is one in-flight message. The raw payload is the ack handle.
type Delivery struct {
	Message Message
	payload string
}

// Dequeue blocks up to wait for the next message, moving it to the
// processing list and stamping its delivery time. A malformed payload is
// dropped with a log line rather than poisoning the worker loop.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	payload, err := q.rdb.BLMove(ctx, pendingKey, processingKey, "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	if err := q.rdb.HSet(ctx, deliveriesKey, payload, q.now().Unix()).Err(); err != nil {
		q.log.Warn().Err(err).Msg("stamp delivery time")
	}

	msg, err := decodeMessage(payload)
	if err != nil {
		q.log.Error().Err(err).Str("payload", payload).Msg("dropping undecodable message")
		if ackErr := q.ack(ctx, payload); ackErr != nil {
			q.log.Warn().Err(ackErr).Msg("drop undecodable message")
		}
		return nil, ErrEmpty
	}
	return &Delivery{Message: msg, payload: payload}, nil
}

// Ack removes a delivered message from the processing list.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	return q.ack(ctx, d.payload)
}

func (q *Queue) ack(ctx context.Context, payload string) error {
	if err := q.rdb.LRem(ctx, processingKey, 1, payload).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	if err := q.rdb.HDel(ctx, deliveriesKey, payload).Err(); err != nil {
		return fmt.Errorf("clear delivery stamp: %w", err)
	}
	return nil
}

// Reap returns processing entries older than the visibility timeout to the
// pending list. Entries with no delivery stamp get one now instead of being
// re-queued immediately.
func (q *Queue) Reap(ctx context.Context) (int, error) {
	payloads, err := q.rdb.LRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("reap: list processing: %w", err)
	}

	now := q.now()
	reaped := 0
	for _, payload := range payloads {
		stamp, err := q.rdb.HGet(ctx, deliveriesKey, payload).Result()
		if errors.Is(err, redis.Nil) {
			if err := q.rdb.HSet(ctx, deliveriesKey, payload, now.Unix()).Err(); err != nil {
				q.log.Warn().Err(err).Msg("stamp orphan delivery")
			}
			continue
		}
		if err != nil {
			return reaped, fmt.Errorf("reap: read delivery stamp: %w", err)
		}

		deliveredAt, err := strconv.ParseInt(stamp, 10, 64)
		if err != nil {
			deliveredAt = 0
		}
		if now.Sub(time.Unix(deliveredAt, 0)) < q.visibility {
			continue
		}

		removed, err := q.rdb.LRem(ctx, processingKey, 1, payload).Result()
		if err != nil {
			return reaped, fmt.Errorf("reap: remove from processing: %w", err)
		}
		if removed == 0 {
			// A worker acked between LRANGE and LREM.
			continue
		}
		if err := q.rdb.HDel(ctx, deliveriesKey, payload).Err(); err != nil {
			q.log.Warn().Err(err).Msg("clear reaped delivery stamp")
		}
		if err := q.rdb.LPush(ctx, pendingKey, payload).Err(); err != nil {
			return reaped, fmt.Errorf("reap: re-queue: %w", err)
		}
		reaped++
	}

	if reaped > 0 {
		q.log.Warn().Int("messages", reaped).Msg("re-queued expired deliveries")
	}
	return reaped, nil
}

// Depths reports pending and processing list lengths for the status API.
func (q *Queue) Depths(ctx context.Context) (pending, processing int64, err error) {
	pending, err = q.rdb.LLen(ctx, pendingKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	processing, err = q.rdb.LLen(ctx, processingKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return pending, processing, nil
}
