package usage

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gather-ingest/internal/logging"
	"gather-ingest/internal/models"
	"gather-ingest/internal/repository"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// counterTTL keeps period counters around long enough for late reads and
// support audits without growing the keyspace forever.
const counterTTL = 90 * 24 * time.Hour

const (
	expiredTrialMessage      = "Your free trial has ended. Please upgrade your plan to continue using Gather."
	trialQuotaMessage        = "You've reached the monthly request limit for your trial. Your quota resets at the start of the next billing period."
	subscriptionQuotaMessage = "You've reached your plan's monthly request limit. Your quota resets at the start of the next billing period."
)

// Store is the durable half of the tracker.
type Store interface {
	GetTenantBilling(ctx context.Context, tenantID string) (*repository.TenantBilling, error)
	SumUsage(ctx context.Context, tenantID string, metric models.UsageMetric, periodStart, periodEnd time.Time) (int64, error)
	InsertUsageRecord(ctx context.Context, rec models.UsageRecord) error
}

// CheckResult is the outcome of one quota check.
type CheckResult struct {
	Allowed       bool
	IsTrial       bool
	QuotaExceeded bool
	Tier          string
	// Message is the templated denial text, empty when allowed.
	Message string
}

// Tracker enforces monthly quotas with a Redis-primary, DB-secondary
// counter. Every failure path fails open: billing integrity is eventually
// consistent through the usage_records table, and we never block a tenant
// because our own accounting broke.
type Tracker struct {
	redis *redis.Client
	store Store
	log   zerolog.Logger

	// now is swappable for tests.
	now func() time.Time

	// bg tracks fire-and-forget recording goroutines so shutdown and tests
	// can wait for them.
	bg sync.WaitGroup
}

func NewTracker(rdb *redis.Client, store Store) *Tracker {
	return &Tracker{
		redis: rdb,
		store: store,
		log:   logging.WithComponent("usage"),
		now:   time.Now,
	}
}

// periodKey derives the Redis counter key for a metric in the period
// starting at periodStart.
func periodKey(tenantID string, metric models.UsageMetric, periodStart time.Time) string {
	return fmt.Sprintf("usage:%s:%s:%s", tenantID, metric, periodStart.UTC().Format("2006-01-02"))
}

// CheckAndRecord checks the requests quota and schedules recording of all
// supplied metrics. Recording is asynchronous; the caller never waits on it.
func (t *Tracker) CheckAndRecord(ctx context.Context, tenantID string, metrics map[models.UsageMetric]int64, sourceType string, nonBillable bool) CheckResult {
	billing, err := t.store.GetTenantBilling(ctx, tenantID)
	if err != nil {
		t.log.Error().Err(err).Str("tenant_id", tenantID).Msg("billing lookup failed, allowing request")
		return CheckResult{Allowed: true}
	}

	isTrial := billing.Tier == "trial" || billing.Tier == "expired_trial"

	if billing.IsGatherManaged || nonBillable {
		return CheckResult{Allowed: true, IsTrial: isTrial, Tier: billing.Tier}
	}

	if billing.Tier == "expired_trial" {
		// Expired trials are denied on time, not quota.
		return CheckResult{
			Allowed: false,
			IsTrial: true,
			Tier:    billing.Tier,
			Message: expiredTrialMessage,
		}
	}

	periodStart, periodEnd := CurrentPeriod(billing, t.now())

	if incoming, ok := metrics[models.MetricRequests]; ok && billing.RequestLimit > 0 {
		current, err := t.currentUsage(ctx, tenantID, models.MetricRequests, periodStart, periodEnd)
		if err != nil {
			t.log.Error().Err(err).Str("tenant_id", tenantID).Msg("usage read failed, allowing request")
		} else if current+incoming > billing.RequestLimit {
			msg := subscriptionQuotaMessage
			if isTrial {
				msg = trialQuotaMessage
			}
			return CheckResult{
				Allowed:       false,
				IsTrial:       isTrial,
				QuotaExceeded: true,
				Tier:          billing.Tier,
				Message:       msg,
			}
		}
	}

	t.recordAsync(tenantID, metrics, sourceType, periodStart)

	return CheckResult{Allowed: true, IsTrial: isTrial, Tier: billing.Tier}
}

// currentUsage reads the period counter from Redis, falling back to the
// usage table and repopulating Redis on a miss.
func (t *Tracker) currentUsage(ctx context.Context, tenantID string, metric models.UsageMetric, periodStart, periodEnd time.Time) (int64, error) {
	key := periodKey(tenantID, metric, periodStart)

	val, err := t.redis.Get(ctx, key).Result()
	if err == nil {
		n, perr := strconv.ParseInt(val, 10, 64)
		if perr == nil {
			return n, nil
		}
		t.log.Warn().Str("key", key).Str("value", val).Msg("corrupt usage counter, rebuilding from db")
	} else if err != redis.Nil {
		t.log.Warn().Err(err).Str("key", key).Msg("redis usage read failed, falling back to db")
	}

	total, err := t.store.SumUsage(ctx, tenantID, metric, periodStart, periodEnd)
	if err != nil {
		return 0, err
	}

	if err := t.redis.Set(ctx, key, total, counterTTL).Err(); err != nil {
		t.log.Warn().Err(err).Str("key", key).Msg("failed to repopulate usage counter")
	}
	return total, nil
}

// recordAsync schedules the write-through. The Redis increment and the DB
// insert are independent; either failing alone only logs.
func (t *Tracker) recordAsync(tenantID string, metrics map[models.UsageMetric]int64, sourceType string, periodStart time.Time) {
	recordedAt := t.now()

	t.bg.Add(1)
	go func() {
		defer t.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		for metric, value := range metrics {
			if value <= 0 {
				continue
			}

			key := periodKey(tenantID, metric, periodStart)
			n, err := t.redis.IncrBy(ctx, key, value).Result()
			if err != nil {
				t.log.Warn().Err(err).Str("key", key).Msg("usage counter increment failed")
			} else if n == value {
				// First write created the key; give it its TTL.
				if err := t.redis.Expire(ctx, key, counterTTL).Err(); err != nil {
					t.log.Warn().Err(err).Str("key", key).Msg("failed to set usage counter ttl")
				}
			}

			if err := t.store.InsertUsageRecord(ctx, models.UsageRecord{
				TenantID:   tenantID,
				Metric:     metric,
				Value:      value,
				SourceType: sourceType,
				RecordedAt: recordedAt,
			}); err != nil {
				t.log.Warn().Err(err).Str("tenant_id", tenantID).Str("metric", string(metric)).Msg("usage record insert failed")
			}
		}
	}()
}

// Flush waits for outstanding background recordings. Called on shutdown
// and by tests.
func (t *Tracker) Flush() {
	t.bg.Wait()
}
