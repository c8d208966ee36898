package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gather-ingest/internal/models"
	"gather-ingest/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	billing *repository.TenantBilling
	bErr    error
	records []models.UsageRecord
	sum     int64
	sumErr  error
}

func (f *fakeStore) GetTenantBilling(_ context.Context, _ string) (*repository.TenantBilling, error) {
	return f.billing, f.bErr
}

func (f *fakeStore) SumUsage(_ context.Context, _ string, _ models.UsageMetric, _, _ time.Time) (int64, error) {
	return f.sum, f.sumErr
}

func (f *fakeStore) InsertUsageRecord(_ context.Context, rec models.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStore) recorded() []models.UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.UsageRecord(nil), f.records...)
}

func newTestTracker(t *testing.T, store *fakeStore) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	tracker := NewTracker(client, store)
	tracker.now = func() time.Time {
		return time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)
	}
	return tracker, mr
}

func proBilling(limit int64) *repository.TenantBilling {
	anchor := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	return &repository.TenantBilling{
		TenantID:           "t1",
		Tier:               "pro",
		RequestLimit:       limit,
		BillingCycleAnchor: &anchor,
	}
}

func TestQuotaBoundary(t *testing.T) {
	store := &fakeStore{billing: proBilling(100), sum: 99}
	tracker, _ := newTestTracker(t, store)

	// 99 used of 100: one more request fits exactly.
	res := tracker.CheckAndRecord(context.Background(), "t1", map[models.UsageMetric]int64{models.MetricRequests: 1}, "api", false)
	require.True(t, res.Allowed)
	require.False(t, res.QuotaExceeded)

	tracker.Flush()

	// The recorded request pushed the counter to 100; the same check again
	// must now deny on quota.
	res = tracker.CheckAndRecord(context.Background(), "t1", map[models.UsageMetric]int64{models.MetricRequests: 1}, "api", false)
	require.False(t, res.Allowed)
	require.True(t, res.QuotaExceeded)
	require.Equal(t, subscriptionQuotaMessage, res.Message)
}

func TestExpiredTrialDeniesOnTimeNotQuota(t *testing.T) {
	store := &fakeStore{billing: &repository.TenantBilling{TenantID: "t1", Tier: "expired_trial", RequestLimit: 100}}
	tracker, _ := newTestTracker(t, store)

	res := tracker.CheckAndRecord(context.Background(), "t1", map[models.UsageMetric]int64{models.MetricRequests: 1}, "api", false)
	require.False(t, res.Allowed)
	require.False(t, res.QuotaExceeded)
	require.True(t, res.IsTrial)
	require.Equal(t, expiredTrialMessage, res.Message)

	tracker.Flush()
	require.Empty(t, store.recorded(), "denied requests must not record usage")
}

func TestGatherManagedBypasses(t *testing.T) {
	billing := proBilling(0)
	billing.IsGatherManaged = true
	store := &fakeStore{billing: billing}
	tracker, _ := newTestTracker(t, store)

	res := tracker.CheckAndRecord(context.Background(), "t1", map[models.UsageMetric]int64{models.MetricRequests: 1}, "api", false)
	require.True(t, res.Allowed)

	tracker.Flush()
	require.Empty(t, store.recorded())
}

func TestNonBillableBypasses(t *testing.T) {
	store := &fakeStore{billing: proBilling(1)}
	tracker, _ := newTestTracker(t, store)

	for i := 0; i < 5; i++ {
		res := tracker.CheckAndRecord(context.Background(), "t1", map[models.UsageMetric]int64{models.MetricRequests: 1}, "api", true)
		require.True(t, res.Allowed)
	}
	tracker.Flush()
	require.Empty(t, store.recorded())
}

func TestRedisMissFallsBackToDBAndRepopulates(t *testing.T) {
	store := &fakeStore{billing: proBilling(1000), sum: 42}
	tracker, mr := newTestTracker(t, store)

	res := tracker.CheckAndRecord(context.Background(), "t1", map[models.UsageMetric]int64{models.MetricRequests: 1}, "api", false)
	require.True(t, res.Allowed)
	tracker.Flush()

	// Period for a Jan-1 anchor at mid-March starts Mar 1. The DB total 42
	// was written back, then the async increment added 1.
	key := "usage:t1:requests:2024-03-01"
	val, err := mr.Get(key)
	require.NoError(t, err)
	require.Equal(t, "43", val)

	ttl := mr.TTL(key)
	require.True(t, ttl > 0 && ttl <= counterTTL)
}

func TestTrackerFailsOpen(t *testing.T) {
	store := &fakeStore{bErr: errors.New("db down")}
	tracker, _ := newTestTracker(t, store)

	res := tracker.CheckAndRecord(context.Background(), "t1", map[models.UsageMetric]int64{models.MetricRequests: 1}, "api", false)
	require.True(t, res.Allowed)
}

func TestUsageReadErrorFailsOpen(t *testing.T) {
	store := &fakeStore{billing: proBilling(10), sumErr: errors.New("db down")}
	tracker, mr := newTestTracker(t, store)
	// Force the redis read to fail too.
	mr.Close()

	res := tracker.CheckAndRecord(context.Background(), "t1", map[models.UsageMetric]int64{models.MetricRequests: 1}, "api", false)
	require.True(t, res.Allowed)
}

func TestRecordsAllMetrics(t *testing.T) {
	store := &fakeStore{billing: proBilling(1000)}
	tracker, _ := newTestTracker(t, store)

	tracker.CheckAndRecord(context.Background(), "t1", map[models.UsageMetric]int64{
		models.MetricRequests:        1,
		models.MetricInputTokens:     250,
		models.MetricEmbeddingTokens: 900,
	}, "extractor", false)
	tracker.Flush()

	recs := store.recorded()
	require.Len(t, recs, 3)
	byMetric := map[models.UsageMetric]int64{}
	for _, r := range recs {
		byMetric[r.Metric] = r.Value
	}
	require.Equal(t, int64(1), byMetric[models.MetricRequests])
	require.Equal(t, int64(250), byMetric[models.MetricInputTokens])
	require.Equal(t, int64(900), byMetric[models.MetricEmbeddingTokens])
}
