package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gather-ingest/internal/models"
)

// InsertUsageRecord persists one usage observation. This is the durable
// half of the tracker; the Redis counter is the fast path.
func (r *Repository) InsertUsageRecord(ctx context.Context, rec models.UsageRecord) error {
	var details []byte
	if rec.SourceDetails != nil {
		var err error
		details, err = json.Marshal(rec.SourceDetails)
		if err != nil {
			return fmt.Errorf("marshal usage source details: %w", err)
		}
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO usage_records (tenant_id, metric_type, metric_value, source_type, source_details, recorded_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		rec.TenantID, string(rec.Metric), rec.Value, rec.SourceType, details, rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// SumUsage totals one metric over [periodStart, periodEnd). The tracker
// calls this when the Redis counter is missing, then writes the sum back.
func (r *Repository) SumUsage(ctx context.Context, tenantID string, metric models.UsageMetric, periodStart, periodEnd time.Time) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(metric_value), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND metric_type = $2
		  AND recorded_at >= $3 AND recorded_at < $4`,
		tenantID, string(metric), periodStart, periodEnd).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total, nil
}
