package repository

import (
	"context"
	"fmt"
	"time"

	"gather-ingest/internal/models"
)

// TenantIntegration is one installed source integration, with the
// credential the extractor will use.
type TenantIntegration struct {
	TenantID    string
	Source      models.DocumentSource
	AccessToken string
}

// TenantBilling carries everything the usage tracker needs to resolve a
// billing period and a quota.
type TenantBilling struct {
	TenantID        string
	Tier            string // free | pro | enterprise | trial | expired_trial
	IsGatherManaged bool
	RequestLimit    int64
	// BillingCycleAnchor set means a live subscription; periods walk
	// forward from it by whole months.
	BillingCycleAnchor *time.Time
	TrialStartAt       *time.Time
}

// ListTenantsWithIntegration returns every tenant with the given source
// installed. The scheduler fans backfill messages out over this list.
func (r *Repository) ListTenantsWithIntegration(ctx context.Context, source models.DocumentSource) ([]TenantIntegration, error) {
	rows, err := r.db.Query(ctx, `
		SELECT tenant_id, source, access_token
		FROM tenant_integrations
		WHERE source = $1 AND is_active`,
		string(source))
	if err != nil {
		return nil, fmt.Errorf("list tenants with integration %s: %w", source, err)
	}
	defer rows.Close()

	var out []TenantIntegration
	for rows.Next() {
		var ti TenantIntegration
		var src string
		if err := rows.Scan(&ti.TenantID, &src, &ti.AccessToken); err != nil {
			return nil, fmt.Errorf("scan tenant integration: %w", err)
		}
		ti.Source = models.DocumentSource(src)
		out = append(out, ti)
	}
	return out, rows.Err()
}

// GetIntegration returns one tenant's credential for a source.
func (r *Repository) GetIntegration(ctx context.Context, tenantID string, source models.DocumentSource) (*TenantIntegration, error) {
	var ti TenantIntegration
	var src string
	err := r.db.QueryRow(ctx, `
		SELECT tenant_id, source, access_token
		FROM tenant_integrations
		WHERE tenant_id = $1 AND source = $2 AND is_active`,
		tenantID, string(source)).Scan(&ti.TenantID, &src, &ti.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("get integration %s/%s: %w", tenantID, source, err)
	}
	ti.Source = models.DocumentSource(src)
	return &ti, nil
}

// GetTenantBilling loads the billing shape for one tenant.
func (r *Repository) GetTenantBilling(ctx context.Context, tenantID string) (*TenantBilling, error) {
	var tb TenantBilling
	err := r.db.QueryRow(ctx, `
		SELECT tenant_id, tier, is_gather_managed, request_limit, billing_cycle_anchor, trial_start_at
		FROM tenants
		WHERE tenant_id = $1`,
		tenantID).Scan(&tb.TenantID, &tb.Tier, &tb.IsGatherManaged, &tb.RequestLimit, &tb.BillingCycleAnchor, &tb.TrialStartAt)
	if err != nil {
		return nil, fmt.Errorf("get tenant billing %s: %w", tenantID, err)
	}
	return &tb, nil
}
