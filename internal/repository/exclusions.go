package repository

import (
	"context"
	"fmt"

	"gather-ingest/internal/models"
)

// LoadExclusionRules returns the active rules for one entity kind.
func (r *Repository) LoadExclusionRules(ctx context.Context, tenantID string, kind models.EntityKind) ([]models.ExclusionRule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT entity_type, rule, is_active
		FROM exclusion_rules
		WHERE tenant_id = $1 AND entity_type = $2 AND is_active`,
		tenantID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("load exclusion rules: %w", err)
	}
	defer rows.Close()

	var rules []models.ExclusionRule
	for rows.Next() {
		var rule models.ExclusionRule
		var kindStr string
		if err := rows.Scan(&kindStr, &rule.Rule, &rule.IsActive); err != nil {
			return nil, fmt.Errorf("scan exclusion rule: %w", err)
		}
		rule.EntityKind = models.EntityKind(kindStr)
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SaveExclusionRule inserts a rule. Used by fixture tooling and admin paths.
func (r *Repository) SaveExclusionRule(ctx context.Context, tenantID string, rule models.ExclusionRule) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO exclusion_rules (tenant_id, entity_type, rule, is_active)
		VALUES ($1, $2, $3, $4)`,
		tenantID, string(rule.EntityKind), rule.Rule, rule.IsActive)
	if err != nil {
		return fmt.Errorf("save exclusion rule: %w", err)
	}
	return nil
}
