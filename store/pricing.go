package store

import (
	"context"
	"fmt"

	"github.com/openmesh-labs/pool-coordinator/model"
)

// ActivePricingRule returns the active rule for jobType: the most recent by
// (effective_from desc, id desc) among rows with is_active=true. A nil
// result (no rows) means Accounting skips the job silently.
func ActivePricingRule(ctx context.Context, db Querier, jobType model.JobType) (*model.PricingRule, error) {
	var r model.PricingRule
	err := db.QueryRow(ctx, `
		SELECT id, job_type, unit_cost_tokens, minimum_charge, effective_from, effective_to, is_active
		FROM pricing_rules
		WHERE job_type = $1 AND is_active = true
		ORDER BY effective_from DESC, id DESC
		LIMIT 1`, jobType,
	).Scan(&r.ID, &r.JobType, &r.UnitCostTokens, &r.MinimumCharge, &r.EffectiveFrom, &r.EffectiveTo, &r.IsActive)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("active pricing rule for %s: %w", jobType, err)
	}
	return &r, nil
}

// SeedPricingRule inserts one active rule for jobType if none exists yet -
// the `migrate` subcommand's default-data step.
func SeedPricingRule(ctx context.Context, db Querier, r model.PricingRule) error {
	_, err := db.Exec(ctx, `
		INSERT INTO pricing_rules (job_type, unit_cost_tokens, minimum_charge, effective_from, effective_to, is_active)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE NOT EXISTS (SELECT 1 FROM pricing_rules WHERE job_type = $1 AND is_active = true)`,
		r.JobType, r.UnitCostTokens, r.MinimumCharge, r.EffectiveFrom, r.EffectiveTo, r.IsActive)
	if err != nil {
		return fmt.Errorf("seed pricing rule for %s: %w", r.JobType, err)
	}
	return nil
}
