package store

import (
	"context"
	"fmt"

	"github.com/openmesh-labs/pool-coordinator/model"
)

// defaultPoolSettings mirrors what the seed migration installs for row
// id=1, and is also what GetPoolSettings falls back to if the singleton is
// somehow missing - hot paths should never fail outright over a policy row.
func defaultPoolSettings() model.PoolSettings {
	return model.PoolSettings{
		ID:                       1,
		PoolFeeBps:               1000,
		AuditIntervalJobs:        0,
		AuditJobRateBps:          0,
		FraudBanThreshold:        3,
		EmbedSimilarityThreshold: 0.985,
		DailyEmissionCapTokens:   1000,
		DailyEmissionBaseTokens:  24,
		EmissionCronHour:         0,
		EmissionCronMinute:       5,
	}
}

// GetPoolSettings loads the singleton policy row (id=1).
func GetPoolSettings(ctx context.Context, db Querier) (model.PoolSettings, error) {
	var s model.PoolSettings
	err := db.QueryRow(ctx, `
		SELECT id, pool_fee_bps, audit_interval_jobs, audit_job_rate_bps, fraud_ban_threshold,
		       embed_similarity_threshold, daily_emission_cap_tokens, daily_emission_base_tokens,
		       emission_cron_hour, emission_cron_minute
		FROM pool_settings WHERE id = 1`,
	).Scan(&s.ID, &s.PoolFeeBps, &s.AuditIntervalJobs, &s.AuditJobRateBps, &s.FraudBanThreshold,
		&s.EmbedSimilarityThreshold, &s.DailyEmissionCapTokens, &s.DailyEmissionBaseTokens,
		&s.EmissionCronHour, &s.EmissionCronMinute)
	if err != nil {
		if isNoRows(err) {
			return defaultPoolSettings(), nil
		}
		return model.PoolSettings{}, fmt.Errorf("get pool settings: %w", err)
	}
	return s, nil
}

// SeedPoolSettings inserts the singleton row with s's values if it does not
// already exist.
func SeedPoolSettings(ctx context.Context, db Querier, s model.PoolSettings) error {
	_, err := db.Exec(ctx, `
		INSERT INTO pool_settings (id, pool_fee_bps, audit_interval_jobs, audit_job_rate_bps,
		                           fraud_ban_threshold, embed_similarity_threshold,
		                           daily_emission_cap_tokens, daily_emission_base_tokens,
		                           emission_cron_hour, emission_cron_minute)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		s.PoolFeeBps, s.AuditIntervalJobs, s.AuditJobRateBps, s.FraudBanThreshold,
		s.EmbedSimilarityThreshold, s.DailyEmissionCapTokens, s.DailyEmissionBaseTokens,
		s.EmissionCronHour, s.EmissionCronMinute)
	if err != nil {
		return fmt.Errorf("seed pool settings: %w", err)
	}
	return nil
}
