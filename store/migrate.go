package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openmesh-labs/pool-coordinator/model"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// ApplyMigrations runs every embedded *.sql file in lexical order against
// the pool. Schema migration failure at startup is fatal to the process;
// this function only reports the error, the caller decides to exit.
func ApplyMigrations(ctx context.Context, s *Store) error {
	entries, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(entries)

	for _, name := range entries {
		sqlBytes, err := migrationFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.Pool.Exec(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Seed installs the default pool-wide policy row and one active pricing
// rule per job type, so a fresh deployment dispatches and accounts without
// manual data entry.
func Seed(ctx context.Context, s *Store) error {
	return s.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := SeedPoolSettings(ctx, tx, defaultPoolSettings()); err != nil {
			return err
		}
		now := seedEpoch()
		defaults := []model.PricingRule{
			{JobType: model.JobInference, UnitCostTokens: 20, MinimumCharge: 1, EffectiveFrom: now, IsActive: true},
			{JobType: model.JobFineTuning, UnitCostTokens: 200, MinimumCharge: 10, EffectiveFrom: now, IsActive: true},
			{JobType: model.JobEmbedding, UnitCostTokens: 5, MinimumCharge: 1, EffectiveFrom: now, IsActive: true},
		}
		for _, rule := range defaults {
			if err := SeedPricingRule(ctx, tx, rule); err != nil {
				return err
			}
		}
		return nil
	})
}

// seedEpoch is a fixed, deterministic "effective_from" for seeded pricing
// rules so repeated seed runs never insert distinct rows for the same
// instant - SeedPricingRule's own guard also prevents duplicates, but a
// stable timestamp keeps the data itself reproducible across environments.
func seedEpoch() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}
