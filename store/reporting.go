package store

import (
	"context"
	"fmt"
)

// Reporting is a read-only query set used by the cmd tool's `report`
// subcommand, never by the hot dispatch/verify/submit paths.
type Reporting struct {
	db Querier
}

// NewReporting wraps db (a *pgxpool.Pool or a transaction) for read-only use.
func NewReporting(db Querier) *Reporting { return &Reporting{db: db} }

// AccountBalance is one row of a ledger balance report.
type AccountBalance struct {
	AccountID int64
	OwnerType string
	OwnerID   int64
	Currency  string
	Balance   float64
}

// LedgerBalances lists every account and its current balance, ordered by
// owner type then owner id.
func (r *Reporting) LedgerBalances(ctx context.Context) ([]AccountBalance, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, owner_type, owner_id, currency, balance
		FROM accounts
		ORDER BY owner_type, owner_id`)
	if err != nil {
		return nil, fmt.Errorf("list ledger balances: %w", err)
	}
	defer rows.Close()

	var out []AccountBalance
	for rows.Next() {
		var b AccountBalance
		if err := rows.Scan(&b.AccountID, &b.OwnerType, &b.OwnerID, &b.Currency, &b.Balance); err != nil {
			return nil, fmt.Errorf("scan ledger balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// WorkerLeaderboardRow is one entry of the reputation leaderboard.
type WorkerLeaderboardRow struct {
	WorkerID   int64
	Name       string
	Reputation float64
	Status     string
}

// WorkerLeaderboard lists workers ordered by reputation (read out of their
// specs JSON) descending, limited to limit rows.
func (r *Reporting) WorkerLeaderboard(ctx context.Context, limit int) ([]WorkerLeaderboardRow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, status, coalesce((specs->>'reputation')::float8, 0.5) AS reputation
		FROM workers
		ORDER BY reputation DESC, id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("worker leaderboard: %w", err)
	}
	defer rows.Close()

	var out []WorkerLeaderboardRow
	for rows.Next() {
		var row WorkerLeaderboardRow
		if err := rows.Scan(&row.WorkerID, &row.Name, &row.Status, &row.Reputation); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// JobFunnelCounts is the count of jobs in each lifecycle status.
type JobFunnelCounts struct {
	Queued    int64
	Running   int64
	Completed int64
	Failed    int64
	Canceled  int64
}

// JobFunnel returns how many jobs currently sit in each status.
func (r *Reporting) JobFunnel(ctx context.Context) (JobFunnelCounts, error) {
	rows, err := r.db.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return JobFunnelCounts{}, fmt.Errorf("job funnel: %w", err)
	}
	defer rows.Close()

	var out JobFunnelCounts
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return JobFunnelCounts{}, fmt.Errorf("scan job funnel row: %w", err)
		}
		switch status {
		case "queued":
			out.Queued = n
		case "running":
			out.Running = n
		case "completed":
			out.Completed = n
		case "failed":
			out.Failed = n
		case "canceled":
			out.Canceled = n
		}
	}
	return out, rows.Err()
}
