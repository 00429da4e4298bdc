package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openmesh-labs/pool-coordinator/model"
)

// HasLedgerEntry reports whether an entry of entryType already exists for
// assignmentID - Accounting's idempotency guard.
func HasLedgerEntry(ctx context.Context, db Querier, assignmentID int64, entryType string) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE assignment_id = $1 AND entry_type = $2)`,
		assignmentID, entryType,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check ledger entry for assignment %d: %w", assignmentID, err)
	}
	return exists, nil
}

// PostLedgerEntry inserts one ledger row and adjusts the owning account's
// balance with a second statement; run inside a transaction, an account's
// balance stays equal to the running sum of its entries by construction.
func PostLedgerEntry(ctx context.Context, db Querier, e model.LedgerEntry) (model.LedgerEntry, error) {
	detailsRaw, err := json.Marshal(e.Details)
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("encode ledger details: %w", err)
	}

	_, err = db.Exec(ctx, `UPDATE accounts SET balance = balance + $2 WHERE id = $1`, e.AccountID, e.Amount)
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("credit account %d: %w", e.AccountID, err)
	}

	var out model.LedgerEntry
	var raw []byte
	err = db.QueryRow(ctx, `
		INSERT INTO ledger_entries (account_id, amount, entry_type, job_id, assignment_id, details)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, account_id, amount, entry_type, job_id, assignment_id, details, created_at`,
		e.AccountID, e.Amount, e.EntryType, e.JobID, e.AssignmentID, detailsRaw,
	).Scan(&out.ID, &out.AccountID, &out.Amount, &out.EntryType, &out.JobID, &out.AssignmentID, &raw, &out.CreatedAt)
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("post ledger entry: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out.Details); err != nil {
			return model.LedgerEntry{}, fmt.Errorf("decode ledger details: %w", err)
		}
	}
	return out, nil
}

// SumLedgerEntriesByAssignment returns the summed amount of all entries
// against assignmentID - zero for any verified, accounted job - used by
// audits and available to Reporting.
func SumLedgerEntriesByAssignment(ctx context.Context, db Querier, assignmentID int64) (float64, error) {
	var sum float64
	err := db.QueryRow(ctx, `
		SELECT coalesce(sum(amount), 0) FROM ledger_entries WHERE assignment_id = $1`, assignmentID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum ledger entries for assignment %d: %w", assignmentID, err)
	}
	return sum, nil
}

// SumLedgerEntriesByTypeSince returns the summed amount of entries of
// entryType created at or after since - Emission's emitted_today and
// daily-cap checks both read this.
func SumLedgerEntriesByTypeSince(ctx context.Context, db Querier, entryType string, since time.Time) (float64, error) {
	var sum float64
	err := db.QueryRow(ctx, `
		SELECT coalesce(sum(amount), 0) FROM ledger_entries
		WHERE entry_type = $1 AND created_at >= $2`,
		entryType, since,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum %s entries: %w", entryType, err)
	}
	return sum, nil
}
