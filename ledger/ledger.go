// Package ledger implements the coordinator's accounting: posting the
// three-entry double-entry ledger for a freshly verified job, and the
// P2P adapter's zero-amount interpool fee audit record.
package ledger

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"

	"github.com/openmesh-labs/pool-coordinator/cryptoutil"
	"github.com/openmesh-labs/pool-coordinator/internal/gethlog"
	"github.com/openmesh-labs/pool-coordinator/internal/obsv"
	"github.com/openmesh-labs/pool-coordinator/model"
	"github.com/openmesh-labs/pool-coordinator/store"
)

// Accounting posts ledger entries for verified jobs.
type Accounting struct {
	store   *store.Store
	metrics *obsv.Metrics
	log     gethlog.Logger
}

// New constructs an Accounting over s.
func New(s *store.Store, metrics *obsv.Metrics) *Accounting {
	return &Accounting{store: s, metrics: metrics, log: gethlog.Root().With("component", "ledger")}
}

// Posted reports the three ledger entries PostVerifiedJob wrote, or is
// empty if accounting was skipped.
type Posted struct {
	JobCharge    *model.LedgerEntry
	PoolFee      *model.LedgerEntry
	WorkerReward *model.LedgerEntry
}

// PostVerifiedJob posts the client-debit / pool-fee / worker-credit triple
// for one verified job. It must run inside the same transaction as the
// Verifier's update (tx). A policy skip (no pricing rule, already posted,
// job/user gone) is not an error: it returns a zero Posted and nil error.
func (a *Accounting) PostVerifiedJob(ctx context.Context, tx pgx.Tx, job model.Job, assignment model.Assignment, result model.Result, worker model.Worker) (Posted, error) {
	if result.VerificationStatus != model.VerificationVerified {
		return Posted{}, nil
	}
	if assignment.Status == model.AssignmentFailed || assignment.Status == model.AssignmentCanceled {
		return Posted{}, nil
	}
	if job.Status == model.JobFailed || job.Status == model.JobCanceled {
		return Posted{}, nil
	}
	if job.CreatedByUserID == nil {
		a.log.Info("accounting skipped: job has no creator", "job", job.ID)
		return Posted{}, nil
	}

	already, err := store.HasLedgerEntry(ctx, tx, assignment.ID, model.EntryJobCharge)
	if err != nil {
		return Posted{}, err
	}
	if already {
		return Posted{}, nil
	}

	rule, err := store.ActivePricingRule(ctx, tx, job.JobType)
	if err != nil {
		return Posted{}, err
	}
	if rule == nil {
		a.log.Info("accounting skipped: no active pricing rule", "job", job.ID, "job_type", job.JobType)
		return Posted{}, nil
	}

	settings, err := store.GetPoolSettings(ctx, tx)
	if err != nil {
		return Posted{}, err
	}

	charge := computeCharge(EstimatePayloadUnits(job.Payload), rule.UnitCostTokens, settings.PoolFeeBps)
	units, cost, poolFee, workerReward := charge.Units, charge.Cost, charge.PoolFee, charge.WorkerReward

	clientAccount, err := store.GetOrCreateAccount(ctx, tx, model.OwnerUser, *job.CreatedByUserID, model.TOK)
	if err != nil {
		return Posted{}, err
	}
	poolAccount, err := store.GetOrCreateAccount(ctx, tx, model.OwnerSystem, model.SystemPoolOwnerID, model.TOK)
	if err != nil {
		return Posted{}, err
	}
	workerOwnerAccount, err := store.GetOrCreateAccount(ctx, tx, model.OwnerUser, worker.OwnerUserID, model.TOK)
	if err != nil {
		return Posted{}, err
	}

	details := map[string]any{
		"units":            units,
		"unit_cost_tokens": rule.UnitCostTokens,
		"pool_fee_bps":     settings.PoolFeeBps,
		"cost":             cost,
	}

	jobCharge, err := store.PostLedgerEntry(ctx, tx, model.LedgerEntry{
		AccountID: clientAccount.ID, Amount: -cost, EntryType: model.EntryJobCharge,
		JobID: &job.ID, AssignmentID: &assignment.ID, Details: details,
	})
	if err != nil {
		return Posted{}, err
	}
	poolFeeEntry, err := store.PostLedgerEntry(ctx, tx, model.LedgerEntry{
		AccountID: poolAccount.ID, Amount: poolFee, EntryType: model.EntryPoolFee,
		JobID: &job.ID, AssignmentID: &assignment.ID, Details: details,
	})
	if err != nil {
		return Posted{}, err
	}
	workerRewardEntry, err := store.PostLedgerEntry(ctx, tx, model.LedgerEntry{
		AccountID: workerOwnerAccount.ID, Amount: workerReward, EntryType: model.EntryWorkerReward,
		JobID: &job.ID, AssignmentID: &assignment.ID, Details: details,
	})
	if err != nil {
		return Posted{}, err
	}

	if a.metrics != nil {
		a.metrics.LedgerPostings.WithLabelValues(model.EntryJobCharge).Inc()
		a.metrics.LedgerPostings.WithLabelValues(model.EntryPoolFee).Inc()
		a.metrics.LedgerPostings.WithLabelValues(model.EntryWorkerReward).Inc()
	}
	a.log.Info("ledger posted", "job", job.ID, "assignment", assignment.ID, "cost", cost, "pool_fee", poolFee, "worker_reward", workerReward)

	return Posted{JobCharge: &jobCharge, PoolFee: &poolFeeEntry, WorkerReward: &workerRewardEntry}, nil
}

// charge is the computed money split for one verified job.
type charge struct {
	Units        int
	Cost         float64
	PoolFee      float64
	WorkerReward float64
}

// computeCharge splits units × unitCost into the pool fee (poolFeeBps basis
// points, rounded to 8 decimals) and the worker-owner remainder. The three
// signed ledger amounts derived from it (−Cost, +PoolFee, +WorkerReward)
// always sum to zero because WorkerReward is computed by subtraction, not
// by rounding its own product.
func computeCharge(units int, unitCost float64, poolFeeBps int) charge {
	cost := round8(float64(units) * unitCost)
	poolFee := round8(cost * float64(poolFeeBps) / 10000)
	return charge{Units: units, Cost: cost, PoolFee: poolFee, WorkerReward: cost - poolFee}
}

// EstimatePayloadUnits is the billing unit estimate:
// ceil(len(canonical_json(payload)) / 1000), minimum 1. Used identically by
// Accounting and by the internal job-create entry point's estimated_units
// response field.
func EstimatePayloadUnits(payload map[string]any) int {
	raw, err := cryptoutil.CanonicalJSON(payload)
	if err != nil {
		return 1
	}
	units := int(math.Ceil(float64(len(raw)) / 1000))
	if units < 1 {
		return 1
	}
	return units
}

// RecordInterpoolFee writes the zero-amount interpool_fee audit entry the
// P2P adapter calls after forwarding or receiving federated work. It does
// not affect any balance and has no idempotency guard: the adapter is
// expected to call it at most once per forwarded job.
func (a *Accounting) RecordInterpoolFee(ctx context.Context, tx pgx.Tx, jobID *int64, peerID, direction string, extra map[string]any) (model.LedgerEntry, error) {
	poolAccount, err := store.GetOrCreateAccount(ctx, tx, model.OwnerSystem, model.SystemPoolOwnerID, model.TOK)
	if err != nil {
		return model.LedgerEntry{}, err
	}

	details := map[string]any{"peer_id": peerID, "direction": direction}
	for k, v := range extra {
		details[k] = v
	}

	entry, err := store.PostLedgerEntry(ctx, tx, model.LedgerEntry{
		AccountID: poolAccount.ID, Amount: 0, EntryType: model.EntryInterpoolFee,
		JobID: jobID, Details: details,
	})
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("record interpool fee: %w", err)
	}
	if a.metrics != nil {
		a.metrics.LedgerPostings.WithLabelValues(model.EntryInterpoolFee).Inc()
	}
	return entry, nil
}

func round8(v float64) float64 {
	const scale = 1e8
	return math.Round(v*scale) / scale
}
