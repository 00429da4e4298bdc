// Package dispatch implements the coordinator's dispatcher: the background
// pass that binds queued jobs to eligible online workers under capacity,
// price and reputation constraints.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openmesh-labs/pool-coordinator/internal/gethlog"
	"github.com/openmesh-labs/pool-coordinator/internal/obsv"
	"github.com/openmesh-labs/pool-coordinator/model"
	"github.com/openmesh-labs/pool-coordinator/store"
)

// Dispatcher periodically claims queued jobs and assigns each to the best
// eligible worker. Every tick runs inside a single transaction.
type Dispatcher struct {
	store     *store.Store
	batchSize int
	metrics   *obsv.Metrics
	log       gethlog.Logger
}

// New constructs a Dispatcher over s, claiming up to batchSize jobs per
// tick.
func New(s *store.Store, batchSize int, metrics *obsv.Metrics) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 25
	}
	return &Dispatcher{store: s, batchSize: batchSize, metrics: metrics, log: gethlog.Root().With("component", "dispatch")}
}

// candidate is one eligible worker under consideration for a single job,
// carrying the fields the ranking key sorts on.
type candidate struct {
	worker     model.Worker
	settings   model.WorkerSettings
	activeLoad int
}

// rankKey is the selection tuple (-reputation, latency_ms, active_load,
// worker_id), compared ascending, lowest wins.
type rankKey struct {
	negReputation float64
	latencyMs     float64
	activeLoad    int
	workerID      int64
}

func (c candidate) rankKey() rankKey {
	return rankKey{
		negReputation: -c.worker.Reputation(),
		latencyMs:     c.worker.EstimatedLatencyMs(),
		activeLoad:    c.activeLoad,
		workerID:      c.worker.ID,
	}
}

func less(a, b rankKey) bool {
	if a.negReputation != b.negReputation {
		return a.negReputation < b.negReputation
	}
	if a.latencyMs != b.latencyMs {
		return a.latencyMs < b.latencyMs
	}
	if a.activeLoad != b.activeLoad {
		return a.activeLoad < b.activeLoad
	}
	return a.workerID < b.workerID
}

// eligible reports whether c may take on another job priced at most
// jobPrice. Only online workers appear as candidates at all, so draining
// and maintenance nodes sit out new work without being banned.
func eligible(c candidate, jobPrice float64) bool {
	if !c.settings.AcceptNewAssignments {
		return false
	}
	if c.activeLoad >= c.settings.MaxConcurrency {
		return false
	}
	if c.worker.PriceMultiplier() > jobPrice {
		return false
	}
	return true
}

// Tick runs one dispatch pass: claim queued jobs, load online workers and
// active load, and bind each claimable job to its best candidate. It
// returns the number of jobs assigned plus third-opinion assignments bound.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	start := time.Now()
	assigned := 0
	err := d.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		jobs, err := store.ClaimQueuedJobs(ctx, tx, d.batchSize)
		if err != nil {
			return err
		}
		unbound, err := store.ClaimUnboundAssignments(ctx, tx, d.batchSize)
		if err != nil {
			return err
		}
		if len(jobs) == 0 && len(unbound) == 0 {
			return nil
		}

		workers, err := store.ListOnlineWorkers(ctx, tx)
		if err != nil {
			return err
		}
		if len(workers) == 0 {
			return nil
		}

		activeLoad, err := store.CountActiveAssignmentsByWorker(ctx, tx)
		if err != nil {
			return err
		}

		candidates := make([]candidate, 0, len(workers))
		for _, w := range workers {
			if w.Worker.Status == model.WorkerBanned {
				continue
			}
			candidates = append(candidates, candidate{
				worker:     w.Worker,
				settings:   w.Settings,
				activeLoad: activeLoad[w.Worker.ID],
			})
		}

		skipped := 0
		for _, job := range jobs {
			bound, err := d.assignOne(ctx, tx, job, candidates)
			if err != nil {
				return err
			}
			if bound {
				assigned++
			} else {
				skipped++
			}
		}
		for _, a := range unbound {
			bound, err := d.bindOne(ctx, tx, a, candidates)
			if err != nil {
				return err
			}
			if bound {
				assigned++
			} else {
				skipped++
			}
		}
		if d.metrics != nil && skipped > 0 {
			d.metrics.DispatchSkipped.Add(float64(skipped))
		}
		return nil
	})
	if d.metrics != nil {
		d.metrics.DispatchTicks.Inc()
		d.metrics.DispatchAssigned.Add(float64(assigned))
		d.metrics.DispatchTickSecs.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return 0, err
	}
	return assigned, nil
}

// assignOne selects the best eligible candidate for job and, if one exists,
// creates the assignment and advances the job to running. candidates'
// activeLoad is mutated in place so later jobs in the same tick see the
// updated load.
func (d *Dispatcher) assignOne(ctx context.Context, tx pgx.Tx, job model.Job, candidates []candidate) (bool, error) {
	jobPrice := job.PriceMultiplier()

	best := selectCandidate(candidates, jobPrice, nil)
	if best == -1 {
		d.log.Debug("no eligible worker for job", "job", job.ID, "job_price", jobPrice)
		return false, nil
	}

	winner := candidates[best].worker
	now := time.Now().UTC()

	for attempt := 0; attempt < 5; attempt++ {
		nonce, err := store.NewNonce(job.ID, "job")
		if err != nil {
			return false, err
		}
		// A unique violation aborts the enclosing transaction, so each
		// attempt runs under its own savepoint.
		sp, err := tx.Begin(ctx)
		if err != nil {
			return false, err
		}
		_, err = store.CreateAssignment(ctx, sp, model.Assignment{
			JobID:      job.ID,
			WorkerID:   &winner.ID,
			Status:     model.AssignmentAssigned,
			Nonce:      nonce,
			AssignedAt: now,
		})
		if err == nil {
			if err := sp.Commit(ctx); err != nil {
				return false, err
			}
			break
		}
		_ = sp.Rollback(ctx)
		if errors.Is(err, store.ErrNonceCollision) && attempt < 4 {
			continue
		}
		return false, fmt.Errorf("create assignment for job %d: %w", job.ID, err)
	}

	if err := store.UpdateJobStatus(ctx, tx, job.ID, model.JobRunning); err != nil {
		return false, err
	}

	candidates[best].activeLoad++
	d.log.Info("assignment bound", "job", job.ID, "worker", winner.ID, "reputation", winner.Reputation())
	return true, nil
}

// bindOne attaches a worker to a third-opinion assignment the Verifier
// inserted with worker_id = NULL. Workers that already answered for the
// same job are excluded: a third opinion from the same node proves nothing.
func (d *Dispatcher) bindOne(ctx context.Context, tx pgx.Tx, a model.Assignment, candidates []candidate) (bool, error) {
	job, err := store.GetJob(ctx, tx, a.JobID, false)
	if err != nil {
		return false, err
	}
	exclude, err := store.WorkerIDsForJob(ctx, tx, a.JobID)
	if err != nil {
		return false, err
	}

	best := selectCandidate(candidates, job.PriceMultiplier(), exclude)
	if best == -1 {
		d.log.Debug("no eligible worker for third opinion", "job", a.JobID, "assignment", a.ID)
		return false, nil
	}

	winner := candidates[best].worker
	if err := store.BindAssignmentWorker(ctx, tx, a.ID, winner.ID, time.Now().UTC()); err != nil {
		return false, err
	}
	candidates[best].activeLoad++
	d.log.Info("third opinion bound", "job", a.JobID, "assignment", a.ID, "worker", winner.ID)
	return true, nil
}

// selectCandidate returns the index of the lowest-ranked eligible candidate
// for a job priced at jobPrice, or -1. exclude holds worker ids that may
// not take the assignment.
func selectCandidate(candidates []candidate, jobPrice float64, exclude map[int64]bool) int {
	best := -1
	var bestKey rankKey
	for i, c := range candidates {
		if exclude[c.worker.ID] {
			continue
		}
		if !eligible(c, jobPrice) {
			continue
		}
		k := c.rankKey()
		if best == -1 || less(k, bestKey) {
			best = i
			bestKey = k
		}
	}
	return best
}
