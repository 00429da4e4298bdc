package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openmesh-labs/pool-coordinator/model"
)

// ClaimQueuedJobs locks up to limit queued jobs with SELECT ... FOR UPDATE
// SKIP LOCKED, ordered (priority desc, id asc). db must be a transaction:
// the lock is only meaningful for the lifetime of the caller's tx.
func ClaimQueuedJobs(ctx context.Context, db Querier, limit int) ([]model.Job, error) {
	rows, err := db.Query(ctx, `
		SELECT id, job_type, status, priority, payload, canonical_expected_hash,
		       created_by_user_id, created_at
		FROM jobs
		WHERE status = 'queued'
		ORDER BY priority DESC, id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim queued jobs: %w", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (model.Job, error) {
	var j model.Job
	var payloadRaw []byte
	if err := r.Scan(&j.ID, &j.JobType, &j.Status, &j.Priority, &payloadRaw,
		&j.CanonicalExpectedHash, &j.CreatedByUserID, &j.CreatedAt); err != nil {
		return model.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(payloadRaw, &j.Payload); err != nil {
		return model.Job{}, fmt.Errorf("decode job payload: %w", err)
	}
	return j, nil
}

// GetJob loads one job by id, optionally locking it for update (used by
// submission handling, which re-checks the job is still live).
func GetJob(ctx context.Context, db Querier, id int64, forUpdate bool) (model.Job, error) {
	q := `SELECT id, job_type, status, priority, payload, canonical_expected_hash, created_by_user_id, created_at FROM jobs WHERE id = $1`
	if forUpdate {
		q += " FOR UPDATE"
	}
	row := db.QueryRow(ctx, q, id)
	return scanJob(row)
}

// UpdateJobStatus transitions a job to status.
func UpdateJobStatus(ctx context.Context, db Querier, id int64, status model.JobStatus) error {
	_, err := db.Exec(ctx, `UPDATE jobs SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update job %d status: %w", id, err)
	}
	return nil
}

// CreateJob inserts a new queued job, returning its assigned id.
func CreateJob(ctx context.Context, db Querier, j model.Job) (int64, error) {
	payloadRaw, err := json.Marshal(j.Payload)
	if err != nil {
		return 0, fmt.Errorf("encode job payload: %w", err)
	}
	var id int64
	err = db.QueryRow(ctx, `
		INSERT INTO jobs (job_type, status, priority, payload, canonical_expected_hash, created_by_user_id)
		VALUES ($1, 'queued', $2, $3, $4, $5)
		RETURNING id`,
		j.JobType, j.Priority, payloadRaw, j.CanonicalExpectedHash, j.CreatedByUserID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create job: %w", err)
	}
	return id, nil
}

// CountAssignmentsForJob reports how many assignments a job has accumulated
// across all attempts - the Verifier's third-opinion cap reads this.
func CountAssignmentsForJob(ctx context.Context, db Querier, jobID int64) (int, error) {
	var n int
	err := db.QueryRow(ctx, `SELECT count(*) FROM assignments WHERE job_id = $1`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count assignments for job %d: %w", jobID, err)
	}
	return n, nil
}

// NewNonce returns a globally-unique-intent nonce: "{prefix}-{id}-{uuid4hex}",
// with prefix defaulting to "job". Uniqueness is *enforced* by the database's
// unique constraint on assignments.nonce, not by this function - callers of
// CreateAssignment retry on ErrNonceCollision.
func NewNonce(jobID int64, prefix string) (string, error) {
	if prefix == "" {
		prefix = "job"
	}
	id := uuid.New()
	hex := strings.ReplaceAll(id.String(), "-", "")
	return fmt.Sprintf("%s-%d-%s", prefix, jobID, hex), nil
}

// ErrNonceCollision signals CreateAssignment hit the unique constraint on
// nonce; callers retry with a freshly generated nonce.
var ErrNonceCollision = errors.New("store: nonce collision")

// CreateAssignment inserts a new assignment. On a nonce unique-constraint
// violation it returns ErrNonceCollision so the caller can regenerate and
// retry.
func CreateAssignment(ctx context.Context, db Querier, a model.Assignment) (model.Assignment, error) {
	var out model.Assignment
	err := db.QueryRow(ctx, `
		INSERT INTO assignments (job_id, worker_id, status, nonce, assigned_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, job_id, worker_id, status, nonce, assigned_at, started_at, finished_at, cost`,
		a.JobID, a.WorkerID, a.Status, a.Nonce, a.AssignedAt,
	).Scan(&out.ID, &out.JobID, &out.WorkerID, &out.Status, &out.Nonce,
		&out.AssignedAt, &out.StartedAt, &out.FinishedAt, &out.Cost)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Assignment{}, ErrNonceCollision
		}
		return model.Assignment{}, fmt.Errorf("create assignment: %w", err)
	}
	return out, nil
}

// ClaimUnboundAssignments locks up to limit assignments that are still
// waiting for a worker - the Verifier's third-opinion rows, inserted with
// worker_id = NULL. Same skip-locked discipline as ClaimQueuedJobs so two
// dispatcher instances never bind the same row.
func ClaimUnboundAssignments(ctx context.Context, db Querier, limit int) ([]model.Assignment, error) {
	rows, err := db.Query(ctx, `
		SELECT id, job_id, worker_id, status, nonce, assigned_at, started_at, finished_at, cost
		FROM assignments
		WHERE worker_id IS NULL AND status = 'assigned'
		ORDER BY id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim unbound assignments: %w", err)
	}
	defer rows.Close()

	var out []model.Assignment
	for rows.Next() {
		var a model.Assignment
		if err := rows.Scan(&a.ID, &a.JobID, &a.WorkerID, &a.Status, &a.Nonce,
			&a.AssignedAt, &a.StartedAt, &a.FinishedAt, &a.Cost); err != nil {
			return nil, fmt.Errorf("scan unbound assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// BindAssignmentWorker attaches a worker to a previously unbound assignment
// and refreshes assigned_at to the binding time.
func BindAssignmentWorker(ctx context.Context, db Querier, assignmentID, workerID int64, at time.Time) error {
	_, err := db.Exec(ctx,
		`UPDATE assignments SET worker_id = $2, assigned_at = $3 WHERE id = $1`,
		assignmentID, workerID, at)
	if err != nil {
		return fmt.Errorf("bind assignment %d to worker %d: %w", assignmentID, workerID, err)
	}
	return nil
}

// WorkerIDsForJob returns the set of workers that already hold an
// assignment for jobID - a third opinion must come from a worker that has
// not already answered for this job.
func WorkerIDsForJob(ctx context.Context, db Querier, jobID int64) (map[int64]bool, error) {
	rows, err := db.Query(ctx,
		`SELECT DISTINCT worker_id FROM assignments WHERE job_id = $1 AND worker_id IS NOT NULL`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list workers for job %d: %w", jobID, err)
	}
	defer rows.Close()

	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan worker id for job %d: %w", jobID, err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// GetAssignment loads one assignment, optionally locking it for update -
// submission handling locks the row before inspecting/creating its result.
func GetAssignment(ctx context.Context, db Querier, id int64, forUpdate bool) (model.Assignment, error) {
	q := `SELECT id, job_id, worker_id, status, nonce, assigned_at, started_at, finished_at, cost FROM assignments WHERE id = $1`
	if forUpdate {
		q += " FOR UPDATE"
	}
	var a model.Assignment
	err := db.QueryRow(ctx, q, id).Scan(&a.ID, &a.JobID, &a.WorkerID, &a.Status, &a.Nonce,
		&a.AssignedAt, &a.StartedAt, &a.FinishedAt, &a.Cost)
	if err != nil {
		return model.Assignment{}, fmt.Errorf("get assignment %d: %w", id, err)
	}
	return a, nil
}

// EarliestAssignedForWorker returns the earliest (by assigned_at)
// assignment in status 'assigned' bound to worker - the Poll operation's
// read. Polling never claims anything (the dispatcher already did), so it
// is idempotent.
func EarliestAssignedForWorker(ctx context.Context, db Querier, workerID int64) (*model.Assignment, error) {
	var a model.Assignment
	err := db.QueryRow(ctx, `
		SELECT id, job_id, worker_id, status, nonce, assigned_at, started_at, finished_at, cost
		FROM assignments
		WHERE worker_id = $1 AND status = 'assigned'
		ORDER BY assigned_at ASC
		LIMIT 1`, workerID,
	).Scan(&a.ID, &a.JobID, &a.WorkerID, &a.Status, &a.Nonce, &a.AssignedAt, &a.StartedAt, &a.FinishedAt, &a.Cost)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("poll assignment for worker %d: %w", workerID, err)
	}
	return &a, nil
}

// UpdateAssignmentTerminal sets an assignment's status to a terminal value
// and stamps finished_at. There is no transition back out of a terminal
// state: callers only ever invoke this from {assigned, started}.
func UpdateAssignmentTerminal(ctx context.Context, db Querier, id int64, status model.AssignmentStatus, finishedAt time.Time) error {
	_, err := db.Exec(ctx, `UPDATE assignments SET status = $2, finished_at = $3 WHERE id = $1`, id, status, finishedAt)
	if err != nil {
		return fmt.Errorf("finish assignment %d: %w", id, err)
	}
	return nil
}

// FindPeerAssignmentWithResult locates another assignment for the same job
// (not id) that already has a Result, for the Verifier's cross-verification
// path.
func FindPeerAssignmentWithResult(ctx context.Context, db Querier, jobID, excludeAssignmentID int64) (*model.Assignment, *model.Result, error) {
	row := db.QueryRow(ctx, `
		SELECT a.id, a.job_id, a.worker_id, a.status, a.nonce, a.assigned_at, a.started_at, a.finished_at, a.cost,
		       r.id, r.assignment_id, r.output, r.error_message, r.output_hash, r.signature, r.metrics,
		       r.verification_status, r.verification_score, r.created_at
		FROM assignments a
		JOIN results r ON r.assignment_id = a.id
		WHERE a.job_id = $1 AND a.id <> $2
		ORDER BY a.id ASC
		LIMIT 1`, jobID, excludeAssignmentID)

	var a model.Assignment
	var res model.Result
	var outputRaw, metricsRaw []byte
	err := row.Scan(&a.ID, &a.JobID, &a.WorkerID, &a.Status, &a.Nonce, &a.AssignedAt, &a.StartedAt, &a.FinishedAt, &a.Cost,
		&res.ID, &res.AssignmentID, &outputRaw, &res.ErrorMessage, &res.OutputHash, &res.Signature, &metricsRaw,
		&res.VerificationStatus, &res.VerificationScore, &res.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("find peer assignment for job %d: %w", jobID, err)
	}
	if len(outputRaw) > 0 {
		if err := json.Unmarshal(outputRaw, &res.Output); err != nil {
			return nil, nil, fmt.Errorf("decode peer output: %w", err)
		}
	}
	if len(metricsRaw) > 0 {
		if err := json.Unmarshal(metricsRaw, &res.Metrics); err != nil {
			return nil, nil, fmt.Errorf("decode peer metrics: %w", err)
		}
	}
	return &a, &res, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
