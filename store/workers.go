package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openmesh-labs/pool-coordinator/model"
)

// WorkerWithSettings pairs a Worker with its 1-to-1 WorkerSettings row, the
// shape the Dispatcher needs for eligibility checks.
type WorkerWithSettings struct {
	Worker   model.Worker
	Settings model.WorkerSettings
}

// ListOnlineWorkers returns every online worker with settings present,
// ordered by id for deterministic ranking ties.
func ListOnlineWorkers(ctx context.Context, db Querier) ([]WorkerWithSettings, error) {
	rows, err := db.Query(ctx, `
		SELECT w.id, w.owner_user_id, w.name, w.status, w.public_key, w.specs,
		       w.last_seen_at, w.created_at,
		       s.max_concurrency, s.heartbeat_timeout_seconds, s.accept_new_assignments
		FROM workers w
		JOIN worker_settings s ON s.worker_id = w.id
		WHERE w.status = 'online'
		ORDER BY w.id`)
	if err != nil {
		return nil, fmt.Errorf("list online workers: %w", err)
	}
	defer rows.Close()

	var out []WorkerWithSettings
	for rows.Next() {
		var ws WorkerWithSettings
		var specsRaw []byte
		if err := rows.Scan(
			&ws.Worker.ID, &ws.Worker.OwnerUserID, &ws.Worker.Name, &ws.Worker.Status,
			&ws.Worker.PublicKey, &specsRaw, &ws.Worker.LastSeenAt, &ws.Worker.CreatedAt,
			&ws.Settings.MaxConcurrency, &ws.Settings.HeartbeatTimeoutSeconds, &ws.Settings.AcceptNewAssignments,
		); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		if err := json.Unmarshal(specsRaw, &ws.Worker.Specs); err != nil {
			return nil, fmt.Errorf("decode worker specs: %w", err)
		}
		ws.Settings.WorkerID = ws.Worker.ID
		out = append(out, ws)
	}
	return out, rows.Err()
}

// CountActiveAssignmentsByWorker returns, per worker id, the number of
// assignments currently in {assigned, started} - the "active load" used by
// both the Dispatcher's eligibility check and its ranking key.
func CountActiveAssignmentsByWorker(ctx context.Context, db Querier) (map[int64]int, error) {
	rows, err := db.Query(ctx, `
		SELECT worker_id, count(*)
		FROM assignments
		WHERE worker_id IS NOT NULL AND status IN ('assigned', 'started')
		GROUP BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("count active load: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int)
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan active load: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// GetWorker loads one worker by id, locking the row for update when
// forUpdate is set (meaningful only inside a transaction) - callers that mutate specs/status do so under this lock so
// concurrent verifier passes for the same worker serialize.
func GetWorker(ctx context.Context, db Querier, id int64, forUpdate bool) (model.Worker, error) {
	q := `SELECT id, owner_user_id, name, status, public_key, specs, last_seen_at, created_at FROM workers WHERE id = $1`
	if forUpdate {
		q += " FOR UPDATE"
	}
	var w model.Worker
	var specsRaw []byte
	err := db.QueryRow(ctx, q, id).Scan(
		&w.ID, &w.OwnerUserID, &w.Name, &w.Status, &w.PublicKey, &specsRaw, &w.LastSeenAt, &w.CreatedAt)
	if err != nil {
		return model.Worker{}, fmt.Errorf("get worker %d: %w", id, err)
	}
	if err := json.Unmarshal(specsRaw, &w.Specs); err != nil {
		return model.Worker{}, fmt.Errorf("decode specs for worker %d: %w", id, err)
	}
	return w, nil
}

// UpdateWorkerSpecs replaces a worker's specs map wholesale - reputation
// updates are read-modify-write against the whole map, never an in-place
// JSON patch.
func UpdateWorkerSpecs(ctx context.Context, db Querier, workerID int64, specs map[string]any) error {
	raw, err := json.Marshal(specs)
	if err != nil {
		return fmt.Errorf("encode specs for worker %d: %w", workerID, err)
	}
	_, err = db.Exec(ctx, `UPDATE workers SET specs = $2 WHERE id = $1`, workerID, raw)
	if err != nil {
		return fmt.Errorf("update specs for worker %d: %w", workerID, err)
	}
	return nil
}

// UpdateWorkerStatus sets a worker's status, used for the monotonic ban
// transition and for heartbeat-driven online transitions.
func UpdateWorkerStatus(ctx context.Context, db Querier, workerID int64, status model.WorkerStatus) error {
	_, err := db.Exec(ctx, `UPDATE workers SET status = $2 WHERE id = $1`, workerID, status)
	if err != nil {
		return fmt.Errorf("update status for worker %d: %w", workerID, err)
	}
	return nil
}

// RecordHeartbeat appends a heartbeat history row and marks the worker
// online + last_seen_at. These are two statements; they are atomic only when
// db is a transaction.
func RecordHeartbeat(ctx context.Context, db Querier, workerID int64, at time.Time) error {
	_, err := db.Exec(ctx,
		`UPDATE workers SET status = 'online', last_seen_at = $2 WHERE id = $1`,
		workerID, at)
	if err != nil {
		return fmt.Errorf("touch worker %d on heartbeat: %w", workerID, err)
	}
	_, err = db.Exec(ctx,
		`INSERT INTO worker_heartbeats (worker_id, seen_at) VALUES ($1, $2)`,
		workerID, at)
	if err != nil {
		return fmt.Errorf("insert heartbeat for worker %d: %w", workerID, err)
	}
	return nil
}

// ListHeartbeatsInWindow returns every heartbeat for worker in
// [windowStart, windowEnd], plus the single most recent heartbeat strictly
// before windowStart (if any) so Emission can credit carry-over coverage.
// The outer ORDER BY is load-bearing: callers integrate over the points in
// ascending order, and UNION ALL alone does not promise branch ordering.
func ListHeartbeatsInWindow(ctx context.Context, db Querier, workerID int64, windowStart, windowEnd time.Time) ([]time.Time, error) {
	rows, err := db.Query(ctx, `
		(SELECT seen_at FROM worker_heartbeats
		 WHERE worker_id = $1 AND seen_at < $2
		 ORDER BY seen_at DESC LIMIT 1)
		UNION ALL
		(SELECT seen_at FROM worker_heartbeats
		 WHERE worker_id = $1 AND seen_at >= $2 AND seen_at <= $3)
		ORDER BY seen_at ASC`,
		workerID, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats for worker %d: %w", workerID, err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAllWorkerIDs is used by Emission to iterate every worker that is not
// banned, whatever its other status - a worker that went offline mid-window
// still earns credit for the time it was up.
func ListAllWorkerIDs(ctx context.Context, db Querier) ([]int64, error) {
	rows, err := db.Query(ctx, `SELECT id FROM workers WHERE status <> 'banned'`)
	if err != nil {
		return nil, fmt.Errorf("list worker ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan worker id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
