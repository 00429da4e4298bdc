package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openmesh-labs/pool-coordinator/model"
)

// GetResultByAssignment returns the at-most-one result for an assignment,
// or nil if none exists yet.
func GetResultByAssignment(ctx context.Context, db Querier, assignmentID int64) (*model.Result, error) {
	row := db.QueryRow(ctx, `
		SELECT id, assignment_id, output, error_message, output_hash, signature, metrics,
		       verification_status, verification_score, created_at
		FROM results WHERE assignment_id = $1`, assignmentID)

	var res model.Result
	var outputRaw, metricsRaw []byte
	err := row.Scan(&res.ID, &res.AssignmentID, &outputRaw, &res.ErrorMessage, &res.OutputHash,
		&res.Signature, &metricsRaw, &res.VerificationStatus, &res.VerificationScore, &res.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get result for assignment %d: %w", assignmentID, err)
	}
	if len(outputRaw) > 0 {
		if err := json.Unmarshal(outputRaw, &res.Output); err != nil {
			return nil, fmt.Errorf("decode result output: %w", err)
		}
	}
	if len(metricsRaw) > 0 {
		if err := json.Unmarshal(metricsRaw, &res.Metrics); err != nil {
			return nil, fmt.Errorf("decode result metrics: %w", err)
		}
	}
	return &res, nil
}

// CreateResult inserts the single, never-reinserted Result row for an
// assignment. The unique constraint on results.assignment_id enforces
// exactly-one-result-per-assignment at the database level; a violation
// here means a concurrent submitter won the race and this caller should
// surface 409.
func CreateResult(ctx context.Context, db Querier, res model.Result) (model.Result, error) {
	outputRaw, err := json.Marshal(res.Output)
	if err != nil {
		return model.Result{}, fmt.Errorf("encode result output: %w", err)
	}
	metricsRaw, err := json.Marshal(res.Metrics)
	if err != nil {
		return model.Result{}, fmt.Errorf("encode result metrics: %w", err)
	}

	var out model.Result
	var outRaw2, metricsRaw2 []byte
	err = db.QueryRow(ctx, `
		INSERT INTO results (assignment_id, output, error_message, output_hash, signature, metrics,
		                     verification_status, verification_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, assignment_id, output, error_message, output_hash, signature, metrics,
		          verification_status, verification_score, created_at`,
		res.AssignmentID, outputRaw, res.ErrorMessage, res.OutputHash, res.Signature, metricsRaw,
		res.VerificationStatus, res.VerificationScore,
	).Scan(&out.ID, &out.AssignmentID, &outRaw2, &out.ErrorMessage, &out.OutputHash, &out.Signature,
		&metricsRaw2, &out.VerificationStatus, &out.VerificationScore, &out.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Result{}, ErrAlreadySubmitted
		}
		return model.Result{}, fmt.Errorf("create result: %w", err)
	}
	if len(outRaw2) > 0 {
		_ = json.Unmarshal(outRaw2, &out.Output)
	}
	if len(metricsRaw2) > 0 {
		_ = json.Unmarshal(metricsRaw2, &out.Metrics)
	}
	return out, nil
}

// UpdateResultVerification persists the Verifier's outcome for an
// already-created result.
func UpdateResultVerification(ctx context.Context, db Querier, resultID int64, status model.VerificationStatus, score float64) error {
	_, err := db.Exec(ctx,
		`UPDATE results SET verification_status = $2, verification_score = $3 WHERE id = $1`,
		resultID, status, score)
	if err != nil {
		return fmt.Errorf("update verification for result %d: %w", resultID, err)
	}
	return nil
}
