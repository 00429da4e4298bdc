// Package verify implements the coordinator's verifier: the synchronous
// pass, run inside the submission transaction, that classifies a freshly
// created Result as verified, disputed or rejected and updates worker
// reputation and ban state.
package verify

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"

	"github.com/openmesh-labs/pool-coordinator/internal/gethlog"
	"github.com/openmesh-labs/pool-coordinator/internal/obsv"
	"github.com/openmesh-labs/pool-coordinator/model"
	"github.com/openmesh-labs/pool-coordinator/store"
)

const (
	verifiedReputationDelta = 0.01
	rejectedReputationDelta = -0.05
	maxJobAssignments       = 3
)

// Verifier classifies submissions and persists the resulting verification
// state, reputation deltas and ban transitions.
type Verifier struct {
	store   *store.Store
	metrics *obsv.Metrics
	log     gethlog.Logger
}

// New constructs a Verifier over s.
func New(s *store.Store, metrics *obsv.Metrics) *Verifier {
	return &Verifier{store: s, metrics: metrics, log: gethlog.Root().With("component", "verify")}
}

// Outcome is the Verifier's decision for one submission.
type Outcome struct {
	Status model.VerificationStatus
	Score  float64
}

// Process classifies result against assignment/job, persisting the
// verification status, worker reputation changes and ban transitions, and
// (for the cross-verification path) the peer result's own update. It must
// run inside the caller's submission transaction - tx is that transaction.
func (v *Verifier) Process(ctx context.Context, tx pgx.Tx, job model.Job, assignment model.Assignment, result model.Result) (Outcome, error) {
	settings, err := store.GetPoolSettings(ctx, tx)
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	if job.IsAudit() {
		out, err = v.processCanonical(ctx, tx, settings, job, assignment, result)
	} else {
		out, err = v.processCrossVerify(ctx, tx, settings, job, assignment, result)
	}
	if err != nil {
		return Outcome{}, err
	}
	if v.metrics != nil {
		v.metrics.VerifyOutcomes.WithLabelValues(string(out.Status)).Inc()
	}
	return out, nil
}

func (v *Verifier) processCanonical(ctx context.Context, tx pgx.Tx, settings model.PoolSettings, job model.Job, assignment model.Assignment, result model.Result) (Outcome, error) {
	expected := ""
	if job.CanonicalExpectedHash != nil {
		expected = *job.CanonicalExpectedHash
	}

	if result.OutputHash == expected {
		if err := store.UpdateResultVerification(ctx, tx, result.ID, model.VerificationVerified, 1.0); err != nil {
			return Outcome{}, err
		}
		if assignment.WorkerID != nil {
			if err := v.adjustReputation(ctx, tx, *assignment.WorkerID, verifiedReputationDelta, false, settings.FraudBanThreshold); err != nil {
				return Outcome{}, err
			}
		}
		return Outcome{Status: model.VerificationVerified, Score: 1.0}, nil
	}

	if err := store.UpdateResultVerification(ctx, tx, result.ID, model.VerificationRejected, 0.0); err != nil {
		return Outcome{}, err
	}
	if err := store.UpdateAssignmentTerminal(ctx, tx, assignment.ID, model.AssignmentFailed, result.CreatedAt); err != nil {
		return Outcome{}, err
	}
	if assignment.WorkerID != nil {
		if err := v.adjustReputation(ctx, tx, *assignment.WorkerID, rejectedReputationDelta, true, settings.FraudBanThreshold); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{Status: model.VerificationRejected, Score: 0.0}, nil
}

func (v *Verifier) processCrossVerify(ctx context.Context, tx pgx.Tx, settings model.PoolSettings, job model.Job, assignment model.Assignment, result model.Result) (Outcome, error) {
	peerAssignment, peerResult, err := store.FindPeerAssignmentWithResult(ctx, tx, job.ID, assignment.ID)
	if err != nil {
		return Outcome{}, err
	}
	if peerAssignment == nil || peerResult == nil {
		if err := store.UpdateResultVerification(ctx, tx, result.ID, model.VerificationPending, 0.0); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: model.VerificationPending}, nil
	}

	similarity, ok := cosineSimilarity(extractEmbedding(peerResult.Output), extractEmbedding(result.Output))
	if ok && similarity >= settings.EmbedSimilarityThreshold {
		if err := store.UpdateResultVerification(ctx, tx, result.ID, model.VerificationVerified, similarity); err != nil {
			return Outcome{}, err
		}
		if err := store.UpdateResultVerification(ctx, tx, peerResult.ID, model.VerificationVerified, similarity); err != nil {
			return Outcome{}, err
		}
		if assignment.WorkerID != nil {
			if err := v.adjustReputation(ctx, tx, *assignment.WorkerID, verifiedReputationDelta, false, settings.FraudBanThreshold); err != nil {
				return Outcome{}, err
			}
		}
		if peerAssignment.WorkerID != nil {
			if err := v.adjustReputation(ctx, tx, *peerAssignment.WorkerID, verifiedReputationDelta, false, settings.FraudBanThreshold); err != nil {
				return Outcome{}, err
			}
		}
		return Outcome{Status: model.VerificationVerified, Score: similarity}, nil
	}

	if err := store.UpdateResultVerification(ctx, tx, result.ID, model.VerificationDisputed, 0.0); err != nil {
		return Outcome{}, err
	}
	if err := store.UpdateResultVerification(ctx, tx, peerResult.ID, model.VerificationDisputed, 0.0); err != nil {
		return Outcome{}, err
	}

	count, err := store.CountAssignmentsForJob(ctx, tx, job.ID)
	if err != nil {
		return Outcome{}, err
	}
	if count < maxJobAssignments {
		nonce, err := store.NewNonce(job.ID, "audit-third")
		if err != nil {
			return Outcome{}, err
		}
		if _, err := store.CreateAssignment(ctx, tx, model.Assignment{
			JobID:      job.ID,
			WorkerID:   nil,
			Status:     model.AssignmentAssigned,
			Nonce:      nonce,
			AssignedAt: result.CreatedAt,
		}); err != nil {
			return Outcome{}, fmt.Errorf("schedule third opinion for job %d: %w", job.ID, err)
		}
	}
	return Outcome{Status: model.VerificationDisputed}, nil
}

// adjustReputation performs the read-modify-write worker specs update:
// clamp reputation into [0,1], optionally bump the rejected-submission
// counter and ban the worker once it crosses fraudBanThreshold. The worker
// row must already be locked (transitively, through the assignment lock
// the caller holds).
func (v *Verifier) adjustReputation(ctx context.Context, tx pgx.Tx, workerID int64, delta float64, rejected bool, fraudBanThreshold int64) error {
	w, err := store.GetWorker(ctx, tx, workerID, true)
	if err != nil {
		return err
	}

	reputation := clamp01(w.Reputation() + delta)
	specs := w.WithSpec(model.SpecReputation, reputation)

	if rejected {
		rejectedCount := w.RejectedSubmissions() + 1
		specs[model.SpecRejectedSubmissions] = rejectedCount
		if fraudBanThreshold > 0 && rejectedCount >= fraudBanThreshold {
			if err := store.UpdateWorkerStatus(ctx, tx, workerID, model.WorkerBanned); err != nil {
				return err
			}
			v.log.Warn("worker banned for fraud", "worker", workerID, "rejected_submissions", rejectedCount)
		}
	}

	return store.UpdateWorkerSpecs(ctx, tx, workerID, specs)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// extractEmbedding picks the comparison vector out of a result: prefer
// output["embedding"] when output is an object, else treat output itself
// as the vector when it is a list of numbers.
func extractEmbedding(output any) any {
	if m, ok := output.(map[string]any); ok {
		if emb, ok := m["embedding"]; ok {
			return emb
		}
		return nil
	}
	return output
}

func asFloatSlice(v any) ([]float64, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]float64, 0, len(list))
	for _, item := range list {
		f, ok := toFloat(item)
		if !ok {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// cosineSimilarity computes cosine similarity between two embeddings
// extracted by extractEmbedding. Missing, non-numeric, empty or
// unequal-length vectors abort the comparison (insufficient evidence),
// reported as (0, false) so the caller treats it as disputed.
func cosineSimilarity(a, b any) (float64, bool) {
	va, ok := asFloatSlice(a)
	if !ok || len(va) == 0 {
		return 0, false
	}
	vb, ok := asFloatSlice(b)
	if !ok || len(vb) != len(va) {
		return 0, false
	}

	var dot, normA, normB float64
	for i := range va {
		dot += va[i] * vb[i]
		normA += va[i] * va[i]
		normB += vb[i] * vb[i]
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}
