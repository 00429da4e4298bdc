// Package protocol implements the coordinator's worker-facing surface -
// heartbeat, poll and submit - plus the internal job-creation entry point,
// wired over HTTP with github.com/julienschmidt/httprouter.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/openmesh-labs/pool-coordinator/cryptoutil"
	"github.com/openmesh-labs/pool-coordinator/internal/apperr"
	"github.com/openmesh-labs/pool-coordinator/internal/gethlog"
	"github.com/openmesh-labs/pool-coordinator/internal/obsv"
	"github.com/openmesh-labs/pool-coordinator/ledger"
	"github.com/openmesh-labs/pool-coordinator/model"
	"github.com/openmesh-labs/pool-coordinator/store"
	"github.com/openmesh-labs/pool-coordinator/verify"
)

const (
	maxNonceLen        = 128
	maxSignatureLen    = 512
	maxErrorMessageLen = 2000
	maxArtifactURILen  = 2048
	maxOutputHashLen   = 128
	maxJSONFieldLen    = 200_000
	maxMetricsKeys     = 64

	submitRateLimit = 60 // requests per minute
	submitRateBurst = 10
)

// Principal is the already-authenticated identity the caller (the gateway,
// in production) is trusted to have populated. No password or API-key
// verification happens in this module.
type Principal struct {
	UserID int64
	Role   model.Role
}

// PrincipalFunc resolves the Principal for an inbound request; the external
// auth layer supplies the implementation.
type PrincipalFunc func(*http.Request) (Principal, error)

// Surface wires the Dispatcher's downstream collaborators - Verifier and
// Accounting - into the worker-facing and internal HTTP operations.
type Surface struct {
	store    *store.Store
	verifier *verify.Verifier
	acct     *ledger.Accounting
	metrics  *obsv.Metrics
	log      gethlog.Logger

	submitPerMin int
	limiters     map[int64]*rate.Limiter
	limitersMu   sync.Mutex
}

// New constructs a Surface. s, v and a must share the same *store.Store.
func New(s *store.Store, v *verify.Verifier, a *ledger.Accounting, metrics *obsv.Metrics) *Surface {
	return &Surface{
		store:        s,
		verifier:     v,
		acct:         a,
		metrics:      metrics,
		log:          gethlog.Root().With("component", "protocol"),
		submitPerMin: submitRateLimit,
		limiters:     make(map[int64]*rate.Limiter),
	}
}

// SetSubmitRateLimit overrides the default per-worker submit budget. Only
// effective before the first submission creates a worker's limiter.
func (s *Surface) SetSubmitRateLimit(perMin int) {
	if perMin > 0 {
		s.submitPerMin = perMin
	}
}

// Router builds the httprouter.Router exposing the wire operations, plus
// /metrics for obsv's registry.
func (s *Surface) Router(principalFor PrincipalFunc) *httprouter.Router {
	r := httprouter.New()
	r.POST("/workers/heartbeat", s.wrap(principalFor, s.handleHeartbeat))
	r.POST("/jobs/poll", s.wrap(principalFor, s.handlePoll))
	r.POST("/jobs/submit", s.wrap(principalFor, s.handleSubmit))
	r.POST("/internal/jobs/create", s.wrap(principalFor, s.handleJobCreate))
	if s.metrics != nil {
		r.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

type handlerFunc func(p Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) error

// wrap resolves the Principal, runs fn, and translates any error through
// apperr.StatusOf - the one place HTTP status codes are decided.
func (s *Surface) wrap(principalFor PrincipalFunc, fn handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		p, err := principalFor(r)
		if err != nil {
			writeError(w, apperr.Auth("%v", err))
			return
		}
		if err := fn(p, w, r, ps); err != nil {
			writeError(w, err)
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	if _, ok := err.(*rateLimitError); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	status := apperr.StatusOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requireWorkerOwner enforces the check common to heartbeat/poll/submit:
// the principal must hold the worker_owner role and own the worker.
func requireWorkerOwner(ctx context.Context, p Principal, s *store.Store, workerID int64) error {
	if p.Role != model.RoleWorkerOwner {
		return apperr.Forbidden("principal is not a worker owner")
	}
	exists, owned, err := store.WorkerOwnedBy(ctx, s.Pool, workerID, p.UserID)
	if err != nil {
		return apperr.Store(err, "check worker ownership")
	}
	if !exists {
		return apperr.NotFound("worker %d not found", workerID)
	}
	if !owned {
		return apperr.Forbidden("worker %d not owned by principal", workerID)
	}
	return nil
}

type heartbeatRequest struct {
	WorkerID int64 `json:"worker_id"`
}

type heartbeatResponse struct {
	WorkerID   int64     `json:"worker_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

func (s *Surface) handleHeartbeat(p Principal, w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := requireWorkerOwner(r.Context(), p, s.store, req.WorkerID); err != nil {
		return err
	}

	now := time.Now().UTC()
	err := s.store.WithTx(r.Context(), func(ctx context.Context, tx pgx.Tx) error {
		if err := store.UpdateWorkerStatus(ctx, tx, req.WorkerID, model.WorkerOnline); err != nil {
			return err
		}
		return store.RecordHeartbeat(ctx, tx, req.WorkerID, now)
	})
	if err != nil {
		return apperr.Store(err, "record heartbeat for worker %d", req.WorkerID)
	}

	writeJSON(w, http.StatusOK, heartbeatResponse{WorkerID: req.WorkerID, LastSeenAt: now})
	return nil
}

type pollRequest struct {
	WorkerID int64 `json:"worker_id"`
}

type pollResponse struct {
	AssignmentID   int64   `json:"assignment_id"`
	Job            jobView `json:"job"`
	Nonce          string  `json:"nonce"`
	CostHintTokens float64 `json:"cost_hint_tokens"`
}

type jobView struct {
	ID      int64          `json:"id"`
	JobType model.JobType  `json:"job_type"`
	Payload map[string]any `json:"payload"`
}

func (s *Surface) handlePoll(p Principal, w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	var req pollRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := requireWorkerOwner(r.Context(), p, s.store, req.WorkerID); err != nil {
		return err
	}

	assignment, err := store.EarliestAssignedForWorker(r.Context(), s.store.Pool, req.WorkerID)
	if err != nil {
		return apperr.Store(err, "poll assignment for worker %d", req.WorkerID)
	}
	if assignment == nil {
		return apperr.NotFound("no assignment available for worker %d", req.WorkerID)
	}

	job, err := store.GetJob(r.Context(), s.store.Pool, assignment.JobID, false)
	if err != nil {
		return apperr.Store(err, "load job %d", assignment.JobID)
	}

	costHint := 0.0
	if rule, err := store.ActivePricingRule(r.Context(), s.store.Pool, job.JobType); err == nil && rule != nil {
		costHint = float64(ledger.EstimatePayloadUnits(job.Payload)) * rule.UnitCostTokens
	}

	writeJSON(w, http.StatusOK, pollResponse{
		AssignmentID:   assignment.ID,
		Job:            jobView{ID: job.ID, JobType: job.JobType, Payload: job.Payload},
		Nonce:          assignment.Nonce,
		CostHintTokens: costHint,
	})
	return nil
}

type submitRequest struct {
	WorkerID     int64          `json:"worker_id"`
	AssignmentID int64          `json:"assignment_id"`
	Nonce        string         `json:"nonce"`
	Signature    string         `json:"signature"`
	Output       any            `json:"output,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	ArtifactURI  *string        `json:"artifact_uri,omitempty"`
	OutputHash   *string        `json:"output_hash,omitempty"`
	MetricsJSON  map[string]any `json:"metrics_json,omitempty"`
}

type submitResponse struct {
	AssignmentID int64                  `json:"assignment_id"`
	Status       model.AssignmentStatus `json:"status"`
	FinishedAt   time.Time              `json:"finished_at"`
}

func (s *Surface) handleSubmit(p Principal, w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := validateSubmit(req); err != nil {
		return err
	}
	// Rate-limit before any DB work, ownership check included, so a
	// flooding worker cannot buy reads with rejected submissions.
	if !s.allowSubmit(req.WorkerID) {
		return &rateLimitError{}
	}
	if err := requireWorkerOwner(r.Context(), p, s.store, req.WorkerID); err != nil {
		return err
	}

	outputHash := ""
	if req.OutputHash != nil {
		outputHash = *req.OutputHash
	} else if req.Output != nil {
		raw, err := cryptoutil.CanonicalJSON(req.Output)
		if err != nil {
			return apperr.Validation("output is not serializable: %v", err)
		}
		outputHash = cryptoutil.SHA256Hex(raw)
	}

	var resp submitResponse
	err := s.store.WithTx(r.Context(), func(ctx context.Context, tx pgx.Tx) error {
		assignment, err := store.GetAssignment(ctx, tx, req.AssignmentID, true)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.NotFound("assignment %d not found", req.AssignmentID)
			}
			return apperr.Store(err, "load assignment %d", req.AssignmentID)
		}
		if assignment.WorkerID == nil || *assignment.WorkerID != req.WorkerID {
			return apperr.NotFound("assignment %d not visible to worker %d", req.AssignmentID, req.WorkerID)
		}

		existing, err := store.GetResultByAssignment(ctx, tx, assignment.ID)
		if err != nil {
			return apperr.Store(err, "check existing result for assignment %d", assignment.ID)
		}
		if existing != nil {
			return apperr.Conflict("assignment %d already submitted", assignment.ID)
		}
		if assignment.Status != model.AssignmentAssigned && assignment.Status != model.AssignmentStarted {
			return apperr.Conflict("assignment %d is not accepting submissions", assignment.ID)
		}
		if assignment.Nonce != req.Nonce {
			return apperr.Validation("nonce mismatch for assignment %d", assignment.ID)
		}

		worker, err := store.GetWorker(ctx, tx, req.WorkerID, false)
		if err != nil {
			return apperr.Store(err, "load worker %d", req.WorkerID)
		}
		if worker.PublicKey == "" {
			return apperr.Validation("worker %d has no public key on file", req.WorkerID)
		}

		signaturePayload, err := cryptoutil.CanonicalJSON(map[string]any{
			"assignment_id": assignment.ID,
			"nonce":         req.Nonce,
			"output_hash":   outputHash,
		})
		if err != nil {
			return apperr.Validation("encode signature payload: %v", err)
		}
		ok, err := cryptoutil.VerifyEd25519(worker.PublicKey, req.Signature, signaturePayload)
		if err != nil {
			return apperr.Validation("malformed signature or public key: %v", err)
		}
		if !ok {
			return apperr.Validation("signature verification failed for assignment %d", assignment.ID)
		}

		job, err := store.GetJob(ctx, tx, assignment.JobID, true)
		if err != nil {
			return apperr.Store(err, "load job %d", assignment.JobID)
		}

		now := time.Now().UTC()
		finalStatus := model.AssignmentCompleted
		if req.ErrorMessage != nil {
			finalStatus = model.AssignmentFailed
		}
		if err := store.UpdateAssignmentTerminal(ctx, tx, assignment.ID, finalStatus, now); err != nil {
			return apperr.Store(err, "finish assignment %d", assignment.ID)
		}
		assignment.Status = finalStatus
		assignment.FinishedAt = &now

		result, err := store.CreateResult(ctx, tx, model.Result{
			AssignmentID:       assignment.ID,
			Output:             req.Output,
			ErrorMessage:       req.ErrorMessage,
			OutputHash:         outputHash,
			Signature:          req.Signature,
			Metrics:            req.MetricsJSON,
			VerificationStatus: model.VerificationPending,
			CreatedAt:          now,
		})
		if err != nil {
			if errors.Is(err, store.ErrAlreadySubmitted) {
				return apperr.Conflict("assignment %d already submitted", assignment.ID)
			}
			return apperr.Store(err, "create result for assignment %d", assignment.ID)
		}

		if req.ErrorMessage == nil && s.verifier != nil {
			outcome, err := s.verifier.Process(ctx, tx, job, assignment, result)
			if err != nil {
				return apperr.Store(err, "verify assignment %d", assignment.ID)
			}
			result.VerificationStatus = outcome.Status
			result.VerificationScore = outcome.Score

			if outcome.Status == model.VerificationVerified && s.acct != nil {
				if _, err := s.acct.PostVerifiedJob(ctx, tx, job, assignment, result, worker); err != nil {
					return apperr.Store(err, "post ledger entries for job %d", job.ID)
				}
			}
		}

		resp = submitResponse{AssignmentID: assignment.ID, Status: finalStatus, FinishedAt: now}
		return nil
	})
	if err != nil {
		return err
	}

	writeJSON(w, http.StatusOK, resp)
	return nil
}

type jobCreateRequest struct {
	JobType         model.JobType  `json:"job_type"`
	Payload         map[string]any `json:"payload"`
	CreatedByUserID *int64         `json:"created_by_user_id,omitempty"`
	Priority        int            `json:"priority"`
	PriceMultiplier float64        `json:"price_multiplier"`
	RequestID       *string        `json:"request_id,omitempty"`
}

type jobCreateResponse struct {
	JobID           int64           `json:"job_id"`
	Status          model.JobStatus `json:"status"`
	EstimatedUnits  int             `json:"estimated_units"`
	PriceMultiplier float64         `json:"price_multiplier"`
}

// handleJobCreate is the internal entry point the gateway calls; it is
// not role-restricted here (the gateway is the only caller in practice).
func (s *Surface) handleJobCreate(_ Principal, w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	var req jobCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Priority < 0 || req.Priority > 100 {
		return apperr.Validation("priority must be in [0,100]")
	}
	if req.PriceMultiplier <= 0 {
		return apperr.Validation("price_multiplier must be positive")
	}
	payload := req.Payload
	if req.RequestID != nil {
		if payload == nil {
			payload = map[string]any{}
		}
		payload["request_id"] = *req.RequestID
	}

	id, err := store.CreateJob(r.Context(), s.store.Pool, model.Job{
		JobType:         req.JobType,
		Priority:        req.Priority,
		Payload:         payload,
		CreatedByUserID: req.CreatedByUserID,
	})
	if err != nil {
		return apperr.Store(err, "create job")
	}

	writeJSON(w, http.StatusCreated, jobCreateResponse{
		JobID:           id,
		Status:          model.JobQueued,
		EstimatedUnits:  ledger.EstimatePayloadUnits(payload),
		PriceMultiplier: req.PriceMultiplier,
	})
	return nil
}

// allowSubmit enforces the per-worker submit rate limit before any DB
// work. Best-effort and local to this instance; a horizontally scaled
// deployment rate-limits at the gateway.
func (s *Surface) allowSubmit(workerID int64) bool {
	s.limitersMu.Lock()
	lim, ok := s.limiters[workerID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(s.submitPerMin)/60.0), submitRateBurst)
		s.limiters[workerID] = lim
	}
	s.limitersMu.Unlock()
	return lim.Allow()
}

type rateLimitError struct{}

func (e *rateLimitError) Error() string { return "submit rate limit exceeded" }

func validateSubmit(req submitRequest) error {
	if len(req.Nonce) < 1 || len(req.Nonce) > maxNonceLen {
		return apperr.Validation("nonce length must be in [1,%d]", maxNonceLen)
	}
	if len(req.Signature) == 0 || len(req.Signature) > maxSignatureLen {
		return apperr.Validation("signature length must be in (0,%d]", maxSignatureLen)
	}
	if (req.Output == nil) == (req.ErrorMessage == nil) {
		return apperr.Validation("exactly one of output or error_message must be set")
	}
	if req.ErrorMessage != nil && len(*req.ErrorMessage) > maxErrorMessageLen {
		return apperr.Validation("error_message exceeds %d characters", maxErrorMessageLen)
	}
	if req.ArtifactURI != nil && len(*req.ArtifactURI) > maxArtifactURILen {
		return apperr.Validation("artifact_uri exceeds %d characters", maxArtifactURILen)
	}
	if req.OutputHash != nil && len(*req.OutputHash) > maxOutputHashLen {
		return apperr.Validation("output_hash exceeds %d characters", maxOutputHashLen)
	}
	if req.Output != nil {
		raw, err := json.Marshal(req.Output)
		if err != nil || len(raw) > maxJSONFieldLen {
			return apperr.Validation("output exceeds %d serialized characters", maxJSONFieldLen)
		}
	}
	if req.MetricsJSON != nil {
		if len(req.MetricsJSON) > maxMetricsKeys {
			return apperr.Validation("metrics_json exceeds %d keys", maxMetricsKeys)
		}
		raw, err := json.Marshal(req.MetricsJSON)
		if err != nil || len(raw) > maxJSONFieldLen {
			return apperr.Validation("metrics_json exceeds %d serialized characters", maxJSONFieldLen)
		}
	}
	return nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("malformed request body: %v", err)
	}
	return nil
}
