// Package model defines the entities shared across the coordinator core:
// users, workers, jobs, assignments, results, accounts, ledger entries and
// pool-wide settings. Opaque map fields stay as arbitrary JSON at this layer;
// callers extract typed views (see WorkerSpecs, JobPayload helpers) at read
// time rather than the store imposing a rigid schema on them.
package model

import "time"

// Role is a User's capability class.
type Role string

const (
	RoleClient      Role = "client"
	RoleWorkerOwner Role = "worker_owner"
)

// User is an account holder: either a client that submits jobs or an owner
// of one or more worker nodes.
type User struct {
	ID           int64
	Role         Role
	Active       bool
	PasswordHash string
	CreatedAt    time.Time
}

// WorkerStatus is the lifecycle state of a Worker.
type WorkerStatus string

const (
	WorkerOnline      WorkerStatus = "online"
	WorkerOffline     WorkerStatus = "offline"
	WorkerDraining    WorkerStatus = "draining"
	WorkerMaintenance WorkerStatus = "maintenance"
	WorkerBanned      WorkerStatus = "banned"
)

// Worker is an external compute node owned by exactly one user.
type Worker struct {
	ID          int64
	OwnerUserID int64
	Name        string
	Status      WorkerStatus
	PublicKey   string // base64url Ed25519 public key, no padding
	Specs       map[string]any
	LastSeenAt  time.Time
	CreatedAt   time.Time
}

const (
	SpecReputation          = "reputation"
	SpecEstimatedLatencyMs  = "estimated_latency_ms"
	SpecPriceMultiplier     = "price_multiplier"
	SpecRejectedSubmissions = "rejected_submissions"

	DefaultReputation         = 0.5
	DefaultEstimatedLatencyMs = 1_000_000.0
	DefaultPriceMultiplier    = 1.0
)

// Reputation reads the reputation out of the specs map, falling back to
// DefaultReputation when absent or malformed. The stored value is returned
// as is; it is not clamped to [0,1] here.
func (w *Worker) Reputation() float64 {
	return specFloat(w.Specs, SpecReputation, DefaultReputation)
}

// EstimatedLatencyMs reads the worker's advertised latency, defaulting high
// so unknown workers rank behind known-fast ones.
func (w *Worker) EstimatedLatencyMs() float64 {
	return specFloat(w.Specs, SpecEstimatedLatencyMs, DefaultEstimatedLatencyMs)
}

// PriceMultiplier reads the worker's price multiplier, defaulting to 1.0.
func (w *Worker) PriceMultiplier() float64 {
	v := specFloat(w.Specs, SpecPriceMultiplier, DefaultPriceMultiplier)
	if v <= 0 {
		return DefaultPriceMultiplier
	}
	return v
}

// RejectedSubmissions reads the worker's running count of rejected canonical
// submissions.
func (w *Worker) RejectedSubmissions() int64 {
	switch v := w.Specs[SpecRejectedSubmissions].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// WithSpec returns a copy of the worker's specs map with key set to value.
// Specs are replaced wholesale on persist, never mutated in place, so callers
// always go through this helper before a write.
func (w *Worker) WithSpec(key string, value any) map[string]any {
	out := make(map[string]any, len(w.Specs)+1)
	for k, v := range w.Specs {
		out[k] = v
	}
	out[key] = value
	return out
}

func specFloat(specs map[string]any, key string, def float64) float64 {
	switch v := specs[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// WorkerSettings is the 1-to-1 dispatch-eligibility configuration for a
// Worker.
type WorkerSettings struct {
	WorkerID                int64
	MaxConcurrency          int
	HeartbeatTimeoutSeconds int
	AcceptNewAssignments    bool
}

// WorkerHeartbeat is one append-only heartbeat observation, the raw material
// Emission integrates over to compute uptime.
type WorkerHeartbeat struct {
	WorkerID int64
	SeenAt   time.Time
}

// JobType enumerates the kinds of work the pool accepts.
type JobType string

const (
	JobInference  JobType = "inference"
	JobFineTuning JobType = "fine_tuning"
	JobEmbedding  JobType = "embedding"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// Job is one unit of client-submitted work.
type Job struct {
	ID                    int64
	JobType               JobType
	Status                JobStatus
	Priority              int
	Payload               map[string]any
	CanonicalExpectedHash *string
	CreatedByUserID       *int64
	CreatedAt             time.Time
}

// IsAudit reports whether this job carries a known-good expected output hash.
func (j *Job) IsAudit() bool {
	return j.CanonicalExpectedHash != nil && *j.CanonicalExpectedHash != ""
}

// PriceMultiplier reads the job's requested price ceiling from its payload,
// defaulting to 1.0 when absent.
func (j *Job) PriceMultiplier() float64 {
	if v, ok := j.Payload["price_multiplier"]; ok {
		if f, ok := toFloat(v); ok && f > 0 {
			return f
		}
	}
	return DefaultPriceMultiplier
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

// AssignmentStatus is the lifecycle state of an Assignment.
type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "assigned"
	AssignmentStarted   AssignmentStatus = "started"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentFailed    AssignmentStatus = "failed"
	AssignmentCanceled  AssignmentStatus = "canceled"
)

// Terminal reports whether status is one that cannot transition further.
func (s AssignmentStatus) Terminal() bool {
	switch s {
	case AssignmentCompleted, AssignmentFailed, AssignmentCanceled:
		return true
	default:
		return false
	}
}

// Assignment binds one Job to at most one Worker for the duration of a single
// attempt.
type Assignment struct {
	ID         int64
	JobID      int64
	WorkerID   *int64
	Status     AssignmentStatus
	Nonce      string
	AssignedAt time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Cost       *float64
}

// VerificationStatus is the outcome of the Verifier's pass over a Result.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationDisputed VerificationStatus = "disputed"
	VerificationRejected VerificationStatus = "rejected"
)

// Result is the single submission recorded against an Assignment. Output is
// arbitrary JSON rather than map[string]any: a worker's result payload may
// be an object (optionally carrying an "embedding" key) or a bare numeric
// array, per the Verifier's extraction rule.
type Result struct {
	ID                 int64
	AssignmentID       int64
	Output             any
	ErrorMessage       *string
	OutputHash         string
	Signature          string
	Metrics            map[string]any
	VerificationStatus VerificationStatus
	VerificationScore  float64
	CreatedAt          time.Time
}

// OwnerType identifies the kind of entity a ledger Account belongs to.
type OwnerType string

const (
	OwnerUser   OwnerType = "user"
	OwnerWorker OwnerType = "worker"
	OwnerSystem OwnerType = "system"
)

// SystemPoolOwnerID is the fixed owner_id of the singleton system account.
const SystemPoolOwnerID = 1

// TOK is the sole currency in this core.
const TOK = "TOK"

// Account is a balance-holding ledger party.
type Account struct {
	ID        int64
	OwnerType OwnerType
	OwnerID   int64
	Currency  string
	Balance   float64
}

// LedgerEntry is one signed-amount posting against an Account.
type LedgerEntry struct {
	ID           int64
	AccountID    int64
	Amount       float64
	EntryType    string
	JobID        *int64
	AssignmentID *int64
	Details      map[string]any
	CreatedAt    time.Time
}

const (
	EntryJobCharge     = "job_charge"
	EntryPoolFee       = "pool_fee"
	EntryWorkerReward  = "worker_reward"
	EntryDailyEmission = "daily_emission"
	EntryInterpoolFee  = "interpool_fee"
)

// PoolSettings is the singleton (id=1) policy row.
type PoolSettings struct {
	ID                       int64
	PoolFeeBps               int
	AuditIntervalJobs        int
	AuditJobRateBps          int
	FraudBanThreshold        int64
	EmbedSimilarityThreshold float64
	DailyEmissionCapTokens   float64
	DailyEmissionBaseTokens  float64
	EmissionCronHour         int
	EmissionCronMinute       int
}

// PricingRule is a versioned cost schedule for one job type.
type PricingRule struct {
	ID             int64
	JobType        JobType
	UnitCostTokens float64
	MinimumCharge  float64
	EffectiveFrom  time.Time
	EffectiveTo    *time.Time
	IsActive       bool
}

// Peer is a federated pool known to the P2P adapter. Registration and
// forwarding are handled outside this core; this record only gives the
// interpool-fee audit trail somewhere to point.
type Peer struct {
	ID        int64
	PoolName  string
	Endpoint  string
	CreatedAt time.Time
}
