package domain

import "time"

// Job is the aggregate root of the lifecycle engine (§3.1). Params is kept
// as opaque canonical bytes: the core never interprets kind-specific
// payload shape, only its envelope.
type Job struct {
	ID             string
	Owner          string
	Kind           JobKind
	Status         JobStatus
	IdempotencyKey string
	Params         []byte // canonical JSON
	Priority       Priority
	Attempts       int
	CancelRequested bool
	TaskID         string // broker-assigned handle, set once queued
	Version        int64  // optimistic concurrency token

	Error    *JobError
	Progress *ProgressSnapshot

	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time

	// ReplayOf links a job created by Admin Replay back to the original
	// job id it supersedes (§3.1 invariant: terminal states are final
	// except via an explicit admin replay that creates a new attempt).
	ReplayOf *string
}

// AllowedTransitions implements the §4.4 state table. Returns true iff a
// transition from `from` to `to` is permitted.
func AllowedTransitions(from, to JobStatus) bool {
	switch to {
	case JobStatusPending:
		return false // only intake creates pending rows
	case JobStatusQueued:
		return from == JobStatusPending || from == JobStatusFailed
	case JobStatusRunning:
		return from == JobStatusQueued
	case JobStatusSucceeded:
		return from == JobStatusRunning
	case JobStatusFailed:
		return from == JobStatusRunning || from == JobStatusQueued
	case JobStatusCancelled:
		return from == JobStatusPending || from == JobStatusQueued || from == JobStatusRunning
	case JobStatusTimeout:
		return from == JobStatusRunning
	default:
		return false
	}
}

// IdempotencyRecord is the aggregate backing admission deduplication
// (§3.2). Keyed by (Owner, IdempotencyKey); unique across the system.
type IdempotencyRecord struct {
	Owner          string
	IdempotencyKey string
	JobID          string
	Fingerprint    string // hex SHA256
	CreatedAt      time.Time
}

// AuditEvent is one link in a per-scope hash chain (§3.3).
type AuditEvent struct {
	ScopeKind string
	ScopeID   string
	Seq       int64
	EventType AuditEventType
	Payload   []byte // canonical JSON
	PrevHash  string // hex, 64 chars
	ChainHash string // hex, 64 chars
	Actor     *string
	CreatedAt time.Time
}

// GenesisHash is the prev_hash value of the first event in any scope: 64
// hex zeros.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// CancellationRecord mirrors the cache entry described in §3.6; the job
// store's CancelRequested flag is always authoritative.
type CancellationRecord struct {
	JobID       string
	Cancelled   bool
	RequestedAt time.Time
	RequestedBy string
	Reason      string
}

// DeadLetterJob is a persisted record of a job moved out of the retry path
// (§3.7), reachable only through Admin Replay.
type DeadLetterJob struct {
	ID            string
	OriginalJobID string
	Kind          JobKind
	Envelope      []byte // full task envelope at time of failure
	ErrorType     string
	ErrorMessage  string
	RetryCount    int
	LastWorkerID  string
	FirstSeenAt   time.Time
	Discarded     bool
	DiscardNote   string
}
