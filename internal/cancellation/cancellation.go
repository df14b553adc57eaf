// Package cancellation implements the Cancellation Service (§4.6):
// idempotent RequestCancel admission and the worker-side CheckCancel
// contract, cache-first with the job store as the always-authoritative
// fallback (§5's "Cache: best-effort; never authoritative").
package cancellation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cncaiprojem/projem-sub008/internal/audit"
	"github.com/cncaiprojem/projem-sub008/internal/clockid"
	"github.com/cncaiprojem/projem-sub008/internal/domain"
	"github.com/cncaiprojem/projem-sub008/internal/jobstore"
)

// Cache is the narrow TTL-keyed cache seam (§6.6): Set with a TTL, and Get.
// It has no delete operation; an entry leaves the cache only by expiring.
// Implementations must degrade to the store on any failure rather than
// raise, per §4.6's CheckCancel contract; this package treats every Cache
// method's error return as "treat as a miss", not as fatal.
type Cache interface {
	Set(ctx context.Context, jobID string, record domain.CancellationRecord, ttl time.Duration) error
	Get(ctx context.Context, jobID string) (*domain.CancellationRecord, error)
}

// DefaultCacheTTL bounds how long a cancellation cache entry lives before
// CheckCancel falls back to the job store (§3.6).
const DefaultCacheTTL = 10 * time.Minute

// Service implements RequestCancel/CheckCancel over a jobstore.Store,
// a Cache, and the audit Chain.
type Service struct {
	jobs     *jobstore.Store
	cache    Cache
	auditLog *audit.Chain
	clock    clockid.Clock
	cacheTTL time.Duration
}

// New constructs a cancellation Service.
func New(jobs *jobstore.Store, cache Cache, auditLog *audit.Chain, clock clockid.Clock) *Service {
	return &Service{jobs: jobs, cache: cache, auditLog: auditLog, clock: clock, cacheTTL: DefaultCacheTTL}
}

// Result is the §4.6 RequestCancel response shape.
type Result struct {
	AlreadyTerminal  bool
	AlreadyRequested bool
	Accepted         bool
}

// RequestCancel implements §4.6's algorithm: load the job; if terminal,
// return already_terminal (idempotent success, no audit event); if
// cancel_requested is already set, return already_requested (no
// additional audit event, satisfying the §8 "N concurrent RequestCancel
// calls yield at most one cancel_requested audit event" invariant); else
// set the flag transactionally, write the cache entry, and append the
// cancel_requested audit event.
func (s *Service) RequestCancel(ctx context.Context, jobID, actor, reason string) (Result, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return Result{}, fmt.Errorf("cancellation: load job: %w", err)
	}

	if job.Status.IsTerminal() {
		return Result{AlreadyTerminal: true}, nil
	}
	if job.CancelRequested {
		return Result{AlreadyRequested: true}, nil
	}

	now := s.clock.Now()
	if err := s.jobs.SetCancelRequested(ctx, job, now); err != nil {
		return Result{}, fmt.Errorf("cancellation: set cancel_requested: %w", err)
	}

	record := domain.CancellationRecord{
		JobID:       jobID,
		Cancelled:   true,
		RequestedAt: now,
		RequestedBy: actor,
		Reason:      reason,
	}
	if err := s.cache.Set(ctx, jobID, record, s.cacheTTL); err != nil {
		// Best-effort: cache is never authoritative (§5). CheckCancel
		// falls back to the store, so a cache write failure degrades
		// latency, not correctness.
		slog.WarnContext(ctx, "cancellation cache write failed, falling back to store reads",
			slog.String("job_id", jobID), slog.String("error", err.Error()))
	}

	actorPtr := &actor
	payload := map[string]any{
		"job_id": jobID,
		"reason": reason,
	}
	if _, err := s.auditLog.Append(ctx, "job", jobID, domain.AuditEventCancelRequested, payload, actorPtr); err != nil {
		return Result{}, fmt.Errorf("cancellation: append audit event: %w", err)
	}

	return Result{Accepted: true}, nil
}

// CheckCancel implements the worker-side contract (§4.6): consult the
// cache first; on a miss or any cache error, fall back to the job store.
// Never returns an error for a transient cache failure.
func (s *Service) CheckCancel(ctx context.Context, jobID string) (bool, error) {
	if record, err := s.cache.Get(ctx, jobID); err == nil && record != nil {
		return record.Cancelled, nil
	}

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("cancellation: fallback store read: %w", err)
	}
	return job.CancelRequested, nil
}
