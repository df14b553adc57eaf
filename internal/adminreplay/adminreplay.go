// Package adminreplay implements Admin Replay (§4.10): the operator path
// that republishes a dead-lettered job to its primary queue under a fresh
// job id, or discards it permanently. Both mutating operations require a
// second-factor assertion, compared with crypto/subtle.ConstantTimeCompare
// so a mismatch is not a timing oracle; a mismatch is itself audited
// (dlq_replay_denied) so repeated guesses are visible on the chain.
package adminreplay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"

	"github.com/cncaiprojem/projem-sub008/internal/audit"
	"github.com/cncaiprojem/projem-sub008/internal/broker"
	"github.com/cncaiprojem/projem-sub008/internal/clockid"
	"github.com/cncaiprojem/projem-sub008/internal/domain"
	"github.com/cncaiprojem/projem-sub008/internal/jobstore"
	"github.com/cncaiprojem/projem-sub008/internal/retrydlq"
)

// Publisher is the narrow seam onto broker.Publisher Service needs to
// republish a replayed job.
type Publisher interface {
	Publish(ctx context.Context, env broker.Envelope) error
}

// Service implements DLQ list/replay/discard.
type Service struct {
	dlq                 retrydlq.Repository
	jobs                *jobstore.Store
	publisher           Publisher
	auditLog            *audit.Chain
	clock               clockid.Clock
	expectedSecondFactor string
}

// New constructs a Service. expectedSecondFactor is the operator
// second-factor value every Replay/Discard call's assertion is compared
// against.
func New(dlq retrydlq.Repository, jobs *jobstore.Store, publisher Publisher, auditLog *audit.Chain, clock clockid.Clock, expectedSecondFactor string) *Service {
	return &Service{dlq: dlq, jobs: jobs, publisher: publisher, auditLog: auditLog, clock: clock, expectedSecondFactor: expectedSecondFactor}
}

// verifySecondFactor reports whether assertion matches the configured
// expected value via a constant-time comparison.
func (s *Service) verifySecondFactor(assertion string) bool {
	return subtle.ConstantTimeCompare([]byte(assertion), []byte(s.expectedSecondFactor)) == 1
}

// List returns dead-lettered jobs matching params (§6.4 Admin DLQ list).
func (s *Service) List(ctx context.Context, params domain.ListDeadLetterParams) (domain.PagedResult, error) {
	return s.dlq.List(ctx, params)
}

// ReplayResult is the outcome of a successful Replay.
type ReplayResult struct {
	NewJobID      string
	OriginalJobID string
}

// Replay dequeues the dead-lettered entry identified by dlqID and
// republishes it to its kind's primary queue under a new job id, with
// Attempts reset to the §4.8 soft floor of 1 (not zero, so the lifecycle
// invariant "Attempts increments on entry to running" is preserved). The
// original DLQ entry is marked replayed only after the republish is
// confirmed, so a broker failure aborts the operation without losing the
// "exactly once per DLQ message" guarantee.
func (s *Service) Replay(ctx context.Context, dlqID, operator, assertion string) (ReplayResult, error) {
	if !s.verifySecondFactor(assertion) {
		s.auditDenied(ctx, dlqID, operator)
		return ReplayResult{}, domain.ErrForbidden
	}

	entry, err := s.dlq.Get(ctx, dlqID)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("adminreplay: load dead letter: %w", err)
	}
	if entry.Discarded {
		return ReplayResult{}, fmt.Errorf("adminreplay: dead letter %s already discarded: %w", dlqID, domain.ErrInvalidRequest)
	}

	var env broker.Envelope
	if err := json.Unmarshal(entry.Envelope, &env); err != nil {
		return ReplayResult{}, fmt.Errorf("adminreplay: unmarshal stored envelope: %w", err)
	}

	newJobID, err := clockid.NewJobID()
	if err != nil {
		return ReplayResult{}, fmt.Errorf("adminreplay: generate replay job id: %w", err)
	}
	newJob := domain.Job{
		ID:             newJobID,
		Kind:           entry.Kind,
		IdempotencyKey: env.IdempotencyKey,
		Params:         []byte(env.Params),
		ReplayOf:       &entry.OriginalJobID,
	}
	if err := s.jobs.Create(ctx, newJob); err != nil {
		return ReplayResult{}, fmt.Errorf("adminreplay: create replay job: %w", err)
	}
	created, err := s.jobs.Get(ctx, newJobID)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("adminreplay: reload replay job: %w", err)
	}

	env.JobID = newJobID
	env.Attempt = 1
	if err := s.publisher.Publish(ctx, env); err != nil {
		return ReplayResult{}, fmt.Errorf("adminreplay: republish: %w", err)
	}

	if err := s.jobs.Transition(ctx, created, domain.JobStatusQueued, func(j *domain.Job) {
		j.Attempts = 1
		j.TaskID = newJobID
	}); err != nil {
		return ReplayResult{}, fmt.Errorf("adminreplay: transition replay job to queued: %w", err)
	}

	if err := s.dlq.MarkReplayed(ctx, dlqID); err != nil {
		return ReplayResult{}, fmt.Errorf("adminreplay: mark dead letter replayed: %w", err)
	}

	actor := operator
	payload := map[string]any{
		"dlq_id":          dlqID,
		"original_job_id": entry.OriginalJobID,
		"new_job_id":      newJobID,
	}
	if _, err := s.auditLog.Append(ctx, "job", newJobID, domain.AuditEventDLQReplayed, payload, &actor); err != nil {
		return ReplayResult{}, fmt.Errorf("adminreplay: append dlq_replayed event: %w", err)
	}

	return ReplayResult{NewJobID: newJobID, OriginalJobID: entry.OriginalJobID}, nil
}

// Discard permanently removes a dead-lettered job from the replay path.
func (s *Service) Discard(ctx context.Context, dlqID, operator, note, assertion string) error {
	if !s.verifySecondFactor(assertion) {
		s.auditDenied(ctx, dlqID, operator)
		return domain.ErrForbidden
	}
	entry, err := s.dlq.Get(ctx, dlqID)
	if err != nil {
		return fmt.Errorf("adminreplay: load dead letter: %w", err)
	}
	if err := s.dlq.MarkDiscarded(ctx, dlqID, note); err != nil {
		return fmt.Errorf("adminreplay: mark discarded: %w", err)
	}

	actor := operator
	payload := map[string]any{"dlq_id": dlqID, "original_job_id": entry.OriginalJobID, "note": note}
	if _, err := s.auditLog.Append(ctx, "job", entry.OriginalJobID, domain.AuditEventDLQDiscarded, payload, &actor); err != nil {
		return fmt.Errorf("adminreplay: append dlq_discarded event: %w", err)
	}
	return nil
}

func (s *Service) auditDenied(ctx context.Context, dlqID, operator string) {
	actor := operator
	payload := map[string]any{"dlq_id": dlqID}
	_, _ = s.auditLog.Append(ctx, "dlq", dlqID, domain.AuditEventDLQReplayDenied, payload, &actor)
}
