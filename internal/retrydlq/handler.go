package retrydlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cncaiprojem/projem-sub008/internal/audit"
	"github.com/cncaiprojem/projem-sub008/internal/broker"
	"github.com/cncaiprojem/projem-sub008/internal/clockid"
	"github.com/cncaiprojem/projem-sub008/internal/domain"
	"github.com/cncaiprojem/projem-sub008/internal/jobstore"
)

// Policy is the per-kind retry budget the Handler enforces (§4.8, §9's
// default base=200ms, cap=5s, max_retries=3 unless overridden per kind).
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
}

// Publisher is the narrow seam onto broker.Publisher the Handler needs to
// republish a retried task.
type Publisher interface {
	Publish(ctx context.Context, env broker.Envelope) error
}

// Handler implements the §4.8 Retry/DLQ routing: classify the worker's
// error, decide retry-vs-deadletter, and carry out whichever the decision
// calls for against the job store, the audit chain, the broker, and the
// dead-letter Repository.
type Handler struct {
	jobs      *jobstore.Store
	auditLog  *audit.Chain
	publisher Publisher
	dlq       Repository
	clock     clockid.Clock
}

// New constructs a Handler.
func New(jobs *jobstore.Store, auditLog *audit.Chain, publisher Publisher, dlq Repository, clock clockid.Clock) *Handler {
	return &Handler{jobs: jobs, auditLog: auditLog, publisher: publisher, dlq: dlq, clock: clock}
}

// Handle routes one worker failure for job, whose envelope was env, given
// the raw error the kind-specific operation returned and the Policy for
// job.Kind. workerID identifies the worker process recording the failure,
// for the DeadLetterJob.LastWorkerID field.
//
// job must already be in the running state (the worker always transitions
// into running before invoking the kind-specific operation); Handle moves
// it to failed, then either republishes (leaving the job queued again) or
// writes a DeadLetterJob and leaves the job failed as the terminal state.
func (h *Handler) Handle(ctx context.Context, job *domain.Job, env broker.Envelope, workerID string, rawErr error, policy Policy) error {
	ce := Classify(rawErr)

	failedErr := &domain.JobError{Code: ce.Code, Message: ce.Error(), Retryable: ce.Kind.Retryable()}
	if err := h.jobs.Transition(ctx, job, domain.JobStatusFailed, func(j *domain.Job) {
		j.Error = failedErr
	}); err != nil {
		return fmt.Errorf("retrydlq: transition to failed: %w", err)
	}

	decision := Decide(ce.Kind, job.Attempts, policy.MaxRetries, policy.Base, policy.Cap)

	switch decision.Action {
	case ActionRetry:
		return h.retry(ctx, job, env, decision.Delay, ce)
	default:
		return h.deadLetter(ctx, job, env, workerID, ce)
	}
}

func (h *Handler) retry(ctx context.Context, job *domain.Job, env broker.Envelope, delay time.Duration, ce *ClassifiedError) error {
	payload := map[string]any{
		"attempt":    job.Attempts,
		"error_kind": string(ce.Kind),
		"error":      ce.Error(),
		"delay_ms":   delay.Milliseconds(),
	}
	if _, err := h.auditLog.Append(ctx, "job", job.ID, domain.AuditEventRetrying, payload, nil); err != nil {
		return fmt.Errorf("retrydlq: append retrying event: %w", err)
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	env.Attempt = job.Attempts + 1
	if err := h.publisher.Publish(ctx, env); err != nil {
		// The republish itself failed; fall back to dead-lettering rather
		// than losing the task, matching §4.2's PUBLISH_FAILED handling.
		slog.ErrorContext(ctx, "retrydlq: republish failed, dead-lettering",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return h.deadLetter(ctx, job, env, "", &ClassifiedError{Kind: domain.ErrorKindFatal, Code: "PUBLISH_FAILED", Err: err})
	}

	if err := h.jobs.Transition(ctx, job, domain.JobStatusQueued, nil); err != nil {
		return fmt.Errorf("retrydlq: transition to queued: %w", err)
	}

	if _, err := h.auditLog.Append(ctx, "job", job.ID, domain.AuditEventQueued, map[string]any{"attempt": job.Attempts + 1}, nil); err != nil {
		return fmt.Errorf("retrydlq: append queued event: %w", err)
	}
	return nil
}

func (h *Handler) deadLetter(ctx context.Context, job *domain.Job, env broker.Envelope, workerID string, ce *ClassifiedError) error {
	envBytes, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("retrydlq: marshal envelope for dead letter: %w", err)
	}

	dlq := domain.DeadLetterJob{
		ID:            job.ID,
		OriginalJobID: job.ID,
		Kind:          job.Kind,
		Envelope:      envBytes,
		ErrorType:     string(ce.Kind),
		ErrorMessage:  ce.Error(),
		RetryCount:    job.Attempts,
		LastWorkerID:  workerID,
		FirstSeenAt:   h.clock.Now(),
	}
	if err := h.dlq.Insert(ctx, dlq); err != nil {
		return fmt.Errorf("retrydlq: insert dead letter: %w", err)
	}

	payload := map[string]any{
		"error_kind": string(ce.Kind),
		"error":      ce.Error(),
		"attempts":   job.Attempts,
	}
	if _, err := h.auditLog.Append(ctx, "job", job.ID, domain.AuditEventFailed, payload, nil); err != nil {
		return fmt.Errorf("retrydlq: append failed event: %w", err)
	}
	return nil
}
