// Package engine wires every lifecycle component behind the
// transport-agnostic operations §6 describes: a single constructed value
// an external façade (HTTP/gRPC/CLI — none of which this module owns) or a
// test calls directly, matching rezkam-mono's own cmd/server pattern of a
// single service struct built once at startup and handed to whatever
// transport layer wraps it.
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cncaiprojem/projem-sub008/internal/adminreplay"
	"github.com/cncaiprojem/projem-sub008/internal/audit"
	"github.com/cncaiprojem/projem-sub008/internal/broker"
	"github.com/cncaiprojem/projem-sub008/internal/cancellation"
	"github.com/cncaiprojem/projem-sub008/internal/clockid"
	"github.com/cncaiprojem/projem-sub008/internal/domain"
	"github.com/cncaiprojem/projem-sub008/internal/idempotency"
	"github.com/cncaiprojem/projem-sub008/internal/intake"
	"github.com/cncaiprojem/projem-sub008/internal/jobstore"
	"github.com/cncaiprojem/projem-sub008/internal/routing"
)

// Publisher is the narrow seam onto broker.Publisher the Engine needs.
type Publisher interface {
	Publish(ctx context.Context, env broker.Envelope) error
}

// Engine composes the Job Store, Idempotency Store, Audit Chain, Routing
// Table, Publisher, Cancellation Service, Admin Replay Service, and intake
// rate limiter into the handful of operations a caller-facing surface
// needs, per §6's "transport-agnostic" framing.
type Engine struct {
	jobs         *jobstore.Store
	idempotency  *idempotency.Store
	auditLog     *audit.Chain
	routingTable *routing.Table
	publisher    Publisher
	cancellation *cancellation.Service
	adminReplay  *adminreplay.Service
	limiter      *intake.Limiter
	clock        clockid.Clock
}

// New constructs an Engine from its already-wired components.
func New(
	jobs *jobstore.Store,
	idem *idempotency.Store,
	auditLog *audit.Chain,
	routingTable *routing.Table,
	publisher Publisher,
	cancellationSvc *cancellation.Service,
	adminReplaySvc *adminreplay.Service,
	limiter *intake.Limiter,
	clock clockid.Clock,
) *Engine {
	return &Engine{
		jobs:         jobs,
		idempotency:  idem,
		auditLog:     auditLog,
		routingTable: routingTable,
		publisher:    publisher,
		cancellation: cancellationSvc,
		adminReplay:  adminReplaySvc,
		limiter:      limiter,
		clock:        clock,
	}
}

// SubmitJobInput is the caller-supplied request shape for SubmitJob (§4.1).
type SubmitJobInput struct {
	Owner          string
	Kind           string
	Params         json.RawMessage
	IdempotencyKey string
	Priority       *int
}

// SubmitJobResult is SubmitJob's response shape.
type SubmitJobResult struct {
	JobID   string
	Created bool // false when an existing idempotent job was returned instead
}

// SubmitJob implements §4.1's intake and idempotent admission algorithm:
//  1. validate kind, idempotency key, priority, and params size
//  2. admit or reject under the owner/global rate limiter
//  3. canonicalize params and atomically claim (owner, idempotency_key)
//  4. on a fresh claim: append the `created` audit event, publish the task
//     envelope, and transition the job from pending to queued
//  5. on an idempotent hit: return the prior job id with no further effect
func (e *Engine) SubmitJob(ctx context.Context, in SubmitJobInput) (SubmitJobResult, error) {
	kind, err := domain.NewJobKind(in.Kind)
	if err != nil {
		return SubmitJobResult{}, err
	}
	if _, ok := e.routingTable.Lookup(kind); !ok {
		return SubmitJobResult{}, fmt.Errorf("%w: kind %q has no routing entry", domain.ErrInvalidRequest, kind)
	}
	idemKey, err := domain.NewIdempotencyKey(in.IdempotencyKey)
	if err != nil {
		return SubmitJobResult{}, err
	}
	priority, err := domain.NewPriority(in.Priority)
	if err != nil {
		return SubmitJobResult{}, err
	}
	if in.Owner == "" {
		return SubmitJobResult{}, fmt.Errorf("%w: owner is required", domain.ErrInvalidRequest)
	}

	if !e.limiter.Allow(in.Owner) {
		return SubmitJobResult{}, domain.ErrRateLimited
	}

	canonicalParams, err := idempotency.CanonicalizeParams(in.Params)
	if err != nil {
		return SubmitJobResult{}, err
	}

	jobID, err := clockid.NewJobID()
	if err != nil {
		return SubmitJobResult{}, fmt.Errorf("engine: generate job id: %w", err)
	}
	now := e.clock.Now()
	newJob := domain.Job{
		ID:             jobID,
		Owner:          in.Owner,
		Kind:           kind,
		Status:         domain.JobStatusPending,
		IdempotencyKey: idemKey.String(),
		Params:         canonicalParams,
		Priority:       priority,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	claim, err := e.idempotency.Claim(ctx, in.Owner, idemKey, kind, canonicalParams, newJob)
	if err != nil {
		return SubmitJobResult{}, fmt.Errorf("engine: claim idempotency: %w", err)
	}
	if !claim.Created {
		return SubmitJobResult{JobID: claim.JobID, Created: false}, nil
	}

	actor := in.Owner
	if _, err := e.auditLog.Append(ctx, "job", jobID, domain.AuditEventCreated, map[string]any{
		"kind":     string(kind),
		"priority": int(priority),
	}, &actor); err != nil {
		return SubmitJobResult{}, fmt.Errorf("engine: append created event: %w", err)
	}

	traceID, err := clockid.NewTraceID()
	if err != nil {
		return SubmitJobResult{}, fmt.Errorf("engine: generate trace id: %w", err)
	}
	env := broker.Envelope{
		JobID:          jobID,
		Kind:           kind,
		Params:         json.RawMessage(canonicalParams),
		SubmittedBy:    in.Owner,
		Attempt:        1,
		TraceID:        traceID,
		IdempotencyKey: idemKey.String(),
		Priority:       int(priority),
		EnqueuedAt:     now,
	}
	if err := e.publisher.Publish(ctx, env); err != nil {
		return SubmitJobResult{}, fmt.Errorf("engine: publish envelope: %w", err)
	}

	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return SubmitJobResult{}, fmt.Errorf("engine: reload job after claim: %w", err)
	}
	if err := e.jobs.Transition(ctx, job, domain.JobStatusQueued, func(j *domain.Job) {
		j.TaskID = jobID
	}); err != nil {
		return SubmitJobResult{}, fmt.Errorf("engine: transition to queued: %w", err)
	}
	if _, err := e.auditLog.Append(ctx, "job", jobID, domain.AuditEventQueued, map[string]any{"attempt": 1}, nil); err != nil {
		return SubmitJobResult{}, fmt.Errorf("engine: append queued event: %w", err)
	}

	return SubmitJobResult{JobID: jobID, Created: true}, nil
}

// GetJobStatus returns the current job row (§6.1).
func (e *Engine) GetJobStatus(ctx context.Context, jobID string) (*domain.Job, error) {
	return e.jobs.Get(ctx, jobID)
}

// RequestCancel implements §4.6's admission path.
func (e *Engine) RequestCancel(ctx context.Context, jobID, actor, reason string) (cancellation.Result, error) {
	return e.cancellation.RequestCancel(ctx, jobID, actor, reason)
}

// ListDeadLetters implements the §6.4 Admin DLQ list operation.
func (e *Engine) ListDeadLetters(ctx context.Context, params domain.ListDeadLetterParams) (domain.PagedResult, error) {
	return e.adminReplay.List(ctx, params)
}

// ReplayDeadLetter implements §4.10 Admin Replay.
func (e *Engine) ReplayDeadLetter(ctx context.Context, dlqID, operator, assertion string) (adminreplay.ReplayResult, error) {
	return e.adminReplay.Replay(ctx, dlqID, operator, assertion)
}

// DiscardDeadLetter implements the §6.4 Admin DLQ discard operation.
func (e *Engine) DiscardDeadLetter(ctx context.Context, dlqID, operator, note, assertion string) error {
	return e.adminReplay.Discard(ctx, dlqID, operator, note, assertion)
}
