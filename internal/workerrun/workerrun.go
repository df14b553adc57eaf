// Package workerrun implements the Worker Runtime (§4.5): the per-task
// consume loop that claims queued jobs off their kind's primary queue,
// executes the kind-specific operation through an abstract Capability
// under a wall-clock deadline the worker itself enforces, and routes the
// outcome into the job lifecycle state machine, the Progress Reporter, and
// the Retry/DLQ Handler.
//
// It is grounded on the reference ai-platform worker's consume-with-ack
// shape (Qos prefetch, a buffered dispatch channel feeding a fixed pool of
// worker goroutines, signal-driven graceful shutdown) generalized to the
// job lifecycle's claim/execute/outcome semantics instead of that
// example's flat retry-count header.
package workerrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cncaiprojem/projem-sub008/internal/audit"
	"github.com/cncaiprojem/projem-sub008/internal/broker"
	"github.com/cncaiprojem/projem-sub008/internal/cancellation"
	"github.com/cncaiprojem/projem-sub008/internal/clockid"
	"github.com/cncaiprojem/projem-sub008/internal/config"
	"github.com/cncaiprojem/projem-sub008/internal/domain"
	"github.com/cncaiprojem/projem-sub008/internal/jobstore"
	"github.com/cncaiprojem/projem-sub008/internal/progress"
	"github.com/cncaiprojem/projem-sub008/internal/retrydlq"
	"github.com/cncaiprojem/projem-sub008/internal/routing"
)

// Checkpoint is the cooperative-cancellation and progress-reporting
// contract a Capability is handed for one job execution (§4.5 step 4,
// §4.6, §4.7). A Capability must call CheckCancel at well-defined safe
// points and stop, returning a cancellation-classified error, when it
// observes true.
type Checkpoint struct {
	jobID    string
	jobKind  string
	cancel   *cancellation.Service
	progress *progress.Reporter
}

// CheckCancel reports whether the job's cancellation has been requested.
func (c *Checkpoint) CheckCancel(ctx context.Context) (bool, error) {
	return c.cancel.CheckCancel(ctx, c.jobID)
}

// ReportProgress forwards to the Progress Reporter for this job.
func (c *Checkpoint) ReportProgress(ctx context.Context, percent int, step, message string) error {
	return c.progress.ReportProgress(ctx, c.jobID, c.jobKind, percent, step, message)
}

// Capability is the abstract kind-specific operation (§6.5): everything
// the worker runtime itself does not know how to do (drive FreeCAD,
// invoke an AI backend, talk to the ERP, render a report, ...). Execute
// receives the job, its task envelope, and a Checkpoint it must poll
// cooperatively; it returns output metadata recorded on the succeeded
// audit event, or an error — ideally a *retrydlq.ClassifiedError so the
// Retry/DLQ Handler routes it precisely instead of guessing.
type Capability interface {
	Execute(ctx context.Context, job *domain.Job, env broker.Envelope, cp *Checkpoint) (map[string]any, error)
}

// Runtime consumes one primary queue per registered Capability and drives
// every delivery through claim, execute, and outcome handling.
type Runtime struct {
	ch           broker.ConsumeChannel
	jobs         *jobstore.Store
	auditLog     *audit.Chain
	cancellation *cancellation.Service
	progress     *progress.Reporter
	retry        *retrydlq.Handler
	table        *routing.Table
	cfg          *config.EngineConfig
	clock        clockid.Clock
	workerID     string
	slots        int

	capabilities map[domain.JobKind]Capability
}

// New constructs a Runtime. slots is the cooperative task-slot count
// applied uniformly as the channel's prefetch count (§4.5 step 1:
// "prefetch=1 per worker slot").
func New(
	ch broker.ConsumeChannel,
	jobs *jobstore.Store,
	auditLog *audit.Chain,
	cancellationSvc *cancellation.Service,
	progressR *progress.Reporter,
	retry *retrydlq.Handler,
	table *routing.Table,
	cfg *config.EngineConfig,
	clock clockid.Clock,
	workerID string,
	slots int,
) *Runtime {
	if slots < 1 {
		slots = 1
	}
	return &Runtime{
		ch:           ch,
		jobs:         jobs,
		auditLog:     auditLog,
		cancellation: cancellationSvc,
		progress:     progressR,
		retry:        retry,
		table:        table,
		cfg:          cfg,
		clock:        clock,
		workerID:     workerID,
		slots:        slots,
		capabilities: make(map[domain.JobKind]Capability),
	}
}

// Register binds a Capability to a job kind. Only kinds with a registered
// Capability are consumed by Run; a process can run a subset of kinds
// ("worker class", §4.5 step 2's "kind allowed for this worker class").
func (r *Runtime) Register(kind domain.JobKind, cap Capability) *Runtime {
	r.capabilities[kind] = cap
	return r
}

// Run declares Qos and starts one consumer + worker pool per registered
// kind, blocking until ctx is cancelled and every in-flight delivery has
// been handled.
func (r *Runtime) Run(ctx context.Context) error {
	if len(r.capabilities) == 0 {
		return fmt.Errorf("workerrun: no capabilities registered")
	}
	if err := r.ch.Qos(r.slots, 0, false); err != nil {
		return fmt.Errorf("workerrun: set qos: %w", err)
	}

	var wg sync.WaitGroup
	for kind, cap := range r.capabilities {
		cfg, ok := r.table.Lookup(kind)
		if !ok {
			return fmt.Errorf("workerrun: kind %q has no routing entry", kind)
		}
		deliveries, err := r.ch.Consume(cfg.Queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("workerrun: consume %s: %w", cfg.Queue, err)
		}

		slog.InfoContext(ctx, "worker runtime consuming queue",
			slog.String("kind", string(kind)), slog.String("queue", cfg.Queue), slog.Int("slots", r.slots))

		wg.Add(1)
		go r.dispatch(ctx, &wg, kind, cap, deliveries)
	}

	wg.Wait()
	return nil
}

// dispatch fans deliveries for one kind out across r.slots worker
// goroutines, mirroring the reference worker's buffered-channel-plus-pool
// shape, and exits once ctx is done and the in-flight pool has drained.
func (r *Runtime) dispatch(ctx context.Context, outerWG *sync.WaitGroup, kind domain.JobKind, cap Capability, deliveries <-chan amqp.Delivery) {
	defer outerWG.Done()

	jobs := make(chan amqp.Delivery, r.slots*2)
	var pool sync.WaitGroup
	for i := 0; i < r.slots; i++ {
		pool.Add(1)
		go func() {
			defer pool.Done()
			for d := range jobs {
				r.handleDelivery(ctx, kind, cap, d)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			pool.Wait()
			return
		case d, ok := <-deliveries:
			if !ok {
				close(jobs)
				pool.Wait()
				return
			}
			jobs <- d
		}
	}
}

// handleDelivery implements §4.5 steps 2-7 for a single message.
func (r *Runtime) handleDelivery(ctx context.Context, kind domain.JobKind, cap Capability, d amqp.Delivery) {
	env, ok := r.validateEnvelope(ctx, kind, d)
	if !ok {
		return
	}

	job, err := r.jobs.Get(ctx, env.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.WarnContext(ctx, "workerrun: delivery references unknown job, rejecting",
			slog.String("job_id", env.JobID))
		_ = d.Reject(false)
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "workerrun: load job failed, requeueing",
			slog.String("job_id", env.JobID), slog.String("error", err.Error()))
		_ = d.Nack(false, true)
		return
	}

	if job.Status.IsTerminal() {
		// Redelivery of a message whose job already reached a terminal
		// state through another path; nothing to do.
		_ = d.Ack(false)
		return
	}

	if job.CancelRequested && job.Status != domain.JobStatusRunning {
		if err := r.jobs.Transition(ctx, job, domain.JobStatusCancelled, nil); err != nil {
			slog.ErrorContext(ctx, "workerrun: transition to cancelled before claim failed",
				slog.String("job_id", job.ID), slog.String("error", err.Error()))
			_ = d.Nack(false, true)
			return
		}
		r.auditAndForget(ctx, job, domain.AuditEventCancelled, nil)
		_ = d.Ack(false)
		return
	}

	if err := r.jobs.Transition(ctx, job, domain.JobStatusRunning, nil); err != nil {
		if errors.Is(err, domain.ErrJobOwnershipLost) || errors.Is(err, domain.ErrInvalidTransition) {
			// §5 scenario 5: a stale redelivery lost the claim race (or the
			// job moved on between Get and Transition). Handled, not an
			// error: ack without doing any work.
			slog.InfoContext(ctx, "workerrun: claim lost to another worker, acking without work",
				slog.String("job_id", job.ID))
			_ = d.Ack(false)
			return
		}
		slog.ErrorContext(ctx, "workerrun: claim failed, requeueing",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
		_ = d.Nack(false, true)
		return
	}

	if _, err := r.auditLog.Append(ctx, "job", job.ID, domain.AuditEventRunning, map[string]any{
		"attempt":   job.Attempts,
		"worker_id": r.workerID,
	}, nil); err != nil {
		slog.ErrorContext(ctx, "workerrun: append running event failed",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
		_ = d.Nack(false, true)
		return
	}

	r.execute(ctx, job, env, cap)
	_ = d.Ack(false)
}

// validateEnvelope unmarshals and checks the delivery body against the
// §6.5 wire contract and the kind this queue was declared for. On
// rejection it Rejects the delivery (no requeue) so it lands on the
// kind's DLX per the declared topology (§4.5 step 2).
func (r *Runtime) validateEnvelope(ctx context.Context, kind domain.JobKind, d amqp.Delivery) (broker.Envelope, bool) {
	if err := domain.ValidateEnvelopeSize(d.Body); err != nil {
		slog.WarnContext(ctx, "workerrun: oversized envelope, rejecting", slog.String("error", err.Error()))
		_ = d.Reject(false)
		return broker.Envelope{}, false
	}

	var env broker.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		slog.WarnContext(ctx, "workerrun: malformed envelope, rejecting", slog.String("error", err.Error()))
		_ = d.Reject(false)
		return broker.Envelope{}, false
	}
	if env.V != broker.EnvelopeVersion {
		slog.WarnContext(ctx, "workerrun: unsupported envelope version, rejecting", slog.Int("v", env.V))
		_ = d.Reject(false)
		return broker.Envelope{}, false
	}
	if env.Kind != kind {
		slog.WarnContext(ctx, "workerrun: envelope kind does not match consumed queue, rejecting",
			slog.String("envelope_kind", string(env.Kind)), slog.String("queue_kind", string(kind)))
		_ = d.Reject(false)
		return broker.Envelope{}, false
	}
	if env.JobID == "" {
		slog.WarnContext(ctx, "workerrun: envelope missing job_id, rejecting")
		_ = d.Reject(false)
		return broker.Envelope{}, false
	}

	return env, true
}

// execute runs the kind's Capability under the kind's wall-clock deadline
// (§4.5's "deadline enforced by the worker, not the broker"), recovers a
// panic into a Fatal ClassifiedError routed straight to the DLQ, and
// branches on the outcome into success, timeout, cancellation, or the
// Retry/DLQ Handler.
func (r *Runtime) execute(ctx context.Context, job *domain.Job, env broker.Envelope, cap Capability) {
	timeout := r.cfg.TimeoutFor(job.Kind).WallClock
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cp := &Checkpoint{jobID: job.ID, jobKind: string(job.Kind), cancel: r.cancellation, progress: r.progress}

	result, err := r.runCapability(execCtx, cap, job, env, cp)

	switch {
	case err == nil:
		r.succeed(ctx, job, result)
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		r.timeoutOut(ctx, job)
	case retrydlq.Classify(err).Kind == domain.ErrorKindCancellation:
		r.cancelOut(ctx, job)
	default:
		rp := r.cfg.RetryFor(job.Kind)
		policy := retrydlq.Policy{MaxRetries: rp.MaxRetries, Base: rp.BaseDelay, Cap: rp.CapDelay}
		if herr := r.retry.Handle(ctx, job, env, r.workerID, err, policy); herr != nil {
			slog.ErrorContext(ctx, "workerrun: retry/dlq handling failed",
				slog.String("job_id", job.ID), slog.String("error", herr.Error()))
		}
		r.progress.Forget(job.ID)
	}
}

// runCapability invokes cap.Execute with panic recovery, converting a
// panic into a Fatal *retrydlq.ClassifiedError carrying the captured stack
// trace (§4.5 "Panics ... routed straight to the DLQ with the captured
// stack trace").
func (r *Runtime) runCapability(ctx context.Context, cap Capability, job *domain.Job, env broker.Envelope, cp *Checkpoint) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &retrydlq.ClassifiedError{
				Kind:    domain.ErrorKindFatal,
				Code:    "PANIC",
				Message: fmt.Sprintf("panic: %v\n%s", rec, debug.Stack()),
			}
		}
	}()
	return cap.Execute(ctx, job, env, cp)
}

func (r *Runtime) succeed(ctx context.Context, job *domain.Job, result map[string]any) {
	if err := r.progress.ReportFinal(ctx, job.ID, string(job.Kind), 100, "completed", ""); err != nil {
		slog.ErrorContext(ctx, "workerrun: report final progress failed",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
	if err := r.jobs.Transition(ctx, job, domain.JobStatusSucceeded, nil); err != nil {
		slog.ErrorContext(ctx, "workerrun: transition to succeeded failed",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	payload := map[string]any{"attempt": job.Attempts}
	for k, v := range result {
		payload[k] = v
	}
	r.auditAndForget(ctx, job, domain.AuditEventSucceeded, payload)
}

func (r *Runtime) timeoutOut(ctx context.Context, job *domain.Job) {
	if err := r.jobs.Transition(ctx, job, domain.JobStatusTimeout, func(j *domain.Job) {
		j.Error = &domain.JobError{Code: "WALL_CLOCK_EXCEEDED", Message: "worker deadline exceeded", Retryable: false}
	}); err != nil {
		slog.ErrorContext(ctx, "workerrun: transition to timeout failed",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	r.auditAndForget(ctx, job, domain.AuditEventTimeout, map[string]any{"attempt": job.Attempts})
}

func (r *Runtime) cancelOut(ctx context.Context, job *domain.Job) {
	if err := r.jobs.Transition(ctx, job, domain.JobStatusCancelled, nil); err != nil {
		slog.ErrorContext(ctx, "workerrun: transition to cancelled failed",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	r.auditAndForget(ctx, job, domain.AuditEventCancelled, map[string]any{"attempt": job.Attempts})
}

func (r *Runtime) auditAndForget(ctx context.Context, job *domain.Job, eventType domain.AuditEventType, payload map[string]any) {
	if _, err := r.auditLog.Append(ctx, "job", job.ID, eventType, payload, nil); err != nil {
		slog.ErrorContext(ctx, "workerrun: append audit event failed",
			slog.String("job_id", job.ID), slog.String("event_type", string(eventType)), slog.String("error", err.Error()))
	}
	r.progress.Forget(job.ID)
}
