package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cncaiprojem/projem-sub008/internal/domain"
)

// JobRepository implements jobstore.Repository over the jobs table.
type JobRepository struct {
	store *Store
}

func NewJobRepository(store *Store) *JobRepository { return &JobRepository{store: store} }

func (r *JobRepository) Insert(ctx context.Context, job domain.Job) error {
	_, err := r.store.pool.Exec(ctx, `
		INSERT INTO jobs (
			id, owner, kind, status, idempotency_key, params, priority,
			attempts, cancel_requested, task_id, version,
			created_at, updated_at, started_at, finished_at, replay_of
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		job.ID, job.Owner, string(job.Kind), string(job.Status), job.IdempotencyKey,
		job.Params, int(job.Priority), job.Attempts, job.CancelRequested, job.TaskID, job.Version,
		job.CreatedAt, job.UpdatedAt, job.StartedAt, job.FinishedAt, job.ReplayOf,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert job: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.store.pool.QueryRow(ctx, `
		SELECT id, owner, kind, status, idempotency_key, params, priority,
			attempts, cancel_requested, task_id, version,
			created_at, updated_at, started_at, finished_at, replay_of,
			error_code, error_message, error_retryable,
			progress_percent, progress_step, progress_message, progress_updated_at
		FROM jobs WHERE id = $1`, id)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get job: %w", err)
	}
	return job, nil
}

// Update persists job guarded by a WHERE id = ... AND version = expectedVersion
// compare-and-swap; zero rows affected means another writer won the race.
func (r *JobRepository) Update(ctx context.Context, job domain.Job, expectedVersion int64) error {
	tag, err := r.store.pool.Exec(ctx, `
		UPDATE jobs SET
			status = $1, attempts = $2, cancel_requested = $3, task_id = $4,
			version = $5, updated_at = $6, started_at = $7, finished_at = $8,
			error_code = $9, error_message = $10, error_retryable = $11,
			progress_percent = $12, progress_step = $13, progress_message = $14, progress_updated_at = $15
		WHERE id = $16 AND version = $17`,
		string(job.Status), job.Attempts, job.CancelRequested, job.TaskID,
		job.Version, job.UpdatedAt, job.StartedAt, job.FinishedAt,
		jobErrorCode(job.Error), jobErrorMessage(job.Error), jobErrorRetryable(job.Error),
		progressPercent(job.Progress), progressStep(job.Progress), progressMessage(job.Progress), progressUpdatedAt(job.Progress),
		job.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// SaveProgress persists a job's latest progress snapshot out of band from
// the optimistic-concurrency Update path: the Progress Reporter (§4.7)
// writes far more often than the lifecycle state machine transitions, and
// coupling it to the (id, version) CAS would force every throttled
// progress write to race the worker's own state transitions.
func (r *JobRepository) SaveProgress(ctx context.Context, jobID string, snapshot domain.ProgressSnapshot) error {
	_, err := r.store.pool.Exec(ctx, `
		UPDATE jobs SET progress_percent = $1, progress_step = $2, progress_message = $3, progress_updated_at = $4
		WHERE id = $5`,
		snapshot.Percent, snapshot.Step, snapshot.Message, snapshot.UpdatedAt, jobID,
	)
	if err != nil {
		return fmt.Errorf("postgres: save progress: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	var kind, status string
	var priority int
	var errCode, errMessage *string
	var errRetryable *bool
	var progPercent *int
	var progStep, progMessage *string
	var progUpdatedAt *time.Time

	if err := row.Scan(
		&j.ID, &j.Owner, &kind, &status, &j.IdempotencyKey, &j.Params, &priority,
		&j.Attempts, &j.CancelRequested, &j.TaskID, &j.Version,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt, &j.ReplayOf,
		&errCode, &errMessage, &errRetryable,
		&progPercent, &progStep, &progMessage, &progUpdatedAt,
	); err != nil {
		return nil, err
	}

	j.Kind = domain.JobKind(kind)
	j.Status = domain.JobStatus(status)
	j.Priority = domain.Priority(priority)

	if errCode != nil {
		j.Error = &domain.JobError{
			Code:      *errCode,
			Message:   derefString(errMessage),
			Retryable: errRetryable != nil && *errRetryable,
		}
	}
	if progPercent != nil {
		var updatedAt time.Time
		if progUpdatedAt != nil {
			updatedAt = *progUpdatedAt
		}
		j.Progress = &domain.ProgressSnapshot{
			Percent:   *progPercent,
			Step:      derefString(progStep),
			Message:   derefString(progMessage),
			UpdatedAt: updatedAt,
		}
	}
	return &j, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func jobErrorCode(e *domain.JobError) *string {
	if e == nil {
		return nil
	}
	return &e.Code
}

func jobErrorMessage(e *domain.JobError) *string {
	if e == nil {
		return nil
	}
	return &e.Message
}

func jobErrorRetryable(e *domain.JobError) *bool {
	if e == nil {
		return nil
	}
	return &e.Retryable
}

func progressPercent(p *domain.ProgressSnapshot) *int {
	if p == nil {
		return nil
	}
	return &p.Percent
}

func progressStep(p *domain.ProgressSnapshot) *string {
	if p == nil {
		return nil
	}
	return &p.Step
}

func progressMessage(p *domain.ProgressSnapshot) *string {
	if p == nil {
		return nil
	}
	return &p.Message
}

func progressUpdatedAt(p *domain.ProgressSnapshot) any {
	if p == nil {
		return nil
	}
	return p.UpdatedAt
}
