package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cncaiprojem/projem-sub008/internal/domain"
	"github.com/cncaiprojem/projem-sub008/internal/idempotency"
)

// IdempotencyRepository implements idempotency.Repository over the
// idempotency_records table, inserting the new job row in the same
// transaction per §4.1's "claim is atomic with job creation" requirement.
type IdempotencyRepository struct {
	store *Store
	jobs  *JobRepository
}

func NewIdempotencyRepository(store *Store) *IdempotencyRepository {
	return &IdempotencyRepository{store: store, jobs: NewJobRepository(store)}
}

func (r *IdempotencyRepository) CreateClaim(ctx context.Context, record domain.IdempotencyRecord, newJob domain.Job) error {
	return r.store.withTx(ctx, "idempotency_claim", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO idempotency_records (owner, idempotency_key, job_id, fingerprint, created_at)
			VALUES ($1,$2,$3,$4,$5)`,
			record.Owner, record.IdempotencyKey, record.JobID, record.Fingerprint, record.CreatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return idempotency.ErrRaceLost
			}
			return fmt.Errorf("postgres: insert idempotency record: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO jobs (
				id, owner, kind, status, idempotency_key, params, priority,
				attempts, cancel_requested, task_id, version,
				created_at, updated_at, started_at, finished_at, replay_of
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			newJob.ID, newJob.Owner, string(newJob.Kind), string(newJob.Status), newJob.IdempotencyKey,
			newJob.Params, int(newJob.Priority), newJob.Attempts, newJob.CancelRequested, newJob.TaskID, newJob.Version,
			newJob.CreatedAt, newJob.UpdatedAt, newJob.StartedAt, newJob.FinishedAt, newJob.ReplayOf,
		)
		if err != nil {
			return fmt.Errorf("postgres: insert claimed job: %w", err)
		}
		return nil
	})
}

func (r *IdempotencyRepository) Find(ctx context.Context, owner, idempotencyKey string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := r.store.pool.QueryRow(ctx, `
		SELECT owner, idempotency_key, job_id, fingerprint, created_at
		FROM idempotency_records WHERE owner = $1 AND idempotency_key = $2`,
		owner, idempotencyKey,
	).Scan(&rec.Owner, &rec.IdempotencyKey, &rec.JobID, &rec.Fingerprint, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find idempotency record: %w", err)
	}
	return &rec, nil
}
