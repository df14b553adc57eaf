package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cncaiprojem/projem-sub008/internal/domain"
)

// DeadLetterRepository implements retrydlq.Repository over the
// dead_letter_jobs table.
type DeadLetterRepository struct {
	store *Store
}

func NewDeadLetterRepository(store *Store) *DeadLetterRepository {
	return &DeadLetterRepository{store: store}
}

func (r *DeadLetterRepository) Insert(ctx context.Context, dlq domain.DeadLetterJob) error {
	_, err := r.store.pool.Exec(ctx, `
		INSERT INTO dead_letter_jobs (
			id, original_job_id, kind, envelope, error_type, error_message,
			retry_count, last_worker_id, first_seen_at, discarded, discard_note
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		dlq.ID, dlq.OriginalJobID, string(dlq.Kind), dlq.Envelope, dlq.ErrorType, dlq.ErrorMessage,
		dlq.RetryCount, dlq.LastWorkerID, dlq.FirstSeenAt, dlq.Discarded, dlq.DiscardNote,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert dead letter: %w", err)
	}
	return nil
}

func (r *DeadLetterRepository) Get(ctx context.Context, id string) (*domain.DeadLetterJob, error) {
	var dlq domain.DeadLetterJob
	var kind string
	err := r.store.pool.QueryRow(ctx, `
		SELECT id, original_job_id, kind, envelope, error_type, error_message,
			retry_count, last_worker_id, first_seen_at, discarded, discard_note
		FROM dead_letter_jobs WHERE id = $1`, id,
	).Scan(&dlq.ID, &dlq.OriginalJobID, &kind, &dlq.Envelope, &dlq.ErrorType, &dlq.ErrorMessage,
		&dlq.RetryCount, &dlq.LastWorkerID, &dlq.FirstSeenAt, &dlq.Discarded, &dlq.DiscardNote)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get dead letter: %w", err)
	}
	dlq.Kind = domain.JobKind(kind)
	return &dlq, nil
}

// List implements the admin DLQ browse operation with simple offset
// pagination ordered by first_seen_at, matching §6.4's listing contract.
func (r *DeadLetterRepository) List(ctx context.Context, params domain.ListDeadLetterParams) (domain.PagedResult, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	var kindFilter string
	if params.Kind != nil {
		kindFilter = string(*params.Kind)
	}

	var total int
	if err := r.store.pool.QueryRow(ctx, `
		SELECT count(*) FROM dead_letter_jobs
		WHERE ($1 = '' OR kind = $1) AND discarded = $2`,
		kindFilter, params.DiscardedOnly,
	).Scan(&total); err != nil {
		return domain.PagedResult{}, fmt.Errorf("postgres: count dead letters: %w", err)
	}

	rows, err := r.store.pool.Query(ctx, `
		SELECT id, original_job_id, kind, envelope, error_type, error_message,
			retry_count, last_worker_id, first_seen_at, discarded, discard_note
		FROM dead_letter_jobs
		WHERE ($1 = '' OR kind = $1) AND discarded = $2
		ORDER BY first_seen_at ASC
		LIMIT $3 OFFSET $4`,
		kindFilter, params.DiscardedOnly, limit, params.Offset,
	)
	if err != nil {
		return domain.PagedResult{}, fmt.Errorf("postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	var items []*domain.DeadLetterJob
	for rows.Next() {
		var dlq domain.DeadLetterJob
		var kind string
		if err := rows.Scan(&dlq.ID, &dlq.OriginalJobID, &kind, &dlq.Envelope, &dlq.ErrorType, &dlq.ErrorMessage,
			&dlq.RetryCount, &dlq.LastWorkerID, &dlq.FirstSeenAt, &dlq.Discarded, &dlq.DiscardNote); err != nil {
			return domain.PagedResult{}, fmt.Errorf("postgres: scan dead letter row: %w", err)
		}
		dlq.Kind = domain.JobKind(kind)
		items = append(items, &dlq)
	}
	if err := rows.Err(); err != nil {
		return domain.PagedResult{}, fmt.Errorf("postgres: iterate dead letters: %w", err)
	}
	return domain.PagedResult{
		Items:      items,
		TotalCount: total,
		HasMore:    params.Offset+len(items) < total,
	}, nil
}

func (r *DeadLetterRepository) MarkDiscarded(ctx context.Context, id, note string) error {
	tag, err := r.store.pool.Exec(ctx, `UPDATE dead_letter_jobs SET discarded = true, discard_note = $2 WHERE id = $1`, id, note)
	if err != nil {
		return fmt.Errorf("postgres: mark dead letter discarded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *DeadLetterRepository) MarkReplayed(ctx context.Context, id string) error {
	tag, err := r.store.pool.Exec(ctx, `UPDATE dead_letter_jobs SET discarded = true, discard_note = 'replayed' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: mark dead letter replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
