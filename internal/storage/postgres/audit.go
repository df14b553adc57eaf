package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cncaiprojem/projem-sub008/internal/audit"
	"github.com/cncaiprojem/projem-sub008/internal/domain"
)

// ErrConcurrentAppend indicates another writer inserted the same
// (scope_kind, scope_id, seq) first; callers should re-read the chain
// head and retry the append with the new seq.
var ErrConcurrentAppend = errors.New("postgres: concurrent audit append")

// AuditRepository implements audit.Appender over the append-only
// audit_events table, enforcing the (scope_kind, scope_id, seq) unique
// constraint the Chain relies on to detect a concurrent-append race.
type AuditRepository struct {
	store *Store
}

func NewAuditRepository(store *Store) *AuditRepository { return &AuditRepository{store: store} }

func (r *AuditRepository) Head(ctx context.Context, scopeKind, scopeID string) (int64, string, error) {
	var seq int64
	var chainHash string
	err := r.store.pool.QueryRow(ctx, `
		SELECT seq, chain_hash FROM audit_events
		WHERE scope_kind = $1 AND scope_id = $2
		ORDER BY seq DESC LIMIT 1`, scopeKind, scopeID,
	).Scan(&seq, &chainHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, audit.GenesisHash, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("postgres: audit head: %w", err)
	}
	return seq, chainHash, nil
}

func (r *AuditRepository) Append(ctx context.Context, event domain.AuditEvent) error {
	_, err := r.store.pool.Exec(ctx, `
		INSERT INTO audit_events (
			scope_kind, scope_id, seq, event_type, payload, prev_hash, chain_hash, actor, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		event.ScopeKind, event.ScopeID, event.Seq, string(event.EventType), event.Payload,
		event.PrevHash, event.ChainHash, event.Actor, event.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConcurrentAppend
		}
		return fmt.Errorf("postgres: append audit event: %w", err)
	}
	return nil
}

func (r *AuditRepository) Scan(ctx context.Context, scopeKind, scopeID string) ([]domain.AuditEvent, error) {
	rows, err := r.store.pool.Query(ctx, `
		SELECT scope_kind, scope_id, seq, event_type, payload, prev_hash, chain_hash, actor, created_at
		FROM audit_events WHERE scope_kind = $1 AND scope_id = $2 ORDER BY seq ASC`, scopeKind, scopeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan audit events: %w", err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var eventType string
		if err := rows.Scan(&e.ScopeKind, &e.ScopeID, &e.Seq, &eventType, &e.Payload, &e.PrevHash, &e.ChainHash, &e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit row: %w", err)
		}
		e.EventType = domain.AuditEventType(eventType)
		events = append(events, e)
	}
	return events, rows.Err()
}
