package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

// withTx runs fn inside a transaction, rolling back on error or panic and
// committing otherwise. Adapted from rezkam-mono's executeInTransaction.
func (s *Store) withTx(ctx context.Context, operation string, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", operation, err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				slog.ErrorContext(ctx, "rollback after panic failed", "operation", operation, "panic", p, "rollback_error", rbErr)
			}
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				slog.ErrorContext(ctx, "rollback failed", "operation", operation, "original_error", err, "rollback_error", rbErr)
			}
			return
		}
		err = tx.Commit(ctx)
	}()

	err = fn(tx)
	return
}
