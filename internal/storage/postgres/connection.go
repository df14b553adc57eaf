// Package postgres is the hand-written pgx/v5 persistence layer backing
// the Job Store, Idempotency Store, Audit Chain, and Retry/DLQ Repository
// interfaces. It adapts rezkam-mono's infrastructure/persistence/postgres
// connection and transaction pattern; it does not use sqlc because the
// retrieved teacher pack carries no sqlc.yaml or migration SQL for this
// domain's tables, so queries here are hand-written against pgx/v5 directly
// instead of fabricating generated code.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// DBConfig holds PostgreSQL connection pool configuration.
type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store wraps a pgxpool.Pool with the query methods implementing the
// engine's repository seams.
type Store struct {
	pool *pgxpool.Pool
}

// NewStoreWithConfig runs migrations then opens a connection pool.
func NewStoreWithConfig(ctx context.Context, cfg DBConfig) (*Store, error) {
	if err := runMigrations(ctx, cfg.DSN); err != nil {
		return nil, fmt.Errorf("postgres: run migrations: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}

	maxConns := int32(cfg.MaxOpenConns)
	if maxConns <= 0 {
		maxConns = int32(runtime.GOMAXPROCS(0) * 4)
	}
	minConns := int32(cfg.MaxIdleConns)
	if minConns <= 0 {
		minConns = int32(runtime.GOMAXPROCS(0))
	}
	connMaxLifetime := cfg.ConnMaxLifetime
	if connMaxLifetime <= 0 {
		connMaxLifetime = 5 * time.Minute
	}
	connMaxIdleTime := cfg.ConnMaxIdleTime
	if connMaxIdleTime <= 0 {
		connMaxIdleTime = time.Minute
	}

	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = minConns
	poolConfig.MaxConnLifetime = connMaxLifetime
	poolConfig.MaxConnIdleTime = connMaxIdleTime
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET TIMEZONE='UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Store{pool: pool}, nil
}

// NewStore opens a pool with auto-scaled sizing and runs migrations.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	return NewStoreWithConfig(ctx, DBConfig{DSN: dsn})
}

func (s *Store) Close() { s.pool.Close() }

// Pool exposes the raw pool for components that need a bare connection,
// e.g. a LISTEN/NOTIFY consumer.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func runMigrations(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.ErrorContext(ctx, "failed to close migration connection", "error", err)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migration connection: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
