// Package bootstrap assembles the Job Store, Audit Chain, Idempotency
// Store, Cancellation Service, Progress Reporter, Retry/DLQ Handler,
// Queue Topology, and Publisher from their pgx/v5 and amqp091-go-backed
// implementations, the way rezkam-mono's cmd/server/main.go builds a
// single service struct once at startup and hands it to whatever
// transport wraps it. cmd/server and cmd/worker both call Build and
// compose its Components differently: the server drives Engine's
// transport-agnostic operations, the worker drives the consume loop.
package bootstrap

import (
	"context"
	"fmt"
	"net/url"
	"os"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cncaiprojem/projem-sub008/internal/adminreplay"
	"github.com/cncaiprojem/projem-sub008/internal/audit"
	"github.com/cncaiprojem/projem-sub008/internal/broker"
	"github.com/cncaiprojem/projem-sub008/internal/cancellation"
	"github.com/cncaiprojem/projem-sub008/internal/clockid"
	"github.com/cncaiprojem/projem-sub008/internal/config"
	"github.com/cncaiprojem/projem-sub008/internal/idempotency"
	"github.com/cncaiprojem/projem-sub008/internal/intake"
	"github.com/cncaiprojem/projem-sub008/internal/jobstore"
	"github.com/cncaiprojem/projem-sub008/internal/progress"
	"github.com/cncaiprojem/projem-sub008/internal/retrydlq"
	"github.com/cncaiprojem/projem-sub008/internal/routing"
	"github.com/cncaiprojem/projem-sub008/internal/storage/memcache"
	"github.com/cncaiprojem/projem-sub008/internal/storage/postgres"
)

// adminSecondFactorEnv names the environment variable holding the operator
// second-factor value Admin Replay compares every DLQ replay/discard
// assertion against.
const adminSecondFactorEnv = "MONO_ADMIN_SECOND_FACTOR"

// Components bundles every constructed piece a process wires into its own
// transport or consume loop. AMQPConn/AMQPChannel are exposed so cmd/worker
// can also open additional channels (one per registered capability queue
// shares the same connection).
type Components struct {
	Config       *config.EngineConfig
	Store        *postgres.Store
	AMQPConn     *amqp.Connection
	AMQPChannel  *amqp.Channel
	Jobs         *jobstore.Store
	Idempotency  *idempotency.Store
	AuditLog     *audit.Chain
	RoutingTable *routing.Table
	Publisher    *broker.Publisher
	Cancellation *cancellation.Service
	Progress     *progress.Reporter
	Retry        *retrydlq.Handler
	AdminReplay  *adminreplay.Service
	Limiter      *intake.Limiter
	Clock        clockid.Clock
}

// Build loads EngineConfig, opens the Postgres pool and AMQP connection,
// declares the queue topology, and wires every lifecycle component behind
// it. Callers are responsible for closing AMQPConn and Store on shutdown.
func Build(ctx context.Context) (*Components, error) {
	cfg, err := config.LoadEngineConfig()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load config: %w", err)
	}

	store, err := postgres.NewStoreWithConfig(ctx, postgres.DBConfig{DSN: cfg.Database.DSN})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open postgres store: %w", err)
	}

	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("bootstrap: dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		store.Close()
		return nil, fmt.Errorf("bootstrap: open amqp channel: %w", err)
	}

	table := routing.DefaultTable()
	topologyPolicy := broker.Policy{
		QueueMaxBytes: cfg.Topology.QueueMaxBytes,
		QueueTTL:      cfg.Topology.QueueTTL.Milliseconds(),
		DLQMaxLength:  cfg.Topology.DLQMaxLength,
		DLQTTL:        cfg.Topology.DLQTTL.Milliseconds(),
	}
	if err := broker.NewTopologyManager(ch, table).WithPolicy(topologyPolicy).Declare(); err != nil {
		ch.Close()
		conn.Close()
		store.Close()
		return nil, fmt.Errorf("bootstrap: declare topology: %w", err)
	}

	publisher, err := broker.NewPublisher(ch, table)
	if err != nil {
		ch.Close()
		conn.Close()
		store.Close()
		return nil, fmt.Errorf("bootstrap: construct publisher: %w", err)
	}

	clock := clockid.SystemClock{}
	jobRepo := postgres.NewJobRepository(store)
	jobs := jobstore.New(jobRepo, clock)
	auditLog := audit.New(postgres.NewAuditRepository(store), clock)
	idem := idempotency.New(postgres.NewIdempotencyRepository(store))
	cancellationSvc := cancellation.New(jobs, memcache.New(), auditLog, clock)
	progressReporter := progress.New(jobRepo, progress.NoopMetrics{}, clock)
	dlqRepo := postgres.NewDeadLetterRepository(store)
	retryHandler := retrydlq.New(jobs, auditLog, publisher, dlqRepo, clock)
	adminReplaySvc := adminreplay.New(dlqRepo, jobs, publisher, auditLog, clock, adminSecondFactor())
	limiter := intake.NewLimiter(cfg.RateLimit.GlobalRPS, cfg.RateLimit.PerOwnerRPS, 1)

	return &Components{
		Config:       cfg,
		Store:        store,
		AMQPConn:     conn,
		AMQPChannel:  ch,
		Jobs:         jobs,
		Idempotency:  idem,
		AuditLog:     auditLog,
		RoutingTable: table,
		Publisher:    publisher,
		Cancellation: cancellationSvc,
		Progress:     progressReporter,
		Retry:        retryHandler,
		AdminReplay:  adminReplaySvc,
		Limiter:      limiter,
		Clock:        clock,
	}, nil
}

// Close tears down the AMQP connection and Postgres pool in reverse
// construction order.
func (c *Components) Close() {
	if c.AMQPChannel != nil {
		c.AMQPChannel.Close()
	}
	if c.AMQPConn != nil {
		c.AMQPConn.Close()
	}
	if c.Store != nil {
		c.Store.Close()
	}
}

// MaskDSN redacts a connection string's password for safe logging,
// mirroring rezkam-mono's cmd/server maskPassword helper.
func MaskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "[REDACTED]"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxxx")
		}
	}
	return u.String()
}

func adminSecondFactor() string {
	return os.Getenv(adminSecondFactorEnv)
}
