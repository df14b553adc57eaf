package broker

import (
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cncaiprojem/projem-sub008/internal/domain"
	"github.com/cncaiprojem/projem-sub008/internal/routing"
)

// TopologyManager declares the exchange/queue layout described in §3.5:
// one direct exchange, a primary queue per kind bound to `jobs.<kind>`,
// and a dedicated dead-letter exchange/queue per kind. Declaration is
// idempotent so it can run on every process start and tolerates
// partial pre-existing state.
type TopologyManager struct {
	ch     Channel
	table  *routing.Table
	policy Policy
}

// Policy bounds the per-queue arguments the §4.3 topology enforces:
// TTLs, max-length-bytes, priority, and DLX binding.
type Policy struct {
	QueueMaxBytes int64
	QueueTTL      int64 // ms
	DLQMaxLength  int64
	DLQTTL        int64 // ms
}

// DefaultPolicy returns the §6.8 default topology bounds.
func DefaultPolicy() Policy {
	return Policy{
		QueueMaxBytes: 10 * 1024 * 1024,
		QueueTTL:      24 * 60 * 60 * 1000,
		DLQMaxLength:  100000,
		DLQTTL:        7 * 24 * 60 * 60 * 1000,
	}
}

// NewTopologyManager constructs a manager over the given channel and
// routing table using the default policy.
func NewTopologyManager(ch Channel, table *routing.Table) *TopologyManager {
	return &TopologyManager{ch: ch, table: table, policy: DefaultPolicy()}
}

// WithPolicy overrides the declared topology's queue argument bounds.
func (m *TopologyManager) WithPolicy(p Policy) *TopologyManager {
	m.policy = p
	return m
}

// Declare declares jobs.direct, then for every kind declares its DLX/DLQ
// pair first so the primary queue's x-dead-letter-exchange argument
// resolves to an already-existing exchange, then the primary queue itself,
// bound to jobs.direct under its routing key.
func (m *TopologyManager) Declare() error {
	if err := m.ch.ExchangeDeclare(routing.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare exchange %s: %w", routing.Exchange, err)
	}

	for kind, cfg := range m.table.All() {
		if err := m.declareDeadLetter(kind, cfg); err != nil {
			return err
		}
		if err := m.declarePrimary(kind, cfg); err != nil {
			return err
		}
	}

	return nil
}

// declareDeadLetter declares a fanout DLX so redirected messages land in
// the DLQ regardless of their original
// routing key (§4.3's x-dead-letter-routing-key: "#"). The DLQ itself is
// lazy/classic with a bounded length and TTL (§3.5).
func (m *TopologyManager) declareDeadLetter(kind domain.JobKind, cfg routing.Config) error {
	if err := m.ch.ExchangeDeclare(cfg.DLX, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare dlx %s: %w", cfg.DLX, err)
	}

	args := amqp.Table{
		"x-queue-mode": "lazy",
	}
	if m.policy.DLQTTL > 0 {
		args["x-message-ttl"] = m.policy.DLQTTL
	}
	if m.policy.DLQMaxLength > 0 {
		args["x-max-length"] = m.policy.DLQMaxLength
	}

	if _, err := m.ch.QueueDeclare(cfg.DLQ, true, false, false, false, args); err != nil {
		return fmt.Errorf("broker: declare dlq %s: %w", cfg.DLQ, err)
	}
	if err := m.ch.QueueBind(cfg.DLQ, "#", cfg.DLX, false, nil); err != nil {
		return fmt.Errorf("broker: bind dlq %s to %s: %w", cfg.DLQ, cfg.DLX, err)
	}
	return nil
}

// declarePrimary declares the high-durability primary queue with its DLX
// binding, message-priority support, and TTL/max-length-bytes bounds
// (§4.3's primary queue argument set).
func (m *TopologyManager) declarePrimary(kind domain.JobKind, cfg routing.Config) error {
	args := amqp.Table{
		"x-dead-letter-exchange":    cfg.DLX,
		"x-dead-letter-routing-key": "#",
		"x-max-priority":            10,
	}
	if m.policy.QueueMaxBytes > 0 {
		args["x-max-length-bytes"] = m.policy.QueueMaxBytes
	}
	if m.policy.QueueTTL > 0 {
		args["x-message-ttl"] = m.policy.QueueTTL
	}

	if _, err := m.ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("broker: declare queue %s: %w", cfg.Queue, err)
	}
	routingKey := routing.RoutingKey(kind)
	if err := m.ch.QueueBind(cfg.Queue, routingKey, routing.Exchange, false, nil); err != nil {
		return fmt.Errorf("broker: bind queue %s to %s: %w", cfg.Queue, routingKey, err)
	}

	slog.Info("declared job queue topology",
		slog.String("kind", string(kind)),
		slog.String("queue", cfg.Queue),
		slog.String("dlq", cfg.DLQ),
	)
	return nil
}
