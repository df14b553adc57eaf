// Package broker implements the Publisher and Queue Topology Manager
// (§4.2) over RabbitMQ: a single direct exchange routes envelopes to
// per-kind primary queues, each backed by its own dead-letter exchange and
// queue, with publisher confirms and persistent delivery.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cncaiprojem/projem-sub008/internal/domain"
	"github.com/cncaiprojem/projem-sub008/internal/routing"
)

// maxMessageBytes is the §3.5 hard cap on a published envelope.
const maxMessageBytes = 10 * 1024 * 1024

// confirmTimeout bounds how long Publish waits for the broker's ack/nack
// after a publish, per §4.2's publish-with-confirm requirement.
const confirmTimeout = 5 * time.Second

// EnvelopeVersion is the wire format version field (§6.5 "v":1).
const EnvelopeVersion = 1

// Envelope is the §6.5 worker task envelope, the stable wire payload
// placed on a kind's primary queue.
type Envelope struct {
	V              int             `json:"v"`
	JobID          string          `json:"job_id"`
	Kind           domain.JobKind  `json:"kind"`
	Params         json.RawMessage `json:"params"`
	SubmittedBy    string          `json:"submitted_by"`
	Attempt        int             `json:"attempt"`
	TraceID        string          `json:"trace_id"`
	IdempotencyKey string          `json:"idempotency_key"`

	// Priority and EnqueuedAt are not part of the §6.5 wire contract but
	// are carried as broker message properties (priority, timestamp) so
	// the Scheduler can compute queue position without deserializing the
	// envelope body.
	Priority   int       `json:"-"`
	EnqueuedAt time.Time `json:"-"`
}

// Channel is the subset of *amqp.Channel the Publisher and TopologyManager
// depend on, so tests can substitute a fake.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Publisher publishes job envelopes to the primary exchange with publisher
// confirms, per §4.2.
type Publisher struct {
	ch      Channel
	table   *routing.Table
	confirm chan amqp.Confirmation
}

// NewPublisher puts ch into confirm mode and returns a Publisher. ch must
// already have had its topology declared via TopologyManager.Declare.
func NewPublisher(ch Channel, table *routing.Table) (*Publisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("broker: enable publisher confirms: %w", err)
	}
	confirm := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return &Publisher{ch: ch, table: table, confirm: confirm}, nil
}

// Publish serializes the envelope, validates its size, and publishes it
// persistently to jobs.direct with routing key jobs.<kind>, blocking until
// the broker confirms the publish or confirmTimeout elapses.
func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	if _, ok := p.table.Lookup(env.Kind); !ok {
		return fmt.Errorf("broker: unknown job kind %q: %w", env.Kind, domain.ErrInvalidRequest)
	}
	env.V = EnvelopeVersion

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker: marshal envelope: %w", err)
	}
	if err := domain.ValidateEnvelopeSize(body); err != nil {
		return err
	}

	routingKey := routing.RoutingKey(env.Kind)
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Priority:     uint8(env.Priority),
		Timestamp:    env.EnqueuedAt,
		MessageId:    env.JobID,
	}

	if err := p.ch.PublishWithContext(ctx, routing.Exchange, routingKey, true, false, msg); err != nil {
		return fmt.Errorf("broker: publish: %w", err)
	}

	select {
	case confirmation, ok := <-p.confirm:
		if !ok {
			return fmt.Errorf("broker: confirm channel closed: %w", domain.ErrStorageUnavailable)
		}
		if !confirmation.Ack {
			return fmt.Errorf("broker: broker nacked publish for job %s: %w", env.JobID, domain.ErrStorageUnavailable)
		}
	case <-time.After(confirmTimeout):
		return fmt.Errorf("broker: publish confirm timed out for job %s: %w", env.JobID, domain.ErrStorageUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}

	slog.InfoContext(ctx, "published job envelope",
		slog.String("job_id", env.JobID),
		slog.String("kind", string(env.Kind)),
		slog.String("routing_key", routingKey),
	)
	return nil
}

// BackoffDelay computes the §4.2/§4.8 delay for a given 1-indexed attempt:
// min(cap, base*2^(attempt-1)) with full jitter, i.e. a uniform draw from
// [0, delay]. Attempt must be >= 1.
func BackoffDelay(attempt int, base, capDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > capDelay {
			delay = capDelay
			break
		}
	}
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(delay) + 1))
}

// PublishWithRetry retries Publish with exponential backoff and full
// jitter up to maxAttempts times, per §4.2: "On nack / timeout: retry with
// exponential backoff (base 200ms, cap 5s, full jitter) up to N attempts;
// after exhaustion, transition job to failed with code PUBLISH_FAILED."
// It returns the last error once attempts are exhausted so the caller can
// perform that transition.
func (p *Publisher) PublishWithRetry(ctx context.Context, env Envelope, maxAttempts int, base, capDelay time.Duration) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := p.Publish(ctx, env); err != nil {
			lastErr = err
			if attempt == maxAttempts {
				break
			}
			delay := BackoffDelay(attempt, base, capDelay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("broker: publish exhausted %d attempts: %w", maxAttempts, lastErr)
}
