package broker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncaiprojem/projem-sub008/internal/broker"
	"github.com/cncaiprojem/projem-sub008/internal/domain"
	"github.com/cncaiprojem/projem-sub008/internal/routing"
)

type publishedMsg struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	mu          sync.Mutex
	confirmed   bool
	confirmChan chan amqp.Confirmation
	published   []publishedMsg
	acks        []bool
	ackIndex    int
}

func (f *fakeChannel) Confirm(noWait bool) error {
	f.confirmed = true
	return nil
}

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirmChan = c
	return c
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	f.published = append(f.published, publishedMsg{exchange: exchange, key: key, msg: msg})
	ack := true
	if f.ackIndex < len(f.acks) {
		ack = f.acks[f.ackIndex]
	}
	f.ackIndex++
	f.mu.Unlock()

	go func() { f.confirmChan <- amqp.Confirmation{Ack: ack} }()
	return nil
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return nil
}

func newFakeChannel(acks ...bool) *fakeChannel {
	return &fakeChannel{acks: acks}
}

func TestNewPublisher_EnablesConfirmMode(t *testing.T) {
	ch := newFakeChannel()
	_, err := broker.NewPublisher(ch, routing.DefaultTable())
	require.NoError(t, err)
	assert.True(t, ch.confirmed)
}

func TestPublish_SuccessCarriesPersistentPriorityAndRoutingKey(t *testing.T) {
	ch := newFakeChannel(true)
	pub, err := broker.NewPublisher(ch, routing.DefaultTable())
	require.NoError(t, err)

	env := broker.Envelope{JobID: "j1", Kind: domain.JobKindCAM, Priority: 7, EnqueuedAt: time.Now()}
	err = pub.Publish(context.Background(), env)
	require.NoError(t, err)

	require.Len(t, ch.published, 1)
	got := ch.published[0]
	assert.Equal(t, routing.Exchange, got.exchange)
	assert.Equal(t, "jobs.cam", got.key)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, uint8(7), got.msg.Priority)
	assert.Equal(t, "j1", got.msg.MessageId)
}

func TestPublish_UnknownKindRejected(t *testing.T) {
	ch := newFakeChannel(true)
	pub, err := broker.NewPublisher(ch, routing.DefaultTable())
	require.NoError(t, err)

	err = pub.Publish(context.Background(), broker.Envelope{JobID: "j1", Kind: domain.JobKind("bogus")})
	require.Error(t, err)
	assert.Empty(t, ch.published)
}

func TestPublish_NackedConfirmationReturnsError(t *testing.T) {
	ch := newFakeChannel(false)
	pub, err := broker.NewPublisher(ch, routing.DefaultTable())
	require.NoError(t, err)

	err = pub.Publish(context.Background(), broker.Envelope{JobID: "j1", Kind: domain.JobKindCAM})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestBackoffDelay_NeverExceedsCap(t *testing.T) {
	base := 200 * time.Millisecond
	cap := 5 * time.Second
	for attempt := 1; attempt <= 10; attempt++ {
		d := broker.BackoffDelay(attempt, base, cap)
		assert.LessOrEqual(t, d, cap)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}

func TestPublishWithRetry_RetriesThenSucceeds(t *testing.T) {
	ch := newFakeChannel(false, false, true)
	pub, err := broker.NewPublisher(ch, routing.DefaultTable())
	require.NoError(t, err)

	err = pub.PublishWithRetry(context.Background(), broker.Envelope{JobID: "j1", Kind: domain.JobKindCAM}, 3, time.Millisecond, 2*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, ch.published, 3)
}

func TestPublishWithRetry_ExhaustsAttempts(t *testing.T) {
	ch := newFakeChannel(false, false, false)
	pub, err := broker.NewPublisher(ch, routing.DefaultTable())
	require.NoError(t, err)

	err = pub.PublishWithRetry(context.Background(), broker.Envelope{JobID: "j1", Kind: domain.JobKindCAM}, 3, time.Millisecond, 2*time.Millisecond)
	require.Error(t, err)
	assert.Len(t, ch.published, 3)
}
