package broker

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumeChannel is the subset of *amqp.Channel the Worker Runtime depends
// on. Kept separate from Channel (the Publisher/TopologyManager seam) since
// a worker process and a publishing process exercise different halves of
// *amqp.Channel's surface and gain nothing from sharing one interface.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}
