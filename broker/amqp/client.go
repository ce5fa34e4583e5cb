package amqp

import (
	"context"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Conn is the subset of *amqp091.Connection used by the broker.
type Conn interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	IsClosed() bool
	Close() error
}

// Channel is the subset of *amqp091.Channel used by sockets.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

type connAdapter struct {
	*amqp091.Connection
}

func (c connAdapter) Channel() (Channel, error) {
	return c.Connection.Channel()
}

// DialFunc allows overriding the AMQP dial for testing.
var DialFunc = func(url string, cfg amqp091.Config) (Conn, error) {
	conn, err := amqp091.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return connAdapter{Connection: conn}, nil
}
