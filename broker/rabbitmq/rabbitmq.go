// Package rabbitmq provides a Watermill AMQP broker for rabbitflow. Unlike the
// native amqp broker, the Watermill connection wrapper reconnects on its own,
// so this broker never reports unexpected closes.
package rabbitmq

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/rabbitflow/broker"
	"github.com/drblury/rabbitflow/broker/pubsub"
)

// BrokerName is the name used to register this broker.
const BrokerName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

var closeConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

func init() {
	broker.RegisterWithCapabilities(BrokerName, Build, broker.RabbitMQCapabilities)
}

// Build creates a Dialer that opens a Watermill AMQP connection per dial.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Dialer, error) {
	return pubsub.NewDialer(factory, logger, pubsub.Options{Name: BrokerName}), nil
}

func factory(ctx context.Context, params pubsub.Params) (message.Publisher, message.Subscriber, error) {
	amqpConfig := amqp.NewDurablePubSubConfig(params.URL, amqp.GenerateQueueNameTopicName)

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   params.URL,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, params.Logger)
	if err != nil {
		return nil, nil, err
	}

	publisher, err := PublisherFactory(amqpConfig, params.Logger, conn)
	if err != nil {
		_ = closeConnection(conn)
		return nil, nil, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, params.Logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = closeConnection(conn)
		return nil, nil, err
	}

	return publisher, &connSubscriber{Subscriber: subscriber, conn: conn}, nil
}

// connSubscriber owns the AMQP connection shared with the publisher. Watermill
// leaves shared connections open, so it is closed after the subscriber.
type connSubscriber struct {
	message.Subscriber
	conn *amqp.ConnectionWrapper
}

func (s *connSubscriber) Close() error {
	return errors.Join(s.Subscriber.Close(), closeConnection(s.conn))
}

// Capabilities returns the capabilities of this broker.
func Capabilities() broker.Capabilities {
	return broker.RabbitMQCapabilities
}
