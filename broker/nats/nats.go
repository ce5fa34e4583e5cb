// Package nats provides a NATS Core broker for rabbitflow. Client-side
// reconnection is disabled so a lost server surfaces as an unexpected close
// and the service's reconnect policy takes over.
package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/rabbitflow/broker"
	"github.com/drblury/rabbitflow/broker/pubsub"
)

// BrokerName is the name used to register this broker.
const BrokerName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

func init() {
	broker.RegisterWithCapabilities(BrokerName, Build, broker.NATSCapabilities)
}

// Build creates a NATS Dialer.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Dialer, error) {
	return pubsub.NewDialer(factory, logger, pubsub.Options{
		Name:          BrokerName,
		ClassifyError: classifyError,
	}), nil
}

func factory(ctx context.Context, params pubsub.Params) (message.Publisher, message.Subscriber, error) {
	marshaler := &wmnats.NATSMarshaler{}
	options := connectionOptions(params.Fail)
	jetStream := wmnats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		wmnats.PublisherConfig{
			URL:         params.URL,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream:   jetStream,
		},
		params.Logger,
	)
	if err != nil {
		return nil, nil, err
	}

	subscriber, err := SubscriberFactory(
		wmnats.SubscriberConfig{
			URL:         params.URL,
			NatsOptions: options,
			Unmarshaler: marshaler,
			JetStream:   jetStream,
		},
		params.Logger,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, nil, err
	}

	return publisher, subscriber, nil
}

func connectionOptions(fail func(error)) []natsgo.Option {
	return []natsgo.Option{
		natsgo.Name("rabbitflow"),
		natsgo.NoReconnect(),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if fail == nil {
				return
			}
			if err == nil {
				err = errors.New("nats: disconnected")
			}
			fail(err)
		}),
	}
}

// classifyError treats an unreachable server as a refused connection.
func classifyError(err error) error {
	if errors.Is(err, natsgo.ErrNoServers) {
		return fmt.Errorf("%w: %w", broker.ErrConnectionRefused, err)
	}
	return broker.ClassifyDialError(err)
}

// Capabilities returns the capabilities of this broker.
func Capabilities() broker.Capabilities {
	return broker.NATSCapabilities
}
