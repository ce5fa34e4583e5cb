// Package kafka provides a Kafka broker for rabbitflow.
package kafka

import (
	"context"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/rabbitflow/broker"
	"github.com/drblury/rabbitflow/broker/pubsub"
)

// BrokerName is the name used to register this broker.
const BrokerName = "kafka"

const defaultConsumerGroup = "rabbitflow"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	broker.RegisterWithCapabilities(BrokerName, Build, broker.KafkaCapabilities)
}

// Build creates a Kafka Dialer. Brokers come from config, or from the
// connection URL hosts ("kafka://host1:9092,host2:9092") when none are set.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Dialer, error) {
	var configured []string
	consumerGroup := defaultConsumerGroup
	if cfg != nil {
		configured = cfg.GetKafkaBrokers()
		if group := cfg.GetKafkaConsumerGroup(); group != "" {
			consumerGroup = group
		}
	}

	return pubsub.NewDialer(func(ctx context.Context, params pubsub.Params) (message.Publisher, message.Subscriber, error) {
		brokers := configured
		if len(brokers) == 0 {
			brokers = brokersFromURL(params.URL)
		}
		return newPubSub(brokers, consumerGroup, params.Logger)
	}, logger, pubsub.Options{Name: BrokerName}), nil
}

func newPubSub(brokers []string, consumerGroup string, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
	if err != nil {
		return nil, nil, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       brokers,
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: consumerGroup,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, nil, err
	}

	return publisher, subscriber, nil
}

func brokersFromURL(rawURL string) []string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil
	}
	return strings.Split(parsed.Host, ",")
}

// Capabilities returns the capabilities of this broker.
func Capabilities() broker.Capabilities {
	return broker.KafkaCapabilities
}
