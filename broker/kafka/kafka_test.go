package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rabbitflow/broker"
)

type mockConfig struct {
	brokers []string
	group   string
}

func (m *mockConfig) GetBroker() string             { return BrokerName }
func (m *mockConfig) GetBrokerURL() string          { return "" }
func (m *mockConfig) GetKafkaBrokers() []string     { return m.brokers }
func (m *mockConfig) GetKafkaConsumerGroup() string { return m.group }
func (m *mockConfig) GetHTTPServerAddress() string  { return "" }
func (m *mockConfig) GetHTTPPublisherURL() string   { return "" }
func (m *mockConfig) GetAWSRegion() string          { return "" }
func (m *mockConfig) GetAWSAccountID() string       { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string     { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string { return "" }
func (m *mockConfig) GetAWSEndpoint() string        { return "" }

func overrideFactories(t *testing.T) {
	t.Helper()
	originalPubFactory := PublisherFactory
	originalSubFactory := SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPubFactory
		SubscriberFactory = originalSubFactory
	})
}

func TestRegistered(t *testing.T) {
	assert.True(t, broker.DefaultRegistry.Has(BrokerName))
	assert.Equal(t, broker.KafkaCapabilities, Capabilities())
}

func TestDialUsesConfiguredBrokers(t *testing.T) {
	overrideFactories(t)

	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		assert.Equal(t, []string{"k1:9092"}, cfg.Brokers)
		return &mockPublisher{}, nil
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, []string{"k1:9092"}, cfg.Brokers)
		assert.Equal(t, "orders-service", cfg.ConsumerGroup)
		return &mockSubscriber{}, nil
	}

	dialer, err := Build(context.Background(), &mockConfig{brokers: []string{"k1:9092"}, group: "orders-service"}, watermill.NopLogger{})
	require.NoError(t, err)
	conn, err := dialer.Dial(context.Background(), "kafka://ignored:1")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestDialFallsBackToURLHosts(t *testing.T) {
	overrideFactories(t)

	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Brokers)
		return &mockPublisher{}, nil
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, defaultConsumerGroup, cfg.ConsumerGroup)
		return &mockSubscriber{}, nil
	}

	dialer, err := Build(context.Background(), &mockConfig{}, watermill.NopLogger{})
	require.NoError(t, err)
	conn, err := dialer.Dial(context.Background(), "kafka://a:9092,b:9092")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestDialPropagatesFactoryErrors(t *testing.T) {
	overrideFactories(t)
	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("publisher error")
	}

	dialer, _ := Build(context.Background(), nil, watermill.NopLogger{})
	_, err := dialer.Dial(context.Background(), "kafka://localhost:9092")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publisher error")
}

func TestBrokersFromURL(t *testing.T) {
	assert.Nil(t, brokersFromURL("not a url at all"))
	assert.Nil(t, brokersFromURL(""))
	assert.Equal(t, []string{"localhost:9092"}, brokersFromURL("kafka://localhost:9092"))
}

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                           { return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
