// Package http provides a webhook-style HTTP broker for rabbitflow. Consuming
// sockets register a route per channel on an embedded HTTP server and
// publishing sockets POST to the configured publisher URL.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/rabbitflow/broker"
	"github.com/drblury/rabbitflow/broker/pubsub"
)

// BrokerName is the name used to register this broker.
const BrokerName = "http"

const defaultServerAddress = ":8080"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	broker.RegisterWithCapabilities(BrokerName, Build, broker.HTTPCapabilities)
}

// Build creates an HTTP Dialer. The publisher URL defaults to the connection URL.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Dialer, error) {
	serverAddr := defaultServerAddress
	var publisherURL string
	if cfg != nil {
		if addr := cfg.GetHTTPServerAddress(); addr != "" {
			serverAddr = addr
		}
		publisherURL = cfg.GetHTTPPublisherURL()
	}

	return pubsub.NewDialer(func(ctx context.Context, params pubsub.Params) (message.Publisher, message.Subscriber, error) {
		base := publisherURL
		if base == "" {
			base = params.URL
		}
		return newPubSub(serverAddr, strings.TrimSuffix(base, "/"), params)
	}, logger, pubsub.Options{Name: BrokerName, Destination: routePath}), nil
}

func routePath(channel string) string {
	return "/" + strings.TrimPrefix(channel, "/")
}

func newPubSub(serverAddr, publisherURL string, params pubsub.Params) (message.Publisher, message.Subscriber, error) {
	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(publisherURL+topic, msg)
			},
		},
		params.Logger,
	)
	if err != nil {
		return nil, nil, err
	}

	subscriber, err := SubscriberFactory(
		serverAddr,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		params.Logger,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, nil, err
	}

	go func() {
		if s, ok := subscriber.(*http.Subscriber); ok {
			if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				params.Logger.Error("Failed to start HTTP subscriber server", err, nil)
				if params.Fail != nil {
					params.Fail(err)
				}
			}
		}
	}()

	return publisher, subscriber, nil
}

// Capabilities returns the capabilities of this broker.
func Capabilities() broker.Capabilities {
	return broker.HTTPCapabilities
}
