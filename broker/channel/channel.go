// Package channel provides an in-memory Go channel broker for rabbitflow.
// Every connection dialled from one Dialer shares the same GoChannel, so it is
// useful for tests and local development.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/rabbitflow/broker"
	"github.com/drblury/rabbitflow/broker/pubsub"
)

// BrokerName is the name used to register this broker.
const BrokerName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	broker.RegisterWithCapabilities(BrokerName, Build, broker.ChannelCapabilities)
}

// Build creates a Dialer over a single shared GoChannel.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Dialer, error) {
	pub, sub := Factory(gochannel.Config{OutputChannelBuffer: 64}, logger)
	return pubsub.NewDialer(func(ctx context.Context, params pubsub.Params) (message.Publisher, message.Subscriber, error) {
		return pub, sub, nil
	}, logger, pubsub.Options{Name: BrokerName, Shared: true}), nil
}

// Capabilities returns the capabilities of this broker.
func Capabilities() broker.Capabilities {
	return broker.ChannelCapabilities
}
