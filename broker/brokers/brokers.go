// Package brokers imports all built-in brokers for auto-registration.
// Import this package to have every broker registered with the default registry.
package brokers

import (
	// Import all brokers for side-effect registration
	_ "github.com/drblury/rabbitflow/broker/amqp"
	_ "github.com/drblury/rabbitflow/broker/channel"
	_ "github.com/drblury/rabbitflow/broker/file"
	_ "github.com/drblury/rabbitflow/broker/http"
	_ "github.com/drblury/rabbitflow/broker/kafka"
	_ "github.com/drblury/rabbitflow/broker/nats"
	_ "github.com/drblury/rabbitflow/broker/rabbitmq"
	_ "github.com/drblury/rabbitflow/broker/sns"
)
