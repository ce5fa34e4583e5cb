package broker

// Capabilities describes the features supported by a broker implementation.
type Capabilities struct {
	Name string

	// SupportsTopicRouting indicates the broker matches topic patterns natively.
	// When false the socket filters deliveries with MatchTopic.
	SupportsTopicRouting bool

	// SupportsCloseEvents indicates the broker reports unexpected connection loss,
	// which is what drives automatic reconnection.
	SupportsCloseEvents bool

	// SupportsAck indicates deliveries carry a real acknowledgement.
	SupportsAck bool

	// SupportsWorkQueues indicates PUSH/PULL/WORKER sockets share deliveries
	// between consumers instead of fanning them out.
	SupportsWorkQueues bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// Predefined capability sets for the built-in brokers.
var (
	AMQPCapabilities = Capabilities{
		Name:                 "amqp",
		SupportsTopicRouting: true,
		SupportsCloseEvents:  true,
		SupportsAck:          true,
		SupportsWorkQueues:   true,
	}

	RabbitMQCapabilities = Capabilities{
		Name:               "rabbitmq",
		SupportsAck:        true,
		SupportsWorkQueues: false,
	}

	ChannelCapabilities = Capabilities{
		Name:        "channel",
		SupportsAck: true,
	}

	NATSCapabilities = Capabilities{
		Name:                "nats",
		SupportsCloseEvents: true,
		MaxMessageSize:      1048576,
	}

	KafkaCapabilities = Capabilities{
		Name:           "kafka",
		SupportsAck:    true,
		MaxMessageSize: 1048576,
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}

	FileCapabilities = Capabilities{
		Name:        "file",
		SupportsAck: true,
	}

	SNSCapabilities = Capabilities{
		Name:           "sns",
		SupportsAck:    true,
		MaxMessageSize: 262144,
	}
)
