// Package broker defines the collaborator contract rabbitflow uses to talk to a
// publish/subscribe broker. Each implementation (amqp, rabbitmq, nats, kafka,
// etc.) lives in its own sub-package and registers a Builder with the registry.
package broker

import (
	"context"
	"strings"
)

// SocketType names the messaging pattern a socket takes part in.
type SocketType string

const (
	SocketSub    SocketType = "SUB"
	SocketPub    SocketType = "PUB"
	SocketPush   SocketType = "PUSH"
	SocketPull   SocketType = "PULL"
	SocketWorker SocketType = "WORKER"
)

// ParseSocketType normalises a socket type name. Unknown names return false.
func ParseSocketType(name string) (SocketType, bool) {
	switch kind := SocketType(strings.ToUpper(strings.TrimSpace(name))); kind {
	case SocketSub, SocketPub, SocketPush, SocketPull, SocketWorker:
		return kind, true
	default:
		return "", false
	}
}

// Consumes reports whether sockets of this type receive deliveries.
func (t SocketType) Consumes() bool {
	return t == SocketSub || t == SocketPull || t == SocketWorker
}

// DefaultListenEvent is the event name consuming sockets emit deliveries on.
const DefaultListenEvent = "data"

// Header keys set on outgoing messages by brokers that carry them as metadata.
const (
	TopicHeader    = "rabbitflow_topic"
	EncodingHeader = "rabbitflow_encoding"
)

// SocketOptions carries the per-socket settings resolved from the binding.
type SocketOptions struct {
	// Routing is the exchange type used for the channel ("topic", "direct", "fanout").
	Routing string
	// Prefetch bounds unacknowledged deliveries for WORKER sockets. Zero means unbounded.
	Prefetch int
	// Persistent marks published messages as persistent where the broker supports it.
	Persistent bool
}

// EventType classifies connection lifecycle events.
type EventType int

const (
	EventReady EventType = iota
	EventError
	EventClose
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is emitted on a connection's event stream.
type Event struct {
	Type EventType
	Err  error
}

// Acknowledger settles a delivery. Nack means the delivery failed and must not
// be redelivered.
type Acknowledger interface {
	Ack() error
	Nack() error
}

// Delivery is one raw inbound message.
type Delivery struct {
	ID      string
	Channel string
	Topic   string
	Payload []byte
	Headers map[string]string
	Acker   Acknowledger
}

// Ack settles the delivery successfully. Deliveries without an acknowledger are no-ops.
func (d Delivery) Ack() error {
	if d.Acker == nil {
		return nil
	}
	return d.Acker.Ack()
}

// Nack settles the delivery as failed.
func (d Delivery) Nack() error {
	if d.Acker == nil {
		return nil
	}
	return d.Acker.Nack()
}

// Dialer opens broker connections. A Dialer is reused for every reconnect attempt.
type Dialer interface {
	Dial(ctx context.Context, url string) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Connection, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string) (Connection, error) {
	return f(ctx, url)
}

// Connection is one live broker connection.
type Connection interface {
	// Events streams lifecycle events. The channel is closed once the connection is closed.
	Events() <-chan Event
	Socket(kind SocketType, opts SocketOptions) (Socket, error)
	Close() error
}

// Socket is a typed endpoint on a connection.
type Socket interface {
	Connect(ctx context.Context, channel, topic string) error
	// On registers the delivery callback for a listen event. Consuming sockets
	// support DefaultListenEvent.
	On(event string, fn func(Delivery)) error
	SetEncoding(enc string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}
