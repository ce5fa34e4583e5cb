// Package amqp provides the native AMQP 0-9-1 broker for rabbitflow. Sockets
// follow the rabbit.js patterns: PUB/SUB over an exchange per channel, and
// PUSH/PULL/WORKER over a named queue per channel.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/rabbitflow/broker"
)

// BrokerName is the name used to register this broker.
const BrokerName = "amqp"

const (
	defaultHeartbeat = 10 * time.Second
	defaultRouting   = "topic"
	connectionName   = "rabbitflow"
)

func init() {
	broker.RegisterWithCapabilities(BrokerName, Build, broker.AMQPCapabilities)
}

// Build creates a native AMQP Dialer.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Dialer, error) {
	return NewDialer(logger), nil
}

// Capabilities returns the capabilities of this broker.
func Capabilities() broker.Capabilities {
	return broker.AMQPCapabilities
}

// Dialer dials AMQP connections.
type Dialer struct {
	logger watermill.LoggerAdapter
	config amqp091.Config
}

// NewDialer returns a Dialer with the default client properties.
func NewDialer(logger watermill.LoggerAdapter) *Dialer {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Dialer{
		logger: logger.With(watermill.LogFields{"broker": BrokerName}),
		config: amqp091.Config{
			Heartbeat:  defaultHeartbeat,
			Locale:     "en_US",
			Properties: amqp091.Table{"connection_name": connectionName},
		},
	}
}

// Dial implements broker.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (broker.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := DialFunc(url, d.config)
	if err != nil {
		return nil, broker.ClassifyDialError(err)
	}

	conn := &Connection{
		raw:    raw,
		logger: d.logger,
		events: broker.NewEventStream(0),
	}
	notify := raw.NotifyClose(make(chan *amqp091.Error, 1))
	go conn.watch(notify)

	conn.events.Emit(broker.Event{Type: broker.EventReady})
	return conn, nil
}

// Connection is a live AMQP connection.
type Connection struct {
	raw    Conn
	logger watermill.LoggerAdapter
	events *broker.EventStream

	mu      sync.Mutex
	sockets []*socket
	closed  bool
	dropped bool
}

func (c *Connection) watch(notify <-chan *amqp091.Error) {
	amqpErr, ok := <-notify
	if !ok || amqpErr == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.dropped = true
	c.mu.Unlock()
	c.logger.Error("AMQP connection closed by server", amqpErr, watermill.LogFields{
		"code":   amqpErr.Code,
		"server": amqpErr.Server,
	})
	c.events.Emit(broker.Event{Type: broker.EventClose, Err: fmt.Errorf("%w: %w", broker.ErrUnexpectedClose, amqpErr)})
}

// Events implements broker.Connection.
func (c *Connection) Events() <-chan broker.Event {
	return c.events.Events()
}

// Socket implements broker.Connection. Every socket owns its own AMQP channel.
func (c *Connection) Socket(kind broker.SocketType, opts broker.SocketOptions) (broker.Socket, error) {
	if _, ok := broker.ParseSocketType(string(kind)); !ok {
		return nil, fmt.Errorf("%w: %q", broker.ErrUnknownSocketType, kind)
	}
	if c.isClosed() {
		return nil, broker.ErrClosed
	}

	ch, err := c.raw.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if opts.Routing == "" {
		opts.Routing = defaultRouting
	}
	s := &socket{conn: c, ch: ch, kind: kind, opts: opts}

	c.mu.Lock()
	c.sockets = append(c.sockets, s)
	c.mu.Unlock()
	return s, nil
}

// Close implements broker.Connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sockets := c.sockets
	c.sockets = nil
	c.mu.Unlock()

	for _, s := range sockets {
		_ = s.Close()
	}
	var err error
	if !c.raw.IsClosed() {
		err = c.raw.Close()
	}
	c.events.Close()
	if errors.Is(err, amqp091.ErrClosed) {
		return nil
	}
	return err
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// lost reports whether the server side of the connection is gone. The close
// notification carries the failure, so consumers stopping afterwards stay quiet.
func (c *Connection) lost() bool {
	c.mu.Lock()
	dropped := c.dropped
	c.mu.Unlock()
	return dropped || c.raw.IsClosed()
}

func (c *Connection) reportError(err error) {
	if c.isClosed() {
		return
	}
	c.events.Emit(broker.Event{Type: broker.EventError, Err: err})
}
