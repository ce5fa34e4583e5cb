// Package pubsub adapts any Watermill publisher/subscriber pair to the broker
// contract. Channels map to Watermill topics; the routing key travels in the
// message metadata and consuming sockets filter it with broker.MatchTopic.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/rabbitflow/broker"
	"github.com/drblury/rabbitflow/internal/runtime/ids"
	"github.com/drblury/rabbitflow/internal/runtime/metadata"
)

// Params is passed to a Factory on every dial.
type Params struct {
	URL    string
	Logger watermill.LoggerAdapter
	// Fail reports that the underlying client lost its connection. It may be
	// called from any goroutine and only the first call has an effect.
	Fail func(err error)
}

// Factory creates the Watermill publisher and subscriber for one connection.
type Factory func(ctx context.Context, params Params) (message.Publisher, message.Subscriber, error)

// Options tune a Dialer.
type Options struct {
	// Name is used in log fields.
	Name string
	// Shared keeps the publisher and subscriber open when a connection closes.
	// Set it when the factory returns the same long-lived instances on every dial.
	Shared bool
	// ClassifyError maps factory errors onto broker errors. Defaults to
	// broker.ClassifyDialError.
	ClassifyError func(error) error
	// Destination maps a channel onto the Watermill topic used for both
	// subscribing and publishing. Defaults to the channel name.
	Destination func(channel string) string
}

// Dialer dials Watermill-backed connections.
type Dialer struct {
	factory Factory
	opts    Options
	logger  watermill.LoggerAdapter
}

// NewDialer returns a Dialer that builds connections with factory.
func NewDialer(factory Factory, logger watermill.LoggerAdapter, opts Options) *Dialer {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if opts.ClassifyError == nil {
		opts.ClassifyError = broker.ClassifyDialError
	}
	if opts.Destination == nil {
		opts.Destination = func(channel string) string { return channel }
	}
	return &Dialer{factory: factory, opts: opts, logger: logger}
}

// Dial implements broker.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (broker.Connection, error) {
	conn := newConnection(d.opts, d.logger.With(watermill.LogFields{"broker": d.opts.Name}))

	publisher, subscriber, err := d.factory(ctx, Params{URL: url, Logger: d.logger, Fail: conn.Fail})
	if err != nil {
		conn.cancel()
		conn.events.Close()
		return nil, d.opts.ClassifyError(err)
	}
	conn.publisher = publisher
	conn.subscriber = subscriber

	conn.events.Emit(broker.Event{Type: broker.EventReady})
	return conn, nil
}

// Connection is a broker.Connection over a Watermill publisher/subscriber pair.
type Connection struct {
	publisher   message.Publisher
	subscriber  message.Subscriber
	shared      bool
	destination func(channel string) string
	logger     watermill.LoggerAdapter
	events     *broker.EventStream

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	sockets []*socket
	closed  bool
	failed  bool
}

func newConnection(opts Options, logger watermill.LoggerAdapter) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		shared:      opts.Shared,
		destination: opts.Destination,
		logger:      logger,
		events:      broker.NewEventStream(0),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Events implements broker.Connection.
func (c *Connection) Events() <-chan broker.Event {
	return c.events.Events()
}

// Socket implements broker.Connection.
func (c *Connection) Socket(kind broker.SocketType, opts broker.SocketOptions) (broker.Socket, error) {
	if _, ok := broker.ParseSocketType(string(kind)); !ok {
		return nil, fmt.Errorf("%w: %q", broker.ErrUnknownSocketType, kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, broker.ErrClosed
	}
	s := &socket{conn: c, kind: kind, opts: opts}
	c.sockets = append(c.sockets, s)
	return s, nil
}

// Fail marks the connection as lost and emits a close event carrying
// broker.ErrUnexpectedClose. Only the first failure is reported and failures
// after Close are ignored.
func (c *Connection) Fail(cause error) {
	c.mu.Lock()
	if c.closed || c.failed {
		c.mu.Unlock()
		return
	}
	c.failed = true
	c.mu.Unlock()

	if cause == nil {
		cause = errors.New("connection lost")
	}
	c.logger.Error("Broker connection lost", cause, nil)
	c.events.Emit(broker.Event{Type: broker.EventClose, Err: fmt.Errorf("%w: %w", broker.ErrUnexpectedClose, cause)})
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

	c.cancel()
	for _, s := range sockets {
		_ = s.Close()
	}

	var errs []error
	if !c.shared {
		if c.publisher != nil {
			errs = append(errs, c.publisher.Close())
		}
		if c.subscriber != nil {
			errs = append(errs, c.subscriber.Close())
		}
	}
	c.events.Close()
	return errors.Join(errs...)
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type socket struct {
	conn *Connection
	kind broker.SocketType
	opts broker.SocketOptions

	mu        sync.Mutex
	channel   string
	topic     string
	connected bool
	encoding  string
	handler   func(broker.Delivery)
	cancel    context.CancelFunc
	closed    bool
}

func (s *socket) Connect(_ context.Context, channel, topic string) error {
	if channel == "" {
		return errors.New("broker: channel is required")
	}
	if s.conn.isClosed() {
		return broker.ErrClosed
	}

	s.mu.Lock()
	s.channel = channel
	s.topic = topic
	s.connected = true
	s.mu.Unlock()

	return s.maybeSubscribe()
}

func (s *socket) On(event string, fn func(broker.Delivery)) error {
	if !s.kind.Consumes() {
		return fmt.Errorf("%w: %s cannot listen", broker.ErrWrongSocketType, s.kind)
	}
	if event != broker.DefaultListenEvent {
		return fmt.Errorf("%w: %q", broker.ErrUnsupportedEvent, event)
	}

	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()

	return s.maybeSubscribe()
}

func (s *socket) SetEncoding(enc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encoding = enc
	return nil
}

func (s *socket) maybeSubscribe() error {
	s.mu.Lock()
	if !s.connected || s.handler == nil || s.cancel != nil || s.closed || !s.kind.Consumes() {
		s.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(s.conn.ctx)
	s.cancel = cancel
	channel, pattern, handler := s.channel, s.topic, s.handler
	s.mu.Unlock()

	messages, err := s.conn.subscriber.Subscribe(subCtx, s.conn.destination(channel))
	if err != nil {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	go s.consume(subCtx, messages, channel, pattern, handler)
	return nil
}

func (s *socket) consume(ctx context.Context, messages <-chan *message.Message, channel, pattern string, handler func(broker.Delivery)) {
	for msg := range messages {
		topic := msg.Metadata.Get(broker.TopicHeader)
		if !broker.MatchTopic(pattern, topic) {
			msg.Ack()
			continue
		}
		handler(broker.Delivery{
			ID:      msg.UUID,
			Channel: channel,
			Topic:   topic,
			Payload: msg.Payload,
			Headers: metadata.FromWatermill(msg.Metadata, broker.TopicHeader),
			Acker:   messageAcker{msg: msg},
		})
	}

	if ctx.Err() == nil {
		s.conn.Fail(fmt.Errorf("subscription to %q closed", channel))
	}
}

func (s *socket) Publish(ctx context.Context, topic string, payload []byte) error {
	if s.kind.Consumes() {
		return fmt.Errorf("%w: %s cannot publish", broker.ErrWrongSocketType, s.kind)
	}

	s.mu.Lock()
	connected, channel, encoding := s.connected, s.channel, s.encoding
	s.mu.Unlock()
	if !connected {
		return broker.ErrNotConnected
	}
	if s.conn.isClosed() {
		return broker.ErrClosed
	}

	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.SetContext(ctx)
	msg.Metadata = metadata.New(broker.TopicHeader, topic, broker.EncodingHeader, encoding).ToWatermill()
	return s.conn.publisher.Publish(s.conn.destination(channel), msg)
}

func (s *socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// messageAcker settles Watermill messages. Watermill redelivers nacked
// messages, so failed deliveries are acked and dropped.
type messageAcker struct {
	msg *message.Message
}

func (a messageAcker) Ack() error {
	a.msg.Ack()
	return nil
}

func (a messageAcker) Nack() error {
	a.msg.Ack()
	return nil
}
