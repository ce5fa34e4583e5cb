package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/rabbitflow/broker"
	"github.com/drblury/rabbitflow/internal/runtime/ids"
)

type socket struct {
	conn *Connection
	ch   Channel
	kind broker.SocketType
	opts broker.SocketOptions

	mu        sync.Mutex
	channel   string
	queue     string
	connected bool
	consuming bool
	closed    bool
	encoding  string
	handler   func(broker.Delivery)
}

// Connect declares the topology for the socket type. PUB and SUB sockets use
// an exchange named after the channel; PUSH, PULL and WORKER use a durable
// queue of the same name. SUB sockets bind an exclusive queue with topic as the
// binding key; an empty topic binds every routing key.
func (s *socket) Connect(ctx context.Context, channel, topic string) error {
	if channel == "" {
		return errors.New("broker: channel is required")
	}

	var queue string
	switch s.kind {
	case broker.SocketPub:
		if err := s.declareExchange(channel); err != nil {
			return err
		}
	case broker.SocketSub:
		if err := s.declareExchange(channel); err != nil {
			return err
		}
		q, err := s.ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return fmt.Errorf("declare queue for %s: %w", channel, err)
		}
		if err := s.ch.QueueBind(q.Name, bindingKey(s.opts.Routing, topic), channel, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", q.Name, channel, err)
		}
		queue = q.Name
	case broker.SocketPush, broker.SocketPull, broker.SocketWorker:
		q, err := s.ch.QueueDeclare(channel, true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", channel, err)
		}
		queue = q.Name
		if s.kind == broker.SocketWorker && s.opts.Prefetch > 0 {
			if err := s.ch.Qos(s.opts.Prefetch, 0, false); err != nil {
				return fmt.Errorf("set prefetch: %w", err)
			}
		}
	}

	s.mu.Lock()
	s.channel = channel
	s.queue = queue
	s.connected = true
	s.mu.Unlock()

	return s.maybeConsume()
}

func (s *socket) declareExchange(name string) error {
	if err := s.ch.ExchangeDeclare(name, s.opts.Routing, false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

func bindingKey(routing, topic string) string {
	if topic == "" && routing == defaultRouting {
		return "#"
	}
	return topic
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

	return s.maybeConsume()
}

func (s *socket) SetEncoding(enc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encoding = enc
	return nil
}

// manualAck reports whether deliveries must be settled explicitly. Only WORKER
// sockets acknowledge after processing; the others consume with auto-ack.
func (s *socket) manualAck() bool {
	return s.kind == broker.SocketWorker
}

func (s *socket) maybeConsume() error {
	s.mu.Lock()
	if !s.connected || s.handler == nil || s.consuming || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.consuming = true
	channel, queue, handler := s.channel, s.queue, s.handler
	s.mu.Unlock()

	deliveries, err := s.ch.Consume(queue, "", !s.manualAck(), s.kind == broker.SocketSub, false, false, nil)
	if err != nil {
		s.mu.Lock()
		s.consuming = false
		s.mu.Unlock()
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	go s.consume(deliveries, channel, handler)
	return nil
}

func (s *socket) consume(deliveries <-chan amqp091.Delivery, channel string, handler func(broker.Delivery)) {
	for d := range deliveries {
		delivery := broker.Delivery{
			ID:      d.MessageId,
			Channel: channel,
			Topic:   d.RoutingKey,
			Payload: d.Body,
			Headers: headersFromTable(d),
		}
		if s.manualAck() {
			delivery.Acker = deliveryAcker{d: d}
		}
		go handler(delivery)
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if s.conn.lost() {
		s.conn.logger.Debug("AMQP consumer stopped with its connection", watermill.LogFields{"channel": channel})
		return
	}
	s.conn.logger.Info("AMQP consumer stopped", watermill.LogFields{"channel": channel})
	s.conn.reportError(fmt.Errorf("amqp: consumer on %q stopped", channel))
}

func headersFromTable(d amqp091.Delivery) map[string]string {
	headers := make(map[string]string, len(d.Headers)+2)
	for k, v := range d.Headers {
		headers[k] = fmt.Sprint(v)
	}
	if d.ContentType != "" {
		headers["content_type"] = d.ContentType
	}
	if d.ContentEncoding != "" {
		headers[broker.EncodingHeader] = d.ContentEncoding
	}
	return headers
}

func (s *socket) Publish(ctx context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	connected, channel, encoding := s.connected, s.channel, s.encoding
	s.mu.Unlock()

	if !connected {
		return broker.ErrNotConnected
	}

	msg := amqp091.Publishing{
		MessageId:       ids.CreateULID(),
		ContentEncoding: encoding,
		Body:            payload,
	}
	if s.opts.Persistent {
		msg.DeliveryMode = amqp091.Persistent
	}

	switch s.kind {
	case broker.SocketPub:
		return s.ch.PublishWithContext(ctx, channel, topic, false, false, msg)
	case broker.SocketPush:
		return s.ch.PublishWithContext(ctx, "", channel, false, false, msg)
	default:
		return fmt.Errorf("%w: %s cannot publish", broker.ErrWrongSocketType, s.kind)
	}
}

func (s *socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.ch.Close()
	if errors.Is(err, amqp091.ErrClosed) {
		return nil
	}
	return err
}

// deliveryAcker settles WORKER deliveries. Failed deliveries are rejected
// without requeue.
type deliveryAcker struct {
	d amqp091.Delivery
}

func (a deliveryAcker) Ack() error {
	return a.d.Ack(false)
}

func (a deliveryAcker) Nack() error {
	return a.d.Nack(false, false)
}
