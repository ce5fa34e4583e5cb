package handlers

import (
	"context"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/drblury/rabbitflow/broker"
	errspkg "github.com/drblury/rabbitflow/internal/runtime/errors"
	"github.com/drblury/rabbitflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/rabbitflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/rabbitflow/internal/runtime/metadata"
)

// MessageContextBase provides common functionality for all message context types.
// It holds the metadata and logger shared by the request and typed controllers.
type MessageContextBase struct {
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// CloneMetadata returns a copy of the current metadata map so handlers can safely
// mutate it without touching the delivery headers.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata.Get(key)
}

// CorrelationID returns the correlation ID from metadata, if present.
func (b MessageContextBase) CorrelationID() string {
	return b.Metadata.Get(MetadataKeyCorrelationID)
}

// SocketInfo describes the binding a message arrived on.
type SocketInfo struct {
	Channel    string
	Topic      string
	Type       broker.SocketType
	Listen     string
	Encoding   string
	Options    broker.SocketOptions
	Controller string
}

// Publisher sends a payload to a channel. The service implements it so
// controllers can emit follow-up messages.
type Publisher interface {
	Publish(ctx context.Context, channel, topic string, payload []byte) error
}

// RequestContext is created once per delivery and handed to every middleware and
// the controller. It is never shared between messages.
type RequestContext struct {
	MessageContextBase

	// Channel and Topic locate the delivery. Topic is the routing key the
	// message was published with, not the binding pattern.
	Channel string
	Topic   string
	// Payload holds the raw bytes, Message the payload decoded with the
	// binding encoding.
	Payload []byte
	Message string
	// JSON holds the parsed message when JSON parsing is enabled.
	JSON any
	// ID is free for middleware to fill, usually with a message id.
	ID     string
	Socket SocketInfo

	ctx       context.Context
	publisher Publisher

	mu     sync.RWMutex
	values map[string]any
}

// NewRequestContext builds the context for a delivery. The message is decoded
// with the socket encoding.
func NewRequestContext(ctx context.Context, socket SocketInfo, delivery broker.Delivery, logger loggingpkg.ServiceLogger) (*RequestContext, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	decoded, err := DecodePayload(delivery.Payload, socket.Encoding)
	if err != nil {
		return nil, err
	}
	channel := delivery.Channel
	if channel == "" {
		channel = socket.Channel
	}
	return &RequestContext{
		MessageContextBase: MessageContextBase{
			Metadata: metadatapkg.FromMap(delivery.Headers),
			Logger:   logger,
		},
		Channel: channel,
		Topic:   delivery.Topic,
		Payload: delivery.Payload,
		Message: decoded,
		Socket:  socket,
		ctx:     ctx,
	}, nil
}

// Context returns the context the message is processed under.
func (rc *RequestContext) Context() context.Context {
	if rc.ctx == nil {
		return context.Background()
	}
	return rc.ctx
}

// SetContext replaces the processing context, e.g. to carry a tracing span.
func (rc *RequestContext) SetContext(ctx context.Context) {
	if ctx != nil {
		rc.ctx = ctx
	}
}

// SetPublisher attaches the publisher used by Publish.
func (rc *RequestContext) SetPublisher(p Publisher) {
	rc.publisher = p
}

// Publish emits a follow-up message through the service that dispatched rc.
func (rc *RequestContext) Publish(channel, topic string, payload []byte) error {
	if rc.publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	return rc.publisher.Publish(rc.Context(), channel, topic, payload)
}

// Set stores a value for later middleware or the controller.
func (rc *RequestContext) Set(key string, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.values == nil {
		rc.values = make(map[string]any)
	}
	rc.values[key] = value
}

// Value returns a value stored with Set.
func (rc *RequestContext) Value(key string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.values[key]
	return v, ok
}

// Value returns the value stored under key if it has type T.
func Value[T any](rc *RequestContext, key string) (T, bool) {
	var zero T
	raw, ok := rc.Value(key)
	if !ok {
		return zero, false
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Lookup reads a dotted path (gjson syntax) from the decoded message.
func (rc *RequestContext) Lookup(path string) gjson.Result {
	return gjson.Get(rc.Message, path)
}

// SetField rewrites a dotted path in the decoded message and refreshes JSON
// when it was already parsed.
func (rc *RequestContext) SetField(path string, value any) error {
	updated, err := sjson.Set(rc.Message, path, value)
	if err != nil {
		return err
	}
	rc.Message = updated
	if rc.JSON != nil {
		var parsed any
		if err := jsoncodec.UnmarshalString(updated, &parsed); err != nil {
			return err
		}
		rc.JSON = parsed
	}
	return nil
}

// Decode unmarshals the decoded message into v.
func (rc *RequestContext) Decode(v any) error {
	return jsoncodec.UnmarshalString(rc.Message, v)
}
