package runtime

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/rabbitflow/broker"
	errspkg "github.com/drblury/rabbitflow/internal/runtime/errors"
	"github.com/drblury/rabbitflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/rabbitflow/internal/runtime/logging"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// Producer emits messages onto broker channels.
type Producer interface {
	Publish(ctx context.Context, channel, topic string, payload []byte) error
	PublishJSON(ctx context.Context, channel, topic string, v any) error
	PublishProto(ctx context.Context, channel, topic string, event proto.Message) error
}

var _ Producer = (*Service)(nil)

// Publish sends payload to channel with the routing key topic. It uses the PUB
// or PUSH socket registered for channel, or opens a PUB socket with the default
// options on first use.
func (s *Service) Publish(ctx context.Context, channel, topic string, payload []byte) error {
	if channel == "" {
		return errspkg.ErrChannelRequired
	}
	sock, err := s.publisherFor(ctx, channel)
	if err != nil {
		return err
	}
	if err := sock.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("publish to %q: %w", channel, err)
	}
	s.metrics.published(channel)
	return nil
}

// PublishJSON marshals v and publishes it.
func (s *Service) PublishJSON(ctx context.Context, channel, topic string, v any) error {
	if v == nil {
		return errspkg.ErrEventPayloadRequired
	}
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return s.Publish(ctx, channel, topic, payload)
}

// PublishProto marshals the proto message as protojson and publishes it.
func (s *Service) PublishProto(ctx context.Context, channel, topic string, event proto.Message) error {
	if event == nil {
		return errspkg.ErrEventPayloadRequired
	}
	payload, err := protoJSONMarshalOptions.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return s.Publish(ctx, channel, topic, payload)
}

func (s *Service) publisherFor(ctx context.Context, channel string) (broker.Socket, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return nil, broker.ErrNotConnected
	}
	if sock, ok := s.publishers[channel]; ok {
		return sock, nil
	}

	sock, err := s.conn.Socket(broker.SocketPub, s.Conf.Defaults.Options.Broker())
	if err != nil {
		return nil, err
	}
	if err := sock.Connect(ctx, channel, ""); err != nil {
		_ = sock.Close()
		return nil, err
	}
	s.publishers[channel] = sock
	s.sockets = append(s.sockets, sock)
	s.Logger.Debug("Opened publisher socket", loggingpkg.LogFields{"channel": channel})
	return sock, nil
}
