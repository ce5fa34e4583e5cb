package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/rabbitflow/internal/runtime/errors"
)

// ProtoMessageContext provides strongly typed access to the incoming message payload.
type ProtoMessageContext[T proto.Message] struct {
	MessageContextBase
	Request *RequestContext
	Payload T
}

// ProtoMessageOutput describes a message that should be published after the handler succeeds.
type ProtoMessageOutput struct {
	Channel string
	Topic   string
	Message proto.Message
}

// ProtoMessageHandler processes a typed protobuf payload and returns the messages to emit.
type ProtoMessageHandler[T proto.Message] func(ctx context.Context, event ProtoMessageContext[T]) ([]ProtoMessageOutput, error)

// BuildProtoController converts the typed handler into a controller. Payloads
// are read and written as protojson; validate, when set, runs on every output.
func BuildProtoController[T proto.Message](prototype T, handler ProtoMessageHandler[T], validate func(proto.Message) error) (func(*RequestContext) error, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}

	return func(rc *RequestContext) error {
		typed, err := clonePrototype(prototype)
		if err != nil {
			return err
		}

		if err := protojson.Unmarshal([]byte(rc.Message), typed); err != nil {
			return &errspkg.ParsePayloadError{Payload: rc.Message, Err: fmt.Errorf("%T: %w", prototype, err)}
		}

		outgoing, err := handler(rc.Context(), ProtoMessageContext[T]{
			MessageContextBase: rc.MessageContextBase,
			Request:            rc,
			Payload:            typed,
		})
		if err != nil {
			return err
		}

		for _, out := range outgoing {
			if out.Message == nil {
				return errors.New("proto handler emitted nil message")
			}
			if validate != nil {
				if err := validate(out.Message); err != nil {
					return err
				}
			}
		}

		return publishProtoOutputs(rc, outgoing)
	}, nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	if isNilProto(prototype) {
		var zero T
		return zero, errspkg.ErrConsumeMessageTypeRequired
	}

	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}

	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a freshly allocated value of its
// type when candidate is a typed nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrConsumeMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrConsumeMessagePointerNeeded
	}

	inst := reflect.New(typ.Elem()).Interface()
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func publishProtoOutputs(rc *RequestContext, outputs []ProtoMessageOutput) error {
	for _, out := range outputs {
		if out.Channel == "" {
			return errspkg.ErrChannelRequired
		}
		payload, err := protojson.Marshal(out.Message)
		if err != nil {
			return fmt.Errorf("marshal %T: %w", out.Message, err)
		}
		if err := rc.Publish(out.Channel, out.Topic, payload); err != nil {
			return err
		}
	}
	return nil
}

func isNilProto[T proto.Message](prototype T) bool {
	msg := proto.Message(prototype)
	if msg == nil {
		return true
	}

	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
