package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	errspkg "github.com/drblury/rabbitflow/internal/runtime/errors"
	"github.com/drblury/rabbitflow/internal/runtime/jsoncodec"
)

// JSONMessageContext exposes the decoded payload, metadata and originating
// request to typed JSON controllers.
type JSONMessageContext[T any] struct {
	MessageContextBase
	Request *RequestContext
	Payload T
}

// JSONMessageOutput is a message a typed controller wants published once it succeeds.
type JSONMessageOutput[O any] struct {
	Channel string
	Topic   string
	Message O
}

// JSONMessageHandler processes a JSON payload and returns the messages to publish.
type JSONMessageHandler[T any, O any] func(ctx context.Context, event JSONMessageContext[T]) ([]JSONMessageOutput[O], error)

// BuildJSONController converts a typed JSON handler into a controller. T must be
// a pointer type; a fresh value is allocated for every message.
func BuildJSONController[T any, O any](handler JSONMessageHandler[T, O]) (func(*RequestContext) error, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return func(rc *RequestContext) error {
		typed := prototypeFactory()

		if err := jsoncodec.UnmarshalString(rc.Message, typed); err != nil {
			return &errspkg.ParsePayloadError{Payload: rc.Message, Err: err}
		}

		outgoing, err := handler(rc.Context(), JSONMessageContext[T]{
			MessageContextBase: rc.MessageContextBase,
			Request:            rc,
			Payload:            typed,
		})
		if err != nil {
			return err
		}

		return publishJSONOutputs(rc, outgoing)
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrConsumeMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrConsumeMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		clone := reflect.New(elem).Interface()
		return clone.(T)
	}, nil
}

func publishJSONOutputs[O any](rc *RequestContext, outputs []JSONMessageOutput[O]) error {
	for _, out := range outputs {
		if v := reflect.ValueOf(out.Message); !v.IsValid() || v.IsZero() {
			return errors.New("json handler emitted zero-value message")
		}
		if out.Channel == "" {
			return errspkg.ErrChannelRequired
		}

		payload, err := jsoncodec.Marshal(out.Message)
		if err != nil {
			return fmt.Errorf("marshal %T: %w", out.Message, err)
		}
		if err := rc.Publish(out.Channel, out.Topic, payload); err != nil {
			return err
		}
	}
	return nil
}
