package handlers

import (
	"context"
	"fmt"
	"reflect"

	"github.com/drblury/eventcore/eventstore"
	"github.com/drblury/eventcore/internal/runtime/envelope"
	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
	jsoncodec "github.com/drblury/eventcore/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventcore/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventcore/internal/runtime/metadata"
)

// JSONEventContext exposes the decoded payload next to the event it came from.
type JSONEventContext[T any] struct {
	EventContext
	Payload T
}

// JSONEventHandler applies one decoded JSON event.
type JSONEventHandler[T any] func(ctx context.Context, evt JSONEventContext[T]) error

// BuildJSONHandler converts a typed JSON handler into a consumer handler.
// T must be a pointer type. A payload that does not decode into T is poison:
// redelivering it cannot succeed.
func BuildJSONHandler[T any](handler JSONEventHandler[T], logger loggingpkg.ServiceLogger) (func(context.Context, envelope.Envelope) error, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, d envelope.Envelope) error {
		typed := prototypeFactory()

		if err := jsoncodec.Unmarshal(d.Event.Payload, typed); err != nil {
			return errspkg.Poison(fmt.Errorf("unmarshal %s payload: %w", d.Event.EventType, err))
		}

		return handler(ctx, JSONEventContext[T]{
			EventContext: newEventContext(d, logger),
			Payload:      typed,
		})
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		clone := reflect.New(elem).Interface()
		return clone.(T)
	}, nil
}

// JSONEvent encodes v as the payload of an event ready to append. The Go
// type name is recorded under event_message_schema.
func JSONEvent(eventType string, v any, md metadatapkg.Metadata) (eventstore.EventData, error) {
	if eventType == "" {
		return eventstore.EventData{}, errspkg.ErrEventTypeRequired
	}
	if v == nil || reflect.ValueOf(v).IsZero() {
		return eventstore.EventData{}, fmt.Errorf("json event %s: zero-value payload", eventType)
	}

	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		return eventstore.EventData{}, err
	}
	return encodeEvent(eventType, payload, fmt.Sprintf("%T", v), md)
}

func encodeEvent(eventType string, payload []byte, schema string, md metadatapkg.Metadata) (eventstore.EventData, error) {
	encoded, err := md.With(metadatapkg.KeyEventSchema, schema).Encode()
	if err != nil {
		return eventstore.EventData{}, err
	}
	return eventstore.EventData{
		EventType: eventType,
		Payload:   payload,
		Metadata:  encoded,
	}, nil
}
