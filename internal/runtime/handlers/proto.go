package handlers

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/eventcore/eventstore"
	"github.com/drblury/eventcore/internal/runtime/envelope"
	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventcore/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventcore/internal/runtime/metadata"
)

// ProtoEventContext provides strongly typed access to the event payload.
type ProtoEventContext[T proto.Message] struct {
	EventContext
	Payload T
}

// ProtoEventHandler applies one decoded protobuf event.
type ProtoEventHandler[T proto.Message] func(ctx context.Context, evt ProtoEventContext[T]) error

// BuildProtoHandler converts the typed handler into a consumer handler.
// Payloads are protojson; one that does not decode into the prototype's
// type is poison.
func BuildProtoHandler[T proto.Message](prototype T, handler ProtoEventHandler[T], logger loggingpkg.ServiceLogger) (func(context.Context, envelope.Envelope) error, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if isNilProto(prototype) {
		return nil, errspkg.ErrMessageTypeRequired
	}

	return func(ctx context.Context, d envelope.Envelope) error {
		typed, err := clonePrototype(prototype)
		if err != nil {
			return errspkg.Poison(err)
		}

		if err := protojson.Unmarshal(d.Event.Payload, typed); err != nil {
			return errspkg.Poison(fmt.Errorf("unmarshal %T payload: %w", prototype, err))
		}

		return handler(ctx, ProtoEventContext[T]{
			EventContext: newEventContext(d, logger),
			Payload:      typed,
		})
	}, nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	if isNilProto(prototype) {
		var zero T
		return zero, errspkg.ErrMessageTypeRequired
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

// EnsureProtoPrototype returns candidate, or a new zero message of its type
// when candidate is a nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrMessagePointerNeeded
	}

	inst := reflect.New(typ.Elem()).Interface()
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

// ProtoEvent encodes msg with protojson as the payload of an event ready to
// append. The full protobuf name is recorded under event_message_schema.
func ProtoEvent(eventType string, msg proto.Message, md metadatapkg.Metadata) (eventstore.EventData, error) {
	if eventType == "" {
		return eventstore.EventData{}, errspkg.ErrEventTypeRequired
	}
	if msg == nil || isNilProto(msg) {
		return eventstore.EventData{}, errspkg.ErrMessageTypeRequired
	}

	payload, err := protojson.Marshal(msg)
	if err != nil {
		return eventstore.EventData{}, err
	}
	return encodeEvent(eventType, payload, string(msg.ProtoReflect().Descriptor().FullName()), md)
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
