package runtime

import (
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
	handlerpkg "github.com/drblury/eventcore/internal/runtime/handlers"
)

// RegisterProtoHandler decodes protojson payloads of eventType into T before
// calling handler.
func RegisterProtoHandler[T proto.Message](c *Consumer, eventType string, handler handlerpkg.ProtoEventHandler[T]) error {
	if c == nil {
		return errspkg.ErrHandlerRequired
	}

	var zero T
	prototype, err := handlerpkg.EnsureProtoPrototype(zero)
	if err != nil {
		return err
	}

	wrapped, err := handlerpkg.BuildProtoHandler(prototype, handler, c.logger)
	if err != nil {
		return err
	}

	return c.Register(eventType, wrapped)
}
