package runtime

import (
	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
	handlerpkg "github.com/drblury/eventcore/internal/runtime/handlers"
)

// RegisterJSONHandler decodes payloads of eventType into T before calling handler.
func RegisterJSONHandler[T any](c *Consumer, eventType string, handler handlerpkg.JSONEventHandler[T]) error {
	if c == nil {
		return errspkg.ErrHandlerRequired
	}

	wrapped, err := handlerpkg.BuildJSONHandler(handler, c.logger)
	if err != nil {
		return err
	}

	return c.Register(eventType, wrapped)
}
