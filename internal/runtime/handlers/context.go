package handlers

import (
	"github.com/drblury/eventcore/eventstore"
	"github.com/drblury/eventcore/internal/runtime/envelope"
	loggingpkg "github.com/drblury/eventcore/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventcore/internal/runtime/metadata"
)

// EventContext provides common functionality for all typed handler contexts.
// It holds the persisted event, the subject it arrived on and the caller
// metadata shared by JSON and Proto handlers.
type EventContext struct {
	Event eventstore.PersistedEvent
	// Subject is empty for events dispatched by a tracking processor.
	Subject  string
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger

	correlationID string
}

func newEventContext(d envelope.Envelope, logger loggingpkg.ServiceLogger) EventContext {
	return EventContext{
		Event:         d.Event,
		Subject:       d.Subject,
		Metadata:      d.Metadata,
		Logger:        loggingpkg.OrNop(logger),
		correlationID: d.CorrelationID,
	}
}

// CloneMetadata returns a copy of the current metadata map so handlers can
// carry headers into the events they append without touching the original.
func (c EventContext) CloneMetadata() metadatapkg.Metadata {
	md := c.Metadata.Clone()
	if c.correlationID != "" {
		md[metadatapkg.KeyCorrelationID] = c.correlationID
	}
	return md
}

// Get retrieves a metadata value by key.
func (c EventContext) Get(key string) string {
	return c.Metadata[key]
}

// CorrelationID returns the correlation ID of the delivery, if present.
func (c EventContext) CorrelationID() string {
	if c.correlationID != "" {
		return c.correlationID
	}
	return c.Metadata[metadatapkg.KeyCorrelationID]
}

// TenantID returns the tenant that owns the event.
func (c EventContext) TenantID() string {
	return c.Event.TenantID
}
