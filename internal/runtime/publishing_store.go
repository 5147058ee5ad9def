package runtime

import (
	"context"

	"github.com/drblury/eventcore/eventstore"
	"github.com/drblury/eventcore/internal/runtime/metadata"
)

// EventPublisher is the part of the relay a PublishingStore needs.
type EventPublisher interface {
	PublishEvent(ctx context.Context, evt eventstore.PersistedEvent, md metadata.Metadata)
}

// PublishingStore hands every committed event to a relay. The append result
// never depends on the bus: publishing happens after the transaction and
// failures end in the dead-letter sink.
type PublishingStore struct {
	eventstore.EventStore
	relay EventPublisher
}

var _ eventstore.EventStore = (*PublishingStore)(nil)

// NewPublishingStore decorates store.
func NewPublishingStore(store eventstore.EventStore, relay EventPublisher) *PublishingStore {
	return &PublishingStore{EventStore: store, relay: relay}
}

// Append implements eventstore.EventStore.
func (s *PublishingStore) Append(ctx context.Context, streamID, tenantID string, expected eventstore.ExpectedVersion, events []eventstore.EventData) (eventstore.AppendResult, error) {
	result, err := s.EventStore.Append(ctx, streamID, tenantID, expected, events)
	if err != nil {
		return result, err
	}
	for _, evt := range result.Events {
		// Stored metadata that is not a string map still travels base64
		// encoded in the envelope; it just adds no headers.
		md, _ := metadata.Decode(evt.Metadata)
		s.relay.PublishEvent(ctx, evt, md)
	}
	return result, nil
}
