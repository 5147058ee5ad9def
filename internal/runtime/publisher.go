package runtime

import (
	"context"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/eventcore/eventstore"
	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
	handlerpkg "github.com/drblury/eventcore/internal/runtime/handlers"
	metadatapkg "github.com/drblury/eventcore/internal/runtime/metadata"
)

// Producer appends typed events. Publishing follows from the append: the
// service's store hands committed events to the relay.
type Producer interface {
	AppendJSON(ctx context.Context, streamID, tenantID string, expected eventstore.ExpectedVersion, eventType string, payload any, md metadatapkg.Metadata) (eventstore.AppendResult, error)
	AppendProto(ctx context.Context, streamID, tenantID string, expected eventstore.ExpectedVersion, eventType string, payload proto.Message, md metadatapkg.Metadata) (eventstore.AppendResult, error)
}

var _ Producer = (*Service)(nil)

// AppendJSON encodes payload as JSON and appends it as one event.
func AppendJSON(ctx context.Context, store eventstore.EventStore, streamID, tenantID string, expected eventstore.ExpectedVersion, eventType string, payload any, md metadatapkg.Metadata) (eventstore.AppendResult, error) {
	if store == nil {
		return eventstore.AppendResult{}, errspkg.ErrStoreRequired
	}
	data, err := handlerpkg.JSONEvent(eventType, payload, md)
	if err != nil {
		return eventstore.AppendResult{}, err
	}
	return store.Append(ctx, streamID, tenantID, expected, []eventstore.EventData{data})
}

// AppendProto encodes payload with protojson and appends it as one event.
func AppendProto(ctx context.Context, store eventstore.EventStore, streamID, tenantID string, expected eventstore.ExpectedVersion, eventType string, payload proto.Message, md metadatapkg.Metadata) (eventstore.AppendResult, error) {
	if store == nil {
		return eventstore.AppendResult{}, errspkg.ErrStoreRequired
	}
	data, err := handlerpkg.ProtoEvent(eventType, payload, md)
	if err != nil {
		return eventstore.AppendResult{}, err
	}
	return store.Append(ctx, streamID, tenantID, expected, []eventstore.EventData{data})
}

// AppendJSON appends through the service's publishing store.
func (s *Service) AppendJSON(ctx context.Context, streamID, tenantID string, expected eventstore.ExpectedVersion, eventType string, payload any, md metadatapkg.Metadata) (eventstore.AppendResult, error) {
	if s == nil {
		return eventstore.AppendResult{}, errspkg.ErrServiceRequired
	}
	return AppendJSON(ctx, s.events, streamID, tenantID, expected, eventType, payload, md)
}

// AppendProto appends through the service's publishing store.
func (s *Service) AppendProto(ctx context.Context, streamID, tenantID string, expected eventstore.ExpectedVersion, eventType string, payload proto.Message, md metadatapkg.Metadata) (eventstore.AppendResult, error) {
	if s == nil {
		return eventstore.AppendResult{}, errspkg.ErrServiceRequired
	}
	return AppendProto(ctx, s.events, streamID, tenantID, expected, eventType, payload, md)
}
