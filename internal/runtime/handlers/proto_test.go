package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
	metadatapkg "github.com/drblury/eventcore/internal/runtime/metadata"
)

func TestBuildProtoHandlerDecodesPayload(t *testing.T) {
	payload, err := structpb.NewStruct(map[string]any{"order_id": "o-1"})
	require.NoError(t, err)
	raw, err := protojson.Marshal(payload)
	require.NoError(t, err)

	var got ProtoEventContext[*structpb.Struct]
	handler, err := BuildProtoHandler(&structpb.Struct{}, func(ctx context.Context, evt ProtoEventContext[*structpb.Struct]) error {
		got = evt
		return nil
	}, nil)
	require.NoError(t, err)

	require.NoError(t, handler(context.Background(), delivery(raw)))
	require.NotNil(t, got.Payload)
	assert.Equal(t, "o-1", got.Payload.GetFields()["order_id"].GetStringValue())
	assert.Equal(t, "acme", got.TenantID())
}

func TestBuildProtoHandlerUsesFreshMessagePerEvent(t *testing.T) {
	prototype := &structpb.Struct{}
	var seen []*structpb.Struct
	handler, err := BuildProtoHandler(prototype, func(ctx context.Context, evt ProtoEventContext[*structpb.Struct]) error {
		seen = append(seen, evt.Payload)
		return nil
	}, nil)
	require.NoError(t, err)

	require.NoError(t, handler(context.Background(), delivery([]byte(`{"a":1}`))))
	require.NoError(t, handler(context.Background(), delivery([]byte(`{"b":2}`))))

	require.Len(t, seen, 2)
	assert.NotSame(t, seen[0], seen[1])
	assert.Len(t, seen[1].GetFields(), 1)
	assert.Empty(t, prototype.GetFields())
}

func TestBuildProtoHandlerDecodeFailureIsPoison(t *testing.T) {
	handler, err := BuildProtoHandler(&structpb.Struct{}, func(ctx context.Context, evt ProtoEventContext[*structpb.Struct]) error {
		t.Fatal("handler must not run")
		return nil
	}, nil)
	require.NoError(t, err)

	err = handler(context.Background(), delivery([]byte(`[1,2`)))
	assert.ErrorIs(t, err, errspkg.ErrPoison)
}

func TestBuildProtoHandlerValidation(t *testing.T) {
	_, err := BuildProtoHandler[*structpb.Struct](&structpb.Struct{}, nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)

	var nilStruct *structpb.Struct
	_, err = BuildProtoHandler(nilStruct, func(ctx context.Context, evt ProtoEventContext[*structpb.Struct]) error { return nil }, nil)
	assert.ErrorIs(t, err, errspkg.ErrMessageTypeRequired)
}

func TestEnsureProtoPrototype(t *testing.T) {
	var nilStruct *structpb.Struct
	msg, err := EnsureProtoPrototype(nilStruct)
	require.NoError(t, err)
	assert.NotNil(t, msg)

	existing := &structpb.Struct{}
	msg, err = EnsureProtoPrototype(existing)
	require.NoError(t, err)
	assert.Same(t, existing, msg)
}

func TestProtoEvent(t *testing.T) {
	payload, err := structpb.NewStruct(map[string]any{"order_id": "o-1"})
	require.NoError(t, err)

	data, err := ProtoEvent("OrderPlaced", payload, nil)
	require.NoError(t, err)
	assert.Equal(t, "OrderPlaced", data.EventType)

	decoded := &structpb.Struct{}
	require.NoError(t, protojson.Unmarshal(data.Payload, decoded))
	assert.Equal(t, "o-1", decoded.GetFields()["order_id"].GetStringValue())

	md, err := metadatapkg.Decode(data.Metadata)
	require.NoError(t, err)
	assert.Equal(t, "google.protobuf.Struct", md[metadatapkg.KeyEventSchema])

	_, err = ProtoEvent("OrderPlaced", nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrMessageTypeRequired)
}
