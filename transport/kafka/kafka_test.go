package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventcore/internal/runtime/metadata"
	"github.com/drblury/eventcore/transport"
	"github.com/drblury/eventcore/transport/transporttest"
)

func TestRegisteredOnImport(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, Capabilities(), transport.GetCapabilities(TransportName))
}

func TestPartitionKey(t *testing.T) {
	msg := message.NewMessage("evt-1", nil)
	key, err := PartitionKey("topic", msg)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", key)

	msg.Metadata.Set(metadata.KeyStreamID, "order-42")
	key, err = PartitionKey("topic", msg)
	require.NoError(t, err)
	assert.Equal(t, "order-42", key)
}

func TestBuild(t *testing.T) {
	originalPubFactory := PublisherFactory
	originalSubFactory := SubscriberFactory
	defer func() {
		PublisherFactory = originalPubFactory
		SubscriberFactory = originalSubFactory
	}()

	pub := &transporttest.Publisher{}
	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
		assert.Equal(t, "eventcore-test", cfg.OverwriteSaramaConfig.ClientID)
		return pub, nil
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, "test-group", cfg.ConsumerGroup)
		assert.Equal(t, "eventcore-test", cfg.OverwriteSaramaConfig.ClientID)
		return transporttest.Subscriber{}, nil
	}

	cfg := &transporttest.Config{
		KafkaBrokers:       []string{"localhost:9092"},
		KafkaClientID:      "eventcore-test",
		KafkaConsumerGroup: "test-group",
	}
	tr, err := Build(context.Background(), cfg, watermill.NopLogger{})

	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
}

func TestBuild_Errors(t *testing.T) {
	originalPubFactory := PublisherFactory
	originalSubFactory := SubscriberFactory
	defer func() {
		PublisherFactory = originalPubFactory
		SubscriberFactory = originalSubFactory
	}()

	PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("publisher error")
	}
	_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "publisher error")

	pub := &transporttest.Publisher{}
	PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, nil
	}
	SubscriberFactory = func(kafka.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("subscriber error")
	}
	_, err = Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "subscriber error")
	assert.True(t, pub.Closed)
}
