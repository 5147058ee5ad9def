package transport

// Capabilities describes the delivery guarantees of a transport backend.
type Capabilities struct {
	Name string

	// SupportsOrdering indicates messages on one subject are delivered in order.
	SupportsOrdering bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates a negative acknowledgment leads to redelivery.
	SupportsNack bool

	// SupportsTerm indicates the transport can terminate a message so it is
	// never redelivered. Elsewhere poison messages are simply acked.
	SupportsTerm bool

	// SupportsDurable indicates messages published while no subscriber is
	// connected are kept for later delivery.
	SupportsDurable bool

	// SupportsWildcards indicates a subscription can cover every subject of
	// a tenant (<prefix><tenant>.>).
	SupportsWildcards bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsPartitioning indicates the transport supports message partitioning.
	SupportsPartitioning bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// KafkaCapabilities for Apache Kafka transport. A nack makes the
	// subscriber re-consume the message in place.
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsAck:          true,
		SupportsNack:         true,
		SupportsDurable:      true,
		SupportsTracing:      true,
		SupportsPartitioning: true,
		MaxMessageSize:       1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsDurable:  true,
		SupportsTracing:  true,
	}

	// NATSCapabilities for NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:              "nats",
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsWildcards: true,
		SupportsTracing:   true,
		MaxMessageSize:    1048576, // Default 1MB
	}

	// NATSJetStreamCapabilities for NATS JetStream transport.
	NATSJetStreamCapabilities = Capabilities{
		Name:              "nats-jetstream",
		SupportsOrdering:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsTerm:      true,
		SupportsDurable:   true,
		SupportsWildcards: true,
		SupportsTracing:   true,
		MaxMessageSize:    1048576, // Default 1MB
	}

	// AWSCapabilities for AWS SNS/SQS transport. SNS topics have no
	// wildcards, so tenants are subscribed per event type. A nack returns
	// the message to SQS once its visibility timeout ends.
	AWSCapabilities = Capabilities{
		Name:            "aws",
		SupportsAck:     true,
		SupportsNack:    true,
		SupportsDurable: true,
		SupportsTracing: true,
		MaxMessageSize:  262144, // 256KB SNS limit
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Uses the registry to look up capabilities registered by each transport package.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
