// Package eventcore is a multi-tenant event store with reliable delivery on
// top of Watermill. Events are appended to per-aggregate streams in SQLite or
// PostgreSQL under optimistic concurrency, then relayed onto a message bus
// (Go channels, NATS, NATS JetStream, Kafka, RabbitMQ or AWS SNS/SQS) on
// subjects of the form TENANT_<tenant>.<eventType>.
//
// Service reads Config, opens the store, builds the transport and hosts the
// router. Consumers deduplicate deliveries through a processed-events ledger
// and turn handler results into ack, redelivery or termination; Retryable
// and Poison pick between the last two. Tracking processors replay the store
// itself from a persisted token, split into segments by stream.
//
// A minimal setup fills Config, creates a Service, registers handlers on a
// consumer, subscribes it to a tenant and calls Start:
//
//	svc, err := eventcore.NewService(ctx, &eventcore.Config{
//		StoreDriver:  eventcore.StoreSQLite,
//		SQLiteFile:   "events.db",
//		PubSubSystem: "channel",
//	}, logger, eventcore.ServiceDependencies{})
//
//	consumer, _ := svc.NewConsumer("orders-projection", "acme")
//	_ = eventcore.RegisterJSONHandler(consumer, "OrderPlaced", onOrderPlaced)
//	_ = svc.SubscribeTenant(consumer, "acme")
//
//	go svc.Start(ctx)
//	_, err = eventcore.AppendJSON(ctx, svc.EventStore(), "Order-1", "acme",
//		eventcore.NoStream(), "OrderPlaced", &OrderPlaced{ID: "1"}, nil)
//
// # Dead letters
//
// Events the relay cannot publish and messages classified as poison are
// written to the dead-letter table and, when configured, to a bus topic.
// Service.ReplayDeadLetter republishes a stored letter.
//
// # Transports
//
// Transports register themselves with the transport registry on import;
// the service imports every built-in one. Custom brokers plug in through
// ServiceDependencies.Registry or ServiceDependencies.Transport.
package eventcore
