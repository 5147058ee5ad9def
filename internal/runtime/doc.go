/*
Package runtime provides the delivery pipeline of eventcore: it moves events
committed to the store onto a message bus and applies them exactly once per
processor on the consuming side.

# Architecture Overview

The runtime package is built on top of Watermill. The event store is the
source of truth; the bus only carries copies. Appends commit first and are
published afterwards, so a failed publish never rolls back an append.

# Package Structure

## Core Service (service.go)

The Service struct is the central orchestrator that wires together:
  - The SQL event store (SQLite or PostgreSQL)
  - Publisher and subscriber connections built through the transport registry
  - The relay and the dead-letter sinks
  - Message router (Watermill) and its middleware chain
  - Tracking processors
  - HTTP servers for Prometheus metrics and consumer statistics

## Publishing (relay.go, publishing_store.go, publisher.go)

PublishingStore wraps an EventStore and hands every committed event to the
Relay. The relay publishes on <prefix><tenant>.<eventType> with bounded
linear retries and dead-letters what it cannot deliver. AppendJSON and
AppendProto encode typed payloads before appending.

## Consuming (consumer.go, registration*.go)

A Consumer is the consumption boundary: it checks the envelope tenant
against the subject, skips events already in its processed ledger, runs the
handler registered for the event type and maps the result onto ack, nack or
terminate. Handlers return Retryable or Poison errors to pick the outcome.

## Tracking processors (tracking.go)

A TrackingProcessor replays the global log from its stored token and feeds
the events of its segment through a Consumer. Tokens are stored after every
batch; replays after a crash are absorbed by the idempotency guard.

## Middleware (middleware.go)

Router middleware for bus-driven consumers:
  - CorrelationID: Ensures message traceability
  - LogMessages: Debug logging of message payloads
  - Tracer: OpenTelemetry distributed tracing
  - Metrics: Prometheus metrics collection
  - Retry: In-process retries with backoff before the message is nacked
  - Recoverer: Panic recovery

## Stats & Monitoring (stats.go, metrics.go, dlq_metrics.go, hooks.go)

Per-consumer outcome counters and latency percentiles, Prometheus collectors
for delivery and dead letters, and job hooks for custom logging and alerting.

# Sub-packages

  - config/: Service configuration with validation and viper loading
  - envelope/: Event to bus message mapping and subject parsing
  - errors/: Sentinel errors, error types and failure classification
  - handlers/: Typed JSON and protobuf event handlers
  - ids/: ULID generation for event and correlation ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Event metadata utilities and reserved header keys
*/
package runtime
