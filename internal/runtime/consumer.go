package runtime

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/eventcore/eventstore"
	configpkg "github.com/drblury/eventcore/internal/runtime/config"
	"github.com/drblury/eventcore/internal/runtime/envelope"
	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventcore/internal/runtime/logging"
	"github.com/drblury/eventcore/internal/runtime/metadata"
)

// Delivery is what handlers receive: the persisted event plus the bus
// subject and caller metadata it travelled with.
type Delivery = envelope.Envelope

// HandlerFunc applies one event. Return Retryable(err) to have the message
// redelivered, Poison(err) to terminate it. Any other error and any panic
// count as retryable.
type HandlerFunc func(ctx context.Context, d Delivery) error

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// Name keys the processed-events ledger. Two consumers with the same
	// name share deduplication.
	Name  string
	Guard eventstore.IdempotencyGuard
	// SubjectPrefix is used to check that the subject tenant matches the
	// envelope tenant.
	SubjectPrefix string
	// TenantID pins the consumer to one tenant; messages of any other tenant
	// are poison. Empty accepts every tenant.
	TenantID string

	// DeadLetters receives a copy of every poison message when set.
	DeadLetters eventstore.DeadLetterSink
	Logger      loggingpkg.ServiceLogger
	Hooks       JobHooks
	Metrics     *DeliveryMetrics
	DLQMetrics  *DLQMetrics
}

// Consumer is the consumption boundary: it deduplicates with the
// idempotency guard, runs the handler registered for the event type and
// turns the result into ack, nack or terminate.
type Consumer struct {
	cfg    ConsumerConfig
	logger loggingpkg.ServiceLogger
	stats  *ConsumerStats

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewConsumer validates cfg and returns a consumer with no handlers.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Name == "" {
		return nil, errspkg.ErrProcessorNameRequired
	}
	if cfg.Guard == nil {
		return nil, errspkg.ErrGuardRequired
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = configpkg.DefaultSubjectPrefix
	}
	cfg.Logger = loggingpkg.OrNop(cfg.Logger)
	return &Consumer{
		cfg:      cfg,
		logger:   cfg.Logger.With(loggingpkg.LogFields{loggingpkg.FieldProcessor: cfg.Name}),
		stats:    newConsumerStats(cfg.Name),
		handlers: make(map[string]HandlerFunc),
	}, nil
}

// Name returns the ledger name of the consumer.
func (c *Consumer) Name() string { return c.cfg.Name }

// Stats returns the in-process statistics of the consumer.
func (c *Consumer) Stats() *ConsumerStats { return c.stats }

// Register binds h to eventType. Each event type takes one handler.
func (c *Consumer) Register(eventType string, h HandlerFunc) error {
	if eventType == "" {
		return errspkg.ErrEventTypeRequired
	}
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[eventType]; exists {
		return fmt.Errorf("%w: %s", errspkg.ErrDuplicateHandler, eventType)
	}
	c.handlers[eventType] = h
	return nil
}

// EventTypes lists the registered event types in sorted order.
func (c *Consumer) EventTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

func (c *Consumer) handler(eventType string) (HandlerFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[eventType]
	return h, ok
}

// Process handles msg and acknowledges it itself: nack on retry, ack
// otherwise. A poison message is acked with the eventcore_terminate header
// set so transports that can terminate do so.
func (c *Consumer) Process(msg *message.Message) errspkg.Outcome {
	outcome, _ := c.handle(msg)
	switch outcome {
	case errspkg.OutcomeRetry:
		msg.Nack()
	case errspkg.OutcomePoison:
		msg.Metadata.Set(metadata.KeyTerminate, "true")
		msg.Ack()
	default:
		msg.Ack()
	}
	return outcome
}

// HandleMessage is a watermill NoPublishHandlerFunc. Retryable failures are
// returned so the router nacks; poison returns nil with the terminate flag set.
func (c *Consumer) HandleMessage(msg *message.Message) error {
	outcome, err := c.handle(msg)
	switch outcome {
	case errspkg.OutcomeRetry:
		return err
	case errspkg.OutcomePoison:
		msg.Metadata.Set(metadata.KeyTerminate, "true")
	}
	return nil
}

func (c *Consumer) handle(msg *message.Message) (errspkg.Outcome, error) {
	ctx := msg.Context()

	env, err := envelope.FromMessage(msg)
	if err != nil {
		return c.reject(ctx, msg, err)
	}
	if env.Subject != "" {
		subjectTenant, _, err := envelope.ParseSubject(c.cfg.SubjectPrefix, env.Subject)
		if err != nil {
			return c.reject(ctx, msg, err)
		}
		if subjectTenant != env.Event.TenantID {
			return c.reject(ctx, msg, &errspkg.TenantMismatchError{Expected: subjectTenant, Actual: env.Event.TenantID})
		}
	}
	if c.cfg.TenantID != "" && env.Event.TenantID != c.cfg.TenantID {
		return c.reject(ctx, msg, &errspkg.TenantMismatchError{Expected: c.cfg.TenantID, Actual: env.Event.TenantID})
	}
	return c.dispatch(ctx, env)
}

// reject terminates a message that cannot be decoded or is out of scope.
func (c *Consumer) reject(ctx context.Context, msg *message.Message, cause error) (errspkg.Outcome, error) {
	err := errspkg.Poison(cause)
	evt := eventstore.PersistedEvent{
		EventID:   msg.UUID,
		TenantID:  msg.Metadata.Get(metadata.KeyTenantID),
		EventType: msg.Metadata.Get(metadata.KeyEventType),
		StreamID:  msg.Metadata.Get(metadata.KeyStreamID),
		Payload:   msg.Payload,
	}
	c.cfg.Metrics.observeOutcome(c.cfg.Name, errspkg.OutcomePoison, 0)
	c.stats.record(errspkg.OutcomePoison, err)
	c.deadLetter(ctx, msg.Metadata.Get(metadata.KeySubject), evt, err)
	return errspkg.OutcomePoison, err
}

// Dispatch runs evt through the same pipeline as a bus message. Tracking
// processors use it for events read from the store.
func (c *Consumer) Dispatch(ctx context.Context, evt eventstore.PersistedEvent) (errspkg.Outcome, error) {
	md, err := metadata.Decode(evt.Metadata)
	if err != nil {
		md = metadata.Metadata{}
	}
	return c.dispatch(ctx, Delivery{
		Event:         evt,
		Metadata:      md.WithoutReserved(),
		CorrelationID: md[metadata.KeyCorrelationID],
	})
}

func (c *Consumer) dispatch(ctx context.Context, d Delivery) (errspkg.Outcome, error) {
	evt := d.Event
	log := c.logger.With(loggingpkg.LogFields{
		loggingpkg.FieldEventID:   evt.EventID,
		loggingpkg.FieldEventType: evt.EventType,
		loggingpkg.FieldTenantID:  evt.TenantID,
	})

	h, ok := c.handler(evt.EventType)
	if !ok {
		log.Debug("No handler registered, skipping", nil)
		c.cfg.Metrics.observeOutcome(c.cfg.Name, errspkg.OutcomeIgnored, 0)
		c.stats.record(errspkg.OutcomeIgnored, nil)
		return errspkg.OutcomeIgnored, nil
	}

	ctx, span := tracer.Start(ctx, "eventcore.consume")
	defer span.End()
	span.SetAttributes(
		attribute.String("eventcore.processor", c.cfg.Name),
		attribute.String("eventcore.event_id", evt.EventID),
		attribute.String("eventcore.event_type", evt.EventType),
		attribute.String("eventcore.tenant_id", evt.TenantID),
	)

	processed, err := c.cfg.Guard.IsProcessed(ctx, c.cfg.Name, evt.EventID, evt.TenantID)
	if err != nil {
		log.Error("Idempotency check failed, message will be redelivered", err, nil)
		span.RecordError(err)
		c.cfg.Metrics.observeOutcome(c.cfg.Name, errspkg.OutcomeRetry, 0)
		c.stats.record(errspkg.OutcomeRetry, err)
		return errspkg.OutcomeRetry, errspkg.Retryable(err)
	}
	if processed {
		log.Debug("Event already processed, skipping", nil)
		span.SetAttributes(attribute.String("eventcore.outcome", errspkg.OutcomeDuplicate.String()))
		c.cfg.Metrics.observeOutcome(c.cfg.Name, errspkg.OutcomeDuplicate, 0)
		c.stats.record(errspkg.OutcomeDuplicate, nil)
		return errspkg.OutcomeDuplicate, nil
	}

	job := JobContext{
		Processor: c.cfg.Name,
		Subject:   d.Subject,
		EventID:   evt.EventID,
		EventType: evt.EventType,
		TenantID:  evt.TenantID,
		StreamID:  evt.StreamID,
		Metadata:  d.Metadata,
		Context:   ctx,
		StartedAt: time.Now(),
	}
	c.cfg.Hooks.start(job)
	c.stats.begin()

	err = invoke(ctx, h, d)
	outcome := errspkg.Classify(err)
	if outcome == errspkg.OutcomeApplied {
		if markErr := c.cfg.Guard.MarkProcessed(ctx, c.cfg.Name, evt.EventID, evt.TenantID); markErr != nil {
			outcome = errspkg.OutcomeRetry
			err = errspkg.Retryable(fmt.Errorf("record processed event: %w", markErr))
		}
	}

	job.Duration = time.Since(job.StartedAt)
	job.Outcome = outcome
	c.cfg.Hooks.finish(job, err)
	c.cfg.Metrics.observeOutcome(c.cfg.Name, outcome, job.Duration.Seconds())
	c.stats.finish(outcome, job.Duration, evt.TimestampUTC, err)
	span.SetAttributes(attribute.String("eventcore.outcome", outcome.String()))

	switch outcome {
	case errspkg.OutcomeRetry:
		span.RecordError(err)
		log.Info("Handler failed, message will be redelivered", loggingpkg.LogFields{"error": err.Error()})
	case errspkg.OutcomePoison:
		span.RecordError(err)
		span.SetStatus(codes.Error, "poison")
		c.deadLetter(ctx, d.Subject, evt, err)
	}
	return outcome, err
}

func (c *Consumer) deadLetter(ctx context.Context, subject string, evt eventstore.PersistedEvent, cause error) {
	recordDeadLetter(ctx, c.cfg.DeadLetters, c.cfg.DLQMetrics, c.logger, eventstore.DeadLetter{
		Subject:  subject,
		TenantID: evt.TenantID,
		Event:    evt,
		Error:    cause.Error(),
		Reason:   eventstore.ReasonPoison,
		Attempts: 1,
		FailedAt: time.Now().UTC(),
	}, cause)
}

// invoke runs h and converts a panic into a retryable error.
func invoke(ctx context.Context, h HandlerFunc, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errspkg.Retryable(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, d)
}
