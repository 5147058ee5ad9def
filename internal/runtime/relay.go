package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/eventcore/eventstore"
	configpkg "github.com/drblury/eventcore/internal/runtime/config"
	"github.com/drblury/eventcore/internal/runtime/envelope"
	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventcore/internal/runtime/logging"
	"github.com/drblury/eventcore/internal/runtime/metadata"
)

var tracer = otel.Tracer("github.com/drblury/eventcore/runtime")

// RelayConfig configures a Relay. Zero values fall back to the config defaults.
type RelayConfig struct {
	Publisher     message.Publisher
	SubjectPrefix string
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// RetryDelay grows linearly: the n-th retry waits RetryDelay*n.
	RetryDelay time.Duration
	// Timeout bounds a single publish attempt.
	Timeout   time.Duration
	Workers   int
	QueueSize int

	DeadLetters eventstore.DeadLetterSink
	Logger      loggingpkg.ServiceLogger
	Metrics     *DeliveryMetrics
	DLQMetrics  *DLQMetrics
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = configpkg.DefaultSubjectPrefix
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = configpkg.DefaultPublishRetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = configpkg.DefaultPublishTimeout
	}
	if c.Workers <= 0 {
		c.Workers = configpkg.DefaultPublishWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = configpkg.DefaultPublishQueueSize
	}
	c.Logger = loggingpkg.OrNop(c.Logger)
	return c
}

// RelayConfigFromConfig maps the service configuration onto a RelayConfig.
func RelayConfigFromConfig(conf *configpkg.Config) RelayConfig {
	return RelayConfig{
		SubjectPrefix: conf.SubjectPrefix,
		MaxRetries:    conf.PublishMaxRetries,
		RetryDelay:    conf.PublishRetryDelay,
		Timeout:       conf.PublishTimeout,
		Workers:       conf.PublishWorkers,
		QueueSize:     conf.PublishQueueSize,
	}
}

type publishJob struct {
	ctx      context.Context
	subject  string
	tenantID string
	event    eventstore.PersistedEvent
	md       metadata.Metadata
}

// Relay moves committed events onto the bus. Publishing is at-least-once
// with bounded retries; events that cannot be delivered go to the
// dead-letter sink. It never reports failures back to the appender.
type Relay struct {
	cfg    RelayConfig
	logger loggingpkg.ServiceLogger

	queue chan publishJob
	// done is closed by Close; watched is closed once the goroutine Start
	// spawns to follow its context has returned.
	done    chan struct{}
	watched chan struct{}

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewRelay validates cfg and returns an idle relay. Call Start to run the workers.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	cfg = cfg.withDefaults()
	return &Relay{
		cfg:    cfg,
		logger: cfg.Logger.With(loggingpkg.LogFields{"component": "relay"}),
		queue:   make(chan publishJob, cfg.QueueSize),
		done:    make(chan struct{}),
		watched: make(chan struct{}),
	}, nil
}

// Start launches the publish workers. The relay closes itself when ctx is
// done; an explicit Close also releases the goroutine watching ctx.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	for range r.cfg.Workers {
		r.wg.Add(1)
		go r.work()
	}
	go func() {
		defer close(r.watched)
		select {
		case <-ctx.Done():
			r.Close()
		case <-r.done:
		}
	}()
}

func (r *Relay) work() {
	defer r.wg.Done()
	for job := range r.queue {
		_ = r.PublishSync(job.ctx, job.subject, job.tenantID, job.event, job.md)
	}
}

// Close stops accepting events and waits until the queued ones are
// published or dead-lettered. Events still queued on a relay that was never
// started are dead-lettered with ErrRelayClosed.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.wg.Wait()
		return
	}
	r.closed = true
	started := r.started
	close(r.done)
	close(r.queue)
	r.mu.Unlock()

	if !started {
		for job := range r.queue {
			r.deadLetter(job.ctx, job.subject, job.event, errspkg.ErrRelayClosed, eventstore.ReasonRejected, 0)
		}
	}
	r.wg.Wait()
}

// Publish queues evt for asynchronous delivery and returns immediately.
// When the queue is full or the relay is closed the event is dead-lettered.
func (r *Relay) Publish(ctx context.Context, subject, tenantID string, evt eventstore.PersistedEvent, md metadata.Metadata) {
	job := publishJob{
		ctx:      context.WithoutCancel(ctx),
		subject:  subject,
		tenantID: tenantID,
		event:    evt,
		md:       md.Clone(),
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		r.deadLetter(job.ctx, subject, evt, errspkg.ErrRelayClosed, eventstore.ReasonRejected, 0)
		return
	}
	select {
	case r.queue <- job:
		r.mu.RUnlock()
	default:
		r.mu.RUnlock()
		r.deadLetter(job.ctx, subject, evt, errspkg.ErrPublishBacklogFull, eventstore.ReasonPublishExhausted, 0)
	}
}

// PublishEvent publishes evt on <prefix><tenant>.<eventType>.
func (r *Relay) PublishEvent(ctx context.Context, evt eventstore.PersistedEvent, md metadata.Metadata) {
	subject, err := envelope.Subject(r.cfg.SubjectPrefix, evt.TenantID, evt.EventType)
	if err != nil {
		r.deadLetter(ctx, subject, evt, err, eventstore.ReasonRejected, 0)
		return
	}
	r.Publish(ctx, subject, evt.TenantID, evt, md)
}

// PublishSync publishes evt and blocks until it was delivered or
// dead-lettered. A subject outside tenantID fails with ErrTenantMismatch
// without any attempt; exhausted retries fail with ErrPublishExhausted.
func (r *Relay) PublishSync(ctx context.Context, subject, tenantID string, evt eventstore.PersistedEvent, md metadata.Metadata) error {
	ctx, span := tracer.Start(ctx, "eventcore.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("eventcore.subject", subject),
		attribute.String("eventcore.tenant_id", tenantID),
		attribute.String("eventcore.event_id", evt.EventID),
	)

	msg, err := r.prepare(subject, tenantID, evt, md)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected")
		r.deadLetter(ctx, subject, evt, err, eventstore.ReasonRejected, 0)
		return err
	}

	log := r.logger.With(loggingpkg.LogFields{
		loggingpkg.FieldSubject:  subject,
		loggingpkg.FieldTenantID: tenantID,
		loggingpkg.FieldEventID:  evt.EventID,
	})

	attempts := 0
	publish := func() (struct{}, error) {
		attempts++
		err := r.attempt(ctx, subject, msg)
		r.cfg.Metrics.observeAttempt(err)
		return struct{}{}, err
	}
	notify := func(err error, next time.Duration) {
		log.Debug("Publish attempt failed, retrying", loggingpkg.LogFields{
			loggingpkg.FieldAttempt: attempts,
			"error":                 err.Error(),
			"retry_in":              next.String(),
		})
	}
	_, err = backoff.Retry(ctx, publish,
		backoff.WithBackOff(&linearBackOff{step: r.cfg.RetryDelay}),
		backoff.WithMaxTries(uint(r.cfg.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err == nil {
		r.cfg.Metrics.observePublished(tenantID)
		log.Trace("Event published", loggingpkg.LogFields{loggingpkg.FieldAttempt: attempts})
		return nil
	}

	pubErr := &errspkg.PublishError{
		Subject:  subject,
		TenantID: tenantID,
		EventID:  evt.EventID,
		Attempts: attempts,
		Err:      err,
	}
	span.RecordError(pubErr)
	span.SetStatus(codes.Error, "publish exhausted")
	r.deadLetter(ctx, subject, evt, pubErr, eventstore.ReasonPublishExhausted, attempts)
	return pubErr
}

// prepare enforces tenant scoping and builds the envelope.
func (r *Relay) prepare(subject, tenantID string, evt eventstore.PersistedEvent, md metadata.Metadata) (*message.Message, error) {
	if tenantID == "" {
		return nil, &errspkg.TenantMismatchError{Expected: evt.TenantID}
	}
	if evt.TenantID != tenantID {
		return nil, &errspkg.TenantMismatchError{Expected: tenantID, Actual: evt.TenantID}
	}
	subjectTenant, _, err := envelope.ParseSubject(r.cfg.SubjectPrefix, subject)
	if err != nil {
		return nil, err
	}
	if subjectTenant != tenantID {
		return nil, &errspkg.TenantMismatchError{Expected: tenantID, Actual: subjectTenant}
	}
	return envelope.ToMessage(evt, subject, md)
}

// attempt runs one publish bounded by the relay timeout. Each attempt gets
// its own copy because an abandoned attempt may still hold the previous one.
// Publisher.Publish takes no context, so on timeout the publish goroutine is
// left running until the publisher returns; the buffered channel lets it
// finish without a reader.
func (r *Relay) attempt(ctx context.Context, subject string, msg *message.Message) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	out := msg.Copy()
	out.SetContext(ctx)

	done := make(chan error, 1)
	go func() {
		done <- r.cfg.Publisher.Publish(subject, out)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("publish to %q: %w", subject, ctx.Err())
	}
}

func (r *Relay) deadLetter(ctx context.Context, subject string, evt eventstore.PersistedEvent, cause error, reason eventstore.DeadLetterReason, attempts int) {
	recordDeadLetter(ctx, r.cfg.DeadLetters, r.cfg.DLQMetrics, r.logger, eventstore.DeadLetter{
		Subject:  subject,
		TenantID: evt.TenantID,
		Event:    evt,
		Error:    cause.Error(),
		Reason:   reason,
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}, cause)
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step time.Duration
	n    int64
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.step * time.Duration(b.n)
}

func (b *linearBackOff) Reset() { b.n = 0 }
