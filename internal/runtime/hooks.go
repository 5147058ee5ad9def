package runtime

import (
	"context"
	"time"

	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventcore/internal/runtime/logging"
	"github.com/drblury/eventcore/internal/runtime/metadata"
)

// JobContext describes one handler invocation to hooks.
type JobContext struct {
	// Processor is the consumer or tracking processor name.
	Processor string
	// Subject is empty for events dispatched by a tracking processor.
	Subject   string
	EventID   string
	EventType string
	TenantID  string
	StreamID  string
	// Metadata holds the caller headers of the delivery.
	Metadata metadata.Metadata
	Context  context.Context
	// StartedAt is when the handler was invoked.
	StartedAt time.Time
	// Duration is only set in OnJobDone, OnJobError and OnPoison.
	Duration time.Duration
	// Outcome is only set in OnJobDone, OnJobError and OnPoison.
	Outcome errspkg.Outcome
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the handler function is invoked.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called after the handler succeeded and the event was
	// recorded in the processed ledger.
	OnJobDone func(ctx JobContext)

	// OnJobError is called for every failed invocation, retryable or poison.
	OnJobError func(ctx JobContext, err error)

	// OnPoison is called after OnJobError when the failure terminates the
	// message. Use it to raise alerts for manual remediation.
	OnPoison func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
		OnPoison:   chainErrorHooks(h.OnPoison, other.OnPoison),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h JobHooks) start(ctx JobContext) {
	if h.OnJobStart != nil {
		h.OnJobStart(ctx)
	}
}

func (h JobHooks) finish(ctx JobContext, err error) {
	switch {
	case err == nil:
		if h.OnJobDone != nil {
			h.OnJobDone(ctx)
		}
	default:
		if h.OnJobError != nil {
			h.OnJobError(ctx, err)
		}
		if ctx.Outcome == errspkg.OutcomePoison && h.OnPoison != nil {
			h.OnPoison(ctx, err)
		}
	}
}

func (c JobContext) logFields() loggingpkg.LogFields {
	fields := loggingpkg.LogFields{
		loggingpkg.FieldProcessor: c.Processor,
		loggingpkg.FieldEventID:   c.EventID,
		loggingpkg.FieldEventType: c.EventType,
		loggingpkg.FieldTenantID:  c.TenantID,
	}
	if c.Subject != "" {
		fields[loggingpkg.FieldSubject] = c.Subject
	}
	return fields
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
// Starts and completions log at debug, failures at error.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	logger = loggingpkg.OrNop(logger)
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", ctx.logFields())
		},
		OnJobDone: func(ctx JobContext) {
			fields := ctx.logFields()
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Debug("Job completed", fields)
		},
		OnJobError: func(ctx JobContext, err error) {
			fields := ctx.logFields()
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			fields["outcome"] = ctx.Outcome.String()
			logger.Error("Job failed", err, fields)
		},
	}
}

// MetricsHooks returns pre-built hooks that record job metrics.
func MetricsHooks(onStart, onDone, onError func(processor, eventType string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Processor, ctx.EventType)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Processor, ctx.EventType)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.Processor, ctx.EventType)
			}
		},
	}
}

// AlertingHooks returns hooks that call alertFunc for poison messages only.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnPoison: alertFunc,
	}
}
