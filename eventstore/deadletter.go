package eventstore

import (
	"context"
	"time"
)

// DeadLetterReason explains why an event left the normal delivery path.
type DeadLetterReason string

const (
	ReasonPublishExhausted DeadLetterReason = "publish_exhausted"
	ReasonPoison           DeadLetterReason = "poison"
	// ReasonRejected covers events the relay refused to publish, such as a
	// subject outside the event's tenant.
	ReasonRejected DeadLetterReason = "rejected"
)

// DeadLetter is an event that could not be delivered or applied.
type DeadLetter struct {
	// ID is assigned by durable sinks and zero otherwise.
	ID       int64
	Subject  string
	TenantID string
	Event    PersistedEvent
	Error    string
	Reason   DeadLetterReason
	Attempts int
	FailedAt time.Time
}

// DeadLetterSink receives events that exhausted their delivery attempts or
// were classified as poison.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, letter DeadLetter) error
}

// DeadLetterSinkFunc adapts a function to DeadLetterSink.
type DeadLetterSinkFunc func(ctx context.Context, letter DeadLetter) error

func (f DeadLetterSinkFunc) DeadLetter(ctx context.Context, letter DeadLetter) error {
	return f(ctx, letter)
}
