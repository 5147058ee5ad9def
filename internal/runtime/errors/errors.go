package errors

import (
	sterrors "errors"
	"fmt"
)

// Wiring errors returned while assembling services, consumers and processors.
var (
	ErrServiceRequired       = sterrors.New("eventcore: event service is required")
	ErrHandlerRequired       = sterrors.New("eventcore: handler function is required")
	ErrHandlerNameRequired   = sterrors.New("eventcore: handler name is required")
	ErrProcessorNameRequired = sterrors.New("eventcore: processor name is required")
	ErrPublisherRequired     = sterrors.New("eventcore: publisher is required")
	ErrSubscriberRequired    = sterrors.New("eventcore: subscriber is required")
	ErrTopicRequired         = sterrors.New("eventcore: topic is required")
	ErrConfigRequired        = sterrors.New("eventcore: configuration is required")
	ErrStoreRequired         = sterrors.New("eventcore: event store is required")
	ErrGuardRequired         = sterrors.New("eventcore: idempotency guard is required")
	ErrDuplicateHandler      = sterrors.New("eventcore: handler already registered for event type")
	ErrRelayClosed           = sterrors.New("eventcore: relay is closed")
	ErrMessageTypeRequired   = sterrors.New("eventcore: payload message type is required")
	ErrMessagePointerNeeded  = sterrors.New("eventcore: payload message type must be a pointer")
)

// Domain errors surfaced by the store, the relay and the consumption boundary.
var (
	ErrConcurrencyConflict = sterrors.New("eventcore: concurrency conflict")
	ErrStorageUnavailable  = sterrors.New("eventcore: storage unavailable")
	ErrPublishExhausted    = sterrors.New("eventcore: publish retries exhausted")
	ErrPublishBacklogFull  = sterrors.New("eventcore: publish backlog full")
	ErrRetryable           = sterrors.New("eventcore: retryable failure")
	ErrPoison              = sterrors.New("eventcore: poison message")
	ErrTenantMismatch      = sterrors.New("eventcore: tenant mismatch")
	ErrNoEvents            = sterrors.New("eventcore: no events to append")
	ErrStreamRequired      = sterrors.New("eventcore: stream id is required")
	ErrEventTypeRequired   = sterrors.New("eventcore: event type is required")
	ErrEventIDRequired     = sterrors.New("eventcore: event id is required")
)

// ConfigValidationError wraps every problem found while validating a configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("eventcore: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// ConcurrencyConflictError reports an expected-version mismatch or a lost
// race on the (tenant, stream, sequence) unique index.
type ConcurrencyConflictError struct {
	StreamID string
	TenantID string
	Expected int64
	// Actual is -1 when the unique index caught the race rather than the
	// expected-version check.
	Actual int64
}

func (e *ConcurrencyConflictError) Error() string {
	if e.Actual < 0 {
		return fmt.Sprintf("eventcore: concurrency conflict on stream %q (tenant %q): a concurrent writer committed first", e.StreamID, e.TenantID)
	}
	return fmt.Sprintf("eventcore: concurrency conflict on stream %q (tenant %q): expected version %d, actual %d",
		e.StreamID, e.TenantID, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// StorageError wraps a driver failure. errors.As still reaches the driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("eventcore: storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// Storage wraps err as a StorageError unless it already carries a domain
// classification.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if sterrors.Is(err, ErrConcurrencyConflict) || sterrors.Is(err, ErrTenantMismatch) || sterrors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// PublishError is handed to the dead-letter sink once every attempt failed.
type PublishError struct {
	Subject  string
	TenantID string
	EventID  string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("eventcore: publish of event %s to %q failed after %d attempt(s): %v", e.EventID, e.Subject, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

func (e *PublishError) Is(target error) bool {
	return target == ErrPublishExhausted
}

// TenantMismatchError reports that a caller addressed data outside its tenant.
// An empty Actual means no tenant was supplied at all.
type TenantMismatchError struct {
	Expected string
	Actual   string
}

func (e *TenantMismatchError) Error() string {
	if e.Expected == "" && e.Actual == "" {
		return "eventcore: tenant mismatch: tenant id is required"
	}
	if e.Actual == "" {
		return fmt.Sprintf("eventcore: tenant mismatch: expected %q, got no tenant", e.Expected)
	}
	return fmt.Sprintf("eventcore: tenant mismatch: expected %q, got %q", e.Expected, e.Actual)
}

func (e *TenantMismatchError) Is(target error) bool {
	return target == ErrTenantMismatch
}

// ConsumptionKind tells the consumption boundary what to do with a failed message.
type ConsumptionKind int

const (
	KindRetryable ConsumptionKind = iota
	KindPoison
)

func (k ConsumptionKind) String() string {
	if k == KindPoison {
		return "poison"
	}
	return "retryable"
}

// ConsumptionError is returned by handlers to pick between redelivery and
// termination. Build it with Retryable or Poison.
type ConsumptionError struct {
	Kind ConsumptionKind
	Err  error
}

func (e *ConsumptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("eventcore: %s failure", e.Kind)
	}
	return fmt.Sprintf("eventcore: %s failure: %v", e.Kind, e.Err)
}

func (e *ConsumptionError) Unwrap() error {
	return e.Err
}

func (e *ConsumptionError) Is(target error) bool {
	switch target {
	case ErrRetryable:
		return e.Kind == KindRetryable
	case ErrPoison:
		return e.Kind == KindPoison
	}
	return false
}

// Retryable marks err as transient: the message is nacked and redelivered.
func Retryable(err error) error {
	return &ConsumptionError{Kind: KindRetryable, Err: err}
}

// Poison marks err as permanent: the message is terminated and never redelivered.
func Poison(err error) error {
	return &ConsumptionError{Kind: KindPoison, Err: err}
}

// Outcome is the final state of one message at the consumption boundary.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeRetry
	OutcomePoison
	OutcomeDuplicate
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeRetry:
		return "retry"
	case OutcomePoison:
		return "poison"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIgnored:
		return "ignored"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Classify maps a handler error to the outcome the boundary acts on.
// Anything not explicitly poison is retried.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeApplied
	}
	if sterrors.Is(err, ErrPoison) {
		return OutcomePoison
	}
	return OutcomeRetry
}
