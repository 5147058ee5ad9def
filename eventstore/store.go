package eventstore

import (
	"context"
	"iter"
	"time"
)

// ReadAllOptions narrows a global read.
type ReadAllOptions struct {
	// TenantID restricts the read to one tenant.
	TenantID string
	// AllTenants must be set explicitly to read across tenants. Without it
	// an empty TenantID fails with ErrTenantMismatch.
	AllTenants bool
	// To is an inclusive upper bound on the global sequence id. Zero means no bound.
	To int64
}

// EventStore is the append-only event log.
//
// Reads are lazy and paged: iteration can stop at any time by breaking out
// of the loop or cancelling ctx. An error ends the sequence.
type EventStore interface {
	// Append writes events to a stream in one transaction after checking the
	// expected version. It fails with ErrConcurrencyConflict when the check
	// or the unique index rejects the write, and nothing is written.
	Append(ctx context.Context, streamID, tenantID string, expected ExpectedVersion, events []EventData) (AppendResult, error)
	// ReadStream yields the stream in ascending sequence order starting at
	// fromSequence (inclusive). Zero reads from the beginning.
	ReadStream(ctx context.Context, streamID, tenantID string, fromSequence int64) iter.Seq2[PersistedEvent, error]
	// ReadAll yields events with a global sequence id strictly greater than from.
	ReadAll(ctx context.Context, from int64, opts ReadAllOptions) iter.Seq2[PersistedEvent, error]
	// CreateHeadToken points at the latest event, or the tail when the store is empty.
	CreateHeadToken(ctx context.Context) (TrackingToken, error)
	// CreateTailToken points before the first event.
	CreateTailToken(ctx context.Context) (TrackingToken, error)
	// CreateTokenAt points just before the first event stamped at or after
	// at, or at the head when no such event exists.
	CreateTokenAt(ctx context.Context, at time.Time) (TrackingToken, error)
}

// TokenStore persists tracking tokens per processor segment.
type TokenStore interface {
	// FetchToken reports found=false for a processor segment that never stored a token.
	FetchToken(ctx context.Context, processorName string, segment int) (TrackingToken, bool, error)
	// StoreToken inserts or replaces the token. Storing the current value is a no-op.
	StoreToken(ctx context.Context, token TrackingToken, processorName string, segment int) error
}

// IdempotencyGuard is the processed-events ledger consulted before applying
// an event and written after applying it.
type IdempotencyGuard interface {
	IsProcessed(ctx context.Context, processorName, eventID, tenantID string) (bool, error)
	// MarkProcessed is insert-or-ignore.
	MarkProcessed(ctx context.Context, processorName, eventID, tenantID string) error
}
