package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/eventcore/eventstore"
	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
)

const deadLetterColumns = `id, subject, tenant_id, event_id, event_type, stream_id, sequence_number, global_sequence_id,
payload, metadata, timestamp_utc, error, reason, attempts, failed_at`

// ErrDeadLetterNotFound is returned by Get and Replay for unknown ids.
var ErrDeadLetterNotFound = errors.New("eventcore: dead letter not found")

// DeadLetterTable is a durable eventstore.DeadLetterSink. Unlike the event
// table its rows are removed once replayed.
type DeadLetterTable struct {
	store *Store
}

var _ eventstore.DeadLetterSink = (*DeadLetterTable)(nil)

// DeadLetters returns the dead-letter table sharing the store's database.
func (s *Store) DeadLetters() *DeadLetterTable {
	return &DeadLetterTable{store: s}
}

// DeadLetterFilter pages through the table. Empty fields match everything.
type DeadLetterFilter struct {
	TenantID string
	Reason   eventstore.DeadLetterReason
	AfterID  int64
	Limit    int
}

// DeadLetter implements eventstore.DeadLetterSink.
func (d *DeadLetterTable) DeadLetter(ctx context.Context, letter eventstore.DeadLetter) error {
	_, err := d.Insert(ctx, letter)
	return err
}

// Insert stores letter and returns its id.
func (d *DeadLetterTable) Insert(ctx context.Context, letter eventstore.DeadLetter) (int64, error) {
	s := d.store
	ctx, cancel := s.bounded(ctx, s.opts.appendTimeout)
	defer cancel()

	if letter.FailedAt.IsZero() {
		letter.FailedAt = s.opts.now()
	}
	evt := letter.Event
	var id int64
	err := s.db.QueryRowContext(ctx, s.q.insertDeadLetter,
		letter.Subject,
		letter.TenantID,
		evt.EventID,
		evt.EventType,
		evt.StreamID,
		evt.SequenceNumber,
		evt.GlobalSequenceID,
		evt.Payload,
		evt.Metadata,
		encodeTime(evt.TimestampUTC),
		letter.Error,
		string(letter.Reason),
		letter.Attempts,
		encodeTime(letter.FailedAt),
	).Scan(&id)
	if err != nil {
		return 0, errspkg.Storage("insert dead letter", err)
	}
	return id, nil
}

// List returns dead letters in insertion order.
func (d *DeadLetterTable) List(ctx context.Context, filter DeadLetterFilter) ([]eventstore.DeadLetter, error) {
	s := d.store
	ctx, cancel := s.bounded(ctx, s.opts.readTimeout)
	defer cancel()

	limit := filter.Limit
	if limit <= 0 {
		limit = s.opts.batchSize
	}
	reason := string(filter.Reason)
	rows, err := s.db.QueryContext(ctx, s.q.listDeadLetters,
		filter.AfterID, filter.TenantID, filter.TenantID, reason, reason, limit)
	if err != nil {
		return nil, errspkg.Storage("list dead letters", err)
	}
	defer rows.Close()

	var letters []eventstore.DeadLetter
	for rows.Next() {
		letter, err := scanDeadLetter(rows)
		if err != nil {
			return nil, errspkg.Storage("list dead letters", err)
		}
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, errspkg.Storage("list dead letters", err)
	}
	return letters, nil
}

// Get loads one dead letter.
func (d *DeadLetterTable) Get(ctx context.Context, id int64) (eventstore.DeadLetter, error) {
	s := d.store
	ctx, cancel := s.bounded(ctx, s.opts.readTimeout)
	defer cancel()

	letter, err := scanDeadLetter(s.db.QueryRowContext(ctx, s.q.getDeadLetter, id))
	if errors.Is(err, sql.ErrNoRows) {
		return eventstore.DeadLetter{}, fmt.Errorf("%w: %d", ErrDeadLetterNotFound, id)
	}
	if err != nil {
		return eventstore.DeadLetter{}, errspkg.Storage("get dead letter", err)
	}
	return letter, nil
}

// Count returns the number of dead letters, optionally for one tenant.
func (d *DeadLetterTable) Count(ctx context.Context, tenantID string) (int64, error) {
	s := d.store
	ctx, cancel := s.bounded(ctx, s.opts.readTimeout)
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx, s.q.countDeadLetters, tenantID, tenantID).Scan(&n); err != nil {
		return 0, errspkg.Storage("count dead letters", err)
	}
	return n, nil
}

// Replay hands the dead letter to fn and deletes it when fn succeeds.
func (d *DeadLetterTable) Replay(ctx context.Context, id int64, fn func(context.Context, eventstore.DeadLetter) error) error {
	letter, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(ctx, letter); err != nil {
		return fmt.Errorf("replay dead letter %d: %w", id, err)
	}

	s := d.store
	ctx, cancel := s.bounded(ctx, s.opts.appendTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, s.q.deleteDeadLetter, id); err != nil {
		return errspkg.Storage("delete dead letter", err)
	}
	return nil
}

func scanDeadLetter(row rowScanner) (eventstore.DeadLetter, error) {
	var (
		letter   eventstore.DeadLetter
		reason   string
		evtNano  int64
		failNano int64
	)
	err := row.Scan(
		&letter.ID,
		&letter.Subject,
		&letter.TenantID,
		&letter.Event.EventID,
		&letter.Event.EventType,
		&letter.Event.StreamID,
		&letter.Event.SequenceNumber,
		&letter.Event.GlobalSequenceID,
		&letter.Event.Payload,
		&letter.Event.Metadata,
		&evtNano,
		&letter.Error,
		&reason,
		&letter.Attempts,
		&failNano,
	)
	if err != nil {
		return eventstore.DeadLetter{}, err
	}
	letter.Reason = eventstore.DeadLetterReason(reason)
	letter.Event.TenantID = letter.TenantID
	letter.Event.TimestampUTC = time.Unix(0, evtNano).UTC()
	letter.FailedAt = time.Unix(0, failNano).UTC()
	return letter, nil
}
