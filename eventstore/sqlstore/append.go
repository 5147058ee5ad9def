package sqlstore

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/eventcore/eventstore"
	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
	"github.com/drblury/eventcore/internal/runtime/logging"
)

// Append implements eventstore.EventStore.
func (s *Store) Append(ctx context.Context, streamID, tenantID string, expected eventstore.ExpectedVersion, events []eventstore.EventData) (eventstore.AppendResult, error) {
	prepared, err := eventstore.PrepareAppend(streamID, tenantID, events, s.opts.now())
	if err != nil {
		return eventstore.AppendResult{}, err
	}

	ctx, cancel := s.bounded(ctx, s.opts.appendTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "eventstore.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("eventcore.tenant_id", tenantID),
		attribute.String("eventcore.stream_id", streamID),
		attribute.String("eventcore.expected_version", expected.String()),
		attribute.Int("eventcore.event_count", len(prepared)),
	)

	started := time.Now()
	result, err := s.appendTx(ctx, streamID, tenantID, expected, prepared)
	s.opts.metrics.observeAppend(s.dialect.Name(), len(prepared), time.Since(started).Seconds(), err)

	fields := logging.LogFields{
		logging.FieldTenantID: tenantID,
		logging.FieldStreamID: streamID,
		"expected_version":    expected.String(),
	}
	switch {
	case err == nil:
		span.SetAttributes(attribute.Int64("eventcore.to_version", result.ToVersion()))
		fields["event_count"] = len(prepared)
		fields["to_version"] = result.ToVersion()
		s.opts.logger.Debug("Events appended", fields)
	case errors.Is(err, errConflict):
		span.SetStatus(codes.Error, "concurrency conflict")
		s.opts.logger.Debug("Append rejected by concurrency check", fields)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.opts.logger.Error("Append failed", err, fields)
	}
	return result, err
}

func (s *Store) appendTx(ctx context.Context, streamID, tenantID string, expected eventstore.ExpectedVersion, events []eventstore.EventData) (eventstore.AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eventstore.AppendResult{}, errspkg.Storage("begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.dialect.LockAppend(ctx, tx, s.opts.tables); err != nil {
		return eventstore.AppendResult{}, errspkg.Storage("lock append", err)
	}

	var current int64
	if err := tx.QueryRowContext(ctx, s.q.currentVersion, tenantID, streamID).Scan(&current); err != nil {
		return eventstore.AppendResult{}, errspkg.Storage("read stream version", err)
	}
	if !expected.Check(current) {
		return eventstore.AppendResult{}, &errspkg.ConcurrencyConflictError{
			StreamID: streamID,
			TenantID: tenantID,
			Expected: expected.Value(),
			Actual:   current,
		}
	}

	persisted := make([]eventstore.PersistedEvent, len(events))
	for i, evt := range events {
		seq := current + int64(i) + 1
		var globalID int64
		err := tx.QueryRowContext(ctx, s.q.insertEvent,
			evt.EventID,
			streamID,
			tenantID,
			seq,
			evt.EventType,
			evt.Payload,
			evt.Metadata,
			encodeTime(evt.Timestamp),
		).Scan(&globalID)
		if err != nil {
			if s.dialect.IsStreamConflict(err, s.opts.tables) {
				return eventstore.AppendResult{}, &errspkg.ConcurrencyConflictError{
					StreamID: streamID,
					TenantID: tenantID,
					Expected: expected.Value(),
					Actual:   -1,
				}
			}
			return eventstore.AppendResult{}, errspkg.Storage("insert event", err)
		}

		persisted[i] = eventstore.PersistedEvent{
			EventID:          evt.EventID,
			StreamID:         streamID,
			SequenceNumber:   seq,
			TenantID:         tenantID,
			GlobalSequenceID: globalID,
			EventType:        evt.EventType,
			Payload:          evt.Payload,
			Metadata:         evt.Metadata,
			TimestampUTC:     time.Unix(0, encodeTime(evt.Timestamp)).UTC(),
		}
	}

	if err := tx.Commit(); err != nil {
		if s.dialect.IsStreamConflict(err, s.opts.tables) {
			return eventstore.AppendResult{}, &errspkg.ConcurrencyConflictError{StreamID: streamID, TenantID: tenantID, Expected: expected.Value(), Actual: -1}
		}
		return eventstore.AppendResult{}, errspkg.Storage("commit append", err)
	}
	return eventstore.AppendResult{Events: persisted}, nil
}
