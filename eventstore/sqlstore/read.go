package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"iter"
	"time"

	"github.com/drblury/eventcore/eventstore"
	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
)

// ReadStream implements eventstore.EventStore.
func (s *Store) ReadStream(ctx context.Context, streamID, tenantID string, fromSequence int64) iter.Seq2[eventstore.PersistedEvent, error] {
	return func(yield func(eventstore.PersistedEvent, error) bool) {
		if err := eventstore.RequireTenant(tenantID); err != nil {
			yield(eventstore.PersistedEvent{}, err)
			return
		}
		if streamID == "" {
			yield(eventstore.PersistedEvent{}, eventstore.ErrStreamRequired)
			return
		}

		next := max(fromSequence, 1)
		s.paginate(ctx, yield, func(ctx context.Context) ([]eventstore.PersistedEvent, error) {
			page, err := s.queryPage(ctx, "read stream", s.q.streamPage, tenantID, streamID, next, s.opts.batchSize)
			if len(page) > 0 {
				next = page[len(page)-1].SequenceNumber + 1
			}
			return page, err
		})
	}
}

// ReadAll implements eventstore.EventStore. Gaps in the global sequence left
// by rolled back transactions are skipped.
func (s *Store) ReadAll(ctx context.Context, from int64, opts eventstore.ReadAllOptions) iter.Seq2[eventstore.PersistedEvent, error] {
	return func(yield func(eventstore.PersistedEvent, error) bool) {
		if err := eventstore.RequireReadScope(opts); err != nil {
			yield(eventstore.PersistedEvent{}, err)
			return
		}

		variant := 0
		if !opts.AllTenants {
			variant |= 2
		}
		if opts.To > 0 {
			variant |= 1
		}
		query := s.q.allPages[variant]

		cursor := from
		s.paginate(ctx, yield, func(ctx context.Context) ([]eventstore.PersistedEvent, error) {
			args := []any{cursor}
			if opts.To > 0 {
				args = append(args, opts.To)
			}
			if !opts.AllTenants {
				args = append(args, opts.TenantID)
			}
			args = append(args, s.opts.batchSize)

			page, err := s.queryPage(ctx, "read all", query, args...)
			if len(page) > 0 {
				cursor = page[len(page)-1].GlobalSequenceID
			}
			return page, err
		})
	}
}

// paginate drives fetch until a short page, an error, cancellation or the
// consumer stops. Each page is fully read and its rows closed before any
// event is yielded, so callers may write to the same database inside the loop.
func (s *Store) paginate(ctx context.Context, yield func(eventstore.PersistedEvent, error) bool, fetch func(context.Context) ([]eventstore.PersistedEvent, error)) {
	for {
		if err := ctx.Err(); err != nil {
			yield(eventstore.PersistedEvent{}, err)
			return
		}
		page, err := fetch(ctx)
		if err != nil {
			yield(eventstore.PersistedEvent{}, err)
			return
		}
		for _, evt := range page {
			if !yield(evt, nil) {
				return
			}
		}
		if len(page) < s.opts.batchSize {
			return
		}
	}
}

func (s *Store) queryPage(ctx context.Context, op, query string, args ...any) ([]eventstore.PersistedEvent, error) {
	ctx, cancel := s.bounded(ctx, s.opts.readTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errspkg.Storage(op, err)
	}
	defer rows.Close()

	page := make([]eventstore.PersistedEvent, 0, s.opts.batchSize)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, errspkg.Storage(op, err)
		}
		page = append(page, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, errspkg.Storage(op, err)
	}
	return page, nil
}

// CreateHeadToken implements eventstore.EventStore.
func (s *Store) CreateHeadToken(ctx context.Context) (eventstore.TrackingToken, error) {
	ctx, cancel := s.bounded(ctx, s.opts.readTimeout)
	defer cancel()

	var head int64
	if err := s.db.QueryRowContext(ctx, s.q.head).Scan(&head); err != nil {
		return 0, errspkg.Storage("create head token", err)
	}
	return eventstore.TrackingToken(head), nil
}

// CreateTailToken implements eventstore.EventStore.
func (s *Store) CreateTailToken(context.Context) (eventstore.TrackingToken, error) {
	return eventstore.TailToken, nil
}

// CreateTokenAt implements eventstore.EventStore. "First" is in global order.
func (s *Store) CreateTokenAt(ctx context.Context, at time.Time) (eventstore.TrackingToken, error) {
	ctx, cancel := s.bounded(ctx, s.opts.readTimeout)
	defer cancel()

	var first sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q.firstAt, encodeTime(at)).Scan(&first)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, errspkg.Storage("create token at", err)
	}
	if !first.Valid {
		return s.CreateHeadToken(ctx)
	}
	return eventstore.TrackingToken(first.Int64 - 1), nil
}
