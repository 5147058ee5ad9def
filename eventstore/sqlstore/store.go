// Package sqlstore implements the event store, the tracking token store, the
// idempotency ledger and the dead-letter table on database/sql. Backend
// differences are isolated behind Dialect; see the postgres and sqlite
// packages for ready-made stores.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/drblury/eventcore/eventstore"
	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
)

var (
	errConflict = errspkg.ErrConcurrencyConflict
	tracer      = otel.Tracer("github.com/drblury/eventcore/eventstore")
)

// Store is a SQL-backed event store. It also implements TokenStore and
// IdempotencyGuard on the same database.
type Store struct {
	db      *sql.DB
	dialect Dialect
	opts    options
	q       queries
}

var (
	_ eventstore.EventStore       = (*Store)(nil)
	_ eventstore.TokenStore       = (*Store)(nil)
	_ eventstore.IdempotencyGuard = (*Store)(nil)
)

// New wraps an open database. Call Migrate before first use.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	o := newOptions(opts)
	return &Store{
		db:      db,
		dialect: dialect,
		opts:    o,
		q:       buildQueries(dialect, o.tables),
	}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the backend dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Tables returns the resolved table names.
func (s *Store) Tables() Tables {
	return s.opts.tables
}

// Migrate creates the tables, indexes and immutability guards if missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema(s.opts.tables) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errspkg.Storage("migrate", fmt.Errorf("%s schema: %w", s.dialect.Name(), err))
		}
	}
	s.opts.logger.Debug("Event store schema ready", map[string]any{"dialect": s.dialect.Name(), "events_table": s.opts.tables.Events})
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) bounded(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (eventstore.PersistedEvent, error) {
	var (
		evt  eventstore.PersistedEvent
		nano int64
	)
	err := row.Scan(
		&evt.GlobalSequenceID,
		&evt.EventID,
		&evt.StreamID,
		&evt.TenantID,
		&evt.SequenceNumber,
		&evt.EventType,
		&evt.Payload,
		&evt.Metadata,
		&nano,
	)
	if err != nil {
		return eventstore.PersistedEvent{}, err
	}
	evt.TimestampUTC = time.Unix(0, nano).UTC()
	return evt, nil
}

// encodeTime stores zero times as 0 rather than an out of range nanosecond count.
func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}
