// Package postgres provides the PostgreSQL dialect and a ready-to-use store
// backed by github.com/lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/drblury/eventcore/eventstore/sqlstore"
)

// DriverName is the database/sql driver registered by lib/pq.
const DriverName = "postgres"

const uniqueViolation = "23505"

// Dialect implements sqlstore.Dialect for PostgreSQL.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

func (Dialect) Name() string { return "postgres" }

// Rebind rewrites ? placeholders into $1, $2, ...
func (Dialect) Rebind(query string) string {
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 8)
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// LockAppend takes a transaction-scoped advisory lock keyed on the events
// table. Appends therefore commit one at a time and a reader can never see
// global sequence N+1 before N.
func (Dialect) LockAppend(ctx context.Context, tx *sql.Tx, t sqlstore.Tables) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, AdvisoryKey(t.Events))
	return err
}

// AdvisoryKey derives the advisory lock id for an events table.
func AdvisoryKey(table string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("eventcore:" + table))
	return int64(h.Sum64())
}

func (Dialect) IsStreamConflict(err error, t sqlstore.Tables) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return string(pqErr.Code) == uniqueViolation && pqErr.Constraint == t.StreamIndex()
}

// IsUniqueViolation reports any unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

func (Dialect) Schema(t sqlstore.Tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	event_id TEXT PRIMARY KEY,
	global_sequence_id BIGSERIAL NOT NULL UNIQUE,
	stream_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	sequence_number BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	payload BYTEA,
	metadata BYTEA,
	timestamp_utc BIGINT NOT NULL
)`, t.Events),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (tenant_id, stream_id, sequence_number)`, t.StreamIndex(), t.Events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_timestamp_idx ON %[1]s (timestamp_utc)`, t.Events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_tenant_global_idx ON %[1]s (tenant_id, global_sequence_id)`, t.Events),
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %[1]s_immutable() RETURNS trigger LANGUAGE plpgsql AS $$
BEGIN
	RAISE EXCEPTION '%[1]s is append-only: %% forbidden', TG_OP;
END;
$$`, t.Events),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %[1]s_immutable ON %[1]s`, t.Events),
		fmt.Sprintf(`CREATE TRIGGER %[1]s_immutable BEFORE UPDATE OR DELETE ON %[1]s
FOR EACH ROW EXECUTE FUNCTION %[1]s_immutable()`, t.Events),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	processor_name TEXT NOT NULL,
	segment INTEGER NOT NULL,
	global_sequence BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (processor_name, segment)
)`, t.Tokens),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	projector_name TEXT NOT NULL,
	event_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	processed_at BIGINT NOT NULL,
	PRIMARY KEY (projector_name, event_id, tenant_id)
)`, t.Processed),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	subject TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	sequence_number BIGINT NOT NULL,
	global_sequence_id BIGINT NOT NULL,
	payload BYTEA,
	metadata BYTEA,
	timestamp_utc BIGINT NOT NULL,
	error TEXT NOT NULL,
	reason TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	failed_at BIGINT NOT NULL
)`, t.DeadLetters),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_tenant_idx ON %[1]s (tenant_id, id)`, t.DeadLetters),
	}
}

// Open connects to dsn, verifies the connection and migrates the schema.
func Open(ctx context.Context, dsn string, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := sqlstore.New(db, Dialect{}, opts...)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
