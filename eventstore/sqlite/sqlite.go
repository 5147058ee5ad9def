// Package sqlite provides the SQLite dialect and a ready-to-use store backed
// by github.com/mattn/go-sqlite3.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/drblury/eventcore/eventstore/sqlstore"
)

// DriverName is the database/sql driver registered by go-sqlite3.
const DriverName = "sqlite3"

// Dialect implements sqlstore.Dialect for SQLite.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) Rebind(query string) string { return query }

// LockAppend is a no-op: the DSN opens write transactions with BEGIN
// IMMEDIATE, which already serialises writers.
func (Dialect) LockAppend(context.Context, *sql.Tx, sqlstore.Tables) error { return nil }

func (Dialect) IsStreamConflict(err error, t sqlstore.Tables) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	if sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return false
	}
	return strings.Contains(sqliteErr.Error(), t.Events+".sequence_number")
}

func (Dialect) Schema(t sqlstore.Tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	global_sequence_id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	stream_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	payload BLOB,
	metadata BLOB,
	timestamp_utc INTEGER NOT NULL
)`, t.Events),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (tenant_id, stream_id, sequence_number)`, t.StreamIndex(), t.Events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_timestamp_idx ON %[1]s (timestamp_utc)`, t.Events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_tenant_global_idx ON %[1]s (tenant_id, global_sequence_id)`, t.Events),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_no_update
BEFORE UPDATE ON %[1]s
BEGIN
	SELECT RAISE(ABORT, '%[1]s is append-only: UPDATE forbidden');
END`, t.Events),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_no_delete
BEFORE DELETE ON %[1]s
BEGIN
	SELECT RAISE(ABORT, '%[1]s is append-only: DELETE forbidden');
END`, t.Events),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	processor_name TEXT NOT NULL,
	segment INTEGER NOT NULL,
	global_sequence INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (processor_name, segment)
)`, t.Tokens),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	projector_name TEXT NOT NULL,
	event_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	processed_at INTEGER NOT NULL,
	PRIMARY KEY (projector_name, event_id, tenant_id)
)`, t.Processed),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subject TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	global_sequence_id INTEGER NOT NULL,
	payload BLOB,
	metadata BLOB,
	timestamp_utc INTEGER NOT NULL,
	error TEXT NOT NULL,
	reason TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	failed_at INTEGER NOT NULL
)`, t.DeadLetters),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_tenant_idx ON %[1]s (tenant_id, id)`, t.DeadLetters),
	}
}

// DSN builds a go-sqlite3 connection string for path with WAL journaling,
// a busy timeout and immediate write transactions.
func DSN(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL&_foreign_keys=on", path)
}

// Open opens (creating if needed) the database at path and migrates it. The
// pool is limited to one connection so writers never contend for the file lock.
func Open(ctx context.Context, path string, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	db, err := sql.Open(DriverName, DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	store := sqlstore.New(db, Dialect{}, opts...)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
