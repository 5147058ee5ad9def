package sqlstore

import (
	"context"
	"database/sql"
)

// Tables names the four tables used by a Store.
type Tables struct {
	Events      string
	Tokens      string
	Processed   string
	DeadLetters string
}

// DefaultTables returns the standard table names.
func DefaultTables() Tables {
	return Tables{
		Events:      "domain_events",
		Tokens:      "tracking_tokens",
		Processed:   "processed_events",
		DeadLetters: "dead_letters",
	}
}

func (t Tables) withDefaults() Tables {
	def := DefaultTables()
	if t.Events == "" {
		t.Events = def.Events
	}
	if t.Tokens == "" {
		t.Tokens = def.Tokens
	}
	if t.Processed == "" {
		t.Processed = def.Processed
	}
	if t.DeadLetters == "" {
		t.DeadLetters = def.DeadLetters
	}
	return t
}

// StreamIndex is the unique index on (tenant_id, stream_id, sequence_number).
// Dialects use the name to tell stream conflicts apart from other
// constraint violations.
func (t Tables) StreamIndex() string {
	return t.Events + "_stream_seq_uidx"
}

// Dialect captures what differs between SQL backends. Queries are written
// with ? placeholders and passed through Rebind.
type Dialect interface {
	Name() string
	Rebind(query string) string
	// Schema returns idempotent DDL statements, executed in order.
	Schema(t Tables) []string
	// LockAppend runs inside the append transaction before the version
	// check. Backends that allow concurrent writers serialise appends here so
	// commit order matches global sequence order.
	LockAppend(ctx context.Context, tx *sql.Tx, t Tables) error
	// IsStreamConflict reports whether err is a violation of StreamIndex.
	IsStreamConflict(err error, t Tables) bool
}
