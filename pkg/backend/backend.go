// Package backend defines the contract the protocol handler and session
// layer consume to run SQL against a pluggable query engine. Concrete
// backends (sqlitebackend, pgxbackend, pqbackend) are reference
// implementations that satisfy this contract, not part of the contract
// itself.
package backend

import (
	"context"

	"github.com/ha1tch/pgfrontend/pkg/types"
)

// Connection is a process-wide factory for Sessions. It surfaces
// connection-level parameters (server_version, client_encoding, etc.) that
// are echoed to clients via ParameterStatus on startup.
type Connection interface {
	// Parameters returns the startup parameters surfaced to clients. Must
	// include at minimum "server_version" and "client_encoding".
	Parameters() map[string]string

	// CreateSession constructs a fresh, isolated session. May involve
	// connection-pool acquisition.
	CreateSession(ctx context.Context) (Session, error)

	// CloseSession releases a session. Idempotent.
	CloseSession(s Session) error
}

// Session executes SQL against the backend. Backends need not be
// thread-safe per-session; the core guarantees at most one in-flight
// ExecuteSQL call per session.
type Session interface {
	// ExecuteSQL runs sql, optionally with positional parameters ($1..$N
	// placeholders translated by the backend adapter, not the core). May
	// block on backend I/O.
	ExecuteSQL(ctx context.Context, sql string, params []interface{}) (QueryResult, error)

	// InTransaction reports whether the session currently holds an open
	// transaction. Sampled after every execute to update transaction_status.
	InTransaction() bool

	// Close releases any backend-side resources held by the session (e.g.
	// a pooled connection, an open cursor). Called when the Context that
	// owns this session is destroyed, or when a CancelRequest targets it.
	Close() error
}

// Column describes one output column of a QueryResult.
type Column struct {
	Name string
	Type types.Type
}

// QueryResult is the outcome of one ExecuteSQL call.
type QueryResult interface {
	// HasResults reports whether this result carries a row set (true for
	// SELECT-like statements) as opposed to a bare status tag.
	HasResults() bool

	// Columns returns column metadata; valid when HasResults() is true.
	Columns() []Column

	// Next advances to the next row, returning false when exhausted or on
	// error (check Err() after Next returns false).
	Next() bool

	// Row returns the current row's values, one per column; a nil entry
	// represents SQL NULL.
	Row() []interface{}

	// Err returns the first error encountered while iterating, if any.
	Err() error

	// Tag returns the trailing status string (e.g. "SELECT 3", "INSERT 0
	// 1", "BEGIN").
	Tag() string
}

// TableLoader is an optional capability a backend may implement to expose
// bulk tabular loading, supplementing the core Connection/Session contract.
// Used by the bulk_load extension.
type TableLoader interface {
	// LoadRows bulk-inserts rows (each a positional value list matching
	// columns) into table and returns the number of rows inserted. The table
	// must already exist; it is not created.
	LoadRows(ctx context.Context, table string, columns []string, rows [][]interface{}) (int, error)
}
