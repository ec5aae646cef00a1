// Package pgxbackend proxies SQL through to a real upstream PostgreSQL
// server via jackc/pgx/v5's connection pool, the same driver the teacher's
// deparse/parse stack is built around. Unlike sqlitebackend it holds no
// query engine of its own; each Session holds one pooled connection, acquired
// in CreateSession and released back to the pool when the Session is closed.
package pgxbackend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ha1tch/pgfrontend/pkg/backend"
	"github.com/ha1tch/pgfrontend/pkg/types"
)

// Config holds upstream connection settings.
type Config struct {
	// DSN is a libpq-style connection string or URL understood by pgxpool.
	DSN string

	MaxConns int32
	MinConns int32
}

// Backend is a backend.Connection over an upstream pgxpool.Pool.
type Backend struct {
	pool   *pgxpool.Pool
	params map[string]string
}

// New connects to the upstream server described by cfg.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to upstream: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging upstream: %w", err)
	}

	return &Backend{
		pool: pool,
		params: map[string]string{
			"server_version":  "15.0 (pgfrontend/pgx-proxy)",
			"client_encoding": "UTF8",
		},
	}, nil
}

// Parameters implements backend.Connection.
func (b *Backend) Parameters() map[string]string {
	return b.params
}

// CreateSession implements backend.Connection.
func (b *Backend) CreateSession(ctx context.Context) (backend.Session, error) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring upstream connection: %w", err)
	}
	return &session{conn: conn}, nil
}

// CloseSession implements backend.Connection.
func (b *Backend) CloseSession(s backend.Session) error {
	return s.Close()
}

// Close shuts down the pool.
func (b *Backend) Close() {
	b.pool.Close()
}

type session struct {
	mu     sync.Mutex
	conn   *pgxpool.Conn
	tx     pgx.Tx
	closed bool
}

// ExecuteSQL implements backend.Session. $N placeholders are passed through
// unmodified since pgx/PostgreSQL use that syntax natively.
func (s *session) ExecuteSQL(ctx context.Context, sqlText string, params []interface{}) (backend.QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	upper := strings.ToUpper(strings.TrimSpace(sqlText))

	switch {
	case strings.HasPrefix(upper, "BEGIN"):
		if s.tx != nil {
			return backend.NewStatusResult("BEGIN"), nil
		}
		tx, err := s.conn.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("begin: %w", err)
		}
		s.tx = tx
		return backend.NewStatusResult("BEGIN"), nil

	case strings.HasPrefix(upper, "COMMIT"):
		if s.tx == nil {
			return backend.NewStatusResult("COMMIT"), nil
		}
		err := s.tx.Commit(ctx)
		s.tx = nil
		if err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return backend.NewStatusResult("COMMIT"), nil

	case strings.HasPrefix(upper, "ROLLBACK"):
		if s.tx == nil {
			return backend.NewStatusResult("ROLLBACK"), nil
		}
		err := s.tx.Rollback(ctx)
		s.tx = nil
		if err != nil {
			return nil, fmt.Errorf("rollback: %w", err)
		}
		return backend.NewStatusResult("ROLLBACK"), nil
	}

	var querier interface {
		Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	}
	if s.tx != nil {
		querier = s.tx
	} else {
		querier = s.conn
	}

	rows, err := querier.Query(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return newRowsResult(rows)
}

// InTransaction implements backend.Session.
func (s *session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil
}

// Close implements backend.Session. Idempotent: a session may be closed
// once via CancelRequest routing and again via ordinary connection
// teardown, and the pooled connection must only be released once.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.tx != nil {
		s.tx.Rollback(context.Background())
		s.tx = nil
	}
	s.conn.Release()
	return nil
}

type rowsResult struct {
	rows pgx.Rows
	cols []backend.Column
	row  []interface{}
	err  error
	done bool
}

func newRowsResult(rows pgx.Rows) (*rowsResult, error) {
	fds := rows.FieldDescriptions()
	cols := make([]backend.Column, len(fds))
	for i, fd := range fds {
		cols[i] = backend.Column{Name: fd.Name, Type: types.FromOID(fd.DataTypeOID)}
	}
	return &rowsResult{rows: rows, cols: cols}, nil
}

func (r *rowsResult) HasResults() bool          { return true }
func (r *rowsResult) Columns() []backend.Column { return r.cols }

func (r *rowsResult) Next() bool {
	if r.done {
		return false
	}
	if !r.rows.Next() {
		r.done = true
		r.err = r.rows.Err()
		r.rows.Close()
		return false
	}
	vals, err := r.rows.Values()
	if err != nil {
		r.err = err
		r.done = true
		return false
	}
	r.row = vals
	return true
}

func (r *rowsResult) Row() []interface{} { return r.row }
func (r *rowsResult) Err() error         { return r.err }
func (r *rowsResult) Tag() string        { return r.rows.CommandTag().String() }
