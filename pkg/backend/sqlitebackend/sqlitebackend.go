// Package sqlitebackend is a reference backend implementation standing in
// for an embedded analytic engine, built on mattn/go-sqlite3. Its config
// and DSN-building style is adapted from the teacher's SQLite storage
// package: single-writer pool sizing, WAL journal mode, and a configurable
// busy timeout.
package sqlitebackend

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/ha1tch/pgfrontend/pkg/backend"
	"github.com/ha1tch/pgfrontend/pkg/types"
)

// Config holds SQLite-specific tuning options.
type Config struct {
	// Path to the database file. Use ":memory:" for an in-memory database.
	Path string

	JournalMode string // WAL, DELETE, TRUNCATE, PERSIST, MEMORY, OFF
	Synchronous string // OFF, NORMAL, FULL, EXTRA
	CacheSize   int    // number of pages; negative = KB
	BusyTimeout int    // milliseconds
}

// DefaultConfig returns sensible defaults favoring a single writer.
func DefaultConfig() Config {
	return Config{
		Path:        ":memory:",
		JournalMode: "WAL",
		Synchronous: "NORMAL",
		CacheSize:   -2000,
		BusyTimeout: 5000,
	}
}

// Backend is a backend.Connection over a single *sql.DB.
type Backend struct {
	db *sql.DB
}

// New opens the SQLite database described by cfg.
func New(cfg Config) (*Backend, error) {
	dsn := cfg.Path
	var opts []string
	if cfg.CacheSize != 0 {
		opts = append(opts, fmt.Sprintf("_cache_size=%d", cfg.CacheSize))
	}
	if cfg.BusyTimeout > 0 {
		opts = append(opts, fmt.Sprintf("_busy_timeout=%d", cfg.BusyTimeout))
	}
	if cfg.JournalMode != "" {
		opts = append(opts, fmt.Sprintf("_journal_mode=%s", cfg.JournalMode))
	}
	if cfg.Synchronous != "" {
		opts = append(opts, fmt.Sprintf("_synchronous=%s", cfg.Synchronous))
	}
	opts = append(opts, "_foreign_keys=ON")
	if len(opts) > 0 {
		dsn = dsn + "?" + strings.Join(opts, "&")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// SQLite favors a single writer: the pool is capped at one connection and
	// CreateSession hands it to one Session at a time, so a second concurrent
	// CreateSession waits until the first Session is closed.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}
	return &Backend{db: db}, nil
}

// Parameters implements backend.Connection.
func (b *Backend) Parameters() map[string]string {
	return map[string]string{
		"server_version":  "15.0 (pgfrontend/sqlite)",
		"client_encoding": "UTF8",
		"DateStyle":       "ISO, MDY",
		"TimeZone":        "UTC",
	}
}

// CreateSession implements backend.Connection.
func (b *Backend) CreateSession(ctx context.Context) (backend.Session, error) {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring sqlite connection: %w", err)
	}
	return &session{conn: conn}, nil
}

// CloseSession implements backend.Connection.
func (b *Backend) CloseSession(s backend.Session) error {
	return s.Close()
}

// Close shuts down the underlying database.
func (b *Backend) Close() error {
	return b.db.Close()
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// translatePlaceholders rewrites $1..$N to SQLite's positional "?".
func translatePlaceholders(sql string) string {
	return placeholderRe.ReplaceAllString(sql, "?")
}

type session struct {
	mu     sync.Mutex
	conn   *sql.Conn
	tx     *sql.Tx
	depth  int // not read or updated; transaction state is tracked by tx
	closed bool
}

// ExecuteSQL implements backend.Session.
func (s *session) ExecuteSQL(ctx context.Context, sqlText string, params []interface{}) (backend.QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trimmed := strings.TrimSpace(sqlText)
	upper := strings.ToUpper(trimmed)

	switch {
	case strings.HasPrefix(upper, "BEGIN"):
		if s.tx != nil {
			return backend.NewStatusResult("BEGIN"), nil
		}
		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin: %w", err)
		}
		s.tx = tx
		return backend.NewStatusResult("BEGIN"), nil

	case strings.HasPrefix(upper, "COMMIT"):
		if s.tx == nil {
			return backend.NewStatusResult("COMMIT"), nil
		}
		err := s.tx.Commit()
		s.tx = nil
		if err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return backend.NewStatusResult("COMMIT"), nil

	case strings.HasPrefix(upper, "ROLLBACK"):
		if s.tx == nil {
			return backend.NewStatusResult("ROLLBACK"), nil
		}
		err := s.tx.Rollback()
		s.tx = nil
		if err != nil {
			return nil, fmt.Errorf("rollback: %w", err)
		}
		return backend.NewStatusResult("ROLLBACK"), nil
	}

	translated := translatePlaceholders(sqlText)

	var execer interface {
		QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
		ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	}
	if s.tx != nil {
		execer = s.tx
	} else {
		execer = s.conn
	}

	if strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "PRAGMA") || strings.HasPrefix(upper, "WITH") {
		rows, err := execer.QueryContext(ctx, translated, params...)
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		return newRowsResult(rows)
	}

	res, err := execer.ExecContext(ctx, translated, params...)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	n, _ := res.RowsAffected()
	tag := commandTag(upper, n)
	return backend.NewStatusResult(tag), nil
}

func commandTag(upperSQL string, n int64) string {
	switch {
	case strings.HasPrefix(upperSQL, "INSERT"):
		return fmt.Sprintf("INSERT 0 %d", n)
	case strings.HasPrefix(upperSQL, "UPDATE"):
		return fmt.Sprintf("UPDATE %d", n)
	case strings.HasPrefix(upperSQL, "DELETE"):
		return fmt.Sprintf("DELETE %d", n)
	case strings.HasPrefix(upperSQL, "CREATE"):
		return "CREATE TABLE"
	case strings.HasPrefix(upperSQL, "DROP"):
		return "DROP TABLE"
	default:
		return "OK"
	}
}

// InTransaction implements backend.Session.
func (s *session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil
}

// Close implements backend.Session.
// Close implements backend.Session. Idempotent: a session may be closed once
// via CancelRequest routing and again via ordinary connection teardown.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
	}
	return s.conn.Close()
}

// identifierRe matches a bare SQLite identifier: letters, digits, and
// underscores, not starting with a digit. Table and column names passed to
// LoadRows come from a client-controlled extension payload and are
// interpolated directly into SQL text, so anything outside this set is
// rejected rather than quoted or escaped.
var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateIdentifier(name string) error {
	if !identifierRe.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// LoadRows implements backend.TableLoader for bulk inserts used by the
// bulk_load extension.
func (s *session) LoadRows(ctx context.Context, table string, columns []string, rows [][]interface{}) (int, error) {
	if err := validateIdentifier(table); err != nil {
		return 0, err
	}
	for _, col := range columns {
		if err := validateIdentifier(col); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = "?"
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))

	var execer interface {
		ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	}
	if s.tx != nil {
		execer = s.tx
	} else {
		execer = s.conn
	}

	n := 0
	for _, row := range rows {
		if _, err := execer.ExecContext(ctx, stmt, row...); err != nil {
			return n, fmt.Errorf("loading row %d into %s: %w", n, table, err)
		}
		n++
	}
	return n, nil
}

// rowsResult adapts *sql.Rows to backend.QueryResult, mapping SQLite's
// dynamic column types onto abstract types and materializing rows since
// database/sql does not let us hold a cursor across the protocol handler's
// describe-then-execute flow.
type rowsResult struct {
	cols []backend.Column
	rows [][]interface{}
	pos  int
}

func newRowsResult(rows *sql.Rows) (*rowsResult, error) {
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	cols := make([]backend.Column, len(colTypes))
	for i, ct := range colTypes {
		cols[i] = backend.Column{Name: ct.Name(), Type: sqliteTypeToAbstract(ct.DatabaseTypeName())}
	}

	var result [][]interface{}
	for rows.Next() {
		raw := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		for i, v := range raw {
			raw[i] = normalizeValue(cols[i].Type, v)
		}
		result = append(result, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &rowsResult{cols: cols, rows: result, pos: -1}, nil
}

func sqliteTypeToAbstract(dbType string) types.Type {
	switch strings.ToUpper(dbType) {
	case "INTEGER", "INT":
		return types.BIGINT
	case "REAL", "DOUBLE", "FLOAT":
		return types.FLOAT
	case "BOOLEAN", "BOOL":
		return types.BOOL
	case "BLOB":
		return types.BYTES
	case "NUMERIC", "DECIMAL":
		return types.DECIMAL
	case "DATE":
		return types.DATE
	case "DATETIME", "TIMESTAMP":
		return types.TIMESTAMP
	case "TEXT", "VARCHAR", "CHAR", "":
		return types.TEXT
	default:
		return types.UNKNOWN
	}
}

func normalizeValue(t types.Type, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch t {
	case types.DECIMAL:
		switch n := v.(type) {
		case []byte:
			d, err := decimal.NewFromString(string(n))
			if err == nil {
				return d
			}
		case string:
			d, err := decimal.NewFromString(n)
			if err == nil {
				return d
			}
		case int64:
			return decimal.NewFromInt(n)
		}
	case types.BIGINT:
		if b, ok := v.([]byte); ok {
			if n, err := strconv.ParseInt(string(b), 10, 64); err == nil {
				return n
			}
		}
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func (r *rowsResult) HasResults() bool          { return true }
func (r *rowsResult) Columns() []backend.Column { return r.cols }

func (r *rowsResult) Next() bool {
	r.pos++
	return r.pos < len(r.rows)
}

func (r *rowsResult) Row() []interface{} {
	if r.pos < 0 || r.pos >= len(r.rows) {
		return nil
	}
	return r.rows[r.pos]
}

func (r *rowsResult) Err() error { return nil }
func (r *rowsResult) Tag() string {
	return fmt.Sprintf("SELECT %d", len(r.rows))
}
