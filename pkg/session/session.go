// Package session implements the per-connection context layer sitting
// between the wire protocol handler and a backend: tracking prepared
// statements and portals, routing SQL through the rewriter before
// execution, and deriving transaction status for ReadyForQuery. Its shape
// follows BVContext from the original implementation this system is
// modeled on, adapted to Go's explicit-error style.
package session

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"sync"

	"github.com/ha1tch/pgfrontend/pkg/backend"
	"github.com/ha1tch/pgfrontend/pkg/errors"
	"github.com/ha1tch/pgfrontend/pkg/log"
)

// Rewriter is the subset of pkg/rewriter's surface the session layer
// depends on, kept as an interface so sessions can be tested without a real
// parser.
type Rewriter interface {
	Rewrite(sql string) (string, error)
}

// Statement is a parsed, named SQL text registered by a Parse message.
type Statement struct {
	SQL         string
	ParamOIDs   []uint32
	ColumnOIDs  []uint32
	Unnamed     bool
}

// Portal binds a statement to a set of parameter values and output formats,
// registered by a Bind message.
type Portal struct {
	Statement    string
	Params       []interface{}
	ResultFormat []int16 // 0 = text, 1 = binary, per output column
}

// TransactionState mirrors the three values ReadyForQuery can report.
type TransactionState byte

const (
	TxIdle    TransactionState = 'I'
	TxInBlock TransactionState = 'T'
	TxFailed  TransactionState = 'E'
)

// Context is one client connection's session state: process/secret key for
// CancelRequest routing, the backend session executing SQL, and the
// prepared-statement/portal registries the extended query protocol needs.
type Context struct {
	mu sync.Mutex

	ProcessID uint32
	SecretKey uint32

	backendSession backend.Session
	rewriter       Rewriter
	logger         *log.CategoryLogger

	statements map[string]*Statement
	portals    map[string]*Portal
	cached     map[string]backend.QueryResult

	hasError bool
}

// New constructs a Context around an already-created backend session.
// rewriter may be nil, in which case SQL passes through unmodified.
func New(backendSession backend.Session, rewriter Rewriter, logger *log.CategoryLogger) (*Context, error) {
	pid, err := randomUint32()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "generating process id").Err()
	}
	secret, err := randomUint32()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "generating secret key").Err()
	}

	return &Context{
		ProcessID:      pid,
		SecretKey:      secret,
		backendSession: backendSession,
		rewriter:       rewriter,
		logger:         logger,
		statements:     make(map[string]*Statement),
		portals:        make(map[string]*Portal),
		cached:         make(map[string]backend.QueryResult),
	}, nil
}

func randomUint32() (uint32, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<32-1))
	if err != nil {
		return 0, err
	}
	return uint32(n.Int64()), nil
}

// ExecuteSQL rewrites sql (if a rewriter is configured) and runs it against
// the backend session.
func (c *Context) ExecuteSQL(ctx context.Context, sql string, params []interface{}) (backend.QueryResult, error) {
	if c.rewriter != nil {
		rewritten, err := c.rewriter.Rewrite(sql)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeRewriteParse, "rewriting sql").Err()
		}
		if c.logger != nil && rewritten != sql {
			c.logger.Debug("rewrote query", "original", sql, "rewritten", rewritten)
		}
		sql = rewritten
	}

	result, err := c.backendSession.ExecuteSQL(ctx, sql, params)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeBackendQuery, "executing sql").WithField("sql", sql).Err()
	}
	return result, nil
}

// AddStatement registers a named (or unnamed, name == "") prepared statement.
func (c *Context) AddStatement(name string, stmt *Statement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statements[name] = stmt
}

// Statement looks up a previously registered statement.
func (c *Context) Statement(name string) (*Statement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statements[name]
	return s, ok
}

// CloseStatement removes a statement registration. Idempotent.
func (c *Context) CloseStatement(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.statements, name)
}

// AddPortal registers a named (or unnamed) portal bound to stmt.
func (c *Context) AddPortal(name string, portal *Portal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.portals[name] = portal
}

// Portal looks up a previously registered portal.
func (c *Context) Portal(name string) (*Portal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.portals[name]
	return p, ok
}

// ClosePortal removes a portal registration and any cached describe result.
// Idempotent.
func (c *Context) ClosePortal(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.portals, name)
	delete(c.cached, name)
}

// DescribeStatement executes a statement's SQL purely to obtain row
// metadata, mirroring the original implementation's describe_statement.
func (c *Context) DescribeStatement(ctx context.Context, name string) (backend.QueryResult, error) {
	stmt, ok := c.Statement(name)
	if !ok {
		return nil, errors.New(errors.ErrCodeStatementNotFound, "statement not found").WithField("name", name).Err()
	}
	return c.ExecuteSQL(ctx, stmt.SQL, nil)
}

// DescribePortal executes a portal's bound statement and caches the result
// so a subsequent Execute against the same portal reuses it rather than
// running the query twice.
func (c *Context) DescribePortal(ctx context.Context, name string) (backend.QueryResult, error) {
	portal, ok := c.Portal(name)
	if !ok {
		return nil, errors.New(errors.ErrCodePortalNotFound, "portal not found").WithField("name", name).Err()
	}
	stmt, ok := c.Statement(portal.Statement)
	if !ok {
		return nil, errors.New(errors.ErrCodeStatementNotFound, "statement not found").WithField("name", portal.Statement).Err()
	}

	result, err := c.ExecuteSQL(ctx, stmt.SQL, portal.Params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cached[name] = result
	c.mu.Unlock()
	return result, nil
}

// ExecutePortal runs a portal's query, reusing a cached result from a prior
// DescribePortal call if one is pending.
func (c *Context) ExecutePortal(ctx context.Context, name string) (backend.QueryResult, error) {
	c.mu.Lock()
	if cached, ok := c.cached[name]; ok {
		delete(c.cached, name)
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	portal, ok := c.Portal(name)
	if !ok {
		return nil, errors.New(errors.ErrCodePortalNotFound, "portal not found").WithField("name", name).Err()
	}
	stmt, ok := c.Statement(portal.Statement)
	if !ok {
		return nil, errors.New(errors.ErrCodeStatementNotFound, "statement not found").WithField("name", portal.Statement).Err()
	}
	return c.ExecuteSQL(ctx, stmt.SQL, portal.Params)
}

// InTransaction reports the backend session's current transaction state.
func (c *Context) InTransaction() bool {
	return c.backendSession.InTransaction()
}

// BackendSession exposes the underlying backend session for extensions
// that need a capability beyond ExecuteSQL (e.g. bulk loading via
// backend.TableLoader). The caller must not retain it beyond the call.
func (c *Context) BackendSession() backend.Session {
	return c.backendSession
}

// MarkError latches the in-error flag; cleared on the next Sync.
func (c *Context) MarkError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasError = true
}

// HasError reports whether an error is latched for the current extended
// query cycle. Callers skip further Execute messages until the next Sync.
func (c *Context) HasError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasError
}

// TransactionStatus derives the byte ReadyForQuery reports.
func (c *Context) TransactionStatus() TransactionState {
	c.mu.Lock()
	failed := c.hasError
	c.mu.Unlock()

	if c.InTransaction() {
		if failed {
			return TxFailed
		}
		return TxInBlock
	}
	return TxIdle
}

// Sync clears the in-error latch, per the extended query protocol's Sync
// semantics: errors are scoped to the current implicit transaction block.
func (c *Context) Sync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasError = false
}

// Flush is a no-op placeholder matching the wire protocol's Flush message,
// which carries no state transition of its own in this implementation.
func (c *Context) Flush() {}

// Close releases the backend session.
func (c *Context) Close() error {
	return c.backendSession.Close()
}

// HashPassword computes PostgreSQL's MD5 authentication response:
// "md5" + md5hex(md5hex(password+user) + salt).
func HashPassword(user, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum([]byte(innerHex + string(salt[:])))
	return "md5" + hex.EncodeToString(outer[:])
}

// VerifyPassword reports whether the client's PasswordMessage response
// matches the expected hash for user/password given the salt sent in
// AuthenticationMD5Password.
func VerifyPassword(user, password string, salt [4]byte, response string) bool {
	return HashPassword(user, password, salt) == response
}
