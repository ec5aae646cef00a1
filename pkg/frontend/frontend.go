// Package frontend drives the PostgreSQL wire protocol (v3) state machine
// for one client connection: startup negotiation, authentication, and the
// simple and extended query protocols. It is built directly on
// jackc/pgx/v5/pgproto3 for message framing, the same library the wider
// example corpus uses on the server side of this protocol.
package frontend

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/ha1tch/pgfrontend/pkg/backend"
	pgerrors "github.com/ha1tch/pgfrontend/pkg/errors"
	"github.com/ha1tch/pgfrontend/pkg/extension"
	"github.com/ha1tch/pgfrontend/pkg/log"
	"github.com/ha1tch/pgfrontend/pkg/metrics"
	"github.com/ha1tch/pgfrontend/pkg/session"
	"github.com/ha1tch/pgfrontend/pkg/types"
)

const protocolVersion3 = 196608 // 3 << 16 | 0

// Authenticator decides how a connecting user should be challenged.
type Authenticator interface {
	// RequirePassword reports whether user must authenticate with a
	// password, and if so, the expected cleartext password to check an
	// MD5 challenge response against.
	RequirePassword(user string) (password string, required bool)
}

// TrustAll is an Authenticator that never challenges a client, matching the
// original implementation's unauthenticated default.
type TrustAll struct{}

func (TrustAll) RequirePassword(string) (string, bool) { return "", false }

// Registry tracks live sessions for CancelRequest routing, implemented by
// pkg/server so a cancel arriving on a fresh connection can reach the
// session it targets.
type Registry interface {
	Register(ctx *session.Context)
	Unregister(processID uint32)
	Cancel(processID, secretKey uint32)
}

// RewriterFactory builds a fresh per-session rewriter (relation bindings
// are frequently session-scoped, e.g. capturing a temp-table name).
type RewriterFactory func() session.Rewriter

// Handler drives one client connection end to end.
type Handler struct {
	conn        net.Conn
	pg          *pgproto3.Backend
	backendConn backend.Connection
	newRw       RewriterFactory
	auth        Authenticator
	registry    Registry
	extensions  *extension.Registry
	logger      *log.Logger
}

// New constructs a Handler for an already-accepted connection. extensions
// may be nil, in which case every simple-query payload is treated as SQL.
func New(conn net.Conn, be backend.Connection, newRw RewriterFactory, auth Authenticator, registry Registry, extensions *extension.Registry, logger *log.Logger) *Handler {
	return &Handler{
		conn:        conn,
		pg:          pgproto3.NewBackend(conn, conn),
		backendConn: be,
		newRw:       newRw,
		auth:        auth,
		registry:    registry,
		extensions:  extensions,
		logger:      logger,
	}
}

// Serve runs the connection to completion: startup, authentication, and the
// query-processing loop. Returns nil on a graceful Terminate or after routing
// a CancelRequest, non-nil on any other disconnect.
func (h *Handler) Serve(ctx context.Context) error {
	user, ok, err := h.negotiateStartup(ctx)
	if err != nil {
		return err
	}
	if !ok {
		// CancelRequest; nothing more to do.
		return nil
	}

	if err := h.authenticate(user); err != nil {
		h.sendError(err)
		h.pg.Flush()
		return err
	}

	backendSession, err := h.backendConn.CreateSession(ctx)
	if err != nil {
		return fmt.Errorf("creating backend session: %w", err)
	}

	var rw session.Rewriter
	if h.newRw != nil {
		rw = h.newRw()
	}

	sessCtx, err := session.New(backendSession, rw, h.logger.Wire())
	if err != nil {
		h.backendConn.CloseSession(backendSession)
		return fmt.Errorf("creating session context: %w", err)
	}
	h.registry.Register(sessCtx)
	defer func() {
		h.registry.Unregister(sessCtx.ProcessID)
		h.backendConn.CloseSession(backendSession)
	}()

	h.pg.Send(&pgproto3.AuthenticationOk{})
	for name, value := range h.backendConn.Parameters() {
		h.pg.Send(&pgproto3.ParameterStatus{Name: name, Value: value})
	}
	h.pg.Send(&pgproto3.BackendKeyData{ProcessID: sessCtx.ProcessID, SecretKey: sessCtx.SecretKey})
	h.sendReadyForQuery(sessCtx)
	if err := h.pg.Flush(); err != nil {
		return err
	}

	return h.messageLoop(ctx, sessCtx)
}

// negotiateStartup handles SSLRequest/GSSEncRequest rejection and
// CancelRequest routing until a real StartupMessage arrives. Returns
// ok == false when the connection has nothing further to do (cancel
// requests close immediately per protocol; the caller should just return).
func (h *Handler) negotiateStartup(ctx context.Context) (user string, ok bool, err error) {
	for {
		msg, err := h.pg.ReceiveStartupMessage()
		if err != nil {
			return "", false, fmt.Errorf("receiving startup message: %w", err)
		}

		switch m := msg.(type) {
		case *pgproto3.SSLRequest:
			if _, err := h.conn.Write([]byte("N")); err != nil {
				return "", false, err
			}
			continue

		case *pgproto3.GSSEncRequest:
			if _, err := h.conn.Write([]byte("N")); err != nil {
				return "", false, err
			}
			continue

		case *pgproto3.CancelRequest:
			h.registry.Cancel(m.ProcessID, m.SecretKey)
			return "", false, nil

		case *pgproto3.StartupMessage:
			if m.ProtocolVersion != protocolVersion3 {
				return "", false, pgerrors.New(pgerrors.ErrCodeUnsupportedProto, "unsupported protocol version").Err()
			}
			return m.Parameters["user"], true, nil

		default:
			return "", false, pgerrors.Newf(pgerrors.ErrCodeMalformedMessage, "unexpected startup message %T", msg).Err()
		}
	}
}

func (h *Handler) authenticate(user string) error {
	password, required := h.auth.RequirePassword(user)
	if !required {
		return nil
	}

	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return pgerrors.Wrap(err, pgerrors.ErrCodeAuthFailed, "generating md5 salt").Err()
	}
	h.pg.Send(&pgproto3.AuthenticationMD5Password{Salt: salt})
	if err := h.pg.Flush(); err != nil {
		return err
	}

	msg, err := h.pg.Receive()
	if err != nil {
		return fmt.Errorf("receiving password message: %w", err)
	}
	pwMsg, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return pgerrors.Newf(pgerrors.ErrCodeAuthFailed, "expected PasswordMessage, got %T", msg).Err()
	}

	if !session.VerifyPassword(user, password, salt, pwMsg.Password) {
		metrics.AuthFailures.WithLabelValues(user).Inc()
		return pgerrors.New(pgerrors.ErrCodeAuthFailed, "password authentication failed").
			WithField("user", user).Err()
	}
	return nil
}

func (h *Handler) messageLoop(ctx context.Context, sessCtx *session.Context) error {
	for {
		msg, err := h.pg.Receive()
		if err != nil {
			return fmt.Errorf("receiving message: %w", err)
		}

		switch m := msg.(type) {
		case *pgproto3.Query:
			h.handleSimpleQuery(ctx, sessCtx, m)

		case *pgproto3.Parse:
			h.handleParse(sessCtx, m)

		case *pgproto3.Bind:
			h.handleBind(sessCtx, m)

		case *pgproto3.Describe:
			h.handleDescribe(ctx, sessCtx, m)

		case *pgproto3.Execute:
			h.handleExecute(ctx, sessCtx, m)

		case *pgproto3.Close:
			h.handleClose(sessCtx, m)

		case *pgproto3.Sync:
			sessCtx.Sync()
			h.sendReadyForQuery(sessCtx)

		case *pgproto3.Flush:
			sessCtx.Flush()

		case *pgproto3.Terminate:
			h.pg.Flush()
			return nil

		default:
			h.sendError(pgerrors.Newf(pgerrors.ErrCodeMalformedMessage, "unhandled message type %T", msg).Err())
			sessCtx.MarkError()
			h.sendReadyForQuery(sessCtx)
		}

		if err := h.pg.Flush(); err != nil {
			return err
		}
	}
}

// leadingKeyword extracts the first SQL keyword, skipping any leading
// "--" line comments, used to special-case BEGIN when a transaction is
// already open.
func leadingKeyword(sql string) string {
	trimmed := skipLeadingComments(sql)
	end := strings.IndexAny(trimmed, " \t\n\r;")
	if end < 0 {
		end = len(trimmed)
	}
	return strings.ToUpper(trimmed[:end])
}

// skipLeadingComments trims leading whitespace and "--" line comments so
// keyword detection sees the first real token, e.g. "-- note\nBEGIN" is
// recognized as BEGIN rather than as an unrecognized comment token.
func skipLeadingComments(sql string) string {
	s := sql
	for {
		s = strings.TrimLeft(s, " \t\n\r")
		if !strings.HasPrefix(s, "--") {
			return s
		}
		if idx := strings.IndexByte(s, '\n'); idx >= 0 {
			s = s[idx+1:]
		} else {
			return ""
		}
	}
}

func (h *Handler) warnIfNestedBegin(sessCtx *session.Context, sql string) {
	kw := leadingKeyword(sql)
	if (kw == "BEGIN" || kw == "START") && sessCtx.InTransaction() {
		h.pg.Send(&pgproto3.NoticeResponse{
			Severity: "WARNING",
			Code:     "25001",
			Message:  "there is already a transaction in progress",
		})
	}
}

func (h *Handler) handleSimpleQuery(ctx context.Context, sessCtx *session.Context, msg *pgproto3.Query) {
	if h.extensions != nil {
		if method, params, ok := extension.Detect(msg.String); ok {
			h.dispatchExtension(ctx, sessCtx, method, params)
			return
		}
	}

	h.warnIfNestedBegin(sessCtx, msg.String)

	result, err := sessCtx.ExecuteSQL(ctx, msg.String, nil)
	if err != nil {
		metrics.QueriesExecuted.WithLabelValues("error").Inc()
		sessCtx.MarkError()
		h.sendError(err)
		h.sendReadyForQuery(sessCtx)
		return
	}
	metrics.QueriesExecuted.WithLabelValues("ok").Inc()

	if result.HasResults() {
		h.sendRowDescription(result.Columns(), nil)
		n := h.sendDataRows(result, nil, 0)
		h.pg.Send(&pgproto3.CommandComplete{CommandTag: []byte(fmt.Sprintf("SELECT %d", n))})
	} else {
		h.pg.Send(&pgproto3.CommandComplete{CommandTag: []byte(result.Tag())})
	}
	h.sendReadyForQuery(sessCtx)
}

// dispatchExtension runs an extension method in place of the normal
// rewrite-and-execute path, bypassing the rewriter entirely, and serializes
// the resulting QueryResult the same way a SQL query's result would be.
func (h *Handler) dispatchExtension(ctx context.Context, sessCtx *session.Context, method string, params json.RawMessage) {
	result, err := h.extensions.Dispatch(ctx, sessCtx, method, params)
	if err != nil {
		sessCtx.MarkError()
		h.sendError(err)
		h.sendReadyForQuery(sessCtx)
		return
	}

	if result.HasResults() {
		h.sendRowDescription(result.Columns(), nil)
		n := h.sendDataRows(result, nil, 0)
		h.pg.Send(&pgproto3.CommandComplete{CommandTag: []byte(fmt.Sprintf("SELECT %d", n))})
	} else {
		h.pg.Send(&pgproto3.CommandComplete{CommandTag: []byte(result.Tag())})
	}
	h.sendReadyForQuery(sessCtx)
}

func (h *Handler) handleParse(sessCtx *session.Context, msg *pgproto3.Parse) {
	sessCtx.AddStatement(msg.Name, &session.Statement{
		SQL:       msg.Query,
		ParamOIDs: append([]uint32(nil), msg.ParameterOIDs...),
		Unnamed:   msg.Name == "",
	})
	h.pg.Send(&pgproto3.ParseComplete{})
}

func (h *Handler) handleBind(sessCtx *session.Context, msg *pgproto3.Bind) {
	stmt, ok := sessCtx.Statement(msg.PreparedStatement)
	if !ok {
		h.sendError(pgerrors.New(pgerrors.ErrCodeStatementNotFound, "statement not found").
			WithField("name", msg.PreparedStatement).Err())
		return
	}

	params := make([]interface{}, len(msg.Parameters))
	for i, raw := range msg.Parameters {
		if raw == nil {
			params[i] = nil
			continue
		}
		format := parameterFormat(i, msg.ParameterFormatCodes)
		oidType := types.UNKNOWN
		if i < len(stmt.ParamOIDs) {
			oidType = types.FromOID(stmt.ParamOIDs[i])
		}
		if format == 1 {
			v, err := types.DecodeBinary(oidType, raw)
			if err != nil {
				h.sendError(pgerrors.Wrap(err, pgerrors.ErrCodeMalformedMessage, "decoding binary parameter").Err())
				return
			}
			params[i] = v
		} else {
			v, err := types.DecodeText(oidType, raw)
			if err != nil {
				h.sendError(pgerrors.Wrap(err, pgerrors.ErrCodeMalformedMessage, "decoding text parameter").Err())
				return
			}
			params[i] = v
		}
	}

	sessCtx.AddPortal(msg.DestinationPortal, &session.Portal{
		Statement:    msg.PreparedStatement,
		Params:       params,
		ResultFormat: append([]int16(nil), msg.ResultFormatCodes...),
	})
	h.pg.Send(&pgproto3.BindComplete{})
}

func (h *Handler) handleDescribe(ctx context.Context, sessCtx *session.Context, msg *pgproto3.Describe) {
	switch msg.ObjectType {
	case 'S':
		stmt, ok := sessCtx.Statement(msg.Name)
		if !ok {
			h.sendError(pgerrors.New(pgerrors.ErrCodeStatementNotFound, "statement not found").WithField("name", msg.Name).Err())
			return
		}
		h.pg.Send(&pgproto3.ParameterDescription{ParameterOIDs: stmt.ParamOIDs})

		result, err := sessCtx.DescribeStatement(ctx, msg.Name)
		if err != nil {
			h.sendError(err)
			return
		}
		if result.HasResults() {
			h.sendRowDescription(result.Columns(), nil)
		} else {
			h.pg.Send(&pgproto3.NoData{})
		}

	case 'P':
		result, err := sessCtx.DescribePortal(ctx, msg.Name)
		if err != nil {
			h.sendError(err)
			return
		}
		portal, _ := sessCtx.Portal(msg.Name)
		if result.HasResults() {
			h.sendRowDescription(result.Columns(), portal.ResultFormat)
		} else {
			h.pg.Send(&pgproto3.NoData{})
		}

	default:
		h.sendError(pgerrors.Newf(pgerrors.ErrCodeMalformedMessage, "unknown describe object type %q", msg.ObjectType).Err())
	}
}

func (h *Handler) handleExecute(ctx context.Context, sessCtx *session.Context, msg *pgproto3.Execute) {
	if sessCtx.HasError() {
		// An earlier error in this extended query cycle is latched until the
		// next Sync; every Execute until then produces no response bytes.
		return
	}

	portal, ok := sessCtx.Portal(msg.Portal)
	if ok {
		if stmt, ok := sessCtx.Statement(portal.Statement); ok {
			h.warnIfNestedBegin(sessCtx, stmt.SQL)
		}
	}

	result, err := sessCtx.ExecutePortal(ctx, msg.Portal)
	if err != nil {
		metrics.QueriesExecuted.WithLabelValues("error").Inc()
		sessCtx.MarkError()
		h.sendError(err)
		return
	}
	metrics.QueriesExecuted.WithLabelValues("ok").Inc()

	var resultFormat []int16
	if portal != nil {
		resultFormat = portal.ResultFormat
	}

	if result.HasResults() {
		n := h.sendDataRows(result, resultFormat, int(msg.MaxRows))
		h.pg.Send(&pgproto3.CommandComplete{CommandTag: []byte(fmt.Sprintf("SELECT %d", n))})
	} else {
		h.pg.Send(&pgproto3.CommandComplete{CommandTag: []byte(result.Tag())})
	}
}

func (h *Handler) handleClose(sessCtx *session.Context, msg *pgproto3.Close) {
	switch msg.ObjectType {
	case 'S':
		sessCtx.CloseStatement(msg.Name)
	case 'P':
		sessCtx.ClosePortal(msg.Name)
	}
	h.pg.Send(&pgproto3.CloseComplete{})
}

func (h *Handler) sendReadyForQuery(sessCtx *session.Context) {
	h.pg.Send(&pgproto3.ReadyForQuery{TxStatus: byte(sessCtx.TransactionStatus())})
}

func (h *Handler) sendError(err error) {
	msg := err.Error()
	code := "XX000"
	if pe, ok := err.(*pgerrors.Error); ok {
		code = pe.Code.String()
	}
	h.pg.Send(&pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     code,
		Message:  msg,
	})
}

func parameterFormat(index int, codes []int16) int16 {
	switch len(codes) {
	case 0:
		return 0
	case 1:
		return codes[0]
	default:
		if index < len(codes) {
			return codes[index]
		}
		return 0
	}
}

func resultFormatFor(index int, codes []int16) int16 {
	return parameterFormat(index, codes)
}

func (h *Handler) sendRowDescription(cols []backend.Column, resultFormat []int16) {
	fields := make([]pgproto3.FieldDescription, len(cols))
	for i, c := range cols {
		fields[i] = pgproto3.FieldDescription{
			Name:                 []byte(c.Name),
			TableOID:             0,
			TableAttributeNumber: 0,
			DataTypeOID:          types.OID(c.Type),
			DataTypeSize:         -1,
			TypeModifier:         -1,
			Format:               resultFormatFor(i, resultFormat),
		}
	}
	h.pg.Send(&pgproto3.RowDescription{Fields: fields})
}

// sendDataRows streams up to maxRows rows (0 = unlimited) and returns the
// number sent.
func (h *Handler) sendDataRows(result backend.QueryResult, resultFormat []int16, maxRows int) int {
	cols := result.Columns()
	n := 0
	for result.Next() {
		row := result.Row()
		values := make([][]byte, len(row))
		for i, v := range row {
			if v == nil {
				values[i] = nil
				continue
			}
			format := resultFormatFor(i, resultFormat)
			var encoded []byte
			var err error
			if format == 1 && types.HasBinary(cols[i].Type) {
				encoded, err = types.EncodeBinary(cols[i].Type, v)
			} else {
				encoded, err = types.EncodeText(cols[i].Type, v)
			}
			if err != nil {
				encoded = []byte(fmt.Sprintf("%v", v))
			}
			values[i] = encoded
		}
		h.pg.Send(&pgproto3.DataRow{Values: values})
		n++
		if maxRows > 0 && n >= maxRows {
			break
		}
	}
	return n
}
