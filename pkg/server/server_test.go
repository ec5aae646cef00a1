package server

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/ha1tch/pgfrontend/pkg/backend"
	"github.com/ha1tch/pgfrontend/pkg/frontend"
	"github.com/ha1tch/pgfrontend/pkg/log"
	"github.com/ha1tch/pgfrontend/pkg/session"
)

type fakeResult struct {
	cols []backend.Column
	rows [][]interface{}
	pos  int
	tag  string
}

func (r *fakeResult) HasResults() bool          { return r.cols != nil }
func (r *fakeResult) Columns() []backend.Column { return r.cols }
func (r *fakeResult) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}
func (r *fakeResult) Row() []interface{} { return r.rows[r.pos-1] }
func (r *fakeResult) Err() error         { return nil }
func (r *fakeResult) Tag() string        { return r.tag }

type fakeSession struct{}

func (fakeSession) ExecuteSQL(ctx context.Context, sql string, params []interface{}) (backend.QueryResult, error) {
	return &fakeResult{tag: "OK"}, nil
}
func (fakeSession) InTransaction() bool { return false }
func (fakeSession) Close() error        { return nil }

// closeTrackingSession records whether Close was called.
type closeTrackingSession struct {
	fakeSession
	closed bool
}

func (s *closeTrackingSession) Close() error {
	s.closed = true
	return nil
}

type fakeConnection struct{}

func (fakeConnection) Parameters() map[string]string {
	return map[string]string{"server_version": "15.0", "client_encoding": "UTF8"}
}
func (fakeConnection) CreateSession(ctx context.Context) (backend.Session, error) {
	return fakeSession{}, nil
}
func (fakeConnection) CloseSession(backend.Session) error { return nil }

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	logger := log.New(log.DefaultConfig())
	srv, err := New(cfg, fakeConnection{}, func() session.Rewriter { return nil }, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestRefusesNonLoopbackWithoutOverride(t *testing.T) {
	_, err := New(Config{Host: "0.0.0.0", Port: 5433}, fakeConnection{}, nil, log.New(log.DefaultConfig()))
	if err == nil {
		t.Fatal("expected error binding non-loopback host without AllowRemote")
	}
}

func TestAllowsNonLoopbackWithOverride(t *testing.T) {
	_, err := New(Config{Host: "0.0.0.0", Port: 5433, AllowRemote: true}, fakeConnection{}, nil, log.New(log.DefaultConfig()))
	if err != nil {
		t.Fatalf("expected override to permit non-loopback bind, got %v", err)
	}
}

func TestAcceptAndStartup(t *testing.T) {
	srv := newTestServer(t, Config{Host: "127.0.0.1", Port: 0})

	host, portStr, err := net.SplitHostPort(srv.Addr().String())
	if err != nil {
		t.Fatalf("splitting addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	fe := pgproto3.NewFrontend(pgproto3.NewChunkReader(conn), conn)
	fe.Send(&pgproto3.StartupMessage{
		ProtocolVersion: 196608,
		Parameters:      map[string]string{"user": "alice", "database": "test"},
	})
	if err := fe.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var sawReady bool
	for i := 0; i < 10; i++ {
		msg, err := fe.Receive()
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			sawReady = true
			break
		}
	}
	if !sawReady {
		t.Fatal("expected ReadyForQuery after startup")
	}

	srv.mu.Lock()
	n := len(srv.sessions)
	srv.mu.Unlock()
	if n == 0 {
		t.Fatal("expected the session to be registered in the context table")
	}
}

func TestRegisterRetriesOnProcessIDCollision(t *testing.T) {
	logger := log.New(log.DefaultConfig())
	srv, err := New(Config{Host: "127.0.0.1", Port: 0}, fakeConnection{}, nil, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := session.New(fakeSession{}, nil, logger.Wire())
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	srv.Register(first)

	second, err := session.New(fakeSession{}, nil, logger.Wire())
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	second.ProcessID = first.ProcessID // force a collision
	srv.Register(second)

	if second.ProcessID == first.ProcessID {
		t.Fatal("expected Register to reassign a colliding process id")
	}
	srv.mu.Lock()
	n := len(srv.sessions)
	srv.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected 2 registered sessions, got %d", n)
	}
}

func TestCancelClosesMatchingSession(t *testing.T) {
	logger := log.New(log.DefaultConfig())
	srv, err := New(Config{Host: "127.0.0.1", Port: 0}, fakeConnection{}, nil, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	be := &closeTrackingSession{}
	ctx, err := session.New(be, nil, logger.Wire())
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	srv.Register(ctx)

	srv.Cancel(ctx.ProcessID, ctx.SecretKey+1) // wrong secret, should be a no-op
	if be.closed {
		t.Fatal("Cancel with a wrong secret key closed the backend session")
	}
	srv.Cancel(ctx.ProcessID, ctx.SecretKey)
	if !be.closed {
		t.Fatal("expected Cancel with the matching secret key to close the backend session")
	}

	srv.mu.Lock()
	_, exists := srv.sessions[ctx.ProcessID]
	srv.mu.Unlock()
	if !exists {
		t.Fatal("Cancel should not remove the registry entry, only close the backend session")
	}
}

func TestAuthenticatorRequiresMatchingPassword(t *testing.T) {
	var auth frontend.Authenticator = passwordAuth{user: "alice", password: "s3cret"}
	if pw, required := auth.RequirePassword("alice"); !required || pw != "s3cret" {
		t.Fatalf("expected password %q to be required for alice, got %q (required=%v)", "s3cret", pw, required)
	}
	if _, required := auth.RequirePassword("bob"); required {
		t.Fatal("expected no password requirement for an unconfigured user")
	}
}

type passwordAuth struct {
	user, password string
}

func (a passwordAuth) RequirePassword(user string) (string, bool) {
	if !strings.EqualFold(user, a.user) {
		return "", false
	}
	return a.password, true
}
