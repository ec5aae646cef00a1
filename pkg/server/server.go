// Package server implements the TCP accept loop and process-id-keyed
// context table around pkg/frontend's connection handler, following the
// same listener/connection-tracking shape as the teacher's own
// pkg/protocol/postgres/listener.go: a net.Listener (optionally TLS)
// spawning one handler per accepted connection, with a registry the
// handler consults for CancelRequest routing.
package server

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"math/big"
	"net"
	"sync"

	"github.com/ha1tch/pgfrontend/pkg/backend"
	pgerrors "github.com/ha1tch/pgfrontend/pkg/errors"
	"github.com/ha1tch/pgfrontend/pkg/extension"
	"github.com/ha1tch/pgfrontend/pkg/frontend"
	"github.com/ha1tch/pgfrontend/pkg/log"
	"github.com/ha1tch/pgfrontend/pkg/metrics"
	"github.com/ha1tch/pgfrontend/pkg/session"
)

// Config holds the listener's network and policy settings.
type Config struct {
	Host string
	Port int

	// AllowRemote permits binding a non-loopback address. Off by default;
	// New refuses a non-loopback Host otherwise.
	AllowRemote bool

	TLSCertFile string
	TLSKeyFile  string

	Auth frontend.Authenticator

	// Extensions binds {method, params} simple-query payloads to handlers.
	// Set at construction time only; the registry is shared by pointer with
	// every connection's handler and is not locked, so registering methods
	// after Listen is not supported.
	Extensions *extension.Registry
}

// Address formats the host:port pair Listen binds to.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DefaultConfig returns the spec's default bind policy: loopback only,
// port 5433, trust authentication.
func DefaultConfig() Config {
	return Config{
		Host: "127.0.0.1",
		Port: 5433,
		Auth: frontend.TrustAll{},
	}
}

func isLoopbackHost(host string) bool {
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	default:
		ip := net.ParseIP(host)
		return ip != nil && ip.IsLoopback()
	}
}

// Server accepts connections and dispatches one pkg/frontend.Handler per
// connection, tracking live sessions for cancel-request routing.
type Server struct {
	cfg         Config
	backendConn backend.Connection
	newRw       frontend.RewriterFactory
	logger      *log.Logger

	listener net.Listener

	mu       sync.Mutex
	sessions map[uint32]*session.Context
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg's bind policy and constructs a Server. backendConn is
// shared across every accepted connection; newRw builds a fresh rewriter
// per session (may be nil for passthrough).
func New(cfg Config, backendConn backend.Connection, newRw frontend.RewriterFactory, logger *log.Logger) (*Server, error) {
	if !cfg.AllowRemote && !isLoopbackHost(cfg.Host) {
		return nil, pgerrors.Newf(pgerrors.ErrCodeConfigValidation,
			"refusing to bind non-loopback host %q without AllowRemote", cfg.Host).Err()
	}
	if cfg.Auth == nil {
		cfg.Auth = frontend.TrustAll{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		backendConn: backendConn,
		newRw:       newRw,
		logger:      logger,
		sessions:    make(map[uint32]*session.Context),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Listen binds the configured address, optionally under TLS.
func (s *Server) Listen() error {
	addr := s.cfg.Address()

	var ln net.Listener
	var err error
	if s.cfg.TLSCertFile != "" {
		cert, certErr := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if certErr != nil {
			return fmt.Errorf("loading TLS certificate: %w", certErr)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.listener = ln
	return nil
}

// Addr returns the bound listener address; valid only after Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until the listener closes, spawning one
// goroutine per connection. Blocks; call in its own goroutine.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
				return err
			}
		}

		metrics.ConnectionsAccepted.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	h := frontend.New(conn, s.backendConn, s.newRw, s.cfg.Auth, s, s.cfg.Extensions, s.logger)
	if err := h.Serve(s.ctx); err != nil {
		s.logger.Audit().Warn("connection closed", "remote_addr", conn.RemoteAddr().String(), "error", err.Error())
	}
}

// Close stops accepting new connections, cancels in-flight handlers' shared
// context, and closes the listener. Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}

// Register inserts ctx into the context table, regenerating its process_id
// on collision rather than assuming statistical uniqueness.
func (s *Server) Register(ctx *session.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if _, exists := s.sessions[ctx.ProcessID]; !exists {
			break
		}
		pid, err := randomUint32()
		if err != nil {
			break
		}
		ctx.ProcessID = pid
	}
	s.sessions[ctx.ProcessID] = ctx
}

// Unregister removes a process-id's entry. Idempotent.
func (s *Server) Unregister(processID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, processID)
}

// Cancel looks up (processID, secretKey) and, on a match, closes the
// target session's backend session so the backend can interrupt whatever
// it has in flight. Never writes to the target connection's socket.
func (s *Server) Cancel(processID, secretKey uint32) {
	s.mu.Lock()
	target, ok := s.sessions[processID]
	s.mu.Unlock()

	if !ok || target.SecretKey != secretKey {
		return
	}
	target.Close()
}

func randomUint32() (uint32, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<32-1))
	if err != nil {
		return 0, err
	}
	return uint32(n.Int64()), nil
}
