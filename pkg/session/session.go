// Package session implements the client-facing half of a node: a TLS
// acceptor, the STARTUP/AUTHENTICATE handshake every connection must clear
// before it may issue a QUERY, and the per-connection read-dispatch-write
// loop that follows. Each connection is single-threaded: one frame is read,
// acted on, and replied to before the next is read.
package session

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/vicdc21/aerolineas-rusticas/pkg/coordinator"
	"github.com/vicdc21/aerolineas-rusticas/pkg/cqlerror"
	"github.com/vicdc21/aerolineas-rusticas/pkg/logging"
	"github.com/vicdc21/aerolineas-rusticas/pkg/wire"
)

// Executor runs one parsed CQL statement and returns the outcome to encode
// into a RESULT frame. *coordinator.Coordinator satisfies this.
type Executor interface {
	Execute(ctx context.Context, query string, cl wire.Consistency, currentKeyspace string) (coordinator.Outcome, error)
}

// Config is everything the client-facing listener needs to accept and
// authenticate connections.
type Config struct {
	CertPath string
	KeyPath  string

	// Credentials maps username to a bcrypt hash of the accepted password.
	Credentials map[string]string

	// MaxFrameBody caps an incoming frame body; 0 selects wire.MaxFrameBody.
	MaxFrameBody uint32
}

// Server accepts TLS connections on the client-facing port and runs each
// one through the handshake and query loop via a submitted pool job.
type Server struct {
	config   Config
	tlsConf  *tls.Config
	executor Executor
	log      *logging.Logger

	listener net.Listener
	closed   atomic.Bool

	mu    sync.Mutex
	conns map[string]*Conn
}

// New loads the configured certificate bundle and returns a Server ready to
// ListenAndServe.
func New(cfg Config, executor Executor, log *logging.Logger) (*Server, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, cqlerror.Configf("session: load cert bundle: %v", err)
	}
	return &Server{
		config:   cfg,
		tlsConf:  &tls.Config{Certificates: []tls.Certificate{cert}},
		executor: executor,
		log:      log,
		conns:    make(map[string]*Conn),
	}, nil
}

// ListenAndServe binds addr with TLS and hands every accepted connection to
// handle, which the caller typically wraps in a worker pool submission.
func (s *Server) ListenAndServe(addr string, handle func(conn net.Conn)) error {
	ln, err := tls.Listen("tcp", addr, s.tlsConf)
	if err != nil {
		return cqlerror.Configf("session: listen %s: %v", addr, err)
	}
	s.listener = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return cqlerror.Wrap(err, "session: accept")
		}
		handle(conn)
	}
}

// Close stops accepting new connections and closes every live connection,
// the listener half of a clean Shutdown action.
func (s *Server) Close() error {
	s.closed.Store(true)
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	for _, c := range s.conns {
		c.conn.Close()
	}
	s.mu.Unlock()
	return err
}

func (s *Server) register(c *Conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

func (s *Server) unregister(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

// state is a connection's position in the STARTUP/AUTHENTICATE handshake.
type state int

const (
	stateUnauthenticated state = iota
	stateReady
)

// Conn is one client connection's state: its authentication state, the
// current keyspace set by USE, and the stream id space it owns.
type Conn struct {
	id    string
	conn  net.Conn
	srv   *Server
	log   *logging.Logger
	state state

	keyspace string
}

// HandleConnection runs one connection to completion: handshake, then the
// query loop, until the client disconnects or a protocol violation closes
// it. Intended to be the body of a pool.Job.
func (s *Server) HandleConnection(ctx context.Context, conn net.Conn) {
	c := &Conn{
		id:   uuid.NewString(),
		conn: conn,
		srv:  s,
		log:  s.log,
	}
	s.register(c)
	defer s.unregister(c)
	defer conn.Close()

	if err := c.handshake(); err != nil {
		if s.log != nil {
			s.log.Printf("session %s: handshake failed: %v", c.id, err)
		}
		return
	}
	for {
		if err := c.serveOne(ctx); err != nil {
			if s.log != nil && err != io.EOF {
				s.log.Printf("session %s: %v", c.id, err)
			}
			return
		}
	}
}

func (c *Conn) maxBody() uint32 {
	if c.srv.config.MaxFrameBody == 0 {
		return wire.MaxFrameBody
	}
	return c.srv.config.MaxFrameBody
}

func (c *Conn) readFrame() (*wire.Frame, error) {
	f, err := wire.ReadFrame(c.conn, c.maxBody())
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (c *Conn) writeFrame(streamID int16, op wire.Opcode, body []byte) error {
	f := &wire.Frame{Header: wire.Header{
		Version:  wire.VersionResponse,
		StreamID: streamID,
		Opcode:   op,
	}, Body: body}
	return wire.WriteFrame(c.conn, f)
}

// handshake enforces the Unauthenticated -> STARTUP -> AUTHENTICATE ->
// AuthResponse -> Ready sequence. Any deviation is a ProtocolError; a
// credential mismatch is an AuthenticationError. Both close the connection.
func (c *Conn) handshake() error {
	f, err := c.readFrame()
	if err != nil {
		return err
	}
	if f.Header.Opcode != wire.OpStartup {
		c.writeError(f.Header.StreamID, cqlerror.Protocolf("expected STARTUP, got %s", f.Header.Opcode))
		return cqlerror.Protocolf("expected STARTUP, got %s", f.Header.Opcode)
	}

	if err := c.writeFrame(f.Header.StreamID, wire.OpAuthenticate, wire.PutString("PasswordAuthenticator")); err != nil {
		return err
	}

	af, err := c.readFrame()
	if err != nil {
		return err
	}
	if af.Header.Opcode != wire.OpAuthResponse {
		c.writeError(af.Header.StreamID, cqlerror.Protocolf("expected AUTH_RESPONSE, got %s", af.Header.Opcode))
		return cqlerror.Protocolf("expected AUTH_RESPONSE, got %s", af.Header.Opcode)
	}
	creds, _, err := wire.GetBytes(af.Body)
	if err != nil {
		return err
	}
	username, password, err := parseCredentials(creds)
	if err != nil {
		c.writeError(af.Header.StreamID, err)
		return err
	}
	if err := c.authenticate(username, password); err != nil {
		c.writeError(af.Header.StreamID, err)
		return err
	}

	c.state = stateReady
	return c.writeFrame(af.Header.StreamID, wire.OpAuthSuccess, wire.PutBytes(nil))
}

// parseCredentials splits an AuthResponse body of the form
// "\x00<username>\x00<password>" (the authzid field is left empty and
// ignored, matching the SASL PLAIN layout clients send it in).
func parseCredentials(b []byte) (username, password string, err error) {
	parts := strings.Split(string(b), "\x00")
	if len(parts) != 3 {
		return "", "", cqlerror.Protocolf("malformed auth response")
	}
	return parts[1], parts[2], nil
}

func (c *Conn) authenticate(username, password string) error {
	hash, ok := c.srv.config.Credentials[username]
	if !ok {
		return cqlerror.Authenticationf("unknown user %q", username)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return cqlerror.Authenticationf("invalid credentials for user %q", username)
	}
	return nil
}

// serveOne reads one frame, dispatches it, and writes exactly one response
// frame (or closes the connection on a protocol violation).
func (c *Conn) serveOne(ctx context.Context) error {
	f, err := c.readFrame()
	if err != nil {
		return err
	}
	switch f.Header.Opcode {
	case wire.OpOptions:
		return c.writeFrame(f.Header.StreamID, wire.OpSupported, wire.PutInt(0))
	case wire.OpQuery:
		return c.handleQuery(ctx, f)
	default:
		cerr := cqlerror.Protocolf("unsupported opcode %s on an established connection", f.Header.Opcode)
		c.writeError(f.Header.StreamID, cerr)
		return cerr
	}
}

func (c *Conn) handleQuery(ctx context.Context, f *wire.Frame) error {
	q, err := wire.DecodeQueryBody(f.Body)
	if err != nil {
		c.writeError(f.Header.StreamID, err)
		return nil
	}
	outcome, err := c.srv.executor.Execute(ctx, q.Query, q.Consistency, c.keyspace)
	if err != nil {
		c.writeError(f.Header.StreamID, err)
		return nil
	}
	if outcome.Kind == wire.ResultSetKeyspace {
		c.keyspace = outcome.Keyspace
	}
	return c.writeFrame(f.Header.StreamID, wire.OpResult, encodeOutcome(outcome))
}

func encodeOutcome(o coordinator.Outcome) []byte {
	switch o.Kind {
	case wire.ResultSetKeyspace:
		return wire.EncodeSetKeyspace(o.Keyspace)
	case wire.ResultSchemaChange:
		return wire.EncodeSchemaChange(o.ChangeType, o.ChangeTarget, o.Keyspace, "")
	case wire.ResultRows:
		return wire.EncodeRows(o.Rows)
	default:
		return wire.EncodeVoid()
	}
}

// errorCode maps a Kind onto the 4-byte code an Error result frame leads
// with.
func errorCode(k cqlerror.Kind) int32 {
	switch k {
	case cqlerror.ServerError:
		return 0x0000
	case cqlerror.ProtocolError:
		return 0x000A
	case cqlerror.AuthenticationError:
		return 0x0100
	case cqlerror.UnavailableException:
		return 0x1000
	case cqlerror.Overloaded:
		return 0x1001
	case cqlerror.IsBootstrapping:
		return 0x1002
	case cqlerror.WriteTimeout:
		return 0x1100
	case cqlerror.ReadTimeout:
		return 0x1200
	case cqlerror.ReadFailure:
		return 0x1300
	case cqlerror.WriteFailure:
		return 0x1500
	case cqlerror.SyntaxError:
		return 0x2000
	case cqlerror.Unauthorized:
		return 0x2100
	case cqlerror.Invalid:
		return 0x2200
	case cqlerror.ConfigError:
		return 0x2300
	case cqlerror.AlreadyExists:
		return 0x2400
	default:
		return 0x0000
	}
}

func (c *Conn) writeError(streamID int16, err error) {
	ce, ok := err.(*cqlerror.Error)
	if !ok {
		ce = cqlerror.Wrap(err, "%v", err)
	}
	c.writeFrame(streamID, wire.OpError, encodeError(ce))
}

func encodeError(e *cqlerror.Error) []byte {
	out := wire.PutInt(errorCode(e.Kind))
	out = append(out, wire.PutString(e.Error())...)
	switch e.Kind {
	case cqlerror.UnavailableException:
		out = append(out, wire.PutConsistency(wire.Consistency(e.Consistency))...)
		out = append(out, wire.PutInt(int32(e.Required))...)
		out = append(out, wire.PutInt(int32(e.Received))...)
	case cqlerror.WriteTimeout:
		out = append(out, wire.PutConsistency(wire.Consistency(e.Consistency))...)
		out = append(out, wire.PutInt(int32(e.Received))...)
		out = append(out, wire.PutInt(int32(e.Required))...)
		out = append(out, wire.PutString(string(e.WriteType))...)
	case cqlerror.ReadTimeout:
		out = append(out, wire.PutConsistency(wire.Consistency(e.Consistency))...)
		out = append(out, wire.PutInt(int32(e.Received))...)
		out = append(out, wire.PutInt(int32(e.Required))...)
		dataPresent := byte(0)
		if e.DataPresent {
			dataPresent = 1
		}
		out = append(out, dataPresent)
	case cqlerror.ReadFailure, cqlerror.WriteFailure:
		out = append(out, wire.PutConsistency(wire.Consistency(e.Consistency))...)
		out = append(out, wire.PutInt(int32(e.Received))...)
		out = append(out, wire.PutInt(int32(e.Required))...)
		out = append(out, wire.PutInt(int32(len(e.Reasons)))...)
		for node, code := range e.Reasons {
			out = append(out, wire.PutString(node)...)
			out = append(out, wire.PutShort(code)...)
		}
	}
	return out
}
