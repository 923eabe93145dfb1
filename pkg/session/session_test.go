package session

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vicdc21/aerolineas-rusticas/pkg/coordinator"
	"github.com/vicdc21/aerolineas-rusticas/pkg/cqlerror"
	"github.com/vicdc21/aerolineas-rusticas/pkg/wire"
)

// stubExecutor records the last query it was asked to run and returns a
// fixed outcome, standing in for a real *coordinator.Coordinator.
type stubExecutor struct {
	lastQuery    string
	lastKeyspace string
	outcome      coordinator.Outcome
	err          error
}

func (s *stubExecutor) Execute(ctx context.Context, query string, cl wire.Consistency, currentKeyspace string) (coordinator.Outcome, error) {
	s.lastQuery = query
	s.lastKeyspace = currentKeyspace
	return s.outcome, s.err
}

func newTestConn(t *testing.T, exec Executor, creds map[string]string) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	srv := &Server{
		config:   Config{Credentials: creds},
		executor: exec,
		conns:    make(map[string]*Conn),
	}
	c := &Conn{id: "test", conn: server, srv: srv}
	return c, client
}

func bcryptHash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func writeFrame(t *testing.T, conn net.Conn, streamID int16, op wire.Opcode, body []byte) {
	t.Helper()
	require.NoError(t, wire.WriteFrame(conn, &wire.Frame{
		Header: wire.Header{Version: wire.VersionRequest, StreamID: streamID, Opcode: op},
		Body:   body,
	}))
}

func readFrame(t *testing.T, conn net.Conn) *wire.Frame {
	t.Helper()
	f, err := wire.ReadFrame(conn, 0)
	require.NoError(t, err)
	return f
}

func TestHandshakeSucceedsWithValidCredentials(t *testing.T) {
	creds := map[string]string{"aerolineas": bcryptHash(t, "correcthorse")}
	c, client := newTestConn(t, &stubExecutor{}, creds)

	done := make(chan error, 1)
	go func() { done <- c.handshake() }()

	writeFrame(t, client, 1, wire.OpStartup, nil)
	authenticate := readFrame(t, client)
	require.Equal(t, wire.OpAuthenticate, authenticate.Header.Opcode)

	writeFrame(t, client, 1, wire.OpAuthResponse, wire.PutBytes([]byte("\x00aerolineas\x00correcthorse")))
	success := readFrame(t, client)
	require.Equal(t, wire.OpAuthSuccess, success.Header.Opcode)

	require.NoError(t, <-done)
	require.Equal(t, stateReady, c.state)
}

func TestHandshakeRejectsBadPassword(t *testing.T) {
	creds := map[string]string{"aerolineas": bcryptHash(t, "correcthorse")}
	c, client := newTestConn(t, &stubExecutor{}, creds)

	done := make(chan error, 1)
	go func() { done <- c.handshake() }()

	writeFrame(t, client, 1, wire.OpStartup, nil)
	readFrame(t, client) // AUTHENTICATE

	writeFrame(t, client, 1, wire.OpAuthResponse, wire.PutBytes([]byte("\x00aerolineas\x00wrongpassword")))
	errFrame := readFrame(t, client)
	require.Equal(t, wire.OpError, errFrame.Header.Opcode)

	err := <-done
	require.Error(t, err)
	require.Equal(t, stateUnauthenticated, c.state)
}

func TestHandshakeRejectsNonStartupFirstFrame(t *testing.T) {
	c, client := newTestConn(t, &stubExecutor{}, nil)

	done := make(chan error, 1)
	go func() { done <- c.handshake() }()

	writeFrame(t, client, 1, wire.OpQuery, nil)
	errFrame := readFrame(t, client)
	require.Equal(t, wire.OpError, errFrame.Header.Opcode)
	require.Error(t, <-done)
}

func TestHandleQueryDispatchesToExecutorAndTracksKeyspace(t *testing.T) {
	exec := &stubExecutor{outcome: coordinator.Outcome{Kind: wire.ResultSetKeyspace, Keyspace: "aerolineas"}}
	c, client := newTestConn(t, exec, nil)
	c.state = stateReady

	done := make(chan error, 1)
	go func() { done <- c.serveOne(context.Background()) }()

	q := &wire.QueryBody{Query: "USE aerolineas;", Consistency: wire.ConsistencyOne}
	writeFrame(t, client, 5, wire.OpQuery, wire.EncodeQueryBody(q))
	result := readFrame(t, client)

	require.NoError(t, <-done)
	require.Equal(t, wire.OpResult, result.Header.Opcode)
	require.Equal(t, int16(5), result.Header.StreamID)
	require.Equal(t, "USE aerolineas;", exec.lastQuery)
	require.Equal(t, "aerolineas", c.keyspace)
}

func TestHandleQueryEncodesCoordinatorErrorAsErrorFrame(t *testing.T) {
	exec := &stubExecutor{err: cqlerror.Invalidf("no keyspace specified")}
	c, client := newTestConn(t, exec, nil)
	c.state = stateReady

	done := make(chan error, 1)
	go func() { done <- c.serveOne(context.Background()) }()

	q := &wire.QueryBody{Query: "SELECT * FROM t;", Consistency: wire.ConsistencyOne}
	writeFrame(t, client, 2, wire.OpQuery, wire.EncodeQueryBody(q))
	result := readFrame(t, client)

	require.NoError(t, <-done)
	require.Equal(t, wire.OpError, result.Header.Opcode)
}
