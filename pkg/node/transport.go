package node

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/vicdc21/aerolineas-rusticas/pkg/action"
	"github.com/vicdc21/aerolineas-rusticas/pkg/cqlerror"
)

// maxActionMessage bounds one internal-action payload; generous since
// metadata snapshots and row batches both travel this way.
const maxActionMessage = 64 << 20

// peerConn is one lazily-dialed, serially-reused connection to a peer's
// internal port. Only one request may be in flight on it at a time, mirrored
// by holding its mutex for the full round trip.
type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// Transport dials peers' internal ports on demand and speaks the
// length-prefixed internal action protocol: a 4-byte big-endian length
// followed by action.Encode's bytes. It implements coordinator.Transport.
type Transport struct {
	addr func(id byte) (string, bool)
	dialTimeout time.Duration

	mu    sync.Mutex
	conns map[byte]*peerConn
}

// NewTransport builds a Transport resolving peer addresses via addr
// (typically config.AddrTable.IP joined with config.Cluster.InternalAddr).
func NewTransport(addr func(id byte) (string, bool), dialTimeout time.Duration) *Transport {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Transport{addr: addr, dialTimeout: dialTimeout, conns: make(map[byte]*peerConn)}
}

func (t *Transport) peer(id byte) (*peerConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pc, ok := t.conns[id]; ok && pc.conn != nil {
		return pc, nil
	}
	addr, ok := t.addr(id)
	if !ok {
		return nil, cqlerror.Unavailable(0, 1, 0)
	}
	conn, err := net.DialTimeout("tcp", addr, t.dialTimeout)
	if err != nil {
		return nil, cqlerror.Wrap(err, "node: dial peer %d at %s", id, addr)
	}
	pc := &peerConn{conn: conn, r: bufio.NewReader(conn)}
	t.conns[id] = pc
	return pc, nil
}

func (t *Transport) dropPeer(id byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, id)
}

// Dispatch sends msg to nodeID's internal port and waits for its reply,
// bounded by ctx. A failed or reset connection is dropped from the pool so
// the next call redials.
func (t *Transport) Dispatch(ctx context.Context, nodeID byte, msg action.Message) (action.Message, error) {
	pc, err := t.peer(nodeID)
	if err != nil {
		return action.Message{}, err
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		pc.conn.SetDeadline(dl)
	}
	defer pc.conn.SetDeadline(time.Time{})

	if err := writeLengthPrefixed(pc.conn, action.Encode(msg)); err != nil {
		t.dropPeer(nodeID)
		return action.Message{}, cqlerror.Wrap(err, "node: write to peer %d", nodeID)
	}
	body, err := readLengthPrefixed(pc.r, maxActionMessage)
	if err != nil {
		t.dropPeer(nodeID)
		return action.Message{}, cqlerror.Wrap(err, "node: read from peer %d", nodeID)
	}
	return action.Decode(body)
}

// Close drops every pooled peer connection.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, pc := range t.conns {
		pc.conn.Close()
		delete(t.conns, id)
	}
}

func writeLengthPrefixed(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readLengthPrefixed(r io.Reader, maxSize int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > maxSize {
		return nil, cqlerror.Protocolf("node: internal message too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
