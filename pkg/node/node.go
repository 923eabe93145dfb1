// Package node ties every other package into one running cluster member:
// the client-facing TLS session listener, the plain-TCP internal action
// listener, the coordinator they both ultimately call into, and the
// gossip/heartbeat tickers that keep membership current.
package node

import (
	"bufio"
	"context"
	"io"
	"math/rand"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/vicdc21/aerolineas-rusticas/pkg/action"
	"github.com/vicdc21/aerolineas-rusticas/pkg/config"
	"github.com/vicdc21/aerolineas-rusticas/pkg/coordinator"
	"github.com/vicdc21/aerolineas-rusticas/pkg/cqlerror"
	"github.com/vicdc21/aerolineas-rusticas/pkg/gossip"
	"github.com/vicdc21/aerolineas-rusticas/pkg/logging"
	"github.com/vicdc21/aerolineas-rusticas/pkg/metadata"
	"github.com/vicdc21/aerolineas-rusticas/pkg/pool"
	"github.com/vicdc21/aerolineas-rusticas/pkg/ring"
	"github.com/vicdc21/aerolineas-rusticas/pkg/session"
	"github.com/vicdc21/aerolineas-rusticas/pkg/storage"
)

// gossipFanout bounds how many live neighbours one gossip tick contacts.
const gossipFanout = 3

// Node is one cluster member: its identity, its local replica (storage +
// metadata), the membership table, and the two listeners (client, internal)
// a running node exposes.
type Node struct {
	SelfID byte
	Config *config.Cluster
	Addrs  *config.AddrTable
	Echo   bool

	Gossip      *gossip.Table
	Metadata    *metadata.Store
	Storage     *storage.Engine
	Coordinator *coordinator.Coordinator
	Transport   *Transport
	Pool        *pool.Pool
	Session     *session.Server
	Log         *logging.Logger

	ringMu sync.RWMutex
	ring   *ring.Ring

	internalLn net.Listener
	stop       chan struct{}
	wg         sync.WaitGroup
}

// Open wires every package into a Node ready to Run: opens local storage and
// metadata at the configured roots, builds the ring from the current
// address table, and constructs the coordinator and session server.
func Open(id byte, cfg *config.Cluster, addrs *config.AddrTable, log *logging.Logger) (*Node, error) {
	idStr := strconv.Itoa(int(id))
	st, err := storage.Open(filepath.Join(cfg.StorageRoot, idStr))
	if err != nil {
		return nil, err
	}
	md, err := metadata.Open(filepath.Join(cfg.MetadataRoot, idStr))
	if err != nil {
		return nil, err
	}

	n := &Node{
		SelfID:   id,
		Config:   cfg,
		Addrs:    addrs,
		Gossip:   gossip.NewTable(id, uint64(cfg.FailureThreshold)),
		Metadata: md,
		Storage:  st,
		Pool:     pool.New(cfg.WorkerPoolSize, log),
		Log:      log,
		stop:     make(chan struct{}),
	}
	n.ring = ring.New(addrs.IDs())

	selfIP, _ := addrs.IP(id)
	n.Gossip.Upsert(id, gossip.EndpointState{
		IP:        net.ParseIP(selfIP),
		Heartbeat: gossip.Heartbeat{Generation: uint64(time.Now().Unix()), Version: 0},
		Status:    gossip.Normal,
	})
	for _, peer := range addrs.IDs() {
		if peer == id {
			continue
		}
		peerIP, _ := addrs.IP(peer)
		n.Gossip.Upsert(peer, gossip.EndpointState{IP: net.ParseIP(peerIP), Status: gossip.Normal})
	}

	n.Transport = NewTransport(n.peerInternalAddr, cfg.ReplicaDeadline)

	n.Coordinator = &coordinator.Coordinator{
		SelfID:          id,
		Ring:            n.currentRing,
		Members:         n.Gossip,
		Transport:       n.Transport,
		Local:           coordinator.Replica{Storage: st, Metadata: md},
		ReplicaDeadline: cfg.ReplicaDeadline,
		Log:             log,
	}

	sess, err := session.New(session.Config{
		CertPath:     cfg.CertPath,
		KeyPath:      cfg.KeyPath,
		Credentials:  cfg.Credentials,
		MaxFrameBody: cfg.MaxFrameBody,
	}, n.Coordinator, log)
	if err != nil {
		return nil, err
	}
	n.Session = sess

	return n, nil
}

func (n *Node) currentRing() *ring.Ring {
	n.ringMu.RLock()
	defer n.ringMu.RUnlock()
	return n.ring
}

func (n *Node) rebuildRing() {
	n.ringMu.Lock()
	defer n.ringMu.Unlock()
	n.ring = ring.New(n.Gossip.Live())
}

func (n *Node) peerInternalAddr(id byte) (string, bool) {
	ip, ok := n.Addrs.IP(id)
	if !ok {
		return "", false
	}
	return n.Config.Addr(ip, id, config.InternalPort), true
}

// Run starts both listeners and the gossip/heartbeat tickers, blocking until
// Shutdown is called or a listener fails fatally.
func (n *Node) Run() error {
	selfIP, ok := n.Addrs.IP(n.SelfID)
	if !ok {
		return cqlerror.Configf("node: id %d not registered in node_ips.csv", n.SelfID)
	}
	internalAddr := n.Config.Addr(selfIP, n.SelfID, config.InternalPort)
	ln, err := net.Listen("tcp", internalAddr)
	if err != nil {
		return cqlerror.Configf("node: listen internal %s: %v", internalAddr, err)
	}
	n.internalLn = ln

	n.wg.Add(1)
	go n.serveInternal()

	n.wg.Add(1)
	go n.tickerLoop()

	handle := n.handleClientConn
	if n.Echo {
		handle = handleEchoConn
	}
	clientAddr := n.Config.Addr(selfIP, n.SelfID, config.ClientPort)
	return n.Session.ListenAndServe(clientAddr, func(conn net.Conn) {
		if err := n.Pool.Submit(context.Background(), func(ctx context.Context) { handle(ctx, conn) }); err != nil {
			conn.Close()
		}
	})
}

func (n *Node) handleClientConn(ctx context.Context, conn net.Conn) {
	n.Session.HandleConnection(ctx, conn)
}

// handleEchoConn is the debug loopback mode (`nd <id> echo`): every byte
// read is written straight back, bypassing the CQL session state machine
// entirely. Used by the simple-connect end-to-end scenario.
func handleEchoConn(_ context.Context, conn net.Conn) {
	defer conn.Close()
	io.Copy(conn, conn)
}

// Join introduces a brand-new node to the cluster: it asks any one already
// registered peer to broadcast this node's endpoint state, the
// OpSendEndpointState path handleSendEndpointState answers on the other
// end. Called once, right after Run, by the `nd new` bootstrap path.
func (n *Node) Join(ctx context.Context) error {
	selfIP, ok := n.Addrs.IP(n.SelfID)
	if !ok {
		return cqlerror.Configf("node: id %d not registered in node_ips.csv", n.SelfID)
	}
	var seed byte
	found := false
	for _, id := range n.Addrs.IDs() {
		if id != n.SelfID {
			seed, found = id, true
			break
		}
	}
	if !found {
		// Only node in the cluster: nothing to join.
		n.Gossip.SetStatus(n.SelfID, gossip.Normal)
		return nil
	}
	n.Gossip.SetStatus(n.SelfID, gossip.Bootstrap)
	rctx, cancel := context.WithTimeout(ctx, n.Config.ReplicaDeadline)
	defer cancel()
	_, err := n.Transport.Dispatch(rctx, seed, action.Message{
		Op: action.OpSendEndpointState,
		NodeID: n.SelfID,
		IP: net.ParseIP(selfIP),
	})
	if err != nil {
		return cqlerror.Wrap(err, "node: join via seed %d", seed)
	}
	n.Gossip.SetStatus(n.SelfID, gossip.Normal)
	n.rebuildRing()
	return nil
}

// Shutdown closes both listeners, stops the tickers, and drains the worker
// pool: the clean Shutdown action.
func (n *Node) Shutdown() {
	close(n.stop)
	n.Session.Close()
	if n.internalLn != nil {
		n.internalLn.Close()
	}
	n.Transport.Close()
	n.wg.Wait()
	n.Pool.Shutdown()
}

func (n *Node) serveInternal() {
	defer n.wg.Done()
	for {
		conn, err := n.internalLn.Accept()
		if err != nil {
			select {
			case <-n.stop:
				return
			default:
				if n.Log != nil {
					n.Log.Printf("internal accept: %v", err)
				}
				return
			}
		}
		if err := n.Pool.Submit(context.Background(), func(ctx context.Context) {
			n.serveInternalConn(ctx, conn)
		}); err != nil {
			conn.Close()
		}
	}
}

// serveInternalConn serves a sequence of length-prefixed internal actions on
// one accepted connection until it closes.
func (n *Node) serveInternalConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		payload, err := readLengthPrefixed(r, maxActionMessage)
		if err != nil {
			return
		}
		msg, err := action.Decode(payload)
		if err != nil {
			if n.Log != nil {
				n.Log.Printf("internal decode: %v", err)
			}
			return
		}
		reply, err := n.handleAction(ctx, msg)
		if err != nil {
			if n.Log != nil {
				n.Log.Printf("internal action %v: %v", msg.Op, err)
			}
			reply = action.Message{Op: msg.Op}
		}
		if err := writeLengthPrefixed(conn, action.Encode(reply)); err != nil {
			return
		}
	}
}

func (n *Node) tickerLoop() {
	defer n.wg.Done()
	heartbeat := time.NewTicker(n.Config.HeartbeatTick)
	gossipTick := time.NewTicker(n.Config.GossipTick)
	defer heartbeat.Stop()
	defer gossipTick.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-heartbeat.C:
			n.Gossip.Tick()
		case <-gossipTick.C:
			n.gossipRound()
		}
	}
}

// gossipRound picks a bounded random subset of live neighbours and starts a
// SYN/ACK/ACK2 exchange with each, per the three-way gossip protocol.
func (n *Node) gossipRound() {
	live := n.Gossip.Live()
	peers := pickNeighbours(live, n.SelfID, gossipFanout)
	for _, id := range peers {
		go n.gossipWith(id)
	}
	n.rebuildRing()
}

func pickNeighbours(live []byte, self byte, fanout int) []byte {
	candidates := make([]byte, 0, len(live))
	for _, id := range live {
		if id != self {
			candidates = append(candidates, id)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > fanout {
		candidates = candidates[:fanout]
	}
	return candidates
}

func (n *Node) gossipWith(peer byte) {
	ctx, cancel := context.WithTimeout(context.Background(), n.Config.ReplicaDeadline)
	defer cancel()

	digest := n.Gossip.Digests()
	reply, err := n.Transport.Dispatch(ctx, peer, action.Message{Op: action.OpSyn, NodeID: n.SelfID, Digests: digest})
	if err != nil {
		return
	}
	n.Gossip.Merge(reply.States)

	wantIDs := make([]byte, len(reply.Digests))
	for i, d := range reply.Digests {
		wantIDs[i] = d.NodeID
	}
	states := n.Gossip.States(wantIDs)
	n.Transport.Dispatch(ctx, peer, action.Message{Op: action.OpAck2, States: states})
}
