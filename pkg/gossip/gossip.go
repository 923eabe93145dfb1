// Package gossip implements the membership table and SYN/ACK/ACK2 exchange:
// version-vector merge of EndpointState, heartbeat-staleness failure
// detection, and the AppStatus lifecycle a node moves through as it joins,
// leaves, or absorbs a new neighbour.
package gossip

import (
	"net"
	"sync"
)

// AppStatus is a node's lifecycle phase.
type AppStatus int

const (
	Normal AppStatus = iota
	Bootstrap
	Leaving
	Removing
	Offline
	RelocationIsNeeded
	RelocatingData
	Ready
	NewNode
	UpdatingReplicas
)

func (s AppStatus) String() string {
	switch s {
	case Normal:
		return "Normal"
	case Bootstrap:
		return "Bootstrap"
	case Leaving:
		return "Leaving"
	case Removing:
		return "Removing"
	case Offline:
		return "Offline"
	case RelocationIsNeeded:
		return "RelocationIsNeeded"
	case RelocatingData:
		return "RelocatingData"
	case Ready:
		return "Ready"
	case NewNode:
		return "NewNode"
	case UpdatingReplicas:
		return "UpdatingReplicas"
	default:
		return "Unknown"
	}
}

// ConnectionMode selects how a node talks back on its internal port.
type ConnectionMode int

const (
	Echo ConnectionMode = iota
	Parsing
)

// Heartbeat totally orders states for the same node id: generation is fixed
// for a process incarnation, version increases every local tick.
type Heartbeat struct {
	Generation uint64
	Version    uint64
}

// Greater reports whether h is strictly newer than other.
func (h Heartbeat) Greater(other Heartbeat) bool {
	if h.Generation != other.Generation {
		return h.Generation > other.Generation
	}
	return h.Version > other.Version
}

// EndpointState is everything one node knows about another.
type EndpointState struct {
	IP             net.IP
	Heartbeat      Heartbeat
	Status         AppStatus
	ConnectionMode ConnectionMode
}

// Digest summarises one node's view for the SYN/ACK exchange: just enough
// to decide whose copy is newer without shipping the full state.
type Digest struct {
	NodeID     byte
	Generation uint64
	Version    uint64
}

// Table is the per-node membership table, guarded by a read-write lock;
// only gossip/merge paths ever write to it.
type Table struct {
	mu       sync.RWMutex
	self     byte
	states   map[byte]*EndpointState
	lastSeen map[byte]uint64 // tick count at last heartbeat advance, for staleness
	tick     uint64

	failureThreshold uint64
}

// NewTable creates a Table for node self with the given failure-detection
// threshold in ticks (default 8).
func NewTable(self byte, failureThreshold uint64) *Table {
	if failureThreshold == 0 {
		failureThreshold = 8
	}
	return &Table{
		self:             self,
		states:           make(map[byte]*EndpointState),
		lastSeen:         make(map[byte]uint64),
		failureThreshold: failureThreshold,
	}
}

// Upsert installs or overwrites the local view of id unconditionally (used
// for bootstrapping a node's own initial state).
func (t *Table) Upsert(id byte, state EndpointState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[id] = &state
	t.lastSeen[id] = t.tick
}

// Get returns a copy of the known state for id.
func (t *Table) Get(id byte) (EndpointState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[id]
	if !ok {
		return EndpointState{}, false
	}
	return *s, true
}

// Tick advances the local clock by one and bumps self's heartbeat version,
// then runs failure detection over every other known node.
func (t *Table) Tick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tick++
	if self, ok := t.states[t.self]; ok {
		self.Heartbeat.Version++
		t.lastSeen[t.self] = t.tick
	}
	for id, s := range t.states {
		if id == t.self {
			continue
		}
		if t.tick-t.lastSeen[id] >= t.failureThreshold && s.Status != Offline {
			s.Status = Offline
		}
	}
}

// Digests returns a digest of every known endpoint state, for a SYN message.
func (t *Table) Digests() []Digest {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Digest, 0, len(t.states))
	for id, s := range t.states {
		out = append(out, Digest{NodeID: id, Generation: s.Heartbeat.Generation, Version: s.Heartbeat.Version})
	}
	return out
}

// Stale returns the ids among remote whose local state is missing or older
// than the remote digest claims: states the sender of remote holds a newer
// version of than this table does.
func (t *Table) Stale(remote []Digest) []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []byte
	for _, d := range remote {
		local, ok := t.states[d.NodeID]
		if !ok {
			out = append(out, d.NodeID)
			continue
		}
		remoteHB := Heartbeat{Generation: d.Generation, Version: d.Version}
		if remoteHB.Greater(local.Heartbeat) {
			out = append(out, d.NodeID)
		}
	}
	return out
}

// WantedBy is the complement of Stale: ids from remote for which the local
// copy is newer or equal, whose full EndpointState should be sent back.
func (t *Table) WantedBy(remote []Digest) []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []byte
	for _, d := range remote {
		local, ok := t.states[d.NodeID]
		if !ok {
			continue
		}
		remoteHB := Heartbeat{Generation: d.Generation, Version: d.Version}
		if !remoteHB.Greater(local.Heartbeat) {
			out = append(out, d.NodeID)
		}
	}
	return out
}

// States returns a copy of the full EndpointState for each requested id.
func (t *Table) States(ids []byte) map[byte]EndpointState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[byte]EndpointState, len(ids))
	for _, id := range ids {
		if s, ok := t.states[id]; ok {
			out[id] = *s
		}
	}
	return out
}

// Merge applies remote deltas using the version-vector rule: a remote state
// replaces the local one only when its (generation, version) is strictly
// greater. Generations and versions never decrease.
func (t *Table) Merge(deltas map[byte]EndpointState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, remote := range deltas {
		local, ok := t.states[id]
		if !ok || remote.Heartbeat.Greater(local.Heartbeat) {
			r := remote
			t.states[id] = &r
			t.lastSeen[id] = t.tick
		}
	}
}

// Live returns the list of node ids the table currently considers live
// (i.e. not Offline).
func (t *Table) Live() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []byte
	for id, s := range t.states {
		if s.Status != Offline {
			out = append(out, id)
		}
	}
	return out
}

// SetStatus transitions id's AppStatus and bumps its own heartbeat version
// when id is self.
func (t *Table) SetStatus(id byte, status AppStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[id]
	if !ok {
		return
	}
	s.Status = status
	if id == t.self {
		s.Heartbeat.Version++
	}
}
