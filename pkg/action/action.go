// Package action implements the internal node-to-node action protocol:
// a reserved opcode prefix disjoint from CQL's, so a listener can
// demultiplex internal actions from forwarded CQL frames on the same wire
// without first parsing a CQL header.
package action

import (
	"net"

	"github.com/vicdc21/aerolineas-rusticas/pkg/cqlerror"
	"github.com/vicdc21/aerolineas-rusticas/pkg/gossip"
	"github.com/vicdc21/aerolineas-rusticas/pkg/wire"
)

// Opcode is the reserved first byte of an internal message. Every value has
// its top 3 bits set (ACTION_MASK = 0b111xxxxx = 0xE0), the bit pattern
// IsAction tests for.
type Opcode byte

const (
	OpRelocationNeeded Opcode = 0xE0
	OpUpdateReplicas Opcode = 0xE1
	OpAddRelocatedRows Opcode = 0xE2
	OpGetAllTablesOfReplica Opcode = 0xE3
	OpDeleteNode Opcode = 0xE4
	OpNodeIsLeaving Opcode = 0xE5
	OpNodeDeleted Opcode = 0xE6
	OpNodeToDelete Opcode = 0xE7

	OpExit Opcode = 0xF0
	OpBeat Opcode = 0xF1
	OpGossip Opcode = 0xF2
	OpSyn Opcode = 0xF3
	OpAck Opcode = 0xF4
	OpAck2 Opcode = 0xF5
	OpNewNeighbour Opcode = 0xF6
	OpSendEndpointState Opcode = 0xF7
	OpInternalQuery Opcode = 0xF8
	// 0xF9 reserved
	OpDirectReadRequest Opcode = 0xFA
	OpDigestReadRequest Opcode = 0xFB
	OpRepairRows Opcode = 0xFC
	OpAddPartitionValueToMetadata Opcode = 0xFD
	OpSendMetadata Opcode = 0xFE
	OpReceiveMetadata Opcode = 0xFF
)

// ActionMask is the top-3-bits pattern (0b111xxxxx) every action opcode
// carries in its leading byte.
const ActionMask = 0xE0

// IsAction reports whether b's top 3 bits mark it as an internal action
// rather than a CQL frame's version byte.
func IsAction(b byte) bool {
	return b&ActionMask == ActionMask
}

// RowRecord is the wire shape of one replicated row: values plus its
// conflict-resolution timestamp (mirrors storage.Row without importing it,
// keeping action/storage independent of each other).
type RowRecord struct {
	Values map[string]string
	TSMs int64
}

// Message is a decoded internal action, tagged by Op with only the fields
// relevant to that opcode populated.
type Message struct {
	Op Opcode

	NodeID byte
	IDs []byte
	IP net.IP
	Digests []gossip.Digest
	States map[byte]gossip.EndpointState
	Bytes []byte
	Table string
	RowValue string
	Rows []RowRecord
	IsDeletion bool
	OnlyFarthest bool
}

func putByteSet(ids []byte) []byte {
	out := wire.PutInt(int32(len(ids)))
	return append(out, ids...)
}

func getByteSet(b []byte) ([]byte, []byte, error) {
	n, rest, err := wire.GetInt(b)
	if err != nil {
		return nil, nil, err
	}
	if int(n) > len(rest) {
		return nil, nil, cqlerror.Protocolf("action: truncated id set")
	}
	return append([]byte{}, rest[:n]...), rest[n:], nil
}

func putDigests(ds []gossip.Digest) []byte {
	out := wire.PutInt(int32(len(ds)))
	for _, d := range ds {
		out = append(out, d.NodeID)
		out = append(out, wire.PutLong(int64(d.Generation))...)
		out = append(out, wire.PutLong(int64(d.Version))...)
	}
	return out
}

func getDigests(b []byte) ([]gossip.Digest, []byte, error) {
	n, rest, err := wire.GetInt(b)
	if err != nil {
		return nil, nil, err
	}
	out := make([]gossip.Digest, 0, n)
	for i := int32(0); i < n; i++ {
		if len(rest) < 1 {
			return nil, nil, cqlerror.Protocolf("action: truncated digest")
		}
		id := rest[0]
		rest = rest[1:]
		gen, r2, err := wire.GetLong(rest)
		if err != nil {
			return nil, nil, err
		}
		ver, r3, err := wire.GetLong(r2)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, gossip.Digest{NodeID: id, Generation: uint64(gen), Version: uint64(ver)})
		rest = r3
	}
	return out, rest, nil
}

func putState(s gossip.EndpointState) []byte {
	out := wire.PutInet(wire.Inet{IP: s.IP, Port: 0})
	out = append(out, wire.PutLong(int64(s.Heartbeat.Generation))...)
	out = append(out, wire.PutLong(int64(s.Heartbeat.Version))...)
	out = append(out, byte(s.Status))
	out = append(out, byte(s.ConnectionMode))
	return out
}

func getState(b []byte) (gossip.EndpointState, []byte, error) {
	inet, rest, err := wire.GetInet(b)
	if err != nil {
		return gossip.EndpointState{}, nil, err
	}
	gen, rest, err := wire.GetLong(rest)
	if err != nil {
		return gossip.EndpointState{}, nil, err
	}
	ver, rest, err := wire.GetLong(rest)
	if err != nil {
		return gossip.EndpointState{}, nil, err
	}
	if len(rest) < 2 {
		return gossip.EndpointState{}, nil, cqlerror.Protocolf("action: truncated endpoint state")
	}
	status := gossip.AppStatus(rest[0])
	mode := gossip.ConnectionMode(rest[1])
	rest = rest[2:]
	return gossip.EndpointState{
		IP: inet.IP,
		Heartbeat: gossip.Heartbeat{Generation: uint64(gen), Version: uint64(ver)},
		Status: status,
		ConnectionMode: mode,
	}, rest, nil
}

func putStateMap(m map[byte]gossip.EndpointState) []byte {
	out := wire.PutInt(int32(len(m)))
	for id, s := range m {
		out = append(out, id)
		out = append(out, putState(s)...)
	}
	return out
}

func getStateMap(b []byte) (map[byte]gossip.EndpointState, []byte, error) {
	n, rest, err := wire.GetInt(b)
	if err != nil {
		return nil, nil, err
	}
	out := make(map[byte]gossip.EndpointState, n)
	for i := int32(0); i < n; i++ {
		if len(rest) < 1 {
			return nil, nil, cqlerror.Protocolf("action: truncated state map")
		}
		id := rest[0]
		rest = rest[1:]
		s, r2, err := getState(rest)
		if err != nil {
			return nil, nil, err
		}
		out[id] = s
		rest = r2
	}
	return out, rest, nil
}

// EncodeRows serialises a row set for an internal-action reply payload
// (DirectReadRequest's response, or RepairRows's argument).
func EncodeRows(rows []RowRecord) []byte { return putRows(rows) }

// DecodeRows parses a row set produced by EncodeRows.
func DecodeRows(b []byte) ([]RowRecord, error) {
	rows, _, err := getRows(b)
	return rows, err
}

func putRows(rows []RowRecord) []byte {
	out := wire.PutInt(int32(len(rows)))
	for _, r := range rows {
		out = append(out, wire.PutLong(r.TSMs)...)
		out = append(out, wire.PutInt(int32(len(r.Values)))...)
		for k, v := range r.Values {
			out = append(out, wire.PutString(k)...)
			out = append(out, wire.PutString(v)...)
		}
	}
	return out
}

func getRows(b []byte) ([]RowRecord, []byte, error) {
	n, rest, err := wire.GetInt(b)
	if err != nil {
		return nil, nil, err
	}
	out := make([]RowRecord, 0, n)
	for i := int32(0); i < n; i++ {
		ts, r2, err := wire.GetLong(rest)
		if err != nil {
			return nil, nil, err
		}
		colCount, r3, err := wire.GetInt(r2)
		if err != nil {
			return nil, nil, err
		}
		vals := make(map[string]string, colCount)
		for c := int32(0); c < colCount; c++ {
			k, r4, err := wire.GetString(r3)
			if err != nil {
				return nil, nil, err
			}
			v, r5, err := wire.GetString(r4)
			if err != nil {
				return nil, nil, err
			}
			vals[k] = v
			r3 = r5
		}
		out = append(out, RowRecord{Values: vals, TSMs: ts})
		rest = r3
	}
	return out, rest, nil
}

// Encode serialises m into an internal-action wire message: opcode byte
// followed by its opcode-specific body.
func Encode(m Message) []byte {
	var body []byte
	switch m.Op {
	case OpExit, OpBeat, OpRelocationNeeded, OpDeleteNode:
		// no body
	case OpGossip:
		body = putByteSet(m.IDs)
	case OpSyn:
		body = append([]byte{m.NodeID}, putDigests(m.Digests)...)
	case OpAck:
		body = append([]byte{m.NodeID}, putDigests(m.Digests)...)
		body = append(body, putStateMap(m.States)...)
	case OpAck2:
		body = putStateMap(m.States)
	case OpNewNeighbour:
		s := stateOf(m)
		if s.IP == nil {
			s.IP = m.IP
		}
		body = append([]byte{m.NodeID}, putState(s)...)
	case OpSendEndpointState:
		body = append([]byte{m.NodeID}, wire.PutInet(wire.Inet{IP: m.IP, Port: 0})...)
	case OpInternalQuery, OpDirectReadRequest, OpDigestReadRequest:
		body = wire.PutBytes(m.Bytes)
	case OpRepairRows:
		body = wire.PutString(m.Table)
		body = append(body, m.NodeID)
		body = append(body, putRows(m.Rows)...)
	case OpAddPartitionValueToMetadata:
		body = wire.PutString(m.Table)
		body = append(body, wire.PutString(m.RowValue)...)
	case OpSendMetadata, OpNodeIsLeaving, OpNodeDeleted, OpNodeToDelete:
		body = []byte{m.NodeID}
	case OpReceiveMetadata:
		body = wire.PutBytes(m.Bytes)
	case OpUpdateReplicas:
		b := m.NodeID
		flag := byte(0)
		if m.IsDeletion {
			flag = 1
		}
		body = []byte{b, flag}
	case OpAddRelocatedRows:
		body = wire.PutString(m.Table)
		body = append(body, m.NodeID)
		body = append(body, putRows(m.Rows)...)
	case OpGetAllTablesOfReplica:
		flag := byte(0)
		if m.OnlyFarthest {
			flag = 1
		}
		body = []byte{m.NodeID, flag}
	}
	return append([]byte{byte(m.Op)}, body...)
}

func stateOf(m Message) gossip.EndpointState {
	if len(m.States) == 1 {
		for _, s := range m.States {
			return s
		}
	}
	return gossip.EndpointState{}
}

// Decode parses one internal action message. The caller must already have
// verified IsAction(b[0]) before calling Decode.
func Decode(b []byte) (Message, error) {
	if len(b) < 1 {
		return Message{}, cqlerror.Protocolf("action: empty message")
	}
	op := Opcode(b[0])
	rest := b[1:]
	m := Message{Op: op}
	var err error
	switch op {
	case OpExit, OpBeat, OpRelocationNeeded, OpDeleteNode:
		return m, nil
	case OpGossip:
		m.IDs, _, err = getByteSet(rest)
	case OpSyn:
		if len(rest) < 1 {
			return m, cqlerror.Protocolf("action: truncated Syn")
		}
		m.NodeID = rest[0]
		m.Digests, _, err = getDigests(rest[1:])
	case OpAck:
		if len(rest) < 1 {
			return m, cqlerror.Protocolf("action: truncated Ack")
		}
		m.NodeID = rest[0]
		var r2 []byte
		m.Digests, r2, err = getDigests(rest[1:])
		if err == nil {
			m.States, _, err = getStateMap(r2)
		}
	case OpAck2:
		m.States, _, err = getStateMap(rest)
	case OpNewNeighbour:
		if len(rest) < 1 {
			return m, cqlerror.Protocolf("action: truncated NewNeighbour")
		}
		m.NodeID = rest[0]
		var s gossip.EndpointState
		s, _, err = getState(rest[1:])
		m.States = map[byte]gossip.EndpointState{m.NodeID: s}
		m.IP = s.IP
	case OpSendEndpointState:
		if len(rest) < 1 {
			return m, cqlerror.Protocolf("action: truncated SendEndpointState")
		}
		m.NodeID = rest[0]
		var inet wire.Inet
		inet, _, err = wire.GetInet(rest[1:])
		m.IP = inet.IP
	case OpInternalQuery, OpDirectReadRequest, OpDigestReadRequest:
		m.Bytes, _, err = wire.GetBytes(rest)
	case OpRepairRows:
		var table string
		table, rest, err = wire.GetString(rest)
		if err == nil {
			m.Table = table
			if len(rest) < 1 {
				return m, cqlerror.Protocolf("action: truncated RepairRows")
			}
			m.NodeID = rest[0]
			m.Rows, _, err = getRows(rest[1:])
		}
	case OpAddPartitionValueToMetadata:
		var table string
		table, rest, err = wire.GetString(rest)
		if err == nil {
			m.Table = table
			m.RowValue, _, err = wire.GetString(rest)
		}
	case OpSendMetadata, OpNodeIsLeaving, OpNodeDeleted, OpNodeToDelete:
		if len(rest) < 1 {
			return m, cqlerror.Protocolf("action: truncated message")
		}
		m.NodeID = rest[0]
	case OpReceiveMetadata:
		m.Bytes, _, err = wire.GetBytes(rest)
	case OpUpdateReplicas:
		if len(rest) < 2 {
			return m, cqlerror.Protocolf("action: truncated UpdateReplicas")
		}
		m.NodeID = rest[0]
		m.IsDeletion = rest[1] != 0
	case OpAddRelocatedRows:
		var table string
		table, rest, err = wire.GetString(rest)
		if err == nil {
			m.Table = table
			if len(rest) < 1 {
				return m, cqlerror.Protocolf("action: truncated AddRelocatedRows")
			}
			m.NodeID = rest[0]
			m.Rows, _, err = getRows(rest[1:])
		}
	case OpGetAllTablesOfReplica:
		if len(rest) < 2 {
			return m, cqlerror.Protocolf("action: truncated GetAllTablesOfReplica")
		}
		m.NodeID = rest[0]
		m.OnlyFarthest = rest[1] != 0
	default:
		return m, cqlerror.Protocolf("action: unknown opcode 0x%02x", byte(op))
	}
	return m, err
}
