package action

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vicdc21/aerolineas-rusticas/pkg/gossip"
)

func TestIsAction(t *testing.T) {
	require.True(t, IsAction(0xF0))
	require.True(t, IsAction(0xE0))
	require.False(t, IsAction(0x05)) // CQL version byte
	require.False(t, IsAction(0x85))
}

func TestEncodeDecodeGossip(t *testing.T) {
	m := Message{Op: OpGossip, IDs: []byte{1, 2, 3}}
	got, err := Decode(Encode(m))
	require.NoError(t, err)
	require.Equal(t, m.IDs, got.IDs)
}

func TestEncodeDecodeSyn(t *testing.T) {
	m := Message{Op: OpSyn, NodeID: 7, Digests: []gossip.Digest{{NodeID: 2, Generation: 1, Version: 5}}}
	got, err := Decode(Encode(m))
	require.NoError(t, err)
	require.Equal(t, byte(7), got.NodeID)
	require.Equal(t, m.Digests, got.Digests)
}

func TestEncodeDecodeAck2(t *testing.T) {
	states := map[byte]gossip.EndpointState{
		2: {IP: net.ParseIP("10.0.0.2").To4(), Heartbeat: gossip.Heartbeat{Generation: 1, Version: 9}, Status: gossip.Normal},
	}
	m := Message{Op: OpAck2, States: states}
	got, err := Decode(Encode(m))
	require.NoError(t, err)
	require.Equal(t, states[2].Heartbeat, got.States[2].Heartbeat)
	require.Equal(t, states[2].Status, got.States[2].Status)
	require.True(t, states[2].IP.Equal(got.States[2].IP))
}

func TestEncodeDecodeInternalQuery(t *testing.T) {
	m := Message{Op: OpInternalQuery, Bytes: []byte("SELECT * FROM t;")}
	got, err := Decode(Encode(m))
	require.NoError(t, err)
	require.Equal(t, m.Bytes, got.Bytes)
}

func TestEncodeDecodeRepairRows(t *testing.T) {
	m := Message{Op: OpRepairRows, Table: "vuelos", NodeID: 3, Rows: []RowRecord{
		{Values: map[string]string{"id": "1"}, TSMs: 42},
	}}
	got, err := Decode(Encode(m))
	require.NoError(t, err)
	require.Equal(t, "vuelos", got.Table)
	require.Equal(t, byte(3), got.NodeID)
	require.Equal(t, m.Rows, got.Rows)
}

func TestEncodeDecodeUpdateReplicas(t *testing.T) {
	m := Message{Op: OpUpdateReplicas, NodeID: 9, IsDeletion: true}
	got, err := Decode(Encode(m))
	require.NoError(t, err)
	require.Equal(t, byte(9), got.NodeID)
	require.True(t, got.IsDeletion)
}

func TestEncodeDecodeNoBodyActions(t *testing.T) {
	for _, op := range []Opcode{OpExit, OpBeat, OpRelocationNeeded, OpDeleteNode} {
		got, err := Decode(Encode(Message{Op: op}))
		require.NoError(t, err)
		require.Equal(t, op, got.Op)
	}
}
