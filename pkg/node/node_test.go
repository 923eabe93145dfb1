package node

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vicdc21/aerolineas-rusticas/pkg/action"
	"github.com/vicdc21/aerolineas-rusticas/pkg/config"
	"github.com/vicdc21/aerolineas-rusticas/pkg/gossip"
	"github.com/vicdc21/aerolineas-rusticas/pkg/logging"
	"github.com/vicdc21/aerolineas-rusticas/pkg/metadata"
	"github.com/vicdc21/aerolineas-rusticas/pkg/ring"
	"github.com/vicdc21/aerolineas-rusticas/pkg/storage"
)

// newTestNode builds a Node with real storage/metadata at a temp root and a
// gossip table seeded with ids, but no listeners and no Transport: exactly
// the in-process construction the design notes call for.
func newTestNode(t *testing.T, id byte, ids []byte) *Node {
	t.Helper()
	root := t.TempDir()
	st, err := storage.Open(filepath.Join(root, "storage"))
	require.NoError(t, err)
	md, err := metadata.Open(filepath.Join(root, "metadata"))
	require.NoError(t, err)

	n := &Node{
		SelfID:   id,
		Config:   config.Default(),
		Gossip:   gossip.NewTable(id, 8),
		Metadata: md,
		Storage:  st,
		Log:      logging.New("test").WithNode("x"),
		ring:     ring.New(ids),
	}
	for _, peer := range ids {
		n.Gossip.Upsert(peer, gossip.EndpointState{Status: gossip.Normal})
	}
	return n
}

func TestHandleSynRepliesWithStaleAndWantedDigests(t *testing.T) {
	n := newTestNode(t, 1, []byte{1, 2})
	n.Gossip.Tick() // bump node 1's own heartbeat so it is ahead of a zeroed remote digest

	reply, err := n.handleAction(context.Background(), action.Message{
		Op:      action.OpSyn,
		NodeID:  2,
		Digests: []gossip.Digest{{NodeID: 1}, {NodeID: 2}},
	})
	require.NoError(t, err)
	require.Equal(t, action.OpAck, reply.Op)
	require.Contains(t, reply.States, byte(1))
}

func TestHandleAck2MergesRemoteStates(t *testing.T) {
	n := newTestNode(t, 1, []byte{1, 2})
	remoteState := gossip.EndpointState{
		Heartbeat: gossip.Heartbeat{Generation: 99, Version: 5},
		Status:    gossip.Normal,
	}
	_, err := n.handleAction(context.Background(), action.Message{
		Op:     action.OpAck2,
		States: map[byte]gossip.EndpointState{2: remoteState},
	})
	require.NoError(t, err)

	got, ok := n.Gossip.Get(2)
	require.True(t, ok)
	require.Equal(t, uint64(99), got.Heartbeat.Generation)
}

func TestHandleInternalQueryAppliesWriteThenDelete(t *testing.T) {
	n := newTestNode(t, 1, []byte{1})
	require.NoError(t, n.Storage.EnsureTable("ks", "t", 1, []string{"id", "name"}))

	writeMsg := action.Message{Op: action.OpInternalQuery, Bytes: writePayloadJSON(t, "ks", "t", 1, []string{"id"},
		action.RowRecord{Values: map[string]string{"id": "1", "name": "a"}, TSMs: 10}, false)}
	_, err := n.handleAction(context.Background(), writeMsg)
	require.NoError(t, err)

	deleteMsg := action.Message{
		Op: action.OpInternalQuery,
		Bytes: writePayloadJSON(t, "ks", "t", 1, []string{"id"},
			action.RowRecord{Values: map[string]string{"id": "1"}}, false),
		IsDeletion: true,
	}
	_, err = n.handleAction(context.Background(), deleteMsg)
	require.NoError(t, err)
}

func TestHandleGetAllTablesOfReplicaDumpsEveryHeldSlot(t *testing.T) {
	n := newTestNode(t, 1, []byte{1})
	require.NoError(t, n.Metadata.CreateKeyspace(&metadata.Keyspace{Name: "ks", Class: "SimpleStrategy", ReplicationFactor: 2}, false))
	require.NoError(t, n.Metadata.CreateTable(&metadata.Table{Name: "t", Keyspace: "ks", Columns: []metadata.Column{{Name: "id"}}, PartitionKey: []string{"id"}}, false))
	require.NoError(t, n.Storage.EnsureTable("ks", "t", 1, []string{"id"}))
	require.NoError(t, n.Storage.EnsureTable("ks", "t", 2, []string{"id"}))
	_, err := n.Storage.Write("ks", "t", 1, []string{"id"}, storage.Row{Values: map[string]string{"id": "1"}, TSMs: 1}, false)
	require.NoError(t, err)
	_, err = n.Storage.Write("ks", "t", 2, []string{"id"}, storage.Row{Values: map[string]string{"id": "2"}, TSMs: 1}, false)
	require.NoError(t, err)

	reply, err := n.handleAction(context.Background(), action.Message{Op: action.OpGetAllTablesOfReplica})
	require.NoError(t, err)
	records, err := action.DecodeRows(reply.Bytes)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestHandleReceiveMetadataImportsSnapshotAndStorage(t *testing.T) {
	n := newTestNode(t, 1, []byte{1})
	snap := metadata.Snapshot{
		Keyspaces: []*metadata.Keyspace{{Name: "ks", Class: "SimpleStrategy", ReplicationFactor: 1}},
		Tables: []*metadata.Table{{Name: "t", Keyspace: "ks", Columns: []metadata.Column{{Name: "id"}}, PartitionKey: []string{"id"}}},
	}
	b, err := json.Marshal(snap)
	require.NoError(t, err)

	reply, err := n.handleAction(context.Background(), action.Message{Op: action.OpReceiveMetadata, Bytes: b})
	require.NoError(t, err)
	require.Equal(t, action.OpReceiveMetadata, reply.Op)

	_, ok := n.Metadata.Keyspace("ks")
	require.True(t, ok)

	// Write fails on a missing segment file, so this checks the slot-1 file exists.
	_, err = n.Storage.Write("ks", "t", 1, []string{"id"}, storage.Row{Values: map[string]string{"id": "1"}, TSMs: 1}, false)
	require.NoError(t, err)
}

func TestHandleNodeIsLeavingUpdatesGossipStatus(t *testing.T) {
	n := newTestNode(t, 1, []byte{1, 2})
	_, err := n.handleAction(context.Background(), action.Message{Op: action.OpNodeIsLeaving, NodeID: 2})
	require.NoError(t, err)

	got, ok := n.Gossip.Get(2)
	require.True(t, ok)
	require.Equal(t, gossip.Leaving, got.Status)
}

func TestPickNeighboursNeverIncludesSelfOrExceedsFanout(t *testing.T) {
	live := []byte{1, 2, 3, 4, 5}
	picked := pickNeighbours(live, 1, 2)
	require.Len(t, picked, 2)
	for _, id := range picked {
		require.NotEqual(t, byte(1), id)
	}
}

func TestLengthPrefixedRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go writeLengthPrefixed(server, []byte("hello"))
	got, err := readLengthPrefixed(client, 1024)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

// writePayloadJSON builds an InternalQuery action body with the exact
// untagged field names coordinator.ParseWritePayload expects.
func writePayloadJSON(t *testing.T, ks, table string, slot int, pk []string, row action.RowRecord, ifNotExists bool) []byte {
	t.Helper()
	b, err := json.Marshal(struct {
		Keyspace    string
		Table       string
		Slot        int
		PrimaryKey  []string
		Row         action.RowRecord
		IfNotExists bool
	}{ks, table, slot, pk, row, ifNotExists})
	require.NoError(t, err)
	return b
}
