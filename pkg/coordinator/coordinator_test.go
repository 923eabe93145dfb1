package coordinator

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vicdc21/aerolineas-rusticas/pkg/action"
	"github.com/vicdc21/aerolineas-rusticas/pkg/cql"
	"github.com/vicdc21/aerolineas-rusticas/pkg/metadata"
	"github.com/vicdc21/aerolineas-rusticas/pkg/ring"
	"github.com/vicdc21/aerolineas-rusticas/pkg/storage"
	"github.com/vicdc21/aerolineas-rusticas/pkg/wire"
)

// fakeCluster wires N in-process Coordinators, each with its own storage
// and metadata root, and a Transport that routes internal actions directly
// to the target node's Replica instead of going over the wire. It plays
// the role pkg/node's listener would play in a real deployment.
type fakeCluster struct {
	ring   *ring.Ring
	nodes  map[byte]*Coordinator
	alive  []byte
}

func newFakeCluster(t *testing.T, ids []byte) *fakeCluster {
	t.Helper()
	fc := &fakeCluster{nodes: make(map[byte]*Coordinator), alive: append([]byte{}, ids...)}
	fc.ring = ring.New(ids)
	for _, id := range ids {
		root := t.TempDir()
		st, err := storage.Open(filepath.Join(root, "storage"))
		require.NoError(t, err)
		md, err := metadata.Open(filepath.Join(root, "metadata"))
		require.NoError(t, err)
		fc.nodes[id] = &Coordinator{
			SelfID:  id,
			Ring:    func() *ring.Ring { return fc.ring },
			Members: fc,
			Local:   Replica{Storage: st, Metadata: md},
		}
	}
	for _, c := range fc.nodes {
		c.Transport = fc
	}
	return fc
}

func (fc *fakeCluster) Live() []byte { return fc.alive }

// Dispatch emulates a peer node's internal-action handler by decoding the
// action body the same way pkg/node's listener would and applying it to
// the target node's Replica.
func (fc *fakeCluster) Dispatch(ctx context.Context, nodeID byte, msg action.Message) (action.Message, error) {
	target, ok := fc.nodes[nodeID]
	if !ok {
		return action.Message{}, cqlTestUnavailable(nodeID)
	}
	switch msg.Op {
	case action.OpReceiveMetadata:
		snap, err := UnmarshalMetadataSnapshot(msg.Bytes)
		if err != nil {
			return action.Message{}, err
		}
		if err := target.Local.Metadata.Import(snap); err != nil {
			return action.Message{}, err
		}
		if err := EnsureStorageForSnapshot(target.Local.Storage, snap); err != nil {
			return action.Message{}, err
		}
		return action.Message{}, nil

	case action.OpInternalQuery:
		ks, table, slot, pk, row, ifNotExists, err := ParseWritePayload(msg.Bytes)
		if err != nil {
			return action.Message{}, err
		}
		if msg.IsDeletion {
			_, err := target.Local.Storage.Delete(ks, table, slot, func(r cql.Row) bool {
				return matchesWhere(row.Values, r)
			})
			return action.Message{}, err
		}
		_, err = target.Local.Storage.Write(ks, table, slot, pk, storage.Row{Values: row.Values, TSMs: row.TSMs}, ifNotExists)
		return action.Message{}, err

	case action.OpDirectReadRequest, action.OpDigestReadRequest:
		slot, rawQuery, err := ParseDirectReadPayload(msg.Bytes)
		if err != nil {
			return action.Message{}, err
		}
		stmt, err := cql.Parse(rawQuery)
		if err != nil {
			return action.Message{}, err
		}
		sel, ok := stmt.(*cql.Select)
		if !ok {
			return action.Message{}, cqlTestUnavailable(nodeID)
		}
		ks, err := resolveKeyspace(sel.Keyspace, sel.Keyspace)
		if err != nil {
			return action.Message{}, err
		}
		rows, err := target.Local.Storage.ReadWithTimestamp(ks, sel.Table, slot, func(r cql.Row) bool {
			return cql.EvalWhere(sel.Where, r)
		})
		if err != nil {
			return action.Message{}, err
		}
		records := make([]action.RowRecord, len(rows))
		for i, r := range rows {
			records[i] = action.RowRecord{Values: r.Values, TSMs: r.TSMs}
		}
		return action.Message{Bytes: action.EncodeRows(records)}, nil

	case action.OpRepairRows:
		ksTable := msg.Table
		sep := strings.IndexByte(ksTable, '.')
		ks, table := ksTable[:sep], ksTable[sep+1:]
		t, ok := target.Local.Metadata.Table(ks, table)
		if !ok {
			return action.Message{}, cqlTestUnavailable(nodeID)
		}
		kmeta, ok := target.Local.Metadata.Keyspace(ks)
		if !ok {
			return action.Message{}, cqlTestUnavailable(nodeID)
		}
		for _, r := range msg.Rows {
			pkVal, _ := concatKey(t.PartitionKey, r.Values)
			replicas := fc.ring.ReplicaSetForKey([]byte(pkVal), kmeta.ReplicationFactor)
			slot := target.slotFor(replicas, nodeID)
			_, _ = target.Local.Storage.Repair(ks, table, slot, t.PrimaryKey(), storage.Row{Values: r.Values, TSMs: r.TSMs})
		}
		return action.Message{}, nil
	}
	return action.Message{}, nil
}

// cqlTestUnavailable is a tiny local helper so the fake transport doesn't
// need to import cqlerror just to synthesize an opaque failure.
func cqlTestUnavailable(nodeID byte) error {
	return &unavailableErr{nodeID}
}

type unavailableErr struct{ nodeID byte }

func (e *unavailableErr) Error() string { return "fake transport: node unavailable" }

func exec(t *testing.T, c *Coordinator, query string, cl wire.Consistency, ks string) Outcome {
	t.Helper()
	out, err := c.Execute(context.Background(), query, cl, ks)
	require.NoError(t, err)
	return out
}

func TestCreateKeyspaceAndTableReplicateAcrossCluster(t *testing.T) {
	fc := newFakeCluster(t, []byte{1, 2, 3})
	coord := fc.nodes[1]

	exec(t, coord, `CREATE KEYSPACE airlines WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 3}`, wire.ConsistencyAll, "")
	exec(t, coord, `CREATE TABLE airlines.flights (id text, status text, PRIMARY KEY ((id)))`, wire.ConsistencyAll, "")

	for _, id := range []byte{1, 2, 3} {
		_, ok := fc.nodes[id].Local.Metadata.Table("airlines", "flights")
		require.True(t, ok, "node %d should have replicated schema", id)
	}
}

func TestInsertSelectRoundTripAtQuorum(t *testing.T) {
	fc := newFakeCluster(t, []byte{1, 2, 3})
	coord := fc.nodes[1]

	exec(t, coord, `CREATE KEYSPACE airlines WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 3}`, wire.ConsistencyAll, "")
	exec(t, coord, `CREATE TABLE airlines.flights (id text, status text, PRIMARY KEY ((id)))`, wire.ConsistencyAll, "")
	exec(t, coord, `INSERT INTO airlines.flights (id, status) VALUES ('AR1', 'boarding')`, wire.ConsistencyQuorum, "")

	out := exec(t, coord, `SELECT id, status FROM airlines.flights WHERE id = 'AR1'`, wire.ConsistencyQuorum, "")
	require.Equal(t, wire.ResultRows, out.Kind)
	require.Len(t, out.Rows.Rows, 1)
	require.Equal(t, "AR1", string(out.Rows.Rows[0][0]))
	require.Equal(t, "boarding", string(out.Rows.Rows[0][1]))
}

func TestUpdateThenSelectSeesLatestValue(t *testing.T) {
	fc := newFakeCluster(t, []byte{1, 2, 3})
	coord := fc.nodes[2]

	exec(t, coord, `CREATE KEYSPACE airlines WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 3}`, wire.ConsistencyAll, "")
	exec(t, coord, `CREATE TABLE airlines.flights (id text, status text, PRIMARY KEY ((id)))`, wire.ConsistencyAll, "")
	exec(t, coord, `INSERT INTO airlines.flights (id, status) VALUES ('AR1', 'boarding')`, wire.ConsistencyAll, "")
	exec(t, coord, `UPDATE airlines.flights SET status = 'departed' WHERE id = 'AR1'`, wire.ConsistencyAll, "")

	out := exec(t, coord, `SELECT id, status FROM airlines.flights WHERE id = 'AR1'`, wire.ConsistencyAll, "")
	require.Len(t, out.Rows.Rows, 1)
	require.Equal(t, "departed", string(out.Rows.Rows[0][1]))
}

func TestDeleteRemovesRowClusterWide(t *testing.T) {
	fc := newFakeCluster(t, []byte{1, 2, 3})
	coord := fc.nodes[3]

	exec(t, coord, `CREATE KEYSPACE airlines WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 3}`, wire.ConsistencyAll, "")
	exec(t, coord, `CREATE TABLE airlines.flights (id text, status text, PRIMARY KEY ((id)))`, wire.ConsistencyAll, "")
	exec(t, coord, `INSERT INTO airlines.flights (id, status) VALUES ('AR1', 'boarding')`, wire.ConsistencyAll, "")
	exec(t, coord, `DELETE FROM airlines.flights WHERE id = 'AR1'`, wire.ConsistencyAll, "")

	out := exec(t, coord, `SELECT id, status FROM airlines.flights WHERE id = 'AR1'`, wire.ConsistencyAll, "")
	require.Empty(t, out.Rows.Rows)
}

func TestSelectWithoutPartitionKeyRequiresAllowFiltering(t *testing.T) {
	fc := newFakeCluster(t, []byte{1, 2, 3})
	coord := fc.nodes[1]

	exec(t, coord, `CREATE KEYSPACE airlines WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 3}`, wire.ConsistencyAll, "")
	exec(t, coord, `CREATE TABLE airlines.flights (id text, status text, PRIMARY KEY ((id)))`, wire.ConsistencyAll, "")
	exec(t, coord, `INSERT INTO airlines.flights (id, status) VALUES ('AR1', 'boarding')`, wire.ConsistencyAll, "")

	_, err := coord.Execute(context.Background(), `SELECT id, status FROM airlines.flights WHERE status = 'boarding'`, wire.ConsistencyAll, "")
	require.Error(t, err)

	out := exec(t, coord, `SELECT id, status FROM airlines.flights WHERE status = 'boarding' ALLOW FILTERING`, wire.ConsistencyAll, "")
	require.Len(t, out.Rows.Rows, 1)
}

func TestReadRepairReconcilesLaggingReplica(t *testing.T) {
	fc := newFakeCluster(t, []byte{1, 2, 3})
	coord := fc.nodes[1]

	exec(t, coord, `CREATE KEYSPACE airlines WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 3}`, wire.ConsistencyAll, "")
	exec(t, coord, `CREATE TABLE airlines.flights (id text, status text, PRIMARY KEY ((id)))`, wire.ConsistencyAll, "")

	table, kmeta, err := coord.lookupTable("airlines", "flights")
	require.NoError(t, err)
	key, err := concatKey(table.PartitionKey, map[string]string{"id": "AR1"})
	require.NoError(t, err)
	replicas := fc.ring.ReplicaSetForKey([]byte(key), kmeta.ReplicationFactor)
	require.Len(t, replicas, 3)

	// pick a non-primary replica so the read-repair digest comparison (which
	// always trusts replicas[0] as ground truth) actually catches it stale.
	var laggard byte
	for _, id := range replicas[1:] {
		if id != coord.SelfID {
			laggard = id
			break
		}
	}
	require.NotZero(t, laggard)

	// simulate laggard missing the write entirely: drop it from the
	// cluster for the duration of the insert, quorum still succeeds with
	// the remaining two replicas.
	saved := fc.nodes[laggard]
	delete(fc.nodes, laggard)
	fc.alive = removeByte(fc.alive, laggard)
	exec(t, coord, `INSERT INTO airlines.flights (id, status) VALUES ('AR1', 'boarding')`, wire.ConsistencyQuorum, "")

	// bring it back before the read: it now disagrees with the other two.
	fc.nodes[laggard] = saved
	fc.alive = append(fc.alive, laggard)

	out := exec(t, coord, `SELECT id, status FROM airlines.flights WHERE id = 'AR1'`, wire.ConsistencyAll, "")
	require.Len(t, out.Rows.Rows, 1)
	require.Equal(t, "boarding", string(out.Rows.Rows[0][1]))

	require.Eventually(t, func() bool {
		rows, err := saved.Local.Storage.ReadPublic("airlines", "flights", saved.slotFor(replicas, laggard), nil)
		return err == nil && len(rows) == 1 && rows[0]["status"] == "boarding"
	}, time.Second, time.Millisecond, "async repair should backfill the lagging replica")
}

func removeByte(s []byte, v byte) []byte {
	out := s[:0]
	for _, b := range s {
		if b != v {
			out = append(out, b)
		}
	}
	return out
}

func TestWriteTimeoutWhenReplicaUnreachable(t *testing.T) {
	fc := newFakeCluster(t, []byte{1, 2, 3})
	coord := fc.nodes[1]
	exec(t, coord, `CREATE KEYSPACE airlines WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 3}`, wire.ConsistencyAll, "")
	exec(t, coord, `CREATE TABLE airlines.flights (id text, status text, PRIMARY KEY ((id)))`, wire.ConsistencyAll, "")

	// drop node 3 from membership so it cannot ack the write; ALL should fail
	delete(fc.nodes, 3)
	fc.alive = []byte{1, 2}

	_, err := coord.Execute(context.Background(), `INSERT INTO airlines.flights (id, status) VALUES ('AR1', 'boarding')`, wire.ConsistencyAll, "")
	require.Error(t, err)
}
