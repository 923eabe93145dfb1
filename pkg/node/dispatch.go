package node

import (
	"context"
	"strings"

	"github.com/vicdc21/aerolineas-rusticas/pkg/action"
	"github.com/vicdc21/aerolineas-rusticas/pkg/cql"
	"github.com/vicdc21/aerolineas-rusticas/pkg/coordinator"
	"github.com/vicdc21/aerolineas-rusticas/pkg/cqlerror"
	"github.com/vicdc21/aerolineas-rusticas/pkg/gossip"
	"github.com/vicdc21/aerolineas-rusticas/pkg/metadata"
	"github.com/vicdc21/aerolineas-rusticas/pkg/storage"
)

// handleAction is the internal-action listener's single entry point: one
// decoded action.Message in, one reply out. It mirrors, peer-side, every
// Dispatch call the coordinator makes against a remote node, plus the
// gossip exchange and the membership/relocation opcodes the coordinator
// never sends but another node's ticker loop might.
func (n *Node) handleAction(ctx context.Context, msg action.Message) (action.Message, error) {
	switch msg.Op {
	case action.OpSyn:
		return n.handleSyn(msg), nil
	case action.OpAck2:
		n.Gossip.Merge(msg.States)
		return action.Message{Op: action.OpAck2}, nil
	case action.OpNewNeighbour:
		n.Gossip.Upsert(msg.NodeID, gossip.EndpointState{IP: msg.IP, Status: gossip.NewNode})
		return action.Message{Op: action.OpNewNeighbour, NodeID: n.SelfID}, nil
	case action.OpSendEndpointState:
		return n.handleSendEndpointState(msg), nil

	case action.OpInternalQuery:
		return n.handleInternalQuery(msg)
	case action.OpDirectReadRequest, action.OpDigestReadRequest:
		return n.handleDirectRead(msg)
	case action.OpRepairRows:
		return n.handleRepairRows(msg)
	case action.OpAddRelocatedRows:
		return n.handleAddRelocatedRows(msg)
	case action.OpGetAllTablesOfReplica:
		return n.handleGetAllTablesOfReplica(msg)

	case action.OpSendMetadata:
		return action.Message{Op: action.OpReceiveMetadata, Bytes: coordinator.MarshalMetadataSnapshot(n.Metadata.Export())}, nil
	case action.OpReceiveMetadata:
		return n.handleReceiveMetadata(msg)

	case action.OpUpdateReplicas:
		n.Gossip.SetStatus(msg.NodeID, gossip.UpdatingReplicas)
		n.rebuildRing()
		if !msg.IsDeletion {
			// A removed node takes its data with it: there is no live source
			// to pull its rows from, so relocation on removal is a no-op here.
			// Relocation on join forwards the rows the new node now owns.
			go n.relocateForJoin(msg.NodeID)
		}
		return action.Message{Op: msg.Op}, nil
	case action.OpNodeIsLeaving:
		n.Gossip.SetStatus(msg.NodeID, gossip.Leaving)
		return action.Message{Op: msg.Op}, nil
	case action.OpNodeToDelete:
		n.Gossip.SetStatus(msg.NodeID, gossip.Removing)
		return action.Message{Op: msg.Op}, nil
	case action.OpNodeDeleted:
		n.Gossip.SetStatus(msg.NodeID, gossip.Offline)
		n.rebuildRing()
		return action.Message{Op: msg.Op}, nil
	case action.OpAddPartitionValueToMetadata:
		// Partition-value bookkeeping beyond what pkg/metadata's keyspace/table
		// catalogue already tracks has no home here; acknowledged, not stored.
		return action.Message{Op: msg.Op}, nil

	case action.OpExit, action.OpBeat, action.OpGossip, action.OpRelocationNeeded, action.OpDeleteNode:
		// These carry no body on the wire except OpGossip's id set, which is
		// not read here (see action.Encode): self-directed
		// triggers in the original's single-threaded actor model, where this
		// node's ticker goroutines call the equivalent methods directly instead
		// of routing through another node. Answered but otherwise ignored.
		return action.Message{Op: msg.Op}, nil
	}
	return action.Message{Op: msg.Op}, nil
}

// handleSyn answers a SYN with the digests this node is stale on (so the
// initiator knows to send full state for those ids in its ACK2) and the full states this
// node already holds fresher-or-equal data for (so the initiator can merge
// immediately without a further round trip).
func (n *Node) handleSyn(msg action.Message) action.Message {
	staleIDs := n.Gossip.Stale(msg.Digests)
	wantedIDs := n.Gossip.WantedBy(msg.Digests)
	staleDigests := make([]gossip.Digest, len(staleIDs))
	for i, id := range staleIDs {
		staleDigests[i] = gossip.Digest{NodeID: id}
	}
	return action.Message{
		Op: action.OpAck,
		NodeID: n.SelfID,
		Digests: staleDigests,
		States: n.Gossip.States(wantedIDs),
	}
}

// handleSendEndpointState is the bootstrap path: a brand new node, not yet
// known to anyone, asks a seed to introduce it by delivering its own state
// as an OpNewNeighbour to every live member, then an OpUpdateReplicas so
// each of them relocates the rows the new node now owns.
func (n *Node) handleSendEndpointState(msg action.Message) action.Message {
	n.Gossip.Upsert(msg.NodeID, gossip.EndpointState{IP: msg.IP, Status: gossip.NewNode})
	self, _ := n.Gossip.Get(n.SelfID)
	n.rebuildRing()
	for _, id := range n.Gossip.Live() {
		if id == msg.NodeID {
			continue
		}
		if id == n.SelfID {
			go n.relocateForJoin(msg.NodeID)
			continue
		}
		go func(id byte) {
			rctx, cancel := context.WithTimeout(context.Background(), n.Config.ReplicaDeadline)
			n.Transport.Dispatch(rctx, id, action.Message{Op: action.OpNewNeighbour, NodeID: msg.NodeID, IP: msg.IP})
			cancel()
			rctx2, cancel2 := context.WithTimeout(context.Background(), n.Config.ReplicaDeadline)
			defer cancel2()
			n.Transport.Dispatch(rctx2, id, action.Message{Op: action.OpUpdateReplicas, NodeID: msg.NodeID})
		}(id)
	}
	return action.Message{Op: action.OpNewNeighbour, NodeID: n.SelfID, IP: self.IP}
}

func (n *Node) handleInternalQuery(msg action.Message) (action.Message, error) {
	ks, table, slot, pk, row, ifNotExists, err := coordinator.ParseWritePayload(msg.Bytes)
	if err != nil {
		return action.Message{}, err
	}
	if msg.IsDeletion {
		_, err := n.Storage.Delete(ks, table, slot, func(r cql.Row) bool {
			return matchesValues(row.Values, r)
		})
		return action.Message{Op: msg.Op}, err
	}
	_, err = n.Storage.Write(ks, table, slot, pk, storage.Row{Values: row.Values, TSMs: row.TSMs}, ifNotExists)
	return action.Message{Op: msg.Op}, err
}

func matchesValues(want map[string]string, row cql.Row) bool {
	for k, v := range want {
		if row[k] != v {
			return false
		}
	}
	return true
}

func (n *Node) handleDirectRead(msg action.Message) (action.Message, error) {
	slot, rawQuery, err := coordinator.ParseDirectReadPayload(msg.Bytes)
	if err != nil {
		return action.Message{}, err
	}
	stmt, err := cql.Parse(rawQuery)
	if err != nil {
		return action.Message{}, err
	}
	sel, ok := stmt.(*cql.Select)
	if !ok {
		return action.Message{}, cqlerror.Protocolf("node: direct read payload is not a SELECT")
	}
	rows, err := n.Storage.ReadWithTimestamp(sel.Keyspace, sel.Table, slot, func(r cql.Row) bool {
		return cql.EvalWhere(sel.Where, r)
	})
	if err != nil {
		return action.Message{}, err
	}
	records := make([]action.RowRecord, len(rows))
	for i, r := range rows {
		records[i] = action.RowRecord{Values: r.Values, TSMs: r.TSMs}
	}
	return action.Message{Op: msg.Op, Bytes: action.EncodeRows(records)}, nil
}

// handleRepairRows applies a read-repair batch: rows the coordinator found
// stale on this replica during a quorum read, destined for the slot this
// node occupies for each row's partition key.
func (n *Node) handleRepairRows(msg action.Message) (action.Message, error) {
	if err := n.applyIncomingRows(msg.Table, msg.Rows); err != nil {
		return action.Message{}, err
	}
	return action.Message{Op: msg.Op}, nil
}

// handleAddRelocatedRows applies a relocation batch forwarded by a peer
// after a membership change, via the same last-writer-wins repair path as
// handleRepairRows: the two carry an identical Table+Rows wire shape.
func (n *Node) handleAddRelocatedRows(msg action.Message) (action.Message, error) {
	if err := n.applyIncomingRows(msg.Table, msg.Rows); err != nil {
		return action.Message{}, err
	}
	return action.Message{Op: msg.Op}, nil
}

// applyIncomingRows repairs every row in rows into the replica slot this
// node occupies for its partition key, under table (a "keyspace.table"
// reference). Used for both read-repair and post-join relocation: a row
// arriving either way is applied iff it's newer than what's already there.
func (n *Node) applyIncomingRows(tableRef string, rows []action.RowRecord) error {
	sep := strings.IndexByte(tableRef, '.')
	if sep < 0 {
		return cqlerror.Protocolf("node: malformed table reference %q", tableRef)
	}
	ks, table := tableRef[:sep], tableRef[sep+1:]
	t, ok := n.Metadata.Table(ks, table)
	if !ok {
		return cqlerror.Protocolf("node: unknown table %s", tableRef)
	}
	kmeta, ok := n.Metadata.Keyspace(ks)
	if !ok {
		return cqlerror.Protocolf("node: unknown keyspace %s", ks)
	}
	pk := t.PrimaryKey()
	for _, r := range rows {
		partitionKey, err := concatValues(t.PartitionKey, r.Values)
		if err != nil {
			continue
		}
		replicas := n.currentRing().ReplicaSetForKey([]byte(partitionKey), kmeta.ReplicationFactor)
		if len(replicas) == 0 {
			continue
		}
		slot, ok := n.currentRing().Slot(n.SelfID, replicas[0])
		if !ok {
			continue
		}
		n.Storage.Repair(ks, table, slot, pk, storage.Row{Values: r.Values, TSMs: r.TSMs})
	}
	return nil
}

func concatValues(cols []string, vals map[string]string) (string, error) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		v, ok := vals[c]
		if !ok {
			return "", cqlerror.Protocolf("node: row missing partition column %s", c)
		}
		parts[i] = v
	}
	return strings.Join(parts, "\x00"), nil
}

// eachTable calls fn once per table this node's metadata catalogue knows
// about, paired with its owning keyspace, skipping any table whose
// keyspace went missing from the snapshot (drop-in-progress races).
func (n *Node) eachTable(fn func(t *metadata.Table, kmeta *metadata.Keyspace)) {
	snap := n.Metadata.Export()
	byKeyspace := make(map[string]*metadata.Keyspace, len(snap.Keyspaces))
	for _, k := range snap.Keyspaces {
		byKeyspace[k.Name] = k
	}
	for _, t := range snap.Tables {
		if kmeta, ok := byKeyspace[t.Keyspace]; ok {
			fn(t, kmeta)
		}
	}
}

// handleGetAllTablesOfReplica dumps every row this node holds, across every
// table in every keyspace it has a replica for: the wire encoding names no
// single table (see action.Encode), matching its literal name. When
// OnlyFarthest is set, only each table's outermost replica slot (its
// replication factor's last position) is scanned, the rows most likely to
// fall outside this node's owned arc after a membership change.
func (n *Node) handleGetAllTablesOfReplica(msg action.Message) (action.Message, error) {
	var records []action.RowRecord
	n.eachTable(func(t *metadata.Table, kmeta *metadata.Keyspace) {
		firstSlot := 1
		if msg.OnlyFarthest {
			firstSlot = kmeta.ReplicationFactor
		}
		for slot := firstSlot; slot <= kmeta.ReplicationFactor; slot++ {
			rows, err := n.Storage.ReadWithTimestamp(t.Keyspace, t.Name, slot, nil)
			if err != nil {
				continue
			}
			for _, r := range rows {
				records = append(records, action.RowRecord{Values: r.Values, TSMs: r.TSMs})
			}
		}
	})
	return action.Message{Op: msg.Op, Bytes: action.EncodeRows(records)}, nil
}

// relocateForJoin recomputes, per row this node holds across every table it
// has a replica for, whether newNode's join moved that row's replica set:
// rows newNode now replicates are forwarded to it as an AddRelocatedRows
// batch, and rows this node no longer replicates are deleted locally. Runs
// in the background off OpUpdateReplicas and off a seed's own membership
// update for the node it just introduced.
func (n *Node) relocateForJoin(newNode byte) {
	n.eachTable(func(t *metadata.Table, kmeta *metadata.Keyspace) {
		pk := t.PrimaryKey()
		var toNew []action.RowRecord
		for slot := 1; slot <= kmeta.ReplicationFactor; slot++ {
			rows, err := n.Storage.ReadWithTimestamp(t.Keyspace, t.Name, slot, nil)
			if err != nil {
				continue
			}
			for _, r := range rows {
				partitionKey, err := concatValues(t.PartitionKey, r.Values)
				if err != nil {
					continue
				}
				replicas := n.currentRing().ReplicaSetForKey([]byte(partitionKey), kmeta.ReplicationFactor)
				var belongsToNew, belongsToSelf bool
				for _, id := range replicas {
					belongsToNew = belongsToNew || id == newNode
					belongsToSelf = belongsToSelf || id == n.SelfID
				}
				if belongsToNew && newNode != n.SelfID {
					toNew = append(toNew, action.RowRecord{Values: r.Values, TSMs: r.TSMs})
				}
				if !belongsToSelf {
					want := make(map[string]string, len(pk))
					for _, col := range pk {
						want[col] = r.Values[col]
					}
					n.Storage.Delete(t.Keyspace, t.Name, slot, func(row cql.Row) bool {
						return matchesValues(want, row)
					})
				}
			}
		}
		if len(toNew) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), n.Config.ReplicaDeadline)
		defer cancel()
		n.Transport.Dispatch(ctx, newNode, action.Message{
			Op: action.OpAddRelocatedRows,
			Table: t.Keyspace + "." + t.Name,
			NodeID: newNode,
			Rows: toNew,
		})
	})
}

func (n *Node) handleReceiveMetadata(msg action.Message) (action.Message, error) {
	snap, err := coordinator.UnmarshalMetadataSnapshot(msg.Bytes)
	if err != nil {
		return action.Message{}, err
	}
	if err := n.Metadata.Import(snap); err != nil {
		return action.Message{}, err
	}
	if err := coordinator.EnsureStorageForSnapshot(n.Storage, snap); err != nil {
		return action.Message{}, err
	}
	return action.Message{Op: msg.Op}, nil
}
