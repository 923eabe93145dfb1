// Package coordinator implements the per-query dispatch algorithm:
// parse, resolve schema, compute the replica set, fan out InternalQuery or
// DirectReadRequest over the internal action protocol, and reconcile replies
// per the requested consistency level. Replica digests are computed here
// from the full rows each replica returns to a DirectReadRequest; the
// coordinator does not send DigestReadRequest.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vicdc21/aerolineas-rusticas/pkg/action"
	"github.com/vicdc21/aerolineas-rusticas/pkg/cql"
	"github.com/vicdc21/aerolineas-rusticas/pkg/cqlerror"
	"github.com/vicdc21/aerolineas-rusticas/pkg/logging"
	"github.com/vicdc21/aerolineas-rusticas/pkg/metadata"
	"github.com/vicdc21/aerolineas-rusticas/pkg/ring"
	"github.com/vicdc21/aerolineas-rusticas/pkg/storage"
	"github.com/vicdc21/aerolineas-rusticas/pkg/wire"
)

// Transport sends one internal action to a peer node and waits (bounded by
// ctx) for its reply. Node-local delivery (nodeID == the coordinator's own
// id) bypasses Transport entirely; see Replica below.
type Transport interface {
	Dispatch(ctx context.Context, nodeID byte, msg action.Message) (action.Message, error)
}

// Membership exposes the subset of gossip.Table the coordinator needs:
// which nodes are currently live, for replica-set and DDL broadcast.
type Membership interface {
	Live() []byte
}

// Replica is the local storage+metadata view the coordinator reads and
// writes directly when it is itself one of the replicas for a query,
// avoiding a pointless network round trip.
type Replica struct {
	Storage *storage.Engine
	Metadata *metadata.Store
}

// Coordinator is the entry point for every client CQL QUERY frame.
type Coordinator struct {
	SelfID byte
	Ring func() *ring.Ring
	Members Membership
	Transport Transport
	Local Replica
	ReplicaDeadline time.Duration
	Log *logging.Logger

	tsSeq int64 // monotonic tiebreaker component for row_ts
}

func (c *Coordinator) deadline() time.Duration {
	if c.ReplicaDeadline <= 0 {
		return 2 * time.Second
	}
	return c.ReplicaDeadline
}

// nextTimestamp assigns a monotonically increasing row_ts: wall-clock
// milliseconds, ties broken by a coordinator-local sequence folded into the
// low bits.
func (c *Coordinator) nextTimestamp() int64 {
	seq := atomic.AddInt64(&c.tsSeq, 1)
	ms := time.Now().UnixMilli()
	return ms*1000 + (seq % 1000)
}

// Outcome is the result the coordinator hands back to the session layer to
// encode as a CQL RESULT frame.
type Outcome struct {
	Kind wire.ResultKind
	Rows *wire.RowsResult
	Keyspace string // SetKeyspace
	ChangeType string // SchemaChange
	ChangeTarget string
}

// Execute parses and runs one CQL statement under consistency cl, with
// currentKeyspace used to resolve unqualified table names.
func (c *Coordinator) Execute(ctx context.Context, query string, cl wire.Consistency, currentKeyspace string) (Outcome, error) {
	stmt, err := cql.Parse(query)
	if err != nil {
		return Outcome{}, err
	}
	switch s := stmt.(type) {
	case *cql.CreateKeyspace:
		return c.execCreateKeyspace(ctx, s)
	case *cql.DropKeyspace:
		return c.execDropKeyspace(ctx, s)
	case *cql.Use:
		if _, ok := c.Local.Metadata.Keyspace(s.Keyspace); !ok {
			return Outcome{}, cqlerror.Invalidf("keyspace %q does not exist", s.Keyspace)
		}
		return Outcome{Kind: wire.ResultSetKeyspace, Keyspace: s.Keyspace}, nil
	case *cql.CreateTable:
		return c.execCreateTable(ctx, s, currentKeyspace)
	case *cql.DropTable:
		return c.execDropTable(ctx, s, currentKeyspace)
	case *cql.Insert:
		return c.execInsert(ctx, s, cl, currentKeyspace)
	case *cql.Update:
		return c.execUpdate(ctx, s, cl, currentKeyspace)
	case *cql.Delete:
		return c.execDelete(ctx, s, cl, currentKeyspace)
	case *cql.Select:
		return c.execSelect(ctx, s, query, cl, currentKeyspace)
	default:
		return Outcome{}, cqlerror.Invalidf("unsupported statement")
	}
}

func resolveKeyspace(stmtKs, current string) (string, error) {
	if stmtKs != "" {
		return stmtKs, nil
	}
	if current == "" {
		return "", cqlerror.Invalidf("no keyspace specified and no USE in effect")
	}
	return current, nil
}

func (c *Coordinator) broadcastMetadata(ctx context.Context) error {
	snap := c.Local.Metadata.Export()
	live := c.Members.Live()
	required, err := wire.ConsistencyAll.AsCount(len(live))
	if err != nil {
		return err
	}
	acks := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range live {
		if id == c.SelfID {
			acks++
			continue
		}
		wg.Add(1)
		go func(id byte) {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, c.deadline())
			defer cancel()
			payload := MarshalMetadataSnapshot(snap)
			_, err := c.Transport.Dispatch(rctx, id, action.Message{Op: action.OpReceiveMetadata, Bytes: payload})
			if err == nil {
				mu.Lock()
				acks++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	if acks < required {
		return cqlerror.Failure(false, uint16(wire.ConsistencyAll), acks, required, nil)
	}
	return nil
}

// MarshalMetadataSnapshot encodes a full catalogue snapshot for the
// ReceiveMetadata action body, reusing the same JSON shape pkg/metadata
// persists to disk so a receiving node can decode it straight into a
// metadata.Snapshot and Import it.
func MarshalMetadataSnapshot(snap metadata.Snapshot) []byte {
	b, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	return b
}

// UnmarshalMetadataSnapshot decodes a ReceiveMetadata action body produced
// by MarshalMetadataSnapshot.
func UnmarshalMetadataSnapshot(b []byte) (metadata.Snapshot, error) {
	var snap metadata.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return metadata.Snapshot{}, cqlerror.Wrap(err, "coordinator: decode metadata snapshot")
	}
	return snap, nil
}

func (c *Coordinator) execCreateKeyspace(ctx context.Context, s *cql.CreateKeyspace) (Outcome, error) {
	err := c.Local.Metadata.CreateKeyspace(&metadata.Keyspace{
		Name: s.Name,
		Class: s.Replication.Class,
		ReplicationFactor: s.Replication.ReplicationFactor,
	}, s.IfNotExists)
	if err != nil {
		return Outcome{}, err
	}
	if err := c.broadcastMetadata(ctx); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: wire.ResultSchemaChange, ChangeType: "CREATED", ChangeTarget: "KEYSPACE"}, nil
}

func (c *Coordinator) execDropKeyspace(ctx context.Context, s *cql.DropKeyspace) (Outcome, error) {
	if err := c.Local.Metadata.DropKeyspace(s.Name, s.IfExists); err != nil {
		return Outcome{}, err
	}
	if err := c.broadcastMetadata(ctx); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: wire.ResultSchemaChange, ChangeType: "DROPPED", ChangeTarget: "KEYSPACE"}, nil
}

func toMetadataColumns(cols []cql.ColumnDef) []metadata.Column {
	out := make([]metadata.Column, len(cols))
	for i, c := range cols {
		out[i] = metadata.Column{Name: c.Name, Type: c.Type}
	}
	return out
}

func toMetadataClustering(cols []cql.ClusteringCol) []metadata.ClusteringColumn {
	out := make([]metadata.ClusteringColumn, len(cols))
	for i, c := range cols {
		out[i] = metadata.ClusteringColumn{Name: c.Name, Desc: c.Desc}
	}
	return out
}

// ensureStorageForTable creates every replica-slot segment file a node
// might need for table, one per position 1..ReplicationFactor, since which
// slot a given node plays for table varies by partition key.
func ensureStorageForTable(st *storage.Engine, table *metadata.Table, kmeta *metadata.Keyspace) error {
	header := make([]string, 0, len(table.Columns))
	for _, col := range table.Columns {
		header = append(header, col.Name)
	}
	for slot := 1; slot <= kmeta.ReplicationFactor; slot++ {
		if err := st.EnsureTable(table.Keyspace, table.Name, slot, header); err != nil {
			return err
		}
	}
	return nil
}

// EnsureStorageForSnapshot brings a node's local storage layout in line
// with an imported metadata snapshot: every table's replica-slot segment
// files, created idempotently. Called after Import when a peer's
// ReceiveMetadata action arrives, since that can introduce tables this node
// did not know about yet; a local CREATE TABLE creates its segment files
// through ensureStorageForTable instead.
func EnsureStorageForSnapshot(st *storage.Engine, snap metadata.Snapshot) error {
	byKeyspace := make(map[string]*metadata.Keyspace, len(snap.Keyspaces))
	for _, k := range snap.Keyspaces {
		byKeyspace[k.Name] = k
	}
	for _, t := range snap.Tables {
		kmeta, ok := byKeyspace[t.Keyspace]
		if !ok {
			continue
		}
		if err := ensureStorageForTable(st, t, kmeta); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) execCreateTable(ctx context.Context, s *cql.CreateTable, currentKeyspace string) (Outcome, error) {
	ks, err := resolveKeyspace(s.Keyspace, currentKeyspace)
	if err != nil {
		return Outcome{}, err
	}
	kmeta, ok := c.Local.Metadata.Keyspace(ks)
	if !ok {
		return Outcome{}, cqlerror.Invalidf("keyspace %q does not exist", ks)
	}
	clustering := s.ClusteringKey
	if len(s.ClusteringOrder) > 0 {
		clustering = s.ClusteringOrder
	}
	table := &metadata.Table{
		Name: s.Table,
		Keyspace: ks,
		Columns: toMetadataColumns(s.Columns),
		PartitionKey: s.PartitionKey,
		ClusteringKey: toMetadataClustering(clustering),
	}
	if err := c.Local.Metadata.CreateTable(table, s.IfNotExists); err != nil {
		return Outcome{}, err
	}
	if err := ensureStorageForTable(c.Local.Storage, table, kmeta); err != nil {
		return Outcome{}, err
	}
	if err := c.broadcastMetadata(ctx); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: wire.ResultSchemaChange, ChangeType: "CREATED", ChangeTarget: "TABLE"}, nil
}

func (c *Coordinator) execDropTable(ctx context.Context, s *cql.DropTable, currentKeyspace string) (Outcome, error) {
	ks, err := resolveKeyspace(s.Keyspace, currentKeyspace)
	if err != nil {
		return Outcome{}, err
	}
	if err := c.Local.Metadata.DropTable(ks, s.Table, s.IfExists); err != nil {
		return Outcome{}, err
	}
	if err := c.broadcastMetadata(ctx); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: wire.ResultSchemaChange, ChangeType: "DROPPED", ChangeTarget: "TABLE"}, nil
}

// partitionKeyFromInsert extracts the textual partition-key value from an
// INSERT's column/value lists.
func partitionKeyFromInsert(s *cql.Insert, table *metadata.Table) (string, map[string]string, error) {
	vals := make(map[string]string, len(s.Columns))
	for i, col := range s.Columns {
		vals[col] = termText(s.Values[i])
	}
	key, err := concatKey(table.PartitionKey, vals)
	return key, vals, err
}

func termText(t cql.Term) string {
	switch {
	case t.IsBool:
		if t.BoolVal {
			return "true"
		}
		return "false"
	default:
		return t.Literal
	}
}

func concatKey(cols []string, vals map[string]string) (string, error) {
	parts := make([]string, 0, len(cols))
	for _, col := range cols {
		v, ok := vals[col]
		if !ok {
			return "", cqlerror.Invalidf("missing partition key column %q", col)
		}
		parts = append(parts, v)
	}
	return strings.Join(parts, "\x00"), nil
}

// partitionKeyFromWhere extracts the partition key value from a WHERE
// clause's equality relations, requiring every partition key column to be
// present as a plain equality (no ranges, no IN support for the key).
func partitionKeyFromWhere(w cql.Where, table *metadata.Table) (string, map[string]string, bool) {
	vals := make(map[string]string)
	for _, r := range w.Relations {
		if r.Op == cql.OpEq {
			vals[r.Column] = termText(r.Value)
		}
	}
	for _, col := range table.PartitionKey {
		if _, ok := vals[col]; !ok {
			return "", nil, false
		}
	}
	key, _ := concatKey(table.PartitionKey, vals)
	return key, vals, true
}

func (c *Coordinator) replicaSet(ks string, kmeta *metadata.Keyspace, partitionKey string) []byte {
	r := c.Ring()
	return r.ReplicaSetForKey([]byte(partitionKey), kmeta.ReplicationFactor)
}

func (c *Coordinator) lookupTable(ks, name string) (*metadata.Table, *metadata.Keyspace, error) {
	kmeta, ok := c.Local.Metadata.Keyspace(ks)
	if !ok {
		return nil, nil, cqlerror.Invalidf("keyspace %q does not exist", ks)
	}
	t, ok := c.Local.Metadata.Table(ks, name)
	if !ok {
		return nil, nil, cqlerror.Invalidf("table %q.%q does not exist", ks, name)
	}
	return t, kmeta, nil
}

func (c *Coordinator) slotFor(replicaSet []byte, nodeID byte) int {
	for i, id := range replicaSet {
		if id == nodeID {
			return i + 1
		}
	}
	return 0
}

func (c *Coordinator) dispatchWrite(ctx context.Context, id byte, slot int, ks, table string, row action.RowRecord, primaryKey []string, ifNotExists bool) error {
	if id == c.SelfID {
		_, err := c.Local.Storage.Write(ks, table, slot, primaryKey, storage.Row{Values: row.Values, TSMs: row.TSMs}, ifNotExists)
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, c.deadline())
	defer cancel()
	payload := marshalWritePayload(ks, table, slot, primaryKey, row, ifNotExists)
	_, err := c.Transport.Dispatch(rctx, id, action.Message{Op: action.OpInternalQuery, Bytes: payload})
	return err
}

// writePayload is the decoded form of an InternalQuery action body: enough
// for a peer to apply the identical write (or, when IsDeletion is set on
// the carrying action.Message, the identical delete) to its own replica.
type writePayload struct {
	Keyspace string
	Table string
	Slot int
	PrimaryKey []string
	Row action.RowRecord
	IfNotExists bool
}

func marshalWritePayload(ks, table string, slot int, pk []string, row action.RowRecord, ifNotExists bool) []byte {
	b, _ := json.Marshal(writePayload{
		Keyspace: ks,
		Table: table,
		Slot: slot,
		PrimaryKey: pk,
		Row: row,
		IfNotExists: ifNotExists,
	})
	return b
}

// ParseWritePayload decodes an InternalQuery action body produced by
// marshalWritePayload. Exported so pkg/node's internal-action listener can
// apply the write (or, for IsDeletion messages, the delete) it carries.
func ParseWritePayload(b []byte) (ks, table string, slot int, pk []string, row action.RowRecord, ifNotExists bool, err error) {
	var wp writePayload
	if jerr := json.Unmarshal(b, &wp); jerr != nil {
		return "", "", 0, nil, action.RowRecord{}, false, cqlerror.Wrap(jerr, "coordinator: decode write payload")
	}
	return wp.Keyspace, wp.Table, wp.Slot, wp.PrimaryKey, wp.Row, wp.IfNotExists, nil
}

func (c *Coordinator) execInsert(ctx context.Context, s *cql.Insert, cl wire.Consistency, currentKeyspace string) (Outcome, error) {
	ks, err := resolveKeyspace(s.Keyspace, currentKeyspace)
	if err != nil {
		return Outcome{}, err
	}
	table, kmeta, err := c.lookupTable(ks, s.Table)
	if err != nil {
		return Outcome{}, err
	}
	partitionKey, vals, err := partitionKeyFromInsert(s, table)
	if err != nil {
		return Outcome{}, err
	}
	replicas := c.replicaSet(ks, kmeta, partitionKey)
	required, err := cl.AsCount(kmeta.ReplicationFactor)
	if err != nil {
		return Outcome{}, err
	}
	if len(replicas) < required {
		return Outcome{}, cqlerror.Unavailable(uint16(cl), required, len(replicas))
	}
	ts := c.nextTimestamp()
	primaryKey := table.PrimaryKey()
	row := action.RowRecord{Values: vals, TSMs: ts}

	acks := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range replicas {
		slot := c.slotFor(replicas, id)
		wg.Add(1)
		go func(id byte, slot int) {
			defer wg.Done()
			if err := c.dispatchWrite(ctx, id, slot, ks, s.Table, row, primaryKey, s.IfNotExists); err == nil {
				mu.Lock()
				acks++
				mu.Unlock()
			}
		}(id, slot)
	}
	wg.Wait()
	if acks < required {
		return Outcome{}, cqlerror.Timeout(true, uint16(cl), acks, required, cqlerror.WriteTypeSimple, false)
	}
	return Outcome{Kind: wire.ResultVoid}, nil
}

func (c *Coordinator) execUpdate(ctx context.Context, s *cql.Update, cl wire.Consistency, currentKeyspace string) (Outcome, error) {
	ks, err := resolveKeyspace(s.Keyspace, currentKeyspace)
	if err != nil {
		return Outcome{}, err
	}
	table, kmeta, err := c.lookupTable(ks, s.Table)
	if err != nil {
		return Outcome{}, err
	}
	if !s.If.None {
		return Outcome{}, cqlerror.Invalidf("conditional UPDATE (IF ...) is not supported")
	}
	partitionKey, whereVals, ok := partitionKeyFromWhere(s.Where, table)
	if !ok {
		return Outcome{}, cqlerror.Invalidf("UPDATE must restrict every partition key column")
	}
	replicas := c.replicaSet(ks, kmeta, partitionKey)
	required, err := cl.AsCount(kmeta.ReplicationFactor)
	if err != nil {
		return Outcome{}, err
	}
	if len(replicas) < required {
		return Outcome{}, cqlerror.Unavailable(uint16(cl), required, len(replicas))
	}
	vals := make(map[string]string, len(whereVals)+len(s.Assignments))
	for k, v := range whereVals {
		vals[k] = v
	}
	for _, a := range s.Assignments {
		vals[a.Column] = termText(a.Value)
	}
	ts := c.nextTimestamp()
	primaryKey := table.PrimaryKey()
	row := action.RowRecord{Values: vals, TSMs: ts}

	acks := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range replicas {
		slot := c.slotFor(replicas, id)
		wg.Add(1)
		go func(id byte, slot int) {
			defer wg.Done()
			if err := c.dispatchWrite(ctx, id, slot, ks, s.Table, row, primaryKey, false); err == nil {
				mu.Lock()
				acks++
				mu.Unlock()
			}
		}(id, slot)
	}
	wg.Wait()
	if acks < required {
		return Outcome{}, cqlerror.Timeout(true, uint16(cl), acks, required, cqlerror.WriteTypeSimple, false)
	}
	return Outcome{Kind: wire.ResultVoid}, nil
}

func (c *Coordinator) execDelete(ctx context.Context, s *cql.Delete, cl wire.Consistency, currentKeyspace string) (Outcome, error) {
	ks, err := resolveKeyspace(s.Keyspace, currentKeyspace)
	if err != nil {
		return Outcome{}, err
	}
	table, kmeta, err := c.lookupTable(ks, s.Table)
	if err != nil {
		return Outcome{}, err
	}
	if !s.If.None {
		return Outcome{}, cqlerror.Invalidf("conditional DELETE (IF ...) is not supported")
	}
	partitionKey, whereVals, ok := partitionKeyFromWhere(s.Where, table)
	if !ok {
		return Outcome{}, cqlerror.Invalidf("DELETE must restrict every partition key column")
	}
	replicas := c.replicaSet(ks, kmeta, partitionKey)
	required, err := cl.AsCount(kmeta.ReplicationFactor)
	if err != nil {
		return Outcome{}, err
	}
	if len(replicas) < required {
		return Outcome{}, cqlerror.Unavailable(uint16(cl), required, len(replicas))
	}

	acks := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range replicas {
		slot := c.slotFor(replicas, id)
		wg.Add(1)
		go func(id byte, slot int) {
			defer wg.Done()
			var opErr error
			if id == c.SelfID {
				_, opErr = c.Local.Storage.Delete(ks, s.Table, slot, func(r cql.Row) bool {
					return matchesWhere(whereVals, r)
				})
			} else {
				rctx, cancel := context.WithTimeout(ctx, c.deadline())
				defer cancel()
				payload := marshalWritePayload(ks, s.Table, slot, table.PrimaryKey(), action.RowRecord{Values: whereVals}, false)
				_, opErr = c.Transport.Dispatch(rctx, id, action.Message{Op: action.OpInternalQuery, Bytes: payload, IsDeletion: true})
			}
			if opErr == nil {
				mu.Lock()
				acks++
				mu.Unlock()
			}
		}(id, slot)
	}
	wg.Wait()
	if acks < required {
		return Outcome{}, cqlerror.Timeout(true, uint16(cl), acks, required, cqlerror.WriteTypeSimple, false)
	}
	return Outcome{Kind: wire.ResultVoid}, nil
}

func matchesWhere(vals map[string]string, row cql.Row) bool {
	for k, v := range vals {
		if row[k] != v {
			return false
		}
	}
	return true
}

func (c *Coordinator) execSelect(ctx context.Context, s *cql.Select, rawQuery string, cl wire.Consistency, currentKeyspace string) (Outcome, error) {
	ks, err := resolveKeyspace(s.Keyspace, currentKeyspace)
	if err != nil {
		return Outcome{}, err
	}
	table, kmeta, err := c.lookupTable(ks, s.Table)
	if err != nil {
		return Outcome{}, err
	}
	partitionKey, _, restricted := partitionKeyFromWhere(s.Where, table)
	if !restricted && !s.AllowFiltering {
		return Outcome{}, cqlerror.Invalidf("SELECT without a full partition key restriction requires ALLOW FILTERING")
	}

	predicate := func(row cql.Row) bool { return cql.EvalWhere(s.Where, row) }

	if !restricted {
		return c.execScanSelect(ctx, s, table, kmeta, rawQuery, cl, predicate)
	}

	replicas := c.replicaSet(ks, kmeta, partitionKey)
	required, err := cl.AsCount(kmeta.ReplicationFactor)
	if err != nil {
		return Outcome{}, err
	}
	if len(replicas) < required {
		return Outcome{}, cqlerror.Unavailable(uint16(cl), required, len(replicas))
	}

	primary := replicas[0]
	primarySlot := c.slotFor(replicas, primary)
	primaryRows, err := c.readReplica(ctx, primary, ks, s.Table, primarySlot, rawQuery, predicate)
	if err != nil {
		return Outcome{}, err
	}
	primaryDigest := digestRows(primaryRows)

	type peerResult = struct {
		id byte
		rows []storage.Row
		digest []byte
	}
	need := required
	if need < 1 {
		need = 1
	}
	acked := 1 // primary counted
	var mismatched []byte
	for _, id := range replicas[1:] {
		if acked >= need && len(mismatched) == 0 {
			break
		}
		slot := c.slotFor(replicas, id)
		d, err := c.digestReplica(ctx, id, ks, s.Table, slot, rawQuery, predicate)
		if err != nil {
			continue
		}
		acked++
		if string(d) != string(primaryDigest) {
			mismatched = append(mismatched, id)
		}
	}
	if acked < need {
		return Outcome{}, cqlerror.Timeout(false, uint16(cl), acked, need, "", false)
	}

	merged := mapByPrimaryKey(table, primaryRows)
	var toRepair []peerResult
	for _, id := range mismatched {
		slot := c.slotFor(replicas, id)
		rows, err := c.readReplica(ctx, id, ks, s.Table, slot, rawQuery, predicate)
		if err != nil {
			continue
		}
		toRepair = append(toRepair, peerResult{id: id, rows: rows})
		peerMap := mapByPrimaryKey(table, rows)
		for key, row := range peerMap {
			if existing, ok := merged[key]; !ok || row.TSMs > existing.TSMs {
				merged[key] = row
			}
		}
	}
	// asynchronously repair stale replicas with the reconciled row set
	if len(toRepair) > 0 {
		go c.repairStale(table, ks, s.Table, replicas, merged, toRepair)
	}

	return Outcome{Kind: wire.ResultRows, Rows: buildRowsResult(table, s, merged)}, nil
}

// execScanSelect handles a SELECT with no full partition-key restriction
// (ALLOW FILTERING): since a node's replica slot for a table is assigned
// per partition key, not per node, there is no single slot to read per
// live node here — every live node's every replica-slot segment (1..RF)
// must be scanned and the results deduplicated by primary key, keeping
// the newest row_ts.
func (c *Coordinator) execScanSelect(ctx context.Context, s *cql.Select, table *metadata.Table, kmeta *metadata.Keyspace, rawQuery string, cl wire.Consistency, predicate func(cql.Row) bool) (Outcome, error) {
	live := c.Members.Live()
	required, err := cl.AsCount(len(live))
	if err != nil {
		return Outcome{}, err
	}
	if len(live) == 0 {
		return Outcome{}, cqlerror.Unavailable(uint16(cl), required, 0)
	}

	merged := make(map[string]storage.Row)
	var mu sync.Mutex
	var wg sync.WaitGroup
	var acked int32
	for _, id := range live {
		wg.Add(1)
		go func(id byte) {
			defer wg.Done()
			reachable := true
			for slot := 1; slot <= kmeta.ReplicationFactor; slot++ {
				rows, err := c.readReplica(ctx, id, table.Keyspace, table.Name, slot, rawQuery, predicate)
				if err != nil {
					reachable = false
					continue
				}
				mu.Lock()
				for _, r := range rows {
					key := rowKey(table, r)
					if existing, ok := merged[key]; !ok || r.TSMs > existing.TSMs {
						merged[key] = r
					}
				}
				mu.Unlock()
			}
			if reachable {
				atomic.AddInt32(&acked, 1)
			}
		}(id)
	}
	wg.Wait()
	if int(acked) < required {
		return Outcome{}, cqlerror.Timeout(false, uint16(cl), int(acked), required, "", false)
	}

	return Outcome{Kind: wire.ResultRows, Rows: buildRowsResult(table, s, merged)}, nil
}

func buildRowsResult(table *metadata.Table, s *cql.Select, merged map[string]storage.Row) *wire.RowsResult {
	cols := make([]wire.ColumnSpec, 0, len(table.Columns))
	colNames := s.Columns
	if s.Star || len(colNames) == 0 {
		for _, col := range table.Columns {
			colNames = append(colNames, col.Name)
		}
	}
	for _, name := range colNames {
		cols = append(cols, wire.ColumnSpec{Name: name, Type: toWireColType(columnType(table, name))})
	}

	out := make([]row, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return rowKey(table, out[i]) < rowKey(table, out[j]) })
	applyOrderBy(s.OrderBy, table, out)
	if s.Limit > 0 && len(out) > s.Limit {
		out = out[:s.Limit]
	}

	rr := &wire.RowsResult{Columns: cols}
	for _, r := range out {
		wrow := make([][]byte, len(colNames))
		for i, name := range colNames {
			if v, ok := r.Values[name]; ok {
				wrow[i] = []byte(v)
			}
		}
		rr.Rows = append(rr.Rows, wrow)
	}
	return rr
}

type row = storage.Row

func rowKey(table *metadata.Table, r row) string {
	key, _ := concatKey(table.PrimaryKey(), r.Values)
	return key
}

func mapByPrimaryKey(table *metadata.Table, rows []storage.Row) map[string]storage.Row {
	out := make(map[string]storage.Row, len(rows))
	for _, r := range rows {
		out[rowKey(table, r)] = r
	}
	return out
}

func columnType(table *metadata.Table, name string) cql.ColumnType {
	for _, c := range table.Columns {
		if c.Name == name {
			return c.Type
		}
	}
	return cql.TypeText
}

func toWireColType(t cql.ColumnType) wire.ColType {
	switch t {
	case cql.TypeInt:
		return wire.ColInt
	case cql.TypeDouble:
		return wire.ColDouble
	case cql.TypeTimestamp:
		return wire.ColTimestamp
	default:
		return wire.ColText
	}
}

func applyOrderBy(order []cql.OrderBy, table *metadata.Table, rows []storage.Row) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range order {
			a, b := rows[i].Values[o.Column], rows[j].Values[o.Column]
			if a == b {
				continue
			}
			if o.Desc {
				return a > b
			}
			return a < b
		}
		return false
	})
}

func digestRows(rows []storage.Row) []byte {
	h := sha256.New()
	for _, r := range rows {
		fmt.Fprintf(h, "%d|", r.TSMs)
		keys := make([]string, 0, len(r.Values))
		for k := range r.Values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "%s=%s;", k, r.Values[k])
		}
		h.Write([]byte("\n"))
	}
	return h.Sum(nil)
}

// directReadPayload is the DirectReadRequest/DigestReadRequest body: the
// replica slot to scan followed by the original SELECT text, so the peer
// evaluates the identical WHERE predicate against its own copy of the data.
func directReadPayload(slot int, rawQuery string) []byte {
	return []byte(fmt.Sprintf("%d\t%s", slot, rawQuery))
}

// ParseDirectReadPayload decodes a DirectReadRequest/DigestReadRequest
// action body produced by directReadPayload, recovering the replica slot
// to scan and the original SELECT text so the peer can re-evaluate the
// identical WHERE predicate against its own copy of the data.
func ParseDirectReadPayload(b []byte) (slot int, rawQuery string, err error) {
	s := string(b)
	tab := strings.IndexByte(s, '\t')
	if tab < 0 {
		return 0, "", cqlerror.Invalidf("coordinator: malformed direct-read payload")
	}
	if _, serr := fmt.Sscanf(s[:tab], "%d", &slot); serr != nil {
		return 0, "", cqlerror.Wrap(serr, "coordinator: decode direct-read slot")
	}
	return slot, s[tab+1:], nil
}

func (c *Coordinator) readReplica(ctx context.Context, id byte, ks, table string, slot int, rawQuery string, predicate func(cql.Row) bool) ([]storage.Row, error) {
	if id == c.SelfID {
		return c.Local.Storage.ReadWithTimestamp(ks, table, slot, predicate)
	}
	rctx, cancel := context.WithTimeout(ctx, c.deadline())
	defer cancel()
	reply, err := c.Transport.Dispatch(rctx, id, action.Message{Op: action.OpDirectReadRequest, Bytes: directReadPayload(slot, rawQuery)})
	if err != nil {
		return nil, err
	}
	records, err := action.DecodeRows(reply.Bytes)
	if err != nil {
		return nil, err
	}
	rows := make([]storage.Row, len(records))
	for i, r := range records {
		rows[i] = storage.Row{Values: r.Values, TSMs: r.TSMs}
	}
	return rows, nil
}

func (c *Coordinator) digestReplica(ctx context.Context, id byte, ks, table string, slot int, rawQuery string, predicate func(cql.Row) bool) ([]byte, error) {
	rows, err := c.readReplica(ctx, id, ks, table, slot, rawQuery, predicate)
	if err != nil {
		return nil, err
	}
	return digestRows(rows), nil
}

func (c *Coordinator) repairStale(table *metadata.Table, ks, tableName string, replicas []byte, merged map[string]storage.Row, stale []struct {
	id byte
	rows []storage.Row
	digest []byte
}) {
	ctx, cancel := context.WithTimeout(context.Background(), c.deadline())
	defer cancel()
	pk := table.PrimaryKey()
	for _, s := range stale {
		slot := c.slotFor(replicas, s.id)
		for _, r := range merged {
			if s.id == c.SelfID {
				_, _ = c.Local.Storage.Repair(ks, tableName, slot, pk, r)
				continue
			}
			_, _ = c.Transport.Dispatch(ctx, s.id, action.Message{
				Op: action.OpRepairRows,
				Table: ks + "." + tableName,
				NodeID: s.id,
				Rows: []action.RowRecord{{Values: r.Values, TSMs: r.TSMs}},
			})
		}
	}
}
