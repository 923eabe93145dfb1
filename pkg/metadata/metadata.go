// Package metadata implements the node's keyspace/table catalogue: an
// in-memory map guarded by a read-write lock, snapshotted to JSON under
// nodes_metadata/<node-id>/ whenever a DDL statement commits.
package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/vicdc21/aerolineas-rusticas/pkg/cql"
	"github.com/vicdc21/aerolineas-rusticas/pkg/cqlerror"
)

// Keyspace is the persisted replication configuration for one keyspace.
type Keyspace struct {
	Name              string `json:"name"`
	Class             string `json:"class"`
	ReplicationFactor int    `json:"replication_factor"`
}

// ClusteringColumn is one clustering-key column and its sort order.
type ClusteringColumn struct {
	Name string `json:"name"`
	Desc bool   `json:"desc"`
}

// Column is one declared table column.
type Column struct {
	Name string         `json:"name"`
	Type cql.ColumnType `json:"type"`
}

// Table is the persisted schema for one table.
type Table struct {
	Name          string              `json:"name"`
	Keyspace      string              `json:"keyspace"`
	Columns       []Column            `json:"columns"`
	PartitionKey  []string            `json:"partition_key"`
	ClusteringKey []ClusteringColumn  `json:"clustering_key"`
}

// PrimaryKey returns the partition key columns followed by the clustering
// key columns, in order.
func (t *Table) PrimaryKey() []string {
	pk := make([]string, 0, len(t.PartitionKey)+len(t.ClusteringKey))
	pk = append(pk, t.PartitionKey...)
	for _, c := range t.ClusteringKey {
		pk = append(pk, c.Name)
	}
	return pk
}

type tableKey struct {
	keyspace string
	name     string
}

// Store is one node's in-memory metadata catalogue, rehydrated from and
// snapshotted to JSON on disk.
type Store struct {
	mu   sync.RWMutex
	root string // nodes_metadata/<node-id>
	ks   map[string]*Keyspace
	tbl  map[tableKey]*Table
}

// Open rehydrates a Store from root (nodes_metadata/<node-id>), creating the
// directory and empty catalogue if it does not yet exist.
func Open(root string) (*Store, error) {
	s := &Store{
		root: root,
		ks:   make(map[string]*Keyspace),
		tbl:  make(map[tableKey]*Table),
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, cqlerror.Wrap(err, "metadata: create %s", root)
	}
	if err := s.loadKeyspaces(); err != nil {
		return nil, err
	}
	if err := s.loadTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) keyspacesPath() string { return filepath.Join(s.root, "keyspaces.json") }
func (s *Store) tablesPath() string    { return filepath.Join(s.root, "tables.json") }

func (s *Store) loadKeyspaces() error {
	b, err := os.ReadFile(s.keyspacesPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return cqlerror.Wrap(err, "metadata: read keyspaces.json")
	}
	var list []*Keyspace
	if err := json.Unmarshal(b, &list); err != nil {
		return cqlerror.Wrap(err, "metadata: parse keyspaces.json")
	}
	for _, k := range list {
		s.ks[k.Name] = k
	}
	return nil
}

func (s *Store) loadTables() error {
	b, err := os.ReadFile(s.tablesPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return cqlerror.Wrap(err, "metadata: read tables.json")
	}
	var list []*Table
	if err := json.Unmarshal(b, &list); err != nil {
		return cqlerror.Wrap(err, "metadata: parse tables.json")
	}
	for _, t := range list {
		s.tbl[tableKey{t.Keyspace, t.Name}] = t
	}
	return nil
}

// persistKeyspaces must be called with s.mu held.
func (s *Store) persistKeyspaces() error {
	list := make([]*Keyspace, 0, len(s.ks))
	for _, k := range s.ks {
		list = append(list, k)
	}
	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return cqlerror.Wrap(err, "metadata: marshal keyspaces")
	}
	if err := os.WriteFile(s.keyspacesPath(), b, 0o644); err != nil {
		return cqlerror.Wrap(err, "metadata: write keyspaces.json")
	}
	return nil
}

// persistTables must be called with s.mu held.
func (s *Store) persistTables() error {
	list := make([]*Table, 0, len(s.tbl))
	for _, t := range s.tbl {
		list = append(list, t)
	}
	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return cqlerror.Wrap(err, "metadata: marshal tables")
	}
	if err := os.WriteFile(s.tablesPath(), b, 0o644); err != nil {
		return cqlerror.Wrap(err, "metadata: write tables.json")
	}
	return nil
}

// CreateKeyspace registers a new keyspace and persists the catalogue.
// ifNotExists suppresses AlreadyExists when the keyspace is present.
func (s *Store) CreateKeyspace(k *Keyspace, ifNotExists bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ks[k.Name]; ok {
		if ifNotExists {
			return nil
		}
		return cqlerror.AlreadyExistsf("keyspace %q already exists", k.Name)
	}
	s.ks[k.Name] = k
	return s.persistKeyspaces()
}

// DropKeyspace removes a keyspace and every table declared under it.
func (s *Store) DropKeyspace(name string, ifExists bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ks[name]; !ok {
		if ifExists {
			return nil
		}
		return cqlerror.Invalidf("keyspace %q does not exist", name)
	}
	delete(s.ks, name)
	for k := range s.tbl {
		if k.keyspace == name {
			delete(s.tbl, k)
		}
	}
	if err := s.persistKeyspaces(); err != nil {
		return err
	}
	return s.persistTables()
}

// Keyspace looks up a keyspace by name.
func (s *Store) Keyspace(name string) (*Keyspace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.ks[name]
	return k, ok
}

// CreateTable registers a new table and persists the catalogue.
func (s *Store) CreateTable(t *Table, ifNotExists bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ks[t.Keyspace]; !ok {
		return cqlerror.Invalidf("keyspace %q does not exist", t.Keyspace)
	}
	key := tableKey{t.Keyspace, t.Name}
	if _, ok := s.tbl[key]; ok {
		if ifNotExists {
			return nil
		}
		return cqlerror.AlreadyExistsf("table %q.%q already exists", t.Keyspace, t.Name)
	}
	s.tbl[key] = t
	return s.persistTables()
}

// DropTable removes a table.
func (s *Store) DropTable(keyspace, name string, ifExists bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tableKey{keyspace, name}
	if _, ok := s.tbl[key]; !ok {
		if ifExists {
			return nil
		}
		return cqlerror.Invalidf("table %q.%q does not exist", keyspace, name)
	}
	delete(s.tbl, key)
	return s.persistTables()
}

// Table looks up a table by keyspace and name.
func (s *Store) Table(keyspace, name string) (*Table, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tbl[tableKey{keyspace, name}]
	return t, ok
}

// Snapshot is a full export of the catalogue, used to replicate schema to
// peers.
type Snapshot struct {
	Keyspaces []*Keyspace `json:"keyspaces"`
	Tables    []*Table    `json:"tables"`
}

// Export returns a full snapshot of the catalogue.
func (s *Store) Export() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{}
	for _, k := range s.ks {
		snap.Keyspaces = append(snap.Keyspaces, k)
	}
	for _, t := range s.tbl {
		snap.Tables = append(snap.Tables, t)
	}
	return snap
}

// Import overwrites the local catalogue with snap and persists it. Used when
// a peer advertises newer metadata.
func (s *Store) Import(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ks = make(map[string]*Keyspace, len(snap.Keyspaces))
	for _, k := range snap.Keyspaces {
		s.ks[k.Name] = k
	}
	s.tbl = make(map[tableKey]*Table, len(snap.Tables))
	for _, t := range snap.Tables {
		s.tbl[tableKey{t.Keyspace, t.Name}] = t
	}
	if err := s.persistKeyspaces(); err != nil {
		return err
	}
	return s.persistTables()
}
