// Package storage implements the CSV-shaped on-disk segment engine:
// one file per (node, keyspace, table, replica slot), with a trailing
// hidden row_ts column used for last-writer-wins conflict resolution.
// A coarse per-file mutex and lazy directory creation keep the engine
// simple while CSV stands in for a proper on-disk format.
package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/vicdc21/aerolineas-rusticas/pkg/cql"
	"github.com/vicdc21/aerolineas-rusticas/pkg/cqlerror"
)

const rowTSColumn = "row_ts"

// Engine owns every replica-slot file for one node.
type Engine struct {
	root string // storage/<node-id>

	mu sync.Mutex // guards the files map itself, not file contents
	files map[string]*segment
}

// segment is one replica-slot CSV file, protected by its own mutex so
// concurrent reads are allowed and writes are exclusive per-file.
type segment struct {
	mu sync.RWMutex
	path string
}

// Open returns an Engine rooted at root (storage/<node-id>), creating it if
// absent.
func Open(root string) (*Engine, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, cqlerror.Wrap(err, "storage: create %s", root)
	}
	return &Engine{root: root, files: make(map[string]*segment)}, nil
}

func (e *Engine) segmentPath(keyspace, table string, slot int) string {
	return filepath.Join(e.root, keyspace, fmt.Sprintf("%s_replica_node_%d.csv", table, slot))
}

func (e *Engine) segment(keyspace, table string, slot int) *segment {
	key := fmt.Sprintf("%s/%s/%d", keyspace, table, slot)
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.files[key]; ok {
		return s
	}
	s := &segment{path: e.segmentPath(keyspace, table, slot)}
	e.files[key] = s
	return s
}

// Row is a decoded on-disk record: column name to textual value, plus its
// timestamp in milliseconds.
type Row struct {
	Values map[string]string
	TSMs int64
}

// EnsureTable creates the replica-slot file for (keyspace, table, slot) with
// the given column header if it does not already exist (: "created
// lazily by CREATE TABLE").
func (e *Engine) EnsureTable(keyspace, table string, slot int, columns []string) error {
	s := e.segment(keyspace, table, slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return cqlerror.Wrap(err, "storage: create %s", filepath.Dir(s.path))
	}
	f, err := os.Create(s.path)
	if err != nil {
		return cqlerror.Wrap(err, "storage: create %s", s.path)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	header := append(append([]string{}, columns...), rowTSColumn)
	if err := w.Write(header); err != nil {
		return cqlerror.Wrap(err, "storage: write header %s", s.path)
	}
	w.Flush()
	return w.Error()
}

func readAll(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, cqlerror.Wrap(err, "storage: open %s", path)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, cqlerror.Wrap(err, "storage: parse %s", path)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}
	return records[0], records[1:], nil
}

func writeAll(path string, header []string, rows [][]string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return cqlerror.Wrap(err, "storage: create %s", tmp)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return cqlerror.Wrap(err, "storage: write header %s", tmp)
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			f.Close()
			return cqlerror.Wrap(err, "storage: write row %s", tmp)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return cqlerror.Wrap(err, "storage: flush %s", tmp)
	}
	if err := f.Close(); err != nil {
		return cqlerror.Wrap(err, "storage: close %s", tmp)
	}
	return os.Rename(tmp, path)
}

func rowToMap(header []string, rec []string) Row {
	m := make(map[string]string, len(header))
	var ts int64
	for i, col := range header {
		if i >= len(rec) {
			break
		}
		if col == rowTSColumn {
			ts, _ = strconv.ParseInt(rec[i], 10, 64)
			continue
		}
		m[col] = rec[i]
	}
	return Row{Values: m, TSMs: ts}
}

func mapToRecord(header []string, row Row) []string {
	rec := make([]string, len(header))
	for i, col := range header {
		if col == rowTSColumn {
			rec[i] = strconv.FormatInt(row.TSMs, 10)
			continue
		}
		rec[i] = row.Values[col]
	}
	return rec
}

func matchesKey(primaryKey []string, a, b map[string]string) bool {
	for _, k := range primaryKey {
		if a[k] != b[k] {
			return false
		}
	}
	return true
}

// ReadWithTimestamp scans (keyspace, table, slot) and returns every row
// satisfying predicate (nil matches everything), including row_ts.
func (e *Engine) ReadWithTimestamp(keyspace, table string, slot int, predicate func(cql.Row) bool) ([]Row, error) {
	s := e.segment(keyspace, table, slot)
	s.mu.RLock()
	defer s.mu.RUnlock()
	header, records, err := readAll(s.path)
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, rec := range records {
		row := rowToMap(header, rec)
		if predicate == nil || predicate(cql.Row(row.Values)) {
			out = append(out, row)
		}
	}
	return out, nil
}

// ReadPublic is ReadWithTimestamp with the row_ts column stripped, the form
// exposed to clients.
func (e *Engine) ReadPublic(keyspace, table string, slot int, predicate func(cql.Row) bool) ([]map[string]string, error) {
	rows, err := e.ReadWithTimestamp(keyspace, table, slot, predicate)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, len(rows))
	for i, r := range rows {
		out[i] = r.Values
	}
	return out, nil
}

// Write appends row if no existing row shares the composite primary key;
// otherwise applies last-writer-wins by row_ts ("Write/Insert").
func (e *Engine) Write(keyspace, table string, slot int, primaryKey []string, row Row, ifNotExists bool) (applied bool, err error) {
	s := e.segment(keyspace, table, slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	header, records, err := readAll(s.path)
	if err != nil {
		return false, err
	}
	if header == nil {
		return false, cqlerror.Configf("storage: table segment %s does not exist", s.path)
	}
	rec := mapToRecord(header, row)
	for i, existing := range records {
		if matchesKey(primaryKey, rowToMap(header, existing).Values, row.Values) {
			if ifNotExists {
				return false, nil
			}
			existingRow := rowToMap(header, existing)
			if row.TSMs <= existingRow.TSMs {
				return false, nil
			}
			records[i] = rec
			return true, writeAll(s.path, header, records)
		}
	}
	records = append(records, rec)
	return true, writeAll(s.path, header, records)
}

// Update rewrites matching rows in place, leaving unmatched rows unchanged.
func (e *Engine) Update(keyspace, table string, slot int, predicate func(cql.Row) bool, apply func(Row) Row) (int, error) {
	s := e.segment(keyspace, table, slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	header, records, err := readAll(s.path)
	if err != nil {
		return 0, err
	}
	count := 0
	for i, rec := range records {
		row := rowToMap(header, rec)
		if predicate == nil || predicate(cql.Row(row.Values)) {
			records[i] = mapToRecord(header, apply(row))
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return count, writeAll(s.path, header, records)
}

// Delete removes matching rows, rewriting the file.
func (e *Engine) Delete(keyspace, table string, slot int, predicate func(cql.Row) bool) (int, error) {
	s := e.segment(keyspace, table, slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	header, records, err := readAll(s.path)
	if err != nil {
		return 0, err
	}
	kept := records[:0]
	count := 0
	for _, rec := range records {
		row := rowToMap(header, rec)
		if predicate != nil && predicate(cql.Row(row.Values)) {
			count++
			continue
		}
		kept = append(kept, rec)
	}
	if count == 0 {
		return 0, nil
	}
	return count, writeAll(s.path, header, kept)
}

// Repair applies row iff its timestamp exceeds the local row's timestamp (or
// no local row exists), "Repair row".
func (e *Engine) Repair(keyspace, table string, slot int, primaryKey []string, row Row) (applied bool, err error) {
	s := e.segment(keyspace, table, slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	header, records, err := readAll(s.path)
	if err != nil {
		return false, err
	}
	if header == nil {
		return false, cqlerror.Configf("storage: table segment %s does not exist", s.path)
	}
	rec := mapToRecord(header, row)
	for i, existing := range records {
		existingRow := rowToMap(header, existing)
		if matchesKey(primaryKey, existingRow.Values, row.Values) {
			if row.TSMs <= existingRow.TSMs {
				return false, nil
			}
			records[i] = rec
			return true, writeAll(s.path, header, records)
		}
	}
	records = append(records, rec)
	return true, writeAll(s.path, header, records)
}
