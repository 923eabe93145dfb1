package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vicdc21/aerolineas-rusticas/pkg/cql"
)

func TestWriteThenReadPublicStripsTimestamp(t *testing.T) {
	e, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, e.EnsureTable("ks", "vuelos", 1, []string{"id", "orig"}))

	applied, err := e.Write("ks", "vuelos", 1, []string{"id"}, Row{Values: map[string]string{"id": "1", "orig": "SABE"}, TSMs: 100}, false)
	require.NoError(t, err)
	require.True(t, applied)

	rows, err := e.ReadPublic("ks", "vuelos", 1, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "SABE", rows[0]["orig"])
}

func TestWriteLastWriterWins(t *testing.T) {
	e, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, e.EnsureTable("ks", "t", 1, []string{"id", "v"}))

	_, err = e.Write("ks", "t", 1, []string{"id"}, Row{Values: map[string]string{"id": "1", "v": "old"}, TSMs: 100}, false)
	require.NoError(t, err)
	applied, err := e.Write("ks", "t", 1, []string{"id"}, Row{Values: map[string]string{"id": "1", "v": "stale"}, TSMs: 50}, false)
	require.NoError(t, err)
	require.False(t, applied)

	applied, err = e.Write("ks", "t", 1, []string{"id"}, Row{Values: map[string]string{"id": "1", "v": "new"}, TSMs: 200}, false)
	require.NoError(t, err)
	require.True(t, applied)

	rows, err := e.ReadPublic("ks", "t", 1, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "new", rows[0]["v"])
}

func TestDeleteRemovesMatchingRows(t *testing.T) {
	e, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, e.EnsureTable("ks", "t", 1, []string{"id"}))
	_, err = e.Write("ks", "t", 1, []string{"id"}, Row{Values: map[string]string{"id": "1"}, TSMs: 1}, false)
	require.NoError(t, err)

	n, err := e.Delete("ks", "t", 1, func(r cql.Row) bool {
		_, ok := r["id"]
		return ok && r["id"] == "1"
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rows, err := e.ReadPublic("ks", "t", 1, nil)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestRepairAppliesNewerTimestamp(t *testing.T) {
	e, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, e.EnsureTable("ks", "t", 1, []string{"id", "v"}))

	applied, err := e.Repair("ks", "t", 1, []string{"id"}, Row{Values: map[string]string{"id": "1", "v": "a"}, TSMs: 10})
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = e.Repair("ks", "t", 1, []string{"id"}, Row{Values: map[string]string{"id": "1", "v": "b"}, TSMs: 5})
	require.NoError(t, err)
	require.False(t, applied)
}

func TestSegmentPathLayout(t *testing.T) {
	e, err := Open(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, filepath.Join(e.root, "ks", "vuelos_replica_node_2.csv"), e.segmentPath("ks", "vuelos", 2))
}
