package metadata

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAndRehydrate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "node1")
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.CreateKeyspace(&Keyspace{Name: "aerolinea", Class: "SimpleStrategy", ReplicationFactor: 3}, false))
	require.NoError(t, s.CreateTable(&Table{
		Name:         "vuelos",
		Keyspace:     "aerolinea",
		PartitionKey: []string{"orig"},
		ClusteringKey: []ClusteringColumn{{Name: "id"}},
	}, false))

	s2, err := Open(dir)
	require.NoError(t, err)
	k, ok := s2.Keyspace("aerolinea")
	require.True(t, ok)
	require.Equal(t, 3, k.ReplicationFactor)
	tb, ok := s2.Table("aerolinea", "vuelos")
	require.True(t, ok)
	require.Equal(t, []string{"orig", "id"}, tb.PrimaryKey())
}

func TestCreateKeyspaceAlreadyExists(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.CreateKeyspace(&Keyspace{Name: "k"}, false))
	require.Error(t, s.CreateKeyspace(&Keyspace{Name: "k"}, false))
	require.NoError(t, s.CreateKeyspace(&Keyspace{Name: "k"}, true))
}

func TestDropKeyspaceCascadesTables(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.CreateKeyspace(&Keyspace{Name: "k"}, false))
	require.NoError(t, s.CreateTable(&Table{Name: "t", Keyspace: "k", PartitionKey: []string{"id"}}, false))
	require.NoError(t, s.DropKeyspace("k", false))
	_, ok := s.Table("k", "t")
	require.False(t, ok)
}

func TestImportExport(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.CreateKeyspace(&Keyspace{Name: "k", ReplicationFactor: 2}, false))
	snap := s.Export()

	s2, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s2.Import(snap))
	k, ok := s2.Keyspace("k")
	require.True(t, ok)
	require.Equal(t, 2, k.ReplicationFactor)
}
