package cql

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCreateKeyspace(t *testing.T) {
	stmt, err := Parse("CREATE KEYSPACE IF NOT EXISTS aerolinea WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 3};")
	require.NoError(t, err)
	ck, ok := stmt.(*CreateKeyspace)
	require.True(t, ok)
	require.Equal(t, "aerolinea", ck.Name)
	require.True(t, ck.IfNotExists)
	require.Equal(t, "SimpleStrategy", ck.Replication.Class)
	require.Equal(t, 3, ck.Replication.ReplicationFactor)
}

func TestParseCreateTable(t *testing.T) {
	stmt, err := Parse(`CREATE TABLE aerolinea.vuelos (
		id int,
		orig text,
		ts timestamp,
		PRIMARY KEY ((id), orig)
	) WITH CLUSTERING ORDER BY (orig DESC);`)
	require.NoError(t, err)
	ct, ok := stmt.(*CreateTable)
	require.True(t, ok)
	require.Equal(t, "aerolinea", ct.Keyspace)
	require.Equal(t, "vuelos", ct.Table)
	require.Equal(t, []string{"id"}, ct.PartitionKey)
	require.Len(t, ct.ClusteringKey, 1)
	require.Equal(t, "orig", ct.ClusteringKey[0].Name)
	require.True(t, ct.ClusteringKey[0].Desc)
}

func TestParseInsert(t *testing.T) {
	stmt, err := Parse("INSERT INTO vuelos (id, orig) VALUES (1, 'SABE');")
	require.NoError(t, err)
	ins, ok := stmt.(*Insert)
	require.True(t, ok)
	require.Equal(t, []string{"id", "orig"}, ins.Columns)
	require.Len(t, ins.Values, 2)
	require.True(t, ins.Values[1].IsString)
	require.Equal(t, "SABE", ins.Values[1].Literal)
}

func TestParseSelectWithWhereAndLimit(t *testing.T) {
	stmt, err := Parse("SELECT * FROM vuelos WHERE id = 1 AND orig = 'SABE' ORDER BY orig DESC LIMIT 10 ALLOW FILTERING;")
	require.NoError(t, err)
	sel, ok := stmt.(*Select)
	require.True(t, ok)
	require.True(t, sel.Star)
	require.Len(t, sel.Where.Relations, 2)
	require.Equal(t, 10, sel.Limit)
	require.True(t, sel.AllowFiltering)
	require.Len(t, sel.OrderBy, 1)
	require.True(t, sel.OrderBy[0].Desc)
}

func TestParseUpdateRequiresWhere(t *testing.T) {
	_, err := Parse("UPDATE vuelos SET orig = 'SABE';")
	require.Error(t, err)
}

func TestParseDeleteWithIfExists(t *testing.T) {
	stmt, err := Parse("DELETE FROM vuelos WHERE id = 1 IF EXISTS;")
	require.NoError(t, err)
	del, ok := stmt.(*Delete)
	require.True(t, ok)
	require.True(t, del.If.Exists)
}

func TestRenderParseRoundTrip(t *testing.T) {
	cases := []Statement{
		&CreateKeyspace{Name: "aerolinea", Replication: ReplicationStrategy{Class: "SimpleStrategy", ReplicationFactor: 2}},
		&Use{Keyspace: "aerolinea"},
		&Insert{Keyspace: "aerolinea", Table: "vuelos", Columns: []string{"id", "orig"},
			Values: []Term{{Literal: "1"}, {IsString: true, Literal: "SABE"}}},
		&Select{Keyspace: "aerolinea", Table: "vuelos", Star: true,
			Where: Where{Relations: []Relation{{Column: "id", Op: OpEq, Value: Term{Literal: "1"}}}},
			Limit: 5},
	}
	for _, want := range cases {
		text := Render(want)
		got, err := Parse(text)
		require.NoError(t, err)
		require.Equal(t, want, got, "round-trip mismatch for %q", text)
	}
}

func TestEvalRelationNumericWidening(t *testing.T) {
	row := Row{"n": "10"}
	require.True(t, EvalRelation(Relation{Column: "n", Op: OpGt, Value: Term{Literal: "9"}}, row))
	require.True(t, EvalRelation(Relation{Column: "n", Op: OpLt, Value: Term{Literal: "10.5"}}, row))
}

func TestEvalRelationLexicographic(t *testing.T) {
	row := Row{"s": "banana"}
	require.True(t, EvalRelation(Relation{Column: "s", Op: OpLt, Value: Term{IsString: true, Literal: "cherry"}}, row))
}

func TestEvalIfExists(t *testing.T) {
	require.True(t, EvalIf(IfCondition{Exists: true}, true, nil))
	require.False(t, EvalIf(IfCondition{Exists: true}, false, nil))
}
