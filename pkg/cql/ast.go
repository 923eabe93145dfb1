package cql

// ColumnType is a CQL column type.
type ColumnType int

const (
	TypeText ColumnType = iota
	TypeInt
	TypeDouble
	TypeTimestamp
)

// ColumnDef declares one table column.
type ColumnDef struct {
	Name string
	Type ColumnType
}

// ClusteringCol names one clustering-key column and its sort order.
type ClusteringCol struct {
	Name string
	Desc bool
}

// Term is a constant or an identifier appearing in a VALUES list, a SET
// assignment, or a relation's right-hand side.
type Term struct {
	IsNull   bool
	IsIdent  bool
	IsBool   bool
	BoolVal  bool
	IsString bool
	// Literal holds the raw textual form for everything else (numbers),
	// and the identifier name when IsIdent is set.
	Literal string
}

// RelOp is a WHERE/IF relation operator.
type RelOp int

const (
	OpEq RelOp = iota
	OpLt
	OpGt
	OpLe
	OpGe
	OpNe
	OpIn
	OpContains
	OpContainsKey
)

// Relation is one WHERE/IF predicate: "<column> <op> <term>".
type Relation struct {
	Column string
	Op     RelOp
	Value  Term
	// InValues holds the right-hand side of an IN relation.
	InValues []Term
}

// Where is a conjunction of relations ("relation (AND relation)*").
type Where struct {
	Relations []Relation
}

// IfCondition is either absent, "IF EXISTS", or a conjunction of conditions.
type IfCondition struct {
	None       bool
	Exists     bool
	Conditions []Relation
}

// OrderBy is one ORDER BY column/direction pair.
type OrderBy struct {
	Column string
	Desc   bool
}

// ReplicationStrategy is a keyspace's replication configuration.
// SimpleStrategy is the only one the core supports; there is no cross-DC
// topology.
type ReplicationStrategy struct {
	Class             string
	ReplicationFactor int
}

// Statement is the common interface every parsed CQL statement implements.
type Statement interface {
	statementNode()
}

type CreateKeyspace struct {
	Name        string
	IfNotExists bool
	Replication ReplicationStrategy
}

type DropKeyspace struct {
	Name     string
	IfExists bool
}

type Use struct {
	Keyspace string
}

type CreateTable struct {
	Keyspace        string // empty means "current keyspace"
	Table           string
	IfNotExists     bool
	Columns         []ColumnDef
	PartitionKey    []string
	ClusteringKey   []ClusteringCol
	ClusteringOrder []ClusteringCol // from WITH CLUSTERING ORDER BY, may differ in order from ClusteringKey
}

type DropTable struct {
	Keyspace string
	Table    string
	IfExists bool
}

type Insert struct {
	Keyspace    string
	Table       string
	Columns     []string
	Values      []Term
	IfNotExists bool
}

type Update struct {
	Keyspace    string
	Table       string
	Assignments []Assignment
	Where       Where
	If          IfCondition
}

type Assignment struct {
	Column string
	Value  Term
}

type Delete struct {
	Keyspace string
	Table    string
	Columns  []string // empty means "whole row"
	Where    Where
	If       IfCondition
}

type Select struct {
	Keyspace          string
	Table             string
	Star              bool
	Columns           []string
	Where             Where
	OrderBy           []OrderBy
	PerPartitionLimit int
	Limit             int
	AllowFiltering    bool
}

func (*CreateKeyspace) statementNode() {}
func (*DropKeyspace) statementNode()   {}
func (*Use) statementNode()            {}
func (*CreateTable) statementNode()    {}
func (*DropTable) statementNode()      {}
func (*Insert) statementNode()         {}
func (*Update) statementNode()         {}
func (*Delete) statementNode()         {}
func (*Select) statementNode()         {}
