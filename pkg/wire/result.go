package wire

import "github.com/vicdc21/aerolineas-rusticas/pkg/cqlerror"

// ResultKind is the 4-byte kind field leading every Result frame body.
type ResultKind int32

const (
	ResultVoid ResultKind = 1
	ResultRows ResultKind = 2
	ResultSetKeyspace ResultKind = 3
	ResultPrepared ResultKind = 4
	ResultSchemaChange ResultKind = 5
)

// ColType enumerates the column types the node understands.
type ColType byte

const (
	ColText ColType = iota
	ColInt
	ColDouble
	ColTimestamp
)

func (t ColType) String() string {
	switch t {
	case ColText:
		return "text"
	case ColInt:
		return "int"
	case ColDouble:
		return "double"
	case ColTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// ColumnSpec names and types one column of a Rows result.
type ColumnSpec struct {
	Name string
	Type ColType
}

// RowsResult is the body of a kind=Rows Result frame.
type RowsResult struct {
	Columns []ColumnSpec
	Rows [][][]byte // row -> column -> raw bytes (nil means null)
}

// EncodeVoid encodes a kind=Void result body.
func EncodeVoid() []byte { return PutInt(int32(ResultVoid)) }

// EncodeSetKeyspace encodes a kind=SetKeyspace result body.
func EncodeSetKeyspace(name string) []byte {
	out := PutInt(int32(ResultSetKeyspace))
	return append(out, PutString(name)...)
}

// EncodeSchemaChange encodes a kind=SchemaChange result body.
func EncodeSchemaChange(changeType, target, keyspace, name string) []byte {
	out := PutInt(int32(ResultSchemaChange))
	out = append(out, PutString(changeType)...)
	out = append(out, PutString(target)...)
	out = append(out, PutString(keyspace)...)
	if name != "" {
		out = append(out, PutString(name)...)
	}
	return out
}

// EncodeRows encodes a kind=Rows result body: metadata (flags, column
// count, column specs) followed by row count and row data.
func EncodeRows(r *RowsResult) []byte {
	out := PutInt(int32(ResultRows))
	out = append(out, PutInt(0)...) // flags: none set
	out = append(out, PutInt(int32(len(r.Columns)))...)
	for _, c := range r.Columns {
		out = append(out, PutString(c.Name)...)
		out = append(out, byte(c.Type))
	}
	out = append(out, PutInt(int32(len(r.Rows)))...)
	for _, row := range r.Rows {
		for _, col := range row {
			out = append(out, PutBytes(col)...)
		}
	}
	return out
}

// DecodeResult parses a Result frame body, returning the kind and,
// for Rows, the decoded column metadata and row data.
func DecodeResult(b []byte) (ResultKind, *RowsResult, string, error) {
	kindVal, rest, err := GetInt(b)
	if err != nil {
		return 0, nil, "", err
	}
	kind := ResultKind(kindVal)
	switch kind {
	case ResultVoid:
		return kind, nil, "", nil
	case ResultSetKeyspace:
		name, _, err := GetString(rest)
		return kind, nil, name, err
	case ResultRows:
		rr, err := decodeRowsBody(rest)
		return kind, rr, "", err
	case ResultSchemaChange, ResultPrepared:
		return kind, nil, "", nil
	default:
		return 0, nil, "", cqlerror.Protocolf("result: unknown kind %d", kindVal)
	}
}

func decodeRowsBody(b []byte) (*RowsResult, error) {
	_, b, err := GetInt(b) // flags, ignored
	if err != nil {
		return nil, err
	}
	colCount, b, err := GetInt(b)
	if err != nil {
		return nil, err
	}
	if colCount < 0 {
		return nil, cqlerror.Protocolf("rows: negative column count")
	}
	cols := make([]ColumnSpec, 0, colCount)
	for i := int32(0); i < colCount; i++ {
		name, rest, err := GetString(b)
		if err != nil {
			return nil, err
		}
		if len(rest) < 1 {
			return nil, cqlerror.Protocolf("rows: truncated column type")
		}
		cols = append(cols, ColumnSpec{Name: name, Type: ColType(rest[0])})
		b = rest[1:]
	}
	rowCount, b, err := GetInt(b)
	if err != nil {
		return nil, err
	}
	if rowCount < 0 {
		return nil, cqlerror.Protocolf("rows: negative row count")
	}
	rows := make([][][]byte, 0, rowCount)
	for i := int32(0); i < rowCount; i++ {
		row := make([][]byte, len(cols))
		for c := range cols {
			v, rest, err := GetBytes(b)
			if err != nil {
				return nil, err
			}
			row[c] = v
			b = rest
		}
		rows = append(rows, row)
	}
	return &RowsResult{Columns: cols, Rows: rows}, nil
}
