package cql

import "strconv"

// Row is a decoded record: column name to its textual value. A missing key
// means the column is null.
type Row map[string]string

// EvalRelation evaluates one WHERE/IF relation against row: both sides
// convert to the wider numeric type when both parse as numbers; otherwise
// the comparison falls back to lexicographic string comparison.
func EvalRelation(r Relation, row Row) bool {
	lhs, ok := row[r.Column]
	switch r.Op {
	case OpIn:
		if !ok {
			return false
		}
		for _, v := range r.InValues {
			if compareEq(lhs, termText(v)) {
				return true
			}
		}
		return false
	case OpContains, OpContainsKey:
		// collection types are out of scope; never matches.
		return false
	default:
		if !ok {
			return false
		}
		return compareOp(r.Op, lhs, termText(r.Value))
	}
}

// EvalWhere reports whether row satisfies every relation in w.
func EvalWhere(w Where, row Row) bool {
	for _, r := range w.Relations {
		if !EvalRelation(r, row) {
			return false
		}
	}
	return true
}

// EvalIf reports whether row (which may be absent, signalled by rowExists)
// satisfies an IF condition.
func EvalIf(ifc IfCondition, rowExists bool, row Row) bool {
	switch {
	case ifc.None:
		return true
	case ifc.Exists:
		return rowExists
	default:
		if !rowExists {
			return false
		}
		for _, r := range ifc.Conditions {
			if !EvalRelation(r, row) {
				return false
			}
		}
		return true
	}
}

func termText(t Term) string {
	if t.IsBool {
		if t.BoolVal {
			return "true"
		}
		return "false"
	}
	return t.Literal
}

func compareEq(a, b string) bool {
	fa, aerr := strconv.ParseFloat(a, 64)
	fb, berr := strconv.ParseFloat(b, 64)
	if aerr == nil && berr == nil {
		return fa == fb
	}
	return a == b
}

func compareOp(op RelOp, a, b string) bool {
	fa, aerr := strconv.ParseFloat(a, 64)
	fb, berr := strconv.ParseFloat(b, 64)
	if aerr == nil && berr == nil {
		switch op {
		case OpEq:
			return fa == fb
		case OpNe:
			return fa != fb
		case OpLt:
			return fa < fb
		case OpGt:
			return fa > fb
		case OpLe:
			return fa <= fb
		case OpGe:
			return fa >= fb
		}
	}
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpLt:
		return a < b
	case OpGt:
		return a > b
	case OpLe:
		return a <= b
	case OpGe:
		return a >= b
	}
	return false
}
