package cql

import (
	"fmt"
	"strconv"
	"strings"
)

// Render renders a Statement back into CQL source text. It is not meant to
// reproduce the original formatting byte-for-byte; it produces a canonical
// form such that Parse(Render(s)) yields a Statement equal to s.
func Render(stmt Statement) string {
	switch s := stmt.(type) {
	case *CreateKeyspace:
		return renderCreateKeyspace(s)
	case *DropKeyspace:
		return renderDropKeyspace(s)
	case *Use:
		return fmt.Sprintf("USE %s;", s.Keyspace)
	case *CreateTable:
		return renderCreateTable(s)
	case *DropTable:
		return renderDropTable(s)
	case *Insert:
		return renderInsert(s)
	case *Update:
		return renderUpdate(s)
	case *Delete:
		return renderDelete(s)
	case *Select:
		return renderSelect(s)
	default:
		return ""
	}
}

func renderTerm(t Term) string {
	switch {
	case t.IsNull:
		return "null"
	case t.IsBool:
		if t.BoolVal {
			return "true"
		}
		return "false"
	case t.IsString:
		return "'" + strings.ReplaceAll(t.Literal, "'", "''") + "'"
	case t.IsIdent:
		return t.Literal
	default:
		return t.Literal
	}
}

func renderRelOp(op RelOp) string {
	switch op {
	case OpEq:
		return "="
	case OpLt:
		return "<"
	case OpGt:
		return ">"
	case OpLe:
		return "<="
	case OpGe:
		return ">="
	case OpNe:
		return "!="
	default:
		return "="
	}
}

func renderRelation(r Relation) string {
	switch r.Op {
	case OpIn:
		parts := make([]string, len(r.InValues))
		for i, v := range r.InValues {
			parts[i] = renderTerm(v)
		}
		return fmt.Sprintf("%s IN (%s)", r.Column, strings.Join(parts, ", "))
	case OpContains:
		return fmt.Sprintf("%s CONTAINS %s", r.Column, renderTerm(r.Value))
	case OpContainsKey:
		return fmt.Sprintf("%s CONTAINS KEY %s", r.Column, renderTerm(r.Value))
	default:
		return fmt.Sprintf("%s %s %s", r.Column, renderRelOp(r.Op), renderTerm(r.Value))
	}
}

func renderWhere(w Where) string {
	if len(w.Relations) == 0 {
		return ""
	}
	parts := make([]string, len(w.Relations))
	for i, r := range w.Relations {
		parts[i] = renderRelation(r)
	}
	return " WHERE " + strings.Join(parts, " AND ")
}

func renderIf(ifc IfCondition) string {
	switch {
	case ifc.None:
		return ""
	case ifc.Exists:
		return " IF EXISTS"
	default:
		parts := make([]string, len(ifc.Conditions))
		for i, r := range ifc.Conditions {
			parts[i] = renderRelation(r)
		}
		return " IF " + strings.Join(parts, " AND ")
	}
}

func tableName(keyspace, table string) string {
	if keyspace == "" {
		return table
	}
	return keyspace + "." + table
}

func renderCreateKeyspace(s *CreateKeyspace) string {
	var sb strings.Builder
	sb.WriteString("CREATE KEYSPACE ")
	if s.IfNotExists {
		sb.WriteString("IF NOT EXISTS ")
	}
	sb.WriteString(s.Name)
	sb.WriteString(fmt.Sprintf(" WITH replication = {'class': '%s', 'replication_factor': %d};",
		s.Replication.Class, s.Replication.ReplicationFactor))
	return sb.String()
}

func renderDropKeyspace(s *DropKeyspace) string {
	var sb strings.Builder
	sb.WriteString("DROP KEYSPACE ")
	if s.IfExists {
		sb.WriteString("IF EXISTS ")
	}
	sb.WriteString(s.Name)
	sb.WriteString(";")
	return sb.String()
}

func columnTypeName(t ColumnType) string {
	switch t {
	case TypeText:
		return "text"
	case TypeInt:
		return "int"
	case TypeDouble:
		return "double"
	case TypeTimestamp:
		return "timestamp"
	default:
		return "text"
	}
}

func renderCreateTable(s *CreateTable) string {
	var sb strings.Builder
	sb.WriteString("CREATE TABLE ")
	if s.IfNotExists {
		sb.WriteString("IF NOT EXISTS ")
	}
	sb.WriteString(tableName(s.Keyspace, s.Table))
	sb.WriteString(" (")
	defs := make([]string, 0, len(s.Columns)+1)
	for _, c := range s.Columns {
		defs = append(defs, fmt.Sprintf("%s %s", c.Name, columnTypeName(c.Type)))
	}
	clust := make([]string, len(s.ClusteringKey))
	for i, c := range s.ClusteringKey {
		clust[i] = c.Name
	}
	pkExpr := "(" + strings.Join(s.PartitionKey, ", ") + ")"
	if len(clust) > 0 {
		pkExpr += ", " + strings.Join(clust, ", ")
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", pkExpr))
	sb.WriteString(strings.Join(defs, ", "))
	sb.WriteString(")")
	if len(s.ClusteringOrder) > 0 {
		parts := make([]string, len(s.ClusteringOrder))
		for i, c := range s.ClusteringOrder {
			dir := "ASC"
			if c.Desc {
				dir = "DESC"
			}
			parts[i] = fmt.Sprintf("%s %s", c.Name, dir)
		}
		sb.WriteString(" WITH CLUSTERING ORDER BY (" + strings.Join(parts, ", ") + ")")
	}
	sb.WriteString(";")
	return sb.String()
}

func renderDropTable(s *DropTable) string {
	var sb strings.Builder
	sb.WriteString("DROP TABLE ")
	if s.IfExists {
		sb.WriteString("IF EXISTS ")
	}
	sb.WriteString(tableName(s.Keyspace, s.Table))
	sb.WriteString(";")
	return sb.String()
}

func renderInsert(s *Insert) string {
	vals := make([]string, len(s.Values))
	for i, v := range s.Values {
		vals[i] = renderTerm(v)
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		tableName(s.Keyspace, s.Table), strings.Join(s.Columns, ", "), strings.Join(vals, ", ")))
	if s.IfNotExists {
		sb.WriteString(" IF NOT EXISTS")
	}
	sb.WriteString(";")
	return sb.String()
}

func renderUpdate(s *Update) string {
	assigns := make([]string, len(s.Assignments))
	for i, a := range s.Assignments {
		assigns[i] = fmt.Sprintf("%s = %s", a.Column, renderTerm(a.Value))
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("UPDATE %s SET %s", tableName(s.Keyspace, s.Table), strings.Join(assigns, ", ")))
	sb.WriteString(renderWhere(s.Where))
	sb.WriteString(renderIf(s.If))
	sb.WriteString(";")
	return sb.String()
}

func renderDelete(s *Delete) string {
	var sb strings.Builder
	sb.WriteString("DELETE ")
	if len(s.Columns) > 0 {
		sb.WriteString(strings.Join(s.Columns, ", "))
		sb.WriteString(" ")
	}
	sb.WriteString("FROM ")
	sb.WriteString(tableName(s.Keyspace, s.Table))
	sb.WriteString(renderWhere(s.Where))
	sb.WriteString(renderIf(s.If))
	sb.WriteString(";")
	return sb.String()
}

func renderSelect(s *Select) string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if s.Star {
		sb.WriteString("*")
	} else {
		sb.WriteString(strings.Join(s.Columns, ", "))
	}
	sb.WriteString(" FROM ")
	sb.WriteString(tableName(s.Keyspace, s.Table))
	sb.WriteString(renderWhere(s.Where))
	if len(s.OrderBy) > 0 {
		parts := make([]string, len(s.OrderBy))
		for i, o := range s.OrderBy {
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			parts[i] = fmt.Sprintf("%s %s", o.Column, dir)
		}
		sb.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}
	if s.PerPartitionLimit > 0 {
		sb.WriteString(" PER PARTITION LIMIT " + strconv.Itoa(s.PerPartitionLimit))
	}
	if s.Limit > 0 {
		sb.WriteString(" LIMIT " + strconv.Itoa(s.Limit))
	}
	if s.AllowFiltering {
		sb.WriteString(" ALLOW FILTERING")
	}
	sb.WriteString(";")
	return sb.String()
}
