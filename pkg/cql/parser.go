package cql

import (
	"strconv"
	"strings"

	"github.com/vicdc21/aerolineas-rusticas/pkg/cqlerror"
)

// Parser consumes a token stream and produces a Statement.
type Parser struct {
	toks []Token
	pos  int
}

// Parse tokenizes and parses a single CQL statement.
func Parse(source string) (Statement, error) {
	toks, err := Tokenize(source)
	if err != nil {
		return nil, err
	}
	p := &Parser{toks: toks}
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	p.skipOptional(";")
	if p.cur().Kind != TokEOF {
		return nil, cqlerror.Syntaxf("unexpected trailing input near %q", p.cur().Text)
	}
	return stmt, nil
}

func (p *Parser) cur() Token {
	if p.pos >= len(p.toks) {
		return Token{Kind: TokEOF}
	}
	return p.toks[p.pos]
}

func (p *Parser) advance() Token {
	t := p.cur()
	if p.pos < len(p.toks) {
		p.pos++
	}
	return t
}

// keyword matches a case-insensitive identifier token without consuming on mismatch.
func (p *Parser) keyword(kw string) bool {
	t := p.cur()
	return t.Kind == TokIdent && strings.EqualFold(t.Text, kw)
}

func (p *Parser) expectKeyword(kw string) error {
	if !p.keyword(kw) {
		return cqlerror.Syntaxf("expected keyword %q, got %q", kw, p.cur().Text)
	}
	p.advance()
	return nil
}

func (p *Parser) skipOptional(punct string) bool {
	if p.cur().Kind == TokPunct && p.cur().Text == punct {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) expectPunct(punct string) error {
	if p.cur().Kind != TokPunct || p.cur().Text != punct {
		return cqlerror.Syntaxf("expected %q, got %q", punct, p.cur().Text)
	}
	p.advance()
	return nil
}

func (p *Parser) expectIdent() (string, error) {
	t := p.cur()
	switch t.Kind {
	case TokIdent:
		p.advance()
		return t.Text, nil
	case TokQuotedIdent:
		p.advance()
		return t.Text, nil
	default:
		return "", cqlerror.Syntaxf("expected identifier, got %q", t.Text)
	}
}

// qualifiedName parses [<ks>.]<name>, returning ("", name) when unqualified.
func (p *Parser) qualifiedName() (string, string, error) {
	first, err := p.expectIdent()
	if err != nil {
		return "", "", err
	}
	if p.skipOptional(".") {
		second, err := p.expectIdent()
		if err != nil {
			return "", "", err
		}
		return first, second, nil
	}
	return "", first, nil
}

func (p *Parser) parseStatement() (Statement, error) {
	switch {
	case p.keyword("CREATE"):
		return p.parseCreate()
	case p.keyword("DROP"):
		return p.parseDrop()
	case p.keyword("USE"):
		return p.parseUse()
	case p.keyword("INSERT"):
		return p.parseInsert()
	case p.keyword("UPDATE"):
		return p.parseUpdate()
	case p.keyword("DELETE"):
		return p.parseDelete()
	case p.keyword("SELECT"):
		return p.parseSelect()
	default:
		return nil, cqlerror.Syntaxf("unsupported statement starting at %q", p.cur().Text)
	}
}

func (p *Parser) parseIfNotExists() (bool, error) {
	if p.keyword("IF") {
		p.advance()
		if err := p.expectKeyword("NOT"); err != nil {
			return false, err
		}
		if err := p.expectKeyword("EXISTS"); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (p *Parser) parseIfExists() (bool, error) {
	if p.keyword("IF") {
		p.advance()
		if err := p.expectKeyword("EXISTS"); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (p *Parser) parseCreate() (Statement, error) {
	p.advance() // CREATE
	switch {
	case p.keyword("KEYSPACE"):
		return p.parseCreateKeyspace()
	case p.keyword("TABLE"):
		return p.parseCreateTable()
	default:
		return nil, cqlerror.Syntaxf("expected KEYSPACE or TABLE after CREATE, got %q", p.cur().Text)
	}
}

func (p *Parser) parseCreateKeyspace() (*CreateKeyspace, error) {
	p.advance() // KEYSPACE
	ine, err := p.parseIfNotExists()
	if err != nil {
		return nil, err
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("WITH"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("replication"); err != nil {
		// CQL keyword is lower-case by convention but identifiers are
		// case-insensitive unless quoted; expectKeyword already folds case.
		return nil, err
	}
	if err := p.expectPunct("="); err != nil {
		return nil, err
	}
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	strat := ReplicationStrategy{}
	for {
		key, err := p.stringLiteral()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(":"); err != nil {
			return nil, err
		}
		switch strings.ToLower(key) {
		case "class":
			v, err := p.stringLiteral()
			if err != nil {
				return nil, err
			}
			strat.Class = v
		case "replication_factor":
			v, err := p.numberLiteral()
			if err != nil {
				return nil, err
			}
			n, convErr := strconv.Atoi(v)
			if convErr != nil {
				return nil, cqlerror.Syntaxf("invalid replication_factor %q", v)
			}
			strat.ReplicationFactor = n
		default:
			return nil, cqlerror.Syntaxf("unknown replication option %q", key)
		}
		if p.skipOptional(",") {
			continue
		}
		break
	}
	if err := p.expectPunct("}"); err != nil {
		return nil, err
	}
	if strat.Class == "" {
		strat.Class = "SimpleStrategy"
	}
	if !strings.EqualFold(strat.Class, "SimpleStrategy") {
		return nil, cqlerror.Invalidf("replication class %q is not supported; only SimpleStrategy is", strat.Class)
	}
	return &CreateKeyspace{Name: name, IfNotExists: ine, Replication: strat}, nil
}

func (p *Parser) stringLiteral() (string, error) {
	t := p.cur()
	if t.Kind != TokString {
		return "", cqlerror.Syntaxf("expected string literal, got %q", t.Text)
	}
	p.advance()
	return t.Text, nil
}

func (p *Parser) numberLiteral() (string, error) {
	t := p.cur()
	if t.Kind != TokNumber {
		return "", cqlerror.Syntaxf("expected number literal, got %q", t.Text)
	}
	p.advance()
	return t.Text, nil
}

func (p *Parser) parseDrop() (Statement, error) {
	p.advance() // DROP
	switch {
	case p.keyword("KEYSPACE"):
		p.advance()
		ie, err := p.parseIfExists()
		if err != nil {
			return nil, err
		}
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return &DropKeyspace{Name: name, IfExists: ie}, nil
	case p.keyword("TABLE"):
		p.advance()
		ie, err := p.parseIfExists()
		if err != nil {
			return nil, err
		}
		ks, table, err := p.qualifiedName()
		if err != nil {
			return nil, err
		}
		return &DropTable{Keyspace: ks, Table: table, IfExists: ie}, nil
	default:
		return nil, cqlerror.Syntaxf("expected KEYSPACE or TABLE after DROP, got %q", p.cur().Text)
	}
}

func (p *Parser) parseUse() (*Use, error) {
	p.advance() // USE
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	return &Use{Keyspace: name}, nil
}

func columnType(name string) (ColumnType, error) {
	switch strings.ToLower(name) {
	case "text", "varchar", "ascii":
		return TypeText, nil
	case "int", "bigint":
		return TypeInt, nil
	case "double", "float":
		return TypeDouble, nil
	case "timestamp":
		return TypeTimestamp, nil
	default:
		return 0, cqlerror.Syntaxf("unsupported column type %q", name)
	}
}

func (p *Parser) parseCreateTable() (*CreateTable, error) {
	p.advance() // TABLE
	ine, err := p.parseIfNotExists()
	if err != nil {
		return nil, err
	}
	ks, table, err := p.qualifiedName()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}

	ct := &CreateTable{Keyspace: ks, Table: table, IfNotExists: ine}
	for {
		if p.keyword("PRIMARY") {
			p.advance()
			if err := p.expectKeyword("KEY"); err != nil {
				return nil, err
			}
			if err := p.expectPunct("("); err != nil {
				return nil, err
			}
			if err := p.expectPunct("("); err != nil {
				return nil, err
			}
			for {
				col, err := p.expectIdent()
				if err != nil {
					return nil, err
				}
				ct.PartitionKey = append(ct.PartitionKey, col)
				if p.skipOptional(",") {
					continue
				}
				break
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			for p.skipOptional(",") {
				col, err := p.expectIdent()
				if err != nil {
					return nil, err
				}
				ct.ClusteringKey = append(ct.ClusteringKey, ClusteringCol{Name: col})
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
		} else {
			name, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			typeName, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			ctype, err := columnType(typeName)
			if err != nil {
				return nil, err
			}
			ct.Columns = append(ct.Columns, ColumnDef{Name: name, Type: ctype})
		}
		if p.skipOptional(",") {
			continue
		}
		break
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}

	if p.keyword("WITH") {
		p.advance()
		if err := p.expectKeyword("CLUSTERING"); err != nil {
			return nil, err
		}
		if err := p.expectKeyword("ORDER"); err != nil {
			return nil, err
		}
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		if err := p.expectPunct("("); err != nil {
			return nil, err
		}
		for {
			col, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			desc := false
			switch {
			case p.keyword("ASC"):
				p.advance()
			case p.keyword("DESC"):
				p.advance()
				desc = true
			}
			ct.ClusteringOrder = append(ct.ClusteringOrder, ClusteringCol{Name: col, Desc: desc})
			if p.skipOptional(",") {
				continue
			}
			break
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		// fold the declared order back onto ClusteringKey
		for i, oc := range ct.ClusteringOrder {
			for j, kc := range ct.ClusteringKey {
				if kc.Name == oc.Name {
					ct.ClusteringKey[j].Desc = ct.ClusteringOrder[i].Desc
				}
			}
		}
	}
	return ct, nil
}

func (p *Parser) parseTerm() (Term, error) {
	t := p.cur()
	switch {
	case t.Kind == TokString:
		p.advance()
		return Term{IsString: true, Literal: t.Text}, nil
	case t.Kind == TokNumber:
		p.advance()
		return Term{Literal: t.Text}, nil
	case t.Kind == TokIdent && strings.EqualFold(t.Text, "null"):
		p.advance()
		return Term{IsNull: true}, nil
	case t.Kind == TokIdent && strings.EqualFold(t.Text, "true"):
		p.advance()
		return Term{IsBool: true, BoolVal: true}, nil
	case t.Kind == TokIdent && strings.EqualFold(t.Text, "false"):
		p.advance()
		return Term{IsBool: true, BoolVal: false}, nil
	case t.Kind == TokIdent || t.Kind == TokQuotedIdent:
		p.advance()
		return Term{IsIdent: true, Literal: t.Text}, nil
	default:
		return Term{}, cqlerror.Syntaxf("expected term, got %q", t.Text)
	}
}

func (p *Parser) parseInsert() (*Insert, error) {
	p.advance() // INSERT
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	ks, table, err := p.qualifiedName()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	var cols []string
	for {
		c, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		cols = append(cols, c)
		if p.skipOptional(",") {
			continue
		}
		break
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("VALUES"); err != nil {
		return nil, err
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	var vals []Term
	for {
		v, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
		if p.skipOptional(",") {
			continue
		}
		break
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	if len(vals) != len(cols) {
		return nil, cqlerror.Invalidf("INSERT column count (%d) does not match value count (%d)", len(cols), len(vals))
	}
	ine := false
	if p.keyword("IF") {
		p.advance()
		if err := p.expectKeyword("NOT"); err != nil {
			return nil, err
		}
		if err := p.expectKeyword("EXISTS"); err != nil {
			return nil, err
		}
		ine = true
	}
	return &Insert{Keyspace: ks, Table: table, Columns: cols, Values: vals, IfNotExists: ine}, nil
}

func relOp(text string) (RelOp, error) {
	switch text {
	case "=":
		return OpEq, nil
	case "<":
		return OpLt, nil
	case ">":
		return OpGt, nil
	case "<=":
		return OpLe, nil
	case ">=":
		return OpGe, nil
	case "!=":
		return OpNe, nil
	default:
		return 0, cqlerror.Syntaxf("unsupported relation operator %q", text)
	}
}

func (p *Parser) parseRelation() (Relation, error) {
	col, err := p.expectIdent()
	if err != nil {
		return Relation{}, err
	}
	if p.keyword("IN") {
		p.advance()
		if err := p.expectPunct("("); err != nil {
			return Relation{}, err
		}
		var vals []Term
		for {
			v, err := p.parseTerm()
			if err != nil {
				return Relation{}, err
			}
			vals = append(vals, v)
			if p.skipOptional(",") {
				continue
			}
			break
		}
		if err := p.expectPunct(")"); err != nil {
			return Relation{}, err
		}
		return Relation{Column: col, Op: OpIn, InValues: vals}, nil
	}
	if p.keyword("CONTAINS") {
		p.advance()
		op := OpContains
		if p.keyword("KEY") {
			p.advance()
			op = OpContainsKey
		}
		v, err := p.parseTerm()
		if err != nil {
			return Relation{}, err
		}
		return Relation{Column: col, Op: op, Value: v}, nil
	}
	t := p.cur()
	if t.Kind != TokPunct && t.Kind != TokOp {
		return Relation{}, cqlerror.Syntaxf("expected relation operator, got %q", t.Text)
	}
	op, err := relOp(t.Text)
	if err != nil {
		return Relation{}, err
	}
	p.advance()
	v, err := p.parseTerm()
	if err != nil {
		return Relation{}, err
	}
	return Relation{Column: col, Op: op, Value: v}, nil
}

func (p *Parser) parseWhere() (Where, error) {
	var w Where
	if !p.keyword("WHERE") {
		return w, nil
	}
	p.advance()
	for {
		r, err := p.parseRelation()
		if err != nil {
			return w, err
		}
		w.Relations = append(w.Relations, r)
		if p.keyword("AND") {
			p.advance()
			continue
		}
		break
	}
	return w, nil
}

func (p *Parser) parseIfCondition(allowExists bool) (IfCondition, error) {
	if !p.keyword("IF") {
		return IfCondition{None: true}, nil
	}
	p.advance()
	if allowExists && p.keyword("EXISTS") {
		p.advance()
		return IfCondition{Exists: true}, nil
	}
	var cond IfCondition
	for {
		r, err := p.parseRelation()
		if err != nil {
			return cond, err
		}
		cond.Conditions = append(cond.Conditions, r)
		if p.keyword("AND") {
			p.advance()
			continue
		}
		break
	}
	return cond, nil
}

func (p *Parser) parseUpdate() (*Update, error) {
	p.advance() // UPDATE
	ks, table, err := p.qualifiedName()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("SET"); err != nil {
		return nil, err
	}
	var assigns []Assignment
	for {
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct("="); err != nil {
			return nil, err
		}
		v, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		assigns = append(assigns, Assignment{Column: col, Value: v})
		if p.skipOptional(",") {
			continue
		}
		break
	}
	where, err := p.parseWhere()
	if err != nil {
		return nil, err
	}
	if len(where.Relations) == 0 {
		return nil, cqlerror.Invalidf("UPDATE requires a WHERE clause restricting the partition key")
	}
	ifc, err := p.parseIfCondition(false)
	if err != nil {
		return nil, err
	}
	return &Update{Keyspace: ks, Table: table, Assignments: assigns, Where: where, If: ifc}, nil
}

func (p *Parser) parseDelete() (*Delete, error) {
	p.advance() // DELETE
	var cols []string
	if !p.keyword("FROM") {
		for {
			c, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			cols = append(cols, c)
			if p.skipOptional(",") {
				continue
			}
			break
		}
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	ks, table, err := p.qualifiedName()
	if err != nil {
		return nil, err
	}
	where, err := p.parseWhere()
	if err != nil {
		return nil, err
	}
	if len(where.Relations) == 0 {
		return nil, cqlerror.Invalidf("DELETE requires a WHERE clause restricting the partition key")
	}
	ifc, err := p.parseIfCondition(true)
	if err != nil {
		return nil, err
	}
	return &Delete{Keyspace: ks, Table: table, Columns: cols, Where: where, If: ifc}, nil
}

func (p *Parser) parseSelect() (*Select, error) {
	p.advance() // SELECT
	sel := &Select{}
	if p.cur().Kind == TokPunct && p.cur().Text == "*" {
		p.advance()
		sel.Star = true
	} else {
		for {
			c, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			sel.Columns = append(sel.Columns, c)
			if p.skipOptional(",") {
				continue
			}
			break
		}
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	ks, table, err := p.qualifiedName()
	if err != nil {
		return nil, err
	}
	sel.Keyspace, sel.Table = ks, table

	where, err := p.parseWhere()
	if err != nil {
		return nil, err
	}
	sel.Where = where

	if p.keyword("ORDER") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			col, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			desc := false
			switch {
			case p.keyword("ASC"):
				p.advance()
			case p.keyword("DESC"):
				p.advance()
				desc = true
			}
			sel.OrderBy = append(sel.OrderBy, OrderBy{Column: col, Desc: desc})
			if p.skipOptional(",") {
				continue
			}
			break
		}
	}

	if p.keyword("PER") {
		p.advance()
		if err := p.expectKeyword("PARTITION"); err != nil {
			return nil, err
		}
		if err := p.expectKeyword("LIMIT"); err != nil {
			return nil, err
		}
		n, err := p.numberLiteral()
		if err != nil {
			return nil, err
		}
		v, convErr := strconv.Atoi(n)
		if convErr != nil {
			return nil, cqlerror.Syntaxf("invalid PER PARTITION LIMIT %q", n)
		}
		sel.PerPartitionLimit = v
	}

	if p.keyword("LIMIT") {
		p.advance()
		n, err := p.numberLiteral()
		if err != nil {
			return nil, err
		}
		v, convErr := strconv.Atoi(n)
		if convErr != nil {
			return nil, cqlerror.Syntaxf("invalid LIMIT %q", n)
		}
		sel.Limit = v
	}

	if p.keyword("ALLOW") {
		p.advance()
		if err := p.expectKeyword("FILTERING"); err != nil {
			return nil, err
		}
		sel.AllowFiltering = true
	}

	return sel, nil
}
