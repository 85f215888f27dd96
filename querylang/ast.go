// Package querylang compiles queries and index definitions written in the
// N1QL subset or the JSON operator-array grammar into a common AST.
//
// The package is pure: it never touches storage. Compiled expressions render
// back to canonical N1QL via String, which the database uses to compare
// index definitions and to match query predicates against index keys.
package querylang

import (
	"strconv"
	"strings"

	"github.com/andreyvit/syncdb/value"
)

type Language int

const (
	JSON Language = iota
	N1QL
)

func (l Language) String() string {
	if l == JSON {
		return "JSON"
	}
	return "N1QL"
}

type Expr interface {
	String() string
	prec() int
}

// Operator precedence, loosest first.
const (
	precOr = iota + 1
	precAnd
	precNot
	precCompare
	precConcat
	precAdd
	precMul
	precUnary
	precPrimary
)

type Literal struct {
	Value any
}

type Property struct {
	// Alias is the source or UNNEST alias the path is relative to, empty
	// for the primary source.
	Alias string
	Path  value.Path
}

// Meta is a document metadata field: id, sequence, deleted, expiration or
// revisionID.
type Meta struct {
	Alias string
	Field string
}

type Param struct {
	Name string
}

type Unary struct {
	Op string // "NOT" or "-"
	X  Expr
}

type Binary struct {
	Op   string
	L, R Expr
}

type In struct {
	X    Expr
	List []Expr
	Not  bool
}

type Between struct {
	X, Lo, Hi Expr
	Not       bool
}

// Is tests IS [NOT] NULL / MISSING / VALUED.
type Is struct {
	X    Expr
	What string
	Not  bool
}

type Call struct {
	Name string // upper case
	Args []Expr
}

type ArrayLit struct {
	Items []Expr
}

const (
	MetaID         = "id"
	MetaSequence   = "sequence"
	MetaDeleted    = "deleted"
	MetaExpiration = "expiration"
	MetaRevisionID = "revisionID"
)

var metaFields = map[string]string{
	"id":         MetaID,
	"sequence":   MetaSequence,
	"deleted":    MetaDeleted,
	"expiration": MetaExpiration,
	"revisionid": MetaRevisionID,
}

func (Literal) prec() int  { return precPrimary }
func (Property) prec() int { return precPrimary }
func (Meta) prec() int     { return precPrimary }
func (Param) prec() int    { return precPrimary }
func (Call) prec() int     { return precPrimary }
func (ArrayLit) prec() int { return precPrimary }
func (In) prec() int       { return precCompare }
func (Between) prec() int  { return precCompare }
func (Is) prec() int       { return precCompare }

func (e Unary) prec() int {
	if e.Op == "NOT" {
		return precNot
	}
	return precUnary
}

func (e Binary) prec() int {
	switch e.Op {
	case "OR":
		return precOr
	case "AND":
		return precAnd
	case "||":
		return precConcat
	case "+", "-":
		return precAdd
	case "*", "/", "%":
		return precMul
	default:
		return precCompare
	}
}

func (e Literal) String() string {
	return formatLiteral(e.Value)
}

func formatLiteral(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case value.Array:
		parts := make([]string, len(v))
		for i, el := range v {
			parts[i] = formatLiteral(el)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case value.Dict:
		raw, err := value.ToJSON(v)
		if err != nil {
			return "{}"
		}
		return string(raw)
	}
	if value.IsMissing(v) {
		return "MISSING"
	}
	raw, _ := value.ToJSON(v)
	return string(raw)
}

func (e Property) String() string {
	var buf strings.Builder
	if e.Alias != "" {
		buf.WriteString(quoteIdent(e.Alias))
	}
	for _, c := range e.Path {
		if c.IsIndex {
			buf.WriteByte('[')
			buf.WriteString(strconv.Itoa(c.Index))
			buf.WriteByte(']')
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte('.')
		}
		buf.WriteString(quoteIdent(c.Key))
	}
	return buf.String()
}

func (e Meta) String() string {
	if e.Alias == "" {
		return "META()." + e.Field
	}
	return "META(" + quoteIdent(e.Alias) + ")." + e.Field
}

func (e Param) String() string {
	return "$" + e.Name
}

func (e Unary) String() string {
	if e.Op == "NOT" {
		return "NOT " + wrap(e.X, precNot)
	}
	return "-" + wrap(e.X, precUnary)
}

func (e Binary) String() string {
	p := e.prec()
	// left-associative: right operand of equal precedence needs parens
	return wrap(e.L, p) + " " + e.Op + " " + wrap(e.R, p+1)
}

func (e In) String() string {
	parts := make([]string, len(e.List))
	for i, x := range e.List {
		parts[i] = x.String()
	}
	op := " IN "
	if e.Not {
		op = " NOT IN "
	}
	return wrap(e.X, precCompare+1) + op + "(" + strings.Join(parts, ", ") + ")"
}

func (e Between) String() string {
	op := " BETWEEN "
	if e.Not {
		op = " NOT BETWEEN "
	}
	return wrap(e.X, precCompare+1) + op + wrap(e.Lo, precCompare+1) + " AND " + wrap(e.Hi, precCompare+1)
}

func (e Is) String() string {
	op := " IS "
	if e.Not {
		op = " IS NOT "
	}
	return wrap(e.X, precCompare+1) + op + e.What
}

func (e Call) String() string {
	parts := make([]string, len(e.Args))
	for i, x := range e.Args {
		parts[i] = x.String()
	}
	return e.Name + "(" + strings.Join(parts, ", ") + ")"
}

func (e ArrayLit) String() string {
	parts := make([]string, len(e.Items))
	for i, x := range e.Items {
		parts[i] = x.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func wrap(e Expr, minPrec int) string {
	if e.prec() < minPrec {
		return "(" + e.String() + ")"
	}
	return e.String()
}

func quoteIdent(s string) string {
	if isPlainIdent(s) && !isKeyword(s) {
		return s
	}
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

func isPlainIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Ordering is one ORDER BY term.
type Ordering struct {
	Expr Expr
	Desc bool
}

// SelectItem is one result column. Star selects the whole document of
// StarAlias (empty for the primary source).
type SelectItem struct {
	Expr      Expr
	As        string
	Star      bool
	StarAlias string
}

type Source struct {
	Scope      string
	Collection string
	Alias      string
}

// Name returns the alias under which the source is addressable.
func (s Source) Name() string {
	if s.Alias != "" {
		return s.Alias
	}
	return s.Collection
}

type Unnest struct {
	Expr  Expr
	Alias string
}

type Query struct {
	Distinct bool
	Select   []SelectItem
	From     Source
	Unnest   *Unnest
	Where    Expr
	OrderBy  []Ordering
	Limit    Expr
	Offset   Expr
}

// String renders the query as canonical N1QL.
func (q *Query) String() string {
	var buf strings.Builder
	buf.WriteString("SELECT ")
	if q.Distinct {
		buf.WriteString("DISTINCT ")
	}
	for i, it := range q.Select {
		if i > 0 {
			buf.WriteString(", ")
		}
		if it.Star {
			if it.StarAlias != "" {
				buf.WriteString(quoteIdent(it.StarAlias))
				buf.WriteByte('.')
			}
			buf.WriteByte('*')
			continue
		}
		buf.WriteString(it.Expr.String())
		if it.As != "" {
			buf.WriteString(" AS ")
			buf.WriteString(quoteIdent(it.As))
		}
	}
	buf.WriteString(" FROM ")
	if q.From.Scope != "" {
		buf.WriteString(quoteIdent(q.From.Scope))
		buf.WriteByte('.')
	}
	buf.WriteString(quoteIdent(q.From.Collection))
	if q.From.Alias != "" {
		buf.WriteString(" AS ")
		buf.WriteString(quoteIdent(q.From.Alias))
	}
	if q.Unnest != nil {
		buf.WriteString(" UNNEST ")
		buf.WriteString(q.Unnest.Expr.String())
		buf.WriteString(" AS ")
		buf.WriteString(quoteIdent(q.Unnest.Alias))
	}
	if q.Where != nil {
		buf.WriteString(" WHERE ")
		buf.WriteString(q.Where.String())
	}
	if len(q.OrderBy) > 0 {
		buf.WriteString(" ORDER BY ")
		for i, o := range q.OrderBy {
			if i > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(o.Expr.String())
			if o.Desc {
				buf.WriteString(" DESC")
			}
		}
	}
	if q.Limit != nil {
		buf.WriteString(" LIMIT ")
		buf.WriteString(q.Limit.String())
	}
	if q.Offset != nil {
		buf.WriteString(" OFFSET ")
		buf.WriteString(q.Offset.String())
	}
	return buf.String()
}

// ColumnNames returns the result column names: the AS alias, the last key
// of a property, "id" for META().id, the source name for a star, and $N
// otherwise. Duplicates get a numeric suffix.
func (q *Query) ColumnNames() []string {
	names := make([]string, len(q.Select))
	seen := make(map[string]int)
	for i, it := range q.Select {
		var name string
		switch {
		case it.As != "":
			name = it.As
		case it.Star:
			name = it.StarAlias
			if name == "" {
				name = q.From.Name()
			}
		default:
			switch e := it.Expr.(type) {
			case Property:
				for j := len(e.Path) - 1; j >= 0; j-- {
					if !e.Path[j].IsIndex {
						name = e.Path[j].Key
						break
					}
				}
				if name == "" && len(e.Path) == 0 {
					name = e.Alias
				}
			case Meta:
				name = e.Field
			}
			if name == "" {
				name = "$" + strconv.Itoa(i+1)
			}
		}
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = name + "_" + strconv.Itoa(n)
		} else {
			seen[name] = 1
		}
		names[i] = name
	}
	return names
}

// Params returns the names of all parameters referenced by the query.
func (q *Query) Params() []string {
	var names []string
	seen := make(map[string]bool)
	visit := func(e Expr) {
		Walk(e, func(x Expr) {
			if p, ok := x.(Param); ok && !seen[p.Name] {
				seen[p.Name] = true
				names = append(names, p.Name)
			}
		})
	}
	for _, it := range q.Select {
		if it.Expr != nil {
			visit(it.Expr)
		}
	}
	if q.Unnest != nil {
		visit(q.Unnest.Expr)
	}
	if q.Where != nil {
		visit(q.Where)
	}
	for _, o := range q.OrderBy {
		visit(o.Expr)
	}
	if q.Limit != nil {
		visit(q.Limit)
	}
	if q.Offset != nil {
		visit(q.Offset)
	}
	return names
}

// Walk calls f for e and every sub-expression, depth first.
func Walk(e Expr, f func(Expr)) {
	if e == nil {
		return
	}
	f(e)
	switch e := e.(type) {
	case Unary:
		Walk(e.X, f)
	case Binary:
		Walk(e.L, f)
		Walk(e.R, f)
	case In:
		Walk(e.X, f)
		for _, x := range e.List {
			Walk(x, f)
		}
	case Between:
		Walk(e.X, f)
		Walk(e.Lo, f)
		Walk(e.Hi, f)
	case Is:
		Walk(e.X, f)
	case Call:
		for _, x := range e.Args {
			Walk(x, f)
		}
	case ArrayLit:
		for _, x := range e.Items {
			Walk(x, f)
		}
	}
}

// Conjuncts splits e on top-level AND.
func Conjuncts(e Expr) []Expr {
	if e == nil {
		return nil
	}
	if b, ok := e.(Binary); ok && b.Op == "AND" {
		return append(Conjuncts(b.L), Conjuncts(b.R)...)
	}
	return []Expr{e}
}

// IsConstant reports whether e depends on no document: literals, parameters
// and operators over them.
func IsConstant(e Expr) bool {
	constant := true
	Walk(e, func(x Expr) {
		switch x.(type) {
		case Property, Meta:
			constant = false
		}
	})
	return constant
}
