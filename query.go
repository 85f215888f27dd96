package syncdb

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/andreyvit/syncdb/dberr"
	"github.com/andreyvit/syncdb/querylang"
	"github.com/andreyvit/syncdb/value"
)

// Query is a compiled query bound to a collection. Parameters can be
// changed between executions.
type Query struct {
	db   *Database
	coll *Collection
	ast  *querylang.Query
	cols []string

	mu     sync.Mutex
	params value.Dict
}

// NewQuery compiles a query written in lang. The source collection must
// exist.
func (db *Database) NewQuery(lang QueryLanguage, text string) (*Query, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	ast, err := querylang.Compile(lang, text)
	if err != nil {
		return nil, err
	}
	coll, err := db.querySource(ast.From)
	if err != nil {
		return nil, err
	}
	return &Query{db: db, coll: coll, ast: ast, cols: ast.ColumnNames()}, nil
}

func (db *Database) querySource(src querylang.Source) (*Collection, error) {
	scope, name := src.Scope, src.Collection
	if scope == "" {
		scope = DefaultScopeName
	}
	if name == "_" || name == "" {
		name = DefaultCollectionName
	}
	c, err := db.Collection(name, scope)
	if err != nil {
		return nil, dberr.Wrap(dberr.DomainEngine, dberr.InvalidQueryCode, err, "no such collection %s.%s", scope, name)
	}
	if c == nil {
		return nil, dberr.New(dberr.DomainEngine, dberr.InvalidQueryCode, "no such collection %s.%s", scope, name)
	}
	return c, nil
}

func (q *Query) String() string { return q.ast.String() }

func (q *Query) ColumnNames() []string { return slices.Clone(q.cols) }

func (q *Query) ColumnCount() int { return len(q.cols) }

// SetParameters replaces the parameter bindings. Unbound parameters
// evaluate to MISSING.
func (q *Query) SetParameters(params value.Dict) error {
	nv, err := value.Normalize(params)
	if err != nil {
		return dberr.Wrap(dberr.DomainEngine, dberr.InvalidQueryParamCode, err, "")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.params = nv.(value.Dict)
	return nil
}

func (q *Query) Parameters() value.Dict {
	q.mu.Lock()
	defer q.mu.Unlock()
	return value.CopyDict(q.params)
}

// keyRange is a half-open range of index keys; nil bounds are open.
type keyRange struct {
	start, end []byte
}

type plan struct {
	def    *indexDef
	ci     *compiledIndex
	ranges []keyRange
	cond   string
}

type indexMatch struct {
	score  int
	ranges []keyRange
	cond   string
}

// plan picks the index serving the query, if any.
func (q *Query) plan(tx *tx, cs *collectionState, params value.Dict) (*plan, error) {
	conj := querylang.Conjuncts(q.ast.Where)
	conjStrs := make(map[string]bool, len(conj))
	for _, c := range conj {
		conjStrs[c.String()] = true
	}

	defs := slices.Clone(cs.Indexes)
	slices.SortFunc(defs, func(a, b *indexDef) int { return strings.Compare(a.Name, b.Name) })

	best := &plan{}
	bestScore := 0
	for _, def := range defs {
		ci, err := tx.e.compiledIndex(def)
		if err != nil {
			return nil, err
		}
		if ci.where != nil {
			covered := true
			for _, w := range querylang.Conjuncts(ci.where) {
				if !conjStrs[w.String()] {
					covered = false
				}
			}
			if !covered {
				continue
			}
		}
		for _, c := range conj {
			m := q.matchConjunct(ci, c, params)
			if m != nil && m.score > bestScore {
				bestScore = m.score
				best = &plan{def: def, ci: ci, ranges: m.ranges, cond: m.cond}
			}
		}
	}
	return best, nil
}

// keyExpr reports whether x is the first key expression of ci, as seen by
// the query: a document property for value indexes, a property of the
// UNNEST alias for array indexes.
func (q *Query) keyExpr(ci *compiledIndex, x querylang.Expr) bool {
	switch ci.kind {
	case ValueIndex:
		return len(ci.keys) > 0 && x.String() == ci.keys[0].String()
	case ArrayIndex:
		u := q.ast.Unnest
		if u == nil || u.Expr.String() != (querylang.Property{Path: ci.path}).String() {
			return false
		}
		p, ok := x.(querylang.Property)
		if !ok || p.Alias != u.Alias {
			return false
		}
		if len(ci.keys) == 0 {
			return len(p.Path) == 0
		}
		return len(p.Path) > 0 && (querylang.Property{Path: p.Path}).String() == ci.keys[0].String()
	}
	return false
}

func (q *Query) matchConjunct(ci *compiledIndex, c querylang.Expr, params value.Dict) *indexMatch {
	constant := func(e querylang.Expr) (any, bool) {
		if !querylang.IsConstant(e) {
			return nil, false
		}
		v, err := querylang.Eval(e, &docEnv{params: params})
		if err != nil {
			return nil, false
		}
		return v, true
	}
	keyStr := func(x querylang.Expr) string {
		if ci.kind == ArrayIndex && len(ci.keys) == 0 {
			return q.ast.Unnest.Alias
		}
		return x.String()
	}

	switch c := c.(type) {
	case querylang.Binary:
		l, r, op := c.L, c.R, c.Op
		if !q.keyExpr(ci, l) {
			l, r = r, l
			op = flipComparison(op)
		}
		if !q.keyExpr(ci, l) {
			return nil
		}
		v, ok := constant(r)
		if !ok {
			return nil
		}
		k := value.CollationKey(v)
		switch op {
		case "=", "==":
			return &indexMatch{score: 3, ranges: []keyRange{{k, prefixEnd(k)}}, cond: keyStr(l) + "=?"}
		case ">":
			return &indexMatch{score: 1, ranges: []keyRange{{prefixEnd(k), nil}}, cond: keyStr(l) + ">?"}
		case ">=":
			return &indexMatch{score: 1, ranges: []keyRange{{k, nil}}, cond: keyStr(l) + ">=?"}
		case "<":
			return &indexMatch{score: 1, ranges: []keyRange{{nil, k}}, cond: keyStr(l) + "<?"}
		case "<=":
			return &indexMatch{score: 1, ranges: []keyRange{{nil, prefixEnd(k)}}, cond: keyStr(l) + "<=?"}
		}
	case querylang.Between:
		if c.Not || !q.keyExpr(ci, c.X) {
			return nil
		}
		lo, ok1 := constant(c.Lo)
		hi, ok2 := constant(c.Hi)
		if !ok1 || !ok2 {
			return nil
		}
		return &indexMatch{score: 1, ranges: []keyRange{{value.CollationKey(lo), prefixEnd(value.CollationKey(hi))}}, cond: keyStr(c.X) + ">? AND " + keyStr(c.X) + "<?"}
	case querylang.In:
		if c.Not || !q.keyExpr(ci, c.X) {
			return nil
		}
		var ranges []keyRange
		for _, it := range c.List {
			v, ok := constant(it)
			if !ok {
				return nil
			}
			k := value.CollationKey(v)
			ranges = append(ranges, keyRange{k, prefixEnd(k)})
		}
		return &indexMatch{score: 2, ranges: ranges, cond: keyStr(c.X) + " IN (...)"}
	case querylang.Call:
		if c.Name != "ARRAY_CONTAINS" || ci.kind != ArrayIndex || len(ci.keys) != 0 || len(c.Args) != 2 {
			return nil
		}
		if c.Args[0].String() != (querylang.Property{Path: ci.path}).String() {
			return nil
		}
		v, ok := constant(c.Args[1])
		if !ok {
			return nil
		}
		k := value.CollationKey(v)
		return &indexMatch{score: 3, ranges: []keyRange{{k, prefixEnd(k)}}, cond: ci.path.String() + "[]=?"}
	}
	return nil
}

func flipComparison(op string) string {
	switch op {
	case "<":
		return ">"
	case "<=":
		return ">="
	case ">":
		return "<"
	case ">=":
		return "<="
	}
	return op
}

// Explain describes how the query would run: the canonical query, then
// either the index it searches or a full scan.
func (q *Query) Explain() (string, error) {
	params := q.Parameters()
	var buf strings.Builder
	buf.WriteString(q.ast.String())
	buf.WriteString("\n")
	err := q.db.read(func(tx *tx) error {
		cs, err := q.coll.state(tx)
		if err != nil {
			return err
		}
		p, err := q.plan(tx, cs, params)
		if err != nil {
			return err
		}
		if p.def != nil {
			fmt.Fprintf(&buf, "SEARCH %s USING INDEX %s (%s)\n", q.coll.FullName(), p.def.Name, p.cond)
		} else {
			fmt.Fprintf(&buf, "SCAN %s\n", q.coll.FullName())
		}
		return nil
	})
	if q.ast.Unnest != nil {
		fmt.Fprintf(&buf, "UNNEST %s AS %s\n", q.ast.Unnest.Expr, q.ast.Unnest.Alias)
	}
	if q.ast.Distinct {
		buf.WriteString("USE TEMP B-TREE FOR DISTINCT\n")
	}
	if len(q.ast.OrderBy) > 0 {
		buf.WriteString("USE TEMP B-TREE FOR ORDER BY\n")
	}
	return buf.String(), err
}

// includesDeleted reports whether the query asks about tombstones; other
// queries never see them.
func (q *Query) includesDeleted() bool {
	found := false
	querylang.Walk(q.ast.Where, func(x querylang.Expr) {
		if m, ok := x.(querylang.Meta); ok && m.Field == querylang.MetaDeleted {
			found = true
		}
	})
	return found
}

// Execute starts a new forward-only pass over the results.
func (q *Query) Execute() (*ResultSet, error) {
	params := q.Parameters()
	rs := &ResultSet{q: q, params: params, limit: -1, deleted: q.includesDeleted()}

	env := &docEnv{params: params}
	if q.ast.Limit != nil {
		n, err := evalCount(q.ast.Limit, env)
		if err != nil {
			return nil, err
		}
		rs.limit = n
	}
	if q.ast.Offset != nil {
		n, err := evalCount(q.ast.Offset, env)
		if err != nil {
			return nil, err
		}
		rs.offset = n
	}
	if q.ast.Distinct {
		rs.seen = make(map[string]bool)
	}

	err := q.db.read(func(tx *tx) error {
		cs, err := q.coll.state(tx)
		if err != nil {
			return err
		}
		p, err := q.plan(tx, cs, params)
		if err != nil {
			return err
		}
		if p.def == nil {
			c := tx.docsBucket(cs).Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				rs.ids = append(rs.ids, string(k))
			}
			return nil
		}
		b := tx.stx.Bucket(cs.bucket(), p.def.bucket())
		if b == nil {
			return corruptf("%s: missing bucket of index %s", cs.fullName(), p.def.Name)
		}
		seen := make(map[string]bool)
		for _, r := range p.ranges {
			c := b.Cursor()
			var k []byte
			if r.start == nil {
				k, _ = c.First()
			} else {
				k, _ = c.Seek(r.start)
			}
			for ; k != nil && (r.end == nil || bytes.Compare(k, r.end) < 0); k, _ = c.Next() {
				id, ok := indexEntryDocID(k)
				if !ok {
					return corruptf("%s: invalid entry in index %s: %s", cs.fullName(), p.def.Name, hexstr(k))
				}
				if !seen[id] {
					seen[id] = true
					rs.ids = append(rs.ids, id)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

func evalCount(e querylang.Expr, env querylang.Env) (int64, error) {
	v, err := querylang.Eval(e, env)
	if err != nil {
		return 0, dberr.Wrap(dberr.DomainEngine, dberr.InvalidQueryCode, err, "")
	}
	f, ok := value.AsFloat(v)
	if !ok {
		return 0, dberr.New(dberr.DomainEngine, dberr.InvalidQueryParamCode, "LIMIT/OFFSET must be a number, got %v", v)
	}
	return max(int64(f), 0), nil
}

const resultBatchSize = 64

// ResultSet iterates over query results. It loads documents lazily, a batch
// at a time, and cannot be restarted; execute the query again instead.
type ResultSet struct {
	q       *Query
	params  value.Dict
	deleted bool

	ids     []string
	pos     int
	pending []*Result
	sorted  bool
	cur     *Result
	err     error
	closed  bool

	seen     map[string]bool
	offset   int64
	limit    int64
	returned int64
}

// Next advances to the next row.
func (rs *ResultSet) Next() bool {
	rs.cur = nil
	if rs.closed || rs.err != nil {
		return false
	}
	if rs.limit >= 0 && rs.returned >= rs.limit {
		return false
	}
	if len(rs.q.ast.OrderBy) > 0 && !rs.sorted {
		if rs.err = rs.materialize(); rs.err != nil {
			return false
		}
	}
	for {
		for len(rs.pending) > 0 {
			r := rs.pending[0]
			rs.pending[0] = nil
			rs.pending = rs.pending[1:]
			if !rs.sorted && !rs.accept(r) {
				continue
			}
			if rs.offset > 0 {
				rs.offset--
				continue
			}
			rs.cur = r
			rs.returned++
			return true
		}
		if rs.sorted || rs.pos >= len(rs.ids) {
			return false
		}
		if rs.err = rs.loadBatch(); rs.err != nil {
			return false
		}
	}
}

// accept applies DISTINCT.
func (rs *ResultSet) accept(r *Result) bool {
	if rs.seen == nil {
		return true
	}
	k := string(value.CollationKey(value.Array(r.vals)))
	if rs.seen[k] {
		return false
	}
	rs.seen[k] = true
	return true
}

func (rs *ResultSet) loadBatch() error {
	end := min(rs.pos+resultBatchSize, len(rs.ids))
	batch := rs.ids[rs.pos:end]
	rs.pos = end
	return rs.q.db.read(func(tx *tx) error {
		cs, err := rs.q.coll.state(tx)
		if err != nil {
			return err
		}
		now := tx.e.now().UnixMilli()
		for _, id := range batch {
			rec, err := tx.loadRecord(cs, id)
			if err != nil {
				return err
			}
			if rec == nil || rec.expired(now) || (rec.deleted() && !rs.deleted) {
				continue
			}
			if err := rs.produce(id, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// materialize loads every candidate row and sorts them for ORDER BY.
func (rs *ResultSet) materialize() error {
	for rs.pos < len(rs.ids) {
		if err := rs.loadBatch(); err != nil {
			return err
		}
	}
	rows := rs.pending[:0]
	for _, r := range rs.pending {
		if rs.accept(r) {
			rows = append(rows, r)
		}
	}
	order := rs.q.ast.OrderBy
	slices.SortStableFunc(rows, func(a, b *Result) int {
		for i, o := range order {
			c := value.Compare(a.orderKeys[i], b.orderKeys[i])
			if o.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})
	rs.pending = rows
	rs.sorted = true
	return nil
}

func (rs *ResultSet) produce(id string, rec *docRecord) error {
	props, err := rec.props()
	if err != nil {
		return err
	}
	ast := rs.q.ast
	env := &docEnv{id: id, rec: rec, root: props, params: rs.params, alias: ast.From.Name()}
	if ast.Unnest == nil {
		return rs.produceRow(env)
	}
	u, err := querylang.Eval(ast.Unnest.Expr, env)
	if err != nil {
		return err
	}
	arr, _ := u.(value.Array)
	for _, el := range arr {
		elemEnv := *env
		elemEnv.elemAlias = ast.Unnest.Alias
		elemEnv.elem = el
		elemEnv.hasElement = true
		if err := rs.produceRow(&elemEnv); err != nil {
			return err
		}
	}
	return nil
}

func (rs *ResultSet) produceRow(env *docEnv) error {
	ast := rs.q.ast
	if ast.Where != nil {
		ok, err := querylang.Eval(ast.Where, env)
		if err != nil {
			return dberr.Wrap(dberr.DomainEngine, dberr.InvalidQueryCode, err, "")
		}
		if ok != true {
			return nil
		}
	}
	r := &Result{cols: rs.q.cols, vals: make([]any, len(ast.Select))}
	for i, it := range ast.Select {
		if it.Star {
			root, _ := env.Source(it.StarAlias)
			r.vals[i] = value.DeepCopy(root)
			continue
		}
		v, err := querylang.Eval(it.Expr, env)
		if err != nil {
			return dberr.Wrap(dberr.DomainEngine, dberr.InvalidQueryCode, err, "")
		}
		r.vals[i] = value.DeepCopy(v)
	}
	if len(ast.OrderBy) > 0 {
		r.orderKeys = make([]any, len(ast.OrderBy))
		for i, o := range ast.OrderBy {
			if col := rs.selectAlias(o.Expr); col >= 0 {
				r.orderKeys[i] = r.vals[col]
				continue
			}
			v, err := querylang.Eval(o.Expr, env)
			if err != nil {
				return dberr.Wrap(dberr.DomainEngine, dberr.InvalidQueryCode, err, "")
			}
			r.orderKeys[i] = v
		}
	}
	rs.pending = append(rs.pending, r)
	return nil
}

// selectAlias resolves an ORDER BY term naming a result column (SELECT x AS
// n ... ORDER BY n) to the column index, or -1.
func (rs *ResultSet) selectAlias(e querylang.Expr) int {
	p, ok := e.(querylang.Property)
	if !ok || p.Alias != "" || len(p.Path) != 1 || p.Path[0].IsIndex {
		return -1
	}
	for i, it := range rs.q.ast.Select {
		if it.As != "" && it.As == p.Path[0].Key {
			return i
		}
	}
	return -1
}

// Row returns the current row, or nil.
func (rs *ResultSet) Row() *Result { return rs.cur }

func (rs *ResultSet) Err() error { return rs.err }

func (rs *ResultSet) Close() {
	rs.closed = true
	rs.pending = nil
	rs.ids = nil
	rs.cur = nil
}

// All drains the result set.
func (rs *ResultSet) All() ([]*Result, error) {
	var rows []*Result
	for rs.Next() {
		rows = append(rows, rs.Row())
	}
	return rows, rs.Err()
}

// Result is one row of a query result.
type Result struct {
	cols      []string
	vals      []any
	orderKeys []any
}

func (r *Result) Count() int { return len(r.vals) }

func (r *Result) Columns() []string { return slices.Clone(r.cols) }

// Value returns column i; MISSING and out-of-range columns are nil.
func (r *Result) Value(i int) any {
	if i < 0 || i >= len(r.vals) || value.IsMissing(r.vals[i]) {
		return nil
	}
	return r.vals[i]
}

// ValueByName returns the named column, or nil.
func (r *Result) ValueByName(name string) any {
	return r.Value(slices.Index(r.cols, name))
}

// IsMissing reports whether column i evaluated to MISSING.
func (r *Result) IsMissing(i int) bool {
	return i < 0 || i >= len(r.vals) || value.IsMissing(r.vals[i])
}

// Dict returns the row keyed by column name, omitting MISSING columns.
func (r *Result) Dict() value.Dict {
	d := make(value.Dict, len(r.vals))
	for i, v := range r.vals {
		if !value.IsMissing(v) {
			d[r.cols[i]] = v
		}
	}
	return d
}

// Array returns the row's values in column order, MISSING as nil.
func (r *Result) Array() value.Array {
	a := make(value.Array, len(r.vals))
	for i := range r.vals {
		a[i] = r.Value(i)
	}
	return a
}

func (r *Result) JSON() (string, error) {
	data, err := value.ToJSON(r.Dict())
	return string(data), err
}
