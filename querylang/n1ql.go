package querylang

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/andreyvit/syncdb/value"
)

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isKeyword(kw string) bool {
	t := p.peek()
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (p *parser) acceptKeyword(kw string) bool {
	if p.isKeyword(kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectKeyword(kw string) error {
	if !p.acceptKeyword(kw) {
		return p.errorf("expected %s, got %v", kw, p.peek())
	}
	return nil
}

func (p *parser) isPunct(s string) bool {
	t := p.peek()
	return t.kind == tokPunct && t.text == s
}

func (p *parser) acceptPunct(s string) bool {
	if p.isPunct(s) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectPunct(s string) error {
	if !p.acceptPunct(s) {
		return p.errorf("expected %q, got %v", s, p.peek())
	}
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("at %d: %s", p.peek().pos, fmt.Sprintf(format, args...))
}

// identifier accepts a plain non-keyword identifier or a backquoted one.
func (p *parser) identifier() (string, bool) {
	t := p.peek()
	switch {
	case t.kind == tokQuotedIdent:
		p.pos++
		return t.text, true
	case t.kind == tokIdent && !isKeyword(t.text):
		p.pos++
		return t.text, true
	}
	return "", false
}

func parseN1QL(src string) (*Query, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	q, err := p.query()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected %v", p.peek())
	}
	return q, nil
}

func (p *parser) query() (*Query, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	q := &Query{}
	q.Distinct = p.acceptKeyword("DISTINCT")
	for {
		it, err := p.selectItem()
		if err != nil {
			return nil, err
		}
		q.Select = append(q.Select, it)
		if !p.acceptPunct(",") {
			break
		}
	}

	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	first, ok := p.identifier()
	if !ok {
		return nil, p.errorf("expected collection name, got %v", p.peek())
	}
	if p.acceptPunct(".") {
		second, ok := p.identifier()
		if !ok {
			return nil, p.errorf("expected collection name, got %v", p.peek())
		}
		q.From = Source{Scope: first, Collection: second}
	} else {
		q.From = Source{Collection: first}
	}
	if p.acceptKeyword("AS") {
		alias, ok := p.identifier()
		if !ok {
			return nil, p.errorf("expected alias, got %v", p.peek())
		}
		q.From.Alias = alias
	} else if alias, ok := p.identifier(); ok {
		q.From.Alias = alias
	}

	if p.acceptKeyword("UNNEST") {
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		un := &Unnest{Expr: e}
		p.acceptKeyword("AS")
		alias, ok := p.identifier()
		if !ok {
			return nil, p.errorf("UNNEST requires an alias")
		}
		un.Alias = alias
		q.Unnest = un
	}

	if p.acceptKeyword("WHERE") {
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		q.Where = e
	}

	if p.acceptKeyword("ORDER") {
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.expr()
			if err != nil {
				return nil, err
			}
			o := Ordering{Expr: e}
			if p.acceptKeyword("DESC") {
				o.Desc = true
			} else {
				p.acceptKeyword("ASC")
			}
			q.OrderBy = append(q.OrderBy, o)
			if !p.acceptPunct(",") {
				break
			}
		}
	}

	for {
		switch {
		case q.Limit == nil && p.acceptKeyword("LIMIT"):
			e, err := p.expr()
			if err != nil {
				return nil, err
			}
			q.Limit = e
			continue
		case q.Offset == nil && p.acceptKeyword("OFFSET"):
			e, err := p.expr()
			if err != nil {
				return nil, err
			}
			q.Offset = e
			continue
		}
		break
	}

	resolveAliases(q)
	return q, nil
}

func (p *parser) selectItem() (SelectItem, error) {
	if p.acceptPunct("*") {
		return SelectItem{Star: true}, nil
	}
	// alias.*
	if t := p.peek(); (t.kind == tokIdent && !isKeyword(t.text) || t.kind == tokQuotedIdent) &&
		p.toks[p.pos+1].kind == tokPunct && p.toks[p.pos+1].text == "." &&
		p.toks[p.pos+2].kind == tokPunct && p.toks[p.pos+2].text == "*" {
		p.pos += 3
		return SelectItem{Star: true, StarAlias: t.text}, nil
	}
	e, err := p.expr()
	if err != nil {
		return SelectItem{}, err
	}
	it := SelectItem{Expr: e}
	if p.acceptKeyword("AS") {
		name, ok := p.identifier()
		if !ok {
			return SelectItem{}, p.errorf("expected column alias, got %v", p.peek())
		}
		it.As = name
	}
	return it, nil
}

// parseExprList parses a comma-separated expression list, the N1QL form of
// an index definition.
func parseExprList(src string) ([]Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	var list []Expr
	for {
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		list = append(list, e)
		if !p.acceptPunct(",") {
			break
		}
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected %v", p.peek())
	}
	return list, nil
}

func parseSingleExpr(src string) (Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected %v", p.peek())
	}
	return e, nil
}

func (p *parser) expr() (Expr, error) {
	return p.orExpr()
}

func (p *parser) orExpr() (Expr, error) {
	l, err := p.andExpr()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("OR") {
		r, err := p.andExpr()
		if err != nil {
			return nil, err
		}
		l = Binary{Op: "OR", L: l, R: r}
	}
	return l, nil
}

func (p *parser) andExpr() (Expr, error) {
	l, err := p.notExpr()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("AND") {
		r, err := p.notExpr()
		if err != nil {
			return nil, err
		}
		l = Binary{Op: "AND", L: l, R: r}
	}
	return l, nil
}

func (p *parser) notExpr() (Expr, error) {
	if p.acceptKeyword("NOT") {
		x, err := p.notExpr()
		if err != nil {
			return nil, err
		}
		return Unary{Op: "NOT", X: x}, nil
	}
	return p.compareExpr()
}

func (p *parser) compareExpr() (Expr, error) {
	l, err := p.concatExpr()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokPunct {
		switch t.text {
		case "=", "==", "!=", "<>", "<", "<=", ">", ">=":
			p.pos++
			r, err := p.concatExpr()
			if err != nil {
				return nil, err
			}
			op := t.text
			switch op {
			case "==":
				op = "="
			case "<>":
				op = "!="
			}
			return Binary{Op: op, L: l, R: r}, nil
		}
	}

	not := false
	if p.isKeyword("NOT") {
		nt := p.toks[p.pos+1]
		if nt.kind == tokIdent && (strings.EqualFold(nt.text, "IN") || strings.EqualFold(nt.text, "LIKE") || strings.EqualFold(nt.text, "BETWEEN")) {
			p.pos++
			not = true
		}
	}

	switch {
	case p.acceptKeyword("LIKE"):
		r, err := p.concatExpr()
		if err != nil {
			return nil, err
		}
		var e Expr = Binary{Op: "LIKE", L: l, R: r}
		if not {
			e = Unary{Op: "NOT", X: e}
		}
		return e, nil
	case p.acceptKeyword("IN"):
		list, err := p.inList()
		if err != nil {
			return nil, err
		}
		return In{X: l, List: list, Not: not}, nil
	case p.acceptKeyword("BETWEEN"):
		lo, err := p.concatExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("AND"); err != nil {
			return nil, err
		}
		hi, err := p.concatExpr()
		if err != nil {
			return nil, err
		}
		return Between{X: l, Lo: lo, Hi: hi, Not: not}, nil
	case p.acceptKeyword("IS"):
		isNot := p.acceptKeyword("NOT")
		for _, what := range []string{"NULL", "MISSING", "VALUED"} {
			if p.acceptKeyword(what) {
				return Is{X: l, What: what, Not: isNot}, nil
			}
		}
		return nil, p.errorf("expected NULL, MISSING or VALUED after IS")
	}
	return l, nil
}

func (p *parser) inList() ([]Expr, error) {
	opening, closing := "(", ")"
	if p.isPunct("[") {
		opening, closing = "[", "]"
	}
	if err := p.expectPunct(opening); err != nil {
		return nil, err
	}
	var list []Expr
	if p.acceptPunct(closing) {
		return list, nil
	}
	for {
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		list = append(list, e)
		if !p.acceptPunct(",") {
			break
		}
	}
	if err := p.expectPunct(closing); err != nil {
		return nil, err
	}
	return list, nil
}

func (p *parser) concatExpr() (Expr, error) {
	l, err := p.addExpr()
	if err != nil {
		return nil, err
	}
	for p.acceptPunct("||") {
		r, err := p.addExpr()
		if err != nil {
			return nil, err
		}
		l = Binary{Op: "||", L: l, R: r}
	}
	return l, nil
}

func (p *parser) addExpr() (Expr, error) {
	l, err := p.mulExpr()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokPunct || (t.text != "+" && t.text != "-") {
			return l, nil
		}
		p.pos++
		r, err := p.mulExpr()
		if err != nil {
			return nil, err
		}
		l = Binary{Op: t.text, L: l, R: r}
	}
}

func (p *parser) mulExpr() (Expr, error) {
	l, err := p.unaryExpr()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokPunct || (t.text != "*" && t.text != "/" && t.text != "%") {
			return l, nil
		}
		p.pos++
		r, err := p.unaryExpr()
		if err != nil {
			return nil, err
		}
		l = Binary{Op: t.text, L: l, R: r}
	}
}

func (p *parser) unaryExpr() (Expr, error) {
	if p.acceptPunct("-") {
		x, err := p.unaryExpr()
		if err != nil {
			return nil, err
		}
		if lit, ok := x.(Literal); ok {
			switch v := lit.Value.(type) {
			case int64:
				return Literal{-v}, nil
			case float64:
				return Literal{-v}, nil
			}
		}
		return Unary{Op: "-", X: x}, nil
	}
	p.acceptPunct("+")
	return p.primary()
}

func (p *parser) primary() (Expr, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.pos++
		if !strings.ContainsAny(t.text, ".eE") {
			if n, err := strconv.ParseInt(t.text, 10, 64); err == nil {
				return Literal{n}, nil
			}
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("at %d: invalid number %q", t.pos, t.text)
		}
		return Literal{f}, nil
	case tokString:
		p.pos++
		return Literal{t.text}, nil
	case tokParam:
		p.pos++
		return Param{Name: t.text}, nil
	case tokPunct:
		switch t.text {
		case "(":
			p.pos++
			e, err := p.expr()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return p.pathSuffix(e)
		case "[":
			items, err := p.inList()
			if err != nil {
				return nil, err
			}
			return ArrayLit{Items: items}, nil
		}
	case tokIdent:
		switch strings.ToUpper(t.text) {
		case "TRUE":
			p.pos++
			return Literal{true}, nil
		case "FALSE":
			p.pos++
			return Literal{false}, nil
		case "NULL":
			p.pos++
			return Literal{nil}, nil
		case "MISSING":
			p.pos++
			return Literal{value.Missing}, nil
		case "META":
			return p.meta()
		}
		if p.toks[p.pos+1].kind == tokPunct && p.toks[p.pos+1].text == "(" && !isKeyword(t.text) {
			return p.call()
		}
		if t.text == "_id" {
			p.pos++
			return Meta{Field: MetaID}, nil
		}
		if t.text == "_sequence" {
			p.pos++
			return Meta{Field: MetaSequence}, nil
		}
		if t.text == "_deleted" {
			p.pos++
			return Meta{Field: MetaDeleted}, nil
		}
	}
	if name, ok := p.identifier(); ok {
		return p.pathSuffix(Property{Path: value.Path{{Key: name}}})
	}
	return nil, p.errorf("unexpected %v", t)
}

// pathSuffix extends a property with .key and [index] components.
func (p *parser) pathSuffix(e Expr) (Expr, error) {
	prop, isProp := e.(Property)
	for {
		switch {
		case p.isPunct(".") && isProp:
			p.pos++
			name, ok := p.identifier()
			if !ok {
				t := p.peek()
				if t.kind != tokIdent {
					return nil, p.errorf("expected property name after '.', got %v", t)
				}
				// keywords are fine as nested keys
				p.pos++
				name = t.text
			}
			prop.Path = append(prop.Path, value.PathComponent{Key: name})
		case p.isPunct("[") && isProp:
			p.pos++
			t := p.next()
			if t.kind != tokNumber {
				return nil, p.errorf("expected array index, got %v", t)
			}
			n, err := strconv.Atoi(t.text)
			if err != nil {
				return nil, fmt.Errorf("at %d: invalid array index %q", t.pos, t.text)
			}
			if err := p.expectPunct("]"); err != nil {
				return nil, err
			}
			prop.Path = append(prop.Path, value.PathComponent{Index: n, IsIndex: true})
		default:
			if isProp {
				return prop, nil
			}
			return e, nil
		}
	}
}

func (p *parser) meta() (Expr, error) {
	p.pos++
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	alias, _ := p.identifier()
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	if err := p.expectPunct("."); err != nil {
		return nil, err
	}
	t := p.next()
	if t.kind != tokIdent {
		return nil, p.errorf("expected META() field, got %v", t)
	}
	field, ok := metaFields[strings.ToLower(t.text)]
	if !ok {
		return nil, fmt.Errorf("at %d: unknown META() field %q", t.pos, t.text)
	}
	return Meta{Alias: alias, Field: field}, nil
}

func (p *parser) call() (Expr, error) {
	name := strings.ToUpper(p.next().text)
	if _, ok := functions[name]; !ok {
		return nil, p.errorf("unknown function %s()", name)
	}
	p.pos++ // (
	var args []Expr
	if !p.acceptPunct(")") {
		for {
			e, err := p.expr()
			if err != nil {
				return nil, err
			}
			args = append(args, e)
			if !p.acceptPunct(",") {
				break
			}
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
	}
	if err := checkArity(name, len(args)); err != nil {
		return nil, err
	}
	return Call{Name: name, Args: args}, nil
}

// resolveAliases turns `alias.path` properties into alias-qualified ones
// and `alias` references to the whole UNNEST element into empty-path
// properties, once the FROM and UNNEST aliases are known.
func resolveAliases(q *Query) {
	aliases := map[string]bool{}
	primary := q.From.Name()
	aliases[primary] = true
	if q.From.Alias == "" && q.From.Collection == "_" {
		aliases["_default"] = true
	}
	var unnestAlias string
	if q.Unnest != nil {
		unnestAlias = q.Unnest.Alias
		aliases[unnestAlias] = true
	}
	fix := func(e Expr) Expr {
		return rewrite(e, func(x Expr) Expr {
			switch x := x.(type) {
			case Property:
				if x.Alias != "" || len(x.Path) == 0 || x.Path[0].IsIndex {
					return x
				}
				head := x.Path[0].Key
				if !aliases[head] {
					return x
				}
				if head == unnestAlias {
					var rest value.Path
					if len(x.Path) > 1 {
						rest = x.Path[1:]
					}
					return Property{Alias: unnestAlias, Path: rest}
				}
				if len(x.Path) == 1 {
					// bare source alias: the whole document
					return Property{Alias: primary}
				}
				return Property{Path: x.Path[1:]}
			case Meta:
				if x.Alias == primary || aliases[x.Alias] && x.Alias != unnestAlias {
					return Meta{Field: x.Field}
				}
			}
			return x
		})
	}
	for i := range q.Select {
		if q.Select[i].Expr != nil {
			q.Select[i].Expr = fix(q.Select[i].Expr)
		}
		if q.Select[i].StarAlias == primary {
			q.Select[i].StarAlias = ""
		}
	}
	if q.Unnest != nil {
		q.Unnest.Expr = fix(q.Unnest.Expr)
	}
	if q.Where != nil {
		q.Where = fix(q.Where)
	}
	for i := range q.OrderBy {
		q.OrderBy[i].Expr = fix(q.OrderBy[i].Expr)
	}
}

// rewrite rebuilds e bottom-up, replacing each node with f(node).
func rewrite(e Expr, f func(Expr) Expr) Expr {
	switch x := e.(type) {
	case Unary:
		x.X = rewrite(x.X, f)
		return f(x)
	case Binary:
		x.L = rewrite(x.L, f)
		x.R = rewrite(x.R, f)
		return f(x)
	case In:
		x.X = rewrite(x.X, f)
		list := make([]Expr, len(x.List))
		for i, el := range x.List {
			list[i] = rewrite(el, f)
		}
		x.List = list
		return f(x)
	case Between:
		x.X = rewrite(x.X, f)
		x.Lo = rewrite(x.Lo, f)
		x.Hi = rewrite(x.Hi, f)
		return f(x)
	case Is:
		x.X = rewrite(x.X, f)
		return f(x)
	case Call:
		args := make([]Expr, len(x.Args))
		for i, a := range x.Args {
			args[i] = rewrite(a, f)
		}
		x.Args = args
		return f(x)
	case ArrayLit:
		items := make([]Expr, len(x.Items))
		for i, it := range x.Items {
			items[i] = rewrite(it, f)
		}
		x.Items = items
		return f(x)
	}
	return f(e)
}
