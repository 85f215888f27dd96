package querylang

import (
	"fmt"
	"strings"

	"github.com/andreyvit/syncdb/value"
)

// The JSON grammar expresses operators as arrays whose first element names
// the operator:
//
//	["=", [".name"], "x"]
//	["AND", a, b, c]
//	["lower()", [".name"]]
//	["._id"], ["._sequence"], ["$param"], ["MISSING"]
//
// Anything that is not an array is a literal.

func parseJSONQuery(src []byte) (*Query, error) {
	raw, err := value.FromJSON(src)
	if err != nil {
		return nil, err
	}
	switch raw := raw.(type) {
	case value.Dict:
		return jsonQuery(raw)
	case value.Array:
		// a bare WHERE expression over the default collection
		where, err := jsonExpr(raw)
		if err != nil {
			return nil, err
		}
		q := &Query{
			Select: []SelectItem{{Star: true}},
			From:   Source{Collection: "_default"},
			Where:  where,
		}
		return q, nil
	}
	return nil, fmt.Errorf("query must be a JSON object")
}

func jsonQuery(d value.Dict) (*Query, error) {
	q := &Query{}
	for k := range d {
		switch k {
		case "WHAT", "FROM", "WHERE", "ORDER_BY", "LIMIT", "OFFSET", "DISTINCT":
		default:
			return nil, fmt.Errorf("unknown query key %q", k)
		}
	}

	if from, ok := d["FROM"]; ok {
		list, ok := from.(value.Array)
		if !ok || len(list) == 0 {
			return nil, fmt.Errorf("FROM must be a non-empty array")
		}
		for i, item := range list {
			src, ok := item.(value.Dict)
			if !ok {
				return nil, fmt.Errorf("FROM item must be an object")
			}
			alias, _ := src["AS"].(string)
			if un, ok := src["UNNEST"]; ok {
				if i == 0 || q.Unnest != nil {
					return nil, fmt.Errorf("only one UNNEST after the primary source is supported")
				}
				e, err := jsonExpr(un)
				if err != nil {
					return nil, err
				}
				if alias == "" {
					return nil, fmt.Errorf("UNNEST requires AS")
				}
				q.Unnest = &Unnest{Expr: e, Alias: alias}
				continue
			}
			if i > 0 {
				return nil, fmt.Errorf("joins are not supported")
			}
			coll, _ := src["COLLECTION"].(string)
			scope, _ := src["SCOPE"].(string)
			if coll == "" {
				coll = "_default"
			}
			q.From = Source{Scope: scope, Collection: coll, Alias: alias}
		}
	} else {
		q.From = Source{Collection: "_default"}
	}

	if what, ok := d["WHAT"]; ok {
		list, ok := what.(value.Array)
		if !ok {
			return nil, fmt.Errorf("WHAT must be an array")
		}
		for _, item := range list {
			it, err := jsonSelectItem(item)
			if err != nil {
				return nil, err
			}
			q.Select = append(q.Select, it)
		}
	}
	if len(q.Select) == 0 {
		q.Select = []SelectItem{{Star: true}}
	}

	if w, ok := d["WHERE"]; ok {
		e, err := jsonExpr(w)
		if err != nil {
			return nil, err
		}
		q.Where = e
	}
	if ob, ok := d["ORDER_BY"]; ok {
		list, ok := ob.(value.Array)
		if !ok {
			return nil, fmt.Errorf("ORDER_BY must be an array")
		}
		for _, item := range list {
			o := Ordering{}
			if arr, ok := item.(value.Array); ok && len(arr) == 2 {
				if dir, ok := arr[0].(string); ok && (strings.EqualFold(dir, "DESC") || strings.EqualFold(dir, "ASC")) {
					o.Desc = strings.EqualFold(dir, "DESC")
					item = arr[1]
				}
			}
			e, err := jsonExpr(item)
			if err != nil {
				return nil, err
			}
			o.Expr = e
			q.OrderBy = append(q.OrderBy, o)
		}
	}
	if v, ok := d["LIMIT"]; ok {
		e, err := jsonExpr(v)
		if err != nil {
			return nil, err
		}
		q.Limit = e
	}
	if v, ok := d["OFFSET"]; ok {
		e, err := jsonExpr(v)
		if err != nil {
			return nil, err
		}
		q.Offset = e
	}
	if v, ok := d["DISTINCT"].(bool); ok {
		q.Distinct = v
	}
	resolveAliases(q)
	return q, nil
}

func jsonSelectItem(item any) (SelectItem, error) {
	if arr, ok := item.(value.Array); ok && len(arr) == 3 {
		if op, _ := arr[0].(string); strings.EqualFold(op, "AS") {
			name, ok := arr[2].(string)
			if !ok {
				return SelectItem{}, fmt.Errorf("AS requires a name")
			}
			e, err := jsonExpr(arr[1])
			if err != nil {
				return SelectItem{}, err
			}
			return SelectItem{Expr: e, As: name}, nil
		}
	}
	if arr, ok := item.(value.Array); ok && len(arr) == 1 {
		if s, _ := arr[0].(string); s == "." {
			return SelectItem{Star: true}, nil
		}
		if s, _ := arr[0].(string); strings.HasSuffix(s, ".") && strings.HasPrefix(s, ".") && len(s) > 2 {
			return SelectItem{Star: true, StarAlias: s[1 : len(s)-1]}, nil
		}
	}
	e, err := jsonExpr(item)
	if err != nil {
		return SelectItem{}, err
	}
	return SelectItem{Expr: e}, nil
}

var jsonBinaryOps = map[string]string{
	"=": "=", "==": "=", "!=": "!=", "<>": "!=",
	"<": "<", "<=": "<=", ">": ">", ">=": ">=",
	"+": "+", "*": "*", "/": "/", "%": "%", "||": "||",
	"LIKE": "LIKE",
}

func jsonExpr(raw any) (Expr, error) {
	arr, ok := raw.(value.Array)
	if !ok {
		return Literal{raw}, nil
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("empty expression array")
	}
	op, ok := arr[0].(string)
	if !ok {
		return nil, fmt.Errorf("operator must be a string, got %v", value.KindOf(arr[0]))
	}
	args := arr[1:]

	switch {
	case strings.HasPrefix(op, "."):
		return jsonProperty(op, args)
	case strings.HasPrefix(op, "$"):
		if len(args) != 0 || len(op) < 2 {
			return nil, fmt.Errorf("bad parameter reference %q", op)
		}
		return Param{Name: op[1:]}, nil
	case strings.HasSuffix(op, "()"):
		name := strings.ToUpper(strings.TrimSuffix(op, "()"))
		exprs, err := jsonExprs(args)
		if err != nil {
			return nil, err
		}
		if err := checkArity(name, len(exprs)); err != nil {
			return nil, err
		}
		return Call{Name: name, Args: exprs}, nil
	}

	up := strings.ToUpper(op)
	switch up {
	case "MISSING":
		return Literal{value.Missing}, nil
	case "[]":
		items, err := jsonExprs(args)
		if err != nil {
			return nil, err
		}
		return ArrayLit{Items: items}, nil
	case "AND", "OR":
		if len(args) < 2 {
			return nil, fmt.Errorf("%s needs at least two operands", up)
		}
		exprs, err := jsonExprs(args)
		if err != nil {
			return nil, err
		}
		e := exprs[0]
		for _, x := range exprs[1:] {
			e = Binary{Op: up, L: e, R: x}
		}
		return e, nil
	case "NOT":
		if len(args) != 1 {
			return nil, fmt.Errorf("NOT takes one operand")
		}
		x, err := jsonExpr(args[0])
		if err != nil {
			return nil, err
		}
		return Unary{Op: "NOT", X: x}, nil
	case "-":
		exprs, err := jsonExprs(args)
		if err != nil {
			return nil, err
		}
		switch len(exprs) {
		case 1:
			return Unary{Op: "-", X: exprs[0]}, nil
		case 2:
			return Binary{Op: "-", L: exprs[0], R: exprs[1]}, nil
		}
		return nil, fmt.Errorf("- takes one or two operands")
	case "BETWEEN", "NOT BETWEEN":
		exprs, err := jsonExprs(args)
		if err != nil {
			return nil, err
		}
		if len(exprs) != 3 {
			return nil, fmt.Errorf("BETWEEN takes three operands")
		}
		return Between{X: exprs[0], Lo: exprs[1], Hi: exprs[2], Not: up == "NOT BETWEEN"}, nil
	case "IN", "NOT IN":
		if len(args) != 2 {
			return nil, fmt.Errorf("IN takes two operands")
		}
		x, err := jsonExpr(args[0])
		if err != nil {
			return nil, err
		}
		var list []Expr
		switch l := args[1].(type) {
		case value.Array:
			if len(l) > 0 && l[0] == "[]" {
				l = l[1:]
			}
			if list, err = jsonExprs(l); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("IN requires an array")
		}
		return In{X: x, List: list, Not: up == "NOT IN"}, nil
	case "IS", "IS NOT":
		if len(args) != 2 {
			return nil, fmt.Errorf("%s takes two operands", up)
		}
		x, err := jsonExpr(args[0])
		if err != nil {
			return nil, err
		}
		what := ""
		switch rhs := args[1].(type) {
		case nil:
			what = "NULL"
		case value.Array:
			if len(rhs) == 1 && rhs[0] == "MISSING" {
				what = "MISSING"
			}
		}
		if what == "" {
			y, err := jsonExpr(args[1])
			if err != nil {
				return nil, err
			}
			op := "="
			if up == "IS NOT" {
				op = "!="
			}
			return Binary{Op: op, L: x, R: y}, nil
		}
		return Is{X: x, What: what, Not: up == "IS NOT"}, nil
	case "IS VALUED", "IS NOT VALUED":
		if len(args) != 1 {
			return nil, fmt.Errorf("%s takes one operand", up)
		}
		x, err := jsonExpr(args[0])
		if err != nil {
			return nil, err
		}
		return Is{X: x, What: "VALUED", Not: up == "IS NOT VALUED"}, nil
	}

	if bop, ok := jsonBinaryOps[up]; ok {
		if len(args) != 2 {
			return nil, fmt.Errorf("%s takes two operands", op)
		}
		exprs, err := jsonExprs(args)
		if err != nil {
			return nil, err
		}
		return Binary{Op: bop, L: exprs[0], R: exprs[1]}, nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

func jsonExprs(raw []any) ([]Expr, error) {
	out := make([]Expr, len(raw))
	for i, r := range raw {
		e, err := jsonExpr(r)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// jsonProperty handles [".a.b"], [".", "a", "b"] and the metadata forms
// ["._id"], ["._sequence"], ["._deleted"], ["._expiration"].
func jsonProperty(op string, args []any) (Expr, error) {
	switch op {
	case "._id":
		return Meta{Field: MetaID}, nil
	case "._sequence":
		return Meta{Field: MetaSequence}, nil
	case "._deleted":
		return Meta{Field: MetaDeleted}, nil
	case "._expiration":
		return Meta{Field: MetaExpiration}, nil
	case "._revisionID":
		return Meta{Field: MetaRevisionID}, nil
	}
	var path value.Path
	if op != "." {
		p, err := value.ParsePath(op[1:])
		if err != nil {
			return nil, err
		}
		path = p
	}
	for _, a := range args {
		switch a := a.(type) {
		case string:
			path = append(path, value.PathComponent{Key: a})
		case int64:
			path = append(path, value.PathComponent{Index: int(a), IsIndex: true})
		default:
			return nil, fmt.Errorf("bad property path component %v", a)
		}
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("empty property path")
	}
	return Property{Path: path}, nil
}

// jsonIndexDefinition accepts `[[".a"], [".b"]]` or
// `{"WHAT": [...], "WHERE": ...}`.
func jsonIndexDefinition(src []byte) ([]Expr, Expr, error) {
	raw, err := value.FromJSON(src)
	if err != nil {
		return nil, nil, err
	}
	var what any
	var where Expr
	switch raw := raw.(type) {
	case value.Array:
		what = raw
	case value.Dict:
		what = raw["WHAT"]
		if w, ok := raw["WHERE"]; ok {
			if where, err = jsonExpr(w); err != nil {
				return nil, nil, err
			}
		}
	default:
		return nil, nil, fmt.Errorf("index definition must be an array or an object")
	}
	list, ok := what.(value.Array)
	if !ok || len(list) == 0 {
		return nil, nil, fmt.Errorf("index definition needs at least one expression")
	}
	exprs, err := jsonExprs(list)
	if err != nil {
		return nil, nil, err
	}
	return exprs, where, nil
}
