package querylang

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/andreyvit/syncdb/value"
)

// Env supplies the data an expression is evaluated against.
type Env interface {
	// Source returns the root value bound to alias: the current document for
	// the primary source (alias "" or its name), the current element for an
	// UNNEST alias.
	Source(alias string) (any, bool)
	// Meta returns a metadata field of the current document.
	Meta(alias, field string) any
	// Param returns a bound query parameter.
	Param(name string) (any, bool)
}

// Eval evaluates e with N1QL MISSING/NULL semantics. Errors are reserved for
// malformed expressions; type mismatches produce NULL.
func Eval(e Expr, env Env) (any, error) {
	switch e := e.(type) {
	case Literal:
		return e.Value, nil
	case Property:
		root, ok := env.Source(e.Alias)
		if !ok {
			return value.Missing, nil
		}
		if len(e.Path) == 0 {
			return root, nil
		}
		v, ok := e.Path.Eval(root)
		if !ok {
			return value.Missing, nil
		}
		return v, nil
	case Meta:
		return env.Meta(e.Alias, e.Field), nil
	case Param:
		v, ok := env.Param(e.Name)
		if !ok {
			return value.Missing, nil
		}
		return v, nil
	case ArrayLit:
		out := make(value.Array, 0, len(e.Items))
		for _, it := range e.Items {
			v, err := Eval(it, env)
			if err != nil {
				return nil, err
			}
			if value.IsMissing(v) {
				v = nil
			}
			out = append(out, v)
		}
		return out, nil
	case Unary:
		x, err := Eval(e.X, env)
		if err != nil {
			return nil, err
		}
		if value.IsMissing(x) || x == nil {
			return x, nil
		}
		if e.Op == "NOT" {
			return !value.Truthy(x), nil
		}
		switch x := x.(type) {
		case int64:
			return -x, nil
		case float64:
			return -x, nil
		}
		return nil, nil
	case Binary:
		return evalBinary(e, env)
	case In:
		x, err := Eval(e.X, env)
		if err != nil {
			return nil, err
		}
		if value.IsMissing(x) || x == nil {
			return x, nil
		}
		found := false
		for _, it := range e.List {
			v, err := Eval(it, env)
			if err != nil {
				return nil, err
			}
			if value.Equal(x, v) {
				found = true
				break
			}
		}
		return found != e.Not, nil
	case Between:
		x, err := Eval(e.X, env)
		if err != nil {
			return nil, err
		}
		lo, err := Eval(e.Lo, env)
		if err != nil {
			return nil, err
		}
		hi, err := Eval(e.Hi, env)
		if err != nil {
			return nil, err
		}
		if r, done := nullish(x, lo, hi); done {
			return r, nil
		}
		in := value.Compare(x, lo) >= 0 && value.Compare(x, hi) <= 0
		return in != e.Not, nil
	case Is:
		x, err := Eval(e.X, env)
		if err != nil {
			return nil, err
		}
		var r any
		switch e.What {
		case "NULL":
			if value.IsMissing(x) {
				return value.Missing, nil
			}
			r = x == nil
		case "MISSING":
			r = value.IsMissing(x)
		case "VALUED":
			r = x != nil && !value.IsMissing(x)
		}
		if e.Not {
			return !r.(bool), nil
		}
		return r, nil
	case Call:
		args := make([]any, len(e.Args))
		for i, a := range e.Args {
			v, err := Eval(a, env)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		fn := functions[e.Name]
		if fn.impl == nil {
			return nil, fmt.Errorf("unknown function %s()", e.Name)
		}
		return fn.impl(args), nil
	}
	return nil, fmt.Errorf("cannot evaluate %T", e)
}

// nullish implements propagation: any MISSING operand yields MISSING, else
// any NULL operand yields NULL.
func nullish(vals ...any) (any, bool) {
	for _, v := range vals {
		if value.IsMissing(v) {
			return value.Missing, true
		}
	}
	for _, v := range vals {
		if v == nil {
			return nil, true
		}
	}
	return nil, false
}

func evalBinary(e Binary, env Env) (any, error) {
	l, err := Eval(e.L, env)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case "AND":
		if isFalse(l) {
			return false, nil
		}
		r, err := Eval(e.R, env)
		if err != nil {
			return nil, err
		}
		if isFalse(r) {
			return false, nil
		}
		if value.IsMissing(l) || value.IsMissing(r) {
			return value.Missing, nil
		}
		if l == nil || r == nil {
			return nil, nil
		}
		return true, nil
	case "OR":
		if isTrue(l) {
			return true, nil
		}
		r, err := Eval(e.R, env)
		if err != nil {
			return nil, err
		}
		if isTrue(r) {
			return true, nil
		}
		if l == nil || r == nil {
			return nil, nil
		}
		if value.IsMissing(l) || value.IsMissing(r) {
			return value.Missing, nil
		}
		return false, nil
	}

	r, err := Eval(e.R, env)
	if err != nil {
		return nil, err
	}
	if res, done := nullish(l, r); done {
		return res, nil
	}
	switch e.Op {
	case "=":
		return value.Equal(l, r), nil
	case "!=":
		return !value.Equal(l, r), nil
	case "<":
		return sameKind(l, r) && value.Compare(l, r) < 0, nil
	case "<=":
		return sameKind(l, r) && value.Compare(l, r) <= 0, nil
	case ">":
		return sameKind(l, r) && value.Compare(l, r) > 0, nil
	case ">=":
		return sameKind(l, r) && value.Compare(l, r) >= 0, nil
	case "LIKE":
		s, ok1 := l.(string)
		pat, ok2 := r.(string)
		if !ok1 || !ok2 {
			return nil, nil
		}
		return like(s, pat), nil
	case "||":
		s1, ok1 := l.(string)
		s2, ok2 := r.(string)
		if !ok1 || !ok2 {
			return nil, nil
		}
		return s1 + s2, nil
	case "+", "-", "*", "/", "%":
		return arith(e.Op, l, r), nil
	}
	return nil, fmt.Errorf("unknown operator %s", e.Op)
}

// sameKind reports whether l and r are of the same kind; ordering across
// kinds is not a match.
func sameKind(l, r any) bool {
	return value.KindOf(l) == value.KindOf(r)
}

func isTrue(v any) bool {
	return v != nil && !value.IsMissing(v) && value.Truthy(v)
}

func isFalse(v any) bool {
	return v != nil && !value.IsMissing(v) && !value.Truthy(v)
}

func arith(op string, l, r any) any {
	li, lInt := l.(int64)
	ri, rInt := r.(int64)
	if lInt && rInt {
		switch op {
		case "+":
			return li + ri
		case "-":
			return li - ri
		case "*":
			return li * ri
		case "/":
			if ri == 0 {
				return nil
			}
			if li%ri == 0 {
				return li / ri
			}
			return float64(li) / float64(ri)
		case "%":
			if ri == 0 {
				return nil
			}
			return li % ri
		}
	}
	lf, ok1 := value.AsFloat(l)
	rf, ok2 := value.AsFloat(r)
	if !ok1 || !ok2 {
		return nil
	}
	switch op {
	case "+":
		return lf + rf
	case "-":
		return lf - rf
	case "*":
		return lf * rf
	case "/":
		if rf == 0 {
			return nil
		}
		return lf / rf
	case "%":
		if rf == 0 {
			return nil
		}
		return math.Mod(lf, rf)
	}
	return nil
}

// like matches s against a LIKE pattern: % matches any run, _ any single
// character, backslash escapes.
func like(s, pat string) bool {
	if pat == "" {
		return s == ""
	}
	switch c, n := utf8.DecodeRuneInString(pat); c {
	case '%':
		for len(pat) > 0 && pat[0] == '%' {
			pat = pat[1:]
		}
		if pat == "" {
			return true
		}
		for i := 0; i <= len(s); {
			if like(s[i:], pat) {
				return true
			}
			if i == len(s) {
				break
			}
			_, w := utf8.DecodeRuneInString(s[i:])
			i += w
		}
		return false
	case '_':
		if s == "" {
			return false
		}
		_, w := utf8.DecodeRuneInString(s)
		return like(s[w:], pat[n:])
	case '\\':
		if len(pat) > 1 {
			pat = pat[1:]
			c, n = utf8.DecodeRuneInString(pat)
		}
		fallthrough
	default:
		sc, w := utf8.DecodeRuneInString(s)
		if s == "" || sc != c {
			return false
		}
		return like(s[w:], pat[n:])
	}
}

type function struct {
	minArgs, maxArgs int
	impl             func(args []any) any
}

var (
	lowerCaser = cases.Lower(language.Und)
	upperCaser = cases.Upper(language.Und)
)

var functions map[string]function

func init() {
	functions = map[string]function{
		"ARRAY_CONTAINS": {2, 2, func(a []any) any {
			arr, ok := a[0].(value.Array)
			if !ok {
				return propagate(a[0])
			}
			for _, el := range arr {
				if value.Equal(el, a[1]) {
					return true
				}
			}
			return false
		}},
		"ARRAY_LENGTH": {1, 1, func(a []any) any {
			arr, ok := a[0].(value.Array)
			if !ok {
				return propagate(a[0])
			}
			return int64(len(arr))
		}},
		"ARRAY_COUNT": {1, 1, func(a []any) any {
			arr, ok := a[0].(value.Array)
			if !ok {
				return propagate(a[0])
			}
			var n int64
			for _, el := range arr {
				if el != nil && !value.IsMissing(el) {
					n++
				}
			}
			return n
		}},
		"LOWER": {1, 1, stringFunc(func(s string) any { return lowerCaser.String(s) })},
		"UPPER": {1, 1, stringFunc(func(s string) any { return upperCaser.String(s) })},
		"LENGTH": {1, 1, stringFunc(func(s string) any {
			return int64(utf8.RuneCountInString(s))
		})},
		"TRIM": {1, 1, stringFunc(func(s string) any { return strings.TrimSpace(s) })},
		"CONTAINS": {2, 2, func(a []any) any {
			s, ok1 := a[0].(string)
			sub, ok2 := a[1].(string)
			if !ok1 || !ok2 {
				return propagate(a...)
			}
			return strings.Contains(s, sub)
		}},
		"ABS":   {1, 1, numberFunc(math.Abs)},
		"FLOOR": {1, 1, numberFunc(math.Floor)},
		"CEIL":  {1, 1, numberFunc(math.Ceil)},
		"ROUND": {1, 2, func(a []any) any {
			f, ok := value.AsFloat(a[0])
			if !ok {
				return propagate(a[0])
			}
			digits := int64(0)
			if len(a) > 1 {
				d, ok := a[1].(int64)
				if !ok {
					return propagate(a[1])
				}
				digits = d
			}
			scale := math.Pow(10, float64(digits))
			return normalizeNumber(math.Round(f*scale) / scale)
		}},
		"IFMISSING": {2, -1, func(a []any) any {
			for _, v := range a {
				if !value.IsMissing(v) {
					return v
				}
			}
			return value.Missing
		}},
		"IFNULL": {2, -1, func(a []any) any {
			for _, v := range a {
				if v != nil && !value.IsMissing(v) {
					return v
				}
			}
			return nil
		}},
	}
}

func checkArity(name string, n int) error {
	fn, ok := functions[name]
	if !ok {
		return fmt.Errorf("unknown function %s()", name)
	}
	if n < fn.minArgs || fn.maxArgs >= 0 && n > fn.maxArgs {
		return fmt.Errorf("wrong number of arguments to %s(): %d", name, n)
	}
	return nil
}

func propagate(args ...any) any {
	if r, done := nullish(args...); done {
		return r
	}
	return nil
}

func stringFunc(f func(string) any) func([]any) any {
	return func(a []any) any {
		s, ok := a[0].(string)
		if !ok {
			return propagate(a[0])
		}
		return f(s)
	}
}

func numberFunc(f func(float64) float64) func([]any) any {
	return func(a []any) any {
		if i, ok := a[0].(int64); ok {
			return normalizeNumber(f(float64(i)))
		}
		x, ok := a[0].(float64)
		if !ok {
			return propagate(a[0])
		}
		return normalizeNumber(f(x))
	}
}

func normalizeNumber(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}
