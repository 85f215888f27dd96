package querylang

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andreyvit/syncdb/dberr"
	"github.com/andreyvit/syncdb/value"
)

// Compile parses a query. Syntax errors are reported as InvalidQuery.
func Compile(lang Language, text string) (*Query, error) {
	var q *Query
	var err error
	switch lang {
	case N1QL:
		q, err = parseN1QL(text)
	case JSON:
		q, err = parseJSONQuery([]byte(text))
	default:
		return nil, dberr.New(dberr.DomainEngine, dberr.BadParameterCode, "unknown query language %d", int(lang))
	}
	if err != nil {
		return nil, invalid(err, text)
	}
	if err := validate(q); err != nil {
		return nil, invalid(err, text)
	}
	return q, nil
}

// CompileIndex parses an index definition: a list of key expressions and an
// optional partial-index condition. N1QL definitions are comma-separated
// expression lists; where is a separate N1QL expression (may be empty).
func CompileIndex(lang Language, expressions, where string) ([]Expr, Expr, error) {
	switch lang {
	case N1QL:
		list, err := parseExprList(expressions)
		if err != nil {
			return nil, nil, invalid(err, expressions)
		}
		var cond Expr
		if strings.TrimSpace(where) != "" {
			cond, err = parseSingleExpr(where)
			if err != nil {
				return nil, nil, invalid(err, where)
			}
		}
		return list, cond, nil
	case JSON:
		list, cond, err := jsonIndexDefinition([]byte(expressions))
		if err != nil {
			return nil, nil, invalid(err, expressions)
		}
		if strings.TrimSpace(where) != "" {
			raw, err := value.FromJSON([]byte(where))
			if err != nil {
				return nil, nil, invalid(err, where)
			}
			if cond, err = jsonExpr(raw); err != nil {
				return nil, nil, invalid(err, where)
			}
		}
		return list, cond, nil
	}
	return nil, nil, dberr.New(dberr.DomainEngine, dberr.BadParameterCode, "unknown query language %d", int(lang))
}

// CompileExpr parses a single expression.
func CompileExpr(lang Language, text string) (Expr, error) {
	if lang == JSON {
		raw, err := value.FromJSON([]byte(text))
		if err != nil {
			return nil, invalid(err, text)
		}
		e, err := jsonExpr(raw)
		if err != nil {
			return nil, invalid(err, text)
		}
		return e, nil
	}
	e, err := parseSingleExpr(text)
	if err != nil {
		return nil, invalid(err, text)
	}
	return e, nil
}

func invalid(err error, text string) error {
	return dberr.Wrap(dberr.DomainEngine, dberr.InvalidQueryCode, err, "%s", text)
}

func validate(q *Query) error {
	if len(q.Select) == 0 {
		return errors.New("empty select list")
	}
	for _, e := range []Expr{q.Limit, q.Offset} {
		if e != nil && !IsConstant(e) {
			return errors.New("LIMIT and OFFSET must not depend on the document")
		}
	}
	if q.Unnest != nil && q.Unnest.Alias == q.From.Name() {
		return fmt.Errorf("UNNEST alias %q shadows the source", q.Unnest.Alias)
	}
	return nil
}
