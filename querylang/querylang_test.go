package querylang

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/syncdb/dberr"
	"github.com/andreyvit/syncdb/value"
)

type testEnv struct {
	doc    value.Dict
	id     string
	seq    int64
	params value.Dict
	unnest map[string]any
}

func (e *testEnv) Source(alias string) (any, bool) {
	if v, ok := e.unnest[alias]; ok {
		return v, true
	}
	if e.doc == nil {
		return nil, false
	}
	return e.doc, true
}

func (e *testEnv) Meta(alias, field string) any {
	switch field {
	case MetaID:
		return e.id
	case MetaSequence:
		return e.seq
	case MetaDeleted:
		return false
	}
	return nil
}

func (e *testEnv) Param(name string) (any, bool) {
	v, ok := e.params[name]
	return v, ok
}

func mustCompile(t *testing.T, lang Language, text string) *Query {
	t.Helper()
	q, err := Compile(lang, text)
	require.NoError(t, err, text)
	return q
}

func TestCompileN1QLBasics(t *testing.T) {
	q := mustCompile(t, N1QL, "select i, s from _ where i > 1 order by i")
	assert.Equal(t, Source{Collection: "_"}, q.From)
	assert.Equal(t, []string{"i", "s"}, q.ColumnNames())
	assert.Equal(t, "SELECT i, s FROM _ WHERE i > 1 ORDER BY i", q.String())

	q = mustCompile(t, N1QL, "SELECT _id FROM scope_1.collection_2")
	assert.Equal(t, Source{Scope: "scope_1", Collection: "collection_2"}, q.From)
	assert.Equal(t, Meta{Field: MetaID}, q.Select[0].Expr)
	assert.Equal(t, []string{"id"}, q.ColumnNames())
}

func TestCompileN1QLAliases(t *testing.T) {
	q := mustCompile(t, N1QL, "SELECT c.name, META(c).id AS docid, c.* FROM store.customers AS c WHERE c.address.city = $city LIMIT 10")
	assert.Equal(t, Property{Path: value.MustParsePath("name")}, q.Select[0].Expr)
	assert.Equal(t, Meta{Field: MetaID}, q.Select[1].Expr)
	assert.True(t, q.Select[2].Star)
	assert.Equal(t, "", q.Select[2].StarAlias)
	assert.Equal(t, []string{"name", "docid", "c"}, q.ColumnNames())
	assert.Equal(t, "address.city = $city", q.Where.String())
	assert.Equal(t, []string{"city"}, q.Params())
}

func TestCompileN1QLUnnest(t *testing.T) {
	q := mustCompile(t, N1QL, "SELECT META().id, tag FROM _default UNNEST tags AS tag WHERE tag = 'x'")
	require.NotNil(t, q.Unnest)
	assert.Equal(t, "tag", q.Unnest.Alias)
	assert.Equal(t, Property{Path: value.MustParsePath("tags")}, q.Unnest.Expr)
	assert.Equal(t, Binary{Op: "=", L: Property{Alias: "tag"}, R: Literal{"x"}}, q.Where)
}

func TestCompileN1QLOperators(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"a = 1 AND b = 2 OR c = 3", "a = 1 AND b = 2 OR c = 3"},
		{"a = 1 AND (b = 2 OR c = 3)", "a = 1 AND (b = 2 OR c = 3)"},
		{"NOT a", "NOT a"},
		{"a <> 1", "a != 1"},
		{"a == 1", "a = 1"},
		{"(a + b) * c", "(a + b) * c"},
		{"a + b * c", "a + b * c"},
		{"a - (b - c)", "a - (b - c)"},
		{"x IN (1, 2, 'three')", "x IN (1, 2, 'three')"},
		{"x NOT IN [1]", "x NOT IN (1)"},
		{"x BETWEEN 1 AND 5", "x BETWEEN 1 AND 5"},
		{"x IS NOT MISSING", "x IS NOT MISSING"},
		{"x IS NULL", "x IS NULL"},
		{"name NOT LIKE 'a%'", "NOT name LIKE 'a%'"},
		{"lower(name) = 'bob'", "LOWER(name) = 'bob'"},
		{"array_contains(tags, 'x')", "ARRAY_CONTAINS(tags, 'x')"},
		{"a.b[2].c", "a.b[2].c"},
		{"`odd key`.x", "`odd key`.x"},
		{"s || 'x'", "s || 'x'"},
		{"-3", "-3"},
		{"'it''s'", "'it''s'"},
		{"1.5e2", "150"},
	}
	for _, tt := range tests {
		e, err := CompileExpr(N1QL, tt.src)
		require.NoError(t, err, tt.src)
		assert.Equal(t, tt.want, e.String(), tt.src)
	}
}

func TestCompileErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"SELECT",
		"SELECT * FROM",
		"SELECT * FROM _ WHERE",
		"SELECT * FROM _ WHERE a = ",
		"SELECT * FROM _ ORDER a",
		"SELECT nosuchfn(a) FROM _",
		"SELECT lower(a, b) FROM _",
		"SELECT * FROM _ LIMIT a",
		"SELECT * FROM _ trailing garbage",
		"SELECT 'unterminated FROM _",
	} {
		_, err := Compile(N1QL, src)
		require.Error(t, err, src)
		assert.True(t, errors.Is(err, dberr.InvalidQuery), src)
	}
}

func TestCompileJSON(t *testing.T) {
	q := mustCompile(t, JSON, `{
		"WHAT": [["._id"], ["AS", [".name"], "n"]],
		"FROM": [{"COLLECTION": "people", "SCOPE": "app", "AS": "p"}],
		"WHERE": ["AND", [">=", [".p.age"], 18], ["=", [".p.city"], ["$city"]]],
		"ORDER_BY": [["DESC", [".age"]]],
		"LIMIT": 5
	}`)
	assert.Equal(t, Source{Scope: "app", Collection: "people", Alias: "p"}, q.From)
	assert.Equal(t, []string{"id", "n"}, q.ColumnNames())
	assert.Equal(t, "age >= 18 AND city = $city", q.Where.String())
	assert.True(t, q.OrderBy[0].Desc)
	assert.Equal(t, "SELECT META().id, name AS n FROM app.people AS p WHERE age >= 18 AND city = $city ORDER BY age DESC LIMIT 5", q.String())

	q = mustCompile(t, JSON, `{"WHERE": ["IS", [".x"], ["MISSING"]]}`)
	assert.Equal(t, Is{X: Property{Path: value.MustParsePath("x")}, What: "MISSING"}, q.Where)
	assert.True(t, q.Select[0].Star)

	_, err := Compile(JSON, `{"WHERE": ["bogus", 1]}`)
	assert.True(t, errors.Is(err, dberr.InvalidQuery))
	_, err = Compile(JSON, `{"NOPE": 1}`)
	assert.True(t, errors.Is(err, dberr.InvalidQuery))
}

func TestCompileIndex(t *testing.T) {
	list, where, err := CompileIndex(JSON, `[[".someField"], [".other.nested"]]`, "")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Nil(t, where)
	assert.Equal(t, "someField", list[0].String())
	assert.Equal(t, "other.nested", list[1].String())

	list, where, err = CompileIndex(N1QL, "lower(name), age", "type = 'user'")
	require.NoError(t, err)
	assert.Equal(t, "LOWER(name)", list[0].String())
	assert.Equal(t, "age", list[1].String())
	assert.Equal(t, "type = 'user'", where.String())

	list, where, err = CompileIndex(JSON, `{"WHAT": [[".a"]], "WHERE": ["=", [".t"], "x"]}`, "")
	require.NoError(t, err)
	assert.Equal(t, "a", list[0].String())
	assert.Equal(t, "t = 'x'", where.String())

	_, _, err = CompileIndex(JSON, `[]`, "")
	assert.Error(t, err)
}

func evalN1QL(t *testing.T, src string, env *testEnv) any {
	t.Helper()
	e, err := CompileExpr(N1QL, src)
	require.NoError(t, err, src)
	v, err := Eval(e, env)
	require.NoError(t, err, src)
	return v
}

func TestEval(t *testing.T) {
	env := &testEnv{
		doc: value.Dict{
			"i":    int64(3),
			"f":    2.5,
			"s":    "Hello",
			"n":    nil,
			"tags": value.Array{"a", "b", nil},
			"addr": value.Dict{"city": "Paris"},
		},
		id:     "doc1",
		seq:    7,
		params: value.Dict{"p": int64(3)},
	}
	tests := []struct {
		src  string
		want any
	}{
		{"i", int64(3)},
		{"addr.city", "Paris"},
		{"nope", value.Missing},
		{"i + 1", int64(4)},
		{"i / 2", 1.5},
		{"i * f", 7.5},
		{"i % 2", int64(1)},
		{"i / 0", nil},
		{"s || '!'", "Hello!"},
		{"i = $p", true},
		{"i = $unbound", value.Missing},
		{"i > 2 AND f < 3", true},
		{"i > 5 OR f < 3", true},
		{"nope = 1", value.Missing},
		{"n = 1", nil},
		{"nope = 1 AND i = 99", false},
		{"nope = 1 OR i = 3", true},
		{"NOT (i = 3)", false},
		{"i IN (1, 2, 3)", true},
		{"i NOT IN (1, 2, 3)", false},
		{"i BETWEEN 1 AND 3", true},
		{"n IS NULL", true},
		{"nope IS NULL", value.Missing},
		{"nope IS MISSING", true},
		{"n IS VALUED", false},
		{"s IS NOT NULL", true},
		{"s LIKE 'He%'", true},
		{"s LIKE 'h%'", false},
		{"s LIKE '_ello'", true},
		{"s LIKE '%l%o'", true},
		{"s < 1", false},
		{"LOWER(s)", "hello"},
		{"UPPER(s)", "HELLO"},
		{"LENGTH(s)", int64(5)},
		{"TRIM('  x ')", "x"},
		{"CONTAINS(s, 'ell')", true},
		{"ARRAY_CONTAINS(tags, 'b')", true},
		{"ARRAY_LENGTH(tags)", int64(3)},
		{"ARRAY_COUNT(tags)", int64(2)},
		{"ABS(-4)", int64(4)},
		{"ROUND(f)", int64(3)},
		{"ROUND(3.14159, 2)", 3.14},
		{"FLOOR(f)", int64(2)},
		{"CEIL(f)", int64(3)},
		{"IFMISSING(nope, 'd')", "d"},
		{"IFNULL(n, nope, 'd')", "d"},
		{"META().id", "doc1"},
		{"META().sequence", int64(7)},
		{"[i, nope]", value.Array{int64(3), nil}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, evalN1QL(t, tt.src, env), tt.src)
	}
}

func TestEvalUnnestAlias(t *testing.T) {
	q := mustCompile(t, N1QL, "SELECT t FROM _ UNNEST tags AS t WHERE t.name = 'x'")
	env := &testEnv{doc: value.Dict{}, unnest: map[string]any{"t": value.Dict{"name": "x"}}}
	v, err := Eval(q.Where, env)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestConjuncts(t *testing.T) {
	e, err := CompileExpr(N1QL, "a = 1 AND (b = 2 AND c = 3) AND (d = 4 OR e = 5)")
	require.NoError(t, err)
	parts := Conjuncts(e)
	var strs []string
	for _, p := range parts {
		strs = append(strs, p.String())
	}
	assert.Equal(t, []string{"a = 1", "b = 2", "c = 3", "d = 4 OR e = 5"}, strs)
}

func TestLike(t *testing.T) {
	assert.True(t, like("", "%"))
	assert.True(t, like("abc", "a%c"))
	assert.False(t, like("abc", "a%d"))
	assert.True(t, like("a%c", `a\%c`))
	assert.False(t, like("abc", `a\%c`))
	assert.True(t, like("héllo", "h_llo"))
}
