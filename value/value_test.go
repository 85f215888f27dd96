package value

import (
	"bytes"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/syncdb/dberr"
)

func TestNormalize(t *testing.T) {
	v, err := Normalize(map[string]any{
		"i":   42,
		"u8":  uint8(7),
		"f32": float32(1.5),
		"arr": []string{"a", "b"},
		"m":   map[string]int{"x": 1},
		"b":   []byte{1, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, Dict{
		"i":   int64(42),
		"u8":  int64(7),
		"f32": float64(1.5),
		"arr": Array{"a", "b"},
		"m":   Dict{"x": int64(1)},
		"b":   []byte{1, 2},
	}, v)

	_, err = Normalize(struct{}{})
	assert.True(t, errors.Is(err, dberr.InvalidData))

	_, err = Normalize(map[int]string{1: "x"})
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []any{
		nil,
		true,
		false,
		int64(0),
		int64(-1),
		int64(1 << 40),
		3.25,
		"hello",
		"",
		[]byte{0, 1, 2, 255},
		Array{},
		Array{int64(1), "two", 3.0, nil},
		Dict{},
		Dict{"a": Dict{"b": Array{true, Dict{"c": "d"}}}},
	}
	for _, tt := range tests {
		data, err := Encode(tt)
		require.NoError(t, err, "%v", tt)
		got, err := Decode(data)
		require.NoError(t, err, "%v", tt)
		assert.Equal(t, tt, got)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	a := Dict{"z": int64(1), "a": int64(2), "m": Dict{"y": true, "b": false}}
	b := Dict{"m": Dict{"b": false, "y": true}, "a": int64(2), "z": int64(1)}
	ea, err := Encode(a)
	require.NoError(t, err)
	eb, err := Encode(b)
	require.NoError(t, err)
	assert.Equal(t, ea, eb)
}

func TestDecodeCorrupt(t *testing.T) {
	_, err := Decode([]byte{0xC1})
	require.Error(t, err)
	var de *dberr.DataError
	assert.True(t, errors.As(err, &de))
	assert.True(t, errors.Is(err, dberr.CorruptData))
}

func TestDecodeDict(t *testing.T) {
	d, err := DecodeDict(nil)
	require.NoError(t, err)
	assert.Equal(t, Dict{}, d)

	data, err := Encode(Array{int64(1)})
	require.NoError(t, err)
	_, err = DecodeDict(data)
	assert.Error(t, err)
}

func TestJSON(t *testing.T) {
	v, err := FromJSON([]byte(`{"i":1,"f":1.5,"big":1e3,"s":"x","n":null,"a":[true,false]}`))
	require.NoError(t, err)
	assert.Equal(t, Dict{
		"i":   int64(1),
		"f":   1.5,
		"big": 1000.0,
		"s":   "x",
		"n":   nil,
		"a":   Array{true, false},
	}, v)

	out, err := ToJSON(Dict{"b": int64(2), "a": Array{1.5, "x", nil}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1.5,"x",null],"b":2}`, string(out))

	_, err = FromJSON([]byte(`{"a":`))
	assert.True(t, errors.Is(err, dberr.JSONError))

	_, err = FromJSON([]byte(`{} {}`))
	assert.True(t, errors.Is(err, dberr.JSONError))

	_, err = DictFromJSON([]byte(`[1]`))
	assert.True(t, errors.Is(err, dberr.JSONError))
}

func TestCompareCollationOrder(t *testing.T) {
	ordered := []any{
		Missing,
		nil,
		false,
		true,
		int64(-5),
		-1.5,
		int64(0),
		0.5,
		int64(1),
		int64(100),
		"",
		"a",
		"a\x00",
		"ab",
		"b",
		Array{},
		Array{int64(1)},
		Array{int64(1), int64(2)},
		Array{int64(2)},
		Dict{},
		Dict{"a": int64(1)},
		Dict{"a": int64(2)},
		Dict{"b": int64(0)},
		[]byte{1},
	}
	for i := range ordered {
		for j := range ordered {
			want := 0
			if i < j {
				want = -1
			} else if i > j {
				want = 1
			}
			assert.Equal(t, want, Compare(ordered[i], ordered[j]), "Compare(%v, %v)", ordered[i], ordered[j])

			ki, kj := CollationKey(ordered[i]), CollationKey(ordered[j])
			assert.Equal(t, want, bytes.Compare(ki, kj), "key order of %v vs %v", ordered[i], ordered[j])
		}
	}
}

func TestCompareMixedNumbers(t *testing.T) {
	assert.Equal(t, 0, Compare(int64(1), 1.0))
	assert.True(t, Equal(1.0, int64(1)))
	assert.Equal(t, CollationKey(int64(3)), CollationKey(3.0))
	assert.Equal(t, CollationKey(0.0), CollationKey(-0.0*1))
}

func TestCollationKeySortsLikeCompare(t *testing.T) {
	vals := []any{"pear", int64(3), nil, Array{"x"}, 2.5, true, "apple", Dict{"k": "v"}}
	byKey := append([]any(nil), vals...)
	sort.Slice(byKey, func(i, j int) bool {
		return bytes.Compare(CollationKey(byKey[i]), CollationKey(byKey[j])) < 0
	})
	byCompare := append([]any(nil), vals...)
	sort.Slice(byCompare, func(i, j int) bool {
		return Compare(byCompare[i], byCompare[j]) < 0
	})
	assert.Equal(t, byCompare, byKey)
}

func TestPath(t *testing.T) {
	p, err := ParsePath("address.lines[1].text")
	require.NoError(t, err)
	assert.Equal(t, Path{
		{Key: "address"},
		{Key: "lines"},
		{Index: 1, IsIndex: true},
		{Key: "text"},
	}, p)
	assert.Equal(t, "address.lines[1].text", p.String())

	doc := Dict{"address": Dict{"lines": Array{Dict{"text": "a"}, Dict{"text": "b"}}}}
	v, ok := p.Eval(doc)
	assert.True(t, ok)
	assert.Equal(t, "b", v)

	v, ok = MustParsePath("address.lines[-1].text").Eval(doc)
	assert.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok = MustParsePath("address.zip").Eval(doc)
	assert.False(t, ok)
	_, ok = MustParsePath("address[0]").Eval(doc)
	assert.False(t, ok)

	esc, err := ParsePath(`a\.b.c`)
	require.NoError(t, err)
	assert.Equal(t, Path{{Key: "a.b"}, {Key: "c"}}, esc)
	assert.Equal(t, `a\.b.c`, esc.String())

	for _, bad := range []string{"", ".a", "a..b", "a.", "a[", "a[x]", `a\`} {
		_, err := ParsePath(bad)
		assert.Error(t, err, bad)
	}
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(Missing))
	assert.False(t, Truthy(int64(0)))
	assert.False(t, Truthy(""))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy(Array{nil}))
}

func TestDeepCopy(t *testing.T) {
	orig := Dict{"a": Array{Dict{"b": int64(1)}}}
	cp := DeepCopy(orig).(Dict)
	cp["a"].(Array)[0].(Dict)["b"] = int64(2)
	assert.Equal(t, int64(1), orig["a"].(Array)[0].(Dict)["b"])
}

func TestEncryptables(t *testing.T) {
	doc := Dict{
		"name":   "x",
		"secret": NewEncryptable("s3cr3t"),
		"nested": Dict{"pin": NewEncryptable(int64(1234))},
		"list":   Array{NewEncryptable(true)},
	}
	var paths []string
	err := WalkEncryptables(doc, func(p Path, marker Dict) error {
		paths = append(paths, p.String())
		_, ok := EncryptableContent(marker)
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"list[0]", "nested.pin", "secret"}, paths)

	name, ok := IsEncryptedKey("encrypted$secret")
	assert.True(t, ok)
	assert.Equal(t, "secret", name)
	_, ok = IsEncryptedKey("secret")
	assert.False(t, ok)
}
