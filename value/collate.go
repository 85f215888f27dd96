package value

import (
	"bytes"
	"cmp"
	"math"
	"slices"
	"strings"
)

// Compare orders two canonical values by N1QL collation:
//
//	missing < null < false < true < numbers < strings < arrays < objects < binary
//
// Numbers compare numerically regardless of int/float representation.
// Strings compare by bytes. Arrays compare element-wise, then by length.
// Objects compare by their sorted (key, value) pairs, then by size.
func Compare(a, b any) int {
	ka, kb := collationRank(a), collationRank(b)
	if ka != kb {
		return cmp.Compare(ka, kb)
	}
	switch a := a.(type) {
	case bool:
		bb := b.(bool)
		switch {
		case a == bb:
			return 0
		case !a:
			return -1
		default:
			return 1
		}
	case int64:
		if bi, ok := b.(int64); ok {
			return cmp.Compare(a, bi)
		}
		return compareFloat(float64(a), b.(float64))
	case float64:
		bf, _ := AsFloat(b)
		return compareFloat(a, bf)
	case string:
		return strings.Compare(a, b.(string))
	case []byte:
		return bytes.Compare(a, b.([]byte))
	case Array:
		bArr := b.(Array)
		for i := 0; i < len(a) && i < len(bArr); i++ {
			if c := Compare(a[i], bArr[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(a), len(bArr))
	case Dict:
		bd := b.(Dict)
		ak, bk := sortedKeys(a), sortedKeys(bd)
		for i := 0; i < len(ak) && i < len(bk); i++ {
			if c := strings.Compare(ak[i], bk[i]); c != 0 {
				return c
			}
			if c := Compare(a[ak[i]], bd[bk[i]]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(ak), len(bk))
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Equal reports whether Compare(a, b) == 0.
func Equal(a, b any) bool {
	return Compare(a, b) == 0
}

const (
	rankMissing = iota
	rankNull
	rankFalse
	rankTrue
	rankNumber
	rankString
	rankArray
	rankDict
	rankData
)

func collationRank(v any) int {
	switch v := v.(type) {
	case missingType:
		return rankMissing
	case nil:
		return rankNull
	case bool:
		if v {
			return rankTrue
		}
		return rankFalse
	case int64, float64:
		return rankNumber
	case string:
		return rankString
	case Array:
		return rankArray
	case Dict:
		return rankDict
	case []byte:
		return rankData
	}
	return rankMissing
}

func sortedKeys(d Dict) []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Collation key tags. A zero byte terminates strings and collections, so
// every tag must be non-zero.
const (
	tagMissing byte = 0x01 + iota
	tagNull
	tagFalse
	tagTrue
	tagNumber
	tagString
	tagArray
	tagDict
	tagData
)

const keyTerminator = 0x00

// AppendCollationKey appends an order-preserving binary encoding of v:
// when Compare(a, b) < 0, bytes.Compare(key(a), key(b)) < 0 as well.
//
// Integers beyond 2^53 lose precision, as they do in Compare against floats.
func AppendCollationKey(buf []byte, v any) []byte {
	switch v := v.(type) {
	case missingType:
		return append(buf, tagMissing)
	case nil:
		return append(buf, tagNull)
	case bool:
		if v {
			return append(buf, tagTrue)
		}
		return append(buf, tagFalse)
	case int64:
		return appendNumberKey(append(buf, tagNumber), float64(v))
	case float64:
		return appendNumberKey(append(buf, tagNumber), v)
	case string:
		return appendEscaped(append(buf, tagString), v)
	case []byte:
		return appendEscaped(append(buf, tagData), string(v))
	case Array:
		buf = append(buf, tagArray)
		for _, el := range v {
			buf = AppendCollationKey(buf, el)
		}
		return append(buf, keyTerminator)
	case Dict:
		buf = append(buf, tagDict)
		for _, k := range sortedKeys(v) {
			buf = appendEscaped(append(buf, tagString), k)
			buf = AppendCollationKey(buf, v[k])
		}
		return append(buf, keyTerminator)
	}
	n, err := Normalize(v)
	if err != nil {
		return append(buf, tagMissing)
	}
	return AppendCollationKey(buf, n)
}

// CollationKey returns AppendCollationKey(nil, v).
func CollationKey(v any) []byte {
	return AppendCollationKey(nil, v)
}

func appendNumberKey(buf []byte, f float64) []byte {
	if f == 0 {
		f = 0 // folds -0 into +0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return appendFixedUint64(buf, bits)
}

// appendEscaped writes s with 0x00 escaped as 0x00 0xFF, followed by a
// 0x00 0x00 terminator, so that prefixes sort first.
func appendEscaped(buf []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == 0 {
			buf = append(buf, 0x00, 0xFF)
		} else {
			buf = append(buf, c)
		}
	}
	return append(buf, 0x00, 0x00)
}
