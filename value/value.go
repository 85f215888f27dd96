// Package value implements the tagged value model stored in documents:
// null, booleans, numbers, strings, binary data, arrays and dictionaries.
//
// Values are plain Go values in a canonical form:
//
//	nil, bool, int64, float64, string, []byte, Array, Dict
//
// Normalize converts arbitrary Go values (other integer widths, typed slices
// and maps) into that form. Encode and Decode map the canonical form to and
// from msgpack; FromJSON and ToJSON to and from JSON.
//
// Missing is a distinct sentinel used by the query evaluator for a property
// that does not exist. It is never stored.
package value

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/andreyvit/syncdb/dberr"
)

type (
	Dict  = map[string]any
	Array = []any
)

type Kind int

const (
	KindMissing Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindArray
	KindDict
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindMissing:
		return "missing"
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindDict:
		return "object"
	case KindData:
		return "binary"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type missingType struct{}

func (missingType) String() string { return "MISSING" }

// Missing is the value of a property that does not exist.
var Missing any = missingType{}

func IsMissing(v any) bool {
	_, ok := v.(missingType)
	return ok
}

// KindOf returns the kind of a canonical value. Non-canonical values are
// classified after normalization.
func KindOf(v any) Kind {
	switch v := v.(type) {
	case nil:
		return KindNull
	case missingType:
		return KindMissing
	case bool:
		return KindBool
	case int64, float64:
		return KindNumber
	case string:
		return KindString
	case []byte:
		return KindData
	case Array:
		return KindArray
	case Dict:
		return KindDict
	default:
		n, err := Normalize(v)
		if err != nil {
			return KindMissing
		}
		return KindOf(n)
	}
}

// Normalize converts v into canonical form. Unsupported types produce a
// codec InvalidData error.
func Normalize(v any) (any, error) {
	switch v := v.(type) {
	case nil, bool, int64, string, missingType:
		return v, nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, dberr.New(dberr.DomainCodec, dberr.InvalidDataCode, "non-finite number %v", v)
		}
		return v, nil
	case []byte:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint:
		return normalizeUint(uint64(v)), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return normalizeUint(v), nil
	case float32:
		return Normalize(float64(v))
	case json.Number:
		if i, err := strconv.ParseInt(string(v), 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return nil, dberr.Wrap(dberr.DomainCodec, dberr.InvalidDataCode, err, "number %q", string(v))
		}
		return f, nil
	case Array:
		out := make(Array, len(v))
		for i, el := range v {
			n, err := Normalize(el)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case Dict:
		out := make(Dict, len(v))
		for k, el := range v {
			n, err := Normalize(el)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(Dict, len(v))
		for k, el := range v {
			ks, ok := k.(string)
			if !ok {
				return nil, dberr.New(dberr.DomainCodec, dberr.InvalidDataCode, "non-string dictionary key %T", k)
			}
			n, err := Normalize(el)
			if err != nil {
				return nil, err
			}
			out[ks] = n
		}
		return out, nil
	}
	return normalizeReflect(reflect.ValueOf(v))
}

func normalizeUint(v uint64) any {
	if v > math.MaxInt64 {
		return float64(v)
	}
	return int64(v)
}

func normalizeReflect(rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return Normalize(rv.Elem().Interface())
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return normalizeUint(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return Normalize(rv.Float())
	case reflect.String:
		return rv.String(), nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return b, nil
		}
		out := make(Array, rv.Len())
		for i := range out {
			n, err := Normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, dberr.New(dberr.DomainCodec, dberr.InvalidDataCode, "map key type %v", rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(Dict, rv.Len())
		for it := rv.MapRange(); it.Next(); {
			n, err := Normalize(it.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[it.Key().String()] = n
		}
		return out, nil
	}
	return nil, dberr.New(dberr.DomainCodec, dberr.InvalidDataCode, "unsupported value type %v", rv.Type())
}

// DeepCopy returns a copy of a canonical value sharing no mutable state
// with the original.
func DeepCopy(v any) any {
	switch v := v.(type) {
	case Array:
		out := make(Array, len(v))
		for i, el := range v {
			out[i] = DeepCopy(el)
		}
		return out
	case Dict:
		return CopyDict(v)
	case []byte:
		return append([]byte(nil), v...)
	default:
		return v
	}
}

// CopyDict deep-copies d; a nil dict yields an empty one.
func CopyDict(d Dict) Dict {
	out := make(Dict, len(d))
	for k, el := range d {
		out[k] = DeepCopy(el)
	}
	return out
}

// Truthy implements N1QL boolean conversion: false, null, missing, zero,
// the empty string and empty collections are false.
func Truthy(v any) bool {
	switch v := v.(type) {
	case nil, missingType:
		return false
	case bool:
		return v
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v != ""
	case Array:
		return len(v) > 0
	case Dict:
		return len(v) > 0
	case []byte:
		return len(v) > 0
	}
	return false
}

// AsFloat returns the numeric value of v.
func AsFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
