package value

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/andreyvit/syncdb/dberr"
)

// FromJSON parses JSON into canonical form. Integral numbers become int64,
// all other numbers float64.
func FromJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, dberr.Wrap(dberr.DomainCodec, dberr.JSONErrorCode, err, "")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, dberr.New(dberr.DomainCodec, dberr.JSONErrorCode, "trailing data after JSON value")
	}
	return Normalize(raw)
}

// DictFromJSON parses a JSON object.
func DictFromJSON(data []byte) (Dict, error) {
	v, err := FromJSON(data)
	if err != nil {
		return nil, err
	}
	d, ok := v.(Dict)
	if !ok {
		return nil, dberr.New(dberr.DomainCodec, dberr.JSONErrorCode, "expected a JSON object, got %v", KindOf(v))
	}
	return d, nil
}

// ToJSON renders v as compact JSON with sorted object keys. Binary data is
// rendered as a base64 string. MISSING inside an array renders as null.
func ToJSON(v any) ([]byte, error) {
	v, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(jsonable(v))
	if err != nil {
		return nil, dberr.Wrap(dberr.DomainCodec, dberr.JSONErrorCode, err, "")
	}
	return raw, nil
}

func jsonable(v any) any {
	switch v := v.(type) {
	case missingType:
		return nil
	case Array:
		out := make([]any, len(v))
		for i, el := range v {
			out[i] = jsonable(el)
		}
		return out
	case Dict:
		out := make(map[string]any, len(v))
		for k, el := range v {
			if IsMissing(el) {
				continue
			}
			out[k] = jsonable(el)
		}
		return out
	}
	return v
}
