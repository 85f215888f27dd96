package value

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/syncdb/dberr"
)

// Encode appends the msgpack encoding of v to buf. Dictionary keys are
// written in sorted order, so equal values produce equal bytes.
func Encode(v any) ([]byte, error) {
	return AppendEncoded(nil, v)
}

func AppendEncoded(buf []byte, v any) ([]byte, error) {
	v, err := Normalize(v)
	if err != nil {
		return buf, err
	}
	if IsMissing(v) {
		return buf, dberr.New(dberr.DomainCodec, dberr.EncodeErrorCode, "cannot encode MISSING")
	}
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.ResetDict(&bb, nil)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)
	err = enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return buf, dberr.Wrap(dberr.DomainCodec, dberr.EncodeErrorCode, err, "msgpack")
	}
	return bb.Buf, nil
}

// Decode parses a msgpack-encoded value into canonical form.
func Decode(data []byte) (any, error) {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	raw, err := dec.DecodeInterface()
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, dberr.DataErrf(data, int(r.Size())-r.Len(), err, "failed to decode msgpack value")
	}
	v, err := Normalize(raw)
	if err != nil {
		return nil, dberr.DataErrf(data, 0, err, "failed to normalize decoded value")
	}
	return v, nil
}

// EncodeDict encodes a document body. A nil dict encodes as an empty one.
func EncodeDict(d Dict) ([]byte, error) {
	if d == nil {
		d = Dict{}
	}
	return Encode(d)
}

// DecodeDict decodes a document body. Empty input decodes as an empty dict.
func DecodeDict(data []byte) (Dict, error) {
	if len(data) == 0 {
		return Dict{}, nil
	}
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	switch v := v.(type) {
	case Dict:
		return v, nil
	case nil:
		return Dict{}, nil
	}
	return nil, dberr.DataErrf(data, 0, nil, "document body is %v, not a dictionary", KindOf(v))
}
