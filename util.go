package syncdb

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
)

func splitByte(s string, sep byte) (string, string, bool) {
	i := strings.IndexByte(s, sep)
	if i < 0 {
		return s, "", false
	} else {
		return s[:i], s[i+1:], true
	}
}

// inc turns data into the smallest byte string of the same length that sorts
// after every string prefixed by data. Returns false if data is all 0xFF.
func inc(data []byte) bool {
	n := len(data)
	for i := n - 1; i >= 0; i-- {
		if data[i] != 0xFF {
			data[i]++
			for j := i + 1; j < n; j++ {
				data[j] = 0
			}
			return true
		}
	}
	return false
}

// prefixEnd returns the exclusive upper bound of keys starting with prefix,
// or nil when there is none.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	if !inc(end) {
		return nil
	}
	return end
}

func appendUint64(buf []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, v)
}

func uint64Key(v uint64) []byte {
	return appendUint64(make([]byte, 0, 8), v)
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}
