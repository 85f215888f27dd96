package value

import (
	"encoding/binary"
	"io"
)

func ensureCapacity(buf []byte, minCap int) []byte {
	c := cap(buf)
	if minCap > c {
		if c < 16 {
			c = 16
		}
		for minCap > c {
			c <<= 1
		}
		old := buf
		buf = make([]byte, len(old), c)
		copy(buf, old)
	}
	return buf
}

func grow(buf []byte, n int) (int, []byte) {
	off := len(buf)
	newLen := off + n
	buf = ensureCapacity(buf, newLen)
	return off, buf[:newLen]
}

func appendRaw(buf []byte, chunk []byte) []byte {
	n := len(chunk)
	off, buf := grow(buf, n)
	copy(buf[off:], chunk)
	return buf
}

func appendFixedUint64(buf []byte, v uint64) []byte {
	off, buf := grow(buf, 8)
	binary.BigEndian.PutUint64(buf[off:], v)
	return buf
}

// bytesBuilder lets msgpack write straight into a caller-supplied buffer.
type bytesBuilder struct {
	Buf []byte
}

var _ io.Writer = (*bytesBuilder)(nil)

func (bb *bytesBuilder) Write(b []byte) (int, error) {
	bb.Buf = appendRaw(bb.Buf, b)
	return len(b), nil
}

func (bb *bytesBuilder) WriteByte(v byte) error {
	off, buf := grow(bb.Buf, 1)
	buf[off] = v
	bb.Buf = buf
	return nil
}

func (bb *bytesBuilder) WriteString(s string) (int, error) {
	off, buf := grow(bb.Buf, len(s))
	copy(buf[off:], s)
	bb.Buf = buf
	return len(s), nil
}
