package ccm

import (
	"encoding/binary"
	"math"
)

// byteBuffer is a wrapper around standard varint encoder and decoder to
// allow for automatic buffer sizing.  It can be used either for reading or
// writing, but not both at the same time.
type byteBuffer struct {
	n   int // # bytes written so far
	buf []byte
}

// Uvarint32 reads an unsigned 32bit varint.
func (b *byteBuffer) Uvarint32() uint32 {
	value, n := binary.Uvarint(b.buf[b.n:])
	if n <= 0 || value > math.MaxUint32 {
		panic("byteBuffer.Uvarint32")
	}
	b.n += n
	return uint32(value)
}

// Uvarint64 reads an unsigned varint.
func (b *byteBuffer) Uvarint64() uint64 {
	value, n := binary.Uvarint(b.buf[b.n:])
	if n <= 0 {
		panic("byteBuffer.Uvarint64: underflow")
	}
	b.n += n
	return value
}

// Varint64 reads a signed varint.
func (b *byteBuffer) Varint64() int64 {
	value, n := binary.Varint(b.buf[b.n:])
	if n <= 0 {
		panic("byteBuffer.Varint64: underflow")
	}
	b.n += n
	return value
}

// RawBytes extracts the next n bytes.
func (b *byteBuffer) RawBytes(n int) []byte {
	value := b.buf[b.n : b.n+n]
	b.n += n
	return value
}

// remaining returns the number of unread bytes.
func (b *byteBuffer) remaining() int { return len(b.buf) - b.n }

// PutUvarint adds an unsigned varint.
func (b *byteBuffer) PutUvarint(v uint64) {
	b.ensure(binary.MaxVarintLen64)
	b.n += binary.PutUvarint(b.buf[b.n:], v)
}

// PutVarint adds a signed varint.
func (b *byteBuffer) PutVarint(v int64) {
	b.ensure(binary.MaxVarintLen64)
	b.n += binary.PutVarint(b.buf[b.n:], v)
}

// PutBytes adds raw bytes.
func (b *byteBuffer) PutBytes(data []byte) {
	b.ensure(len(data))
	copy(b.buf[b.n:], data)
	b.n += len(data)
}

// PutString adds the raw bytes of a string.
func (b *byteBuffer) PutString(data string) {
	b.ensure(len(data))
	copy(b.buf[b.n:], data)
	b.n += len(data)
}

// Bytes returns the bytes written so far.
func (b *byteBuffer) Bytes() []byte { return b.buf[:b.n] }

// Len returns the number of bytes written so far.
func (b *byteBuffer) Len() int { return b.n }

// reset readies the buffer for reuse.
func (b *byteBuffer) reset() { b.n = 0 }

// resetRead readies the buffer for decoding data.
func (b *byteBuffer) resetRead(data []byte) {
	b.buf = data
	b.n = 0
}

func (b *byteBuffer) ensure(n int) {
	if len(b.buf)-b.n >= n {
		return
	}
	newCap := 2 * cap(b.buf)
	if newCap < b.n+n {
		newCap = b.n + n
	}
	if newCap < 1024 {
		newCap = 1024
	}
	newBuf := make([]byte, newCap)
	copy(newBuf, b.buf[:b.n])
	b.buf = newBuf
}
