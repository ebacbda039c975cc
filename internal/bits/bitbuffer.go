// Package bits provides the bit-addressed buffer that every SCHC codec
// operates on.
//
// SCHC (RFC 8724) packs rule IDs, compression residues, and fragment
// headers at arbitrary bit offsets; nothing on the wire is guaranteed to
// be byte aligned. Buffer therefore tracks content length in bits and
// exposes read/write primitives that work at any bit position, MSB first
// (the most significant bit of byte 0 is bit position 0).
//
// Two value conventions coexist and are named consistently across the
// API:
//
//   - "field" form: a value right-aligned in ceil(n/8) bytes, the way
//     rule target values are stored (FieldBytes, AppendFieldBits).
//   - "stream" form: a bit sequence left-aligned in bytes, the way bits
//     travel on the wire (BitRange, CopyBits, AppendBits).
//
// A Buffer is single-owner: it is never safe for concurrent mutation and
// carries no internal locking.
package bits

import (
	"encoding/binary"
	"errors"
)

// BitsToBytes converts a bit count to the number of bytes needed to hold
// it, rounding up.
func BitsToBytes(n int) int {
	return (n + 7) / 8
}

// Errors returned by Buffer operations.
var (
	// ErrBitWidth indicates a bit count outside the supported range
	// (negative, or above 32 for the uint32 accessors).
	ErrBitWidth = errors.New("bit count out of range")

	// ErrOutOfRange indicates a position/length pair that falls outside
	// the buffer's content or capacity.
	ErrOutOfRange = errors.New("bit range out of bounds")

	// ErrShortSource indicates a source slice with fewer bits than the
	// requested copy length.
	ErrShortSource = errors.New("source shorter than bit count")
)

// Buffer is a byte-backed bit buffer with explicit bit-length metadata.
//
// bitLength marks how many bits of data are meaningful; offset marks
// where meaningful content starts (used when a rule-ID prefix has been
// consumed but the backing bytes are kept intact).
type Buffer struct {
	data      []byte
	bitLength int
	offset    int
}

// NewBuffer returns an empty Buffer backed by byteCap zeroed bytes.
// Content length starts at zero; Append operations grow it.
func NewBuffer(byteCap int) *Buffer {
	if byteCap < 0 {
		byteCap = 0
	}
	return &Buffer{data: make([]byte, byteCap)}
}

// FromBytes returns a Buffer holding a copy of data with bit length
// len(data)*8. The copy keeps the single-owner invariant: callers may
// reuse their slice freely afterwards.
func FromBytes(data []byte) *Buffer {
	cp := make([]byte, len(data))
	copy(cp, data)
	return &Buffer{data: cp, bitLength: len(cp) * 8}
}

// BitLength returns the number of meaningful bits in the buffer.
func (b *Buffer) BitLength() int { return b.bitLength }

// ByteLength returns the number of bytes needed to hold BitLength bits.
func (b *Buffer) ByteLength() int { return BitsToBytes(b.bitLength) }

// Padding returns the number of unused bits in the final byte.
func (b *Buffer) Padding() int {
	if b.bitLength%8 == 0 {
		return 0
	}
	return 8 - b.bitLength%8
}

// Offset returns the bit position where meaningful content starts.
func (b *Buffer) Offset() int { return b.offset }

// SetOffset records the bit position where meaningful content starts.
// It does not move any data.
func (b *Buffer) SetOffset(pos int) {
	if pos < 0 {
		pos = 0
	}
	b.offset = pos
}

// Bytes returns the backing bytes holding the buffer's content,
// truncated to ByteLength. The final byte's padding bits are zero as
// long as all writes went through Buffer methods. The returned slice
// aliases the buffer; it is invalidated by the next mutation.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.ByteLength()]
}

// GetBits reads n bits (n <= 32) starting at bit position pos and
// returns them right-aligned in a uint32. The first bit read becomes the
// most significant bit of the result.
func (b *Buffer) GetBits(pos, n int) (uint32, error) {
	if n < 0 || n > 32 {
		return 0, ErrBitWidth
	}
	if pos < 0 || pos+n > b.bitLength {
		return 0, ErrOutOfRange
	}
	var v uint32
	for i := pos; i < pos+n; i++ {
		v = v<<1 | uint32(b.data[i>>3]>>(7-i&7)&1)
	}
	return v, nil
}

// FieldBytes reads n bits starting at pos and returns them as a value
// right-aligned in ceil(n/8) bytes. This is the form rule target values
// use, so the result compares directly against them.
func (b *Buffer) FieldBytes(pos, n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrBitWidth
	}
	if pos < 0 || pos+n > b.bitLength {
		return nil, ErrOutOfRange
	}
	out := make([]byte, BitsToBytes(n))
	pad := len(out)*8 - n
	for i := range n {
		bit := b.data[(pos+i)>>3] >> (7 - (pos+i)&7) & 1
		j := pad + i
		out[j>>3] |= bit << (7 - j&7)
	}
	return out, nil
}

// BitRange reads n bits starting at pos and returns them in stream form:
// left-aligned in ceil(n/8) bytes, trailing bits zero. The result feeds
// straight back into CopyBits or AppendBits.
func (b *Buffer) BitRange(pos, n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrBitWidth
	}
	if pos < 0 || pos+n > b.bitLength {
		return nil, ErrOutOfRange
	}
	out := make([]byte, BitsToBytes(n))
	for i := range n {
		bit := b.data[(pos+i)>>3] >> (7 - (pos+i)&7) & 1
		out[i>>3] |= bit << (7 - i&7)
	}
	return out, nil
}

// CopyBits clears the n-bit range starting at pos and ORs in the first
// n bits of src, read MSB first. Writes may extend bitLength up to the
// buffer's byte capacity but never grow the backing array; use
// AppendBits for growth.
func (b *Buffer) CopyBits(pos int, src []byte, n int) error {
	if n < 0 {
		return ErrBitWidth
	}
	if pos < 0 || pos+n > len(b.data)*8 {
		return ErrOutOfRange
	}
	if n > len(src)*8 {
		return ErrShortSource
	}
	for i := range n {
		d := pos + i
		b.data[d>>3] &^= 1 << (7 - d&7)
		bit := src[i>>3] >> (7 - i&7) & 1
		b.data[d>>3] |= bit << (7 - d&7)
	}
	if pos+n > b.bitLength {
		b.bitLength = pos + n
	}
	return nil
}

// AppendBits appends the first n bits of src (stream form, MSB first) at
// the current bit length, growing the backing array as needed.
func (b *Buffer) AppendBits(src []byte, n int) error {
	if n < 0 {
		return ErrBitWidth
	}
	if n > len(src)*8 {
		return ErrShortSource
	}
	need := BitsToBytes(b.bitLength + n)
	if need > len(b.data) {
		grown := make([]byte, need, max(need, 2*cap(b.data)))
		copy(grown, b.data)
		b.data = grown
	}
	return b.CopyBits(b.bitLength, src, n)
}

// AppendUint appends the low n bits (n <= 32) of v, MSB first.
func (b *Buffer) AppendUint(v uint32, n int) error {
	if n < 0 || n > 32 {
		return ErrBitWidth
	}
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v<<(32-n))
	return b.AppendBits(tmp[:], n)
}

// AppendFieldBits appends the low n bits of val, where val is a value in
// field form (right-aligned bytes). Appending FieldBytes output with the
// same n reproduces the original bits.
func (b *Buffer) AppendFieldBits(val []byte, n int) error {
	if n < 0 {
		return ErrBitWidth
	}
	if n > len(val)*8 {
		return ErrShortSource
	}
	stream := make([]byte, BitsToBytes(n))
	skip := len(val)*8 - n
	for i := range n {
		s := skip + i
		bit := val[s>>3] >> (7 - s&7) & 1
		stream[i>>3] |= bit << (7 - i&7)
	}
	return b.AppendBits(stream, n)
}

// Resize adjusts the backing array to newByteLen bytes, preserving
// content that still fits. Shrinking truncates bitLength accordingly.
func (b *Buffer) Resize(newByteLen int) {
	if newByteLen < 0 {
		newByteLen = 0
	}
	resized := make([]byte, newByteLen)
	copy(resized, b.data)
	b.data = resized
	if b.bitLength > newByteLen*8 {
		b.bitLength = newByteLen * 8
	}
}

// Reset clears content and metadata, keeping the backing array for
// reuse.
func (b *Buffer) Reset() {
	clear(b.data)
	b.bitLength = 0
	b.offset = 0
}
