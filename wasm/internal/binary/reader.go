package binary

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// ErrOverflow is returned when a LEB128 value exceeds the maximum size.
var ErrOverflow = errors.New("leb128: overflow")

// Reader reads WASM primitives from a byte slice and tracks the absolute
// offset of every read relative to the start of the enclosing binary.
type Reader struct {
	data []byte
	pos  int
	base int
}

// NewReader creates a Reader over data. base is the absolute offset of
// data[0] within the module binary and is only used for diagnostics.
func NewReader(data []byte, base int) *Reader {
	return &Reader{data: data, base: base}
}

// Offset returns the absolute offset of the next byte to be read.
func (r *Reader) Offset() int {
	return r.base + r.pos
}

// Position returns the offset of the next byte relative to the reader's slice.
func (r *Reader) Position() int {
	return r.pos
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.data) - r.pos
}

// ReadByte reads a single byte and advances the position.
func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// ReadBytes returns the next n bytes as a sub-slice of the underlying data.
// Callers that retain the result beyond the input's lifetime must copy it.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || n > r.Len() {
		return nil, fmt.Errorf("need %d bytes, have %d: %w", n, r.Len(), io.ErrUnexpectedEOF)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Since returns the bytes between the relative position from and the
// current position.
func (r *Reader) Since(from int) []byte {
	return r.data[from:r.pos]
}

// Remaining returns all unread bytes and advances to the end.
func (r *Reader) Remaining() []byte {
	b := r.data[r.pos:]
	r.pos = len(r.data)
	return b
}

// ReadU32 reads an unsigned LEB128 encoded uint32.
func (r *Reader) ReadU32() (uint32, error) {
	v, n, err := DecodeU32(r.data[r.pos:])
	r.pos += n
	return v, err
}

// ReadU64 reads an unsigned LEB128 encoded uint64.
func (r *Reader) ReadU64() (uint64, error) {
	v, n, err := DecodeU64(r.data[r.pos:])
	r.pos += n
	return v, err
}

// ReadS32 reads a signed LEB128 encoded int32.
func (r *Reader) ReadS32() (int32, error) {
	v, n, err := DecodeS64(r.data[r.pos:], 32)
	r.pos += n
	return int32(v), err
}

// ReadS33 reads a signed LEB128 encoded 33-bit value (block and heap types).
func (r *Reader) ReadS33() (int64, error) {
	v, n, err := DecodeS64(r.data[r.pos:], 33)
	r.pos += n
	return v, err
}

// ReadS64 reads a signed LEB128 encoded int64.
func (r *Reader) ReadS64() (int64, error) {
	v, n, err := DecodeS64(r.data[r.pos:], 64)
	r.pos += n
	return v, err
}

// ReadName reads a UTF-8 encoded name (length-prefixed byte sequence).
func (r *Reader) ReadName() (string, error) {
	length, err := r.ReadU32()
	if err != nil {
		return "", err
	}
	data, err := r.ReadBytes(int(length))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", errors.New("invalid UTF-8 in name")
	}
	return string(data), nil
}

// ReadU32LE reads a little-endian uint32 (fixed 4 bytes).
func (r *Reader) ReadU32LE() (uint32, error) {
	buf, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// DecodeU32 decodes an unsigned LEB128 uint32 from the start of b and
// returns the value and the number of bytes consumed.
func DecodeU32(b []byte) (uint32, int, error) {
	var result uint32
	var shift uint
	for i, c := range b {
		if shift == 28 && c&0x70 != 0 {
			return 0, i + 1, ErrOverflow
		}
		result |= uint32(c&0x7f) << shift
		if c&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, i + 1, ErrOverflow
		}
	}
	return 0, len(b), io.ErrUnexpectedEOF
}

// DecodeU64 decodes an unsigned LEB128 uint64 from the start of b.
func DecodeU64(b []byte) (uint64, int, error) {
	var result uint64
	var shift uint
	for i, c := range b {
		result |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
		if shift >= 70 {
			return 0, i + 1, ErrOverflow
		}
	}
	return 0, len(b), io.ErrUnexpectedEOF
}

// DecodeS64 decodes a signed LEB128 value of at most bits width from the
// start of b, sign-extended to int64.
func DecodeS64(b []byte, bits uint) (int64, int, error) {
	var result int64
	var shift uint
	maxLen := int((bits + 6) / 7)
	for i, c := range b {
		if i >= maxLen {
			return 0, i, ErrOverflow
		}
		result |= int64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			if shift < 64 && c&0x40 != 0 {
				result |= -1 << shift
			}
			return result, i + 1, nil
		}
	}
	return 0, len(b), io.ErrUnexpectedEOF
}
