package wasm

import "github.com/wippyai/wasm-preinit/wasm/internal/binary"

// LEB128 helpers for code that assembles binary fragments outside this package.

// AppendU32 appends the unsigned LEB128 encoding of v to dst.
func AppendU32(dst []byte, v uint32) []byte {
	return binary.AppendU64(dst, uint64(v))
}

// AppendU64 appends the unsigned LEB128 encoding of v to dst.
func AppendU64(dst []byte, v uint64) []byte {
	return binary.AppendU64(dst, v)
}

// AppendS32 appends the signed LEB128 encoding of v to dst.
func AppendS32(dst []byte, v int32) []byte {
	return binary.AppendS64(dst, int64(v))
}

// AppendS64 appends the signed LEB128 encoding of v to dst.
func AppendS64(dst []byte, v int64) []byte {
	return binary.AppendS64(dst, v)
}

// AppendName appends a length-prefixed UTF-8 name to dst.
func AppendName(dst []byte, s string) []byte {
	dst = AppendU32(dst, uint32(len(s)))
	return append(dst, s...)
}

// DecodeU32 decodes an unsigned LEB128 uint32 and returns it with the
// number of bytes consumed.
func DecodeU32(b []byte) (uint32, int, error) {
	return binary.DecodeU32(b)
}

// DecodeS64 decodes a signed LEB128 int64 and returns it with the number of
// bytes consumed.
func DecodeS64(b []byte) (int64, int, error) {
	return binary.DecodeS64(b, 64)
}
