package wasmtest

import "github.com/wippyai/wasm-preinit/wasm"

// Code concatenates instruction fragments and appends the final end.
func Code(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return append(out, wasm.OpEnd)
}

// Seq concatenates instruction fragments without a trailing end.
func Seq(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func op(o byte, imm ...uint32) []byte {
	out := []byte{o}
	for _, v := range imm {
		out = wasm.AppendU32(out, v)
	}
	return out
}

func I32Const(v int32) []byte { return wasm.AppendS32([]byte{wasm.OpI32Const}, v) }
func I64Const(v int64) []byte { return wasm.AppendS64([]byte{wasm.OpI64Const}, v) }
func LocalGet(i uint32) []byte { return op(wasm.OpLocalGet, i) }
func LocalSet(i uint32) []byte { return op(wasm.OpLocalSet, i) }
func GlobalGet(i uint32) []byte { return op(wasm.OpGlobalGet, i) }
func GlobalSet(i uint32) []byte { return op(wasm.OpGlobalSet, i) }
func Call(f uint32) []byte { return op(wasm.OpCall, f) }
func Br(depth uint32) []byte { return op(wasm.OpBr, depth) }
func BrIf(depth uint32) []byte { return op(wasm.OpBrIf, depth) }
func MemoryGrow() []byte { return op(wasm.OpMemoryGrow, 0) }
func MemorySize() []byte { return op(wasm.OpMemorySize, 0) }
func RefFunc(f uint32) []byte { return op(wasm.OpRefFunc, f) }

// CallIndirect calls through table 0 with the given type index.
func CallIndirect(typeIdx uint32) []byte { return op(wasm.OpCallIndirect, typeIdx, 0) }

// TableSet stores into table t.
func TableSet(t uint32) []byte { return op(wasm.OpTableSet, t) }

// MemoryInit copies passive data segment d into memory 0.
func MemoryInit(d uint32) []byte { return op(wasm.OpPrefixMisc, wasm.MiscMemoryInit, d, 0) }

// I32Store stores an i32 at the address on the stack plus offset.
func I32Store(offset uint32) []byte { return op(0x36, 2, offset) }

// I32Load loads an i32 from the address on the stack plus offset.
func I32Load(offset uint32) []byte { return op(wasm.OpI32Load, 2, offset) }

// I32Store8 stores the low byte of an i32.
func I32Store8(offset uint32) []byte { return op(0x3A, 0, offset) }

var (
	Unreachable = []byte{wasm.OpUnreachable}
	Drop        = []byte{wasm.OpDrop}
	Return      = []byte{wasm.OpReturn}
	End         = []byte{wasm.OpEnd}
	I32Add      = []byte{wasm.OpI32Add}
	I32Sub      = []byte{wasm.OpI32Sub}
	I32Eqz      = []byte{wasm.OpI32Eqz}
	Block       = []byte{wasm.OpBlock, 0x40}
	Loop        = []byte{wasm.OpLoop, 0x40}
	If          = []byte{wasm.OpIf, 0x40}
	Else        = []byte{wasm.OpElse}
)
