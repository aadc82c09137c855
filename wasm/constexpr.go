package wasm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Value is a WebAssembly value as it appears in globals and constant
// expressions. Numeric values carry their raw bits: i32 zero-extended, f32
// and f64 as IEEE 754 bits, and v128 split into Bits (low) and Hi (high).
type Value struct {
	Bits    uint64
	Hi      uint64
	FuncIdx uint32
	Type    ValType
	Null    bool
}

// I32 returns an i32 value.
func I32(v int32) Value { return Value{Type: ValI32, Bits: uint64(uint32(v))} }

// I64 returns an i64 value.
func I64(v int64) Value { return Value{Type: ValI64, Bits: uint64(v)} }

// F32 returns an f32 value.
func F32(v float32) Value { return Value{Type: ValF32, Bits: uint64(math.Float32bits(v))} }

// F64 returns an f64 value.
func F64(v float64) Value { return Value{Type: ValF64, Bits: math.Float64bits(v)} }

// FuncRef returns a non-null function reference.
func FuncRef(funcIdx uint32) Value { return Value{Type: ValFuncRef, FuncIdx: funcIdx} }

// NullRef returns the null reference of type t.
func NullRef(t ValType) Value { return Value{Type: t, Null: true} }

// Equal reports whether two values are identical, comparing floats by bits.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	if v.Type.IsRef() {
		return v.Null == o.Null && (v.Null || v.FuncIdx == o.FuncIdx)
	}
	return v.Bits == o.Bits && v.Hi == o.Hi
}

func (v Value) String() string {
	switch v.Type {
	case ValI32:
		return fmt.Sprintf("i32:%d", int32(uint32(v.Bits)))
	case ValI64:
		return fmt.Sprintf("i64:%d", int64(v.Bits))
	case ValF32:
		return fmt.Sprintf("f32:%g", math.Float32frombits(uint32(v.Bits)))
	case ValF64:
		return fmt.Sprintf("f64:%g", math.Float64frombits(v.Bits))
	case ValV128:
		return fmt.Sprintf("v128:%016x%016x", v.Hi, v.Bits)
	case ValFuncRef, ValExtern:
		if v.Null {
			return v.Type.String() + ":null"
		}
		return fmt.Sprintf("%s:%d", v.Type, v.FuncIdx)
	}
	return "invalid"
}

// GlobalResolver returns the value of global idx during constant evaluation.
type GlobalResolver func(idx uint32) (Value, bool)

// EvalConst evaluates a constant expression, including the extended-const
// arithmetic instructions. The expression must end with the end opcode and
// leave exactly one value.
func EvalConst(expr []byte, globals GlobalResolver) (Value, error) {
	instrs, err := DecodeInstructions(expr)
	if err != nil {
		return Value{}, err
	}

	var stack []Value
	pop2 := func(t ValType) (Value, Value, error) {
		if len(stack) < 2 {
			return Value{}, Value{}, fmt.Errorf("stack underflow")
		}
		a, b := stack[len(stack)-2], stack[len(stack)-1]
		if a.Type != t || b.Type != t {
			return Value{}, Value{}, fmt.Errorf("type mismatch: %s and %s, want %s", a.Type, b.Type, t)
		}
		stack = stack[:len(stack)-2]
		return a, b, nil
	}

	for i, in := range instrs {
		switch in.Opcode {
		case OpI32Const:
			stack = append(stack, I32(in.Imm.(I32Imm).Value))
		case OpI64Const:
			stack = append(stack, I64(in.Imm.(I64Imm).Value))
		case OpF32Const:
			stack = append(stack, Value{Type: ValF32, Bits: uint64(in.Imm.(F32Imm).Bits)})
		case OpF64Const:
			stack = append(stack, Value{Type: ValF64, Bits: in.Imm.(F64Imm).Bits})
		case OpGlobalGet:
			idx := in.Imm.(GlobalImm).GlobalIdx
			if globals == nil {
				return Value{}, fmt.Errorf("global.get %d without resolver", idx)
			}
			v, ok := globals(idx)
			if !ok {
				return Value{}, fmt.Errorf("global.get %d: global not available", idx)
			}
			stack = append(stack, v)
		case OpRefNull:
			switch in.Imm.(RefNullImm).HeapType {
			case HeapFunc:
				stack = append(stack, NullRef(ValFuncRef))
			case HeapExtern:
				stack = append(stack, NullRef(ValExtern))
			default:
				return Value{}, fmt.Errorf("ref.null with heap type %d", in.Imm.(RefNullImm).HeapType)
			}
		case OpRefFunc:
			stack = append(stack, FuncRef(in.Imm.(RefFuncImm).FuncIdx))
		case OpI32Add, OpI32Sub, OpI32Mul:
			a, b, err := pop2(ValI32)
			if err != nil {
				return Value{}, err
			}
			x, y := uint32(a.Bits), uint32(b.Bits)
			var r uint32
			switch in.Opcode {
			case OpI32Add:
				r = x + y
			case OpI32Sub:
				r = x - y
			default:
				r = x * y
			}
			stack = append(stack, Value{Type: ValI32, Bits: uint64(r)})
		case OpI64Add, OpI64Sub, OpI64Mul:
			a, b, err := pop2(ValI64)
			if err != nil {
				return Value{}, err
			}
			var r uint64
			switch in.Opcode {
			case OpI64Add:
				r = a.Bits + b.Bits
			case OpI64Sub:
				r = a.Bits - b.Bits
			default:
				r = a.Bits * b.Bits
			}
			stack = append(stack, Value{Type: ValI64, Bits: r})
		case OpPrefixSIMD:
			if in.SubOp != SimdV128Const {
				return Value{}, fmt.Errorf("SIMD opcode %d not constant", in.SubOp)
			}
			b := in.Imm.(SIMDImm).Bytes
			stack = append(stack, Value{
				Type: ValV128,
				Bits: binary.LittleEndian.Uint64(b[:8]),
				Hi:   binary.LittleEndian.Uint64(b[8:]),
			})
		case OpEnd:
			if i != len(instrs)-1 {
				return Value{}, fmt.Errorf("end before final instruction")
			}
			if len(stack) != 1 {
				return Value{}, fmt.Errorf("constant expression leaves %d values", len(stack))
			}
			return stack[0], nil
		default:
			return Value{}, fmt.Errorf("opcode 0x%02x not constant", in.Opcode)
		}
	}
	return Value{}, fmt.Errorf("constant expression missing end")
}

// EncodeConst returns the constant expression producing v, terminated by end.
func EncodeConst(v Value) ([]byte, error) {
	var out []byte
	switch v.Type {
	case ValI32:
		out = AppendS32([]byte{OpI32Const}, int32(uint32(v.Bits)))
	case ValI64:
		out = AppendS64([]byte{OpI64Const}, int64(v.Bits))
	case ValF32:
		out = binary.LittleEndian.AppendUint32([]byte{OpF32Const}, uint32(v.Bits))
	case ValF64:
		out = binary.LittleEndian.AppendUint64([]byte{OpF64Const}, v.Bits)
	case ValV128:
		out = AppendU32([]byte{OpPrefixSIMD}, SimdV128Const)
		out = binary.LittleEndian.AppendUint64(out, v.Bits)
		out = binary.LittleEndian.AppendUint64(out, v.Hi)
	case ValFuncRef:
		if v.Null {
			out = []byte{OpRefNull, byte(ValFuncRef)}
		} else {
			out = AppendU32([]byte{OpRefFunc}, v.FuncIdx)
		}
	case ValExtern:
		if !v.Null {
			return nil, fmt.Errorf("non-null externref has no constant form")
		}
		out = []byte{OpRefNull, byte(ValExtern)}
	default:
		return nil, fmt.Errorf("no constant form for %s", v.Type)
	}
	return append(out, OpEnd), nil
}

// StaticGlobals evaluates the initializers of all defined globals in order.
// The result is indexed by defined-global position, not global index.
// Imported globals have no static value and make any reference to them fail.
func (m *Module) StaticGlobals() ([]Value, error) {
	nImported := uint32(m.NumImportedGlobals())
	values := make([]Value, 0, len(m.Globals))
	resolve := func(idx uint32) (Value, bool) {
		if idx < nImported || int(idx-nImported) >= len(values) {
			return Value{}, false
		}
		return values[idx-nImported], true
	}
	for i, g := range m.Globals {
		v, err := EvalConst(g.Init, resolve)
		if err != nil {
			return nil, fmt.Errorf("global %d: %w", int(nImported)+i, err)
		}
		values = append(values, v)
	}
	return values, nil
}
