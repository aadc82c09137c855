package wasm

import (
	"fmt"

	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/wasm/internal/binary"
)

// Instruction represents a decoded WebAssembly instruction.
//
// Offset and Size locate the instruction's encoding within the code slice it
// was decoded from, so callers can splice new code around it without
// re-encoding untouched instructions.
type Instruction struct {
	Imm    any
	Offset int
	Size   int
	SubOp  uint32 // sub-opcode for 0xFC, 0xFD and 0xFE prefixed instructions
	Opcode byte
}

// BlockImm holds the block type for block, loop and if.
type BlockImm struct {
	Type int64 // -64=void, negative value type, or >=0 type index
}

// BranchImm holds the label index for br and br_if.
type BranchImm struct {
	LabelIdx uint32
}

// BrTableImm holds the label table for br_table.
type BrTableImm struct {
	Labels  []uint32
	Default uint32
}

// CallImm holds the function index for call and return_call.
type CallImm struct {
	FuncIdx uint32
}

// CallIndirectImm holds type and table indices for call_indirect.
type CallIndirectImm struct {
	TypeIdx  uint32
	TableIdx uint32
}

// LocalImm holds the local index for local.get, local.set, local.tee.
type LocalImm struct {
	LocalIdx uint32
}

// GlobalImm holds the global index for global.get and global.set.
type GlobalImm struct {
	GlobalIdx uint32
}

// TableImm holds the table index for table.get and table.set.
type TableImm struct {
	TableIdx uint32
}

// MemoryImm holds memory access parameters for loads and stores.
type MemoryImm struct {
	Offset uint64
	Align  uint32
	MemIdx uint32
}

// MemoryIdxImm holds the memory index for memory.size and memory.grow.
type MemoryIdxImm struct {
	MemIdx uint32
}

// I32Imm holds the constant for i32.const.
type I32Imm struct {
	Value int32
}

// I64Imm holds the constant for i64.const.
type I64Imm struct {
	Value int64
}

// F32Imm holds the raw IEEE bits for f32.const.
type F32Imm struct {
	Bits uint32
}

// F64Imm holds the raw IEEE bits for f64.const.
type F64Imm struct {
	Bits uint64
}

// RefNullImm holds the heap type for ref.null.
type RefNullImm struct {
	HeapType int64
}

// RefFuncImm holds the function index for ref.func.
type RefFuncImm struct {
	FuncIdx uint32
}

// SelectTypeImm holds the value types of a typed select.
type SelectTypeImm struct {
	Types []ValType
}

// MiscImm holds the index operands of a 0xFC instruction, in encoding order.
type MiscImm struct {
	Operands []uint32
}

// SIMDImm holds the immediates of a 0xFD instruction.
type SIMDImm struct {
	MemArg *MemoryImm
	Bytes  []byte // v128.const value or shuffle lanes
	Lane   byte
}

// AtomicImm holds the memarg of a 0xFE instruction; nil for atomic.fence.
type AtomicImm struct {
	MemArg *MemoryImm
}

// IsMemoryAccess reports whether the opcode is a plain load or store.
func IsMemoryAccess(op byte) bool {
	return op >= OpI32Load && op <= OpI64Store32
}

// IsNumeric reports whether the opcode is a numeric instruction without immediates.
func IsNumeric(op byte) bool {
	return op >= OpI32Eqz && op <= OpI64Extend32S
}

// IsControl reports whether the instruction can transfer control or ends a
// straight-line run of code.
func (i Instruction) IsControl() bool {
	switch i.Opcode {
	case OpUnreachable, OpBlock, OpLoop, OpIf, OpElse, OpEnd, OpBr, OpBrIf, OpBrTable,
		OpReturn, OpCall, OpCallIndirect, OpReturnCall, OpReturnCallIndirect:
		return true
	}
	return false
}

// DecodeInstructions decodes a complete instruction sequence.
func DecodeInstructions(code []byte) ([]Instruction, error) {
	r := binary.NewReader(code, 0)
	instrs := make([]Instruction, 0, len(code)/2)

	for r.Len() > 0 {
		start := r.Position()
		instr, err := decodeInstruction(r)
		if err != nil {
			if e, ok := err.(*errors.Error); ok {
				return nil, e
			}
			return nil, fmt.Errorf("instruction at +%d: %w", start, err)
		}
		instr.Offset = start
		instr.Size = r.Position() - start
		instrs = append(instrs, instr)
	}
	return instrs, nil
}

func decodeInstruction(r *binary.Reader) (Instruction, error) {
	op, err := r.ReadByte()
	if err != nil {
		return Instruction{}, err
	}

	instr := Instruction{Opcode: op}

	switch {
	case IsMemoryAccess(op):
		memImm, err := readMemArg(r)
		if err != nil {
			return instr, err
		}
		instr.Imm = memImm
		return instr, nil
	case IsNumeric(op):
		return instr, nil
	}

	switch op {
	case OpUnreachable, OpNop, OpElse, OpEnd, OpReturn, OpDrop, OpSelect, OpRefIsNull:
		// No immediate

	case OpBlock, OpLoop, OpIf:
		bt, err := r.ReadS33()
		if err != nil {
			return instr, err
		}
		instr.Imm = BlockImm{Type: bt}

	case OpBr, OpBrIf:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = BranchImm{LabelIdx: idx}

	case OpBrTable:
		count, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		if int(count) > r.Len() {
			return instr, fmt.Errorf("br_table count %d exceeds body size", count)
		}
		labels := make([]uint32, count)
		for i := range labels {
			if labels[i], err = r.ReadU32(); err != nil {
				return instr, err
			}
		}
		def, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = BrTableImm{Labels: labels, Default: def}

	case OpCall, OpReturnCall:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = CallImm{FuncIdx: idx}

	case OpCallIndirect, OpReturnCallIndirect:
		typeIdx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		tableIdx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = CallIndirectImm{TypeIdx: typeIdx, TableIdx: tableIdx}

	case OpLocalGet, OpLocalSet, OpLocalTee:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = LocalImm{LocalIdx: idx}

	case OpGlobalGet, OpGlobalSet:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = GlobalImm{GlobalIdx: idx}

	case OpTableGet, OpTableSet:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = TableImm{TableIdx: idx}

	case OpMemorySize, OpMemoryGrow:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = MemoryIdxImm{MemIdx: idx}

	case OpI32Const:
		v, err := r.ReadS32()
		if err != nil {
			return instr, err
		}
		instr.Imm = I32Imm{Value: v}

	case OpI64Const:
		v, err := r.ReadS64()
		if err != nil {
			return instr, err
		}
		instr.Imm = I64Imm{Value: v}

	case OpF32Const:
		v, err := r.ReadU32LE()
		if err != nil {
			return instr, err
		}
		instr.Imm = F32Imm{Bits: v}

	case OpF64Const:
		b, err := r.ReadBytes(8)
		if err != nil {
			return instr, err
		}
		var bits uint64
		for i := 7; i >= 0; i-- {
			bits = bits<<8 | uint64(b[i])
		}
		instr.Imm = F64Imm{Bits: bits}

	case OpRefNull:
		ht, err := r.ReadS33()
		if err != nil {
			return instr, err
		}
		instr.Imm = RefNullImm{HeapType: ht}

	case OpRefFunc:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = RefFuncImm{FuncIdx: idx}

	case OpSelectType:
		types, err := readValTypes(r)
		if err != nil {
			return instr, err
		}
		instr.Imm = SelectTypeImm{Types: types}

	case OpPrefixMisc:
		if err := decodeMisc(r, &instr); err != nil {
			return instr, err
		}

	case OpPrefixSIMD:
		if err := decodeSIMD(r, &instr); err != nil {
			return instr, err
		}

	case OpPrefixAtomic:
		if err := decodeAtomic(r, &instr); err != nil {
			return instr, err
		}

	case 0x06, 0x07, 0x08, 0x09, 0x0A, 0x18, 0x19, 0x1F:
		return instr, errors.Unsupported(errors.PhaseParse, "exception handling opcode 0x%02x", op)

	case 0x14, 0x15, 0xD3, 0xD4, 0xD5, 0xD6:
		return instr, errors.Unsupported(errors.PhaseParse, "typed function reference opcode 0x%02x", op)

	case 0xFB:
		return instr, errors.Unsupported(errors.PhaseParse, "GC opcode prefix 0xfb")

	default:
		return instr, fmt.Errorf("unknown opcode 0x%02x", op)
	}

	return instr, nil
}

func decodeMisc(r *binary.Reader, instr *Instruction) error {
	sub, err := r.ReadU32()
	if err != nil {
		return err
	}
	instr.SubOp = sub

	var n int
	switch {
	case sub <= MiscI64TruncSatF64U:
		n = 0
	case sub == MiscMemoryInit, sub == MiscMemoryCopy, sub == MiscTableInit, sub == MiscTableCopy:
		n = 2
	case sub == MiscDataDrop, sub == MiscMemoryFill, sub == MiscElemDrop,
		sub == MiscTableGrow, sub == MiscTableSize, sub == MiscTableFill:
		n = 1
	default:
		return fmt.Errorf("unknown 0xfc sub-opcode %d", sub)
	}

	imm := MiscImm{Operands: make([]uint32, n)}
	for i := range imm.Operands {
		if imm.Operands[i], err = r.ReadU32(); err != nil {
			return err
		}
	}
	instr.Imm = imm
	return nil
}

func decodeSIMD(r *binary.Reader, instr *Instruction) error {
	sub, err := r.ReadU32()
	if err != nil {
		return err
	}
	instr.SubOp = sub

	var imm SIMDImm
	switch {
	case sub <= SimdV128Store, sub == SimdLoad32Zero, sub == SimdLoad64Zero:
		m, err := readMemArg(r)
		if err != nil {
			return err
		}
		imm.MemArg = &m
	case sub == SimdV128Const, sub == SimdI8x16Shuffle:
		if imm.Bytes, err = r.ReadBytes(16); err != nil {
			return err
		}
	case sub >= SimdLaneFirst && sub <= SimdLaneLast:
		if imm.Lane, err = r.ReadByte(); err != nil {
			return err
		}
	case sub >= SimdLoadLaneFirst && sub <= SimdLoadLaneLast:
		m, err := readMemArg(r)
		if err != nil {
			return err
		}
		imm.MemArg = &m
		if imm.Lane, err = r.ReadByte(); err != nil {
			return err
		}
	}
	instr.Imm = imm
	return nil
}

func decodeAtomic(r *binary.Reader, instr *Instruction) error {
	sub, err := r.ReadU32()
	if err != nil {
		return err
	}
	instr.SubOp = sub

	if sub == AtomicFence {
		if _, err := r.ReadByte(); err != nil {
			return err
		}
		instr.Imm = AtomicImm{}
		return nil
	}
	m, err := readMemArg(r)
	if err != nil {
		return err
	}
	instr.Imm = AtomicImm{MemArg: &m}
	return nil
}

// readMemArg reads a memarg. Bit 6 of the alignment field signals an
// explicit memory index (multi-memory).
func readMemArg(r *binary.Reader) (MemoryImm, error) {
	align, err := r.ReadU32()
	if err != nil {
		return MemoryImm{}, err
	}
	var imm MemoryImm
	if align&memArgMultiMemBit != 0 {
		align &^= memArgMultiMemBit
		if imm.MemIdx, err = r.ReadU32(); err != nil {
			return MemoryImm{}, err
		}
	}
	imm.Align = align
	if imm.Offset, err = r.ReadU64(); err != nil {
		return MemoryImm{}, err
	}
	return imm, nil
}
