package wasm

import (
	"fmt"

	"github.com/wippyai/wasm-preinit/errors"
)

// Validate checks index spaces, limits, constant expressions, exports and
// function bodies. Operand-stack typing of function bodies is left to the
// execution engine, which validates fully at compile time.
func (m *Module) Validate() error {
	checks := []func() error{
		m.validateTypeIndices,
		m.validateLimits,
		m.validateGlobals,
		m.validateExports,
		m.validateStart,
		m.validateElements,
		m.validateData,
		m.validateCode,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Module) sectionOffset(id byte) int {
	if s, ok := m.Section(id); ok {
		return s.Offset
	}
	return -1
}

func (m *Module) invalid(id byte, format string, args ...any) error {
	return errors.Malformed(SectionName(id), m.sectionOffset(id), format, args...)
}

func (m *Module) validateTypeIndices() error {
	numTypes := uint32(len(m.Types))
	for i, typeIdx := range m.Funcs {
		if typeIdx >= numTypes {
			return m.invalid(SectionFunction, "function %d references type %d, have %d types", i, typeIdx, numTypes)
		}
	}
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc && imp.Desc.TypeIdx >= numTypes {
			return m.invalid(SectionImport, "import %s#%s references type %d, have %d types", imp.Module, imp.Name, imp.Desc.TypeIdx, numTypes)
		}
	}
	return nil
}

func checkLimits(l Limits, ceiling uint64) error {
	if l.Min > ceiling {
		return fmt.Errorf("minimum %d exceeds %d", l.Min, ceiling)
	}
	if l.Max != nil {
		if *l.Max > ceiling {
			return fmt.Errorf("maximum %d exceeds %d", *l.Max, ceiling)
		}
		if *l.Max < l.Min {
			return fmt.Errorf("maximum %d below minimum %d", *l.Max, l.Min)
		}
	}
	return nil
}

func (m *Module) validateLimits() error {
	for i, mem := range m.Memories {
		if err := checkLimits(mem.Limits, MemoryMaxPages32); err != nil {
			return m.invalid(SectionMemory, "memory %d: %v", i, err)
		}
	}
	for i, t := range m.Tables {
		if err := checkLimits(t.Limits, MaxU32); err != nil {
			return m.invalid(SectionTable, "table %d: %v", i, err)
		}
	}
	for _, imp := range m.Imports {
		var err error
		switch imp.Desc.Kind {
		case KindMemory:
			err = checkLimits(imp.Desc.Memory.Limits, MemoryMaxPages32)
		case KindTable:
			err = checkLimits(imp.Desc.Table.Limits, MaxU32)
		}
		if err != nil {
			return m.invalid(SectionImport, "import %s#%s: %v", imp.Module, imp.Name, err)
		}
	}
	return nil
}

// constExprType checks the index references of a constant expression and
// returns the type it produces. visibleGlobals bounds global.get.
func (m *Module) constExprType(expr []byte, visibleGlobals uint32) (ValType, error) {
	instrs, err := DecodeInstructions(expr)
	if err != nil {
		return 0, err
	}
	var stack []ValType
	for _, in := range instrs {
		switch in.Opcode {
		case OpI32Const:
			stack = append(stack, ValI32)
		case OpI64Const:
			stack = append(stack, ValI64)
		case OpF32Const:
			stack = append(stack, ValF32)
		case OpF64Const:
			stack = append(stack, ValF64)
		case OpGlobalGet:
			idx := in.Imm.(GlobalImm).GlobalIdx
			if idx >= visibleGlobals {
				return 0, fmt.Errorf("global.get %d out of range (%d visible)", idx, visibleGlobals)
			}
			gt, _ := m.GlobalTypeAt(idx)
			if gt.Mutable {
				return 0, fmt.Errorf("global.get %d of a mutable global", idx)
			}
			stack = append(stack, gt.ValType)
		case OpRefNull:
			switch in.Imm.(RefNullImm).HeapType {
			case HeapFunc:
				stack = append(stack, ValFuncRef)
			case HeapExtern:
				stack = append(stack, ValExtern)
			default:
				return 0, fmt.Errorf("ref.null heap type %d", in.Imm.(RefNullImm).HeapType)
			}
		case OpRefFunc:
			if idx := in.Imm.(RefFuncImm).FuncIdx; int(idx) >= m.NumFuncs() {
				return 0, fmt.Errorf("ref.func %d out of range", idx)
			}
			stack = append(stack, ValFuncRef)
		case OpI32Add, OpI32Sub, OpI32Mul, OpI64Add, OpI64Sub, OpI64Mul:
			want := ValI32
			if in.Opcode >= OpI64Add {
				want = ValI64
			}
			if len(stack) < 2 || stack[len(stack)-1] != want || stack[len(stack)-2] != want {
				return 0, fmt.Errorf("operand type mismatch for opcode 0x%02x", in.Opcode)
			}
			stack = stack[:len(stack)-1]
		case OpPrefixSIMD:
			stack = append(stack, ValV128)
		case OpEnd:
		default:
			return 0, fmt.Errorf("opcode 0x%02x not constant", in.Opcode)
		}
	}
	if len(stack) != 1 {
		return 0, fmt.Errorf("constant expression leaves %d values", len(stack))
	}
	return stack[0], nil
}

func (m *Module) validateGlobals() error {
	nImported := uint32(m.NumImportedGlobals())
	for i, g := range m.Globals {
		// Initializers see imported globals and earlier defined globals.
		t, err := m.constExprType(g.Init, nImported+uint32(i))
		if err != nil {
			return m.invalid(SectionGlobal, "global %d initializer: %v", int(nImported)+i, err)
		}
		if t != g.Type.ValType {
			return m.invalid(SectionGlobal, "global %d initializer produces %s, declared %s", int(nImported)+i, t, g.Type.ValType)
		}
	}
	return nil
}

func (m *Module) validateExports() error {
	seen := make(map[string]struct{}, len(m.Exports))
	for _, e := range m.Exports {
		if _, dup := seen[e.Name]; dup {
			return m.invalid(SectionExport, "duplicate export name %q", e.Name)
		}
		seen[e.Name] = struct{}{}

		var n int
		switch e.Kind {
		case KindFunc:
			n = m.NumFuncs()
		case KindTable:
			n = m.NumTables()
		case KindMemory:
			n = m.NumMemories()
		case KindGlobal:
			n = m.NumGlobals()
		}
		if int(e.Idx) >= n {
			return m.invalid(SectionExport, "export %q references index %d, have %d", e.Name, e.Idx, n)
		}
	}
	return nil
}

func (m *Module) validateStart() error {
	if m.Start == nil {
		return nil
	}
	sig, ok := m.FuncSignature(*m.Start)
	if !ok {
		return m.invalid(SectionStart, "start function %d out of range", *m.Start)
	}
	if len(sig.Params) != 0 || len(sig.Results) != 0 {
		return m.invalid(SectionStart, "start function %d has signature %s, want [] -> []", *m.Start, sig)
	}
	return nil
}

func (m *Module) validateElements() error {
	numFuncs := m.NumFuncs()
	numGlobals := uint32(m.NumGlobals())
	for i := range m.Elements {
		elem := &m.Elements[i]
		if elem.IsActive() {
			tt, ok := m.TableTypeAt(elem.TableIdx)
			if !ok {
				return m.invalid(SectionElement, "element %d references table %d", i, elem.TableIdx)
			}
			if tt.ElemType != elem.Type {
				return m.invalid(SectionElement, "element %d of type %s targets %s table", i, elem.Type, tt.ElemType)
			}
			t, err := m.constExprType(elem.Offset, numGlobals)
			if err != nil {
				return m.invalid(SectionElement, "element %d offset: %v", i, err)
			}
			if t != ValI32 {
				return m.invalid(SectionElement, "element %d offset has type %s, want i32", i, t)
			}
		}
		for j, idx := range elem.FuncIdxs {
			if int(idx) >= numFuncs {
				return m.invalid(SectionElement, "element %d entry %d references function %d", i, j, idx)
			}
		}
		for j, expr := range elem.Exprs {
			t, err := m.constExprType(expr, numGlobals)
			if err != nil {
				return m.invalid(SectionElement, "element %d entry %d: %v", i, j, err)
			}
			if t != elem.Type {
				return m.invalid(SectionElement, "element %d entry %d has type %s, want %s", i, j, t, elem.Type)
			}
		}
	}
	return nil
}

func (m *Module) validateData() error {
	numGlobals := uint32(m.NumGlobals())
	for i := range m.Data {
		seg := &m.Data[i]
		if !seg.IsActive() {
			continue
		}
		if int(seg.MemIdx) >= m.NumMemories() {
			return m.invalid(SectionData, "data segment %d references memory %d", i, seg.MemIdx)
		}
		t, err := m.constExprType(seg.Offset, numGlobals)
		if err != nil {
			return m.invalid(SectionData, "data segment %d offset: %v", i, err)
		}
		if t != ValI32 {
			return m.invalid(SectionData, "data segment %d offset has type %s, want i32", i, t)
		}
	}
	return nil
}

func (m *Module) validateCode() error {
	nImported := m.NumImportedFuncs()
	for i := range m.Code {
		if err := m.validateBody(nImported+i, &m.Code[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateBody checks every index immediate and the block structure of a
// function body.
func (m *Module) validateBody(funcIdx int, body *FuncBody) error {
	instrs, err := DecodeInstructions(body.Code)
	if err != nil {
		var e *errors.Error
		if errors.As(err, &e) {
			return e
		}
		return errors.Malformed("code", body.Offset, "function %d: %v", funcIdx, err)
	}

	sig, _ := m.FuncSignature(uint32(funcIdx))
	numLocals := uint64(len(sig.Params))
	for _, l := range body.Locals {
		numLocals += uint64(l.Count)
	}

	var (
		numTypes    = uint32(len(m.Types))
		numFuncs    = uint32(m.NumFuncs())
		numTables   = uint32(m.NumTables())
		numMemories = uint32(m.NumMemories())
		numGlobals  = uint32(m.NumGlobals())
		numElems    = uint32(len(m.Elements))
		numData     = uint32(len(m.Data))
	)

	// blocks holds the opcode of each open block; the function body itself
	// is the outermost entry.
	blocks := []byte{OpBlock}

	for _, in := range instrs {
		fail := func(format string, args ...any) error {
			return errors.Malformed("code", body.Offset+in.Offset, "function %d: %s", funcIdx, fmt.Sprintf(format, args...))
		}
		if len(blocks) == 0 {
			return fail("instructions after final end")
		}
		depth := uint32(len(blocks))

		switch in.Opcode {
		case OpBlock, OpLoop, OpIf:
			if bt := in.Imm.(BlockImm).Type; bt >= 0 && uint32(bt) >= numTypes {
				return fail("block type %d out of range", bt)
			}
			blocks = append(blocks, in.Opcode)
		case OpElse:
			if blocks[len(blocks)-1] != OpIf {
				return fail("else without if")
			}
			blocks[len(blocks)-1] = OpElse
		case OpEnd:
			blocks = blocks[:len(blocks)-1]
		case OpBr, OpBrIf:
			if in.Imm.(BranchImm).LabelIdx >= depth {
				return fail("branch depth %d exceeds %d", in.Imm.(BranchImm).LabelIdx, depth)
			}
		case OpBrTable:
			imm := in.Imm.(BrTableImm)
			for _, l := range append(imm.Labels, imm.Default) {
				if l >= depth {
					return fail("br_table depth %d exceeds %d", l, depth)
				}
			}
		case OpCall, OpReturnCall:
			if in.Imm.(CallImm).FuncIdx >= numFuncs {
				return fail("call to function %d out of range", in.Imm.(CallImm).FuncIdx)
			}
		case OpCallIndirect, OpReturnCallIndirect:
			imm := in.Imm.(CallIndirectImm)
			if imm.TypeIdx >= numTypes || imm.TableIdx >= numTables {
				return fail("call_indirect type %d table %d out of range", imm.TypeIdx, imm.TableIdx)
			}
		case OpLocalGet, OpLocalSet, OpLocalTee:
			if uint64(in.Imm.(LocalImm).LocalIdx) >= numLocals {
				return fail("local %d out of range", in.Imm.(LocalImm).LocalIdx)
			}
		case OpGlobalGet, OpGlobalSet:
			idx := in.Imm.(GlobalImm).GlobalIdx
			if idx >= numGlobals {
				return fail("global %d out of range", idx)
			}
			if gt, _ := m.GlobalTypeAt(idx); in.Opcode == OpGlobalSet && !gt.Mutable {
				return fail("global.set on immutable global %d", idx)
			}
		case OpTableGet, OpTableSet:
			if in.Imm.(TableImm).TableIdx >= numTables {
				return fail("table %d out of range", in.Imm.(TableImm).TableIdx)
			}
		case OpMemorySize, OpMemoryGrow:
			if in.Imm.(MemoryIdxImm).MemIdx >= numMemories {
				return fail("memory %d out of range", in.Imm.(MemoryIdxImm).MemIdx)
			}
		case OpRefFunc:
			if in.Imm.(RefFuncImm).FuncIdx >= numFuncs {
				return fail("ref.func %d out of range", in.Imm.(RefFuncImm).FuncIdx)
			}
		case OpPrefixMisc:
			if err := m.checkMisc(in, numMemories, numTables, numElems, numData); err != nil {
				return fail("%v", err)
			}
		case OpPrefixSIMD:
			if imm := in.Imm.(SIMDImm); imm.MemArg != nil && imm.MemArg.MemIdx >= numMemories {
				return fail("memory %d out of range", imm.MemArg.MemIdx)
			}
		case OpPrefixAtomic:
			if imm := in.Imm.(AtomicImm); imm.MemArg != nil && imm.MemArg.MemIdx >= numMemories {
				return fail("memory %d out of range", imm.MemArg.MemIdx)
			}
		default:
			if IsMemoryAccess(in.Opcode) && in.Imm.(MemoryImm).MemIdx >= numMemories {
				return fail("memory %d out of range", in.Imm.(MemoryImm).MemIdx)
			}
		}
	}

	if len(blocks) != 0 {
		return errors.Malformed("code", body.Offset+len(body.Code), "function %d: %d unclosed blocks", funcIdx, len(blocks))
	}
	return nil
}

func (m *Module) checkMisc(in Instruction, numMemories, numTables, numElems, numData uint32) error {
	ops := in.Imm.(MiscImm).Operands
	check := func(v, n uint32, what string) error {
		if v >= n {
			return fmt.Errorf("%s %d out of range", what, v)
		}
		return nil
	}
	switch in.SubOp {
	case MiscMemoryInit:
		if m.DataCount == nil {
			return fmt.Errorf("memory.init requires a data count section")
		}
		if err := check(ops[0], numData, "data segment"); err != nil {
			return err
		}
		return check(ops[1], numMemories, "memory")
	case MiscDataDrop:
		if m.DataCount == nil {
			return fmt.Errorf("data.drop requires a data count section")
		}
		return check(ops[0], numData, "data segment")
	case MiscMemoryCopy:
		if err := check(ops[0], numMemories, "memory"); err != nil {
			return err
		}
		return check(ops[1], numMemories, "memory")
	case MiscMemoryFill:
		return check(ops[0], numMemories, "memory")
	case MiscTableInit:
		if err := check(ops[0], numElems, "element segment"); err != nil {
			return err
		}
		return check(ops[1], numTables, "table")
	case MiscElemDrop:
		return check(ops[0], numElems, "element segment")
	case MiscTableCopy:
		if err := check(ops[0], numTables, "table"); err != nil {
			return err
		}
		return check(ops[1], numTables, "table")
	case MiscTableGrow, MiscTableSize, MiscTableFill:
		return check(ops[0], numTables, "table")
	}
	return nil
}
