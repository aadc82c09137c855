package wasm

import (
	"fmt"

	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/wasm/internal/binary"
)

// ParseModule decodes a WebAssembly binary into a Module image.
//
// Only structural decoding is performed; use ParseModuleValidate to also
// check index spaces and function bodies. The input is copied so the image
// stays stable if the caller reuses the buffer. Errors are *errors.Error of
// kind malformed_binary or unsupported carrying the section and offset.
func ParseModule(data []byte) (*Module, error) {
	if len(data) < 8 {
		return nil, errors.Malformed("header", 0, "binary is %d bytes, need at least 8", len(data))
	}
	data = append([]byte(nil), data...)
	r := binary.NewReader(data, 0)

	magic, _ := r.ReadU32LE()
	if magic != Magic {
		return nil, errors.Malformed("header", 0, "invalid magic number 0x%08x", magic)
	}
	version, _ := r.ReadU32LE()
	if version != Version {
		return nil, errors.Malformed("header", 4, "unsupported version %d", version)
	}

	m := &Module{}

	// Section ordering follows the canonical order, not the numeric id:
	// DataCount sits between Element and Code.
	var lastOrder int

	for r.Len() > 0 {
		idOffset := r.Offset()
		id, _ := r.ReadByte()
		name := SectionName(id)

		if id == SectionTag {
			return nil, errors.New(errors.PhaseParse, errors.KindUnsupported).
				Section(name, idOffset).
				Detail("exception handling is not supported").
				Build()
		}
		if id > SectionDataCount {
			return nil, errors.Malformed(name, idOffset, "unknown section id 0x%02x", id)
		}
		if id != SectionCustom {
			order := sectionOrder(id)
			if order <= lastOrder {
				return nil, errors.Malformed(name, idOffset, "section out of order or duplicated")
			}
			lastOrder = order
		}

		size, err := r.ReadU32()
		if err != nil {
			return nil, errors.Malformed(name, r.Offset(), "section size: %v", err)
		}
		payloadOffset := r.Offset()
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, errors.Malformed(name, payloadOffset, "section payload: %v", err)
		}

		sr := binary.NewReader(payload, payloadOffset)
		if err := parseSection(id, sr, m); err != nil {
			return nil, sectionError(name, sr, err)
		}
		if sr.Len() != 0 {
			return nil, errors.Malformed(name, sr.Offset(), "%d trailing bytes", sr.Len())
		}

		m.Sections = append(m.Sections, Section{ID: id, Offset: payloadOffset, Raw: payload})
	}

	if len(m.Funcs) != len(m.Code) {
		off := -1
		if s, ok := m.Section(SectionCode); ok {
			off = s.Offset
		}
		return nil, errors.Malformed("code", off, "function section declares %d functions, code section has %d bodies", len(m.Funcs), len(m.Code))
	}
	if m.DataCount != nil && int(*m.DataCount) != len(m.Data) {
		s, _ := m.Section(SectionDataCount)
		return nil, errors.Malformed("datacount", s.Offset, "data count %d does not match %d data segments", *m.DataCount, len(m.Data))
	}

	return m, nil
}

// ParseModuleValidate decodes and validates a WebAssembly binary.
func ParseModuleValidate(data []byte) (*Module, error) {
	m, err := ParseModule(data)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func sectionError(name string, r *binary.Reader, err error) error {
	var e *errors.Error
	if errors.As(err, &e) {
		if e.Section == "" {
			e.Section = name
			e.Offset = r.Offset()
		}
		return e
	}
	return errors.Malformed(name, r.Offset(), "%v", err)
}

func unsupported(format string, args ...any) error {
	return errors.Unsupported(errors.PhaseParse, format, args...)
}

// sectionOrder returns the canonical ordering for a section ID.
func sectionOrder(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionGlobal:
		return 6
	case SectionExport:
		return 7
	case SectionStart:
		return 8
	case SectionElement:
		return 9
	case SectionDataCount:
		return 10
	case SectionCode:
		return 11
	case SectionData:
		return 12
	default:
		return 100
	}
}

func parseSection(id byte, r *binary.Reader, m *Module) error {
	switch id {
	case SectionCustom:
		return parseCustomSection(r, m)
	case SectionType:
		return parseTypeSection(r, m)
	case SectionImport:
		return parseImportSection(r, m)
	case SectionFunction:
		return parseFunctionSection(r, m)
	case SectionTable:
		return parseTableSection(r, m)
	case SectionMemory:
		return parseMemorySection(r, m)
	case SectionGlobal:
		return parseGlobalSection(r, m)
	case SectionExport:
		return parseExportSection(r, m)
	case SectionStart:
		return parseStartSection(r, m)
	case SectionElement:
		return parseElementSection(r, m)
	case SectionCode:
		return parseCodeSection(r, m)
	case SectionData:
		return parseDataSection(r, m)
	case SectionDataCount:
		return parseDataCountSection(r, m)
	}
	return fmt.Errorf("unknown section id 0x%02x", id)
}

func parseCustomSection(r *binary.Reader, m *Module) error {
	name, err := r.ReadName()
	if err != nil {
		return err
	}
	m.CustomSections = append(m.CustomSections, CustomSection{Name: name, Data: r.Remaining()})
	return nil
}

func parseTypeSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, 0, min(count, uint32(r.Len())))
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		switch form {
		case FuncTypeByte:
		case 0x4E, 0x4F, 0x50, 0x5E, 0x5F:
			return unsupported("GC type form 0x%02x", form)
		default:
			return fmt.Errorf("invalid type form 0x%02x", form)
		}
		params, err := readValTypes(r)
		if err != nil {
			return err
		}
		results, err := readValTypes(r)
		if err != nil {
			return err
		}
		m.Types = append(m.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	count, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if int(count) > r.Len() {
		return nil, fmt.Errorf("value type count %d exceeds section size", count)
	}
	types := make([]ValType, count)
	for i := range types {
		if types[i], err = readValType(r); err != nil {
			return nil, err
		}
	}
	return types, nil
}

func readValType(r *binary.Reader) (ValType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch ValType(b) {
	case ValI32, ValI64, ValF32, ValF64, ValV128, ValFuncRef, ValExtern:
		return ValType(b), nil
	case 0x63, 0x64:
		return 0, unsupported("typed function references")
	}
	return 0, fmt.Errorf("invalid value type 0x%02x", b)
}

func readRefType(r *binary.Reader) (ValType, error) {
	t, err := readValType(r)
	if err != nil {
		return 0, err
	}
	if !t.IsRef() {
		return 0, fmt.Errorf("expected reference type, got %s", t)
	}
	return t, nil
}

func parseImportSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Imports = make([]Import, 0, min(count, uint32(r.Len())))
	for i := uint32(0); i < count; i++ {
		module, err := r.ReadName()
		if err != nil {
			return err
		}
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		imp := Import{Module: module, Name: name, Desc: ImportDesc{Kind: kind}}
		switch kind {
		case KindFunc:
			imp.Desc.TypeIdx, err = r.ReadU32()
		case KindTable:
			var t TableType
			t, err = readTableType(r)
			imp.Desc.Table = &t
		case KindMemory:
			var mt MemoryType
			mt, err = readMemoryType(r)
			imp.Desc.Memory = &mt
		case KindGlobal:
			var g GlobalType
			g, err = readGlobalType(r)
			imp.Desc.Global = &g
		case 0x04:
			return unsupported("tag import %s#%s", module, name)
		default:
			return fmt.Errorf("invalid import kind 0x%02x", kind)
		}
		if err != nil {
			return err
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func parseFunctionSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if int(count) > r.Len() {
		return fmt.Errorf("function count %d exceeds section size", count)
	}
	m.Funcs = make([]uint32, count)
	for i := range m.Funcs {
		if m.Funcs[i], err = r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func parseTableSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		t, err := readTableType(r)
		if err != nil {
			return err
		}
		m.Tables = append(m.Tables, t)
	}
	return nil
}

func parseMemorySection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		mt, err := readMemoryType(r)
		if err != nil {
			return err
		}
		m.Memories = append(m.Memories, mt)
	}
	return nil
}

func parseGlobalSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		gt, err := readGlobalType(r)
		if err != nil {
			return err
		}
		init, err := readConstExpr(r)
		if err != nil {
			return err
		}
		m.Globals = append(m.Globals, Global{Type: gt, Init: init})
	}
	return nil
}

func parseExportSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		if kind == 0x04 {
			return unsupported("tag export %q", name)
		}
		if kind > KindGlobal {
			return fmt.Errorf("invalid export kind 0x%02x", kind)
		}
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.Exports = append(m.Exports, Export{Name: name, Kind: kind, Idx: idx})
	}
	return nil
}

func parseStartSection(r *binary.Reader, m *Module) error {
	idx, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Start = &idx
	return nil
}

func parseElementSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		if flags > 7 {
			return fmt.Errorf("invalid element segment flags %d", flags)
		}

		elem := Element{Flags: flags, Type: ValFuncRef}

		// Bit 0: passive or declarative (no table index or offset)
		// Bit 1: explicit table index when active, elemkind/reftype present
		// Bit 2: entries are expressions
		active := flags&0x01 == 0
		usesExprs := flags&0x04 != 0

		if active && flags&0x02 != 0 {
			if elem.TableIdx, err = r.ReadU32(); err != nil {
				return err
			}
		}
		if active {
			if elem.Offset, err = readConstExpr(r); err != nil {
				return err
			}
		}

		if flags&0x03 != 0 {
			if usesExprs {
				if elem.Type, err = readRefType(r); err != nil {
					return err
				}
			} else {
				kind, err := r.ReadByte()
				if err != nil {
					return err
				}
				if kind != ElemKindFuncRef {
					return fmt.Errorf("invalid element kind 0x%02x", kind)
				}
			}
		}

		n, err := r.ReadU32()
		if err != nil {
			return err
		}
		if int(n) > r.Len() {
			return fmt.Errorf("element count %d exceeds section size", n)
		}

		if usesExprs {
			elem.Exprs = make([][]byte, n)
			for j := range elem.Exprs {
				if elem.Exprs[j], err = readConstExpr(r); err != nil {
					return err
				}
			}
		} else {
			elem.FuncIdxs = make([]uint32, n)
			for j := range elem.FuncIdxs {
				if elem.FuncIdxs[j], err = r.ReadU32(); err != nil {
					return err
				}
			}
		}

		m.Elements = append(m.Elements, elem)
	}
	return nil
}

func parseCodeSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		bodySize, err := r.ReadU32()
		if err != nil {
			return err
		}
		bodyOffset := r.Offset()
		bodyData, err := r.ReadBytes(int(bodySize))
		if err != nil {
			return err
		}

		br := binary.NewReader(bodyData, bodyOffset)

		localCount, err := br.ReadU32()
		if err != nil {
			return err
		}
		var locals []LocalEntry
		var total uint64
		for j := uint32(0); j < localCount; j++ {
			n, err := br.ReadU32()
			if err != nil {
				return err
			}
			t, err := readValType(br)
			if err != nil {
				return err
			}
			total += uint64(n)
			if total > MaxU32 {
				return fmt.Errorf("function %d declares too many locals", i)
			}
			locals = append(locals, LocalEntry{Count: n, ValType: t})
		}

		codeOffset := br.Offset()
		code := br.Remaining()
		if len(code) == 0 || code[len(code)-1] != OpEnd {
			return fmt.Errorf("function %d body does not end with end opcode", i)
		}

		m.Code = append(m.Code, FuncBody{Locals: locals, Code: code, Offset: codeOffset})
	}
	return nil
}

func parseDataSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		if flags > 2 {
			return fmt.Errorf("invalid data segment flags %d", flags)
		}

		seg := DataSegment{Flags: flags}

		if flags == 2 {
			if seg.MemIdx, err = r.ReadU32(); err != nil {
				return err
			}
		}
		if flags != 1 {
			if seg.Offset, err = readConstExpr(r); err != nil {
				return err
			}
		}

		n, err := r.ReadU32()
		if err != nil {
			return err
		}
		if seg.Init, err = r.ReadBytes(int(n)); err != nil {
			return err
		}

		m.Data = append(m.Data, seg)
	}
	return nil
}

func parseDataCountSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.DataCount = &count
	return nil
}

func readLimits(r *binary.Reader, memory bool) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	if flags&LimitsMemory64 != 0 {
		return Limits{}, unsupported("64-bit memories")
	}
	if flags > LimitsHasMax|LimitsShared {
		return Limits{}, fmt.Errorf("invalid limits flags 0x%02x", flags)
	}
	if flags&LimitsShared != 0 {
		if !memory {
			return Limits{}, fmt.Errorf("shared flag on table limits")
		}
		return Limits{}, unsupported("shared memories")
	}

	var l Limits
	lo, err := r.ReadU32()
	if err != nil {
		return Limits{}, err
	}
	l.Min = uint64(lo)
	if flags&LimitsHasMax != 0 {
		hi, err := r.ReadU32()
		if err != nil {
			return Limits{}, err
		}
		upper := uint64(hi)
		l.Max = &upper
	}
	return l, nil
}

func readTableType(r *binary.Reader) (TableType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return TableType{}, err
	}
	if b == 0x40 {
		return TableType{}, unsupported("table initializer expressions")
	}
	var t ValType
	switch ValType(b) {
	case ValFuncRef, ValExtern:
		t = ValType(b)
	case 0x63, 0x64:
		return TableType{}, unsupported("typed function references")
	default:
		return TableType{}, fmt.Errorf("invalid table element type 0x%02x", b)
	}
	limits, err := readLimits(r, false)
	if err != nil {
		return TableType{}, err
	}
	return TableType{ElemType: t, Limits: limits}, nil
}

func readMemoryType(r *binary.Reader) (MemoryType, error) {
	limits, err := readLimits(r, true)
	if err != nil {
		return MemoryType{}, err
	}
	return MemoryType{Limits: limits}, nil
}

func readGlobalType(r *binary.Reader) (GlobalType, error) {
	t, err := readValType(r)
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("invalid global mutability 0x%02x", mut)
	}
	return GlobalType{ValType: t, Mutable: mut == 1}, nil
}

// readConstExpr reads a constant expression up to and including its end
// opcode. Only opcodes permitted in constant expressions are accepted,
// including the extended-const arithmetic forms.
func readConstExpr(r *binary.Reader) ([]byte, error) {
	start := r.Position()
	for {
		op, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch op {
		case OpEnd:
			return r.Since(start), nil
		case OpI32Const:
			_, err = r.ReadS32()
		case OpI64Const:
			_, err = r.ReadS64()
		case OpF32Const:
			_, err = r.ReadBytes(4)
		case OpF64Const:
			_, err = r.ReadBytes(8)
		case OpGlobalGet, OpRefFunc:
			_, err = r.ReadU32()
		case OpRefNull:
			_, err = r.ReadS33()
		case OpI32Add, OpI32Sub, OpI32Mul, OpI64Add, OpI64Sub, OpI64Mul:
		case OpPrefixSIMD:
			var sub uint32
			if sub, err = r.ReadU32(); err == nil {
				if sub != SimdV128Const {
					return nil, fmt.Errorf("SIMD opcode %d not allowed in constant expression", sub)
				}
				_, err = r.ReadBytes(16)
			}
		default:
			return nil, fmt.Errorf("opcode 0x%02x not allowed in constant expression", op)
		}
		if err != nil {
			return nil, err
		}
	}
}
