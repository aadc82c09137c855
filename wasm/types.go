package wasm

import "fmt"

// ValType represents a WebAssembly value type
type ValType byte

// String returns the text-format name of the value type.
func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExtern:
		return "externref"
	default:
		return fmt.Sprintf("valtype(0x%02x)", byte(v))
	}
}

// IsRef reports whether the value type is a reference type.
func (v ValType) IsRef() bool {
	return v == ValFuncRef || v == ValExtern
}

// Module is the parsed image of a WebAssembly binary.
//
// Sections holds every section in binary order with its raw payload; the
// decoded views below are derived from those payloads. An image is never
// mutated after parsing. Encoders build a new Sections list and serialize
// it, so sections that are not rewritten are reproduced byte for byte.
type Module struct {
	Start          *uint32
	DataCount      *uint32
	Sections       []Section
	Types          []FuncType
	Imports        []Import
	Funcs          []uint32 // type index per defined function
	Tables         []TableType
	Memories       []MemoryType
	Globals        []Global
	Exports        []Export
	Elements       []Element
	Code           []FuncBody
	Data           []DataSegment
	CustomSections []CustomSection
}

// Section is one section of the binary in its original encoding.
type Section struct {
	Raw    []byte // payload, without id and size
	Offset int    // absolute offset of the payload in the source binary, -1 if synthesized
	ID     byte
}

// FuncType represents a function signature
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures are identical.
func (ft FuncType) Equal(o FuncType) bool {
	if len(ft.Params) != len(o.Params) || len(ft.Results) != len(o.Results) {
		return false
	}
	for i := range ft.Params {
		if ft.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range ft.Results {
		if ft.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

// String returns a compact signature such as "[i32 i32] -> [i64]".
func (ft FuncType) String() string {
	return fmt.Sprintf("%v -> %v", ft.Params, ft.Results)
}

// Import represents an imported item
type Import struct {
	Module string
	Name   string
	Desc   ImportDesc
}

// ImportDesc describes the imported entity
type ImportDesc struct {
	Table   *TableType
	Memory  *MemoryType
	Global  *GlobalType
	TypeIdx uint32
	Kind    byte
}

// Limits describes the min/max bounds of a table or memory
type Limits struct {
	Max    *uint64
	Min    uint64
	Shared bool
}

// TableType describes a table
type TableType struct {
	Limits   Limits
	ElemType ValType
}

// MemoryType describes a linear memory
type MemoryType struct {
	Limits Limits
}

// GlobalType describes a global variable type
type GlobalType struct {
	ValType ValType
	Mutable bool
}

// Global is a defined global with its constant initializer.
type Global struct {
	Init []byte // constant expression including the trailing end
	Type GlobalType
}

// Export represents an exported item
type Export struct {
	Name string
	Idx  uint32
	Kind byte
}

// Element represents an element segment.
//
// Flags follows the binary encoding:
//
//	0: active, table 0, funcidx vector
//	1: passive, elemkind + funcidx vector
//	2: active, explicit table, elemkind + funcidx vector
//	3: declarative, elemkind + funcidx vector
//	4-7: as 0-3 with reftype + expression vector
type Element struct {
	Offset   []byte
	FuncIdxs []uint32
	Exprs    [][]byte
	Flags    uint32
	TableIdx uint32
	Type     ValType
}

// IsActive reports whether the segment initializes a table at instantiation.
func (e *Element) IsActive() bool { return e.Flags&0x01 == 0 }

// IsPassive reports whether the segment is passive.
func (e *Element) IsPassive() bool { return e.Flags&0x03 == 0x01 }

// IsDeclarative reports whether the segment only declares function references.
func (e *Element) IsDeclarative() bool { return e.Flags&0x03 == 0x03 }

// UsesExprs reports whether entries are constant expressions rather than indices.
func (e *Element) UsesExprs() bool { return e.Flags&0x04 != 0 }

// Len returns the number of entries in the segment.
func (e *Element) Len() int {
	if e.UsesExprs() {
		return len(e.Exprs)
	}
	return len(e.FuncIdxs)
}

// FuncBody is a function body from the code section.
type FuncBody struct {
	Locals []LocalEntry
	Code   []byte // instruction sequence including the final end
	Offset int    // absolute offset of Code in the source binary
}

// LocalEntry declares Count locals of the same type.
type LocalEntry struct {
	Count   uint32
	ValType ValType
}

// DataSegment represents a data segment.
//
// Flags 0 is active on memory 0, 1 is passive and 2 is active on MemIdx.
type DataSegment struct {
	Offset []byte
	Init   []byte
	Flags  uint32
	MemIdx uint32
}

// IsActive reports whether the segment is copied into memory at instantiation.
func (d *DataSegment) IsActive() bool { return d.Flags != 1 }

// CustomSection is a named custom section.
type CustomSection struct {
	Name string
	Data []byte
}

// NumImportedFuncs returns the number of imported functions
func (m *Module) NumImportedFuncs() int {
	return m.countImports(KindFunc)
}

// NumImportedTables returns the number of imported tables
func (m *Module) NumImportedTables() int {
	return m.countImports(KindTable)
}

// NumImportedMemories returns the number of imported memories
func (m *Module) NumImportedMemories() int {
	return m.countImports(KindMemory)
}

// NumImportedGlobals returns the number of imported globals
func (m *Module) NumImportedGlobals() int {
	return m.countImports(KindGlobal)
}

func (m *Module) countImports(kind byte) int {
	n := 0
	for _, imp := range m.Imports {
		if imp.Desc.Kind == kind {
			n++
		}
	}
	return n
}

// NumFuncs returns the size of the function index space.
func (m *Module) NumFuncs() int { return m.NumImportedFuncs() + len(m.Funcs) }

// NumTables returns the size of the table index space.
func (m *Module) NumTables() int { return m.NumImportedTables() + len(m.Tables) }

// NumMemories returns the size of the memory index space.
func (m *Module) NumMemories() int { return m.NumImportedMemories() + len(m.Memories) }

// NumGlobals returns the size of the global index space.
func (m *Module) NumGlobals() int { return m.NumImportedGlobals() + len(m.Globals) }

// FuncTypeIdx returns the type index of function funcIdx in the function index space.
func (m *Module) FuncTypeIdx(funcIdx uint32) (uint32, bool) {
	n := uint32(0)
	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindFunc {
			continue
		}
		if n == funcIdx {
			return imp.Desc.TypeIdx, true
		}
		n++
	}
	local := funcIdx - n
	if funcIdx < n || int(local) >= len(m.Funcs) {
		return 0, false
	}
	return m.Funcs[local], true
}

// FuncSignature returns the signature of function funcIdx.
func (m *Module) FuncSignature(funcIdx uint32) (FuncType, bool) {
	ti, ok := m.FuncTypeIdx(funcIdx)
	if !ok || int(ti) >= len(m.Types) {
		return FuncType{}, false
	}
	return m.Types[ti], true
}

// GlobalTypeAt returns the type of global globalIdx in the global index space.
func (m *Module) GlobalTypeAt(globalIdx uint32) (GlobalType, bool) {
	n := uint32(0)
	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindGlobal {
			continue
		}
		if n == globalIdx {
			return *imp.Desc.Global, true
		}
		n++
	}
	local := globalIdx - n
	if globalIdx < n || int(local) >= len(m.Globals) {
		return GlobalType{}, false
	}
	return m.Globals[local].Type, true
}

// TableTypeAt returns the type of table tableIdx in the table index space.
func (m *Module) TableTypeAt(tableIdx uint32) (TableType, bool) {
	n := uint32(0)
	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindTable {
			continue
		}
		if n == tableIdx {
			return *imp.Desc.Table, true
		}
		n++
	}
	local := tableIdx - n
	if tableIdx < n || int(local) >= len(m.Tables) {
		return TableType{}, false
	}
	return m.Tables[local], true
}

// FindExport returns the export with the given name.
func (m *Module) FindExport(name string) (Export, bool) {
	for _, e := range m.Exports {
		if e.Name == name {
			return e, true
		}
	}
	return Export{}, false
}

// Section returns the first section with the given id.
func (m *Module) Section(id byte) (Section, bool) {
	for _, s := range m.Sections {
		if s.ID == id {
			return s, true
		}
	}
	return Section{}, false
}

// Clone returns a copy of the module whose slices can be replaced without
// affecting the receiver. Byte payloads are shared and must not be written.
func (m *Module) Clone() *Module {
	c := *m
	c.Sections = append([]Section(nil), m.Sections...)
	c.Types = append([]FuncType(nil), m.Types...)
	c.Imports = append([]Import(nil), m.Imports...)
	c.Funcs = append([]uint32(nil), m.Funcs...)
	c.Tables = append([]TableType(nil), m.Tables...)
	c.Memories = append([]MemoryType(nil), m.Memories...)
	c.Globals = append([]Global(nil), m.Globals...)
	c.Exports = append([]Export(nil), m.Exports...)
	c.Elements = append([]Element(nil), m.Elements...)
	c.Code = append([]FuncBody(nil), m.Code...)
	c.Data = append([]DataSegment(nil), m.Data...)
	c.CustomSections = append([]CustomSection(nil), m.CustomSections...)
	if m.Start != nil {
		s := *m.Start
		c.Start = &s
	}
	if m.DataCount != nil {
		d := *m.DataCount
		c.DataCount = &d
	}
	return &c
}
