// Package wasmtest assembles small WebAssembly binaries for tests.
package wasmtest

import (
	"fmt"

	"github.com/wippyai/wasm-preinit/wasm"
)

// Builder accumulates module definitions and encodes them with the wasm
// package's section encoders. Imports must be declared before definitions
// of the same kind so returned indices stay stable.
type Builder struct {
	start     *uint32
	types     []wasm.FuncType
	imports   []wasm.Import
	funcs     []uint32
	bodies    []wasm.FuncBody
	tables    []wasm.TableType
	mems      []wasm.MemoryType
	globals   []wasm.Global
	exports   []wasm.Export
	elems     []wasm.Element
	data      []wasm.DataSegment
	customs   []wasm.CustomSection
	dataCount bool
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{}
}

// Type returns the index of the signature, adding it when not yet present.
func (b *Builder) Type(params, results []wasm.ValType) uint32 {
	ft := wasm.FuncType{Params: params, Results: results}
	for i, t := range b.types {
		if t.Equal(ft) {
			return uint32(i)
		}
	}
	b.types = append(b.types, ft)
	return uint32(len(b.types) - 1)
}

func (b *Builder) countImports(kind byte) uint32 {
	n := uint32(0)
	for _, imp := range b.imports {
		if imp.Desc.Kind == kind {
			n++
		}
	}
	return n
}

// ImportFunc declares a function import and returns its function index.
func (b *Builder) ImportFunc(module, name string, params, results []wasm.ValType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: function import after function definition")
	}
	idx := b.countImports(wasm.KindFunc)
	b.imports = append(b.imports, wasm.Import{
		Module: module,
		Name:   name,
		Desc:   wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: b.Type(params, results)},
	})
	return idx
}

// ImportMemory declares a memory import.
func (b *Builder) ImportMemory(module, name string, minPages uint64) uint32 {
	idx := b.countImports(wasm.KindMemory)
	b.imports = append(b.imports, wasm.Import{
		Module: module,
		Name:   name,
		Desc:   wasm.ImportDesc{Kind: wasm.KindMemory, Memory: &wasm.MemoryType{Limits: wasm.Limits{Min: minPages}}},
	})
	return idx
}

// ImportGlobal declares a global import.
func (b *Builder) ImportGlobal(module, name string, t wasm.ValType, mutable bool) uint32 {
	idx := b.countImports(wasm.KindGlobal)
	b.imports = append(b.imports, wasm.Import{
		Module: module,
		Name:   name,
		Desc:   wasm.ImportDesc{Kind: wasm.KindGlobal, Global: &wasm.GlobalType{ValType: t, Mutable: mutable}},
	})
	return idx
}

// Func defines a function whose body is the concatenation of code followed
// by end, and returns its function index.
func (b *Builder) Func(params, results []wasm.ValType, locals []wasm.LocalEntry, code ...[]byte) uint32 {
	b.funcs = append(b.funcs, b.Type(params, results))
	b.bodies = append(b.bodies, wasm.FuncBody{Locals: locals, Code: Code(code...)})
	return b.countImports(wasm.KindFunc) + uint32(len(b.funcs)-1)
}

// Memory defines a memory and returns its index.
func (b *Builder) Memory(minPages uint64, maxPages *uint64) uint32 {
	b.mems = append(b.mems, wasm.MemoryType{Limits: wasm.Limits{Min: minPages, Max: maxPages}})
	return b.countImports(wasm.KindMemory) + uint32(len(b.mems)-1)
}

// Table defines a funcref table and returns its index.
func (b *Builder) Table(minSize uint64) uint32 {
	b.tables = append(b.tables, wasm.TableType{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: minSize}})
	return b.countImports(wasm.KindTable) + uint32(len(b.tables)-1)
}

// Global defines a global initialized to v and returns its index.
func (b *Builder) Global(mutable bool, v wasm.Value) uint32 {
	init, err := wasm.EncodeConst(v)
	if err != nil {
		panic(fmt.Sprintf("wasmtest: %v", err))
	}
	b.globals = append(b.globals, wasm.Global{Type: wasm.GlobalType{ValType: v.Type, Mutable: mutable}, Init: init})
	return b.countImports(wasm.KindGlobal) + uint32(len(b.globals)-1)
}

// Export exports an item.
func (b *Builder) Export(name string, kind byte, idx uint32) {
	b.exports = append(b.exports, wasm.Export{Name: name, Kind: kind, Idx: idx})
}

// ExportFunc exports a function.
func (b *Builder) ExportFunc(name string, idx uint32) {
	b.Export(name, wasm.KindFunc, idx)
}

// Start sets the start function.
func (b *Builder) Start(idx uint32) {
	b.start = &idx
}

// ActiveData adds an active data segment for memory 0.
func (b *Builder) ActiveData(offset int32, init []byte) {
	b.data = append(b.data, wasm.DataSegment{Offset: Code(I32Const(offset)), Init: init})
}

// PassiveData adds a passive data segment and returns its index.
func (b *Builder) PassiveData(init []byte) uint32 {
	b.data = append(b.data, wasm.DataSegment{Flags: 1, Init: init})
	b.dataCount = true
	return uint32(len(b.data) - 1)
}

// ActiveElem adds an active element segment for table 0.
func (b *Builder) ActiveElem(offset int32, funcs ...uint32) {
	b.elems = append(b.elems, wasm.Element{
		Offset:   Code(I32Const(offset)),
		FuncIdxs: funcs,
		Type:     wasm.ValFuncRef,
	})
}

// Custom adds a custom section.
func (b *Builder) Custom(name string, data []byte) {
	b.customs = append(b.customs, wasm.CustomSection{Name: name, Data: data})
}

// Build encodes the module. It panics on encoding errors since inputs are
// always test fixtures.
func (b *Builder) Build() []byte {
	m := &wasm.Module{}
	must := func(raw []byte, err error) []byte {
		if err != nil {
			panic(fmt.Sprintf("wasmtest: %v", err))
		}
		return raw
	}

	if len(b.types) > 0 {
		m.SetSection(wasm.SectionType, must(wasm.EncodeTypeSection(b.types)))
	}
	if len(b.imports) > 0 {
		m.SetSection(wasm.SectionImport, encodeImports(b.imports))
	}
	if len(b.funcs) > 0 {
		m.SetSection(wasm.SectionFunction, must(wasm.EncodeFunctionSection(b.funcs)))
	}
	if len(b.tables) > 0 {
		m.SetSection(wasm.SectionTable, encodeTables(b.tables))
	}
	if len(b.mems) > 0 {
		m.SetSection(wasm.SectionMemory, must(wasm.EncodeMemorySection(b.mems)))
	}
	if len(b.globals) > 0 {
		m.SetSection(wasm.SectionGlobal, must(wasm.EncodeGlobalSection(b.globals)))
	}
	if len(b.exports) > 0 {
		m.SetSection(wasm.SectionExport, must(wasm.EncodeExportSection(b.exports)))
	}
	if b.start != nil {
		m.SetSection(wasm.SectionStart, wasm.EncodeStartSection(*b.start))
	}
	if len(b.elems) > 0 {
		m.SetSection(wasm.SectionElement, must(wasm.EncodeElementSection(b.elems)))
	}
	if b.dataCount {
		m.SetSection(wasm.SectionDataCount, must(wasm.EncodeDataCountSection(len(b.data))))
	}
	if len(b.bodies) > 0 {
		m.SetSection(wasm.SectionCode, must(wasm.EncodeCodeSection(b.bodies)))
	}
	if len(b.data) > 0 {
		m.SetSection(wasm.SectionData, must(wasm.EncodeDataSection(b.data)))
	}
	for _, c := range b.customs {
		m.SetSection(wasm.SectionCustom, wasm.EncodeCustomSection(c.Name, c.Data))
	}

	return must(m.Encode())
}

func encodeImports(imports []wasm.Import) []byte {
	out := wasm.AppendU32(nil, uint32(len(imports)))
	for _, imp := range imports {
		out = wasm.AppendName(out, imp.Module)
		out = wasm.AppendName(out, imp.Name)
		out = append(out, imp.Desc.Kind)
		switch imp.Desc.Kind {
		case wasm.KindFunc:
			out = wasm.AppendU32(out, imp.Desc.TypeIdx)
		case wasm.KindMemory:
			out = appendLimits(out, imp.Desc.Memory.Limits)
		case wasm.KindGlobal:
			out = append(out, byte(imp.Desc.Global.ValType))
			if imp.Desc.Global.Mutable {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
		case wasm.KindTable:
			out = append(out, byte(imp.Desc.Table.ElemType))
			out = appendLimits(out, imp.Desc.Table.Limits)
		}
	}
	return out
}

func encodeTables(tables []wasm.TableType) []byte {
	out := wasm.AppendU32(nil, uint32(len(tables)))
	for _, t := range tables {
		out = append(out, byte(t.ElemType))
		out = appendLimits(out, t.Limits)
	}
	return out
}

func appendLimits(out []byte, l wasm.Limits) []byte {
	if l.Max == nil {
		return wasm.AppendU64(append(out, 0), l.Min)
	}
	out = wasm.AppendU64(append(out, wasm.LimitsHasMax), l.Min)
	return wasm.AppendU64(out, *l.Max)
}
