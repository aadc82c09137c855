package instrument

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/wasm"
)

// Export names added to the execution copy.
const (
	MemoryExportPrefix = "__preinit_memory_"
	GlobalExportPrefix = "__preinit_global_"
	StartExport        = "__preinit_start"
	FuelExport         = "__preinit_fuel"
	MemExceededExport  = "__preinit_mem_exceeded"
)

// Options selects the instrumentation applied to the execution copy.
type Options struct {
	// MaxInstructions enables fuel metering when non-zero.
	MaxInstructions uint64
	// MaxMemoryPages enables the memory.grow guard when non-zero.
	MaxMemoryPages uint64
}

// MemoryExport names the export that exposes a defined memory.
type MemoryExport struct {
	Export string
	Index  uint32
}

// GlobalExport names the export that exposes a mutable defined global.
type GlobalExport struct {
	Export string
	Type   wasm.GlobalType
	Index  uint32
}

// Result is the instrumented execution copy and the names needed to read
// its state back.
type Result struct {
	Binary      []byte
	Memories    []MemoryExport
	Globals     []GlobalExport
	StartExport string // empty when the module has no start function
	FuelExport  string // empty when unmetered
	MemExceeded string // empty when unguarded
	Fuel        uint64 // configured instruction ceiling
	MemoryPages uint64 // configured memory ceiling
}

// Instrument builds the execution copy of m. The image itself is not
// modified; all additions are appended so no existing index shifts.
func Instrument(m *wasm.Module, opts Options) (*Result, error) {
	if err := checkSupported(m); err != nil {
		return nil, err
	}

	out := m.Clone()
	res := &Result{Fuel: opts.MaxInstructions, MemoryPages: opts.MaxMemoryPages}

	b := &appender{m: out}

	var fuelGlobal, exceededGlobal, consumeFunc uint32
	var growFuncs []uint32

	if opts.MaxInstructions > 0 {
		fuelGlobal = b.global(wasm.ValI64, wasm.I64(int64(min(opts.MaxInstructions, 1<<62))))
		consumeFunc = b.function(
			wasm.FuncType{Params: []wasm.ValType{wasm.ValI64}},
			nil,
			consumeBody(fuelGlobal),
		)
		res.FuelExport = FuelExport
	}

	if opts.MaxMemoryPages > 0 {
		exceededGlobal = b.global(wasm.ValI32, wasm.I32(0))
		nImported := uint32(m.NumImportedMemories())
		for i := range m.Memories {
			memIdx := nImported + uint32(i)
			growFuncs = append(growFuncs, b.function(
				wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}},
				nil,
				growBody(memIdx, opts.MaxMemoryPages, exceededGlobal),
			))
		}
		res.MemExceeded = MemExceededExport
	}

	// Rewrite original bodies only; helper bodies appended above are final.
	nImportedMems := uint32(m.NumImportedMemories())
	for i := range m.Code {
		body := out.Code[i]
		code, err := rewriteBody(body.Code, bodyRewrite{
			meter:        opts.MaxInstructions > 0,
			consume:      consumeFunc,
			growFuncs:    growFuncs,
			importedMems: nImportedMems,
		})
		if err != nil {
			return nil, errors.New(errors.PhaseInstrument, errors.KindMalformedBinary).
				Section("code", body.Offset).
				Detail("function %d: %v", m.NumImportedFuncs()+i, err).
				Build()
		}
		body.Code = code
		out.Code[i] = body
	}

	// State exports.
	for i := range m.Memories {
		idx := nImportedMems + uint32(i)
		name := MemoryExportPrefix + strconv.FormatUint(uint64(idx), 10)
		b.export(name, wasm.KindMemory, idx)
		res.Memories = append(res.Memories, MemoryExport{Export: name, Index: idx})
	}
	nImportedGlobals := uint32(m.NumImportedGlobals())
	for i, g := range m.Globals {
		if !g.Type.Mutable {
			continue
		}
		idx := nImportedGlobals + uint32(i)
		name := GlobalExportPrefix + strconv.FormatUint(uint64(idx), 10)
		b.export(name, wasm.KindGlobal, idx)
		res.Globals = append(res.Globals, GlobalExport{Export: name, Index: idx, Type: g.Type})
	}
	if opts.MaxInstructions > 0 {
		b.export(FuelExport, wasm.KindGlobal, fuelGlobal)
	}
	if opts.MaxMemoryPages > 0 {
		b.export(MemExceededExport, wasm.KindGlobal, exceededGlobal)
	}

	if m.Start != nil {
		b.export(StartExport, wasm.KindFunc, *m.Start)
		res.StartExport = StartExport
		out.Start = nil
		out.RemoveSection(wasm.SectionStart)
	}

	if err := b.flush(); err != nil {
		return nil, err
	}

	bin, err := out.Encode()
	if err != nil {
		return nil, err
	}
	res.Binary = bin

	Logger().Debug("instrumented execution copy")
	return res, nil
}

// checkSupported rejects modules whose state cannot be captured through the
// instrumented exports or whose table and segment state could change in ways
// the rewritten binary cannot reproduce.
func checkSupported(m *wasm.Module) error {
	for _, e := range m.Exports {
		if strings.HasPrefix(e.Name, "__preinit_") {
			return errors.Unsupported(errors.PhaseInstrument, "export %q uses the reserved __preinit_ prefix", e.Name)
		}
	}

	nImported := m.NumImportedGlobals()
	for i, g := range m.Globals {
		if !g.Type.Mutable {
			continue
		}
		if g.Type.ValType == wasm.ValV128 || g.Type.ValType.IsRef() {
			return errors.Unsupported(errors.PhaseInstrument, "mutable %s global %d", g.Type.ValType, nImported+i)
		}
	}

	nImportedFuncs := m.NumImportedFuncs()
	for i, body := range m.Code {
		instrs, err := wasm.DecodeInstructions(body.Code)
		if err != nil {
			return err
		}
		for _, in := range instrs {
			if name := forbidden(in); name != "" {
				return errors.New(errors.PhaseInstrument, errors.KindUnsupported).
					Section("code", body.Offset+in.Offset).
					Detail("%s in function %d", name, nImportedFuncs+i).
					Build()
			}
		}
	}
	return nil
}

func forbidden(in wasm.Instruction) string {
	switch in.Opcode {
	case wasm.OpTableSet:
		return "table.set"
	case wasm.OpPrefixMisc:
		switch in.SubOp {
		case wasm.MiscTableGrow:
			return "table.grow"
		case wasm.MiscTableFill:
			return "table.fill"
		case wasm.MiscTableCopy:
			return "table.copy"
		case wasm.MiscTableInit:
			return "table.init"
		case wasm.MiscElemDrop:
			return "elem.drop"
		case wasm.MiscDataDrop:
			return "data.drop"
		}
	}
	return ""
}

// appender accumulates appended types, functions, globals and exports and
// writes the affected sections once.
type appender struct {
	m       *wasm.Module
	dirty   map[byte]bool
	written bool
}

func (a *appender) mark(id byte) {
	if a.dirty == nil {
		a.dirty = make(map[byte]bool)
	}
	a.dirty[id] = true
}

func (a *appender) typeIdx(ft wasm.FuncType) uint32 {
	for i, t := range a.m.Types {
		if t.Equal(ft) {
			return uint32(i)
		}
	}
	a.m.Types = append(a.m.Types, ft)
	a.mark(wasm.SectionType)
	return uint32(len(a.m.Types) - 1)
}

func (a *appender) function(ft wasm.FuncType, locals []wasm.LocalEntry, code []byte) uint32 {
	idx := uint32(a.m.NumFuncs())
	a.m.Funcs = append(a.m.Funcs, a.typeIdx(ft))
	a.m.Code = append(a.m.Code, wasm.FuncBody{Locals: locals, Code: code, Offset: -1})
	a.mark(wasm.SectionFunction)
	return idx
}

func (a *appender) global(t wasm.ValType, init wasm.Value) uint32 {
	expr, _ := wasm.EncodeConst(init)
	idx := uint32(a.m.NumGlobals())
	a.m.Globals = append(a.m.Globals, wasm.Global{Type: wasm.GlobalType{ValType: t, Mutable: true}, Init: expr})
	a.mark(wasm.SectionGlobal)
	return idx
}

func (a *appender) export(name string, kind byte, idx uint32) {
	a.m.Exports = append(a.m.Exports, wasm.Export{Name: name, Kind: kind, Idx: idx})
	a.mark(wasm.SectionExport)
}

func (a *appender) flush() error {
	if a.written {
		return fmt.Errorf("instrument: sections already written")
	}
	a.written = true

	// Code bodies are always rewritten.
	a.mark(wasm.SectionCode)
	if len(a.m.Funcs) > 0 {
		a.mark(wasm.SectionFunction)
	}

	encoders := []struct {
		id  byte
		enc func() ([]byte, error)
	}{
		{wasm.SectionType, func() ([]byte, error) { return wasm.EncodeTypeSection(a.m.Types) }},
		{wasm.SectionFunction, func() ([]byte, error) { return wasm.EncodeFunctionSection(a.m.Funcs) }},
		{wasm.SectionGlobal, func() ([]byte, error) { return wasm.EncodeGlobalSection(a.m.Globals) }},
		{wasm.SectionExport, func() ([]byte, error) { return wasm.EncodeExportSection(a.m.Exports) }},
		{wasm.SectionCode, func() ([]byte, error) { return wasm.EncodeCodeSection(a.m.Code) }},
	}
	for _, e := range encoders {
		if !a.dirty[e.id] {
			continue
		}
		if e.id == wasm.SectionCode && len(a.m.Code) == 0 {
			continue
		}
		raw, err := e.enc()
		if err != nil {
			return err
		}
		a.m.SetSection(e.id, raw)
	}
	return nil
}
