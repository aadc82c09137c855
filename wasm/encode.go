package wasm

import (
	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/wasm/internal/binary"
)

// Encode serializes the module from its Sections list. Sections that were
// never replaced are written exactly as they were parsed.
func (m *Module) Encode() ([]byte, error) {
	w := binary.NewWriter()
	w.WriteU32LE(Magic)
	w.WriteU32LE(Version)

	for _, s := range m.Sections {
		if uint64(len(s.Raw)) > MaxU32 {
			return nil, errors.EncodingOverflow(SectionName(s.ID), uint64(len(s.Raw)))
		}
		w.Byte(s.ID)
		w.WriteU32(uint32(len(s.Raw)))
		w.WriteBytes(s.Raw)
	}
	return w.Bytes(), nil
}

// SetSection replaces the first section with the given id, or inserts a new
// one at its canonical position. Custom sections are always appended.
func (m *Module) SetSection(id byte, raw []byte) {
	sec := Section{ID: id, Raw: raw, Offset: -1}
	if id != SectionCustom {
		for i := range m.Sections {
			if m.Sections[i].ID == id {
				m.Sections[i] = sec
				return
			}
		}
		order := sectionOrder(id)
		for i, s := range m.Sections {
			if s.ID != SectionCustom && sectionOrder(s.ID) > order {
				m.Sections = append(m.Sections[:i], append([]Section{sec}, m.Sections[i:]...)...)
				return
			}
		}
	}
	m.Sections = append(m.Sections, sec)
}

// RemoveSection drops every section with the given id.
func (m *Module) RemoveSection(id byte) {
	out := m.Sections[:0]
	for _, s := range m.Sections {
		if s.ID != id {
			out = append(out, s)
		}
	}
	m.Sections = out
}

func writeCount(w *binary.Writer, section byte, n int) error {
	if uint64(n) > MaxU32 {
		return errors.EncodingOverflow(SectionName(section), uint64(n))
	}
	w.WriteU32(uint32(n))
	return nil
}

func writeBytesVec(w *binary.Writer, section byte, b []byte) error {
	if err := writeCount(w, section, len(b)); err != nil {
		return err
	}
	w.WriteBytes(b)
	return nil
}

func writeValTypes(w *binary.Writer, types []ValType) {
	w.WriteU32(uint32(len(types)))
	for _, t := range types {
		w.Byte(byte(t))
	}
}

func writeLimits(w *binary.Writer, l Limits) {
	var flags byte
	if l.Max != nil {
		flags |= LimitsHasMax
	}
	if l.Shared {
		flags |= LimitsShared
	}
	w.Byte(flags)
	w.WriteU64(l.Min)
	if l.Max != nil {
		w.WriteU64(*l.Max)
	}
}

// EncodeTypeSection encodes a type section payload.
func EncodeTypeSection(types []FuncType) ([]byte, error) {
	w := binary.NewWriter()
	if err := writeCount(w, SectionType, len(types)); err != nil {
		return nil, err
	}
	for _, ft := range types {
		w.Byte(FuncTypeByte)
		writeValTypes(w, ft.Params)
		writeValTypes(w, ft.Results)
	}
	return w.Bytes(), nil
}

// EncodeFunctionSection encodes a function section payload.
func EncodeFunctionSection(funcs []uint32) ([]byte, error) {
	w := binary.NewWriter()
	if err := writeCount(w, SectionFunction, len(funcs)); err != nil {
		return nil, err
	}
	for _, idx := range funcs {
		w.WriteU32(idx)
	}
	return w.Bytes(), nil
}

// EncodeMemorySection encodes a memory section payload.
func EncodeMemorySection(mems []MemoryType) ([]byte, error) {
	w := binary.NewWriter()
	if err := writeCount(w, SectionMemory, len(mems)); err != nil {
		return nil, err
	}
	for _, mem := range mems {
		writeLimits(w, mem.Limits)
	}
	return w.Bytes(), nil
}

// EncodeGlobalSection encodes a global section payload.
func EncodeGlobalSection(globals []Global) ([]byte, error) {
	w := binary.NewWriter()
	if err := writeCount(w, SectionGlobal, len(globals)); err != nil {
		return nil, err
	}
	for _, g := range globals {
		w.Byte(byte(g.Type.ValType))
		if g.Type.Mutable {
			w.Byte(1)
		} else {
			w.Byte(0)
		}
		w.WriteBytes(g.Init)
	}
	return w.Bytes(), nil
}

// EncodeExportSection encodes an export section payload.
func EncodeExportSection(exports []Export) ([]byte, error) {
	w := binary.NewWriter()
	if err := writeCount(w, SectionExport, len(exports)); err != nil {
		return nil, err
	}
	for _, e := range exports {
		w.WriteName(e.Name)
		w.Byte(e.Kind)
		w.WriteU32(e.Idx)
	}
	return w.Bytes(), nil
}

// EncodeStartSection encodes a start section payload.
func EncodeStartSection(funcIdx uint32) []byte {
	return AppendU32(nil, funcIdx)
}

// EncodeElementSection encodes an element section payload, writing each
// segment in the form selected by its Flags.
func EncodeElementSection(elems []Element) ([]byte, error) {
	w := binary.NewWriter()
	if err := writeCount(w, SectionElement, len(elems)); err != nil {
		return nil, err
	}
	for _, e := range elems {
		w.WriteU32(e.Flags)
		active := e.Flags&0x01 == 0
		if active && e.Flags&0x02 != 0 {
			w.WriteU32(e.TableIdx)
		}
		if active {
			w.WriteBytes(e.Offset)
		}
		if e.Flags&0x03 != 0 {
			if e.UsesExprs() {
				w.Byte(byte(e.Type))
			} else {
				w.Byte(ElemKindFuncRef)
			}
		}
		if e.UsesExprs() {
			if err := writeCount(w, SectionElement, len(e.Exprs)); err != nil {
				return nil, err
			}
			for _, expr := range e.Exprs {
				w.WriteBytes(expr)
			}
		} else {
			if err := writeCount(w, SectionElement, len(e.FuncIdxs)); err != nil {
				return nil, err
			}
			for _, idx := range e.FuncIdxs {
				w.WriteU32(idx)
			}
		}
	}
	return w.Bytes(), nil
}

// EncodeCodeSection encodes a code section payload.
func EncodeCodeSection(bodies []FuncBody) ([]byte, error) {
	w := binary.NewWriter()
	if err := writeCount(w, SectionCode, len(bodies)); err != nil {
		return nil, err
	}
	for _, b := range bodies {
		bw := binary.NewWriter()
		bw.WriteU32(uint32(len(b.Locals)))
		for _, l := range b.Locals {
			bw.WriteU32(l.Count)
			bw.Byte(byte(l.ValType))
		}
		bw.WriteBytes(b.Code)
		if err := writeBytesVec(w, SectionCode, bw.Bytes()); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

// EncodeDataSection encodes a data section payload.
func EncodeDataSection(data []DataSegment) ([]byte, error) {
	w := binary.NewWriter()
	if err := writeCount(w, SectionData, len(data)); err != nil {
		return nil, err
	}
	for _, d := range data {
		w.WriteU32(d.Flags)
		if d.Flags == 2 {
			w.WriteU32(d.MemIdx)
		}
		if d.Flags != 1 {
			w.WriteBytes(d.Offset)
		}
		if err := writeBytesVec(w, SectionData, d.Init); err != nil {
			return nil, err
		}
	}
	if uint64(w.Len()) > MaxU32 {
		return nil, errors.EncodingOverflow(SectionName(SectionData), uint64(w.Len()))
	}
	return w.Bytes(), nil
}

// EncodeDataCountSection encodes a data count section payload.
func EncodeDataCountSection(n int) ([]byte, error) {
	if uint64(n) > MaxU32 {
		return nil, errors.EncodingOverflow(SectionName(SectionDataCount), uint64(n))
	}
	return AppendU32(nil, uint32(n)), nil
}

// EncodeCustomSection encodes a custom section payload.
func EncodeCustomSection(name string, data []byte) []byte {
	return append(AppendName(nil, name), data...)
}
