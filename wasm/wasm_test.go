package wasm_test

import (
	"bytes"
	"testing"

	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/internal/wasmtest"
	"github.com/wippyai/wasm-preinit/wasm"
)

var i32 = []wasm.ValType{wasm.ValI32}

func sampleModule() []byte {
	b := wasmtest.New()
	imp := b.ImportFunc("env", "log", i32, nil)
	b.Memory(1, nil)
	g := b.Global(true, wasm.I32(7))
	b.Global(false, wasm.I64(-3))
	b.Table(2)
	f := b.Func(nil, nil, nil,
		wasmtest.I32Const(42),
		wasmtest.GlobalSet(g),
		wasmtest.I32Const(0),
		wasmtest.I32Const(99),
		wasmtest.I32Store(16),
	)
	h := b.Func(i32, i32, []wasm.LocalEntry{{Count: 1, ValType: wasm.ValI64}},
		wasmtest.LocalGet(0),
		wasmtest.Call(imp),
		wasmtest.LocalGet(0),
	)
	b.ActiveElem(0, f, h)
	b.ExportFunc("init", f)
	b.ExportFunc("get", h)
	b.Export("memory", wasm.KindMemory, 0)
	b.ActiveData(8, []byte("hello"))
	b.Custom("name", []byte{0x00})
	return b.Build()
}

func TestParseModule_Sample(t *testing.T) {
	m, err := wasm.ParseModuleValidate(sampleModule())
	if err != nil {
		t.Fatalf("ParseModuleValidate: %v", err)
	}

	if got := m.NumImportedFuncs(); got != 1 {
		t.Errorf("imported funcs = %d, want 1", got)
	}
	if got := m.NumFuncs(); got != 3 {
		t.Errorf("funcs = %d, want 3", got)
	}
	if len(m.Globals) != 2 || !m.Globals[0].Type.Mutable || m.Globals[1].Type.Mutable {
		t.Errorf("globals = %+v", m.Globals)
	}
	if e, ok := m.FindExport("init"); !ok || e.Idx != 1 {
		t.Errorf("init export = %+v, %v", e, ok)
	}
	if len(m.Data) != 1 || string(m.Data[0].Init) != "hello" {
		t.Errorf("data = %+v", m.Data)
	}
	if len(m.CustomSections) != 1 || m.CustomSections[0].Name != "name" {
		t.Errorf("custom sections = %+v", m.CustomSections)
	}
	if sig, ok := m.FuncSignature(2); !ok || !sig.Equal(wasm.FuncType{Params: i32, Results: i32}) {
		t.Errorf("signature of func 2 = %v", sig)
	}
}

func TestEncode_RoundTripIsByteIdentical(t *testing.T) {
	data := sampleModule()
	m, err := wasm.ParseModule(data)
	if err != nil {
		t.Fatalf("ParseModule: %v", err)
	}
	out, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("re-encoded binary differs from input")
	}
}

func TestParseModule_DoesNotAliasInput(t *testing.T) {
	data := sampleModule()
	m, err := wasm.ParseModule(data)
	if err != nil {
		t.Fatal(err)
	}
	for i := range data {
		data[i] = 0
	}
	if string(m.Data[0].Init) != "hello" {
		t.Error("parsed image changed when the input buffer was overwritten")
	}
}

func TestParseModule_Malformed(t *testing.T) {
	valid := sampleModule()

	tests := []struct {
		name    string
		data    []byte
		section string
		offset  int
	}{
		{
			name:    "too short",
			data:    []byte{0x00, 0x61},
			section: "header",
			offset:  0,
		},
		{
			name:    "bad magic",
			data:    []byte{0x00, 0x61, 0x73, 0x6E, 0x01, 0x00, 0x00, 0x00},
			section: "header",
			offset:  0,
		},
		{
			name:    "bad version",
			data:    []byte{0x00, 0x61, 0x73, 0x6D, 0x02, 0x00, 0x00, 0x00},
			section: "header",
			offset:  4,
		},
		{
			name:    "truncated section",
			data:    valid[:len(valid)-3],
			section: "custom",
		},
		{
			name:    "unknown section",
			data:    append(append([]byte(nil), valid[:8]...), 0x20, 0x00),
			section: "unknown",
			offset:  8,
		},
		{
			name:    "out of order",
			data:    []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00, 0x05, 0x01, 0x00, 0x01, 0x01, 0x00},
			section: "type",
			offset:  11,
		},
		{
			name:    "bad value type",
			data:    []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00, 0x01, 0x04, 0x01, 0x60, 0x01, 0x55, 0x00},
			section: "type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := wasm.ParseModule(tt.data)
			if err == nil {
				t.Fatal("expected error")
			}
			var e *errors.Error
			if !errors.As(err, &e) {
				t.Fatalf("error %v is not *errors.Error", err)
			}
			if e.Kind != errors.KindMalformedBinary {
				t.Errorf("kind = %s, want malformed_binary", e.Kind)
			}
			if e.Section != tt.section {
				t.Errorf("section = %q, want %q", e.Section, tt.section)
			}
			if tt.offset != 0 && e.Offset != tt.offset {
				t.Errorf("offset = %d, want %d", e.Offset, tt.offset)
			}
			if e.Offset < 0 {
				t.Errorf("offset unknown for %v", e)
			}
		})
	}
}

func TestParseModule_Unsupported(t *testing.T) {
	header := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	tests := []struct {
		name string
		data []byte
	}{
		{"memory64", append(append([]byte(nil), header...), 0x05, 0x03, 0x01, 0x04, 0x01)},
		{"shared memory", append(append([]byte(nil), header...), 0x05, 0x04, 0x01, 0x03, 0x01, 0x01)},
		{"tag section", append(append([]byte(nil), header...), 0x0D, 0x01, 0x00)},
		{"gc type", append(append([]byte(nil), header...), 0x01, 0x03, 0x01, 0x5F, 0x00)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := wasm.ParseModule(tt.data)
			if errors.KindOf(err) != errors.KindUnsupported {
				t.Errorf("err = %v, want unsupported", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *wasmtest.Builder)
	}{
		{
			name: "call out of range",
			build: func(b *wasmtest.Builder) {
				b.Func(nil, nil, nil, wasmtest.Call(9))
			},
		},
		{
			name: "global out of range",
			build: func(b *wasmtest.Builder) {
				b.Func(nil, nil, nil, wasmtest.GlobalGet(3), wasmtest.Drop)
			},
		},
		{
			name: "set immutable global",
			build: func(b *wasmtest.Builder) {
				g := b.Global(false, wasm.I32(1))
				b.Func(nil, nil, nil, wasmtest.I32Const(2), wasmtest.GlobalSet(g))
			},
		},
		{
			name: "local out of range",
			build: func(b *wasmtest.Builder) {
				b.Func(i32, nil, nil, wasmtest.LocalGet(1), wasmtest.Drop)
			},
		},
		{
			name: "branch too deep",
			build: func(b *wasmtest.Builder) {
				b.Func(nil, nil, nil, wasmtest.Block, wasmtest.Br(2), wasmtest.End)
			},
		},
		{
			name: "unclosed block",
			build: func(b *wasmtest.Builder) {
				b.Func(nil, nil, nil, wasmtest.Block)
			},
		},
		{
			name: "duplicate export",
			build: func(b *wasmtest.Builder) {
				f := b.Func(nil, nil, nil)
				b.ExportFunc("f", f)
				b.ExportFunc("f", f)
			},
		},
		{
			name: "start with params",
			build: func(b *wasmtest.Builder) {
				b.Start(b.Func(i32, nil, nil))
			},
		},
		{
			name: "memory access without memory",
			build: func(b *wasmtest.Builder) {
				b.Func(nil, nil, nil, wasmtest.I32Const(0), wasmtest.I32Load(0), wasmtest.Drop)
			},
		},
		{
			name: "memory minimum above maximum",
			build: func(b *wasmtest.Builder) {
				upper := uint64(1)
				b.Memory(2, &upper)
			},
		},
		{
			name: "element references missing function",
			build: func(b *wasmtest.Builder) {
				b.Table(1)
				b.ActiveElem(0, 5)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := wasmtest.New()
			tt.build(b)
			_, err := wasm.ParseModuleValidate(b.Build())
			if errors.KindOf(err) != errors.KindMalformedBinary {
				t.Fatalf("err = %v, want malformed_binary", err)
			}
		})
	}
}

func TestValidate_CodeErrorOffsetPointsIntoBody(t *testing.T) {
	b := wasmtest.New()
	b.Func(nil, nil, nil, wasmtest.I32Const(1), wasmtest.Drop, wasmtest.Call(7))
	data := b.Build()

	_, err := wasm.ParseModuleValidate(data)
	var e *errors.Error
	if !errors.As(err, &e) {
		t.Fatalf("err = %v", err)
	}
	if e.Section != "code" {
		t.Fatalf("section = %q", e.Section)
	}
	// i32.const 1; drop; call 7
	if data[e.Offset] != wasm.OpCall {
		t.Errorf("byte at offset 0x%x is 0x%02x, want call", e.Offset, data[e.Offset])
	}
}

func TestDecodeInstructions_Spans(t *testing.T) {
	code := wasmtest.Code(
		wasmtest.I32Const(-1000),
		wasmtest.Loop,
		wasmtest.BrIf(0),
		wasmtest.End,
		wasmtest.MemoryInit(3),
	)
	instrs, err := wasm.DecodeInstructions(code)
	if err != nil {
		t.Fatalf("DecodeInstructions: %v", err)
	}

	want := []struct {
		op   byte
		size int
	}{
		{wasm.OpI32Const, 3},
		{wasm.OpLoop, 2},
		{wasm.OpBrIf, 2},
		{wasm.OpEnd, 1},
		{wasm.OpPrefixMisc, 4},
		{wasm.OpEnd, 1},
	}
	if len(instrs) != len(want) {
		t.Fatalf("got %d instructions, want %d", len(instrs), len(want))
	}
	off := 0
	for i, w := range want {
		in := instrs[i]
		if in.Opcode != w.op || in.Size != w.size || in.Offset != off {
			t.Errorf("instr %d = {op 0x%02x off %d size %d}, want {op 0x%02x off %d size %d}",
				i, in.Opcode, in.Offset, in.Size, w.op, off, w.size)
		}
		off += w.size
	}
	if v := instrs[0].Imm.(wasm.I32Imm).Value; v != -1000 {
		t.Errorf("i32.const = %d", v)
	}
	if ops := instrs[4].Imm.(wasm.MiscImm).Operands; ops[0] != 3 || ops[1] != 0 {
		t.Errorf("memory.init operands = %v", ops)
	}
}

func TestDecodeInstructions_Errors(t *testing.T) {
	if _, err := wasm.DecodeInstructions([]byte{0xFF}); err == nil {
		t.Error("expected error for unknown opcode")
	}
	if _, err := wasm.DecodeInstructions([]byte{wasm.OpI32Const}); err == nil {
		t.Error("expected error for truncated immediate")
	}
	_, err := wasm.DecodeInstructions([]byte{0x06, 0x40})
	if errors.KindOf(err) != errors.KindUnsupported {
		t.Errorf("try: err = %v, want unsupported", err)
	}
}

func TestConstExpr(t *testing.T) {
	values := []wasm.Value{
		wasm.I32(-1),
		wasm.I32(1 << 30),
		wasm.I64(-1 << 40),
		wasm.F32(1.5),
		wasm.F64(-2.25),
		wasm.FuncRef(3),
		wasm.NullRef(wasm.ValFuncRef),
		wasm.NullRef(wasm.ValExtern),
		{Type: wasm.ValV128, Bits: 0x0102030405060708, Hi: 0xA0B0C0D0E0F00010},
	}
	for _, v := range values {
		t.Run(v.String(), func(t *testing.T) {
			expr, err := wasm.EncodeConst(v)
			if err != nil {
				t.Fatalf("EncodeConst: %v", err)
			}
			got, err := wasm.EvalConst(expr, nil)
			if err != nil {
				t.Fatalf("EvalConst: %v", err)
			}
			if !got.Equal(v) {
				t.Errorf("got %v, want %v", got, v)
			}
		})
	}
}

func TestEvalConst_ExtendedAndGlobals(t *testing.T) {
	expr := wasmtest.Code(
		wasmtest.GlobalGet(0),
		wasmtest.I32Const(10),
		wasmtest.I32Add,
		wasmtest.I32Const(3),
		wasmtest.I32Sub,
	)
	got, err := wasm.EvalConst(expr, func(idx uint32) (wasm.Value, bool) {
		if idx == 0 {
			return wasm.I32(100), true
		}
		return wasm.Value{}, false
	})
	if err != nil {
		t.Fatalf("EvalConst: %v", err)
	}
	if !got.Equal(wasm.I32(107)) {
		t.Errorf("got %v, want i32:107", got)
	}

	if _, err := wasm.EvalConst(wasmtest.Code(wasmtest.GlobalGet(1)), nil); err == nil {
		t.Error("expected error without resolver")
	}
	if _, err := wasm.EvalConst(wasmtest.Code(wasmtest.I32Const(1), wasmtest.I32Const(2)), nil); err == nil {
		t.Error("expected error for two results")
	}
}

func TestEncodeConst_NonNullExternref(t *testing.T) {
	if _, err := wasm.EncodeConst(wasm.Value{Type: wasm.ValExtern}); err == nil {
		t.Error("expected error")
	}
}

func TestStaticGlobals(t *testing.T) {
	b := wasmtest.New()
	b.Global(false, wasm.I32(5))
	b.Global(true, wasm.I64(6))
	m, err := wasm.ParseModuleValidate(b.Build())
	if err != nil {
		t.Fatal(err)
	}
	vals, err := m.StaticGlobals()
	if err != nil {
		t.Fatalf("StaticGlobals: %v", err)
	}
	if len(vals) != 2 || !vals[0].Equal(wasm.I32(5)) || !vals[1].Equal(wasm.I64(6)) {
		t.Errorf("values = %v", vals)
	}
}

func TestSetSection_CanonicalOrder(t *testing.T) {
	b := wasmtest.New()
	b.Func(nil, nil, nil)
	m, err := wasm.ParseModule(b.Build())
	if err != nil {
		t.Fatal(err)
	}

	out := m.Clone()
	g, _ := wasm.EncodeGlobalSection([]wasm.Global{{Type: wasm.GlobalType{ValType: wasm.ValI32}, Init: wasmtest.Code(wasmtest.I32Const(1))}})
	out.SetSection(wasm.SectionGlobal, g)
	out.SetSection(wasm.SectionStart, wasm.EncodeStartSection(0))

	var ids []byte
	for _, s := range out.Sections {
		ids = append(ids, s.ID)
	}
	want := []byte{wasm.SectionType, wasm.SectionFunction, wasm.SectionGlobal, wasm.SectionStart, wasm.SectionCode}
	if !bytes.Equal(ids, want) {
		t.Errorf("section order = %v, want %v", ids, want)
	}
	if len(m.Sections) != 3 {
		t.Errorf("clone modified original: %d sections", len(m.Sections))
	}

	bin, err := out.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wasm.ParseModuleValidate(bin); err != nil {
		t.Errorf("re-parse: %v", err)
	}

	out.RemoveSection(wasm.SectionStart)
	if _, ok := out.Section(wasm.SectionStart); ok {
		t.Error("start section still present")
	}
}

func TestBuildCallGraph(t *testing.T) {
	b := wasmtest.New()
	sig := b.Type(nil, nil)
	leaf := b.Func(nil, nil, nil)
	viaTable := b.Func(nil, nil, nil)
	caller := b.Func(nil, nil, nil, wasmtest.Call(leaf))
	indirect := b.Func(nil, nil, nil, wasmtest.I32Const(0), wasmtest.CallIndirect(sig))
	isolated := b.Func(nil, nil, nil)
	b.Table(1)
	b.ActiveElem(0, viaTable)

	m, err := wasm.ParseModuleValidate(b.Build())
	if err != nil {
		t.Fatal(err)
	}
	cg, err := wasm.BuildCallGraph(m)
	if err != nil {
		t.Fatal(err)
	}

	reach := cg.TransitiveCallees(map[uint32]bool{caller: true, indirect: true})
	for _, f := range []uint32{leaf, viaTable, caller, indirect} {
		if !reach[f] {
			t.Errorf("function %d should be reachable", f)
		}
	}
	if reach[isolated] {
		t.Errorf("function %d should not be reachable", isolated)
	}
}

func TestEncodeDataSection_Forms(t *testing.T) {
	segs := []wasm.DataSegment{
		{Offset: wasmtest.Code(wasmtest.I32Const(0)), Init: []byte{1}},
		{Flags: 1, Init: []byte{2, 3}},
		{Flags: 2, MemIdx: 0, Offset: wasmtest.Code(wasmtest.I32Const(64)), Init: nil},
	}
	raw, err := wasm.EncodeDataSection(segs)
	if err != nil {
		t.Fatal(err)
	}

	m := &wasm.Module{}
	m.SetSection(wasm.SectionMemory, mustMem(t))
	m.SetSection(wasm.SectionDataCount, wasm.AppendU32(nil, 3))
	m.SetSection(wasm.SectionData, raw)
	bin, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := wasm.ParseModuleValidate(bin)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed.Data) != 3 || parsed.Data[1].IsActive() || !parsed.Data[2].IsActive() {
		t.Errorf("data = %+v", parsed.Data)
	}
}

func mustMem(t *testing.T) []byte {
	t.Helper()
	raw, err := wasm.EncodeMemorySection([]wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestStaticTables(t *testing.T) {
	b := wasmtest.New()
	f := b.Func(nil, nil, nil)
	g := b.Func(nil, nil, nil)
	b.Table(4)
	b.ActiveElem(1, f)
	b.ActiveElem(1, g, f)

	m, err := wasm.ParseModuleValidate(b.Build())
	if err != nil {
		t.Fatal(err)
	}
	tables, err := m.StaticTables()
	if err != nil {
		t.Fatalf("StaticTables: %v", err)
	}
	want := []wasm.Value{wasm.NullRef(wasm.ValFuncRef), wasm.FuncRef(g), wasm.FuncRef(f), wasm.NullRef(wasm.ValFuncRef)}
	if len(tables) != 1 || len(tables[0]) != len(want) {
		t.Fatalf("tables = %v", tables)
	}
	for i := range want {
		if !tables[0][i].Equal(want[i]) {
			t.Errorf("entry %d = %v, want %v", i, tables[0][i], want[i])
		}
	}
}

func TestStaticTables_OutOfBounds(t *testing.T) {
	b := wasmtest.New()
	f := b.Func(nil, nil, nil)
	b.Table(1)
	b.ActiveElem(1, f)

	m, err := wasm.ParseModule(b.Build())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.StaticTables(); err == nil {
		t.Error("expected out of bounds error")
	}
}
