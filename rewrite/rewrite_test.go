package rewrite

import (
	"bytes"
	"testing"

	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/internal/wasmtest"
	"github.com/wippyai/wasm-preinit/snapshot"
	"github.com/wippyai/wasm-preinit/wasm"
)

func parse(t *testing.T, bin []byte) *wasm.Module {
	t.Helper()
	m, err := wasm.ParseModuleValidate(bin)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return m
}

func page(n uint64, grown bool, writes map[int]byte) snapshot.PageDiff {
	b := make([]byte, wasm.PageSize)
	for off, v := range writes {
		b[off] = v
	}
	return snapshot.PageDiff{Page: n, Bytes: b, Grown: grown}
}

func rewriteAndParse(t *testing.T, image *wasm.Module, diff *snapshot.Diff, opts Options) (*wasm.Module, Stats) {
	t.Helper()
	out, stats, err := Rewrite(image, diff, opts)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	bin, err := Encode(out)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return parse(t, bin), stats
}

func TestRewrite_Memory(t *testing.T) {
	b := wasmtest.New()
	b.Memory(1, nil)
	b.ActiveData(0, []byte("orig"))
	b.PassiveData([]byte("passive"))
	s := b.Func(nil, nil, nil)
	b.Start(s)
	b.ExportFunc("init", b.Func(nil, nil, nil))
	b.ExportFunc("keep", s)
	b.Custom("name-ish", []byte{1, 2, 3})
	image := parse(t, b.Build())

	diff := &snapshot.Diff{Memories: []snapshot.MemoryDiff{{
		Index: 0, BaselinePages: 1, FinalPages: 3,
		Pages: []snapshot.PageDiff{
			page(0, false, map[int]byte{0: 'h', 1: 'i'}),
			page(1, true, nil),
			page(2, true, map[int]byte{3: 'x'}),
		},
	}}}

	out, stats := rewriteAndParse(t, image, diff, Options{InitFunc: "init"})

	if stats.DataSegments != 2 || stats.SkippedPages != 1 || stats.GrownMemories != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if got := out.Memories[0].Limits.Min; got != 3 {
		t.Errorf("memory min = %d, want 3", got)
	}
	if len(out.Data) != 4 {
		t.Fatalf("data segments = %d, want 4", len(out.Data))
	}
	if string(out.Data[0].Init) != "orig" || string(out.Data[1].Init) != "passive" {
		t.Error("original data segments not preserved in order")
	}
	if len(out.Data[2].Init) != wasm.PageSize || out.Data[2].Init[1] != 'i' {
		t.Error("changed page segment wrong")
	}
	grown := out.Data[3]
	if !bytes.Equal(grown.Init, []byte{0, 0, 0, 'x'}) {
		t.Errorf("grown page segment = %v, want trailing zeros trimmed", grown.Init)
	}
	off, err := wasm.EvalConst(grown.Offset, nil)
	if err != nil || off.Bits != 2*wasm.PageSize {
		t.Errorf("grown page offset = %v, %v", off, err)
	}
	if out.DataCount == nil || *out.DataCount != 4 {
		t.Errorf("data count = %v", out.DataCount)
	}
	if out.Start != nil {
		t.Error("start section kept")
	}
	if _, ok := out.FindExport("init"); ok {
		t.Error("initializer export kept")
	}
	if _, ok := out.FindExport("keep"); !ok {
		t.Error("unrelated export dropped")
	}

	for _, id := range []byte{wasm.SectionType, wasm.SectionFunction, wasm.SectionCode} {
		before, _ := image.Section(id)
		after, _ := out.Section(id)
		if !bytes.Equal(before.Raw, after.Raw) {
			t.Errorf("section %s changed", wasm.SectionName(id))
		}
	}
	if len(out.CustomSections) != 1 || !bytes.Equal(out.CustomSections[0].Data, []byte{1, 2, 3}) {
		t.Error("custom section not preserved")
	}
}

func TestRewrite_NonZeroMemoryIndexUsesExplicitForm(t *testing.T) {
	seg := pageSegment(1, 2, []byte{1})
	if seg.Flags != 2 || seg.MemIdx != 1 {
		t.Errorf("segment = %+v", seg)
	}
	seg = pageSegment(0, 65535, []byte{1})
	off, err := wasm.EvalConst(seg.Offset, nil)
	if err != nil || uint32(off.Bits) != 65535*wasm.PageSize {
		t.Errorf("offset = %v, %v", off, err)
	}
}

func TestRewrite_Globals(t *testing.T) {
	b := wasmtest.New()
	b.Global(false, wasm.I32(1))
	gi := b.Global(true, wasm.I64(0))
	gf := b.Global(true, wasm.F64(0))
	gu := b.Global(true, wasm.I32(7))
	image := parse(t, b.Build())

	diff := &snapshot.Diff{Globals: []snapshot.GlobalDiff{
		{Index: gi, Type: wasm.GlobalType{ValType: wasm.ValI64, Mutable: true}, After: wasm.I64(-42)},
		{Index: gf, Type: wasm.GlobalType{ValType: wasm.ValF64, Mutable: true}, After: wasm.F64(2.5)},
	}}
	out, stats := rewriteAndParse(t, image, diff, Options{})
	if stats.Globals != 2 {
		t.Errorf("globals rewritten = %d", stats.Globals)
	}

	values, err := out.StaticGlobals()
	if err != nil {
		t.Fatal(err)
	}
	want := []wasm.Value{wasm.I32(1), wasm.I64(-42), wasm.F64(2.5), wasm.I32(7)}
	for i := range want {
		if !values[i].Equal(want[i]) {
			t.Errorf("global %d = %v, want %v", i, values[i], want[i])
		}
	}
	if !out.Globals[gu].Type.Mutable || out.Globals[0].Type.Mutable {
		t.Error("mutability changed")
	}
}

func TestRewrite_Tables(t *testing.T) {
	tests := []struct {
		name      string
		entries   func(f uint32) []wasm.Value
		wantFlags uint32
	}{
		{
			name:      "dense",
			entries:   func(f uint32) []wasm.Value { return []wasm.Value{wasm.FuncRef(f), wasm.FuncRef(f)} },
			wantFlags: 0,
		},
		{
			name:      "with holes",
			entries:   func(f uint32) []wasm.Value { return []wasm.Value{wasm.NullRef(wasm.ValFuncRef), wasm.FuncRef(f)} },
			wantFlags: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := wasmtest.New()
			b.Table(2)
			f := b.Func(nil, nil, nil)
			b.ActiveElem(0, f)
			image := parse(t, b.Build())

			entries := tt.entries(f)
			diff := &snapshot.Diff{Tables: []snapshot.TableDiff{{Index: 0, Entries: entries}}}
			out, _ := rewriteAndParse(t, image, diff, Options{})

			if len(out.Elements) != 2 {
				t.Fatalf("elements = %d, want original plus one", len(out.Elements))
			}
			if out.Elements[1].Flags != tt.wantFlags {
				t.Errorf("flags = %d, want %d", out.Elements[1].Flags, tt.wantFlags)
			}
			tables, err := out.StaticTables()
			if err != nil {
				t.Fatal(err)
			}
			for i := range entries {
				if !tables[0][i].Equal(entries[i]) {
					t.Errorf("table[%d] = %v, want %v", i, tables[0][i], entries[i])
				}
			}
		})
	}
}

func TestRewrite_Exports(t *testing.T) {
	build := func() *wasm.Module {
		b := wasmtest.New()
		f0 := b.Func(nil, nil, nil)
		f1 := b.Func(nil, nil, nil)
		f2 := b.Func(nil, nil, nil)
		b.ExportFunc("init", f0)
		b.ExportFunc("_initialize", f0)
		b.ExportFunc("_start", f1)
		b.ExportFunc("resume", f2)
		return parse(t, b.Build())
	}
	names := func(m *wasm.Module) []string {
		var out []string
		for _, e := range m.Exports {
			out = append(out, e.Name)
		}
		return out
	}

	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{"drop init", Options{InitFunc: "init"}, []string{"_initialize", "_start", "resume"}},
		{"keep init", Options{InitFunc: "init", KeepInitExport: true}, []string{"init", "_initialize", "_start", "resume"}},
		{"drop reactor", Options{InitFunc: "init", RemoveExports: []string{"_initialize"}}, []string{"_start", "resume"}},
		{
			"rename over existing",
			Options{InitFunc: "init", Renames: []Rename{{Dst: "_start", Src: "resume"}}},
			[]string{"_initialize", "_start"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _ := rewriteAndParse(t, build(), &snapshot.Diff{}, tt.opts)
			got := names(out)
			if len(got) != len(tt.want) {
				t.Fatalf("exports = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("exports = %v, want %v", got, tt.want)
				}
			}
		})
	}

	t.Run("renamed function keeps its index", func(t *testing.T) {
		image := build()
		resume, _ := image.FindExport("resume")
		out, _ := rewriteAndParse(t, image, &snapshot.Diff{}, Options{Renames: []Rename{{Dst: "_start", Src: "resume"}}})
		e, ok := out.FindExport("_start")
		if !ok || e.Idx != resume.Idx {
			t.Errorf("_start = %+v, want index %d", e, resume.Idx)
		}
	})

	t.Run("missing rename source", func(t *testing.T) {
		_, _, err := Rewrite(build(), &snapshot.Diff{}, Options{Renames: []Rename{{Dst: "a", Src: "nope"}}})
		if errors.KindOf(err) != errors.KindInvalidConfig {
			t.Errorf("err = %v, want invalid config", err)
		}
	})
}

func TestRewrite_EncodingOverflow(t *testing.T) {
	saved := maxSectionSize
	maxSectionSize = 1024
	t.Cleanup(func() { maxSectionSize = saved })

	b := wasmtest.New()
	b.Memory(1, nil)
	image := parse(t, b.Build())
	diff := &snapshot.Diff{Memories: []snapshot.MemoryDiff{{
		Index: 0, BaselinePages: 1, FinalPages: 1,
		Pages: []snapshot.PageDiff{page(0, false, map[int]byte{0: 1})},
	}}}

	_, _, err := Rewrite(image, diff, Options{})
	var xerr *errors.Error
	if !errors.As(err, &xerr) || xerr.Kind != errors.KindEncodingOverflow || xerr.Section != "data" {
		t.Fatalf("err = %v, want encoding overflow in data", err)
	}
}

func TestRewrite_EmptyDiffKeepsSections(t *testing.T) {
	b := wasmtest.New()
	b.Memory(1, nil)
	b.ActiveData(8, []byte("abc"))
	b.Global(true, wasm.I32(3))
	b.ExportFunc("init", b.Func(nil, nil, nil))
	image := parse(t, b.Build())

	out, stats, err := Rewrite(image, &snapshot.Diff{Memories: []snapshot.MemoryDiff{{Index: 0, BaselinePages: 1, FinalPages: 1}}}, Options{KeepInitExport: true, InitFunc: "init"})
	if err != nil {
		t.Fatal(err)
	}
	if stats != (Stats{}) {
		t.Errorf("stats = %+v, want zero", stats)
	}
	for _, id := range []byte{wasm.SectionMemory, wasm.SectionGlobal, wasm.SectionExport, wasm.SectionData} {
		before, _ := image.Section(id)
		after, _ := out.Section(id)
		if !bytes.Equal(before.Raw, after.Raw) {
			t.Errorf("section %s changed", wasm.SectionName(id))
		}
	}
}
