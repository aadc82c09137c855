package snapshot

import (
	"context"
	"reflect"
	"testing"

	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/instrument"
	"github.com/wippyai/wasm-preinit/wasm"
)

func memory(idx uint32, pages uint64, writes map[int]byte) Memory {
	b := make([]byte, pages*wasm.PageSize)
	for off, v := range writes {
		b[off] = v
	}
	return Memory{Index: idx, Pages: pages, Bytes: b}
}

func TestCompute_MemoryPages(t *testing.T) {
	base := &Snapshot{Memories: []Memory{memory(0, 4, map[int]byte{10: 1})}}
	final := &Snapshot{Memories: []Memory{memory(0, 6, map[int]byte{
		10:                  1, // unchanged
		2*wasm.PageSize + 5: 7, // page 2 changed
		4 * wasm.PageSize:   9, // grown page 4
	})}}

	d, err := Compute(context.Background(), base, final, Options{})
	if err != nil {
		t.Fatal(err)
	}
	md := d.Memories[0]
	if md.BaselinePages != 4 || md.FinalPages != 6 {
		t.Errorf("pages = %d -> %d", md.BaselinePages, md.FinalPages)
	}

	type page struct {
		n     uint64
		grown bool
	}
	var got []page
	for _, p := range md.Pages {
		got = append(got, page{p.Page, p.Grown})
		if len(p.Bytes) != wasm.PageSize {
			t.Errorf("page %d has %d bytes", p.Page, len(p.Bytes))
		}
	}
	want := []page{{2, false}, {4, true}, {5, true}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("pages = %v, want %v", got, want)
	}
	if md.Pages[0].Bytes[5] != 7 {
		t.Error("changed page carries wrong bytes")
	}
}

func TestCompute_Minimality(t *testing.T) {
	base := &Snapshot{Memories: []Memory{memory(0, 8, nil)}}
	final := &Snapshot{Memories: []Memory{memory(0, 8, nil)}}

	d, err := Compute(context.Background(), base, final, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Empty() || d.ChangedPages() != 0 {
		t.Errorf("identical snapshots produced a diff: %+v", d.Memories)
	}
}

func TestCompute_PartitionInvariance(t *testing.T) {
	writes := map[int]byte{}
	for _, p := range []int{0, 3, 7, 8, 15, 16, 30} {
		writes[p*wasm.PageSize+p] = byte(p + 1)
	}
	base := &Snapshot{Memories: []Memory{memory(0, 24, nil)}}
	final := &Snapshot{Memories: []Memory{memory(0, 32, writes)}}

	ref, err := Compute(context.Background(), base, final, Options{Workers: 1, PagesPerTask: 32})
	if err != nil {
		t.Fatal(err)
	}
	for _, workers := range []int{1, 2, 3, 8} {
		for _, per := range []int{1, 2, 5, 16, 100} {
			d, err := Compute(context.Background(), base, final, Options{Workers: workers, PagesPerTask: per})
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(d, ref) {
				t.Errorf("workers=%d pages/task=%d: diff differs", workers, per)
			}
		}
	}
	// pages 0, 3, 7, 8, 15 and 16 changed, 24..31 grew
	if got := ref.ChangedPages(); got != 14 {
		t.Errorf("changed pages = %d, want 14", got)
	}
}

func TestCompute_GlobalsAndTables(t *testing.T) {
	gt := wasm.GlobalType{ValType: wasm.ValI32, Mutable: true}
	base := &Snapshot{
		Globals: []Global{{Index: 0, Type: gt, Value: wasm.I32(1)}, {Index: 1, Type: gt, Value: wasm.I32(2)}},
		Tables:  []Table{{Index: 0, Entries: []wasm.Value{wasm.NullRef(wasm.ValFuncRef)}}},
	}
	final := &Snapshot{
		Globals: []Global{{Index: 0, Type: gt, Value: wasm.I32(1)}, {Index: 1, Type: gt, Value: wasm.I32(5)}},
		Tables:  []Table{{Index: 0, Entries: []wasm.Value{wasm.FuncRef(3)}}},
	}

	d, err := Compute(context.Background(), base, final, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Globals) != 1 || d.Globals[0].Index != 1 || !d.Globals[0].After.Equal(wasm.I32(5)) {
		t.Errorf("globals = %+v", d.Globals)
	}
	if len(d.Tables) != 1 || !d.Tables[0].Entries[0].Equal(wasm.FuncRef(3)) {
		t.Errorf("tables = %+v", d.Tables)
	}
}

func TestCompute_Mismatch(t *testing.T) {
	tests := []struct {
		name  string
		base  *Snapshot
		final *Snapshot
	}{
		{
			name:  "memory shrank",
			base:  &Snapshot{Memories: []Memory{memory(0, 2, nil)}},
			final: &Snapshot{Memories: []Memory{memory(0, 1, nil)}},
		},
		{
			name:  "different memory counts",
			base:  &Snapshot{Memories: []Memory{memory(0, 1, nil)}},
			final: &Snapshot{},
		},
		{
			name:  "length disagrees with pages",
			base:  &Snapshot{Memories: []Memory{{Index: 0, Pages: 1, Bytes: make([]byte, 10)}}},
			final: &Snapshot{Memories: []Memory{memory(0, 1, nil)}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(context.Background(), tt.base, tt.final, Options{})
			if errors.KindOf(err) != errors.KindUnsupported {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestCompute_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	base := &Snapshot{Memories: []Memory{memory(0, 4, nil)}}
	final := &Snapshot{Memories: []Memory{memory(0, 4, nil)}}
	if _, err := Compute(ctx, base, final, Options{Workers: 1, PagesPerTask: 1}); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

type fakeSource struct {
	mem     []byte
	globals map[uint32]wasm.Value
	table   []wasm.Value
}

func (f *fakeSource) Memories() []uint32 { return []uint32{0} }
func (f *fakeSource) ReadMemory(uint32) ([]byte, error) {
	return append([]byte(nil), f.mem...), nil
}
func (f *fakeSource) MemoryPages(uint32) (uint64, error) {
	return uint64(len(f.mem)) / wasm.PageSize, nil
}
func (f *fakeSource) MutableGlobals() []instrument.GlobalExport {
	return []instrument.GlobalExport{{Index: 2, Type: wasm.GlobalType{ValType: wasm.ValI64, Mutable: true}}}
}
func (f *fakeSource) ReadGlobal(idx uint32) (wasm.Value, error) { return f.globals[idx], nil }
func (f *fakeSource) Tables() []uint32                          { return []uint32{0} }
func (f *fakeSource) ReadTable(uint32) ([]wasm.Value, error) {
	return append([]wasm.Value(nil), f.table...), nil
}

func TestCapture(t *testing.T) {
	src := &fakeSource{
		mem:     make([]byte, 2*wasm.PageSize),
		globals: map[uint32]wasm.Value{2: wasm.I64(9)},
		table:   []wasm.Value{wasm.FuncRef(1)},
	}
	s, err := Capture(src)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Memories) != 1 || s.Memories[0].Pages != 2 {
		t.Errorf("memories = %+v", s.Memories)
	}
	if len(s.Globals) != 1 || s.Globals[0].Index != 2 || !s.Globals[0].Value.Equal(wasm.I64(9)) {
		t.Errorf("globals = %+v", s.Globals)
	}
	if len(s.Tables) != 1 || !s.Tables[0].Entries[0].Equal(wasm.FuncRef(1)) {
		t.Errorf("tables = %+v", s.Tables)
	}

	// Snapshots are independent of later writes.
	src.mem[0] = 1
	if s.Memories[0].Bytes[0] != 0 {
		t.Error("snapshot aliases the source memory")
	}
}
